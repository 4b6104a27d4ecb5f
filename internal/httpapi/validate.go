package httpapi

import (
	"fmt"
	"net/url"

	"github.com/ehr/subscriptions/internal/engine"
	"github.com/ehr/subscriptions/internal/subscription"
)

var knownChannelCodes = map[string]bool{
	"rest-hook":    true,
	"email":        true,
	"chat-message": true,
	"websocket":    true,
}

// validateSubscription implements acceptance rules for
// POST/PUT /{tenant}/Subscription. A subscription failing any rule is
// rejected at registration time rather than silently dropped or narrowed.
func validateSubscription(e *engine.Engine, def subscription.Definition) error {
	handle := e.Topics.Lookup(def.TopicURL)
	if handle == nil {
		return fmt.Errorf("subscription: topic %q is not registered", def.TopicURL)
	}

	if !knownChannelCodes[def.Channel.Code] {
		return fmt.Errorf("subscription: unknown channel code %q", def.Channel.Code)
	}

	if def.Channel.Code == "rest-hook" {
		u, err := url.Parse(def.Channel.Endpoint)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("subscription: rest-hook endpoint must be an absolute http(s) URL, got %q", def.Channel.Endpoint)
		}
	}

	topicDef := handle.Topic()
	for resourceType, filters := range def.Filters {
		for _, f := range filters {
			param, ok := topicDef.AllowsFilter(resourceType, f.Name)
			if !ok {
				return fmt.Errorf("subscription: filter %q is not declared in topic %q's canFilterBy", f.Name, def.TopicURL)
			}
			if f.Modifier != "" && !param.AllowsModifier(f.Modifier) {
				return fmt.Errorf("subscription: filter %q does not permit modifier %q", f.Name, f.Modifier)
			}
		}
	}
	return nil
}
