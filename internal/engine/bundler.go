package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/subscriptions/internal/subscription"
)

// ResourceResolver resolves a reference produced by an event's focus or
// additional-context ref into its current body, for full-resource bundling.
// found=false and deleted=false together mean "never existed or already
// purged"; found=false and deleted=true means "existed but has since been
// removed".
type ResourceResolver interface {
	Resolve(resourceType, id string) (body []byte, found bool, deleted bool)
}

// statusInfo carries the subscription fields the bundle's status resource
// reports, decoupled from *subscription.Subscription so the bundler package
// does not need to reach into Registry internals.
type statusInfo struct {
	SubscriptionID   string
	TopicURL         string
	State            subscription.State
	EventsSinceStart uint64
}

// BuildStatusQueryBundle produces the same notification payload buildBundle
// does, for the $events status-query operation (notificationType
// "query-event"), letting httpapi reuse the Notification Bundler without
// reaching into this package's unexported pieces.
func BuildStatusQueryBundle(sub *subscription.Subscription, events []*subscription.SubscriptionEvent, level subscription.ContentLevel, resolver ResourceResolver) ([]byte, error) {
	info := statusInfo{
		SubscriptionID:   sub.ID,
		TopicURL:         sub.Def.TopicURL,
		State:            sub.Snapshot().State,
		EventsSinceStart: sub.EventCount(),
	}
	return buildBundle(info, "query-event", events, level, resolver)
}

// buildBundle produces the notification payload at the content level the
// subscription is configured for. Entries are emitted in ascending
// event-number order; resources referenced by more than one event are
// included once, in first-reference order.
func buildBundle(info statusInfo, notifType NotificationType, events []*subscription.SubscriptionEvent, level subscription.ContentLevel, resolver ResourceResolver) ([]byte, error) {
	notificationEvents := make([]map[string]interface{}, 0, len(events))
	seen := make(map[string]bool)
	var included []map[string]interface{}

	for _, ev := range events {
		entry := map[string]interface{}{
			"eventNumber": ev.EventNumber,
			"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339),
		}
		if level != subscription.ContentEmpty {
			entry["focus"] = ev.FocusResourceRef
			if len(ev.AdditionalContextRefs) > 0 {
				entry["additionalContext"] = ev.AdditionalContextRefs
			}
			if level == subscription.ContentFullResource {
				refs := append([]string{ev.FocusResourceRef}, ev.AdditionalContextRefs...)
				for _, ref := range refs {
					if seen[ref] {
						continue
					}
					seen[ref] = true
					included = append(included, resolveEntry(ref, resolver))
				}
			}
		}
		notificationEvents = append(notificationEvents, entry)
	}

	status := map[string]interface{}{
		"resourceType":                 "SubscriptionStatus",
		"status":                       string(info.State),
		"type":                         string(notifType),
		"subscription":                 "Subscription/" + info.SubscriptionID,
		"topic":                        info.TopicURL,
		"eventsSinceSubscriptionStart": fmt.Sprintf("%d", info.EventsSinceStart),
		"notificationEvent":            notificationEvents,
	}

	entries := []map[string]interface{}{{"resource": status}}
	entries = append(entries, included...)

	bundle := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"entry":        entries,
	}
	return json.Marshal(bundle)
}

// resolveEntry resolves a "ResourceType/id" ref to a bundle entry. A
// since-deleted resource is represented by its reference with a deleted
// marker and no body.
func resolveEntry(ref string, resolver ResourceResolver) map[string]interface{} {
	resourceType, id := splitRef(ref)
	if resolver == nil {
		return map[string]interface{}{"fullUrl": ref}
	}
	body, found, deleted := resolver.Resolve(resourceType, id)
	if deleted || !found {
		return map[string]interface{}{"fullUrl": ref, "deleted": true}
	}
	return map[string]interface{}{"fullUrl": ref, "resource": json.RawMessage(body)}
}

func splitRef(ref string) (resourceType, id string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:]
		}
	}
	return ref, ""
}
