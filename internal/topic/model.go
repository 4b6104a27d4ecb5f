// Package topic is the Topic Registry: it holds compiled
// SubscriptionTopic-style definitions and evaluates resource changes against
// their triggers.
package topic

import "github.com/ehr/subscriptions/internal/store"

// Interaction mirrors store.ChangeKind at the trigger level so a topic
// definition can be authored without importing store's mutation vocabulary
// directly into its JSON shape.
type Interaction = store.ChangeKind

// PredicateResult ∈ {passes, fails}: the outcome a queryPredicate must match
// for a create or delete interaction to count as a trigger match.
type PredicateResult string

const (
	ResultPasses PredicateResult = "passes"
	ResultFails  PredicateResult = "fails"
)

// QueryPredicate is the previous/current query-string pair a trigger
// evaluates on update.
type QueryPredicate struct {
	Previous        string
	Current         string
	ResultForCreate PredicateResult
	ResultForDelete PredicateResult
	// RequireBoth governs two distinct combinations: previous-vs-current on
	// update, and query-vs-path when both are present on the same trigger.
	// Defaults to true.
	RequireBoth *bool
}

func (q *QueryPredicate) requireBoth() bool {
	if q == nil || q.RequireBoth == nil {
		return true
	}
	return *q.RequireBoth
}

func (q *QueryPredicate) resultForCreate() PredicateResult {
	if q == nil || q.ResultForCreate == "" {
		return ResultPasses
	}
	return q.ResultForCreate
}

func (q *QueryPredicate) resultForDelete() PredicateResult {
	if q == nil || q.ResultForDelete == "" {
		return ResultPasses
	}
	return q.ResultForDelete
}

// FilterParamDef is one entry of a trigger's canFilterBy list: a filter
// parameter name a subscription may reference, optionally scoped to a
// resource type and a set of permitted modifiers.
type FilterParamDef struct {
	ResourceType string // "" or "*" applies to any resource type
	Name         string
	Modifiers    []string // empty means any modifier is permitted
}

// Trigger is one entry of a Topic's trigger list: resourceType,
// interactions, queryPredicate, pathExpression, canFilterBy, and
// notificationShape, all modeled per-trigger.
type Trigger struct {
	ResourceType      string
	Interactions      []Interaction
	QueryPredicate    *QueryPredicate
	PathExpression    string
	CanFilterBy       []FilterParamDef
	NotificationShape []string
}

func (t *Trigger) matchesInteraction(kind Interaction) bool {
	if len(t.Interactions) == 0 {
		return true
	}
	for _, k := range t.Interactions {
		if k == kind {
			return true
		}
	}
	return false
}

// Topic is a compiled SubscriptionTopic: a canonical URL plus the triggers
// that fire it.
type Topic struct {
	URL      string
	Version  string
	Name     string
	Title    string
	Status   string // draft | active | retired
	Triggers []Trigger
}

// CanFilterBy unions the canFilterBy lists of every trigger in the topic,
// the form registration-time filter validation needs.
func (t *Topic) CanFilterBy() []FilterParamDef {
	var all []FilterParamDef
	for _, trig := range t.Triggers {
		all = append(all, trig.CanFilterBy...)
	}
	return all
}

// NotificationShape unions every trigger's include hints; the generator
// resolves additionalContextRefs from these.
func (t *Topic) NotificationShape() []string {
	var all []string
	seen := make(map[string]bool)
	for _, trig := range t.Triggers {
		for _, inc := range trig.NotificationShape {
			if !seen[inc] {
				seen[inc] = true
				all = append(all, inc)
			}
		}
	}
	return all
}

// MatchReason explains why (or why not) a trigger matched.
type MatchReason string

const (
	ReasonQuery MatchReason = "query"
	ReasonPath  MatchReason = "path"
	ReasonBoth  MatchReason = "both"
	ReasonNone  MatchReason = "none"
)

// MatchResult is the outcome of evaluating one Topic against one change.
type MatchResult struct {
	Matched bool
	Reason  MatchReason
}
