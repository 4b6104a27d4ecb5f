package topic

import (
	"encoding/json"
	"sync"

	"github.com/ehr/subscriptions/internal/pathexpr"
	"github.com/ehr/subscriptions/internal/store"
)

// Handle is the opaque compiled reference Register returns.
type Handle struct {
	topic *Topic
}

// URL returns the handle's topic canonical URL.
func (h *Handle) URL() string { return h.topic.URL }

// Topic returns the underlying compiled topic definition.
func (h *Handle) Topic() *Topic { return h.topic }

// Registry is the Topic Registry: read-mostly storage of compiled topics,
// keyed by canonical URL, with lock-free-feeling reads via a narrow RWMutex
// critical section.
type Registry struct {
	mu     sync.RWMutex
	byURL  map[string]*Handle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byURL: make(map[string]*Handle)}
}

// Register inserts or replaces a topic, keyed by its canonical URL
// (idempotent by URL).
func (r *Registry) Register(t *Topic) *Handle {
	h := &Handle{topic: t}
	r.mu.Lock()
	r.byURL[t.URL] = h
	r.mu.Unlock()
	return h
}

// Lookup returns the handle registered for a canonical URL, or nil.
func (r *Registry) Lookup(url string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byURL[url]
}

// All returns every registered handle, in no particular order.
func (r *Registry) All() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.byURL))
	for _, h := range r.byURL {
		out = append(out, h)
	}
	return out
}

// LookupForChange returns the handles whose triggers declare the change's
// resourceType and interaction kind. It does not evaluate
// queryPredicate/pathExpression — that is Evaluate's job.
func (r *Registry) LookupForChange(change store.Change) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Handle
	for _, h := range r.byURL {
		if h.topic.Status != "" && h.topic.Status != "active" {
			continue
		}
		for _, trig := range h.topic.Triggers {
			if trig.ResourceType == change.ResourceType && trig.matchesInteraction(change.Kind) {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// Evaluate runs the trigger evaluation algorithm for every trigger of h's
// topic matching change's resourceType/interaction, and ORs the per-trigger
// results together (triggers are disjunctive within a topic). Evaluation
// errors never propagate: they are a "match-evaluation" failure, recorded
// via diag and treated as not-matched for that trigger.
func (r *Registry) Evaluate(h *Handle, change store.Change, vs pathexpr.ValueSetService, diag func(string)) MatchResult {
	previous, err := unmarshalMap(change.Previous)
	if err != nil && diag != nil {
		diag("topic: malformed previous resource body: " + err.Error())
	}
	current, err := unmarshalMap(change.Current)
	if err != nil && diag != nil {
		diag("topic: malformed current resource body: " + err.Error())
	}

	result := MatchResult{Matched: false, Reason: ReasonNone}
	for _, trig := range h.topic.Triggers {
		if trig.ResourceType != change.ResourceType || !trig.matchesInteraction(change.Kind) {
			continue
		}
		tr := evaluateTrigger(&trig, change.Kind, previous, current, vs, diag)
		if tr.Matched {
			return tr // topic matches once; first matching trigger's reason is reported
		}
		result = tr
	}
	return result
}

func evaluateTrigger(trig *Trigger, kind Interaction, previous, current map[string]interface{}, vs pathexpr.ValueSetService, diag func(string)) MatchResult {
	hasQuery := trig.QueryPredicate != nil
	hasPath := trig.PathExpression != ""

	var queryMatch, pathMatch bool
	if hasQuery {
		queryMatch = evaluateQueryPredicate(trig.QueryPredicate, kind, previous, current, diag)
	}
	if hasPath {
		pathMatch = evaluatePathExpression(trig.PathExpression, previous, current, vs, diag)
	}

	switch {
	case hasQuery && hasPath:
		if trig.QueryPredicate.requireBoth() {
			if queryMatch && pathMatch {
				return MatchResult{Matched: true, Reason: ReasonBoth}
			}
			return MatchResult{Matched: false, Reason: ReasonNone}
		}
		switch {
		case queryMatch && pathMatch:
			return MatchResult{Matched: true, Reason: ReasonBoth}
		case queryMatch:
			return MatchResult{Matched: true, Reason: ReasonQuery}
		case pathMatch:
			return MatchResult{Matched: true, Reason: ReasonPath}
		default:
			return MatchResult{Matched: false, Reason: ReasonNone}
		}
	case hasQuery:
		if queryMatch {
			return MatchResult{Matched: true, Reason: ReasonQuery}
		}
		return MatchResult{Matched: false, Reason: ReasonNone}
	case hasPath:
		if pathMatch {
			return MatchResult{Matched: true, Reason: ReasonPath}
		}
		return MatchResult{Matched: false, Reason: ReasonNone}
	default:
		// resourceType + interaction matched and no predicate narrows it
		// further: the trigger matches on interaction alone.
		return MatchResult{Matched: true, Reason: ReasonNone}
	}
}

func evaluateQueryPredicate(qp *QueryPredicate, kind Interaction, previous, current map[string]interface{}, diag func(string)) bool {
	switch kind {
	case store.Create:
		return evaluateQuery(qp.Current, current, diag) && qp.resultForCreate() == ResultPasses
	case store.Delete:
		return evaluateQuery(qp.Previous, previous, diag) && qp.resultForDelete() == ResultPasses
	case store.Update:
		prevOK := evaluateQuery(qp.Previous, previous, diag)
		currOK := evaluateQuery(qp.Current, current, diag)
		if qp.requireBoth() {
			return prevOK && currOK
		}
		return prevOK || currOK
	default:
		return false
	}
}

func evaluatePathExpression(expr string, previous, current map[string]interface{}, vs pathexpr.ValueSetService, diag func(string)) bool {
	ctx := &pathexpr.Context{Previous: previous, Current: current, ValueSet: vs}
	matched, err := pathexpr.Evaluate(expr, ctx)
	for _, d := range ctx.Diagnostics {
		if diag != nil {
			diag(d)
		}
	}
	if err != nil {
		if diag != nil {
			diag("topic: path expression evaluation failed: " + err.Error())
		}
		return false
	}
	return matched
}

func unmarshalMap(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
