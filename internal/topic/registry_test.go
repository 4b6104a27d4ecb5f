package topic

import (
	"encoding/json"
	"testing"

	"github.com/ehr/subscriptions/internal/store"
)

func boolPtr(b bool) *bool { return &b }

func encounterEncounterCompleteTopic() *Topic {
	return &Topic{
		URL:    "http://example.org/FHIR/SubscriptionTopic/encounter-complete",
		Status: "active",
		Triggers: []Trigger{
			{
				ResourceType: "Encounter",
				Interactions: []Interaction{store.Create, store.Update},
				QueryPredicate: &QueryPredicate{
					Previous:    "status:not=completed",
					Current:     "status=completed",
					RequireBoth: boolPtr(true),
				},
				CanFilterBy: []FilterParamDef{
					{ResourceType: "Encounter", Name: "status"},
				},
			},
		},
	}
}

func rawObj(t *testing.T, v map[string]interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// Scenario 1: Encounter-complete match, R5 topic style.
func TestEvaluate_EncounterCompleteScenario(t *testing.T) {
	reg := New()
	h := reg.Register(encounterEncounterCompleteTopic())

	// Create Encounter#e1 with status=planned: no match (current query fails).
	createPlanned := store.Change{
		Kind:         store.Create,
		ResourceType: "Encounter",
		ResourceID:   "e1",
		Current:      rawObj(t, map[string]interface{}{"status": "planned"}),
	}
	if r := reg.Evaluate(h, createPlanned, nil, nil); r.Matched {
		t.Fatalf("expected no match on create with status=planned, got %+v", r)
	}

	// Update to status=completed from planned: one match.
	updateToCompleted := store.Change{
		Kind:         store.Update,
		ResourceType: "Encounter",
		ResourceID:   "e1",
		Previous:     rawObj(t, map[string]interface{}{"status": "planned"}),
		Current:      rawObj(t, map[string]interface{}{"status": "completed"}),
	}
	if r := reg.Evaluate(h, updateToCompleted, nil, nil); !r.Matched || r.Reason != ReasonQuery {
		t.Fatalf("expected query match transitioning to completed, got %+v", r)
	}

	// Update again to status=completed (previous already completed): no match.
	updateStillCompleted := store.Change{
		Kind:         store.Update,
		ResourceType: "Encounter",
		ResourceID:   "e1",
		Previous:     rawObj(t, map[string]interface{}{"status": "completed"}),
		Current:      rawObj(t, map[string]interface{}{"status": "completed"}),
	}
	if r := reg.Evaluate(h, updateStillCompleted, nil, nil); r.Matched {
		t.Fatalf("expected no match when previous already completed, got %+v", r)
	}
}

func TestLookupForChange_FiltersByResourceTypeAndInteraction(t *testing.T) {
	reg := New()
	reg.Register(encounterEncounterCompleteTopic())

	matches := reg.LookupForChange(store.Change{Kind: store.Update, ResourceType: "Encounter"})
	if len(matches) != 1 {
		t.Fatalf("expected 1 handle, got %d", len(matches))
	}

	noMatches := reg.LookupForChange(store.Change{Kind: store.Delete, ResourceType: "Encounter"})
	if len(noMatches) != 0 {
		t.Fatalf("expected 0 handles for delete (not in trigger's interactions), got %d", len(noMatches))
	}

	wrongType := reg.LookupForChange(store.Change{Kind: store.Update, ResourceType: "Observation"})
	if len(wrongType) != 0 {
		t.Fatalf("expected 0 handles for unrelated resource type, got %d", len(wrongType))
	}
}

func TestQueryPredicate_RequireBothFalse(t *testing.T) {
	topic := &Topic{
		URL:    "http://example.org/FHIR/SubscriptionTopic/either-status",
		Status: "active",
		Triggers: []Trigger{
			{
				ResourceType: "Encounter",
				Interactions: []Interaction{store.Update},
				QueryPredicate: &QueryPredicate{
					Previous:    "status=planned",
					Current:     "status=arrived",
					RequireBoth: boolPtr(false),
				},
			},
		},
	}
	reg := New()
	h := reg.Register(topic)

	change := store.Change{
		Kind:         store.Update,
		ResourceType: "Encounter",
		Previous:     rawObj(t, map[string]interface{}{"status": "other"}),
		Current:      rawObj(t, map[string]interface{}{"status": "arrived"}),
	}
	if r := reg.Evaluate(h, change, nil, nil); !r.Matched {
		t.Fatalf("expected match since either side can satisfy requireBoth=false, got %+v", r)
	}
}

func TestEvaluateQuery_Modifiers(t *testing.T) {
	resource := map[string]interface{}{"code": "b", "class": map[string]interface{}{"code": "IMP"}}

	if !evaluateQuery("code=a,b", resource, nil) {
		t.Fatalf("expected eq modifier to match disjunctively over values")
	}
	if evaluateQuery("code=x,y", resource, nil) {
		t.Fatalf("expected eq modifier to fail when no value matches")
	}
	if !evaluateQuery("code:not=x", resource, nil) {
		t.Fatalf("expected not modifier to match when value differs")
	}
	if evaluateQuery("code:not-in=a,b,c", resource, nil) {
		t.Fatalf("expected not-in to fail when actual is in the set")
	}
	if !evaluateQuery("code:not-in=x,y", resource, nil) {
		t.Fatalf("expected not-in to pass when actual is outside the set")
	}
	if !evaluateQuery("class.code=IMP", resource, nil) {
		t.Fatalf("expected dotted path accessor to resolve")
	}
	if !evaluateQuery("missingField:missing=true", resource, nil) {
		t.Fatalf("expected missing=true to match an absent field")
	}
	if evaluateQuery("code:missing=true", resource, nil) {
		t.Fatalf("expected missing=true to fail for a present field")
	}

	var diags []string
	evaluateQuery("code:bogus=z", resource, func(msg string) { diags = append(diags, msg) })
	if len(diags) == 0 {
		t.Fatalf("expected a diagnostic for an unknown modifier")
	}
}

func TestAllowsFilter(t *testing.T) {
	topic := encounterEncounterCompleteTopic()
	if _, ok := topic.AllowsFilter("Encounter", "status"); !ok {
		t.Fatalf("expected status to be an allowed filter")
	}
	if _, ok := topic.AllowsFilter("Encounter", "class"); ok {
		t.Fatalf("expected class to be rejected (not declared in canFilterBy)")
	}
}
