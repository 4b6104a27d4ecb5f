package main

import (
	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/engine"
	"github.com/ehr/subscriptions/internal/store"
	"github.com/ehr/subscriptions/internal/topic"
)

const builtInTopicBase = "http://ehr.example.org/SubscriptionTopic/"

// seedBuiltInTopics registers a handful of representative topics so the
// server is immediately useful without a separate topic-authoring step.
func seedBuiltInTopics(e *engine.Engine, logger zerolog.Logger) {
	e.Topics.Register(&topic.Topic{
		URL:    builtInTopicBase + "encounter-start",
		Name:   "EncounterStart",
		Title:  "Encounter Start",
		Status: "active",
		Triggers: []topic.Trigger{
			{
				ResourceType:   "Encounter",
				Interactions:   []topic.Interaction{store.Create},
				PathExpression: "%current.status = 'in-progress'",
				CanFilterBy: []topic.FilterParamDef{
					{ResourceType: "Encounter", Name: "status", Modifiers: []string{"eq"}},
					{ResourceType: "Encounter", Name: "class.code"},
				},
				NotificationShape: []string{"subject.reference"},
			},
		},
	})

	e.Topics.Register(&topic.Topic{
		URL:    builtInTopicBase + "encounter-end",
		Name:   "EncounterEnd",
		Title:  "Encounter End",
		Status: "active",
		Triggers: []topic.Trigger{
			{
				ResourceType:   "Encounter",
				Interactions:   []topic.Interaction{store.Update},
				PathExpression: "%current.status = 'finished'",
				CanFilterBy: []topic.FilterParamDef{
					{ResourceType: "Encounter", Name: "status", Modifiers: []string{"eq"}},
				},
				NotificationShape: []string{"subject.reference"},
			},
		},
	})

	e.Topics.Register(&topic.Topic{
		URL:    builtInTopicBase + "new-lab-result",
		Name:   "NewLabResult",
		Title:  "New Lab Result",
		Status: "active",
		Triggers: []topic.Trigger{
			{
				ResourceType:   "DiagnosticReport",
				Interactions:   []topic.Interaction{store.Create},
				PathExpression: "%current.status = 'final'",
				CanFilterBy: []topic.FilterParamDef{
					{ResourceType: "DiagnosticReport", Name: "status", Modifiers: []string{"eq"}},
					{ResourceType: "DiagnosticReport", Name: "code"},
				},
				NotificationShape: []string{"subject.reference"},
			},
		},
	})

	e.Topics.Register(&topic.Topic{
		URL:    builtInTopicBase + "admission-discharge",
		Name:   "AdmissionDischarge",
		Title:  "Admission / Discharge",
		Status: "active",
		Triggers: []topic.Trigger{
			{
				ResourceType:   "Encounter",
				Interactions:   []topic.Interaction{store.Create, store.Update},
				PathExpression: "%current.class.code = 'IMP' and (%current.status = 'in-progress' or %current.status = 'finished')",
				CanFilterBy: []topic.FilterParamDef{
					{ResourceType: "Encounter", Name: "status", Modifiers: []string{"eq", "in"}},
					{ResourceType: "Encounter", Name: "class.code"},
				},
				NotificationShape: []string{"subject.reference"},
			},
		},
	})

	logger.Info().Int("count", len(e.Topics.All())).Msg("registered built-in subscription topics")
}
