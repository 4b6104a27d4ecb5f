package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/pathexpr"
	"github.com/ehr/subscriptions/internal/store"
	"github.com/ehr/subscriptions/internal/subscription"
	"github.com/ehr/subscriptions/internal/topic"
)

// StoreReader is the narrow read-only view of the resource store the
// Generator needs to resolve notificationShape include hints. The engine
// never mutates the store through this interface.
type StoreReader interface {
	Get(resourceType, id string) (json.RawMessage, bool)
}

// Generator is a store.Listener that evaluates every change against the
// Topic Registry, fans out to matching subscriptions, and hands appended
// events to the Dispatcher through a bounded-queue worker pool.
type Generator struct {
	topics   *topic.Registry
	subs     *subscription.Registry
	storeRd  StoreReader
	vs       pathexpr.ValueSetService
	dispatch func(NotifyRequest)
	logger   zerolog.Logger

	queue chan store.Change
	wg    sync.WaitGroup
	stop  chan struct{}

	workers int
}

// NewGenerator wires a Generator against its collaborators. dispatch is
// called once per matched subscription event; it is typically
// (*Dispatcher).Enqueue.
func NewGenerator(cfg Config, topics *topic.Registry, subs *subscription.Registry, storeRd StoreReader, vs pathexpr.ValueSetService, dispatch func(NotifyRequest), logger zerolog.Logger) *Generator {
	cfg = cfg.withDefaults()
	return &Generator{
		topics:   topics,
		subs:     subs,
		storeRd:  storeRd,
		vs:       vs,
		dispatch: dispatch,
		logger:   logger,
		queue:    make(chan store.Change, cfg.IngressQueueCapacity),
		stop:     make(chan struct{}),
		workers:  cfg.GeneratorWorkers,
	}
}

// OnChange implements store.Listener. It enqueues the change; a full queue
// blocks the caller, which is the store's mutating method and therefore the
// original request handler — the intentional back-pressure point for a
// burst of changes outrunning the generator worker pool.
func (g *Generator) OnChange(ctx context.Context, change store.Change) {
	select {
	case g.queue <- change:
	case <-g.stop:
	}
}

// Start launches the configured number of generator workers.
func (g *Generator) Start() {
	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}
}

// Stop halts the workers once the queue drains.
func (g *Generator) Stop() {
	close(g.stop)
	g.wg.Wait()
}

func (g *Generator) worker() {
	defer g.wg.Done()
	for {
		select {
		case change := <-g.queue:
			g.handle(context.Background(), change)
		case <-g.stop:
			for {
				select {
				case change := <-g.queue:
					g.handle(context.Background(), change)
				default:
					return
				}
			}
		}
	}
}

func (g *Generator) handle(ctx context.Context, change store.Change) {
	handles := g.topics.LookupForChange(change)
	for _, h := range handles {
		result := g.topics.Evaluate(h, change, g.vs, func(msg string) {
			g.logger.Debug().Str("topic", h.URL()).Msg(msg)
		})
		if !result.Matched {
			continue
		}
		g.fanOut(ctx, h, change)
	}
}

func (g *Generator) fanOut(ctx context.Context, h *topic.Handle, change store.Change) {
	candidate := candidateResource(change)
	for _, sub := range g.subs.ByTopic(h.URL()) {
		if !sub.MatchesFilters(change.ResourceType, candidate) {
			continue
		}
		g.recordAndDispatch(ctx, h, sub, change, candidate)
	}
}

func (g *Generator) recordAndDispatch(ctx context.Context, h *topic.Handle, sub *subscription.Subscription, change store.Change, candidate map[string]interface{}) {
	focus := fmt.Sprintf("%s/%s", change.ResourceType, change.ResourceID)
	additional := g.resolveAdditionalContext(h, candidate)

	var snapshot []byte
	if sub.Def.Channel.ContentLevel == subscription.ContentFullResource {
		snapshot = change.Current
		if change.Kind == store.Delete {
			snapshot = change.Previous
		}
	}

	ev := sub.AppendEvent(func(n uint64) subscription.SubscriptionEvent {
		return subscription.SubscriptionEvent{
			EventNumber:           n,
			Timestamp:             time.Now(),
			FocusResourceRef:      focus,
			AdditionalContextRefs: additional,
			FocusSnapshot:         snapshot,
		}
	})

	g.dispatch(newNotifyRequest(ctx, sub.ID, NotificationEvent, []uint64{ev.EventNumber}))
}

// resolveAdditionalContext resolves the topic's notificationShape include
// hints (dotted paths to reference fields, e.g. "subject.reference") against
// the candidate resource and the store. Resolution failures are logged and
// otherwise ignored — a reference that can't be resolved must not drop the
// event.
func (g *Generator) resolveAdditionalContext(h *topic.Handle, candidate map[string]interface{}) []string {
	shapes := h.Topic().NotificationShape()
	if len(shapes) == 0 || candidate == nil {
		return nil
	}
	var refs []string
	for _, shape := range shapes {
		ref, ok := extractReference(candidate, shape)
		if !ok {
			continue
		}
		resourceType, id, ok := splitReference(ref)
		if !ok {
			g.logger.Debug().Str("shape", shape).Str("ref", ref).Msg("notificationShape reference not in ResourceType/id form")
			continue
		}
		if _, found := g.storeRd.Get(resourceType, id); !found {
			g.logger.Debug().Str("shape", shape).Str("ref", ref).Msg("notificationShape reference could not be resolved against the store")
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func candidateResource(change store.Change) map[string]interface{} {
	raw := change.Current
	if change.Kind == store.Delete {
		raw = change.Previous
	}
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func extractReference(resource map[string]interface{}, path string) (string, bool) {
	var cur interface{} = resource
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		v, exists := m[seg]
		if !exists {
			return "", false
		}
		cur = v
	}
	s, ok := cur.(string)
	return s, ok
}

func splitReference(ref string) (resourceType, id string, ok bool) {
	idx := strings.IndexByte(ref, '/')
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", false
	}
	return ref[:idx], ref[idx+1:], true
}
