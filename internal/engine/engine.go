package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/pathexpr"
	"github.com/ehr/subscriptions/internal/platform/websocket"
	"github.com/ehr/subscriptions/internal/store"
	"github.com/ehr/subscriptions/internal/subscription"
	"github.com/ehr/subscriptions/internal/topic"
)

// Engine is one tenant's fully wired subscription engine: the Event
// Generator registered as the store's change listener, feeding the
// Dispatcher, alongside the Heartbeat & Timeout Scheduler.
type Engine struct {
	Topics        *topic.Registry
	Subscriptions *subscription.Registry
	Store         *store.Store
	Hub           *websocket.Hub

	cfg        Config
	generator  *Generator
	dispatcher *Dispatcher
	scheduler  *Scheduler

	cancel context.CancelFunc
}

// New builds an Engine's collaborators and wires the Generator as the
// store's listener, but does not start any background loop — call Start.
func New(cfg Config, vs pathexpr.ValueSetService, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	st := store.New()
	topics := topic.New()
	subs := subscription.New()
	hub := websocket.NewHub(logger)

	dispatcher := NewDispatcher(cfg, subs, st, hub, logger)
	generator := NewGenerator(cfg, topics, subs, st, vs, dispatcher.Enqueue, logger)
	scheduler := NewScheduler(cfg, subs, dispatcher.Enqueue, logger)

	st.AddListener(generator)

	return &Engine{
		Topics:        topics,
		Subscriptions: subs,
		Store:         st,
		Hub:           hub,
		cfg:           cfg,
		generator:     generator,
		dispatcher:    dispatcher,
		scheduler:     scheduler,
	}
}

// HandshakeTimeout returns how long an unconfirmed rest-hook subscription
// may remain in requested before the scheduler retires it.
func (e *Engine) HandshakeTimeout() time.Duration {
	return e.cfg.HandshakeTimeout
}

// VerifyHandshake performs the synchronous, single-attempt handshake POST a
// rest-hook subscription's registration requires. Other channel codes
// verify trivially and never need this call.
func (e *Engine) VerifyHandshake(ctx context.Context, sub *subscription.Subscription) DeliverResult {
	return e.dispatcher.Handshake(ctx, sub)
}

// DeleteSubscription removes a subscription from the registry and cancels
// any NotifyRequests still queued or in flight for it.
func (e *Engine) DeleteSubscription(id string) (*subscription.Subscription, bool) {
	sub, ok := e.Subscriptions.Delete(id)
	if !ok {
		return nil, false
	}
	e.dispatcher.CancelSubscription(id)
	return sub, true
}

// Start launches the Generator's workers, the Dispatcher's workers, and the
// Scheduler's tick loop. It returns immediately; call Stop for a graceful
// shutdown.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.generator.Start()
	e.dispatcher.Start()
	go e.scheduler.Run(ctx)
}

// Stop cancels the scheduler loop and drains the generator and dispatcher
// worker pools.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.generator.Stop()
	e.dispatcher.Stop()
}
