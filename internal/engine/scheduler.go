package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/subscription"
)

// Scheduler is the Heartbeat & Timeout Scheduler: a single
// ticking loop that scans the Subscription Registry for heartbeat,
// end-of-life, and handshake-timeout conditions.
type Scheduler struct {
	cfg      Config
	subs     *subscription.Registry
	dispatch func(NotifyRequest)
	logger   zerolog.Logger
}

// NewScheduler wires a Scheduler against its collaborators.
func NewScheduler(cfg Config, subs *subscription.Registry, dispatch func(NotifyRequest), logger zerolog.Logger) *Scheduler {
	return &Scheduler{cfg: cfg.withDefaults(), subs: subs, dispatch: dispatch, logger: logger}
}

// Run blocks, ticking at cfg.HeartbeatTick, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, sub := range s.subs.All() {
		s.checkSubscription(ctx, sub, now)
	}
}

func (s *Scheduler) checkSubscription(ctx context.Context, sub *subscription.Subscription, now time.Time) {
	snap := sub.Snapshot()

	switch snap.State {
	case subscription.StateOff:
		return
	case subscription.StateRequested:
		if !snap.VerificationDeadline.IsZero() && now.After(snap.VerificationDeadline) {
			sub.MarkOff()
			s.logger.Info().Str("subscription", sub.ID).Msg("subscription retired: handshake-timeout")
			return
		}
	}

	lastComm := snap.LastCommunication
	if lastComm.IsZero() {
		lastComm = sub.CreatedAt
	}
	if now.Sub(lastComm) >= s.cfg.EndOfLifeInterval {
		sub.MarkOff()
		s.logger.Info().Str("subscription", sub.ID).Msg("subscription retired: end-of-life")
		return
	}

	if snap.State == subscription.StateActive && sub.Def.Channel.HeartbeatSeconds > 0 {
		idle := now.Sub(snap.LastCommunication)
		if idle >= time.Duration(sub.Def.Channel.HeartbeatSeconds)*time.Second {
			s.dispatch(newNotifyRequest(ctx, sub.ID, NotificationHeartbeat, nil))
		}
	}
}
