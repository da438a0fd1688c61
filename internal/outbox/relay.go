// Package outbox delivers assignment events written by the orchestrator to
// the notification dispatcher.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/assignment-service/internal/config"
	"github.com/sells-group/assignment-service/internal/model"
	"github.com/sells-group/assignment-service/internal/notify"
	"github.com/sells-group/assignment-service/internal/resilience"
)

// Store is the slice of the persistence layer the relay needs.
type Store interface {
	ClaimEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.AssignmentEvent, error)
	MarkDelivered(ctx context.Context, id string) error
	RetryEvent(ctx context.Context, id string, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id string, lastErr string) error
	CountEvents(ctx context.Context, status model.EventStatus) (int, error)
	ActiveMembers(ctx context.Context, firmID string) ([]model.Member, error)
}

// Options tune the relay loop.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Lease        time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// OptionsFrom converts the outbox config section.
func OptionsFrom(cfg config.OutboxConfig) Options {
	return Options{
		PollInterval: time.Duration(cfg.PollIntervalSecs) * time.Second,
		BatchSize:    cfg.BatchSize,
		MaxAttempts:  cfg.MaxAttempts,
		Lease:        time.Duration(cfg.LeaseSecs) * time.Second,
		BaseBackoff:  time.Duration(cfg.BaseBackoffSecs) * time.Second,
		MaxBackoff:   time.Duration(cfg.MaxBackoffSecs) * time.Second,
	}
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 5 * time.Second
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = 15 * time.Minute
	}
}

// Stats summarizes one relay pass.
type Stats struct {
	Claimed   int
	Delivered int
	Retried   int
	Dead      int
}

// errUnknownKind dead-letters events the relay cannot route.
var errUnknownKind = eris.New("outbox: unknown event kind")

// Relay claims due events and hands them to a notify.Dispatcher. Failed
// deliveries are rescheduled with exponential backoff; permanent failures and
// events out of attempts are dead-lettered.
type Relay struct {
	store      Store
	dispatcher notify.Dispatcher
	opts       Options
	now        func() time.Time
	m          *metrics
}

// NewRelay creates a relay.
func NewRelay(st Store, d notify.Dispatcher, opts Options) *Relay {
	opts.setDefaults()
	return &Relay{
		store:      st,
		dispatcher: d,
		opts:       opts,
		now:        time.Now,
		m:          getMetrics(),
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "outbox.relay"))
	log.Info("starting outbox relay",
		zap.Duration("poll_interval", r.opts.PollInterval),
		zap.Int("batch_size", r.opts.BatchSize),
	)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}

		stats, err := r.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Warn("outbox: relay pass failed", zap.Error(err))
			continue
		}
		if stats.Claimed > 0 {
			log.Debug("outbox: relay pass complete",
				zap.Int("claimed", stats.Claimed),
				zap.Int("delivered", stats.Delivered),
				zap.Int("retried", stats.Retried),
				zap.Int("dead", stats.Dead),
			)
		}
	}
}

// RunOnce claims one batch of due events and processes it.
func (r *Relay) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	events, err := r.store.ClaimEvents(ctx, r.now().UTC(), r.opts.BatchSize, r.opts.Lease)
	if err != nil {
		return stats, eris.Wrap(err, "outbox: claim events")
	}
	stats.Claimed = len(events)

	for _, evt := range events {
		switch r.process(ctx, evt) {
		case resultDelivered:
			stats.Delivered++
		case resultRetry:
			stats.Retried++
		case resultDead:
			stats.Dead++
		}
	}

	r.observeBacklog(ctx)
	return stats, nil
}

func (r *Relay) process(ctx context.Context, evt model.AssignmentEvent) string {
	log := zap.L().With(
		zap.String("event_id", evt.ID),
		zap.String("request_id", evt.RequestID),
		zap.String("kind", string(evt.Kind)),
		zap.Int("attempts", evt.Attempts),
	)

	start := time.Now()
	err := r.dispatch(ctx, evt)
	r.m.dispatchLatency.WithLabelValues(string(evt.Kind)).Observe(time.Since(start).Seconds())

	result := resultDelivered
	var ackErr error
	switch {
	case err == nil:
		ackErr = r.store.MarkDelivered(ctx, evt.ID)
	case errors.Is(err, errUnknownKind) || resilience.IsPermanent(err) || evt.Attempts >= r.opts.MaxAttempts:
		result = resultDead
		log.Error("outbox: event dead-lettered", zap.Error(err))
		ackErr = r.store.MarkDead(ctx, evt.ID, err.Error())
	default:
		result = resultRetry
		next := r.now().UTC().Add(resilience.OutboxBackoff(evt.Attempts, r.opts.BaseBackoff, r.opts.MaxBackoff))
		log.Warn("outbox: delivery failed, rescheduling", zap.Time("next_attempt_at", next), zap.Error(err))
		ackErr = r.store.RetryEvent(ctx, evt.ID, next, err.Error())
	}
	if ackErr != nil {
		// The lease expires and the event is claimed again.
		log.Warn("outbox: failed to record delivery result", zap.String("result", result), zap.Error(ackErr))
	}

	r.m.eventsTotal.WithLabelValues(string(evt.Kind), result).Inc()
	return result
}

func (r *Relay) dispatch(ctx context.Context, evt model.AssignmentEvent) error {
	p := evt.Payload
	switch evt.Kind {
	case model.EventAssignmentDecided, model.EventAssignmentOverride:
		return r.dispatcher.NotifyAssignment(ctx, notify.AssignmentNotice{
			RequestID:    evt.RequestID,
			ClientID:     p.ClientID,
			CAID:         p.CAID,
			PreviousCAID: p.PreviousCAID,
			Method:       p.Method,
		})
	case model.EventManualRequired:
		admins, err := r.firmAdmins(ctx, p.FirmID)
		if err != nil {
			return err
		}
		if len(admins) == 0 {
			zap.L().Warn("outbox: firm has no active admins to notify",
				zap.String("firm_id", p.FirmID),
				zap.String("request_id", evt.RequestID),
			)
		}
		return r.dispatcher.NotifyManualRequired(ctx, notify.ManualRequiredNotice{
			FirmID:    p.FirmID,
			RequestID: evt.RequestID,
			Reason:    p.Reason,
			AdminIDs:  admins,
		})
	default:
		return eris.Wrapf(errUnknownKind, "outbox: event %s has kind %q", evt.ID, evt.Kind)
	}
}

// firmAdmins resolves admins at delivery time so a notice reaches whoever
// administers the firm when it is sent.
func (r *Relay) firmAdmins(ctx context.Context, firmID string) ([]string, error) {
	members, err := r.store.ActiveMembers(ctx, firmID)
	if err != nil {
		return nil, eris.Wrapf(err, "outbox: list admins of firm %s", firmID)
	}
	var ids []string
	for _, m := range members {
		if m.IsAdmin() {
			ids = append(ids, m.CAID)
		}
	}
	return ids, nil
}

func (r *Relay) observeBacklog(ctx context.Context) {
	for _, status := range []model.EventStatus{model.EventStatusPending, model.EventStatusDead} {
		n, err := r.store.CountEvents(ctx, status)
		if err != nil {
			zap.L().Debug("outbox: count events failed", zap.String("status", string(status)), zap.Error(err))
			continue
		}
		r.m.backlog.WithLabelValues(string(status)).Set(float64(n))
	}
}
