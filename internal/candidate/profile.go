package candidate

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/assignment-service/internal/model"
)

// Oracle read names recorded in CandidateProfile.Degraded.
const (
	ReadSlots     = "slots"
	ReadWorkload  = "workload"
	ReadRatings   = "ratings"
	ReadPriorWork = "prior_work"
)

// BuilderConfig bounds the oracle reads of a scoring pass.
type BuilderConfig struct {
	// Timeout caps every single oracle call.
	Timeout time.Duration
	// Window is the availability look-ahead from the pass start.
	Window time.Duration
	// MaxParallel limits how many candidates are read concurrently.
	MaxParallel int
}

// ProfileBuilder fans out oracle reads per candidate and assembles profiles.
// A failed or slow read never aborts the pass: the affected factor falls
// back to its default and the read is listed in Degraded.
type ProfileBuilder struct {
	avail AvailabilityOracle
	hist  HistoryOracle
	cfg   BuilderConfig
}

// NewProfileBuilder creates a ProfileBuilder.
func NewProfileBuilder(avail AvailabilityOracle, hist HistoryOracle, cfg BuilderConfig) *ProfileBuilder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Millisecond
	}
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	return &ProfileBuilder{avail: avail, hist: hist, cfg: cfg}
}

// Build returns one profile per member, in member order. All reads complete
// before Build returns.
func (b *ProfileBuilder) Build(ctx context.Context, members []model.Member, req *model.ServiceRequest, now time.Time) []model.CandidateProfile {
	profiles := make([]model.CandidateProfile, len(members))

	// errgroup only bounds the fan-out here: buildOne folds every read error
	// into a default, so no goroutine fails and Wait is always nil.
	var g errgroup.Group
	g.SetLimit(b.cfg.MaxParallel)
	for i, m := range members {
		g.Go(func() error {
			profiles[i] = b.buildOne(ctx, m, req, now)
			return nil
		})
	}
	_ = g.Wait()

	return profiles
}

func (b *ProfileBuilder) buildOne(ctx context.Context, m model.Member, req *model.ServiceRequest, now time.Time) model.CandidateProfile {
	p := model.NewCandidateProfile(m)
	log := zap.L().With(zap.String("ca_id", m.CAID), zap.String("request_id", req.ID))

	degrade := func(read string, err error) {
		p.Degraded = append(p.Degraded, read)
		log.Warn("candidate: oracle read failed, using default",
			zap.String("read", read),
			zap.Error(err),
		)
	}

	if slots, err := withTimeout(ctx, b.cfg.Timeout, func(ctx context.Context) (model.SlotCount, error) {
		return b.avail.CountSlots(ctx, m.CAID, now, now.Add(b.cfg.Window))
	}); err != nil {
		degrade(ReadSlots, err)
	} else {
		p.Slots = slots
	}

	if n, err := withTimeout(ctx, b.cfg.Timeout, func(ctx context.Context) (int, error) {
		return b.hist.CountActiveAssignments(ctx, m.CAID)
	}); err != nil {
		degrade(ReadWorkload, err)
	} else {
		p.ActiveAssignments = &n
	}

	if ratings, err := withTimeout(ctx, b.cfg.Timeout, func(ctx context.Context) ([]float64, error) {
		return b.hist.CompletedWithRating(ctx, m.CAID, req.ServiceType)
	}); err != nil {
		degrade(ReadRatings, err)
	} else {
		p.Ratings = ratings
	}

	prior, err := withTimeout(ctx, b.cfg.Timeout, func(ctx context.Context) (bool, error) {
		return b.hist.HasPriorWork(ctx, m.CAID, req.ClientID)
	})
	if err != nil {
		// Unknown history must not earn a variety bonus.
		prior = true
		degrade(ReadPriorWork, err)
	}
	p.HasPriorWork = prior

	return p
}

type readResult[T any] struct {
	val T
	err error
}

// withTimeout runs fn under its own deadline and stops waiting when the
// deadline passes, even if fn ignores its context.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan readResult[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- readResult[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, eris.Wrap(ctx.Err(), "candidate: oracle read timed out")
	}
}
