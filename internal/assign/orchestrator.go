// Package assign decides which firm member handles a service request and
// commits that decision.
package assign

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/assignment-service/internal/calendar"
	"github.com/sells-group/assignment-service/internal/candidate"
	"github.com/sells-group/assignment-service/internal/config"
	"github.com/sells-group/assignment-service/internal/model"
	"github.com/sells-group/assignment-service/internal/scorer"
	"github.com/sells-group/assignment-service/internal/store"
)

// Store is the persistence the orchestrator reads facts from and commits to.
type Store interface {
	candidate.Directory
	candidate.AvailabilityOracle
	candidate.HistoryOracle

	GetRequest(ctx context.Context, id string) (*model.ServiceRequest, error)
	CommitAssignment(ctx context.Context, c model.AssignmentCommit, evt *model.AssignmentEvent) (bool, error)
	EnqueueEvent(ctx context.Context, evt *model.AssignmentEvent) error
}

// Calendar tells whether an instant falls outside business hours.
type Calendar interface {
	IsAfterHours(t time.Time) bool
}

// Options holds the orchestrator's tunables.
type Options struct {
	Threshold                  int
	MaxAlternates              int
	DefaultRecommendationLimit int
	MaxRecommendationLimit     int
	Builder                    candidate.BuilderConfig
}

// OptionsFrom converts the assignment config section.
func OptionsFrom(cfg config.AssignmentConfig) Options {
	return Options{
		Threshold:                  cfg.Threshold,
		MaxAlternates:              cfg.MaxAlternates,
		DefaultRecommendationLimit: cfg.DefaultRecommendationLimit,
		MaxRecommendationLimit:     cfg.MaxRecommendationLimit,
		Builder: candidate.BuilderConfig{
			Timeout:     cfg.OracleTimeout(),
			Window:      cfg.AvailabilityWindow(),
			MaxParallel: cfg.MaxParallel,
		},
	}
}

// MaxAlternatesLimit caps the alternates returned with any result.
const MaxAlternatesLimit = 3

// Manual-required reasons.
const (
	ReasonAutoDisabled   = "Auto-assignment disabled for firm"
	ReasonNoMembers      = "Firm has no active members"
	ReasonSpecOverridden = "Specialization requirement overridden by admin"
)

// Orchestrator runs the assignment operations.
type Orchestrator struct {
	store    Store
	filter   *candidate.Filter
	profiles *candidate.ProfileBuilder
	engine   *scorer.Engine
	cal      Calendar
	clock    calendar.Clock
	opts     Options
	validate *validator.Validate
	m        *metrics
}

// New creates an Orchestrator.
func New(st Store, engine *scorer.Engine, cal Calendar, clock calendar.Clock, opts Options) *Orchestrator {
	opts.MaxAlternates = min(max(opts.MaxAlternates, 0), MaxAlternatesLimit)
	if opts.DefaultRecommendationLimit <= 0 {
		opts.DefaultRecommendationLimit = 5
	}
	if opts.MaxRecommendationLimit < opts.DefaultRecommendationLimit {
		opts.MaxRecommendationLimit = opts.DefaultRecommendationLimit
	}
	return &Orchestrator{
		store:    st,
		filter:   candidate.NewFilter(st),
		profiles: candidate.NewProfileBuilder(st, st, opts.Builder),
		engine:   engine,
		cal:      cal,
		clock:    clock,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		m:        getMetrics(),
	}
}

// AssignServiceRequest tries to auto-assign the request to the best eligible
// member. When auto-assignment is disabled, impossible or low-confidence it
// queues a notice to the firm's admins and returns a MANUAL_REQUIRED result
// without committing anything.
func (o *Orchestrator) AssignServiceRequest(ctx context.Context, requestID string) (res *model.AssignmentResult, err error) {
	defer func() { o.observe(opAssign, res, err) }()

	if requestID == "" {
		return nil, validationErr(CodeInvalidInput, "request id is required")
	}
	log := zap.L().With(zap.String("request_id", requestID))

	req, err := o.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsAssigned() {
		return nil, conflictErr(CodeAlreadyAssigned, "request %s is already assigned to %s (%s)",
			req.ID, req.CAID, req.AssignmentState())
	}

	firm, err := o.firmConfig(ctx, req.FirmID)
	if err != nil {
		return nil, err
	}
	if !firm.AutoAssignmentEnabled {
		log.Info("assign: auto-assignment disabled, deferring to admins", zap.String("firm_id", req.FirmID))
		return o.manualRequired(ctx, req, ReasonAutoDisabled, nil, nil), nil
	}

	now := o.clock.Now()
	scores, err := o.rank(ctx, req, now)
	var exhausted *EligibilityExhaustedError
	if errors.As(err, &exhausted) {
		log.Info("assign: no eligible candidates", zap.Strings("reasons", exhausted.Reasons))
		return o.manualRequired(ctx, req, exhausted.Message, exhausted.Reasons, nil), nil
	}
	if err != nil {
		return nil, err
	}

	top := scores[0]
	alternates := o.alternates(scores)
	if top.Score < o.opts.Threshold {
		reason := fmt.Sprintf("Top score %d is below auto-assignment threshold %d", top.Score, o.opts.Threshold)
		log.Info("assign: top score below threshold",
			zap.String("ca_id", top.CAID),
			zap.Int("score", top.Score),
			zap.Int("threshold", o.opts.Threshold),
		)
		// Nothing was assigned, so the top candidate leads the list.
		return o.manualRequired(ctx, req, reason, nil, scores[:min(len(scores), o.opts.MaxAlternates)]), nil
	}

	score := top.Score
	commit := model.AssignmentCommit{
		RequestID: req.ID,
		CAID:      top.CAID,
		Method:    model.AssignmentMethodAuto,
		Score:     &score,
		Reason:    "Auto-assigned",
		At:        now.UTC(),
	}
	if err := o.commit(ctx, commit, decidedEvent(req, top.CAID, "", model.AssignmentMethodAuto)); err != nil {
		return nil, err
	}

	log.Info("assign: request auto-assigned", zap.String("ca_id", top.CAID), zap.Int("score", score))
	return &model.AssignmentResult{
		Success:       true,
		RequestID:     req.ID,
		Method:        model.AssignmentMethodAuto,
		Assigned:      &top,
		Score:         &score,
		Reasons:       top.Reasons,
		Alternates:    alternates,
		Notifications: model.NotificationFlags{Client: true, Provider: true},
	}, nil
}

// ManualAssignmentCommand is an admin's explicit choice for an unassigned request.
type ManualAssignmentCommand struct {
	RequestID              string `json:"request_id" validate:"required"`
	CAID                   string `json:"ca_id" validate:"required"`
	AdminID                string `json:"admin_id" validate:"required"`
	Reason                 string `json:"reason" validate:"max=500"`
	OverrideSpecialization bool   `json:"override_specialization"`
}

// ManualAssignment assigns an unassigned request to the chosen member on an
// admin's behalf. A member without the requested specialization is accepted
// only with OverrideSpecialization.
func (o *Orchestrator) ManualAssignment(ctx context.Context, cmd ManualAssignmentCommand) (res *model.AssignmentResult, err error) {
	defer func() { o.observe(opManual, res, err) }()

	if err := o.validateCmd(cmd); err != nil {
		return nil, err
	}

	req, err := o.loadRequest(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if req.IsAssigned() {
		return nil, conflictErr(CodeAlreadyAssigned,
			"request %s is already assigned to %s (%s); use override", req.ID, req.CAID, req.AssignmentState())
	}

	target, err := o.authorize(ctx, req.FirmID, cmd.AdminID, cmd.CAID)
	if err != nil {
		return nil, err
	}

	reasons := nonEmpty(cmd.Reason)
	if !target.Specializes(req.ServiceType) {
		if !cmd.OverrideSpecialization {
			return nil, validationErr(CodeSpecializationMismatch,
				"%s does not specialize in %s; set override_specialization to assign anyway", target.CAID, req.ServiceType)
		}
		reasons = append(reasons, ReasonSpecOverridden)
	}

	commit := model.AssignmentCommit{
		RequestID: req.ID,
		CAID:      target.CAID,
		Method:    model.AssignmentMethodManual,
		AdminID:   cmd.AdminID,
		Reason:    cmd.Reason,
		At:        o.clock.Now().UTC(),
	}
	if err := o.commit(ctx, commit, decidedEvent(req, target.CAID, "", model.AssignmentMethodManual)); err != nil {
		return nil, err
	}

	zap.L().Info("assign: request manually assigned",
		zap.String("request_id", req.ID),
		zap.String("ca_id", target.CAID),
		zap.String("admin_id", cmd.AdminID),
	)
	return &model.AssignmentResult{
		Success:       true,
		RequestID:     req.ID,
		Method:        model.AssignmentMethodManual,
		Assigned:      &model.CandidateScore{CAID: target.CAID},
		Reasons:       reasons,
		Notifications: model.NotificationFlags{Client: true, Provider: true},
	}, nil
}

// OverrideCommand replaces a request's provider.
type OverrideCommand struct {
	RequestID string `json:"request_id" validate:"required"`
	NewCAID   string `json:"new_ca_id" validate:"required"`
	AdminID   string `json:"admin_id" validate:"required"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

// OverrideAssignment moves the request to another member, whatever its current
// assignment. The write is conditioned on the provider read here, so a
// concurrent change makes the override fail with a conflict instead of
// silently clobbering it.
func (o *Orchestrator) OverrideAssignment(ctx context.Context, cmd OverrideCommand) (res *model.AssignmentResult, err error) {
	defer func() { o.observe(opOverride, res, err) }()

	if err := o.validateCmd(cmd); err != nil {
		return nil, err
	}

	req, err := o.loadRequest(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if req.CAID == cmd.NewCAID {
		return nil, validationErr(CodeInvalidTarget, "request %s is already assigned to %s", req.ID, cmd.NewCAID)
	}

	target, err := o.authorize(ctx, req.FirmID, cmd.AdminID, cmd.NewCAID)
	if err != nil {
		return nil, err
	}

	previous := req.CAID
	kind := model.EventAssignmentDecided
	if previous != "" {
		kind = model.EventAssignmentOverride
	}
	evt := decidedEvent(req, target.CAID, previous, model.AssignmentMethodManual)
	evt.Kind = kind

	commit := model.AssignmentCommit{
		RequestID:    req.ID,
		CAID:         target.CAID,
		ExpectedCAID: previous,
		Method:       model.AssignmentMethodManual,
		AdminID:      cmd.AdminID,
		Reason:       cmd.Reason,
		At:           o.clock.Now().UTC(),
	}
	if err := o.commit(ctx, commit, evt); err != nil {
		return nil, err
	}

	zap.L().Info("assign: assignment overridden",
		zap.String("request_id", req.ID),
		zap.String("previous_ca_id", previous),
		zap.String("ca_id", target.CAID),
		zap.String("admin_id", cmd.AdminID),
	)
	return &model.AssignmentResult{
		Success:   true,
		RequestID: req.ID,
		Method:    model.AssignmentMethodManual,
		Assigned:  &model.CandidateScore{CAID: target.CAID},
		Reasons:   []string{cmd.Reason},
		Notifications: model.NotificationFlags{
			Client:           true,
			Provider:         true,
			PreviousProvider: previous != "",
		},
	}, nil
}

// GetRecommendations ranks the request's eligible candidates without
// committing. limit <= 0 selects the default; larger limits are capped.
func (o *Orchestrator) GetRecommendations(ctx context.Context, requestID string, limit int) (recs *model.Recommendations, err error) {
	defer func() { o.m.attempts.WithLabelValues(opRecommend, outcomeOf(err)).Inc() }()

	if requestID == "" {
		return nil, validationErr(CodeInvalidInput, "request id is required")
	}
	switch {
	case limit <= 0:
		limit = o.opts.DefaultRecommendationLimit
	case limit > o.opts.MaxRecommendationLimit:
		limit = o.opts.MaxRecommendationLimit
	}

	req, err := o.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.FirmID == "" {
		return nil, validationErr(CodeNoFirmAssigned, "request %s has no firm", req.ID)
	}

	recs = &model.Recommendations{RequestID: req.ID, Candidates: []model.CandidateScore{}}
	scores, err := o.rank(ctx, req, o.clock.Now())
	var exhausted *EligibilityExhaustedError
	if errors.As(err, &exhausted) {
		recs.Reasons = append([]string{exhausted.Message}, exhausted.Reasons...)
		return recs, nil
	}
	if err != nil {
		return nil, err
	}

	recs.Candidates = scores[:min(len(scores), limit)]
	return recs, nil
}

// rank filters and scores the firm's candidates for req, best first. It
// returns an *EligibilityExhaustedError when nobody is eligible.
func (o *Orchestrator) rank(ctx context.Context, req *model.ServiceRequest, now time.Time) ([]model.CandidateScore, error) {
	start := time.Now()
	defer func() { o.m.scoringDuration.Observe(time.Since(start).Seconds()) }()

	afterHours := o.cal.IsAfterHours(now)
	filtered, err := o.filter.Eligible(ctx, req.FirmID, req.ServiceType, afterHours)
	if errors.Is(err, candidate.ErrNoActiveMembers) {
		return nil, &EligibilityExhaustedError{Code: CodeNoActiveMembers, Message: ReasonNoMembers}
	}
	if err != nil {
		return nil, unavailableErr(CodeDirectoryUnavailable, err)
	}
	if len(filtered.Eligible) == 0 {
		msg := "No eligible candidates for " + req.ServiceType
		return nil, &EligibilityExhaustedError{
			Code:    CodeNoEligible,
			Message: msg,
			Reasons: slices.DeleteFunc(filtered.Explain(req.ServiceType, afterHours), func(s string) bool { return s == msg }),
		}
	}

	profiles := o.profiles.Build(ctx, filtered.Eligible, req, now)
	scores := make([]model.CandidateScore, 0, len(profiles))
	for _, p := range profiles {
		s := o.engine.Score(p, req.ServiceType)
		if len(p.Degraded) > 0 {
			s.Reasons = append(s.Reasons, "Defaults applied for: "+strings.Join(p.Degraded, ", "))
		}
		scores = append(scores, s)
	}
	scorer.Rank(scores)

	o.m.score.Observe(float64(scores[0].Score))
	return scores, nil
}

func (o *Orchestrator) alternates(scores []model.CandidateScore) []model.CandidateScore {
	if len(scores) <= 1 || o.opts.MaxAlternates == 0 {
		return nil
	}
	return scores[1:min(len(scores), o.opts.MaxAlternates+1)]
}

// manualRequired queues the admin notice and builds the MANUAL_REQUIRED
// result. A failed enqueue is logged; the caller still gets the result.
func (o *Orchestrator) manualRequired(ctx context.Context, req *model.ServiceRequest, reason string, details []string, candidates []model.CandidateScore) *model.AssignmentResult {
	evt := &model.AssignmentEvent{
		RequestID: req.ID,
		Kind:      model.EventManualRequired,
		Payload: model.EventPayload{
			FirmID:   req.FirmID,
			ClientID: req.ClientID,
			Reason:   reason,
		},
	}
	queued := true
	if err := o.store.EnqueueEvent(ctx, evt); err != nil {
		queued = false
		zap.L().Warn("assign: failed to queue manual-required notice",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}

	return &model.AssignmentResult{
		Success:       false,
		RequestID:     req.ID,
		Method:        model.AssignmentMethodManualRequired,
		Reasons:       append([]string{reason}, details...),
		Alternates:    candidates,
		Notifications: model.NotificationFlags{Admins: queued},
	}
}

func (o *Orchestrator) commit(ctx context.Context, c model.AssignmentCommit, evt *model.AssignmentEvent) error {
	committed, err := o.store.CommitAssignment(ctx, c, evt)
	if err != nil {
		return unavailableErr(CodeStoreUnavailable, eris.Wrapf(err, "assign: commit request %s", c.RequestID))
	}
	if !committed {
		return conflictErr(CodeCommitConflict, "request %s changed while it was being assigned", c.RequestID)
	}
	return nil
}

// getRequest loads a request, mapping store errors onto the taxonomy.
func (o *Orchestrator) getRequest(ctx context.Context, id string) (*model.ServiceRequest, error) {
	req, err := o.store.GetRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, validationErr(CodeRequestNotFound, "request %s not found", id)
	}
	if err != nil {
		return nil, unavailableErr(CodeStoreUnavailable, eris.Wrapf(err, "assign: load request %s", id))
	}
	return req, nil
}

// loadRequest loads a request that an assignment may be written to.
func (o *Orchestrator) loadRequest(ctx context.Context, id string) (*model.ServiceRequest, error) {
	req, err := o.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.IsClosed() {
		return nil, conflictErr(CodeRequestClosed, "request %s is %s", req.ID, req.Status)
	}
	if req.FirmID == "" {
		return nil, validationErr(CodeNoFirmAssigned, "request %s has no firm", req.ID)
	}
	return req, nil
}

func (o *Orchestrator) firmConfig(ctx context.Context, firmID string) (*model.FirmConfig, error) {
	firm, err := o.store.FirmConfig(ctx, firmID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, validationErr(CodeFirmNotFound, "firm %s not found", firmID)
	}
	if err != nil {
		return nil, unavailableErr(CodeDirectoryUnavailable, eris.Wrapf(err, "assign: load firm %s", firmID))
	}
	return firm, nil
}

// authorize checks that adminID administers the firm and that caID is an
// active, verified member of it, returning the target member.
func (o *Orchestrator) authorize(ctx context.Context, firmID, adminID, caID string) (*model.Member, error) {
	members, err := o.store.ActiveMembers(ctx, firmID)
	if err != nil {
		return nil, unavailableErr(CodeDirectoryUnavailable, eris.Wrapf(err, "assign: list members of firm %s", firmID))
	}

	var admin, target *model.Member
	for i := range members {
		if members[i].CAID == adminID {
			admin = &members[i]
		}
		if members[i].CAID == caID {
			target = &members[i]
		}
	}

	if admin == nil || !admin.IsAdmin() {
		return nil, permissionErr("%s is not an active admin of firm %s", adminID, firmID)
	}
	if target == nil {
		return nil, validationErr(CodeInvalidTarget, "%s is not an active member of firm %s", caID, firmID)
	}
	if !target.IsVerified() {
		return nil, validationErr(CodeInvalidTarget, "%s is not verified", caID)
	}
	return target, nil
}

func (o *Orchestrator) validateCmd(cmd any) error {
	if err := o.validate.Struct(cmd); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return validationErr(CodeInvalidInput, "%s failed %q validation", f.Field(), f.Tag())
		}
		return validationErr(CodeInvalidInput, "%v", err)
	}
	return nil
}

func (o *Orchestrator) observe(op string, res *model.AssignmentResult, err error) {
	outcome := outcomeOf(err)
	if err == nil && res != nil && res.Method == model.AssignmentMethodManualRequired {
		outcome = "manual_required"
	}
	o.m.attempts.WithLabelValues(op, outcome).Inc()
}

func decidedEvent(req *model.ServiceRequest, caID, previous string, method model.AssignmentMethod) *model.AssignmentEvent {
	return &model.AssignmentEvent{
		RequestID: req.ID,
		Kind:      model.EventAssignmentDecided,
		Payload: model.EventPayload{
			FirmID:       req.FirmID,
			ClientID:     req.ClientID,
			CAID:         caID,
			PreviousCAID: previous,
			Method:       method,
		},
	}
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
