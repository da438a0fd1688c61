// Package candidate narrows a firm's members to those eligible for a request
// and gathers the per-candidate facts the scorer needs.
package candidate

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/assignment-service/internal/model"
)

// Directory is the read-only view of firms and their members.
type Directory interface {
	ActiveMembers(ctx context.Context, firmID string) ([]model.Member, error)
	FirmConfig(ctx context.Context, firmID string) (*model.FirmConfig, error)
}

// AvailabilityOracle reports a provider's calendar slots.
type AvailabilityOracle interface {
	CountSlots(ctx context.Context, caID string, from, to time.Time) (model.SlotCount, error)
}

// HistoryOracle reports a provider's past and current work.
type HistoryOracle interface {
	CountActiveAssignments(ctx context.Context, caID string) (int, error)
	CompletedWithRating(ctx context.Context, caID, serviceType string) ([]float64, error)
	HasPriorWork(ctx context.Context, caID, clientID string) (bool, error)
}

// ErrNoActiveMembers is returned when the firm has no active members at all.
var ErrNoActiveMembers = eris.New("candidate: firm has no active members")

// FilterResult is the outcome of a filter pass.
type FilterResult struct {
	Eligible []model.Member

	// Counts of members dropped by each rule, for the manual-required explanation.
	Unverified       int
	NoSpecialization int
	NotIndependent   int
}

// Explain summarizes why members were excluded.
func (r *FilterResult) Explain(serviceType string, afterHours bool) []string {
	var out []string
	if r.Unverified > 0 {
		out = append(out, fmt.Sprintf("%d member(s) not verified", r.Unverified))
	}
	if r.NoSpecialization > 0 {
		out = append(out, fmt.Sprintf("%d member(s) without %s specialization", r.NoSpecialization, serviceType))
	}
	if afterHours && r.NotIndependent > 0 {
		out = append(out, fmt.Sprintf("%d member(s) not permitted to work independently after hours", r.NotIndependent))
	}
	if len(r.Eligible) == 0 {
		out = append(out, "No eligible candidates for "+serviceType)
	}
	return out
}

// Filter applies the eligibility rules to a firm's active members.
type Filter struct {
	dir Directory
}

// NewFilter creates a Filter backed by the given directory.
func NewFilter(dir Directory) *Filter {
	return &Filter{dir: dir}
}

// Eligible lists the firm's active members and keeps those that are
// verified, specialize in the requested service type and, after hours, are
// allowed to work independently. The result is sorted by CAID.
func (f *Filter) Eligible(ctx context.Context, firmID, serviceType string, afterHours bool) (*FilterResult, error) {
	members, err := f.dir.ActiveMembers(ctx, firmID)
	if err != nil {
		return nil, eris.Wrapf(err, "candidate: list members of firm %s", firmID)
	}
	if len(members) == 0 {
		return nil, ErrNoActiveMembers
	}

	res := &FilterResult{}
	for _, m := range members {
		switch {
		case !m.IsVerified():
			res.Unverified++
		case !m.Specializes(serviceType):
			res.NoSpecialization++
		case afterHours && !m.CanWorkIndependently:
			res.NotIndependent++
		default:
			res.Eligible = append(res.Eligible, m)
		}
	}

	slices.SortFunc(res.Eligible, func(a, b model.Member) int {
		return strings.Compare(a.CAID, b.CAID)
	})
	return res, nil
}
