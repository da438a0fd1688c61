// Package seed loads demo and integration fixtures into a store.
package seed

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/assignment-service/internal/model"
)

// Loader is the slice of the store a fixture is written through.
type Loader interface {
	UpsertFirms(ctx context.Context, firms []model.FirmConfig) error
	UpsertMembers(ctx context.Context, members []model.Member) error
	AddSlots(ctx context.Context, slots []model.AvailabilitySlot) error
	CreateRequest(ctx context.Context, req *model.ServiceRequest) error
}

// Fixture is the YAML document layout.
type Fixture struct {
	Firms    []Firm                   `yaml:"firms"`
	Slots    []model.AvailabilitySlot `yaml:"slots"`
	Requests []Request                `yaml:"requests"`
}

// Firm is a firm and its members.
type Firm struct {
	ID         string   `yaml:"id"`
	AutoAssign bool     `yaml:"auto_assign"`
	Members    []Member `yaml:"members"`
}

// Member is a firm membership.
type Member struct {
	CAID            string   `yaml:"ca_id"`
	Role            string   `yaml:"role"`
	Independent     bool     `yaml:"independent"`
	Specializations []string `yaml:"specializations"`
	Verification    string   `yaml:"verification"`
	Inactive        bool     `yaml:"inactive"`
}

// Request is a service request, optionally already worked on.
type Request struct {
	ID           string   `yaml:"id"`
	FirmID       string   `yaml:"firm_id"`
	ClientID     string   `yaml:"client_id"`
	ServiceType  string   `yaml:"service_type"`
	Status       string   `yaml:"status"`
	CAID         string   `yaml:"ca_id"`
	ClientRating *float64 `yaml:"client_rating"`
}

// Summary counts what Apply wrote.
type Summary struct {
	Firms    int
	Members  int
	Slots    int
	Requests int
}

// LoadFile reads and parses a fixture file.
func LoadFile(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read %s", path)
	}
	return Parse(raw)
}

// Parse decodes and validates a fixture.
func Parse(raw []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrap(err, "seed: parse fixture")
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Fixture) validate() error {
	firms := make(map[string]bool, len(f.Firms))
	for _, firm := range f.Firms {
		if firm.ID == "" {
			return eris.New("seed: firm without id")
		}
		for _, m := range firm.Members {
			if m.CAID == "" {
				return eris.Errorf("seed: member of firm %s without ca_id", firm.ID)
			}
		}
		firms[firm.ID] = true
	}
	for _, r := range f.Requests {
		if r.ClientID == "" || r.ServiceType == "" {
			return eris.Errorf("seed: request %q needs client_id and service_type", r.ID)
		}
		if r.FirmID != "" && !firms[r.FirmID] {
			return eris.Errorf("seed: request %q references unknown firm %s", r.ID, r.FirmID)
		}
	}
	for _, s := range f.Slots {
		if !s.EndsAt.After(s.StartsAt) {
			return eris.Errorf("seed: slot of %s ends before it starts", s.CAID)
		}
	}
	return nil
}

// Apply writes the fixture. Firms and members are upserted, so re-applying a
// fixture is safe; slots and requests are appended.
func Apply(ctx context.Context, l Loader, f *Fixture) (Summary, error) {
	var sum Summary

	firms := make([]model.FirmConfig, 0, len(f.Firms))
	var members []model.Member
	for _, firm := range f.Firms {
		firms = append(firms, model.FirmConfig{FirmID: firm.ID, AutoAssignmentEnabled: firm.AutoAssign})
		for _, m := range firm.Members {
			members = append(members, m.toModel(firm.ID))
		}
	}

	if err := l.UpsertFirms(ctx, firms); err != nil {
		return sum, eris.Wrap(err, "seed: firms")
	}
	sum.Firms = len(firms)

	if err := l.UpsertMembers(ctx, members); err != nil {
		return sum, eris.Wrap(err, "seed: members")
	}
	sum.Members = len(members)

	if err := l.AddSlots(ctx, f.Slots); err != nil {
		return sum, eris.Wrap(err, "seed: slots")
	}
	sum.Slots = len(f.Slots)

	now := time.Now().UTC()
	for _, r := range f.Requests {
		req := r.toModel(now)
		if err := l.CreateRequest(ctx, req); err != nil {
			return sum, eris.Wrapf(err, "seed: request %s", r.ID)
		}
		sum.Requests++
	}

	zap.L().Info("seed: fixture applied",
		zap.Int("firms", sum.Firms),
		zap.Int("members", sum.Members),
		zap.Int("slots", sum.Slots),
		zap.Int("requests", sum.Requests),
	)
	return sum, nil
}

func (m Member) toModel(firmID string) model.Member {
	role := model.MemberRole(m.Role)
	if role == "" {
		role = model.RoleSeniorCA
	}
	status := model.VerificationStatus(m.Verification)
	if status == "" {
		status = model.VerificationVerified
	}
	return model.Member{
		FirmID:               firmID,
		CAID:                 m.CAID,
		Role:                 role,
		CanWorkIndependently: m.Independent,
		Specializations:      m.Specializations,
		VerificationStatus:   status,
		Active:               !m.Inactive,
	}
}

func (r Request) toModel(now time.Time) *model.ServiceRequest {
	req := &model.ServiceRequest{
		ID:           r.ID,
		FirmID:       r.FirmID,
		ClientID:     r.ClientID,
		ServiceType:  r.ServiceType,
		Status:       model.RequestStatus(r.Status),
		CAID:         r.CAID,
		ClientRating: r.ClientRating,
		CreatedAt:    now,
	}
	if r.CAID != "" {
		req.AssignmentMethod = model.AssignmentMethodManual
		req.AssignedAt = &now
		if req.Status == "" {
			req.Status = model.RequestStatusAccepted
		}
	}
	return req
}
