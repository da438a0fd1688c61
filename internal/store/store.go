// Package store persists service requests, the firm directory, the oracle
// facts derived from them and the assignment outbox.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/assignment-service/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for the assignment service.
type Store interface {
	// Requests
	CreateRequest(ctx context.Context, req *model.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*model.ServiceRequest, error)
	// CommitAssignment applies c only if the request's current provider equals
	// c.ExpectedCAID and the request is still open. On success it writes a
	// history row and, when evt is non-nil, the outbox event in the same
	// transaction. committed is false when the precondition did not hold.
	CommitAssignment(ctx context.Context, c model.AssignmentCommit, evt *model.AssignmentEvent) (committed bool, err error)
	ListHistory(ctx context.Context, requestID string) ([]model.AssignmentHistory, error)

	// Directory
	UpsertFirms(ctx context.Context, firms []model.FirmConfig) error
	UpsertMembers(ctx context.Context, members []model.Member) error
	ActiveMembers(ctx context.Context, firmID string) ([]model.Member, error)
	FirmConfig(ctx context.Context, firmID string) (*model.FirmConfig, error)

	// Oracles
	AddSlots(ctx context.Context, slots []model.AvailabilitySlot) error
	CountSlots(ctx context.Context, caID string, from, to time.Time) (model.SlotCount, error)
	CountActiveAssignments(ctx context.Context, caID string) (int, error)
	CompletedWithRating(ctx context.Context, caID, serviceType string) ([]float64, error)
	HasPriorWork(ctx context.Context, caID, clientID string) (bool, error)

	// Outbox
	EnqueueEvent(ctx context.Context, evt *model.AssignmentEvent) error
	// ClaimEvents leases up to limit due pending events: their attempt counter
	// is incremented and next_attempt_at pushed to now+lease so a concurrent
	// relay skips them.
	ClaimEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.AssignmentEvent, error)
	MarkDelivered(ctx context.Context, id string) error
	RetryEvent(ctx context.Context, id string, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id string, lastErr string) error
	CountEvents(ctx context.Context, status model.EventStatus) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// prepareEvent fills the generated fields of an outbox event.
func prepareEvent(evt *model.AssignmentEvent, now time.Time) {
	if evt.ID == "" {
		evt.ID = newID()
	}
	if evt.Status == "" {
		evt.Status = model.EventStatusPending
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = now
	}
	if evt.NextAttemptAt.IsZero() {
		evt.NextAttemptAt = evt.CreatedAt
	}
}

func historyFor(c model.AssignmentCommit) model.AssignmentHistory {
	return model.AssignmentHistory{
		ID:           newID(),
		RequestID:    c.RequestID,
		CAID:         c.CAID,
		PreviousCAID: c.ExpectedCAID,
		Method:       c.Method,
		Score:        c.Score,
		AssignedBy:   c.AdminID,
		Reason:       c.Reason,
		CreatedAt:    c.At,
	}
}

func newID() string {
	return uuid.New().String()
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
