package model

import "time"

// EventKind names an assignment outbox event.
type EventKind string

const (
	EventAssignmentDecided  EventKind = "assignment.decided"
	EventAssignmentOverride EventKind = "assignment.overridden"
	EventManualRequired     EventKind = "assignment.manual_required"
)

// EventStatus is the delivery state of an outbox event.
type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusDelivered EventStatus = "delivered"
	EventStatusDead      EventStatus = "dead"
)

// EventPayload carries what the relay needs to build notifications.
type EventPayload struct {
	FirmID       string           `json:"firm_id,omitempty"`
	ClientID     string           `json:"client_id,omitempty"`
	CAID         string           `json:"ca_id,omitempty"`
	PreviousCAID string           `json:"previous_ca_id,omitempty"`
	Method       AssignmentMethod `json:"method,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// AssignmentEvent is a row of the assignment outbox.
type AssignmentEvent struct {
	ID            string       `json:"id"`
	RequestID     string       `json:"request_id"`
	Kind          EventKind    `json:"kind"`
	Payload       EventPayload `json:"payload"`
	Status        EventStatus  `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}
