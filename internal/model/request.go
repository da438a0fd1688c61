package model

import (
	"time"
)

// RequestStatus is the lifecycle state of a service request. The lifecycle
// itself is owned by the request service; assignment only moves a request
// from UNASSIGNED to ACCEPTED.
type RequestStatus string

const (
	RequestStatusUnassigned RequestStatus = "UNASSIGNED"
	RequestStatusAccepted   RequestStatus = "ACCEPTED"
	RequestStatusInProgress RequestStatus = "IN_PROGRESS"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusCancelled  RequestStatus = "CANCELLED"
)

// IsClosed reports whether the request reached a terminal state.
func (s RequestStatus) IsClosed() bool {
	return s == RequestStatusCompleted || s == RequestStatusCancelled
}

// AssignmentMethod records how the current provider was chosen.
type AssignmentMethod string

const (
	AssignmentMethodNone           AssignmentMethod = ""
	AssignmentMethodAuto           AssignmentMethod = "AUTO"
	AssignmentMethodManual         AssignmentMethod = "MANUAL"
	AssignmentMethodManualRequired AssignmentMethod = "MANUAL_REQUIRED"
)

// ServiceRequest is a client's request for a professional service, bound to a firm.
type ServiceRequest struct {
	ID                  string           `json:"id"`
	FirmID              string           `json:"firm_id,omitempty"`
	ClientID            string           `json:"client_id"`
	ServiceType         string           `json:"service_type"`
	Status              RequestStatus    `json:"status"`
	CAID                string           `json:"ca_id,omitempty"`
	AssignmentMethod    AssignmentMethod `json:"assignment_method,omitempty"`
	AutoAssignmentScore *int             `json:"auto_assignment_score,omitempty"`
	AssignedByUserID    string           `json:"assigned_by_user_id,omitempty"`
	AssignmentReason    string           `json:"assignment_reason,omitempty"`
	AssignedAt          *time.Time       `json:"assigned_at,omitempty"`
	ClientRating        *float64         `json:"client_rating,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// IsAssigned reports whether a provider is currently attached.
func (r *ServiceRequest) IsAssigned() bool {
	return r.CAID != ""
}

// AssignmentState derives the assignment sub-state of the request. A request
// waiting on an admin is still unassigned; the pending decision lives in its
// queued assignment.manual_required event.
func (r *ServiceRequest) AssignmentState() AssignmentState {
	switch {
	case r.CAID == "":
		return AssignmentStateUnassigned
	case r.AssignmentMethod == AssignmentMethodAuto:
		return AssignmentStateAssignedAuto
	default:
		return AssignmentStateAssignedManual
	}
}

// AssignmentState is the assignment sub-state of a request.
type AssignmentState string

const (
	AssignmentStateUnassigned     AssignmentState = "UNASSIGNED"
	AssignmentStateAssignedAuto   AssignmentState = "ASSIGNED_AUTO"
	AssignmentStateAssignedManual AssignmentState = "ASSIGNED_MANUAL"
)

// AssignmentCommit is the single conditional write that attaches a provider
// to a request. ExpectedCAID is the precondition: empty means the request
// must still be unassigned.
type AssignmentCommit struct {
	RequestID    string           `json:"request_id"`
	CAID         string           `json:"ca_id"`
	ExpectedCAID string           `json:"expected_ca_id,omitempty"`
	Method       AssignmentMethod `json:"method"`
	Score        *int             `json:"score,omitempty"`
	AdminID      string           `json:"admin_id,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	At           time.Time        `json:"at"`
}

// AssignmentHistory is an audit row written with every successful commit.
type AssignmentHistory struct {
	ID           string           `json:"id"`
	RequestID    string           `json:"request_id"`
	CAID         string           `json:"ca_id"`
	PreviousCAID string           `json:"previous_ca_id,omitempty"`
	Method       AssignmentMethod `json:"method"`
	Score        *int             `json:"score,omitempty"`
	AssignedBy   string           `json:"assigned_by,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
