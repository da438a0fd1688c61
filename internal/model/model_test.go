package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMember_Helpers(t *testing.T) {
	m := Member{
		CAID:               "ca-1",
		Role:               RoleSeniorCA,
		Specializations:    []string{"AUDIT", "GST_FILING"},
		VerificationStatus: VerificationVerified,
	}

	assert.True(t, m.IsVerified())
	assert.False(t, m.IsAdmin())
	assert.True(t, m.Specializes("GST_FILING"))
	assert.False(t, m.Specializes("gst_filing"), "specialization match is exact")
	assert.Equal(t, "AUDIT", m.PrimarySpecialization())

	m.Role = RoleFirmAdmin
	m.VerificationStatus = VerificationPending
	m.Specializations = nil
	assert.True(t, m.IsAdmin())
	assert.False(t, m.IsVerified())
	assert.Empty(t, m.PrimarySpecialization())
	assert.False(t, m.Specializes("AUDIT"))
}

func TestSlotCount_Total(t *testing.T) {
	assert.Equal(t, 0, SlotCount{}.Total())
	assert.Equal(t, 7, SlotCount{Free: 3, Booked: 4}.Total())
}

func TestRequestStatus_IsClosed(t *testing.T) {
	tests := []struct {
		status RequestStatus
		want   bool
	}{
		{RequestStatusUnassigned, false},
		{RequestStatusAccepted, false},
		{RequestStatusInProgress, false},
		{RequestStatusCompleted, true},
		{RequestStatusCancelled, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.IsClosed(), string(tt.status))
	}
}

func TestServiceRequest_AssignmentState(t *testing.T) {
	tests := []struct {
		name string
		req  ServiceRequest
		want AssignmentState
	}{
		{"fresh", ServiceRequest{}, AssignmentStateUnassigned},
		{"awaiting admin", ServiceRequest{AssignmentMethod: AssignmentMethodManualRequired}, AssignmentStateUnassigned},
		{"auto", ServiceRequest{CAID: "ca-1", AssignmentMethod: AssignmentMethodAuto}, AssignmentStateAssignedAuto},
		{"manual", ServiceRequest{CAID: "ca-1", AssignmentMethod: AssignmentMethodManual}, AssignmentStateAssignedManual},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.AssignmentState())
			assert.Equal(t, tt.req.CAID != "", tt.req.IsAssigned())
		})
	}
}

func TestNewCandidateProfile(t *testing.T) {
	m := Member{
		FirmID:               "firm-1",
		CAID:                 "ca-1",
		Specializations:      []string{"AUDIT"},
		VerificationStatus:   VerificationVerified,
		CanWorkIndependently: true,
	}
	p := NewCandidateProfile(m)

	assert.Equal(t, "ca-1", p.CAID)
	assert.Equal(t, []string{"AUDIT"}, p.Specializations)
	assert.True(t, p.CanWorkIndependently)
	assert.Nil(t, p.ActiveAssignments)
	assert.Empty(t, p.Degraded)
	assert.False(t, p.HasPriorWork)
}
