package model

import (
	"slices"
	"time"
)

// MemberRole is a member's role inside a firm.
type MemberRole string

const (
	RoleFirmAdmin  MemberRole = "FIRM_ADMIN"
	RoleSeniorCA   MemberRole = "SENIOR_CA"
	RoleJuniorCA   MemberRole = "JUNIOR_CA"
	RoleConsultant MemberRole = "CONSULTANT"
)

// VerificationStatus is the document verification state of a provider.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationVerified VerificationStatus = "VERIFIED"
	VerificationRejected VerificationStatus = "REJECTED"
)

// Member is an active membership of a provider in a firm, as reported by the
// firm directory.
type Member struct {
	FirmID               string             `json:"firm_id"`
	CAID                 string             `json:"ca_id"`
	Role                 MemberRole         `json:"role"`
	CanWorkIndependently bool               `json:"can_work_independently"`
	Specializations      []string           `json:"specializations"`
	VerificationStatus   VerificationStatus `json:"verification_status"`
	Active               bool               `json:"active"`
}

// IsVerified reports whether the provider passed document verification.
func (m Member) IsVerified() bool {
	return m.VerificationStatus == VerificationVerified
}

// IsAdmin reports whether the member administers the firm.
func (m Member) IsAdmin() bool {
	return m.Role == RoleFirmAdmin
}

// Specializes reports whether serviceType appears anywhere in the member's
// specialization list.
func (m Member) Specializes(serviceType string) bool {
	return slices.Contains(m.Specializations, serviceType)
}

// PrimarySpecialization returns the first listed specialization, or "".
func (m Member) PrimarySpecialization() string {
	if len(m.Specializations) == 0 {
		return ""
	}
	return m.Specializations[0]
}

// FirmConfig holds the firm-level switches the assignment engine reads.
type FirmConfig struct {
	FirmID                string `json:"firm_id"`
	AutoAssignmentEnabled bool   `json:"auto_assignment_enabled"`
}

// SlotCount is the number of free and booked availability slots in a window.
type SlotCount struct {
	Free   int `json:"free"`
	Booked int `json:"booked"`
}

// Total returns free + booked.
func (c SlotCount) Total() int {
	return c.Free + c.Booked
}

// AvailabilitySlot is one bookable calendar slot of a provider.
type AvailabilitySlot struct {
	ID       string    `json:"id" yaml:"id"`
	CAID     string    `json:"ca_id" yaml:"ca_id"`
	StartsAt time.Time `json:"starts_at" yaml:"starts_at"`
	EndsAt   time.Time `json:"ends_at" yaml:"ends_at"`
	Booked   bool      `json:"booked" yaml:"booked"`
}
