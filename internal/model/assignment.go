package model

// CandidateProfile is the per-pass view of an eligible member plus the facts
// the oracles reported about them. Profiles are rebuilt on every scoring pass
// and never persisted.
type CandidateProfile struct {
	CAID                 string             `json:"ca_id"`
	Specializations      []string           `json:"specializations"`
	VerificationStatus   VerificationStatus `json:"verification_status"`
	CanWorkIndependently bool               `json:"can_work_independently"`

	// Slots is the availability over the scoring window. A zero total means
	// the oracle had no data (or failed) and the availability default applies.
	Slots SlotCount `json:"slots"`

	// ActiveAssignments is nil when the history oracle could not answer.
	ActiveAssignments *int `json:"active_assignments,omitempty"`

	// Ratings are completed-with-rating records for the requested service type.
	Ratings []float64 `json:"ratings,omitempty"`

	HasPriorWork bool `json:"has_prior_work"`

	// Degraded lists the oracle reads that fell back to defaults.
	Degraded []string `json:"degraded,omitempty"`
}

// NewCandidateProfile seeds a profile from a directory member.
func NewCandidateProfile(m Member) CandidateProfile {
	return CandidateProfile{
		CAID:                 m.CAID,
		Specializations:      m.Specializations,
		VerificationStatus:   m.VerificationStatus,
		CanWorkIndependently: m.CanWorkIndependently,
	}
}

// ScoreBreakdown holds each scoring component on a 0-100 scale.
type ScoreBreakdown struct {
	Availability   int `json:"availability"`
	Specialization int `json:"specialization"`
	Workload       int `json:"workload"`
	SuccessRate    int `json:"success_rate"`
}

// CandidateScore is the scoring result for one candidate.
type CandidateScore struct {
	CAID         string         `json:"ca_id"`
	Score        int            `json:"score"`
	Breakdown    ScoreBreakdown `json:"breakdown"`
	Reasons      []string       `json:"reasons"`
	VarietyBonus bool           `json:"variety_bonus"`
}

// NotificationFlags records which notices were queued for delivery.
type NotificationFlags struct {
	Client           bool `json:"client"`
	Provider         bool `json:"provider"`
	PreviousProvider bool `json:"previous_provider,omitempty"`
	Admins           bool `json:"admins"`
}

// AssignmentResult is returned by every assignment operation.
type AssignmentResult struct {
	Success       bool              `json:"success"`
	RequestID     string            `json:"request_id"`
	Method        AssignmentMethod  `json:"method"`
	Assigned      *CandidateScore   `json:"assigned,omitempty"`
	Score         *int              `json:"score,omitempty"`
	Reasons       []string          `json:"reasons,omitempty"`
	Alternates    []CandidateScore  `json:"alternates,omitempty"`
	Notifications NotificationFlags `json:"notifications"`
}

// Recommendations is the read-only ranked candidate list for admin review.
type Recommendations struct {
	RequestID  string           `json:"request_id"`
	Candidates []CandidateScore `json:"candidates"`
	Reasons    []string         `json:"reasons,omitempty"`
}
