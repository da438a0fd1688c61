package scorer

import (
	"cmp"
	"math"
	"slices"

	"github.com/sells-group/assignment-service/internal/model"
)

const (
	// DefaultAvailability applies when the oracle reports no slots at all.
	DefaultAvailability = 0.3
	// DefaultWorkload applies when the active-assignment count is unknown.
	DefaultWorkload = 0.6
	// DefaultSuccessRate applies when there is no rated history.
	DefaultSuccessRate = 0.5

	primaryMatch   = 1.0
	secondaryMatch = 0.7

	varietyMultiplier = 1.05
	varietyMinimum    = 0.5

	experiencedJobs = 10
	noviceJobs      = 3
	maxRating       = 5.0
)

// Reasons attached to a candidate score.
const (
	ReasonHighAvailability    = "High availability"
	ReasonModerateAvail       = "Moderate availability"
	ReasonLowAvailability     = "Limited availability"
	ReasonAvailabilityUnknown = "No availability data (default applied)"
	ReasonPrimarySpec         = "Primary specialization match"
	ReasonSecondarySpec       = "Secondary specialization match"
	ReasonNoSpec              = "No specialization match"
	ReasonLowWorkload         = "Low current workload"
	ReasonModerateWorkload    = "Moderate current workload"
	ReasonHeavyWorkload       = "Heavy current workload"
	ReasonWorkloadUnknown     = "Workload unknown (default applied)"
	ReasonStrongRecord        = "Strong track record for this service"
	ReasonNoHistory           = "No rating history for this service"
	ReasonVariety             = "New CA for this client (variety)"
)

// Engine scores candidate profiles with an immutable set of weights.
type Engine struct {
	weights Weights
}

// NewEngine validates the weights and returns an Engine.
func NewEngine(w Weights) (*Engine, error) {
	if err := ValidateWeights(w); err != nil {
		return nil, err
	}
	return &Engine{weights: w}, nil
}

// Weights returns a copy of the engine's weights.
func (e *Engine) Weights() Weights {
	return e.weights
}

// Score computes the candidate's score for a request of the given service
// type. The result depends only on the profile, so identical oracle answers
// always produce identical scores.
func (e *Engine) Score(p model.CandidateProfile, serviceType string) model.CandidateScore {
	var reasons []string

	avail, r := scoreAvailability(p.Slots)
	reasons = append(reasons, r)

	spec, r := scoreSpecialization(p.Specializations, serviceType)
	reasons = append(reasons, r)

	work, r := scoreWorkload(p.ActiveAssignments)
	reasons = append(reasons, r)

	success, r := scoreSuccessRate(p.Ratings)
	if r != "" {
		reasons = append(reasons, r)
	}

	// Fixed summation order and explicit float64 conversions (no FMA fusion)
	// keep the result bit-for-bit identical across runs and architectures.
	weighted := float64(avail*e.weights.Availability) +
		float64(spec*e.weights.Specialization) +
		float64(work*e.weights.Workload) +
		float64(success*e.weights.SuccessRate)

	bonus := false
	if !p.HasPriorWork && weighted > varietyMinimum {
		weighted = math.Min(weighted*varietyMultiplier, 1.0)
		bonus = true
		reasons = append(reasons, ReasonVariety)
	}

	return model.CandidateScore{
		CAID:  p.CAID,
		Score: toPercent(weighted),
		Breakdown: model.ScoreBreakdown{
			Availability:   toPercent(avail),
			Specialization: toPercent(spec),
			Workload:       toPercent(work),
			SuccessRate:    toPercent(success),
		},
		Reasons:      reasons,
		VarietyBonus: bonus,
	}
}

// Rank orders scores best first. Equal scores are ordered by CAID ascending
// so the winner never depends on directory iteration order.
func Rank(scores []model.CandidateScore) {
	slices.SortStableFunc(scores, func(a, b model.CandidateScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.CAID, b.CAID)
	})
}

// toPercent maps a [0,1] component onto an integer 0-100.
func toPercent(v float64) int {
	return int(math.Round(clamp01(v) * 100))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// scoreAvailability returns 1 - bookedRatio over the window.
func scoreAvailability(s model.SlotCount) (float64, string) {
	total := s.Total()
	if total <= 0 {
		return DefaultAvailability, ReasonAvailabilityUnknown
	}
	v := clamp01(1 - float64(s.Booked)/float64(total))
	switch {
	case v >= 0.7:
		return v, ReasonHighAvailability
	case v >= 0.4:
		return v, ReasonModerateAvail
	default:
		return v, ReasonLowAvailability
	}
}

// scoreSpecialization rewards a primary (index 0) match over a secondary one.
func scoreSpecialization(specs []string, serviceType string) (float64, string) {
	idx := slices.Index(specs, serviceType)
	switch {
	case idx == 0:
		return primaryMatch, ReasonPrimarySpec
	case idx > 0:
		return secondaryMatch, ReasonSecondarySpec
	default:
		return 0, ReasonNoSpec
	}
}

// scoreWorkload steps down as the number of ACCEPTED/IN_PROGRESS requests grows.
func scoreWorkload(active *int) (float64, string) {
	if active == nil {
		return DefaultWorkload, ReasonWorkloadUnknown
	}
	n := *active
	switch {
	case n <= 0:
		return 1.0, ReasonLowWorkload
	case n <= 2:
		return 0.9, ReasonLowWorkload
	case n <= 5:
		return 0.6, ReasonModerateWorkload
	default:
		return 0.2, ReasonHeavyWorkload
	}
}

// scoreSuccessRate normalizes the average rating to [0,1], boosted for
// experienced providers and damped for those with few completed jobs.
func scoreSuccessRate(ratings []float64) (float64, string) {
	if len(ratings) == 0 {
		return DefaultSuccessRate, ReasonNoHistory
	}
	var sum float64
	for _, r := range ratings {
		sum += math.Max(0, math.Min(maxRating, r))
	}
	v := sum / float64(len(ratings)) / maxRating

	switch {
	case len(ratings) >= experiencedJobs:
		v *= 1.1
	case len(ratings) < noviceJobs:
		v *= 0.9
	}
	v = clamp01(v)

	if v >= 0.8 {
		return v, ReasonStrongRecord
	}
	return v, ""
}
