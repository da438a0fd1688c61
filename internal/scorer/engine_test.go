package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/assignment-service/internal/model"
)

func ptrInt(v int) *int { return &v }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultWeights())
	require.NoError(t, err)
	return e
}

func TestScoreAvailability(t *testing.T) {
	tests := []struct {
		name  string
		slots model.SlotCount
		want  float64
	}{
		{"no slots uses default", model.SlotCount{}, DefaultAvailability},
		{"all free", model.SlotCount{Free: 10}, 1.0},
		{"all booked", model.SlotCount{Booked: 4}, 0.0},
		{"quarter booked", model.SlotCount{Free: 3, Booked: 1}, 0.75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := scoreAvailability(tt.slots)
			assert.InDelta(t, tt.want, got, 0.0001)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestScoreSpecialization(t *testing.T) {
	specs := []string{"GST_FILING", "AUDIT", "ITR"}

	tests := []struct {
		name        string
		serviceType string
		want        float64
		reason      string
	}{
		{"primary", "GST_FILING", 1.0, ReasonPrimarySpec},
		{"secondary", "ITR", 0.7, ReasonSecondarySpec},
		{"missing", "COMPANY_REGISTRATION", 0.0, ReasonNoSpec},
		{"case sensitive", "gst_filing", 0.0, ReasonNoSpec},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := scoreSpecialization(specs, tt.serviceType)
			assert.InDelta(t, tt.want, got, 0.0001)
			assert.Equal(t, tt.reason, reason)
		})
	}

	got, _ := scoreSpecialization(nil, "AUDIT")
	assert.Zero(t, got)
}

func TestScoreWorkload(t *testing.T) {
	tests := []struct {
		name   string
		active *int
		want   float64
	}{
		{"unknown", nil, DefaultWorkload},
		{"idle", ptrInt(0), 1.0},
		{"one", ptrInt(1), 0.9},
		{"two", ptrInt(2), 0.9},
		{"three", ptrInt(3), 0.6},
		{"five", ptrInt(5), 0.6},
		{"six", ptrInt(6), 0.2},
		{"many", ptrInt(40), 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := scoreWorkload(tt.active)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestScoreSuccessRate(t *testing.T) {
	repeat := func(v float64, n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = v
		}
		return out
	}

	tests := []struct {
		name    string
		ratings []float64
		want    float64
	}{
		{"no history", nil, DefaultSuccessRate},
		{"novice damped", repeat(5, 2), 0.9},
		{"regular", repeat(4, 5), 0.8},
		{"experienced boosted", repeat(4, 10), 0.88},
		{"experienced capped", repeat(5, 12), 1.0},
		{"out of range ratings clamped", []float64{9, 9, 9}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := scoreSuccessRate(tt.ratings)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestEngineScore_SoleIdealCandidate(t *testing.T) {
	e := newTestEngine(t)

	p := model.CandidateProfile{
		CAID:              "ca-1",
		Specializations:   []string{"GST_FILING", "AUDIT"},
		Slots:             model.SlotCount{Free: 14},
		ActiveAssignments: ptrInt(0),
		HasPriorWork:      false,
	}

	got := e.Score(p, "GST_FILING")

	assert.Equal(t, model.ScoreBreakdown{
		Availability:   100,
		Specialization: 100,
		Workload:       100,
		SuccessRate:    50,
	}, got.Breakdown)
	// 0.4 + 0.3 + 0.2 + 0.05 = 0.95, x1.05 variety = 0.9975 -> 100.
	assert.Equal(t, 100, got.Score)
	assert.True(t, got.VarietyBonus)
	assert.Contains(t, got.Reasons, ReasonHighAvailability)
	assert.Contains(t, got.Reasons, ReasonPrimarySpec)
	assert.Contains(t, got.Reasons, ReasonVariety)
	assert.Contains(t, got.Reasons, ReasonNoHistory)
}

func TestEngineScore_Formula(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name      string
		profile   model.CandidateProfile
		service   string
		wantScore int
		wantBonus bool
	}{
		{
			name: "prior work suppresses variety bonus",
			profile: model.CandidateProfile{
				Specializations:   []string{"GST_FILING"},
				Slots:             model.SlotCount{Free: 5},
				ActiveAssignments: ptrInt(0),
				HasPriorWork:      true,
			},
			service:   "GST_FILING",
			wantScore: 95,
		},
		{
			name: "default availability with bonus",
			profile: model.CandidateProfile{
				Specializations:   []string{"GST_FILING"},
				ActiveAssignments: ptrInt(0),
			},
			service: "GST_FILING",
			// 0.12 + 0.3 + 0.2 + 0.05 = 0.67, x1.05 = 0.7035.
			wantScore: 70,
			wantBonus: true,
		},
		{
			name: "weak candidate below bonus floor",
			profile: model.CandidateProfile{
				Specializations:   []string{"AUDIT", "GST_FILING"},
				Slots:             model.SlotCount{Free: 1, Booked: 9},
				ActiveAssignments: ptrInt(7),
				Ratings:           []float64{2, 2},
			},
			service: "GST_FILING",
			// 0.04 + 0.21 + 0.04 + 0.036 = 0.326.
			wantScore: 33,
		},
		{
			name: "secondary specialization mid workload",
			profile: model.CandidateProfile{
				Specializations:   []string{"AUDIT", "GST_FILING"},
				Slots:             model.SlotCount{Free: 1, Booked: 1},
				ActiveAssignments: ptrInt(4),
				Ratings:           []float64{4, 4, 4, 4},
				HasPriorWork:      true,
			},
			service: "GST_FILING",
			// 0.2 + 0.21 + 0.12 + 0.08 = 0.61.
			wantScore: 61,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Score(tt.profile, tt.service)
			assert.Equal(t, tt.wantScore, got.Score)
			assert.Equal(t, tt.wantBonus, got.VarietyBonus)
		})
	}
}

func TestEngineScore_BoundsAndDeterminism(t *testing.T) {
	e := newTestEngine(t)

	slotCases := []model.SlotCount{{}, {Free: 1}, {Booked: 3}, {Free: 2, Booked: 7}}
	workCases := []*int{nil, ptrInt(0), ptrInt(2), ptrInt(5), ptrInt(12)}
	ratingCases := [][]float64{nil, {1}, {5, 5}, {3, 4, 5, 2}, {5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5}}
	specCases := [][]string{nil, {"GST_FILING"}, {"AUDIT", "GST_FILING"}, {"AUDIT"}}

	for _, slots := range slotCases {
		for _, work := range workCases {
			for _, ratings := range ratingCases {
				for _, specs := range specCases {
					for _, prior := range []bool{true, false} {
						p := model.CandidateProfile{
							CAID:              "ca",
							Specializations:   specs,
							Slots:             slots,
							ActiveAssignments: work,
							Ratings:           ratings,
							HasPriorWork:      prior,
						}
						first := e.Score(p, "GST_FILING")
						second := e.Score(p, "GST_FILING")
						require.Equal(t, first, second)

						require.GreaterOrEqual(t, first.Score, 0)
						require.LessOrEqual(t, first.Score, 100)
						for _, c := range []int{first.Breakdown.Availability, first.Breakdown.Specialization, first.Breakdown.Workload, first.Breakdown.SuccessRate} {
							require.GreaterOrEqual(t, c, 0)
							require.LessOrEqual(t, c, 100)
						}
						if prior {
							require.False(t, first.VarietyBonus)
						}
					}
				}
			}
		}
	}
}

func TestEngineScore_CustomWeights(t *testing.T) {
	e, err := NewEngine(Weights{Availability: 0, Specialization: 1, Workload: 0, SuccessRate: 0})
	require.NoError(t, err)

	got := e.Score(model.CandidateProfile{
		Specializations: []string{"AUDIT", "GST_FILING"},
		HasPriorWork:    true,
	}, "GST_FILING")
	assert.Equal(t, 70, got.Score)
}

func TestRank_TieBreakByCAID(t *testing.T) {
	scores := []model.CandidateScore{
		{CAID: "ca-zeta", Score: 80},
		{CAID: "ca-beta", Score: 91},
		{CAID: "ca-alpha", Score: 80},
		{CAID: "ca-gamma", Score: 80},
	}

	Rank(scores)

	ids := make([]string, len(scores))
	for i, s := range scores {
		ids[i] = s.CAID
	}
	assert.Equal(t, []string{"ca-beta", "ca-alpha", "ca-gamma", "ca-zeta"}, ids)

	// Input order must not matter.
	reversed := []model.CandidateScore{
		{CAID: "ca-gamma", Score: 80},
		{CAID: "ca-alpha", Score: 80},
		{CAID: "ca-zeta", Score: 80},
		{CAID: "ca-beta", Score: 91},
	}
	Rank(reversed)
	assert.Equal(t, scores, reversed)
}
