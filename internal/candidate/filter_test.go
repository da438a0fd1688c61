package candidate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/assignment-service/internal/model"
)

func member(id string, verified, independent bool, specs ...string) model.Member {
	status := model.VerificationPending
	if verified {
		status = model.VerificationVerified
	}
	return model.Member{
		FirmID:               "firm-1",
		CAID:                 id,
		Role:                 model.RoleSeniorCA,
		CanWorkIndependently: independent,
		Specializations:      specs,
		VerificationStatus:   status,
	}
}

func TestFilterEligible(t *testing.T) {
	members := []model.Member{
		member("ca-c", true, false, "GST_FILING"),
		member("ca-a", true, true, "AUDIT", "GST_FILING"),
		member("ca-unverified", false, true, "GST_FILING"),
		member("ca-audit-only", true, true, "AUDIT"),
	}

	tests := []struct {
		name       string
		afterHours bool
		wantIDs    []string
		wantNotInd int
	}{
		{"business hours", false, []string{"ca-a", "ca-c"}, 0},
		{"after hours requires independence", true, []string{"ca-a"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := &mockDirectory{}
			dir.On("ActiveMembers", mock.Anything, "firm-1").Return(members, nil)

			res, err := NewFilter(dir).Eligible(context.Background(), "firm-1", "GST_FILING", tt.afterHours)
			require.NoError(t, err)

			var ids []string
			for _, m := range res.Eligible {
				ids = append(ids, m.CAID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, 1, res.Unverified)
			assert.Equal(t, 1, res.NoSpecialization)
			assert.Equal(t, tt.wantNotInd, res.NotIndependent)
			dir.AssertExpectations(t)
		})
	}
}

func TestFilterEligible_NoActiveMembers(t *testing.T) {
	dir := &mockDirectory{}
	dir.On("ActiveMembers", mock.Anything, "firm-empty").Return([]model.Member{}, nil)

	_, err := NewFilter(dir).Eligible(context.Background(), "firm-empty", "GST_FILING", false)
	assert.ErrorIs(t, err, ErrNoActiveMembers)
}

func TestFilterEligible_NoneEligibleIsNotAnError(t *testing.T) {
	dir := &mockDirectory{}
	dir.On("ActiveMembers", mock.Anything, "firm-1").Return([]model.Member{
		member("ca-x", false, true, "GST_FILING"),
	}, nil)

	res, err := NewFilter(dir).Eligible(context.Background(), "firm-1", "GST_FILING", false)
	require.NoError(t, err)
	assert.Empty(t, res.Eligible)
	assert.Contains(t, res.Explain("GST_FILING", false), "No eligible candidates for GST_FILING")
	assert.Contains(t, res.Explain("GST_FILING", false), "1 member(s) not verified")
}

func TestFilterEligible_DirectoryFailure(t *testing.T) {
	dir := &mockDirectory{}
	dir.On("ActiveMembers", mock.Anything, "firm-1").Return(nil, errors.New("connection refused"))

	_, err := NewFilter(dir).Eligible(context.Background(), "firm-1", "GST_FILING", false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoActiveMembers)
	assert.Contains(t, err.Error(), "list members of firm firm-1")
}

func TestFilterResultExplain_AfterHoursOnly(t *testing.T) {
	res := &FilterResult{NotIndependent: 2}
	assert.NotContains(t, res.Explain("ITR", false), "2 member(s) not permitted to work independently after hours")
	assert.Contains(t, res.Explain("ITR", true), "2 member(s) not permitted to work independently after hours")
}
