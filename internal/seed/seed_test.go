package seed

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/assignment-service/internal/model"
	"github.com/sells-group/assignment-service/internal/store"
)

func TestLoadFile(t *testing.T) {
	f, err := LoadFile(filepath.Join("testdata", "fixtures.yaml"))
	require.NoError(t, err)

	require.Len(t, f.Firms, 2)
	assert.True(t, f.Firms[0].AutoAssign)
	assert.Len(t, f.Firms[0].Members, 4)
	require.Len(t, f.Slots, 3)
	assert.Equal(t, time.Date(2026, 10, 20, 4, 0, 0, 0, time.UTC), f.Slots[0].StartsAt.UTC())
	assert.True(t, f.Slots[1].Booked)
	require.Len(t, f.Requests, 3)
	require.NotNil(t, f.Requests[2].ClientRating)
	assert.InDelta(t, 4.5, *f.Requests[2].ClientRating, 1e-9)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join("testdata", "nope.yaml"))
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bad yaml", "firms: [", "parse fixture"},
		{"firm id", "firms:\n  - auto_assign: true\n", "firm without id"},
		{"member id", "firms:\n  - id: f\n    members:\n      - role: FIRM_ADMIN\n", "without ca_id"},
		{"unknown firm", "requests:\n  - id: r\n    firm_id: ghost\n    client_id: c\n    service_type: AUDIT\n", "unknown firm ghost"},
		{"request fields", "requests:\n  - id: r\n", "needs client_id"},
		{"slot order", "slots:\n  - ca_id: ca\n    starts_at: 2026-10-20T05:00:00Z\n    ends_at: 2026-10-20T04:00:00Z\n", "ends before it starts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	f, err := LoadFile(filepath.Join("testdata", "fixtures.yaml"))
	require.NoError(t, err)

	sum, err := Apply(ctx, st, f)
	require.NoError(t, err)
	assert.Equal(t, Summary{Firms: 2, Members: 6, Slots: 3, Requests: 3}, sum)

	members, err := st.ActiveMembers(ctx, "firm-acme")
	require.NoError(t, err)
	require.Len(t, members, 4)
	assert.Equal(t, "admin-priya", members[0].CAID)
	assert.Equal(t, model.RoleFirmAdmin, members[0].Role)
	assert.Equal(t, model.RoleSeniorCA, members[1].Role, "role defaults to SENIOR_CA")
	assert.Equal(t, model.VerificationPending, members[3].VerificationStatus)

	firm, err := st.FirmConfig(ctx, "firm-manual")
	require.NoError(t, err)
	assert.False(t, firm.AutoAssignmentEnabled)

	slots, err := st.CountSlots(ctx, "ca-arjun", time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), time.Date(2026, 10, 26, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, model.SlotCount{Free: 1, Booked: 1}, slots)

	done, err := st.GetRequest(ctx, "req-done-1")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCompleted, done.Status)
	assert.Equal(t, model.AssignmentMethodManual, done.AssignmentMethod)

	ratings, err := st.CompletedWithRating(ctx, "ca-meera", "GST_FILING")
	require.NoError(t, err)
	assert.Equal(t, []float64{4.5}, ratings)

	fresh, err := st.GetRequest(ctx, "req-new-gst")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusUnassigned, fresh.Status)
}

type failingLoader struct {
	Loader
}

func (failingLoader) UpsertFirms(context.Context, []model.FirmConfig) error {
	return errors.New("read-only")
}

func TestApply_StopsOnError(t *testing.T) {
	_, err := Apply(context.Background(), failingLoader{}, &Fixture{Firms: []Firm{{ID: "f"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed: firms")
}
