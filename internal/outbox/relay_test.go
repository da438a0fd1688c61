package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/assignment-service/internal/config"
	"github.com/sells-group/assignment-service/internal/model"
	"github.com/sells-group/assignment-service/internal/notify"
	"github.com/sells-group/assignment-service/internal/resilience"
	"github.com/sells-group/assignment-service/internal/store"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) NotifyAssignment(ctx context.Context, n notify.AssignmentNotice) error {
	return m.Called(ctx, n).Error(0)
}

func (m *mockDispatcher) NotifyManualRequired(ctx context.Context, n notify.ManualRequiredNotice) error {
	return m.Called(ctx, n).Error(0)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// newTestRelay returns a relay whose clock sits a second after the events
// enqueued so far.
func newTestRelay(st store.Store, d notify.Dispatcher, opts Options) (*Relay, *time.Time) {
	r := NewRelay(st, d, opts)
	clock := time.Now().UTC().Add(time.Second)
	r.now = func() time.Time { return clock }
	return r, &clock
}

func enqueue(t *testing.T, st store.Store, evt model.AssignmentEvent) string {
	t.Helper()
	require.NoError(t, st.EnqueueEvent(context.Background(), &evt))
	return evt.ID
}

func decided(requestID string) model.AssignmentEvent {
	return model.AssignmentEvent{
		RequestID: requestID,
		Kind:      model.EventAssignmentDecided,
		Payload: model.EventPayload{
			FirmID:   "firm-1",
			ClientID: "client-1",
			CAID:     "ca-1",
			Method:   model.AssignmentMethodAuto,
		},
	}
}

func countEvents(t *testing.T, st store.Store, status model.EventStatus) int {
	t.Helper()
	n, err := st.CountEvents(context.Background(), status)
	require.NoError(t, err)
	return n
}

func TestRelay_DeliversAssignment(t *testing.T) {
	st := newTestStore(t)
	d := &mockDispatcher{}
	d.On("NotifyAssignment", mock.Anything, notify.AssignmentNotice{
		RequestID: "req-1",
		ClientID:  "client-1",
		CAID:      "ca-1",
		Method:    model.AssignmentMethodAuto,
	}).Return(nil).Once()

	enqueue(t, st, decided("req-1"))
	before := testutil.ToFloat64(getMetrics().eventsTotal.WithLabelValues(string(model.EventAssignmentDecided), resultDelivered))

	r, _ := newTestRelay(st, d, Options{})
	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Claimed: 1, Delivered: 1}, stats)
	assert.Equal(t, 1, countEvents(t, st, model.EventStatusDelivered))
	assert.Equal(t, 0, countEvents(t, st, model.EventStatusPending))
	after := testutil.ToFloat64(getMetrics().eventsTotal.WithLabelValues(string(model.EventAssignmentDecided), resultDelivered))
	assert.Equal(t, before+1, after)
	d.AssertExpectations(t)
}

func TestRelay_OverrideNotifiesPreviousProvider(t *testing.T) {
	st := newTestStore(t)
	d := &mockDispatcher{}
	d.On("NotifyAssignment", mock.Anything, mock.MatchedBy(func(n notify.AssignmentNotice) bool {
		return n.PreviousCAID == "ca-1" && n.CAID == "ca-2" && n.Method == model.AssignmentMethodManual
	})).Return(nil).Once()

	enqueue(t, st, model.AssignmentEvent{
		RequestID: "req-1",
		Kind:      model.EventAssignmentOverride,
		Payload: model.EventPayload{
			ClientID:     "client-1",
			CAID:         "ca-2",
			PreviousCAID: "ca-1",
			Method:       model.AssignmentMethodManual,
		},
	})

	r, _ := newTestRelay(st, d, Options{})
	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)
	d.AssertExpectations(t)
}

func TestRelay_ManualRequiredResolvesAdmins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertFirms(ctx, []model.FirmConfig{{FirmID: "firm-1"}}))
	require.NoError(t, st.UpsertMembers(ctx, []model.Member{
		{FirmID: "firm-1", CAID: "admin-2", Role: model.RoleFirmAdmin, VerificationStatus: model.VerificationVerified, Active: true},
		{FirmID: "firm-1", CAID: "admin-1", Role: model.RoleFirmAdmin, VerificationStatus: model.VerificationVerified, Active: true},
		{FirmID: "firm-1", CAID: "ca-1", Role: model.RoleSeniorCA, VerificationStatus: model.VerificationVerified, Active: true},
		{FirmID: "firm-1", CAID: "admin-old", Role: model.RoleFirmAdmin, VerificationStatus: model.VerificationVerified, Active: false},
	}))

	d := &mockDispatcher{}
	d.On("NotifyManualRequired", mock.Anything, notify.ManualRequiredNotice{
		FirmID:    "firm-1",
		RequestID: "req-1",
		Reason:    "Auto-assignment disabled for firm",
		AdminIDs:  []string{"admin-1", "admin-2"},
	}).Return(nil).Once()

	enqueue(t, st, model.AssignmentEvent{
		RequestID: "req-1",
		Kind:      model.EventManualRequired,
		Payload:   model.EventPayload{FirmID: "firm-1", Reason: "Auto-assignment disabled for firm"},
	})

	r, _ := newTestRelay(st, d, Options{})
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delivered)
	d.AssertExpectations(t)
}

func TestRelay_TransientFailureReschedules(t *testing.T) {
	st := newTestStore(t)
	d := &mockDispatcher{}
	d.On("NotifyAssignment", mock.Anything, mock.Anything).
		Return(resilience.StatusErr(503, "down")).Once()

	id := enqueue(t, st, decided("req-1"))

	r, clock := newTestRelay(st, d, Options{BaseBackoff: 10 * time.Second, MaxBackoff: time.Minute})
	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Claimed: 1, Retried: 1}, stats)
	assert.Equal(t, 1, countEvents(t, st, model.EventStatusPending))

	// Not due yet.
	stats, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)

	*clock = clock.Add(11 * time.Second)
	events, err := st.ClaimEvents(context.Background(), *clock, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, 2, events[0].Attempts)
	assert.Contains(t, events[0].LastError, "unexpected status 503")
}

func TestRelay_PermanentFailureDeadLetters(t *testing.T) {
	st := newTestStore(t)
	d := &mockDispatcher{}
	d.On("NotifyAssignment", mock.Anything, mock.Anything).
		Return(resilience.StatusErr(400, "bad recipient")).Once()

	enqueue(t, st, decided("req-1"))

	r, _ := newTestRelay(st, d, Options{MaxAttempts: 5})
	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dead)
	assert.Equal(t, 1, countEvents(t, st, model.EventStatusDead))
}

func TestRelay_OutOfAttemptsDeadLetters(t *testing.T) {
	st := newTestStore(t)
	d := &mockDispatcher{}
	d.On("NotifyAssignment", mock.Anything, mock.Anything).
		Return(errors.New("connection reset by peer")).Once()

	enqueue(t, st, decided("req-1"))

	r, _ := newTestRelay(st, d, Options{MaxAttempts: 1})
	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dead)
	assert.Equal(t, 0, countEvents(t, st, model.EventStatusPending))
}

func TestRelay_UnknownKindDeadLetters(t *testing.T) {
	st := newTestStore(t)
	d := &mockDispatcher{}

	enqueue(t, st, model.AssignmentEvent{RequestID: "req-1", Kind: "assignment.unknown"})

	r, _ := newTestRelay(st, d, Options{})
	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dead)
	d.AssertNotCalled(t, "NotifyAssignment", mock.Anything, mock.Anything)
	d.AssertNotCalled(t, "NotifyManualRequired", mock.Anything, mock.Anything)
}

func TestRelay_BacklogGauge(t *testing.T) {
	st := newTestStore(t)
	d := &mockDispatcher{}
	d.On("NotifyAssignment", mock.Anything, mock.Anything).Return(resilience.StatusErr(500, "")).Once()

	enqueue(t, st, decided("req-1"))

	r, _ := newTestRelay(st, d, Options{})
	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(getMetrics().backlog.WithLabelValues(string(model.EventStatusPending))))
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	d := &mockDispatcher{}
	d.On("NotifyAssignment", mock.Anything, mock.Anything).Return(nil)

	enqueue(t, st, decided("req-1"))

	r := NewRelay(st, d, Options{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := st.CountEvents(context.Background(), model.EventStatusDelivered)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestOptionsFrom(t *testing.T) {
	opts := OptionsFrom(config.OutboxConfig{
		PollIntervalSecs: 3,
		BatchSize:        20,
		MaxAttempts:      4,
		LeaseSecs:        30,
		BaseBackoffSecs:  2,
		MaxBackoffSecs:   60,
	})
	assert.Equal(t, Options{
		PollInterval: 3 * time.Second,
		BatchSize:    20,
		MaxAttempts:  4,
		Lease:        30 * time.Second,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   time.Minute,
	}, opts)

	var empty Options
	empty.setDefaults()
	assert.Equal(t, 50, empty.BatchSize)
	assert.Equal(t, 15*time.Minute, empty.MaxBackoff)
}
