package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/assignment-service/internal/config"
	"github.com/sells-group/assignment-service/internal/model"
	"github.com/sells-group/assignment-service/internal/resilience"
)

func testConfig(url string) config.NotifyConfig {
	return config.NotifyConfig{
		WebhookURL:              url,
		TimeoutSecs:             2,
		RetryMaxAttempts:        3,
		RetryInitialBackoffMs:   1,
		RetryMaxBackoffMs:       2,
		CircuitFailureThreshold: 10,
		CircuitResetTimeoutSecs: 60,
	}
}

func newTestDispatcher(t *testing.T, url string) *WebhookDispatcher {
	t.Helper()
	d, err := NewWebhookDispatcher(testConfig(url))
	require.NoError(t, err)
	d.now = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) }
	return d
}

func TestNewWebhookDispatcher_RequiresURL(t *testing.T) {
	_, err := NewWebhookDispatcher(config.NotifyConfig{})
	assert.Error(t, err)
}

func TestWebhookDispatcher_NotifyAssignment(t *testing.T) {
	var got Message
	var noticeType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		noticeType = r.Header.Get("X-Notice-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	err := d.NotifyAssignment(context.Background(), AssignmentNotice{
		RequestID:    "req-1",
		ClientID:     "client-1",
		CAID:         "ca-2",
		PreviousCAID: "ca-1",
		Method:       model.AssignmentMethodManual,
	})
	require.NoError(t, err)

	assert.Equal(t, TypeAssignment, noticeType)
	assert.Equal(t, TypeAssignment, got.Type)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "MANUAL", got.Method)
	assert.Equal(t, []Recipient{
		{Role: RecipientClient, ID: "client-1"},
		{Role: RecipientProvider, ID: "ca-2"},
		{Role: RecipientPreviousProvider, ID: "ca-1"},
	}, got.Recipients)
	assert.Equal(t, time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC), got.SentAt)
}

func TestWebhookDispatcher_NotifyManualRequired(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	err := d.NotifyManualRequired(context.Background(), ManualRequiredNotice{
		FirmID:    "firm-1",
		RequestID: "req-1",
		Reason:    "Auto-assignment disabled for firm",
		AdminIDs:  []string{"admin-1", "admin-2"},
	})
	require.NoError(t, err)

	assert.Equal(t, TypeManualRequired, got.Type)
	assert.Equal(t, "firm-1", got.FirmID)
	assert.Equal(t, "Auto-assignment disabled for firm", got.Reason)
	assert.Len(t, got.Recipients, 2)
	assert.Equal(t, RecipientFirmAdmin, got.Recipients[0].Role)
}

func TestWebhookDispatcher_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	err := d.NotifyAssignment(context.Background(), AssignmentNotice{RequestID: "req-1", ClientID: "c", CAID: "ca"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookDispatcher_PermanentStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown recipient", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	err := d.NotifyAssignment(context.Background(), AssignmentNotice{RequestID: "req-1", ClientID: "c", CAID: "ca"})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "unknown recipient")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookDispatcher_CircuitOpensOnRepeatedFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryMaxAttempts = 1
	cfg.CircuitFailureThreshold = 2
	d, err := NewWebhookDispatcher(cfg)
	require.NoError(t, err)

	notice := AssignmentNotice{RequestID: "req-1", ClientID: "c", CAID: "ca"}
	require.Error(t, d.NotifyAssignment(context.Background(), notice))
	require.Error(t, d.NotifyAssignment(context.Background(), notice))

	err = d.NotifyAssignment(context.Background(), notice)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookDispatcher_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.NotifyAssignment(ctx, AssignmentNotice{RequestID: "req-1"})
	assert.Error(t, err)
}

func TestRecipients(t *testing.T) {
	n := AssignmentNotice{ClientID: "c", CAID: "ca-1", PreviousCAID: "ca-1"}
	assert.Len(t, n.Recipients(), 2, "same provider is not notified twice")

	assert.Empty(t, ManualRequiredNotice{}.Recipients())
}

func TestLogDispatcher(t *testing.T) {
	var d Dispatcher = LogDispatcher{}
	assert.NoError(t, d.NotifyAssignment(context.Background(), AssignmentNotice{RequestID: "req-1"}))
	assert.NoError(t, d.NotifyManualRequired(context.Background(), ManualRequiredNotice{RequestID: "req-1"}))
}
