package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/assignment-service/internal/config"
	"github.com/sells-group/assignment-service/internal/resilience"
)

// Notice types carried in the webhook envelope.
const (
	TypeAssignment     = "assignment"
	TypeManualRequired = "manual_required"
)

// Message is the JSON body posted to the webhook.
type Message struct {
	Type       string      `json:"type"`
	RequestID  string      `json:"request_id"`
	FirmID     string      `json:"firm_id,omitempty"`
	Method     string      `json:"method,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Recipients []Recipient `json:"recipients"`
	SentAt     time.Time   `json:"sent_at"`
}

// WebhookDispatcher posts notices to an HTTP endpoint. Posts are rate
// limited, retried on transient failures and guarded by a circuit breaker so
// a dead endpoint fails fast.
type WebhookDispatcher struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	now     func() time.Time
}

// NewWebhookDispatcher creates a dispatcher for cfg.WebhookURL.
func NewWebhookDispatcher(cfg config.NotifyConfig) (*WebhookDispatcher, error) {
	if cfg.WebhookURL == "" {
		return nil, eris.New("notify: webhook url is required")
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	retry := resilience.RetryFromNotify(cfg)
	retry.OnRetry = resilience.RetryLogger("webhook", cfg.WebhookURL)

	cb := resilience.CircuitFromNotify(cfg)
	cb.ShouldTrip = resilience.IsTransient
	cb.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("notify: webhook circuit changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &WebhookDispatcher{
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(cb),
		now:     time.Now,
	}, nil
}

// NotifyAssignment implements Dispatcher.
func (d *WebhookDispatcher) NotifyAssignment(ctx context.Context, n AssignmentNotice) error {
	return d.deliver(ctx, Message{
		Type:       TypeAssignment,
		RequestID:  n.RequestID,
		Method:     string(n.Method),
		Recipients: n.Recipients(),
	})
}

// NotifyManualRequired implements Dispatcher.
func (d *WebhookDispatcher) NotifyManualRequired(ctx context.Context, n ManualRequiredNotice) error {
	return d.deliver(ctx, Message{
		Type:       TypeManualRequired,
		RequestID:  n.RequestID,
		FirmID:     n.FirmID,
		Reason:     n.Reason,
		Recipients: n.Recipients(),
	})
}

func (d *WebhookDispatcher) deliver(ctx context.Context, msg Message) error {
	msg.SentAt = d.now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "notify: marshal message")
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "notify: rate limit wait")
	}

	err = resilience.Do(ctx, d.retry, func(ctx context.Context) error {
		return d.breaker.Execute(ctx, func(ctx context.Context) error {
			return d.post(ctx, msg.Type, payload)
		})
	})
	if err != nil {
		return eris.Wrapf(err, "notify: deliver %s notice for request %s", msg.Type, msg.RequestID)
	}
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, noticeType string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notice-Type", noticeType)

	resp, err := d.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resilience.StatusErr(resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
