package resilience

import (
	"time"

	"github.com/sells-group/assignment-service/internal/config"
)

// RetryFromNotify builds the per-delivery retry policy for the webhook
// dispatcher. Zero values fall back to DefaultRetryConfig.
func RetryFromNotify(cfg config.NotifyConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.RetryMaxAttempts > 0 {
		rc.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(cfg.RetryInitialBackoffMs) * time.Millisecond
	}
	if cfg.RetryMaxBackoffMs > 0 {
		rc.MaxBackoff = time.Duration(cfg.RetryMaxBackoffMs) * time.Millisecond
	}
	return rc
}

// CircuitFromNotify builds the breaker guarding the notification endpoint.
func CircuitFromNotify(cfg config.NotifyConfig) CircuitBreakerConfig {
	cc := DefaultCircuitBreakerConfig()
	if cfg.CircuitFailureThreshold > 0 {
		cc.FailureThreshold = cfg.CircuitFailureThreshold
	}
	if cfg.CircuitResetTimeoutSecs > 0 {
		cc.ResetTimeout = time.Duration(cfg.CircuitResetTimeoutSecs) * time.Second
	}
	return cc
}

// OutboxBackoff returns the redelivery delay for an outbox event that has
// failed attempts times: base doubled per attempt, capped at max, no jitter.
func OutboxBackoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return computeBackoff(attempts-1, RetryConfig{
		InitialBackoff: base,
		MaxBackoff:     max,
		Multiplier:     2.0,
	})
}
