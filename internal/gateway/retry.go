package gateway

import (
	"context"
	"time"

	"github.com/voxline/voxline/internal/fault"
)

// RetryConfig configures the retry helper injected into stages. The gateway
// itself never retries; stages that opt in call [Retry] around
// [Gateway.Invoke] and each attempt is recorded as its own provider call.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 2 (one retry).
	MaxAttempts int

	// InitialDelay is the backoff before the first retry. Default: 200ms.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff. Default: 5s.
	MaxDelay time.Duration
}

// withDefaults fills zero fields with defaults.
func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	return c
}

// Retry executes fn with exponential backoff. Only errors classified as
// retryable provider faults trigger another attempt; validation and
// invalid-request errors return immediately. A rate-limit fault carrying a
// retry-after hint overrides the computed backoff.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !fault.Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if hint := fault.RetryAfter(lastErr); hint > 0 {
			wait = hint
		}
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}

	return lastErr
}
