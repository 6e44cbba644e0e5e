package gateway

import (
	"sync"
	"time"
)

// BreakerState represents the current mode of one breaker key.
type BreakerState int

const (
	// StateClosed is the normal operating state.
	StateClosed BreakerState = iota

	// StateOpen indicates the failure threshold was crossed within the
	// rolling window. Calls are still permitted; the state is observational.
	StateOpen

	// StateHalfOpen is the probe state entered after the open timer elapses.
	// The first success closes the breaker; the first failure re-opens it.
	StateHalfOpen
)

// String returns the wire name of the state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs shared by all breaker keys.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within Window that opens the
	// breaker. Default: 5.
	FailureThreshold int

	// Window is the rolling window over which failures are counted.
	// Default: 60s.
	Window time.Duration

	// OpenTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	OpenTimeout time.Duration
}

// withDefaults fills zero fields with defaults.
func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// breakerKey identifies one independent breaker.
type breakerKey struct {
	operation string
	provider  string
	model     string
}

// breaker is the per-key state. Guarded by Breakers.mu; the read-modify-write
// sequences are short and never block the provider call itself.
type breaker struct {
	state    BreakerState
	failures []time.Time
	openedAt time.Time
}

// Breakers is the global observe-only circuit breaker map, keyed by
// (operation, provider, model). It never refuses a call: callers consult
// [Breakers.Observe] before invoking and [Breakers.Record] afterwards, and
// both only report state so the gateway can emit transition events.
//
// Safe for concurrent use.
type Breakers struct {
	cfg BreakerConfig

	mu sync.Mutex
	m  map[breakerKey]*breaker
}

// NewBreakers creates a breaker map with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{
		cfg: cfg.withDefaults(),
		m:   map[breakerKey]*breaker{},
	}
}

// Observe reports the state seen by a call about to start. An open breaker
// whose timer has elapsed transitions to half-open here; transitioned is true
// when that happened so the caller can emit the transition event.
func (b *Breakers) Observe(operation, provider, model string) (state BreakerState, transitioned bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(operation, provider, model)
	if br.state == StateOpen && time.Since(br.openedAt) >= b.cfg.OpenTimeout {
		br.state = StateHalfOpen
		return StateHalfOpen, true
	}
	return br.state, false
}

// Record accounts the outcome of a finished call. The returned state is the
// state after accounting; transitioned is true when it changed.
func (b *Breakers) Record(operation, provider, model string, success bool) (state BreakerState, transitioned bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(operation, provider, model)
	now := time.Now()

	if success {
		switch br.state {
		case StateHalfOpen, StateOpen:
			// A success closes the breaker whether or not the open timer
			// already moved it to half-open. Calls were never blocked, so the
			// provider demonstrably recovered.
			br.state = StateClosed
			br.failures = nil
			return StateClosed, true
		default:
			br.failures = nil
			return br.state, false
		}
	}

	switch br.state {
	case StateHalfOpen:
		// First failure in half-open re-opens immediately.
		br.state = StateOpen
		br.openedAt = now
		br.failures = nil
		return StateOpen, true

	case StateClosed:
		br.failures = append(br.failures, now)
		br.prune(now, b.cfg.Window)
		if len(br.failures) >= b.cfg.FailureThreshold {
			br.state = StateOpen
			br.openedAt = now
			br.failures = nil
			return StateOpen, true
		}
		return StateClosed, false

	default:
		// Already open: failures while open only refresh the timer.
		br.openedAt = now
		return StateOpen, false
	}
}

// State returns the current state for a key without side effects.
func (b *Breakers) State(operation, provider, model string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(operation, provider, model).state
}

// get returns the breaker for a key, creating it closed. Must be called with
// b.mu held.
func (b *Breakers) get(operation, provider, model string) *breaker {
	k := breakerKey{operation: operation, provider: provider, model: model}
	br, ok := b.m[k]
	if !ok {
		br = &breaker{state: StateClosed}
		b.m[k] = br
	}
	return br
}

// prune drops failure timestamps older than the rolling window.
func (br *breaker) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := br.failures[:0]
	for _, t := range br.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	br.failures = kept
}
