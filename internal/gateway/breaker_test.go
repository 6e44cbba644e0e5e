package gateway

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreakers(BreakerConfig{FailureThreshold: 3, Window: time.Minute})

	for i := 0; i < 2; i++ {
		state, transitioned := b.Record("llm.stream", "openai", "gpt-4o-mini", false)
		if state != StateClosed || transitioned {
			t.Fatalf("failure %d: state = %v, transitioned = %v; want closed, false", i+1, state, transitioned)
		}
	}

	state, transitioned := b.Record("llm.stream", "openai", "gpt-4o-mini", false)
	if state != StateOpen || !transitioned {
		t.Fatalf("threshold failure: state = %v, transitioned = %v; want open, true", state, transitioned)
	}
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	t.Parallel()

	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Window: time.Minute})

	b.Record("llm.stream", "openai", "gpt-4o-mini", false)
	if got := b.State("llm.stream", "openai", "gpt-4o-mini"); got != StateOpen {
		t.Errorf("failed key state = %v, want open", got)
	}
	if got := b.State("llm.stream", "openai", "gpt-4o"); got != StateClosed {
		t.Errorf("sibling model state = %v, want closed", got)
	}
	if got := b.State("tts.synthesize", "openai", "gpt-4o-mini"); got != StateClosed {
		t.Errorf("sibling operation state = %v, want closed", got)
	}
}

func TestBreakerSuccessWhileOpenCloses(t *testing.T) {
	t.Parallel()

	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Window: time.Minute, OpenTimeout: time.Hour})
	b.Record("stt.transcribe", "openai", "whisper-1", false)

	state, transitioned := b.Record("stt.transcribe", "openai", "whisper-1", true)
	if state != StateClosed || !transitioned {
		t.Fatalf("success while open: state = %v, transitioned = %v; want closed, true", state, transitioned)
	}
}

func TestBreakerHalfOpenTransitions(t *testing.T) {
	t.Parallel()

	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Window: time.Minute, OpenTimeout: time.Millisecond})
	b.Record("llm.generate", "openai", "gpt-4o", false)

	time.Sleep(5 * time.Millisecond)

	state, transitioned := b.Observe("llm.generate", "openai", "gpt-4o")
	if state != StateHalfOpen || !transitioned {
		t.Fatalf("Observe after timeout: state = %v, transitioned = %v; want half_open, true", state, transitioned)
	}

	// First failure in half-open re-opens immediately.
	state, transitioned = b.Record("llm.generate", "openai", "gpt-4o", false)
	if state != StateOpen || !transitioned {
		t.Fatalf("failure in half_open: state = %v, transitioned = %v; want open, true", state, transitioned)
	}

	time.Sleep(5 * time.Millisecond)
	b.Observe("llm.generate", "openai", "gpt-4o")

	// First success in half-open closes.
	state, transitioned = b.Record("llm.generate", "openai", "gpt-4o", true)
	if state != StateClosed || !transitioned {
		t.Fatalf("success in half_open: state = %v, transitioned = %v; want closed, true", state, transitioned)
	}
}

func TestBreakerWindowExpiresFailures(t *testing.T) {
	t.Parallel()

	b := NewBreakers(BreakerConfig{FailureThreshold: 2, Window: 10 * time.Millisecond})

	b.Record("llm.stream", "openai", "gpt-4o-mini", false)
	time.Sleep(20 * time.Millisecond)

	// The earlier failure aged out of the window, so this one does not trip.
	state, _ := b.Record("llm.stream", "openai", "gpt-4o-mini", false)
	if state != StateClosed {
		t.Fatalf("state after aged-out failure = %v, want closed", state)
	}
}
