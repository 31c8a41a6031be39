package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func transientErr() error { return &TransientError{Err: errors.New("upstream down")} }

func runFailing(cb *CircuitBreaker, err error) error {
	return cb.Execute(context.Background(), func(context.Context) error { return err })
}

func TestCircuitOpensAtFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})

	runFailing(cb, transientErr()) //nolint:errcheck
	if cb.State() != CircuitClosed {
		t.Fatalf("state after 1 failure = %v, want closed", cb.State())
	}

	runFailing(cb, transientErr()) //nolint:errcheck
	if cb.State() != CircuitOpen {
		t.Fatalf("state after 2 failures = %v, want open", cb.State())
	}

	// Open circuit rejects without invoking fn.
	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrSourceDegraded) {
		t.Fatalf("err = %v, want ErrSourceDegraded", err)
	}
	if called {
		t.Fatal("fn must not run while the circuit is open")
	}
}

func TestCircuitRateLimitFailuresWeighLess(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 2,
		RateLimitWeight:  0.5,
		Cooldown:         time.Minute,
	})

	rateLimited := &RateLimitError{Err: errors.New("429")}
	for i := 0; i < 3; i++ {
		runFailing(cb, rateLimited) //nolint:errcheck
	}
	// 3 * 0.5 = 1.5 < 2: still closed.
	if cb.State() != CircuitClosed {
		t.Fatalf("state after 3 rate-limit failures = %v, want closed", cb.State())
	}

	runFailing(cb, rateLimited) //nolint:errcheck
	if cb.State() != CircuitOpen {
		t.Fatalf("state after weight 2.0 = %v, want open", cb.State())
	}
}

func TestCircuitIgnoresPermanentErrors(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})

	for i := 0; i < 5; i++ {
		runFailing(cb, &PermanentError{Err: errors.New("bad query"), StatusCode: 400}) //nolint:errcheck
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %v, want closed (permanent errors are not source health)", cb.State())
	}
}

func TestCircuitSuccessResetsFailureWeight(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})

	runFailing(cb, transientErr()) //nolint:errcheck
	runFailing(cb, nil)            //nolint:errcheck
	runFailing(cb, transientErr()) //nolint:errcheck

	if cb.State() != CircuitClosed {
		t.Fatalf("state = %v, want closed (success must reset accumulated weight)", cb.State())
	}
}

func TestCircuitHalfOpenProbe(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	runFailing(cb, transientErr()) //nolint:errcheck
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	// Cooldown elapsed: probe allowed, success closes the circuit.
	now = now.Add(31 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", cb.State())
	}
	if err := runFailing(cb, nil); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state after successful probe = %v, want closed", cb.State())
	}
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	runFailing(cb, transientErr()) //nolint:errcheck
	now = now.Add(31 * time.Second)
	runFailing(cb, transientErr()) //nolint:errcheck

	if cb.State() != CircuitOpen {
		t.Fatalf("state after failed probe = %v, want open", cb.State())
	}
}

func TestCircuitStateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("hpd_violations", CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		OnStateChange: func(source string, from, to CircuitState) {
			transitions = append(transitions, source+":"+from.String()+"->"+to.String())
		},
	})

	runFailing(cb, transientErr()) //nolint:errcheck
	cb.Reset()

	want := []string{"hpd_violations:closed->open", "hpd_violations:open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}
