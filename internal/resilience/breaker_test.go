package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("service unavailable")

func TestClosedStateAllowsCalls(t *testing.T) {
	b := NewBreaker("test", 3, time.Second)
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker("test", 3, time.Second)

	for range 3 {
		_ = b.Execute(func() error { return errTest })
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
}

func TestHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker("test", 2, time.Second)
	b.now = func() time.Time { return now }

	for range 2 {
		_ = b.Execute(func() error { return errTest })
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen before timeout, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after timeout, got %s", b.State())
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe should pass, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker("test", 1, time.Second)
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errTest })
	now = now.Add(2 * time.Second)

	if err := b.Execute(func() error { return errTest }); !errors.Is(err, errTest) {
		t.Fatalf("expected probe error, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected reopened circuit, got %s", b.State())
	}
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker("test", 1, time.Second)
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errTest })
	now = now.Add(2 * time.Second)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(func() error {
			<-release
			return nil
		})
	}()

	// Wait until the probe holds the slot.
	deadline := time.Now().Add(time.Second)
	for {
		b.mu.Lock()
		probing := b.probing
		b.mu.Unlock()
		if probing || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second call during probe should be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
}

func TestCountOnlyIgnoresUncountedErrors(t *testing.T) {
	errBadRequest := errors.New("bad request")
	b := NewBreaker("test", 1, time.Second)
	b.CountOnly(func(err error) bool { return !errors.Is(err, errBadRequest) })

	for range 3 {
		if err := b.Execute(func() error { return errBadRequest }); !errors.Is(err, errBadRequest) {
			t.Fatalf("expected caller error to pass through, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("uncounted errors must not open the circuit, got %s", b.State())
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	b := NewBreaker("test", 2, time.Second)
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errTest })
	if b.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open, got %s", b.State())
	}
}
