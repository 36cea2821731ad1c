package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTestError = errors.New("test error")

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := New(cfg)
	cb.now = clock.Now
	cb.changedAt = clock.Now()
	return cb, clock
}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func() error { return errTestError })
	}
}

func TestCircuitBreaker_ClosedState_Success(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig())

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if cb.Stats().State != StateClosed {
		t.Errorf("expected state closed, got: %v", cb.Stats().State)
	}
}

func TestCircuitBreaker_ClosedState_FailureIsWrapped(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig())

	err := cb.Execute(context.Background(), func() error { return errTestError })
	if !errors.Is(err, errTestError) {
		t.Errorf("expected wrapped test error, got: %v", err)
	}
	if cb.Stats().State != StateClosed {
		t.Errorf("expected state closed, got: %v", cb.Stats().State)
	}
	if stats := cb.Stats(); stats.Failures != 1 {
		t.Errorf("expected failure count 1, got: %d", stats.Failures)
	}
}

func TestCircuitBreaker_OpenState_RejectsWithoutCalling(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 2, OpenTimeout: time.Minute})
	failN(cb, 2)

	if cb.Stats().State != StateOpen {
		t.Fatalf("expected state open, got: %v", cb.Stats().State)
	}

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got: %v", err)
	}
	if called {
		t.Error("guarded function must not run while open")
	}
}

func TestCircuitBreaker_HalfOpen_SuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Second})
	failN(cb, 2)

	clock.Advance(time.Second)

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("expected probe to pass, got: %v", err)
	}
	if cb.Stats().State != StateClosed {
		t.Errorf("expected state closed, got: %v", cb.Stats().State)
	}
}

func TestCircuitBreaker_HalfOpen_FailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 2, OpenTimeout: time.Second})
	failN(cb, 2)

	clock.Advance(time.Second)
	failN(cb, 1)

	if cb.Stats().State != StateOpen {
		t.Errorf("expected state open, got: %v", cb.Stats().State)
	}
}

func TestCircuitBreaker_HalfOpen_LimitsConcurrentProbes(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Second, MaxRequestsHalfOpen: 1})
	failN(cb, 1)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(context.Background(), func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("expected second probe to be rejected, got: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("expected first probe to succeed, got: %v", err)
	}
}

func TestCircuitBreaker_CancelledContextSkipsCall(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if called {
		t.Error("guarded function must not run with a cancelled context")
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Minute})

	changes := make(chan [2]State, 1)
	cb.OnStateChange(func(from, to State) {
		changes <- [2]State{from, to}
	})

	failN(cb, 1)

	select {
	case change := <-changes:
		if change[0] != StateClosed || change[1] != StateOpen {
			t.Errorf("unexpected transition %v -> %v", change[0], change[1])
		}
	case <-time.After(time.Second):
		t.Fatal("state change callback was not called")
	}
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := cb.Execute(ctx, func() error {
			cancel()
			return ctx.Err()
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got: %v", err)
		}
	}

	stats := cb.Stats()
	if stats.State != StateClosed {
		t.Errorf("expected state closed, got: %v", stats.State)
	}
	if stats.Failures != 0 {
		t.Errorf("expected no recorded failures, got: %d", stats.Failures)
	}
}

func TestCircuitBreaker_HalfOpen_CallerCancellationFreesProbe(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Second, MaxRequestsHalfOpen: 1})
	failN(cb, 1)
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	_ = cb.Execute(ctx, func() error {
		cancel()
		return ctx.Err()
	})

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("expected next probe to run, got: %v", err)
	}
	if state := cb.Stats().State; state != StateClosed {
		t.Errorf("expected state closed, got: %v", state)
	}
}
