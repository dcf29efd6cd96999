package resilience_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/questvoice/internal/resilience"
)

var errUpstream = errors.New("upstream down")

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_767_225_600, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fail() error    { return errUpstream }
func succeed() error { return nil }

func newBreaker(c *clock, maxFailures, halfOpenMax int) *resilience.CircuitBreaker {
	return resilience.New(resilience.Config{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: time.Minute,
		HalfOpenMax:  halfOpenMax,
		Now:          c.Now,
	})
}

func TestCircuitBreaker_Opens(t *testing.T) {
	t.Parallel()
	cb := newBreaker(newClock(), 3, 1)

	for range 3 {
		if err := cb.Execute(fail); !errors.Is(err, errUpstream) {
			t.Fatalf("Execute = %v, want the call's error", err)
		}
	}
	if cb.State() != resilience.StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, resilience.ErrCircuitOpen) || called {
		t.Errorf("Execute while open = %v (called %v), want ErrCircuitOpen", err, called)
	}
	if cb.Rejections() != 1 {
		t.Errorf("Rejections = %d, want 1", cb.Rejections())
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	cb := newBreaker(newClock(), 3, 1)

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != resilience.StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		probes []func() error
		want   resilience.State
	}{
		{name: "probes succeed", probes: []func() error{succeed, succeed}, want: resilience.StateClosed},
		{name: "probe fails", probes: []func() error{succeed, fail}, want: resilience.StateOpen},
		{name: "first probe fails", probes: []func() error{fail}, want: resilience.StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newClock()
			cb := newBreaker(c, 1, 2)
			_ = cb.Execute(fail)

			c.advance(time.Minute)
			if cb.State() != resilience.StateHalfOpen {
				t.Fatalf("state after timeout = %v, want half-open", cb.State())
			}
			for i, probe := range tc.probes {
				if err := cb.Execute(probe); errors.Is(err, resilience.ErrCircuitOpen) {
					t.Fatalf("probe %d rejected", i)
				}
			}
			if cb.State() != tc.want {
				t.Errorf("state = %v, want %v", cb.State(), tc.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()
	c := newClock()
	cb := newBreaker(c, 1, 1)
	_ = cb.Execute(fail)
	c.advance(time.Minute)

	release := make(chan struct{})
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(succeed); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("second probe = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != resilience.StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_IsFailure(t *testing.T) {
	t.Parallel()
	errRejected := errors.New("401")
	cb := resilience.New(resilience.Config{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, errRejected) },
	})

	_ = cb.Execute(func() error { return errRejected })
	if cb.State() != resilience.StateClosed {
		t.Fatal("a classified non-failure opened the breaker")
	}

	def := resilience.New(resilience.Config{MaxFailures: 1})
	_ = def.Execute(func() error { return context.Canceled })
	if def.State() != resilience.StateClosed {
		t.Error("caller cancellation opened the breaker")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb := newBreaker(newClock(), 1, 1)
	_ = cb.Execute(fail)
	cb.Reset()
	if cb.State() != resilience.StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Errorf("Execute after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[resilience.State]string{
		resilience.StateClosed:   "closed",
		resilience.StateOpen:     "open",
		resilience.StateHalfOpen: "half-open",
		resilience.State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
