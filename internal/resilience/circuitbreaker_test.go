package resilience

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// step is one action against a breaker: advance the clock, or make a call
// returning ret and expect wantErr.
type step struct {
	advance  time.Duration
	ret      error
	wantErr  error
	wantCall bool
	want     State
}

func call(ret error) step {
	return step{ret: ret, wantErr: ret, wantCall: true}
}

func rejected() step {
	return step{wantErr: ErrCircuitOpen}
}

func wait(d time.Duration) step { return step{advance: d} }

func TestCircuitBreaker_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		steps       []step
		want        State
		transitions []string
	}{
		{
			name:  "successes keep it closed",
			steps: []step{call(nil), call(nil), call(nil)},
			want:  StateClosed,
		},
		{
			name:        "consecutive failures open it",
			steps:       []step{call(errBackend), call(errBackend), call(errBackend), rejected()},
			want:        StateOpen,
			transitions: []string{"closed>open"},
		},
		{
			name:  "a success resets the failure count",
			steps: []step{call(errBackend), call(errBackend), call(nil), call(errBackend), call(errBackend)},
			want:  StateClosed,
		},
		{
			name: "reset timeout reports half-open",
			steps: []step{
				call(errBackend), call(errBackend), call(errBackend),
				wait(time.Minute),
			},
			want:        StateHalfOpen,
			transitions: []string{"closed>open"},
		},
		{
			name: "still open before the timeout",
			steps: []step{
				call(errBackend), call(errBackend), call(errBackend),
				wait(59 * time.Second), rejected(),
			},
			want:        StateOpen,
			transitions: []string{"closed>open"},
		},
		{
			name: "successful probes close it",
			steps: []step{
				call(errBackend), call(errBackend), call(errBackend),
				wait(time.Minute), call(nil), call(nil),
			},
			want:        StateClosed,
			transitions: []string{"closed>open", "open>half-open", "half-open>closed"},
		},
		{
			name: "a failed probe reopens it",
			steps: []step{
				call(errBackend), call(errBackend), call(errBackend),
				wait(time.Minute), call(nil), call(errBackend), rejected(),
			},
			want:        StateOpen,
			transitions: []string{"closed>open", "open>half-open", "half-open>open"},
		},
		{
			name: "reopened breaker waits a full timeout again",
			steps: []step{
				call(errBackend), call(errBackend), call(errBackend),
				wait(time.Minute), call(errBackend),
				wait(30 * time.Second), rejected(),
				wait(30 * time.Second), call(nil),
			},
			want:        StateHalfOpen,
			transitions: []string{"closed>open", "open>half-open", "half-open>open", "open>half-open"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clock := newFakeClock()
			var got []string
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:         "file",
				MaxFailures:  3,
				ResetTimeout: time.Minute,
				HalfOpenMax:  2,
				Now:          clock.Now,
				OnStateChange: func(name string, from, to State) {
					if name != "file" {
						t.Errorf("callback name = %q, want file", name)
					}
					got = append(got, from.String()+">"+to.String())
				},
			})

			for i, s := range tt.steps {
				if s.advance > 0 {
					clock.Advance(s.advance)
					continue
				}
				called := false
				err := cb.Execute(func() error {
					called = true
					return s.ret
				})
				if !errors.Is(err, s.wantErr) || (s.wantErr == nil && err != nil) {
					t.Fatalf("step %d: err = %v, want %v", i, err, s.wantErr)
				}
				if called != s.wantCall {
					t.Fatalf("step %d: called = %v, want %v", i, called, s.wantCall)
				}
			}

			if st := cb.State(); st != tt.want {
				t.Errorf("State() = %v, want %v", st, tt.want)
			}
			if !slices.Equal(got, tt.transitions) {
				t.Errorf("transitions = %v, want %v", got, tt.transitions)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, HalfOpenMax: 1, ResetTimeout: time.Second, Now: clock.Now})
	_ = cb.Execute(func() error { return errBackend })
	clock.Advance(time.Second)

	// While the single probe is in flight every other call is rejected.
	release := make(chan struct{})
	probeDone := make(chan error)
	entered := make(chan struct{})
	go func() {
		probeDone <- cb.Execute(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent call err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if st := cb.State(); st != StateClosed {
		t.Errorf("State() = %v, want closed", st)
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "pg"})
	if cb.Name() != "pg" {
		t.Errorf("Name() = %q, want pg", cb.Name())
	}
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d, want 5/30s/3", cb.cfg.MaxFailures, cb.cfg.ResetTimeout, cb.cfg.HalfOpenMax)
	}
	for i := range 4 {
		_ = cb.Execute(func() error { return errBackend })
		if cb.State() != StateClosed {
			t.Fatalf("opened after %d failures, want 5", i+1)
		}
	}
	_ = cb.Execute(func() error { return errBackend })
	if cb.State() != StateOpen {
		t.Errorf("State() = %v after 5 failures, want open", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	var changes int
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:   1,
		ResetTimeout:  time.Hour,
		OnStateChange: func(string, State, State) { changes++ },
	})
	_ = cb.Execute(func() error { return errBackend })
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("State() = %v after Reset, want closed", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute after Reset: %v", err)
	}
	// Resetting a closed breaker is silent.
	cb.Reset()
	if changes != 2 {
		t.Errorf("state changes = %d, want 2", changes)
	}
}

func TestCircuitBreaker_IsFailure(t *testing.T) {
	t.Parallel()

	errMissing := errors.New("missing")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errMissing) },
	})
	for range 3 {
		wrapped := fmt.Errorf("load: %w", errMissing)
		if err := cb.Execute(func() error { return wrapped }); !errors.Is(err, errMissing) {
			t.Fatalf("err = %v, want the call's error", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("State() = %v, ignored errors must not open the breaker", cb.State())
	}
	_ = cb.Execute(func() error { return errBackend })
	if cb.State() != StateOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
