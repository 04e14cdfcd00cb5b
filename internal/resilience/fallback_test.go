package resilience

import (
	"errors"
	"slices"
	"testing"
	"time"
)

// stores builds a group over backends named after their values.
func stores(names ...string) *FallbackGroup[string] {
	fg := NewFallbackGroup(names[0], names[0], FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		backends []string
		down     []string
		want     string
		wantErr  bool
		tried    []string
	}{
		{name: "primary serves", backends: []string{"postgres", "file"}, want: "postgres", tried: []string{"postgres"}},
		{name: "fails over to secondary", backends: []string{"postgres", "file"}, down: []string{"postgres"}, want: "file", tried: []string{"postgres", "file"}},
		{name: "third backend", backends: []string{"a", "b", "c"}, down: []string{"a", "b"}, want: "c", tried: []string{"a", "b", "c"}},
		{name: "all down", backends: []string{"postgres", "file"}, down: []string{"postgres", "file"}, wantErr: true, tried: []string{"postgres", "file"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := stores(tt.backends...)
			var tried []string
			got, err := ExecuteWithResult(fg, func(v string) (string, error) {
				tried = append(tried, v)
				if slices.Contains(tt.down, v) {
					return "", errBackend
				}
				return v, nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errBackend) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping the last failure", err)
				}
			} else if err != nil || got != tt.want {
				t.Fatalf("got %q, %v; want %q", got, err, tt.want)
			}
			if !slices.Equal(tried, tt.tried) {
				t.Errorf("tried = %v, want %v", tried, tt.tried)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := stores("postgres", "file")
	primaryDown := func(v string) error {
		if v == "postgres" {
			return errBackend
		}
		return nil
	}
	for range 2 {
		if err := fg.Execute(primaryDown); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	var tried []string
	if err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(tried, []string{"file"}) {
		t.Errorf("tried = %v, want only file while the postgres breaker is open", tried)
	}
}

func TestFallbackGroup_Each(t *testing.T) {
	t.Parallel()

	var changed []string
	fg := NewFallbackGroup(1, "postgres", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{
		MaxFailures:   1,
		OnStateChange: func(name string, _, to State) { changed = append(changed, name+":"+to.String()) },
	}})
	fg.AddFallback("file", 2)

	var names []string
	fg.Each(func(name string, v int, breaker *CircuitBreaker) {
		if breaker.Name() != name {
			t.Errorf("breaker name = %q, want %q", breaker.Name(), name)
		}
		names = append(names, name)
		if v == 2 {
			_ = breaker.Execute(func() error { return errBackend })
		}
	})
	if fg.Len() != 2 || !slices.Equal(names, []string{"postgres", "file"}) {
		t.Errorf("names = %v, Len() = %d", names, fg.Len())
	}
	if !slices.Equal(changed, []string{"file:open"}) {
		t.Errorf("state changes = %v, want [file:open]", changed)
	}
}
