package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocalprobe/internal/observe"
	"github.com/MrWong99/vocalprobe/internal/resilience"
	"github.com/MrWong99/vocalprobe/internal/session"
)

// Mirror writes every record to a primary store and mirrors it to any number
// of secondary stores. Reads go to the first healthy store. Each store sits
// behind its own circuit breaker; a missing record does not count as a
// failure.
//
// Mirror is safe for concurrent use once all stores have been added.
type Mirror struct {
	stores  *resilience.FallbackGroup[Store]
	metrics *observe.Metrics
}

var _ Store = (*Mirror)(nil)

// NewMirror returns a Mirror over primary. A nil metrics uses
// [observe.DefaultMetrics].
func NewMirror(name string, primary Store, cb resilience.CircuitBreakerConfig, metrics *observe.Metrics) *Mirror {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	cb.IsFailure = func(err error) bool { return !errors.Is(err, ErrNotFound) }
	cb.OnStateChange = func(store string, _, to resilience.State) {
		metrics.RecordBreakerTransition(context.Background(), store, to.String())
	}
	return &Mirror{
		stores: resilience.NewFallbackGroup[Store](
			metered{name: name, store: primary, metrics: metrics},
			name,
			resilience.FallbackConfig{CircuitBreaker: cb},
		),
		metrics: metrics,
	}
}

// Add registers a secondary store. Not safe to call concurrently with other
// methods.
func (m *Mirror) Add(name string, s Store) {
	m.stores.AddFallback(name, metered{name: name, store: s, metrics: m.metrics})
}

// Len returns the number of stores, primary included.
func (m *Mirror) Len() int { return m.stores.Len() }

// Save writes rec to all stores concurrently. Only a primary failure is
// returned; secondary failures are logged.
func (m *Mirror) Save(ctx context.Context, rec *session.Record) error {
	var (
		g          errgroup.Group
		primaryErr error
		first      = true
	)
	m.stores.Each(func(name string, s Store, breaker *resilience.CircuitBreaker) {
		primary := first
		first = false
		g.Go(func() error {
			err := breaker.Execute(func() error { return s.Save(ctx, rec) })
			switch {
			case err == nil:
			case primary:
				primaryErr = err
			default:
				slog.Warn("archive mirror save failed", "store", name, "session_id", rec.ID, "error", err)
			}
			return nil
		})
	})
	_ = g.Wait()
	return primaryErr
}

// Load returns the record from the first store that has it.
func (m *Mirror) Load(ctx context.Context, id string) (*session.Record, error) {
	rec, err := resilience.ExecuteWithResult(m.stores, func(s Store) (*session.Record, error) {
		return s.Load(ctx, id)
	})
	if err != nil {
		return nil, unwrapNotFound(err)
	}
	return rec, nil
}

// List returns the listing of the first healthy store.
func (m *Mirror) List(ctx context.Context) ([]Summary, error) {
	out, err := resilience.ExecuteWithResult(m.stores, func(s Store) ([]Summary, error) {
		return s.List(ctx)
	})
	if err != nil {
		return nil, unwrapNotFound(err)
	}
	return out, nil
}

func unwrapNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("archive: %w", err)
}

// metered records an archive operation metric for every call.
type metered struct {
	name    string
	store   Store
	metrics *observe.Metrics
}

func (s metered) Save(ctx context.Context, rec *session.Record) error {
	err := s.store.Save(ctx, rec)
	s.metrics.RecordArchiveOp(ctx, s.name, "save", status(err))
	return err
}

func (s metered) Load(ctx context.Context, id string) (*session.Record, error) {
	rec, err := s.store.Load(ctx, id)
	s.metrics.RecordArchiveOp(ctx, s.name, "load", status(err))
	return rec, err
}

func (s metered) List(ctx context.Context) ([]Summary, error) {
	out, err := s.store.List(ctx)
	s.metrics.RecordArchiveOp(ctx, s.name, "list", status(err))
	return out, err
}

func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
