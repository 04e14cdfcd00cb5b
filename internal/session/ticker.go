package session

import (
	"context"
	"sync"
	"time"
)

// DefaultTickInterval is the default period between display ticks.
const DefaultTickInterval = 30 * time.Millisecond

// Ticker calls [Engine.Tick] periodically so the history charts advance and
// observers receive data updates.
//
// All methods are safe for concurrent use.
type Ticker struct {
	engine   *Engine
	interval time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTicker returns a stopped ticker for e. A non-positive interval selects
// [DefaultTickInterval].
func NewTicker(e *Engine, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{
		engine:   e,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Interval returns the tick period.
func (t *Ticker) Interval() time.Duration { return t.interval }

// Start runs the tick loop in a background goroutine until [Ticker.Stop] is
// called or ctx is cancelled.
func (t *Ticker) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.loop(ctx)
}

// Stop halts the loop and waits for it to exit. Safe to call multiple times.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}

func (t *Ticker) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			t.engine.Tick()
		}
	}
}
