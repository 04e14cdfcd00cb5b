package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/vocalprobe/internal/observe"
)

// ErrQueueFull is returned by [Pipeline.TrySubmit] when the queue has no
// free slot.
var ErrQueueFull = errors.New("session: analysis queue full")

// Default pipeline sizing.
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64
)

type job struct {
	kind string
	fn   func()
}

// Pipeline runs analysis jobs on a fixed set of workers behind a bounded
// queue. Submission never blocks: a full queue rejects the job.
//
// All methods are safe for concurrent use.
type Pipeline struct {
	jobs    chan job
	metrics *observe.Metrics
	workers sync.WaitGroup
	pending waitCounter

	mu     sync.RWMutex
	closed bool

	warnOnce sync.Once
}

// NewPipeline starts workers goroutines consuming a queue of queueSize jobs.
// Non-positive values select [DefaultWorkers] and [DefaultQueueSize]. A nil
// metrics uses [observe.DefaultMetrics].
func NewPipeline(workers, queueSize int, metrics *observe.Metrics) *Pipeline {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	p := &Pipeline{
		jobs:    make(chan job, queueSize),
		metrics: metrics,
	}
	p.workers.Add(workers)
	for range workers {
		go p.work()
	}
	return p
}

func (p *Pipeline) work() {
	defer p.workers.Done()
	for j := range p.jobs {
		j.fn()
		p.pending.add(-1)
	}
}

// TrySubmit queues fn. It returns [ErrQueueFull] when the queue is full and
// [ErrPipelineClosed] after [Pipeline.Close]. The first rejection because of
// a full queue is logged; every one is counted in the dropped metric.
func (p *Pipeline) TrySubmit(kind string, fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPipelineClosed
	}

	p.pending.add(1)
	select {
	case p.jobs <- job{kind: kind, fn: fn}:
		return nil
	default:
		p.pending.add(-1)
		p.metrics.RecordDropped(context.Background(), kind)
		p.warnOnce.Do(func() {
			slog.Warn("analysis queue full, dropping audio buffers",
				"kind", kind,
				"queue_size", cap(p.jobs),
			)
		})
		return ErrQueueFull
	}
}

// Pending returns the number of queued or running jobs.
func (p *Pipeline) Pending() int { return p.pending.count() }

// Accepting reports whether the pipeline takes new jobs.
func (p *Pipeline) Accepting() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed
}

// Wait blocks until every submitted job has finished or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error { return p.pending.wait(ctx) }

// Close stops accepting jobs, lets the workers drain the queue and waits for
// them to exit. Safe to call multiple times.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.workers.Wait()
}

// waitCounter is a counter whose zero crossings can be awaited with a
// context.
type waitCounter struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func (w *waitCounter) add(delta int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n == 0 && delta > 0 {
		w.zero = make(chan struct{})
	}
	w.n += delta
	if w.n == 0 && w.zero != nil {
		close(w.zero)
		w.zero = nil
	}
}

func (w *waitCounter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func (w *waitCounter) wait(ctx context.Context) error {
	w.mu.Lock()
	if w.n == 0 {
		w.mu.Unlock()
		return nil
	}
	ch := w.zero
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
