package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPipeline_RunsAllJobs(t *testing.T) {
	t.Parallel()
	p := NewPipeline(3, 16, nil)
	defer p.Close()

	var n atomic.Int32
	for range 10 {
		if err := p.TrySubmit("test", func() { n.Add(1) }); err != nil {
			t.Fatalf("TrySubmit: %v", err)
		}
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := n.Load(); got != 10 {
		t.Errorf("ran %d jobs, want 10", got)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending = %d after Wait", p.Pending())
	}
}

func TestPipeline_RejectsWhenFull(t *testing.T) {
	t.Parallel()
	p := NewPipeline(1, 1, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.TrySubmit("block", func() { close(started); <-release }); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := p.TrySubmit("fill", func() {}); err != nil {
		t.Fatal(err)
	}
	if err := p.TrySubmit("overflow", func() {}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("TrySubmit on full queue = %v, want ErrQueueFull", err)
	}
	if got := p.Pending(); got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait with blocked worker = %v, want DeadlineExceeded", err)
	}

	close(release)
	p.Close()
	p.Close()
	if p.Accepting() {
		t.Error("Accepting after Close")
	}
	if err := p.TrySubmit("late", func() {}); !errors.Is(err, ErrPipelineClosed) {
		t.Errorf("TrySubmit after Close = %v, want ErrPipelineClosed", err)
	}
}
