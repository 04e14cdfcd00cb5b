// Package mock provides an in-memory implementation of [audio.Source] for use
// in unit tests.
//
// The mock is safe for concurrent use. It records Close calls so that tests
// can assert on them, and exposes an exported field the test can set to
// control the return value.
//
// Typical usage:
//
//	src := mock.NewSource(4)
//	src.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//	src.Finish()
//	for frame := range src.Frames() { … }
package mock

import (
	"sync"

	"github.com/MrWong99/vocalprobe/pkg/audio"
)

// Source is a mock implementation of [audio.Source] backed by a buffered
// channel. Frames are delivered in the order they were pushed.
type Source struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	closed bool

	// CloseError is returned by [Source.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Pushed records every frame accepted by Push.
	Pushed []audio.AudioFrame
}

var _ audio.Source = (*Source)(nil)

// NewSource creates a Source whose channel buffers up to capacity frames.
func NewSource(capacity int) *Source {
	return &Source{frames: make(chan audio.AudioFrame, capacity)}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame { return s.frames }

// Push enqueues a frame. It blocks when the buffer is full and reports false
// if the source has already been finished.
func (s *Source) Push(frame audio.AudioFrame) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.Pushed = append(s.Pushed, frame)
	s.mu.Unlock()
	s.frames <- frame
	return true
}

// Finish closes the frame channel without counting as a Close call.
func (s *Source) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Close implements [audio.Source]. Returns CloseError.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	err := s.CloseError
	s.mu.Unlock()
	s.Finish()
	return err
}
