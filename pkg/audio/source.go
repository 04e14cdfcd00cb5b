package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Source produces captured audio frames. Frames is closed when the source is
// exhausted or closed.
type Source interface {
	Frames() <-chan AudioFrame
	Close() error
}

// FrameReader splits a raw PCM byte stream into fixed-size frames.
type FrameReader struct {
	r          io.Reader
	format     Format
	frameBytes int
	elapsed    time.Duration
}

// NewFrameReader returns a reader that yields frames of frameBytes bytes in
// the given format. frameBytes is rounded down to a whole sample frame.
func NewFrameReader(r io.Reader, f Format, frameBytes int) *FrameReader {
	align := BytesPerSample * max(f.Channels, 1)
	frameBytes -= frameBytes % align
	if frameBytes <= 0 {
		frameBytes = align
	}
	return &FrameReader{r: r, format: f, frameBytes: frameBytes}
}

// Next returns the next frame. The last frame may be shorter than the frame
// size. It returns io.EOF once the stream is exhausted.
func (fr *FrameReader) Next() (AudioFrame, error) {
	buf := make([]byte, fr.frameBytes)
	n, err := io.ReadFull(fr.r, buf)
	if n > 0 {
		frame := AudioFrame{
			Data:       buf[:n],
			SampleRate: fr.format.SampleRate,
			Channels:   fr.format.Channels,
			Timestamp:  fr.elapsed,
		}
		fr.elapsed += fr.format.Duration(n)
		return frame, nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return AudioFrame{}, fmt.Errorf("audio: read frame: %w", err)
	}
	return AudioFrame{}, io.EOF
}

// ReaderSource is a [Source] that replays a PCM stream. When Pace is true,
// frames are released in real time rather than as fast as they can be read.
type ReaderSource struct {
	frames chan AudioFrame
	done   chan struct{}
	once   sync.Once
	closer io.Closer
}

var _ Source = (*ReaderSource)(nil)

// NewReaderSource starts reading r in the background. If r is an io.Closer it
// is closed by [ReaderSource.Close].
func NewReaderSource(ctx context.Context, r io.Reader, f Format, frameBytes int, pace bool) *ReaderSource {
	s := &ReaderSource{
		frames: make(chan AudioFrame, 16),
		done:   make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	go s.run(ctx, NewFrameReader(r, f, frameBytes), pace)
	return s
}

// Frames implements [Source].
func (s *ReaderSource) Frames() <-chan AudioFrame { return s.frames }

// Close stops the reader. It is safe to call more than once.
func (s *ReaderSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

func (s *ReaderSource) run(ctx context.Context, fr *FrameReader, pace bool) {
	defer close(s.frames)
	for {
		frame, err := fr.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("audio source: read failed", "error", err)
			}
			return
		}
		if pace {
			if !sleep(ctx, s.done, frame.Duration()) {
				return
			}
		}
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// sleep waits for d and reports false if ctx or done fired first.
func sleep(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-done:
		return false
	}
}
