// Package audio holds the PCM plumbing shared by capture, ingest, and
// analysis: frame types, 16-bit sample decoding, format conversion, and
// readers that turn a raw byte stream into frames.
//
// All PCM handled here is signed 16-bit little-endian, interleaved when more
// than one channel is present.
package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// AudioFrame is one captured block of PCM flowing from a [Source] into the
// analysis pipeline.
type AudioFrame struct {
	// Data is the raw PCM payload.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for analysis, 44100 or 48000 for capture).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Frames with an unknown
// rate or channel count report zero.
func (f AudioFrame) Duration() time.Duration {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}.Duration(len(f.Data))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono returns a single-channel format at the given rate.
func Mono(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1}
}

// Duration returns how long n bytes of PCM in this format play for.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / (BytesPerSample * f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	switch {
	case f.Channels == 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}
