package audio

import (
	"context"
	"log/slog"
	"sync"
)

// Converter brings captured frames into the analysis format: it resamples to
// the target rate and downmixes to the target channel count. It logs a
// warning on the first format mismatch and on the first corrupt frame.
// Target.Channels is expected to be 1. Create one per stream; not designed
// for shared use across goroutines.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned unchanged. Frames whose byte count does not divide into
// whole sample frames come back with nil Data.
func (c *Converter) Convert(frame AudioFrame) AudioFrame {
	channels := max(frame.Channels, 1)
	if len(frame.Data)%(BytesPerSample*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: partial sample frame in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"format", Format{SampleRate: frame.SampleRate, Channels: channels},
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && channels == c.Target.Channels {
		return frame
	}

	src := Format{SampleRate: frame.SampleRate, Channels: channels}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting", "from", src, "to", c.Target)
	})

	samples := Int16s(frame.Data)
	// Downmix before resampling so the resampler only sees one channel.
	if channels != c.Target.Channels && c.Target.Channels == 1 {
		samples = Downmix(samples, channels)
		channels = 1
	}
	if channels == 1 && frame.SampleRate != c.Target.SampleRate {
		samples = Resample(samples, frame.SampleRate, c.Target.SampleRate)
	}

	return AudioFrame{
		Data:       Bytes(samples),
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertStream wraps in with a conversion goroutine. The returned channel is
// closed when in closes or ctx is done. Frames that convert to no data are
// dropped.
func ConvertStream(ctx context.Context, in <-chan AudioFrame, target Format) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		conv := Converter{Target: target}
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-in:
				if !ok {
					return
				}
				converted := conv.Convert(frame)
				if len(converted.Data) == 0 {
					continue
				}
				select {
				case out <- converted:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Downmix averages interleaved multi-channel samples into mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int64
		for ch := range channels {
			sum += int64(samples[i*channels+ch])
		}
		out[i] = clamp16(sum / int64(channels))
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate with linear
// interpolation. Invalid rates return the input unchanged.
func Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	step := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := float64(samples[idx])
		s1 := s0
		if idx+1 < len(samples) {
			s1 = float64(samples[idx+1])
		}
		out[i] = int16(s0*(1-frac) + s1*frac)
	}
	return out
}
