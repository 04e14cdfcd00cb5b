package audio_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/vocalprobe/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestInt16sRoundTrip(t *testing.T) {
	t.Parallel()
	want := []int16{0, 1, -1, 32767, -32768, 1234}
	got := audio.Int16s(audio.Bytes(want))
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestInt16s_IgnoresTrailingByte(t *testing.T) {
	t.Parallel()
	pcm := append(samplesToBytes([]int16{7, 8}), 0xff)
	if got := audio.Int16s(pcm); len(got) != 2 {
		t.Fatalf("got %d samples, want 2", len(got))
	}
}

func TestSamples_Normalised(t *testing.T) {
	t.Parallel()
	got := audio.Samples(samplesToBytes([]int16{-32768, 0, 16384}))
	want := []float64{-1, 0, 0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{"stereo", []int16{100, 200, -100, -200}, 2, []int16{150, -150}},
		{"stereo clamp", []int16{32767, 32767}, 2, []int16{32767}},
		{"three channels", []int16{30, 60, 90}, 3, []int16{60}},
		{"mono passthrough", []int16{5, 6}, 1, []int16{5, 6}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Downmix(tc.in, tc.channels)
			if len(got) != len(tc.want) {
				t.Fatalf("length: got %d, want %d", len(got), len(tc.want))
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestResample_Length(t *testing.T) {
	t.Parallel()
	in := make([]int16, 480)
	if got := audio.Resample(in, 48000, 16000); len(got) != 160 {
		t.Errorf("48k->16k: got %d samples, want 160", len(got))
	}
	if got := audio.Resample(in, 16000, 16000); len(got) != 480 {
		t.Errorf("same rate: got %d samples, want 480", len(got))
	}
	if got := audio.Resample(in, 0, 16000); len(got) != 480 {
		t.Errorf("invalid rate: got %d samples, want input unchanged", len(got))
	}
}

func TestResample_Interpolates(t *testing.T) {
	t.Parallel()
	got := audio.Resample([]int16{0, 100, 200, 300}, 2, 4)
	want := []int16{0, 50, 100, 150, 200, 250, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestConverter_FastPath(t *testing.T) {
	t.Parallel()
	c := audio.Converter{Target: audio.Mono(16000)}
	frame := audio.AudioFrame{Data: samplesToBytes([]int16{1, 2, 3}), SampleRate: 16000, Channels: 1}
	got := c.Convert(frame)
	if &got.Data[0] != &frame.Data[0] {
		t.Error("expected matching format to return the same buffer")
	}
}

func TestConverter_StereoCaptureToAnalysis(t *testing.T) {
	t.Parallel()
	c := audio.Converter{Target: audio.Mono(16000)}
	stereo := make([]int16, 0, 96)
	for range 48 {
		stereo = append(stereo, 1000, 3000)
	}
	got := c.Convert(audio.AudioFrame{Data: samplesToBytes(stereo), SampleRate: 48000, Channels: 2, Timestamp: time.Second})

	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Fatalf("format: got %dHz/%dch, want 16000Hz/1ch", got.SampleRate, got.Channels)
	}
	if got.Timestamp != time.Second {
		t.Errorf("timestamp: got %v, want 1s", got.Timestamp)
	}
	samples := bytesToSamples(got.Data)
	if len(samples) != 16 {
		t.Fatalf("samples: got %d, want 16", len(samples))
	}
	for i, s := range samples {
		if s != 2000 {
			t.Errorf("sample %d: got %d, want 2000", i, s)
		}
	}
}

func TestConverter_DropsPartialFrames(t *testing.T) {
	t.Parallel()
	c := audio.Converter{Target: audio.Mono(16000)}
	got := c.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if got.Data != nil {
		t.Errorf("expected nil data for odd byte count, got %d bytes", len(got.Data))
	}
}

func TestConvertStream(t *testing.T) {
	t.Parallel()
	in := make(chan audio.AudioFrame, 3)
	in <- audio.AudioFrame{Data: samplesToBytes([]int16{10, 30}), SampleRate: 16000, Channels: 2}
	in <- audio.AudioFrame{Data: []byte{1}, SampleRate: 16000, Channels: 1}
	in <- audio.AudioFrame{Data: samplesToBytes([]int16{5}), SampleRate: 16000, Channels: 1}
	close(in)

	var got []audio.AudioFrame
	for f := range audio.ConvertStream(context.Background(), in, audio.Mono(16000)) {
		got = append(got, f)
	}
	if len(got) != 2 {
		t.Fatalf("frames: got %d, want 2 (corrupt frame dropped)", len(got))
	}
	if s := bytesToSamples(got[0].Data); len(s) != 1 || s[0] != 20 {
		t.Errorf("first frame: got %v, want [20]", s)
	}
}

func TestFormat_Duration(t *testing.T) {
	t.Parallel()
	if got := audio.Mono(16000).Duration(32000); got != time.Second {
		t.Errorf("mono: got %v, want 1s", got)
	}
	if got := (audio.Format{SampleRate: 48000, Channels: 2}).Duration(1920); got != 10*time.Millisecond {
		t.Errorf("stereo: got %v, want 10ms", got)
	}
	if got := (audio.Format{}).Duration(100); got != 0 {
		t.Errorf("zero format: got %v, want 0", got)
	}
}
