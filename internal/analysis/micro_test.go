package analysis_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/vocalprobe/internal/analysis"
)

func TestFindPitchReversal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		pitches []float64
		wantIdx int
		wantOK  bool
	}{
		{"peak", []float64{100, 140, 95}, 1, true},
		{"valley", []float64{200, 150, 190}, 1, true},
		{"monotonic rise", []float64{100, 140, 180}, 0, false},
		{"jump too small", []float64{100, 125, 90}, 0, false},
		{"flat after jump", []float64{100, 140, 140}, 1, true},
		{"too few pitches", []float64{100, 200}, 0, false},
		{"first match wins", []float64{100, 100, 140, 90, 150, 80}, 2, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			idx, ok := analysis.FindPitchReversal(tc.pitches)
			if idx != tc.wantIdx || ok != tc.wantOK {
				t.Errorf("FindPitchReversal(%v) = (%d, %v), want (%d, %v)", tc.pitches, idx, ok, tc.wantIdx, tc.wantOK)
			}
		})
	}
}

func TestChunkPitches_DropsShortTail(t *testing.T) {
	t.Parallel()
	a := analysis.NewAnalyzer(16000)
	pcm := append(tone(1000, 0.5, 1024, 16000), tone(1000, 0.5, 255, 16000)...)
	if got := a.ChunkPitches(pcm); len(got) != 2 {
		t.Fatalf("pitches = %v, want 2 entries", got)
	}
	// A 512-byte tail is long enough to be analysed.
	pcm = append(tone(1000, 0.5, 512, 16000), tone(1000, 0.5, 256, 16000)...)
	if got := a.ChunkPitches(pcm); len(got) != 2 {
		t.Fatalf("pitches = %v, want 2 entries", got)
	}
}

func TestDetectMicroExpression_Tones(t *testing.T) {
	t.Parallel()
	a := analysis.NewAnalyzer(16000)
	// 512-sample chunks at 16 kHz have 31.25 Hz bins: 125 Hz is bin 4 and
	// 250 Hz is bin 8.
	var pcm []byte
	for _, f := range []float64{125, 250, 125} {
		pcm = append(pcm, tone(f, 0.5, 512, 16000)...)
	}
	if got, want := a.ChunkPitches(pcm), []float64{125, 250, 125}; !slices.Equal(got, want) {
		t.Fatalf("ChunkPitches = %v, want %v", got, want)
	}

	m, ok := a.DetectMicroExpression(pcm)
	if !ok {
		t.Fatal("expected a micro-expression")
	}
	if m.Chunk != 1 {
		t.Errorf("Chunk = %d, want 1", m.Chunk)
	}
	if m.Offset != 64*time.Millisecond {
		t.Errorf("Offset = %v, want 64ms", m.Offset)
	}
	if want := "Sudden pitch instability detected at 0.06s"; m.Description != want {
		t.Errorf("Description = %q, want %q", m.Description, want)
	}
}

func TestDetectMicroExpression_SteadyTone(t *testing.T) {
	t.Parallel()
	a := analysis.NewAnalyzer(16000)
	if _, ok := a.DetectMicroExpression(tone(250, 0.5, 4096, 16000)); ok {
		t.Error("steady tone should not report a micro-expression")
	}
	if _, ok := a.DetectMicroExpression(nil); ok {
		t.Error("empty buffer should not report a micro-expression")
	}
}
