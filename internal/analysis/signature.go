// Package analysis extracts acoustic features from raw 16-bit PCM buffers.
//
// The [Analyzer] turns a buffer into a [Signature]: loudness (RMS), the
// dominant frequency and the spectral centroid of a Hann-windowed FFT. It
// also scans answer buffers for abrupt pitch reversals ("micro-expressions").
//
// Everything in this package is pure and safe for concurrent use.
package analysis

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Signature summarises a voice segment: loudness, fundamental frequency and
// spectral centroid (timbre). A zero RMS marks a signature that has not been
// calibrated yet.
//
// The JSON keys match the session archive format.
type Signature struct {
	RMS       float64 `json:"AverageRms"`
	Frequency float64 `json:"AverageFrequency"`
	Timbre    float64 `json:"AverageTimbre"`
}

// Enrolled reports whether s holds a calibrated voiceprint.
func (s Signature) Enrolled() bool { return s.RMS > 0 }

// String implements fmt.Stringer.
func (s Signature) String() string {
	return fmt.Sprintf("rms=%.4f f0=%.1fHz centroid=%.1fHz", s.RMS, s.Frequency, s.Timbre)
}

// Mean returns the element-wise mean of sigs, or the zero signature when sigs
// is empty.
func Mean(sigs []Signature) Signature {
	if len(sigs) == 0 {
		return Signature{}
	}
	rms := make([]float64, len(sigs))
	freq := make([]float64, len(sigs))
	timbre := make([]float64, len(sigs))
	for i, s := range sigs {
		rms[i], freq[i], timbre[i] = s.RMS, s.Frequency, s.Timbre
	}
	return Signature{
		RMS:       stat.Mean(rms, nil),
		Frequency: stat.Mean(freq, nil),
		Timbre:    stat.Mean(timbre, nil),
	}
}
