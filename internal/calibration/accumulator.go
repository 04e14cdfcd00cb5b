// Package calibration averages a fixed number of analysed samples into an
// enrolled voice signature.
package calibration

import (
	"gonum.org/v1/gonum/stat"

	"github.com/MrWong99/vocalprobe/internal/analysis"
)

// TargetSamples is the number of samples averaged into one signature.
const TargetSamples = 50

// Fallback holds the per-feature values used when no reading was collected
// for a feature.
var Fallback = analysis.Signature{RMS: 0.01, Frequency: 150, Timbre: 1500}

// Progress reports the state of an [Accumulator] after a sample was added.
type Progress struct {
	// Count is the number of samples collected so far in this run.
	Count int
	// Percent is Count*100/target.
	Percent int
	// Done is set when the target was reached. Signature then holds the
	// averaged result and the accumulator has been reset.
	Done      bool
	Signature analysis.Signature
}

// Accumulator collects per-feature readings until a target count is reached.
// It is not safe for concurrent use.
type Accumulator struct {
	target int
	rms    []float64
	freq   []float64
	timbre []float64
}

// NewAccumulator returns an accumulator averaging target samples. A
// non-positive target selects [TargetSamples].
func NewAccumulator(target int) *Accumulator {
	if target <= 0 {
		target = TargetSamples
	}
	return &Accumulator{target: target}
}

// Target returns the number of samples per signature.
func (a *Accumulator) Target() int { return a.target }

// Count returns the number of samples collected so far.
func (a *Accumulator) Count() int { return len(a.rms) }

// Add records sig. When the target is reached the averaged signature is
// returned in the progress and the readings are cleared.
func (a *Accumulator) Add(sig analysis.Signature) Progress {
	a.rms = append(a.rms, sig.RMS)
	a.freq = append(a.freq, sig.Frequency)
	a.timbre = append(a.timbre, sig.Timbre)

	p := Progress{Count: len(a.rms), Percent: len(a.rms) * 100 / a.target}
	if p.Count < a.target {
		return p
	}
	p.Done = true
	p.Signature = analysis.Signature{
		RMS:       meanOr(a.rms, Fallback.RMS),
		Frequency: meanOr(a.freq, Fallback.Frequency),
		Timbre:    meanOr(a.timbre, Fallback.Timbre),
	}
	a.Reset()
	return p
}

// Reset discards all readings.
func (a *Accumulator) Reset() {
	a.rms = a.rms[:0]
	a.freq = a.freq[:0]
	a.timbre = a.timbre[:0]
}

func meanOr(xs []float64, fallback float64) float64 {
	if len(xs) == 0 {
		return fallback
	}
	return stat.Mean(xs, nil)
}
