package analysis

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/MrWong99/vocalprobe/pkg/audio"
)

// DefaultSampleRate is the analysis sample rate used when none is configured.
const DefaultSampleRate = 16000

// Analyzer computes acoustic features for mono 16-bit little-endian PCM at a
// fixed sample rate. It holds no mutable state.
type Analyzer struct {
	sampleRate int
}

// NewAnalyzer returns an Analyzer for the given sample rate. Non-positive
// rates fall back to [DefaultSampleRate].
func NewAnalyzer(sampleRate int) *Analyzer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Analyzer{sampleRate: sampleRate}
}

// SampleRate returns the rate the analyzer interprets buffers at.
func (a *Analyzer) SampleRate() int { return a.sampleRate }

// Analyze extracts the signature of pcm. Buffers shorter than one sample
// yield the zero signature; a single sample yields RMS only.
func (a *Analyzer) Analyze(pcm []byte) Signature {
	samples := audio.Samples(pcm)
	if len(samples) == 0 {
		return Signature{}
	}
	sig := Signature{RMS: rms(samples)}

	mags := a.magnitudes(samples)
	if mags == nil {
		return sig
	}
	sig.Frequency, sig.Timbre = a.features(mags)
	return sig
}

// Spectrum returns the magnitude of every bin from DC to Nyquist of the
// windowed FFT of pcm, or nil when pcm holds fewer than two samples.
func (a *Analyzer) Spectrum(pcm []byte) []float64 {
	return a.magnitudes(audio.Samples(pcm))
}

// FFTSize returns the largest power of two not exceeding samples, with a
// minimum of 2.
func FFTSize(samples int) int {
	n := 2
	for n*2 <= samples {
		n *= 2
	}
	return n
}

func rms(samples []float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// magnitudes windows the leading FFTSize samples and returns |X[k]| for
// k in [0, N/2].
func (a *Analyzer) magnitudes(samples []float64) []float64 {
	if len(samples) < 2 {
		return nil
	}
	n := FFTSize(len(samples))
	seq := window.Hann(append([]float64(nil), samples[:n]...))
	coeffs := fourier.NewFFT(n).Coefficients(nil, seq)

	mags := make([]float64, len(coeffs))
	for i, c := range coeffs {
		mags[i] = cmplx.Abs(c)
	}
	return mags
}

// features derives the fundamental frequency and the spectral centroid from
// the bins 1..N/2-1 of a magnitude spectrum.
func (a *Analyzer) features(mags []float64) (fundamental, centroid float64) {
	n := (len(mags) - 1) * 2
	binHz := float64(a.sampleRate) / float64(n)

	var (
		peak     float64
		peakIdx  int
		weighted float64
		total    float64
	)
	for i := 1; i < n/2; i++ {
		m := mags[i]
		if m > peak {
			peak = m
			peakIdx = i
		}
		weighted += float64(i) * binHz * m
		total += m
	}

	fundamental = float64(peakIdx) * binHz
	if total > 0 {
		centroid = weighted / total
	}
	return fundamental, centroid
}
