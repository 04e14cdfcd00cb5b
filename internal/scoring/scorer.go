// Package scoring rates a subject's answer against the adaptive baseline:
// a stress factor, a deception flag for key questions and an emotional
// state estimate.
package scoring

import (
	"math"
	"math/rand/v2"

	"github.com/MrWong99/vocalprobe/internal/analysis"
)

// DefaultStressThreshold is the stress factor above which a key answer is
// flagged.
const DefaultStressThreshold = 1.5

// StressScale converts a stress factor into the displayed stress level.
const StressScale = 2.5

// Emotional state keys.
const (
	Agitation     = "Agitation"
	CognitiveLoad = "Cognitive Load"
	Hesitation    = "Hesitation"
	Confidence    = "Confidence"
)

// Expected is the answer a question anticipates.
type Expected int

const (
	ExpectYes Expected = iota
	ExpectNo
)

// String returns the verbal form of e.
func (e Expected) String() string {
	if e == ExpectNo {
		return "no"
	}
	return "yes"
}

// Question is one entry of the interrogation script.
type Question struct {
	Text     string
	Key      bool
	Expected Expected
}

// Mismatch reports whether response differs from the expected answer.
// Only the exact lowercase "yes" or "no" matches.
func (q Question) Mismatch(response string) bool {
	return response != q.Expected.String()
}

// EmotionalState maps the emotion keys to values in [0,1].
type EmotionalState map[string]float32

// Result is the analysis of one answer. The JSON keys match the session
// archive format.
type Result struct {
	AverageRms     float64        `json:"AverageRms"`
	AveragePitch   float64        `json:"AveragePitch"`
	AverageTimbre  float64        `json:"AverageTimbre"`
	StressLevel    float32        `json:"StressLevel"`
	IsDeceptive    bool           `json:"IsDeceptive"`
	EmotionalState EmotionalState `json:"EmotionalState"`
}

// Signature returns the acoustic part of r.
func (r Result) Signature() analysis.Signature {
	return analysis.Signature{RMS: r.AverageRms, Frequency: r.AveragePitch, Timbre: r.AverageTimbre}
}

// Rand is the random source behind the hesitation estimate.
type Rand interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Scorer computes answer results. It is not safe for concurrent use when
// the injected Rand is not.
type Scorer struct {
	rng Rand
}

// NewScorer returns a Scorer drawing from rng, or from math/rand/v2 when rng
// is nil.
func NewScorer(rng Rand) *Scorer {
	if rng == nil {
		rng = globalRand{}
	}
	return &Scorer{rng: rng}
}

// StressFactor returns rms/baseline.RMS, or 1 when the baseline is silent.
func StressFactor(rms float64, baseline analysis.Signature) float64 {
	if baseline.RMS == 0 {
		return 1
	}
	return rms / baseline.RMS
}

// Score rates an answer with signature sig to question q against baseline.
// Only key questions can be deceptive: either the stress factor exceeds
// threshold or the verbal response contradicts the expected answer.
func (s *Scorer) Score(q Question, response string, sig, baseline analysis.Signature, threshold float64) Result {
	factor := StressFactor(sig.RMS, baseline)
	return Result{
		AverageRms:     sig.RMS,
		AveragePitch:   sig.Frequency,
		AverageTimbre:  sig.Timbre,
		StressLevel:    float32(factor * StressScale),
		IsDeceptive:    q.Key && (factor > threshold || q.Mismatch(response)),
		EmotionalState: s.EmotionalState(sig, baseline),
	}
}

// EmotionalState estimates agitation, cognitive load, hesitation and
// confidence from the loudness and pitch ratios to baseline.
func (s *Scorer) EmotionalState(sig, baseline analysis.Signature) EmotionalState {
	rmsRatio, pitchRatio := float32(1), float32(1)
	if baseline.RMS > 0 {
		rmsRatio = float32(sig.RMS / baseline.RMS)
	}
	if baseline.Frequency > 0 {
		pitchRatio = float32(sig.Frequency / baseline.Frequency)
	}

	agitation := clamp01((rmsRatio-1)*2 + (pitchRatio - 1))
	cognitive := clamp01(float32(math.Abs(float64(1-pitchRatio))) * 1.5)
	return EmotionalState{
		Agitation:     agitation,
		CognitiveLoad: cognitive,
		Hesitation:    clamp01(float32(s.rng.Float64()) * agitation * 0.5),
		Confidence:    clamp01(1 - cognitive*0.8),
	}
}

func clamp01(v float32) float32 {
	return max(0, min(1, v))
}
