// Package speaker tells the enrolled questioner and subject apart by the
// relative distance of a voice segment to each enrolled signature.
package speaker

import (
	"fmt"

	"github.com/MrWong99/vocalprobe/internal/analysis"
)

// Feature weights of the distance score.
const (
	WeightRMS    = 0.2
	WeightPitch  = 0.4
	WeightTimbre = 0.4
)

// Type identifies who is speaking.
type Type int

const (
	Unknown Type = iota
	Questioner
	Subject
)

// String returns the display name of the speaker type.
func (t Type) String() string {
	switch t {
	case Questioner:
		return "Questioner"
	case Subject:
		return "Subject"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	for v := Unknown; v <= Subject; v++ {
		if v.String() == string(text) {
			*t = v
			return nil
		}
	}
	return fmt.Errorf("speaker: unknown type %q", text)
}

// ConfidencePair holds how strongly one feature points at each speaker.
// The two values sum to one.
type ConfidencePair struct {
	Questioner float64 `json:"questioner"`
	Subject    float64 `json:"subject"`
}

// Identification is the outcome of [Identify].
type Identification struct {
	Speaker    Type           `json:"speaker"`
	Confidence float64        `json:"confidence"`
	RMS        ConfidencePair `json:"rms"`
	Pitch      ConfidencePair `json:"pitch"`
	Timbre     ConfidencePair `json:"timbre"`
}

// Difference returns |x-target|/target, or 0 when target is not positive.
func Difference(x, target float64) float64 {
	if target <= 0 {
		return 0
	}
	d := x - target
	if d < 0 {
		d = -d
	}
	return d / target
}

// Score returns the weighted relative distance of candidate to enrolled.
func Score(candidate, enrolled analysis.Signature) float64 {
	return WeightRMS*Difference(candidate.RMS, enrolled.RMS) +
		WeightPitch*Difference(candidate.Frequency, enrolled.Frequency) +
		WeightTimbre*Difference(candidate.Timbre, enrolled.Timbre)
}

// Identify classifies candidate as the questioner or the subject. It returns
// an Unknown identification with zero confidence while the questioner is not
// enrolled. Equal scores favour the questioner.
func Identify(candidate, questioner, subject analysis.Signature) Identification {
	if !questioner.Enrolled() {
		return Identification{}
	}
	q := Score(candidate, questioner)
	s := Score(candidate, subject)

	id := Identification{
		Speaker:    Questioner,
		Confidence: 1,
		RMS:        pair(Difference(candidate.RMS, questioner.RMS), Difference(candidate.RMS, subject.RMS)),
		Pitch:      pair(Difference(candidate.Frequency, questioner.Frequency), Difference(candidate.Frequency, subject.Frequency)),
		Timbre:     pair(Difference(candidate.Timbre, questioner.Timbre), Difference(candidate.Timbre, subject.Timbre)),
	}
	if s < q {
		id.Speaker = Subject
	}
	if total := q + s; total > 0 {
		id.Confidence = 1 - min(q, s)/total
	}
	return id
}

func pair(dq, ds float64) ConfidencePair {
	total := dq + ds
	if total == 0 {
		return ConfidencePair{Questioner: 0.5, Subject: 0.5}
	}
	return ConfidencePair{Questioner: 1 - dq/total, Subject: 1 - ds/total}
}
