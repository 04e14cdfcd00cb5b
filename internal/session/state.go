// Package session drives one interrogation: voice calibration of both
// speakers, the scripted questions, per-answer scoring and the final
// verdict.
//
// The central type is [Engine], a finite-state machine that moves strictly
// forward through [Idle], [CalibratingQuestioner], [CalibratingSubject],
// [InProgress] and [Finished]. Buffers are analysed off the engine lock,
// either synchronously or on a bounded [Pipeline], and applied only if the
// phase they were submitted in is still current. Every observable change is
// published as an [Event] to the registered [Observer]s.
package session

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the [Engine].
var (
	// ErrNoSession is returned when an operation needs a started or loaded
	// session.
	ErrNoSession = errors.New("session: no session")

	// ErrReviewMode is returned when an operation would modify a session
	// loaded for review.
	ErrReviewMode = errors.New("session: session is in review mode")

	// ErrNotFinished is returned when replaying an answer of a session that
	// has not ended.
	ErrNotFinished = errors.New("session: session has not ended")

	// ErrNoAnswer is returned for an answer index outside the record.
	ErrNoAnswer = errors.New("session: no such answer")

	// ErrPipelineClosed is returned when work is submitted to a closed
	// [Pipeline].
	ErrPipelineClosed = errors.New("session: pipeline closed")
)

// State is the phase of the session state machine.
type State int

const (
	Idle State = iota
	CalibratingQuestioner
	CalibratingSubject
	InProgress
	Finished
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case CalibratingQuestioner:
		return "CalibratingQuestioner"
	case CalibratingSubject:
		return "CalibratingSubject"
	case InProgress:
		return "InProgress"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for v := Idle; v <= Finished; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", text)
}

// Calibrating reports whether s is one of the two calibration phases.
func (s State) Calibrating() bool {
	return s == CalibratingQuestioner || s == CalibratingSubject
}

// Active reports whether a live session is running in s.
func (s State) Active() bool { return s.Calibrating() || s == InProgress }

// Verdict is the final classification of a session. It is archived as its
// integer value.
type Verdict int

const (
	Truthful Verdict = iota
	Deceptive
	Inconclusive
)

// String returns the upper-case verdict label.
func (v Verdict) String() string {
	switch v {
	case Truthful:
		return "TRUTHFUL"
	case Deceptive:
		return "DECEPTIVE"
	case Inconclusive:
		return "INCONCLUSIVE"
	default:
		return "UNKNOWN"
	}
}

// Color returns the display color of the verdict.
func (v Verdict) Color() string {
	switch v {
	case Truthful:
		return ColorTruth
	case Deceptive:
		return ColorStress
	default:
		return ColorYellow
	}
}

// Classify returns the verdict for the given number of deceptive key answers
// and micro-expressions out of keyQuestions key questions.
func Classify(spikes, micro, keyQuestions int) Verdict {
	switch {
	case spikes > keyQuestions/2:
		return Deceptive
	case spikes > 0 || micro > keyQuestions:
		return Inconclusive
	default:
		return Truthful
	}
}

// Display colors carried by events and log items.
const (
	ColorWhite     = "#FFFFFF"
	ColorOrange    = "#FFA500"
	ColorCyan      = "#00FFFF"
	ColorGray      = "#808080"
	ColorMagenta   = "#FF00FF"
	ColorLimeGreen = "#32CD32"
	ColorTruth     = "#00FF96"
	ColorStress    = "#FF3232"
	ColorYellow    = "#FFFF00"
)
