// Package baseline tracks the subject's recent "normal" voice so that stress
// is measured against natural drift rather than the enrollment alone.
package baseline

import (
	"github.com/MrWong99/vocalprobe/internal/analysis"
	"github.com/MrWong99/vocalprobe/internal/ring"
)

// DefaultWindow is the number of recent signatures the tracker averages.
const DefaultWindow = 5

// Tracker is a sliding window of recent signatures. It is not safe for
// concurrent use; the session engine serialises access.
type Tracker struct {
	window *ring.Buffer[analysis.Signature]
}

// NewTracker returns a tracker averaging the last size signatures. A
// non-positive size selects [DefaultWindow].
func NewTracker(size int) *Tracker {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Tracker{window: ring.New[analysis.Signature](size)}
}

// Push adds sig to the window, evicting the oldest entry when full.
func (t *Tracker) Push(sig analysis.Signature) { t.window.Push(sig) }

// Current returns the mean of the window, or fallback when the window is
// empty. Callers pass the enrolled subject signature (or the zero signature
// before enrollment) as fallback.
func (t *Tracker) Current(fallback analysis.Signature) analysis.Signature {
	if t.window.Len() == 0 {
		return fallback
	}
	return analysis.Mean(t.window.Values())
}

// Len returns the number of signatures in the window.
func (t *Tracker) Len() int { return t.window.Len() }

// Values returns the window contents, oldest first.
func (t *Tracker) Values() []analysis.Signature { return t.window.Values() }

// Reset empties the window.
func (t *Tracker) Reset() { t.window.Reset() }
