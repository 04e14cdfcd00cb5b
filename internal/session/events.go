package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/vocalprobe/internal/analysis"
	"github.com/MrWong99/vocalprobe/internal/scoring"
	"github.com/MrWong99/vocalprobe/internal/speaker"
)

// EventKind classifies an [Event].
type EventKind int

const (
	// EventDataUpdate carries the live stress level, spectrum and emotional
	// state. Emitted on every tick.
	EventDataUpdate EventKind = iota + 1

	// EventStateChange carries a status message and its color.
	EventStateChange

	// EventCalibrationComplete carries the role and the enrolled signature.
	EventCalibrationComplete

	// EventMicroExpression carries the description of a pitch reversal.
	EventMicroExpression

	// EventLogged carries a new entry of the session event log.
	EventLogged
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventDataUpdate:
		return "data-update"
	case EventStateChange:
		return "state-change"
	case EventCalibrationComplete:
		return "calibration-complete"
	case EventMicroExpression:
		return "micro-expression"
	case EventLogged:
		return "event-logged"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(text []byte) error {
	for v := EventDataUpdate; v <= EventLogged; v++ {
		if v.String() == string(text) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("session: unknown event kind %q", text)
}

// LiveData is the most recent live analysis of the subject's voice.
type LiveData struct {
	StressLevel    float32                `json:"stress_level"`
	Spectrum       []float64              `json:"spectrum,omitempty"`
	EmotionalState scoring.EmotionalState `json:"emotional_state,omitempty"`
}

// Event is a notification from the [Engine]. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind      EventKind           `json:"kind"`
	SessionID string              `json:"session_id,omitempty"`
	Time      time.Time           `json:"time"`
	State     State               `json:"state"`
	Message   string              `json:"message,omitempty"`
	Color     string              `json:"color,omitempty"`
	Role      speaker.Type        `json:"role,omitempty"`
	Signature *analysis.Signature `json:"signature,omitempty"`
	Data      *LiveData           `json:"data,omitempty"`
	Log       *EventLogItem       `json:"log,omitempty"`
}

// Observer receives engine events. Notify runs on the goroutine that caused
// the event, in production order, and must not call back into the [Engine].
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(Event)

// Notify implements [Observer].
func (f ObserverFunc) Notify(ev Event) { f(ev) }

// ChanObserver forwards events to a buffered channel. When the channel is
// full the event is dropped and counted, so a slow reader never stalls the
// engine.
type ChanObserver struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped int
}

// NewChanObserver returns a ChanObserver buffering up to size events.
func NewChanObserver(size int) *ChanObserver {
	return &ChanObserver{ch: make(chan Event, max(size, 1))}
}

// C returns the event channel. It is closed by [ChanObserver.Close].
func (c *ChanObserver) C() <-chan Event { return c.ch }

// Notify implements [Observer].
func (c *ChanObserver) Notify(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- ev:
	default:
		c.dropped++
	}
}

// Dropped returns the number of events discarded because the buffer was
// full.
func (c *ChanObserver) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close closes the channel. Safe to call multiple times.
func (c *ChanObserver) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// observerSet is an ordered registry of observers.
type observerSet struct {
	mu      sync.Mutex
	nextID  int
	entries []observerEntry
}

type observerEntry struct {
	id  int
	obs Observer
}

func (s *observerSet) add(o Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, observerEntry{id: id, obs: o})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.entries {
				if e.id == id {
					s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *observerSet) list() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Observer, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.obs
	}
	return out
}
