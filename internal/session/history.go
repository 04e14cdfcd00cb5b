package session

import "github.com/MrWong99/vocalprobe/internal/ring"

// HistoryPoints is the number of points kept per history chart.
const HistoryPoints = 150

// DataPoint is one sample of a history chart.
type DataPoint struct {
	Value    float32 `json:"value"`
	Stressed bool    `json:"stressed,omitempty"`
}

// HistorySnapshot is a copy of the three history charts, oldest point first.
type HistorySnapshot struct {
	Stress []DataPoint `json:"stress"`
	Pitch  []DataPoint `json:"pitch"`
	Timbre []DataPoint `json:"timbre"`
}

// History holds the stress, pitch and timbre charts as bounded rings.
type History struct {
	stress *ring.Buffer[DataPoint]
	pitch  *ring.Buffer[DataPoint]
	timbre *ring.Buffer[DataPoint]
}

// NewHistory returns empty charts of size points each.
func NewHistory(size int) *History {
	if size <= 0 {
		size = HistoryPoints
	}
	return &History{
		stress: ring.New[DataPoint](size),
		pitch:  ring.New[DataPoint](size),
		timbre: ring.New[DataPoint](size),
	}
}

// Append adds one point to each chart.
func (h *History) Append(stress, pitch, timbre DataPoint) {
	h.stress.Push(stress)
	h.pitch.Push(pitch)
	h.timbre.Push(timbre)
}

// Cap returns the number of points each chart holds.
func (h *History) Cap() int { return h.stress.Cap() }

// Len returns the number of points per chart.
func (h *History) Len() int { return h.stress.Len() }

// Reset clears all charts.
func (h *History) Reset() {
	h.stress.Reset()
	h.pitch.Reset()
	h.timbre.Reset()
}

// Snapshot copies the charts.
func (h *History) Snapshot() HistorySnapshot {
	return HistorySnapshot{
		Stress: h.stress.Values(),
		Pitch:  h.pitch.Values(),
		Timbre: h.timbre.Values(),
	}
}
