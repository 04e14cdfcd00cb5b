package analysis

import (
	"fmt"
	"math"
	"time"
)

const (
	// MicroChunkBytes is the chunk size an answer buffer is split into for
	// pitch tracking.
	MicroChunkBytes = 1024

	// MicroMinChunkBytes is the smallest trailing chunk still analysed.
	MicroMinChunkBytes = 512

	// MicroPitchJumpHz is the pitch change a reversal must exceed.
	MicroPitchJumpHz = 25.0
)

// MicroExpression is an abrupt pitch reversal within an answer.
type MicroExpression struct {
	// Chunk is the index of the chunk at the reversal's apex.
	Chunk int
	// Offset is the reported position of the reversal, Chunk*1024/sampleRate
	// seconds.
	Offset time.Duration
	// Seconds is Offset in seconds, as shown in Description.
	Seconds     float64
	Description string
}

// ChunkPitches splits pcm into [MicroChunkBytes] chunks and returns the
// fundamental frequency of each. Scanning stops at the first chunk shorter
// than [MicroMinChunkBytes].
func (a *Analyzer) ChunkPitches(pcm []byte) []float64 {
	var pitches []float64
	for i := 0; i < len(pcm); i += MicroChunkBytes {
		end := min(i+MicroChunkBytes, len(pcm))
		if end-i < MicroMinChunkBytes {
			break
		}
		pitches = append(pitches, a.Analyze(pcm[i:end]).Frequency)
	}
	return pitches
}

// DetectMicroExpression scans pcm for the first pitch reversal larger than
// [MicroPitchJumpHz]. At most one micro-expression is reported per buffer.
func (a *Analyzer) DetectMicroExpression(pcm []byte) (MicroExpression, bool) {
	idx, ok := FindPitchReversal(a.ChunkPitches(pcm))
	if !ok {
		return MicroExpression{}, false
	}
	secs := float64(idx) * MicroChunkBytes / float64(a.sampleRate)
	return MicroExpression{
		Chunk:       idx,
		Offset:      time.Duration(idx*MicroChunkBytes) * time.Second / time.Duration(a.sampleRate),
		Seconds:     secs,
		Description: fmt.Sprintf("Sudden pitch instability detected at %.2fs", secs),
	}, true
}

// FindPitchReversal returns the first interior index i where the pitch moved
// by more than [MicroPitchJumpHz] from i-1 and then changed direction. It
// needs at least three pitches.
func FindPitchReversal(pitches []float64) (int, bool) {
	for i := 1; i < len(pitches)-1; i++ {
		rise := pitches[i] - pitches[i-1]
		next := pitches[i+1] - pitches[i]
		if math.Abs(rise) > MicroPitchJumpHz && sign(rise) != sign(next) {
			return i, true
		}
	}
	return 0, false
}

// sign mirrors the three-valued sign function: -1, 0 or 1.
func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
