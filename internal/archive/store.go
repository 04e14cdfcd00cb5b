// Package archive persists session records.
//
// [FileStore] writes the portable .vsa JSON documents, [PostgresStore] keeps
// records and enrolled voiceprints in PostgreSQL, and [Mirror] combines
// several stores behind circuit breakers. [RedisPublisher] is not a store: it
// streams live engine events to Redis for other processes to consume.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/vocalprobe/internal/session"
)

// ErrNotFound is returned when no record with the requested id exists.
var ErrNotFound = errors.New("archive: record not found")

// Store saves and loads session records. Implementations are safe for
// concurrent use.
type Store interface {
	// Save writes rec, replacing any record with the same id.
	Save(ctx context.Context, rec *session.Record) error

	// Load returns the record with the given id or [ErrNotFound].
	Load(ctx context.Context, id string) (*session.Record, error)

	// List returns a summary of every stored record, newest first.
	List(ctx context.Context) ([]Summary, error)
}

// Summary describes a stored record without its audio.
type Summary struct {
	ID            string          `json:"id"`
	SessionDate   time.Time       `json:"session_date"`
	FinalResult   session.Verdict `json:"final_result"`
	Verdict       string          `json:"verdict"`
	Answers       int             `json:"answers"`
	AverageStress float64         `json:"average_stress"`
}

func summarize(rec *session.Record) Summary {
	return Summary{
		ID:            rec.ID,
		SessionDate:   rec.SessionDate,
		FinalResult:   rec.FinalResult,
		Verdict:       rec.FinalResult.String(),
		Answers:       len(rec.QuestionLogs),
		AverageStress: rec.AverageStress,
	}
}

// Decode parses a .vsa document. A document without a session id is
// rejected.
func Decode(data []byte) (*session.Record, error) {
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("archive: decode: %w", err)
	}
	if rec.ID == "" {
		return nil, errors.New("archive: decode: record has no Id")
	}
	return &rec, nil
}

// Encode renders rec as an indented .vsa document.
func Encode(rec *session.Record) ([]byte, error) {
	if rec == nil || rec.ID == "" {
		return nil, errors.New("archive: encode: record has no Id")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: encode: %w", err)
	}
	return data, nil
}
