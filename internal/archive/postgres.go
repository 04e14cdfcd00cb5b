package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/vocalprobe/internal/analysis"
	"github.com/MrWong99/vocalprobe/internal/session"
	"github.com/MrWong99/vocalprobe/internal/speaker"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id              TEXT             PRIMARY KEY,
    session_date    TIMESTAMPTZ      NOT NULL,
    final_result    SMALLINT         NOT NULL DEFAULT 0,
    answers         INTEGER          NOT NULL DEFAULT 0,
    average_stress  DOUBLE PRECISION NOT NULL DEFAULT 0,
    record          JSONB            NOT NULL,
    saved_at        TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_date ON sessions (session_date DESC);
`

const ddlVoiceprints = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voiceprints (
    session_id  TEXT       NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role        SMALLINT   NOT NULL,
    embedding   vector(3)  NOT NULL,
    PRIMARY KEY (session_id, role)
);
`

// Migrate creates the sessions and voiceprints tables. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlVoiceprints} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

// PostgresStore keeps records as JSONB and the enrolled signatures of both
// speakers as pgvector embeddings, so voices can be matched across sessions.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn, registers the pgvector types on every
// connection and runs [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Save upserts rec and its enrolled voiceprints in one transaction.
func (s *PostgresStore) Save(ctx context.Context, rec *session.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres store: encode %q: %w", rec.ID, err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsertSession = `
			INSERT INTO sessions (id, session_date, final_result, answers, average_stress, record)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
			    session_date   = EXCLUDED.session_date,
			    final_result   = EXCLUDED.final_result,
			    answers        = EXCLUDED.answers,
			    average_stress = EXCLUDED.average_stress,
			    record         = EXCLUDED.record,
			    saved_at       = now()`
		if _, err := tx.Exec(ctx, upsertSession,
			rec.ID,
			rec.SessionDate,
			int16(rec.FinalResult),
			len(rec.QuestionLogs),
			rec.AverageStress,
			doc,
		); err != nil {
			return err
		}

		const upsertVoiceprint = `
			INSERT INTO voiceprints (session_id, role, embedding)
			VALUES ($1, $2, $3)
			ON CONFLICT (session_id, role) DO UPDATE SET embedding = EXCLUDED.embedding`
		prints := []struct {
			role speaker.Type
			sig  analysis.Signature
		}{
			{speaker.Questioner, rec.QuestionerSignature},
			{speaker.Subject, rec.SubjectSignature},
		}
		for _, p := range prints {
			if !p.sig.Enrolled() {
				continue
			}
			if _, err := tx.Exec(ctx, upsertVoiceprint, rec.ID, int16(p.role), voiceprint(p.sig)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: save %q: %w", rec.ID, err)
	}
	return nil
}

// Load returns the record with the given id.
func (s *PostgresStore) Load(ctx context.Context, id string) (*session.Record, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM sessions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: load %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load %q: %w", id, err)
	}
	rec, err := Decode(doc)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load %q: %w", id, err)
	}
	return rec, nil
}

// List returns summaries from the indexed columns without decoding records.
func (s *PostgresStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_date, final_result, answers, average_stress
		FROM   sessions
		ORDER  BY session_date DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Summary, error) {
		var (
			sum    Summary
			result int16
		)
		if err := row.Scan(&sum.ID, &sum.SessionDate, &result, &sum.Answers, &sum.AverageStress); err != nil {
			return Summary{}, err
		}
		sum.FinalResult = session.Verdict(result)
		sum.Verdict = sum.FinalResult.String()
		sum.SessionDate = sum.SessionDate.UTC()
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan sessions: %w", err)
	}
	if out == nil {
		out = []Summary{}
	}
	return out, nil
}

// VoiceprintMatch is a stored voiceprint close to a query signature.
type VoiceprintMatch struct {
	SessionID string             `json:"session_id"`
	Role      speaker.Type       `json:"role"`
	Signature analysis.Signature `json:"signature"`
	Distance  float64            `json:"distance"`
}

// NearestVoiceprints returns the k stored voiceprints with the smallest
// Euclidean distance to sig, closest first.
func (s *PostgresStore) NearestVoiceprints(ctx context.Context, sig analysis.Signature, k int) ([]VoiceprintMatch, error) {
	if k <= 0 {
		return []VoiceprintMatch{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, role, embedding, embedding <-> $1 AS distance
		FROM   voiceprints
		ORDER  BY distance
		LIMIT  $2`, voiceprint(sig), k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: nearest voiceprints: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (VoiceprintMatch, error) {
		var (
			m    VoiceprintMatch
			role int16
			vec  pgvector.Vector
		)
		if err := row.Scan(&m.SessionID, &role, &vec, &m.Distance); err != nil {
			return VoiceprintMatch{}, err
		}
		m.Role = speaker.Type(role)
		m.Signature = signatureOf(vec)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan voiceprints: %w", err)
	}
	if out == nil {
		out = []VoiceprintMatch{}
	}
	return out, nil
}

// voiceprint embeds sig as (rms, frequency, timbre).
func voiceprint(sig analysis.Signature) pgvector.Vector {
	return pgvector.NewVector([]float32{float32(sig.RMS), float32(sig.Frequency), float32(sig.Timbre)})
}

func signatureOf(v pgvector.Vector) analysis.Signature {
	s := v.Slice()
	if len(s) != 3 {
		return analysis.Signature{}
	}
	return analysis.Signature{RMS: float64(s[0]), Frequency: float64(s[1]), Timbre: float64(s[2])}
}
