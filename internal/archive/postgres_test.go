package archive

import (
	"context"
	"os"
	"reflect"
	"testing"

	"github.com/MrWong99/vocalprobe/internal/analysis"
	"github.com/MrWong99/vocalprobe/internal/speaker"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOCALPROBE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOCALPROBE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOCALPROBE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(s.Close)
	for _, stmt := range []string{"TRUNCATE voiceprints", "TRUNCATE sessions CASCADE"} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	return s
}

func TestVoiceprint_RoundTrip(t *testing.T) {
	t.Parallel()
	sig := analysis.Signature{RMS: 0.25, Frequency: 125, Timbre: 1500.5}
	if got := signatureOf(voiceprint(sig)); got != sig {
		t.Errorf("signatureOf(voiceprint) = %v, want %v", got, sig)
	}
}

func TestPostgresStore_SaveLoadList(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	rec := testRecord("0b6f1c8e-7d2a-4c55-9e61-3f0a2b9d4e17", testDate)

	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	got, err := s.Load(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("Load mismatch:\n got %+v\nwant %+v", got, rec)
	}

	list, err := s.List(ctx)
	if err != nil || len(list) != 1 || list[0].ID != rec.ID || list[0].Answers != 1 {
		t.Errorf("List = %+v, %v", list, err)
	}
}

func TestPostgresStore_NearestVoiceprints(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	rec := testRecord("0b6f1c8e-7d2a-4c55-9e61-3f0a2b9d4e17", testDate)
	if err := s.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	matches, err := s.NearestVoiceprints(ctx, analysis.Signature{RMS: 0.07, Frequency: 126, Timbre: 905}, 2)
	if err != nil {
		t.Fatalf("NearestVoiceprints: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Role != speaker.Subject || matches[0].SessionID != rec.ID {
		t.Errorf("closest = %+v, want the subject", matches[0])
	}
	if matches[0].Distance > matches[1].Distance {
		t.Error("matches not ordered by distance")
	}
}
