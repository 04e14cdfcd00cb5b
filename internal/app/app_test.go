package app_test

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vocalprobe/internal/app"
	"github.com/MrWong99/vocalprobe/internal/archive"
	"github.com/MrWong99/vocalprobe/internal/config"
	"github.com/MrWong99/vocalprobe/internal/session"
	"github.com/MrWong99/vocalprobe/pkg/audio"
	"github.com/MrWong99/vocalprobe/pkg/audio/mock"
)

// testConfig returns a defaulted config that archives into a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	yaml := `
analysis:
  seed: 7
  calibration_samples: 2
archive:
  dir: "` + filepath.ToSlash(t.TempDir()) + `"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

// memStore is an in-memory archive.Store.
type memStore struct {
	mu   sync.Mutex
	recs map[string]*session.Record
}

func (m *memStore) Save(_ context.Context, rec *session.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = make(map[string]*session.Record)
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *memStore) Load(_ context.Context, id string) (*session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) List(context.Context) ([]archive.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]archive.Summary, 0, len(m.recs))
	for id := range m.recs {
		out = append(out, archive.Summary{ID: id})
	}
	return out, nil
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

// runApp starts Run in the background and returns a stop function that
// cancels it and reports its result.
func runApp(t *testing.T, a *app.App) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

func TestNew_FileStoreFromConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	if a.Engine() == nil {
		t.Fatal("Engine() = nil")
	}
	if got := a.Engine().State(); got != session.Idle {
		t.Errorf("initial state = %v, want Idle", got)
	}
	if a.Store() == nil {
		t.Fatal("Store() = nil")
	}
	if _, err := a.Store().List(context.Background()); err != nil {
		t.Errorf("List: %v", err)
	}
}

func TestNew_BackendUnreachable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{
			name: "postgres",
			mutate: func(c *config.Config) {
				c.Archive.PostgresDSN = "postgres://probe@127.0.0.1:1/probe?connect_timeout=1"
			},
		},
		{
			name:   "redis",
			mutate: func(c *config.Config) { c.Archive.RedisAddr = "127.0.0.1:1" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			tt.mutate(cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a, err := app.New(ctx, cfg)
			if err == nil {
				a.Shutdown(context.Background())
				t.Fatal("New() succeeded, want connection error")
			}
		})
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), app.WithStore(&memStore{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// A second call is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if _, err := a.Engine().EnqueueAudio([]byte{0, 0}); err != nil {
		t.Errorf("EnqueueAudio while idle: %v", err)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), app.WithStore(&memStore{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestApp_RunServesHTTP(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	ln := listen(t)
	a, err := app.New(context.Background(), testConfig(t),
		app.WithStore(store),
		app.WithListener(ln),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	stop := runApp(t, a)

	base := "http://" + ln.Addr().String()
	client := &http.Client{Timeout: 5 * time.Second}

	get := func(path string) int {
		t.Helper()
		resp, err := client.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := get("/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", code)
	}
	if code := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200", code)
	}

	resp, err := client.Post(base+"/v1/session", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("start = %d, want 201", resp.StatusCode)
	}
	if got := a.Engine().State(); got != session.CalibratingQuestioner {
		t.Errorf("state = %v, want CalibratingQuestioner", got)
	}

	if err := stop(); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

// toneFrame returns n samples of a 220 Hz tone at 16 kHz.
func toneFrame(n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(0.3 * 32767 * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	return audio.Bytes(samples)
}

// writeRecording writes n 100ms frames of a tone in the default capture
// format.
func writeRecording(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcm")
	if err := os.WriteFile(path, toneFrame(n*1600), 0o644); err != nil {
		t.Fatalf("write recording: %v", err)
	}
	return path
}

func TestApp_Replay(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t),
		app.WithStore(&memStore{}),
		app.WithListener(listen(t)),
		app.WithReplay(writeRecording(t, 20)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	stop := runApp(t, a)

	// Two calibration buffers per speaker are enough to start questioning.
	deadline := time.Now().Add(5 * time.Second)
	for a.Engine().State() != session.InProgress {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v after replay, want InProgress", a.Engine().State())
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := stop(); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestApp_ReplayMissingFile(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t),
		app.WithStore(&memStore{}),
		app.WithListener(listen(t)),
		app.WithReplay(filepath.Join(t.TempDir(), "missing.pcm")),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want replay open error", err)
	}
}

func TestApp_FeedsSource(t *testing.T) {
	t.Parallel()

	src := mock.NewSource(4)
	a, err := app.New(context.Background(), testConfig(t),
		app.WithStore(&memStore{}),
		app.WithListener(listen(t)),
		app.WithSource(src),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	stop := runApp(t, a)

	waitState := func(want session.State) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for a.Engine().State() != want {
			if time.Now().After(deadline) {
				t.Fatalf("state = %v, want %v", a.Engine().State(), want)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	frame := audio.AudioFrame{Data: toneFrame(1600), SampleRate: 16000, Channels: 1}
	waitState(session.CalibratingQuestioner)
	src.Push(frame)
	src.Push(frame)
	waitState(session.CalibratingSubject)
	src.Push(frame)
	src.Push(frame)
	waitState(session.InProgress)
	src.Finish()

	if err := stop(); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	if src.CallCountClose != 1 {
		t.Errorf("Close calls = %d, want 1", src.CallCountClose)
	}
}
