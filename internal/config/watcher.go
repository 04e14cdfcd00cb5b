package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher keeps the config at a path current. It polls the file and calls
// onChange with the old and new config whenever the content changes to a
// valid config; [Watcher.Reload] checks immediately. An invalid edit is
// reported once and the previous config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   func(string) (string, bool)
	onChange func(old, new *Config)

	// reload serialises Reload calls so onChange sees changes in order.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	applied [sha256.Size]byte // hash of the content of current
	seen    fingerprint       // last content read, valid or not

	done     chan struct{}
	stopOnce sync.Once
}

type fingerprint struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookupEnv replaces the environment lookup used for overrides.
func WithLookupEnv(lookup func(string) (string, bool)) WatcherOption {
	return func(w *Watcher) {
		if lookup != nil {
			w.lookup = lookup
		}
	}
}

// NewWatcher loads the config at path and starts polling it.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		lookup:   os.LookupEnv,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := load(bytes.NewReader(data), w.lookup)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.applied, w.seen = cfg, fp.hash, fp

	go w.poll()
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "error", err)
			}
		}
	}
}

// Reload checks the file now. It reports whether a new config took effect,
// in which case onChange has returned. An unchanged file, or content already
// reported as invalid, is not an error.
func (w *Watcher) Reload() (bool, error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	data, fp, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	prev := w.seen
	w.seen = fp
	if fp.hash == prev.hash || fp.hash == w.applied {
		w.mu.Unlock()
		return false, nil
	}
	w.mu.Unlock()

	cfg, err := load(bytes.NewReader(data), w.lookup)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	old := w.current
	w.current, w.applied = cfg, fp.hash
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() ([]byte, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	return data, fingerprint{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
