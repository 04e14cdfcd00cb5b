// Package app wires all vocalprobe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the display tick (plus an optional
// recording replay), and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithStore,
// WithListener, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocalprobe/internal/analysis"
	"github.com/MrWong99/vocalprobe/internal/archive"
	"github.com/MrWong99/vocalprobe/internal/config"
	"github.com/MrWong99/vocalprobe/internal/health"
	"github.com/MrWong99/vocalprobe/internal/observe"
	"github.com/MrWong99/vocalprobe/internal/resilience"
	"github.com/MrWong99/vocalprobe/internal/scoring"
	"github.com/MrWong99/vocalprobe/internal/server"
	"github.com/MrWong99/vocalprobe/internal/session"
	"github.com/MrWong99/vocalprobe/pkg/audio"
)

// shutdownGrace bounds how long in-flight HTTP requests may take once Run's
// context is cancelled.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	metrics        *observe.Metrics
	metricsHandler http.Handler
	rng            scoring.Rand
	now            func() time.Time

	analyzer    *analysis.Analyzer
	pipeline    *session.Pipeline
	engine      *session.Engine
	ticker      *session.Ticker
	store       archive.Store
	voiceprints server.VoiceprintIndex
	publisher   *archive.RedisPublisher
	checks      []health.Checker
	http        *http.Server
	listener    net.Listener

	replayPath string
	source     audio.Source

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects an archive store instead of creating one from config.
func WithStore(s archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener makes Run serve on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithReplay makes Run feed the raw PCM recording at path through the
// engine, in the configured capture format.
func WithReplay(path string) Option {
	return func(a *App) { a.replayPath = path }
}

// WithSource makes Run feed the frames of src through the engine, for
// example from a capture device adapter.
func WithSource(src audio.Source) Option {
	return func(a *App) { a.source = src }
}

// WithRand replaces the engine's random source.
func WithRand(r scoring.Rand) Option {
	return func(a *App) { a.rng = r }
}

// WithClock replaces the engine's clock.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It connects to the
// configured archive backends and Redis synchronously and fails if any of
// them is unreachable.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.rng == nil && cfg.Analysis.Seed != 0 {
		a.rng = rand.New(rand.NewPCG(cfg.Analysis.Seed, cfg.Analysis.Seed>>1|1))
	}

	// ── 1. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		a.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 2. Engine and analysis pipeline ──────────────────────────────────
	a.initEngine()

	// ── 3. Live event publishing ─────────────────────────────────────────
	if err := a.initPublisher(ctx); err != nil {
		a.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("app: init redis: %w", err)
	}

	// Run first on shutdown: the pipeline drains before the publisher closes.
	a.closers = append(a.closers,
		func() error { a.pipeline.Close(); return nil },
		func() error { a.ticker.Stop(); return nil },
	)

	// ── 4. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

type pinger interface {
	Ping(ctx context.Context) error
}

// initArchive builds the primary store named by archive.primary and mirrors
// it to the other configured store.
func (a *App) initArchive(ctx context.Context) error {
	if a.store != nil {
		a.addPingCheck("archive", a.store, false)
		return nil
	}

	ac := a.cfg.Archive
	type named struct {
		name  string
		store archive.Store
	}
	var stores []named

	if ac.Dir != "" {
		fs, err := archive.NewFileStore(ac.Dir)
		if err != nil {
			return err
		}
		stores = append(stores, named{config.StoreFile, fs})
		a.addPingCheck("archive_file", fs, ac.Primary == config.StorePostgres)
	}
	if ac.PostgresDSN != "" {
		pg, err := archive.NewPostgresStore(ctx, ac.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		stores = append(stores, named{config.StorePostgres, pg})
		a.voiceprints = pg
		a.addPingCheck("archive_postgres", pg, ac.Primary != config.StorePostgres)
	}
	if len(stores) == 0 {
		return errors.New("no archive store configured")
	}

	// The primary goes first.
	if ac.Primary == config.StorePostgres && stores[0].name != config.StorePostgres {
		stores[0], stores[len(stores)-1] = stores[len(stores)-1], stores[0]
	}
	mirror := archive.NewMirror(stores[0].name, stores[0].store, resilience.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: 30 * time.Second,
	}, a.metrics)
	for _, s := range stores[1:] {
		mirror.Add(s.name, s.store)
	}
	a.store = mirror

	names := make([]string, len(stores))
	for i, s := range stores {
		names[i] = s.name
	}
	slog.Info("archive ready", "primary", stores[0].name, "stores", names)
	return nil
}

func (a *App) addPingCheck(name string, s any, optional bool) {
	p, ok := s.(pinger)
	if !ok {
		return
	}
	a.checks = append(a.checks, health.Checker{Name: name, Check: p.Ping, Optional: optional})
}

func (a *App) initEngine() {
	ac := a.cfg.Analysis
	a.analyzer = analysis.NewAnalyzer(a.cfg.Audio.SampleRate)
	a.pipeline = session.NewPipeline(a.cfg.Pipeline.Workers, a.cfg.Pipeline.QueueSize, a.metrics)

	a.engine = session.NewEngine(session.Config{
		Analyzer:           a.analyzer,
		Pipeline:           a.pipeline,
		Metrics:            a.metrics,
		StressThreshold:    ac.StressThreshold,
		Rand:               a.rng,
		Now:                a.now,
		CalibrationSamples: ac.CalibrationSamples,
		BaselineWindow:     ac.BaselineWindow,
		HistoryPoints:      ac.HistoryPoints,
	})
	a.ticker = session.NewTicker(a.engine, a.cfg.Pipeline.TickInterval)

	a.checks = append(a.checks, health.Checker{Name: "pipeline", Check: func(context.Context) error {
		if !a.pipeline.Accepting() {
			return session.ErrPipelineClosed
		}
		return nil
	}})
}

func (a *App) initPublisher(ctx context.Context) error {
	addr := a.cfg.Archive.RedisAddr
	if addr == "" {
		return nil
	}
	client, err := archive.DialRedis(ctx, addr)
	if err != nil {
		return err
	}
	a.publisher = archive.NewRedisPublisher(client, archive.RedisOptions{
		LiveTTL: a.cfg.Archive.LiveTTL,
		Metrics: a.metrics,
	})
	unsubscribe := a.engine.Subscribe(a.publisher)
	a.closers = append(a.closers, a.publisher.Close, func() error { unsubscribe(); return nil })
	a.checks = append(a.checks, health.Checker{Name: "redis", Check: a.publisher.Ping, Optional: true})
	slog.Info("publishing live events to redis", "channel", archive.EventsChannel)
	return nil
}

func (a *App) initServer() {
	srv := server.New(server.Config{
		Engine:         a.engine,
		Analyzer:       a.analyzer,
		Store:          a.store,
		Voiceprints:    a.voiceprints,
		Capture:        a.captureFormat(),
		Health:         health.New(a.checks...),
		MetricsHandler: a.metricsHandler,
		Metrics:        a.metrics,
	})
	a.http = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (a *App) captureFormat() audio.Format {
	return audio.Format{SampleRate: a.cfg.Audio.SampleRate, Channels: a.cfg.Audio.Channels}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the session engine.
func (a *App) Engine() *session.Engine { return a.engine }

// Store returns the archive store.
func (a *App) Store() archive.Store { return a.store }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.http.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and drives the display tick until ctx is cancelled, then
// drains in-flight requests. A configured replay or source runs alongside. It returns
// nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	tls := a.cfg.Server.TLS
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", tls != nil)

	g, gctx := errgroup.WithContext(ctx)
	a.ticker.Start(gctx)

	g.Go(func() error {
		var err error
		if tls != nil {
			err = a.http.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.http.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := a.http.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	if a.replayPath != "" {
		g.Go(func() error { return a.replay(gctx, a.replayPath) })
	}
	if a.source != nil {
		g.Go(func() error { return a.feed(gctx, a.source, "source") })
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.engine != nil && a.engine.State().Active() {
			slog.Warn("shutting down with an unsaved active session")
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
