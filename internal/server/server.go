// Package server exposes a [session.Engine] over HTTP.
//
// REST endpoints drive the session (start, calibrate, ask, answer, end),
// manage archives and serve review data. Two WebSocket endpoints stream
// engine events to clients and ingest captured PCM:
//
//   - GET /v1/events sends a snapshot followed by every engine event.
//   - GET /v1/audio accepts binary PCM frames, routed by session state, and
//     JSON text commands such as {"answer":"yes"}.
//
// PCM bodies are signed 16-bit little-endian in the capture format, which
// defaults to the configured one and can be overridden per request with the
// rate and channels query parameters.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/vocalprobe/internal/analysis"
	"github.com/MrWong99/vocalprobe/internal/archive"
	"github.com/MrWong99/vocalprobe/internal/health"
	"github.com/MrWong99/vocalprobe/internal/observe"
	"github.com/MrWong99/vocalprobe/internal/session"
	"github.com/MrWong99/vocalprobe/pkg/audio"
)

// DefaultMaxBodyBytes bounds PCM request bodies and WebSocket messages.
const DefaultMaxBodyBytes = 16 << 20

// VoiceprintIndex finds archived voiceprints similar to a signature.
type VoiceprintIndex interface {
	NearestVoiceprints(ctx context.Context, sig analysis.Signature, k int) ([]archive.VoiceprintMatch, error)
}

// Config configures a [Server].
type Config struct {
	// Engine is the session state machine. Required.
	Engine *session.Engine

	// Analyzer analyses voiceprint queries. Default: 16 kHz analyzer.
	Analyzer *analysis.Analyzer

	// Store keeps archived sessions. Archive routes answer 503 when nil.
	Store archive.Store

	// Voiceprints enables voiceprint search when set.
	Voiceprints VoiceprintIndex

	// Capture is the default format of posted PCM. Default: mono at the
	// analyzer rate.
	Capture audio.Format

	// Health serves /healthz and /readyz when set.
	Health *health.Handler

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	// Metrics records request durations. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MaxBodyBytes bounds request bodies. Default: [DefaultMaxBodyBytes].
	MaxBodyBytes int64

	// EventBuffer is the per-client event backlog of /v1/events.
	// Default: 256.
	EventBuffer int

	// OriginPatterns lists additional origins allowed to open WebSockets.
	OriginPatterns []string
}

// Server serves the vocalprobe HTTP API.
type Server struct {
	engine      *session.Engine
	analyzer    *analysis.Analyzer
	store       archive.Store
	voiceprints VoiceprintIndex
	capture     audio.Format
	target      audio.Format
	health      *health.Handler
	metricsH    http.Handler
	metrics     *observe.Metrics
	maxBody     int64
	eventBuffer int
	origins     []string
}

// New returns a server for cfg.
func New(cfg Config) *Server {
	if cfg.Analyzer == nil {
		cfg.Analyzer = analysis.NewAnalyzer(analysis.DefaultSampleRate)
	}
	target := audio.Mono(cfg.Analyzer.SampleRate())
	if cfg.Capture.SampleRate <= 0 || cfg.Capture.Channels <= 0 {
		cfg.Capture = target
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Server{
		engine:      cfg.Engine,
		analyzer:    cfg.Analyzer,
		store:       cfg.Store,
		voiceprints: cfg.Voiceprints,
		capture:     cfg.Capture,
		target:      target,
		health:      cfg.Health,
		metricsH:    cfg.MetricsHandler,
		metrics:     cfg.Metrics,
		maxBody:     cfg.MaxBodyBytes,
		eventBuffer: cfg.EventBuffer,
		origins:     cfg.OriginPatterns,
	}
}

// Handler returns the routed API wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/session", s.handleStart)
	mux.HandleFunc("GET /v1/session", s.handleSnapshot)
	mux.HandleFunc("POST /v1/session/end", s.handleEnd)
	mux.HandleFunc("POST /v1/session/calibration", s.handleCalibration)
	mux.HandleFunc("POST /v1/session/questions/next", s.handleNextQuestion)
	mux.HandleFunc("POST /v1/session/identify", s.handleIdentify)
	mux.HandleFunc("POST /v1/session/answer", s.handleAnswer)
	mux.HandleFunc("POST /v1/session/live", s.handleLive)
	mux.HandleFunc("GET /v1/session/review/{index}", s.handleReview)
	mux.HandleFunc("PUT /v1/session/threshold", s.handleThreshold)

	mux.HandleFunc("POST /v1/session/archive", s.handleSave)
	mux.HandleFunc("GET /v1/archives", s.handleList)
	mux.HandleFunc("POST /v1/archives/{id}/load", s.handleLoad)
	mux.HandleFunc("POST /v1/voiceprints/search", s.handleVoiceprintSearch)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/audio", s.handleAudio)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsH != nil {
		mux.Handle("GET /metrics", s.metricsH)
	}
	return observe.Middleware(s.metrics)(mux)
}

// ── helpers ──────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, archive.ErrNotFound), errors.Is(err, session.ErrNoAnswer):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrReviewMode),
		errors.Is(err, session.ErrNotFinished):
		return http.StatusConflict
	case errors.Is(err, session.ErrQueueFull), errors.Is(err, session.ErrPipelineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

// captureFormat returns the PCM format of r: the configured capture format,
// overridden by the rate and channels query parameters.
func (s *Server) captureFormat(r *http.Request) (audio.Format, error) {
	f := s.capture
	q := r.URL.Query()
	if v := q.Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 192000 {
			return audio.Format{}, fmt.Errorf("invalid rate %q", v)
		}
		f.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 1 && n != 2) {
			return audio.Format{}, fmt.Errorf("invalid channels %q", v)
		}
		f.Channels = n
	}
	return f, nil
}

// readPCM reads the request body and converts it to the analysis format.
func (s *Server) readPCM(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	f, err := s.captureFormat(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return nil, false
	}
	conv := &audio.Converter{Target: s.target}
	frame := conv.Convert(audio.AudioFrame{Data: data, SampleRate: f.SampleRate, Channels: f.Channels})
	if len(frame.Data) < audio.BytesPerSample {
		writeError(w, http.StatusBadRequest, "body holds no complete "+f.String()+" sample")
		return nil, false
	}
	return frame.Data, true
}
