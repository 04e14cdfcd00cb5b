package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvListenAddr      = "VOCALPROBE_LISTEN_ADDR"
	EnvLogLevel        = "VOCALPROBE_LOG_LEVEL"
	EnvArchiveDir      = "VOCALPROBE_ARCHIVE_DIR"
	EnvPostgresDSN     = "VOCALPROBE_POSTGRES_DSN"
	EnvRedisAddr       = "VOCALPROBE_REDIS_ADDR"
	EnvStressThreshold = "VOCALPROBE_STRESS_THRESHOLD"
)

// LoadDotEnv loads environment variables from the given files, or ".env" when
// none is given. Missing files are ignored; variables already set in the
// environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
		slog.Debug("loaded environment file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, func(string) (string, bool) { return "", false })
}

func load(r io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the VOCALPROBE_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvListenAddr, &cfg.Server.ListenAddr)
	str(EnvArchiveDir, &cfg.Archive.Dir)
	str(EnvPostgresDSN, &cfg.Archive.PostgresDSN)
	str(EnvRedisAddr, &cfg.Archive.RedisAddr)
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := lookup(EnvStressThreshold); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvStressThreshold, err)
		}
		cfg.Analysis.StressThreshold = f
	}
	return nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8080")
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Audio.SampleRate, 16000)
	setDefault(&cfg.Audio.Channels, 1)
	setDefault(&cfg.Analysis.StressThreshold, 1.5)
	setDefault(&cfg.Analysis.CalibrationSamples, 50)
	setDefault(&cfg.Analysis.BaselineWindow, 5)
	setDefault(&cfg.Analysis.HistoryPoints, 150)
	setDefault(&cfg.Pipeline.Workers, 2)
	setDefault(&cfg.Pipeline.QueueSize, 64)
	setDefault(&cfg.Pipeline.TickInterval, 30*time.Millisecond)
	setDefault(&cfg.Archive.Dir, "./sessions")
	setDefault(&cfg.Archive.Primary, StoreFile)
	setDefault(&cfg.Archive.LiveTTL, time.Minute)
	setDefault(&cfg.Telemetry.ServiceName, "vocalprobe")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if cfg.Audio.DeviceIndex < 0 {
		errs = append(errs, fmt.Errorf("audio.device_index %d must not be negative", cfg.Audio.DeviceIndex))
	}

	// Analysis
	if cfg.Analysis.StressThreshold <= 0 {
		errs = append(errs, fmt.Errorf("analysis.stress_threshold %.2f must be positive", cfg.Analysis.StressThreshold))
	}
	counts := []struct {
		name string
		v    int
	}{
		{"analysis.calibration_samples", cfg.Analysis.CalibrationSamples},
		{"analysis.baseline_window", cfg.Analysis.BaselineWindow},
		{"analysis.history_points", cfg.Analysis.HistoryPoints},
		{"pipeline.workers", cfg.Pipeline.Workers},
		{"pipeline.queue_size", cfg.Pipeline.QueueSize},
	}
	for _, c := range counts {
		if c.v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", c.name, c.v))
		}
	}
	if cfg.Pipeline.TickInterval < 0 {
		errs = append(errs, fmt.Errorf("pipeline.tick_interval %v must not be negative", cfg.Pipeline.TickInterval))
	}

	// Archive
	switch cfg.Archive.Primary {
	case "", StoreFile:
		if cfg.Archive.Dir == "" {
			errs = append(errs, errors.New("archive.dir is required when archive.primary is file"))
		}
	case StorePostgres:
		if cfg.Archive.PostgresDSN == "" {
			errs = append(errs, errors.New("archive.postgres_dsn is required when archive.primary is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.primary %q is invalid; valid values: file, postgres", cfg.Archive.Primary))
	}
	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; voiceprint search is disabled")
	}

	return errors.Join(errs...)
}
