package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	StressThresholdChanged bool
	NewStressThreshold     float64

	// RestartRequired lists changed settings that only take effect after a
	// restart, by their YAML path.
	RestartRequired []string
}

// Changed reports whether any setting differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.StressThresholdChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed. Only the log
// level and the stress threshold can be applied without a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Analysis.StressThreshold != new.Analysis.StressThreshold {
		d.StressThresholdChanged = true
		d.NewStressThreshold = new.Analysis.StressThreshold
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !sameTLS(old.Server.TLS, new.Server.TLS))
	restart("audio", old.Audio != new.Audio)
	restart("analysis.seed", old.Analysis.Seed != new.Analysis.Seed)
	restart("analysis.calibration_samples", old.Analysis.CalibrationSamples != new.Analysis.CalibrationSamples)
	restart("analysis.baseline_window", old.Analysis.BaselineWindow != new.Analysis.BaselineWindow)
	restart("analysis.history_points", old.Analysis.HistoryPoints != new.Analysis.HistoryPoints)
	restart("pipeline", old.Pipeline != new.Pipeline)
	restart("archive", old.Archive != new.Archive)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
