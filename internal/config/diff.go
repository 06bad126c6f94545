package config

import (
	"reflect"

	"github.com/MrWong99/voxlens/pkg/features"
)

// ConfigDiff describes what changed between two configs.
// Log level and analysis strategy changes are applied live; everything else
// is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProfileChanged is set when the resolved analysis profile differs.
	ProfileChanged bool
	NewProfile     features.Profile

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ProfileChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed. Both configs
// are expected to be valid.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldProfile, _ := old.Analysis.ResolveProfile()
	newProfile, err := new.Analysis.ResolveProfile()
	if err == nil && oldProfile != newProfile {
		d.ProfileChanged = true
		d.NewProfile = newProfile
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Audio, new.Audio) || old.AnalyserConfig() != new.AnalyserConfig() {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Analysis.FrameRate != new.Analysis.FrameRate ||
		old.Analysis.CanvasWidth != new.Analysis.CanvasWidth ||
		old.Analysis.CanvasHeight != new.Analysis.CanvasHeight {
		d.RestartRequired = append(d.RestartRequired, "analysis")
	}
	if !reflect.DeepEqual(old.Transcription, new.Transcription) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}

	return d
}
