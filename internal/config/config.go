// Package config provides the configuration schema, loader, file watcher, and
// provider registry for the Voxlens audio analysis server.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxlens/pkg/audio/analyser"
	"github.com/MrWong99/voxlens/pkg/features"
)

// LogLevel controls log verbosity for the Voxlens server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel converts l to a [slog.Level]. Unknown and empty levels map to
// info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Capture source names.
const (
	SourceTone = "tone"
	SourceFile = "file"
	SourceNone = "none"
)

// Config is the root configuration structure for Voxlens.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	Transcription TranscriptionConfig `yaml:"transcription"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig selects the capture source and the analyser parameters.
// Analyser fields left at zero take the value of the analysis profile's
// preset.
type AudioConfig struct {
	// Source names the capture source in the [Registry]: "tone", "file",
	// or "none" to run without capture.
	Source string `yaml:"source"`

	// Path is the audio file for the "file" source (.mp3 or .wav).
	Path string `yaml:"path"`

	// Loop restarts the file source from the beginning when it ends.
	Loop bool `yaml:"loop"`

	// SampleRate is the analyser rate in Hz. Sources at other rates are
	// resampled.
	SampleRate int `yaml:"sample_rate"`

	// FFTSize is the analyser window, a power of two in [32, 32768].
	FFTSize int `yaml:"fft_size"`

	// Smoothing is the analyser time constant in [0, 1]. Nil uses the
	// profile preset.
	Smoothing *float64 `yaml:"smoothing"`

	// MinDecibels and MaxDecibels bound the byte scaling of magnitudes.
	MinDecibels float64 `yaml:"min_decibels"`
	MaxDecibels float64 `yaml:"max_decibels"`

	// ToneHz and ToneAmplitude configure the "tone" source.
	ToneHz        float64 `yaml:"tone_hz"`
	ToneAmplitude float64 `yaml:"tone_amplitude"`

	// Chunk is the duration of audio pushed per source read.
	Chunk time.Duration `yaml:"chunk"`
}

// AnalysisConfig selects the feature extraction strategies. Hot-reloadable.
type AnalysisConfig struct {
	// Profile is "live" or "upload". The strategy fields below override
	// individual parts of it.
	Profile string `yaml:"profile"`

	// PeakPolicy is "local-peak" or "global-max".
	PeakPolicy string `yaml:"peak_policy"`

	// VolumeMetric is "rms" or "mean".
	VolumeMetric string `yaml:"volume_metric"`

	// PitchMode is "strict" or "lenient".
	PitchMode string `yaml:"pitch_mode"`

	// FrameRate is the tick rate of the analysis loop in Hz.
	FrameRate int `yaml:"frame_rate"`

	// CanvasWidth and CanvasHeight size the visualization dataset.
	CanvasWidth  int `yaml:"canvas_width"`
	CanvasHeight int `yaml:"canvas_height"`
}

// TranscriptionConfig configures continuous speech-to-text.
type TranscriptionConfig struct {
	// Provider selects the registered STT provider. An empty name disables
	// transcription.
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the primary provider refuses a
	// stream or its streams keep failing.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// FailoverCooldown is how long a failing provider is skipped before it
	// is probed again. Zero uses the resilience default.
	FailoverCooldown time.Duration `yaml:"failover_cooldown"`

	// Language is the BCP-47 recognition language. Empty uses the provider
	// default.
	Language string `yaml:"language"`

	// SampleRate is the rate audio is resampled to before it is streamed.
	SampleRate int `yaml:"sample_rate"`

	// ErrorRestartDelay is the wait before reopening after a provider error.
	ErrorRestartDelay time.Duration `yaml:"error_restart_delay"`

	// EndRestartDelay is the wait before reopening after a natural end.
	EndRestartDelay time.Duration `yaml:"end_restart_delay"`

	// AutoStart begins listening when the server starts.
	AutoStart bool `yaml:"auto_start"`
}

// ProviderEntry is the common configuration block for providers.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// ResolveProfile returns the analysis profile with its overrides applied.
func (a AnalysisConfig) ResolveProfile() (features.Profile, error) {
	p, err := features.ParseProfile(a.Profile)
	if err != nil {
		return features.Profile{}, err
	}
	if a.PeakPolicy != "" {
		if p.Peak, err = features.ParsePeakPolicy(a.PeakPolicy); err != nil {
			return features.Profile{}, err
		}
	}
	if a.VolumeMetric != "" {
		if p.Volume, err = features.ParseVolumeMetric(a.VolumeMetric); err != nil {
			return features.Profile{}, err
		}
	}
	if a.PitchMode != "" {
		if p.Pitch, err = features.ParsePitchMode(a.PitchMode); err != nil {
			return features.Profile{}, err
		}
	}
	return p, nil
}

// AnalyserConfig returns the analyser parameters: the preset for the
// analysis profile ("upload" uses the AnalyserNode defaults, anything else
// the live tuning) with the non-zero audio fields applied on top.
func (c *Config) AnalyserConfig() analyser.Config {
	ac := analyser.LiveConfig()
	if c.Analysis.Profile == "upload" {
		ac = analyser.DefaultConfig()
	}
	if c.Audio.SampleRate > 0 {
		ac.SampleRate = c.Audio.SampleRate
	}
	if c.Audio.FFTSize > 0 {
		ac.FFTSize = c.Audio.FFTSize
	}
	if c.Audio.Smoothing != nil {
		ac.Smoothing = *c.Audio.Smoothing
	}
	if c.Audio.MinDecibels != 0 {
		ac.MinDecibels = c.Audio.MinDecibels
	}
	if c.Audio.MaxDecibels != 0 {
		ac.MaxDecibels = c.Audio.MaxDecibels
	}
	return ac
}

// String describes the source for logs.
func (a AudioConfig) String() string {
	switch a.Source {
	case SourceFile:
		return fmt.Sprintf("file %s", a.Path)
	case SourceTone:
		return fmt.Sprintf("tone %.0fHz", a.ToneHz)
	default:
		return a.Source
	}
}
