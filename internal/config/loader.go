package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":    {"deepgram"},
	"source": {SourceTone, SourceFile, SourceNone},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultToneHz        = 440
	DefaultToneAmplitude = 0.5
	DefaultFrameRate     = 60
	DefaultCanvasWidth   = 800
	DefaultCanvasHeight  = 200
	DefaultSTTSampleRate = 16000
	DefaultChunk         = 20 * time.Millisecond
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBytes is [LoadFromReader] over an in-memory document.
func LoadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg with their defaults. Analyser
// parameters stay zero; [Config.AnalyserConfig] resolves them from the
// analysis profile.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Source == "" {
		cfg.Audio.Source = SourceTone
	}
	if cfg.Audio.ToneHz == 0 {
		cfg.Audio.ToneHz = DefaultToneHz
	}
	if cfg.Audio.ToneAmplitude == 0 {
		cfg.Audio.ToneAmplitude = DefaultToneAmplitude
	}
	if cfg.Audio.Chunk == 0 {
		cfg.Audio.Chunk = DefaultChunk
	}
	if cfg.Analysis.Profile == "" {
		cfg.Analysis.Profile = "live"
	}
	if cfg.Analysis.FrameRate == 0 {
		cfg.Analysis.FrameRate = DefaultFrameRate
	}
	if cfg.Analysis.CanvasWidth == 0 {
		cfg.Analysis.CanvasWidth = DefaultCanvasWidth
	}
	if cfg.Analysis.CanvasHeight == 0 {
		cfg.Analysis.CanvasHeight = DefaultCanvasHeight
	}
	if cfg.Transcription.SampleRate == 0 {
		cfg.Transcription.SampleRate = DefaultSTTSampleRate
	}
	if cfg.Transcription.ErrorRestartDelay == 0 {
		cfg.Transcription.ErrorRestartDelay = time.Second
	}
	if cfg.Transcription.EndRestartDelay == 0 {
		cfg.Transcription.EndRestartDelay = 100 * time.Millisecond
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	validateProviderName("source", cfg.Audio.Source)
	if cfg.Audio.Source == SourceFile && cfg.Audio.Path == "" {
		errs = append(errs, errors.New("audio.path is required when audio.source is file"))
	}
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if err := cfg.AnalyserConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if cfg.Audio.ToneAmplitude < 0 || cfg.Audio.ToneAmplitude > 1 {
		errs = append(errs, fmt.Errorf("audio.tone_amplitude %.2f is out of range [0, 1]", cfg.Audio.ToneAmplitude))
	}
	if cfg.Audio.ToneHz < 0 {
		errs = append(errs, fmt.Errorf("audio.tone_hz %.1f must not be negative", cfg.Audio.ToneHz))
	} else if nyquist := float64(cfg.AnalyserConfig().SampleRate) / 2; cfg.Audio.ToneHz >= nyquist && nyquist > 0 {
		errs = append(errs, fmt.Errorf("audio.tone_hz %.1f must be below the Nyquist frequency %.1f", cfg.Audio.ToneHz, nyquist))
	}
	if cfg.Audio.Chunk < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk %s must not be negative", cfg.Audio.Chunk))
	}

	// Analysis
	if _, err := cfg.Analysis.ResolveProfile(); err != nil {
		errs = append(errs, fmt.Errorf("analysis: %w", err))
	}
	if cfg.Analysis.FrameRate < 0 || cfg.Analysis.FrameRate > 240 {
		errs = append(errs, fmt.Errorf("analysis.frame_rate %d is out of range [1, 240]", cfg.Analysis.FrameRate))
	}
	if cfg.Analysis.CanvasWidth < 0 || cfg.Analysis.CanvasHeight < 0 {
		errs = append(errs, errors.New("analysis canvas dimensions must not be negative"))
	}

	// Transcription
	tc := cfg.Transcription
	validateProviderName("stt", tc.Provider.Name)
	if tc.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("transcription.sample_rate %d must not be negative", tc.SampleRate))
	}
	if tc.ErrorRestartDelay < 0 {
		errs = append(errs, fmt.Errorf("transcription.error_restart_delay %s must not be negative", tc.ErrorRestartDelay))
	}
	if tc.EndRestartDelay < 0 {
		errs = append(errs, fmt.Errorf("transcription.end_restart_delay %s must not be negative", tc.EndRestartDelay))
	}
	for i, fb := range tc.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("transcription.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	if len(tc.Fallbacks) > 0 && tc.Provider.Name == "" {
		errs = append(errs, errors.New("transcription.fallbacks requires transcription.provider.name"))
	}
	if tc.FailoverCooldown < 0 {
		errs = append(errs, fmt.Errorf("transcription.failover_cooldown %s must not be negative", tc.FailoverCooldown))
	}
	if tc.AutoStart && tc.Provider.Name == "" {
		errs = append(errs, errors.New("transcription.auto_start requires transcription.provider.name"))
	}
	if tc.Provider.Name != "" && cfg.Audio.Source == SourceNone {
		slog.Warn("transcription provider configured without a capture source; no audio will be streamed")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
