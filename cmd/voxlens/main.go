// Command voxlens is the main entry point for the voxlens audio feature and
// transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxlens/internal/app"
	"github.com/MrWong99/voxlens/internal/config"
	"github.com/MrWong99/voxlens/internal/observe"
	"github.com/MrWong99/voxlens/internal/resilience"
	"github.com/MrWong99/voxlens/pkg/audio/source"
	"github.com/MrWong99/voxlens/pkg/provider/stt"
	"github.com/MrWong99/voxlens/pkg/provider/stt/deepgram"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (built-in defaults when empty)")
	analyzePath := flag.String("analyze", "", "analyse an MP3 or WAV file offline, print one feature line per frame and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "voxlens: config file %q not found\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "voxlens: %v\n", err)
			}
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *analyzePath != "" {
		n, err := analyzeFile(ctx, os.Stdout, *analyzePath, cfg)
		if err != nil {
			slog.Error("analysis failed", "path", *analyzePath, "err", err)
			return 1
		}
		slog.Info("analysis complete", "path", *analyzePath, "frames", n)
		return 0
	}

	slog.Info("voxlens starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxlens",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLevel(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in STT providers and capture
// sources into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Capture sources ───────────────────────────────────────────────────────

	reg.RegisterSource(config.SourceTone, func(a config.AudioConfig) (source.Stream, error) {
		return source.NewTone(a.ToneHz, a.ToneAmplitude, a.SampleRate), nil
	})
	reg.RegisterSource(config.SourceFile, func(a config.AudioConfig) (source.Stream, error) {
		f, err := source.Open(a.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	})

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// buildProviders instantiates the STT provider and the capture source opener
// named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Transcription.Provider.Name; name != "" {
		p, err := buildSTT(cfg.Transcription, reg)
		if err != nil {
			return nil, err
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", name, "fallbacks", len(cfg.Transcription.Fallbacks))
	}

	if cfg.Audio.Source != config.SourceNone {
		audioCfg := cfg.Audio
		if audioCfg.SampleRate == 0 {
			audioCfg.SampleRate = cfg.AnalyserConfig().SampleRate
		}
		// Fail at startup rather than on the first capture attempt.
		s, err := reg.CreateSource(audioCfg)
		if err != nil {
			return nil, fmt.Errorf("create source %q: %w", audioCfg.Source, err)
		}
		first := s
		ps.OpenSource = func() (source.Stream, error) {
			if first != nil {
				s := first
				first = nil
				return s, nil
			}
			return reg.CreateSource(audioCfg)
		}
		slog.Info("provider created", "kind", "source", "name", audioCfg.Source)
	}

	return ps, nil
}

// buildSTT creates the primary STT provider and, when fallbacks are
// configured, wraps it with them in a [resilience.Failover].
func buildSTT(tc config.TranscriptionConfig, reg *config.Registry) (stt.Provider, error) {
	entries := append([]config.ProviderEntry{tc.Provider}, tc.Fallbacks...)
	backends := make([]resilience.Backend, 0, len(entries))
	for _, e := range entries {
		p, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", e.Name, err)
		}
		backends = append(backends, resilience.Backend{Name: e.Name, Provider: p})
	}
	if len(backends) == 1 {
		return backends[0].Provider, nil
	}
	f, err := resilience.NewFailover(resilience.BreakerConfig{Cooldown: tc.FailoverCooldown}, backends...)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voxlens startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Source", cfg.Audio.String())
	printRow("Profile", cfg.Analysis.Profile)
	printRow("Frame rate", fmt.Sprintf("%d Hz", cfg.Analysis.FrameRate))
	p := cfg.Transcription.Provider
	switch {
	case p.Name == "":
		printRow("STT", "(not configured)")
	case p.Model != "":
		printRow("STT", p.Name+" / "+p.Model)
	default:
		printRow("STT", p.Name)
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
