// Package app wires all voxlens subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// analyser, the analysis pipeline, the transcription session, the event bus
// and the HTTP API; Run drives capture and serves requests; Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithScheduler,
// WithClock, WithMetrics). When an option is not provided, New uses the real
// implementation.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlens/internal/config"
	"github.com/MrWong99/voxlens/internal/events"
	"github.com/MrWong99/voxlens/internal/health"
	"github.com/MrWong99/voxlens/internal/observe"
	"github.com/MrWong99/voxlens/internal/pipeline"
	"github.com/MrWong99/voxlens/internal/transcribe"
	"github.com/MrWong99/voxlens/pkg/audio"
	"github.com/MrWong99/voxlens/pkg/audio/analyser"
	"github.com/MrWong99/voxlens/pkg/audio/source"
	"github.com/MrWong99/voxlens/pkg/features"
	"github.com/MrWong99/voxlens/pkg/provider/stt"
)

// shutdownTimeout bounds the graceful HTTP shutdown once Run's context ends.
const shutdownTimeout = 5 * time.Second

// Providers holds the external dependencies built from the config registry.
// Nil fields mean the dependency is not configured.
type Providers struct {
	// STT opens transcription streams. Nil disables transcription; starting
	// it then fails fast.
	STT stt.Provider

	// OpenSource opens the capture source. It is called again each time a
	// looping file source ends. Nil runs without capture.
	OpenSource func() (source.Stream, error)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics *observe.Metrics
	level   *slog.LevelVar
	sched   pipeline.Scheduler
	clock   transcribe.Clock

	// Subsystems, initialised in New and torn down in Shutdown.
	bus      *events.Bus
	analyser *analyser.Analyser
	pipeline *pipeline.Pipeline
	session  *transcribe.Session
	hub      *hub
	handler  http.Handler
	conv     *audio.Converter

	mu         sync.Mutex
	recording  bool
	frame      features.Dataset
	captureErr error
	analyseErr error
	sttErr     error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevel lets config reloads change the log level through v.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithScheduler injects the tick scheduler of the analysis pipeline instead
// of a [pipeline.FrameScheduler] at the configured frame rate.
func WithScheduler(s pipeline.Scheduler) Option {
	return func(a *App) { a.sched = s }
}

// WithClock injects the restart timer clock of the transcription session.
func WithClock(c transcribe.Clock) Option {
	return func(a *App) { a.clock = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.sched == nil {
		a.sched = pipeline.NewFrameScheduler(cfg.Analysis.FrameRate)
	}

	a.bus = events.New()
	a.closers = append(a.closers, func() error {
		a.bus.Wait()
		return nil
	})

	// ── 1. Analyser + pipeline ───────────────────────────────────────────
	if err := a.initAnalysis(); err != nil {
		return nil, fmt.Errorf("app: init analysis: %w", err)
	}

	// ── 2. Transcription session ─────────────────────────────────────────
	a.initTranscription()

	// ── 3. Live feed ─────────────────────────────────────────────────────
	if err := a.initHub(); err != nil {
		return nil, fmt.Errorf("app: init hub: %w", err)
	}

	// ── 4. HTTP API ──────────────────────────────────────────────────────
	a.handler = a.routes()

	slog.Info("app initialised",
		"source", cfg.Audio.String(),
		"profile", a.pipeline.Profile().String(),
		"stt", cfg.Transcription.Provider.Name,
		"session_id", a.session.ID(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAnalysis builds the analyser from the resolved audio parameters and
// the pipeline that reads it.
func (a *App) initAnalysis() error {
	an, err := analyser.New(a.cfg.AnalyserConfig())
	if err != nil {
		return err
	}
	a.analyser = an

	profile, err := a.cfg.Analysis.ResolveProfile()
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		Source:    an,
		Scheduler: a.sched,
		Profile:   profile,
		Canvas: features.Projector{
			Width:  float64(a.cfg.Analysis.CanvasWidth),
			Height: float64(a.cfg.Analysis.CanvasHeight),
		},
		OnFeatures: a.bus.PublishFeatures,
		OnFrame:    a.storeFrame,
		OnError:    a.analysisFailed,
		Metrics:    a.metrics,
	})
	if err != nil {
		return err
	}
	a.pipeline = p
	a.closers = append(a.closers, func() error {
		a.pipeline.Stop()
		return nil
	})
	return nil
}

// initTranscription creates the continuous transcription session. A nil
// STT provider still yields a session; its Start fails fast.
func (a *App) initTranscription() {
	tc := a.cfg.Transcription
	name := tc.Provider.Name
	if name == "" {
		name = "none"
	}
	a.conv = &audio.Converter{Target: audio.Format{SampleRate: tc.SampleRate, Channels: 1}}
	a.session = transcribe.New(transcribe.Config{
		Provider:     a.providers.STT,
		ProviderName: name,
		Stream: stt.StreamConfig{
			SampleRate: tc.SampleRate,
			Channels:   1,
			Language:   tc.Language,
		},
		ErrorRestartDelay: tc.ErrorRestartDelay,
		EndRestartDelay:   tc.EndRestartDelay,
		Clock:             a.clock,
		Notify:            a.onTranscription,
		Metrics:           a.metrics,
	})
	a.closers = append(a.closers, func() error {
		a.session.Stop()
		return nil
	})
}

// initHub subscribes the websocket feed to the event bus.
func (a *App) initHub() error {
	a.hub = newHub()
	if err := a.bus.SubscribeFeatures(a.hub.publishFeatures); err != nil {
		return err
	}
	for _, k := range []transcribe.EventKind{transcribe.EventStarted, transcribe.EventText, transcribe.EventStopped} {
		if err := a.bus.SubscribeTranscription(events.TranscriptionTopic(k), a.hub.publishTranscription); err != nil {
			return err
		}
	}
	a.closers = append(a.closers, func() error {
		a.hub.close()
		return nil
	})
	return nil
}

// routes assembles the HTTP API. The websocket feed is mounted outside the
// metrics middleware, whose response writer cannot be hijacked.
func (a *App) routes() http.Handler {
	checkers := []health.Checker{
		{Name: "pipeline", Check: a.checkPipeline},
		{Name: "source", Check: a.checkSource},
	}
	if a.providers.STT != nil {
		checkers = append(checkers, health.Checker{Name: "stt", Check: a.checkSTT, Optional: true})
	}

	api := http.NewServeMux()
	health.New(checkers...).Register(api)
	api.Handle("GET /metrics", promhttp.Handler())
	api.HandleFunc("GET /api/features", a.handleFeatures)
	api.HandleFunc("GET /api/frame", a.handleFrame)
	api.HandleFunc("POST /api/recording/start", a.handleRecordingStart)
	api.HandleFunc("POST /api/recording/stop", a.handleRecordingStop)
	api.HandleFunc("GET /api/transcript", a.handleTranscript)
	api.HandleFunc("POST /api/transcription/start", a.handleTranscriptionStart)
	api.HandleFunc("POST /api/transcription/stop", a.handleTranscriptionStop)
	api.HandleFunc("POST /api/transcription/clear", a.handleTranscriptionClear)

	root := http.NewServeMux()
	root.Handle("GET /api/ws", a.hub)
	root.Handle("/", observe.Middleware(a.metrics,
		"/api/features", "/api/frame", "/api/transcript", "/healthz", "/readyz", "/metrics",
	)(api))
	return root
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.handler }

// Session returns the transcription session.
func (a *App) Session() *transcribe.Session { return a.session }

// Pipeline returns the analysis pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Bus returns the event bus carrying features and transcription events.
func (a *App) Bus() *events.Bus { return a.bus }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts capture and the HTTP server and blocks until ctx is cancelled.
// Recording starts immediately when a capture source is configured;
// transcription starts when transcription.auto_start is set. An empty
// listen address disables the HTTP server.
//
// When ctx is done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.providers.OpenSource != nil {
		g.Go(func() error {
			a.capture(gctx)
			return nil
		})
		if err := a.StartRecording(); err != nil {
			return fmt.Errorf("app: start recording: %w", err)
		}
	}

	if a.cfg.Transcription.AutoStart {
		if err := a.session.Start(gctx); err != nil {
			slog.Warn("transcription auto start failed", "err", err)
		}
	}

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", addr, "tls", a.cfg.Server.TLS != nil)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	slog.Info("app running")
	<-gctx.Done()

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// capture pumps the source into the analyser and the transcription session
// until ctx ends. A looping source is reopened each time it ends; a failure
// is kept for the readiness probe and ends capture.
func (a *App) capture(ctx context.Context) {
	sink := source.Tee(a.analyser, source.SinkFunc(a.forward))
	for {
		s, err := a.providers.OpenSource()
		if err != nil {
			a.captureFailed(fmt.Errorf("app: open source: %w", err))
			return
		}
		slog.Info("capture source opened", "source", a.cfg.Audio.String(), "format", s.Format().String())

		err = source.Pump(ctx, s, sink, source.PumpConfig{Chunk: a.cfg.Audio.Chunk, Realtime: true})
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			a.captureFailed(fmt.Errorf("app: capture: %w", err))
			return
		case !a.cfg.Audio.Loop:
			slog.Info("capture source ended", "source", a.cfg.Audio.String())
			return
		}
	}
}

// forward streams captured audio to the transcription session while it is
// listening. Send failures never stop capture.
func (a *App) forward(frame audio.AudioFrame) error {
	if !a.session.Listening() {
		return nil
	}
	f := a.conv.Convert(frame)
	if len(f.Data) == 0 {
		return nil
	}
	if err := a.session.SendAudio(f.Data); err != nil {
		slog.Debug("transcription: dropped audio chunk", "err", err)
	}
	return nil
}

// ─── Recording ───────────────────────────────────────────────────────────────

// StartRecording starts the analysis pipeline. It returns
// [pipeline.ErrAlreadyActive] when recording is already on.
func (a *App) StartRecording() error {
	if err := a.pipeline.Start(); err != nil {
		return err
	}
	a.mu.Lock()
	a.recording = true
	a.analyseErr = nil
	a.mu.Unlock()
	return nil
}

// StopRecording stops the analysis pipeline and clears the latest frame.
func (a *App) StopRecording() {
	a.pipeline.Stop()
	a.mu.Lock()
	a.recording = false
	a.frame = features.Dataset{}
	a.mu.Unlock()
}

// Recording reports whether recording was requested and is still running.
func (a *App) Recording() bool {
	a.mu.Lock()
	rec := a.recording
	a.mu.Unlock()
	return rec && a.pipeline.Active()
}

// storeFrame keeps ds unless recording was stopped meanwhile, so a tick
// finishing during StopRecording cannot restore the cleared frame.
func (a *App) storeFrame(ds features.Dataset) {
	a.mu.Lock()
	if a.recording {
		a.frame = ds
	}
	a.mu.Unlock()
}

func (a *App) latestFrame() features.Dataset {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frame
}

func (a *App) analysisFailed(err error) {
	a.mu.Lock()
	a.analyseErr = err
	a.mu.Unlock()
}

func (a *App) captureFailed(err error) {
	slog.Error("capture failed", "source", a.cfg.Audio.String(), "err", err)
	a.mu.Lock()
	a.captureErr = err
	a.mu.Unlock()
}

// onTranscription forwards session events to the bus and tracks the last
// restart failure for the readiness probe.
func (a *App) onTranscription(ev transcribe.Event) {
	switch ev.Kind {
	case transcribe.EventStarted:
		a.mu.Lock()
		a.sttErr = nil
		a.mu.Unlock()
	case transcribe.EventStopped:
		a.mu.Lock()
		a.sttErr = ev.Err
		a.mu.Unlock()
	}
	a.bus.PublishTranscription(ev)
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (a *App) checkPipeline(context.Context) error {
	a.mu.Lock()
	rec, err := a.recording, a.analyseErr
	a.mu.Unlock()
	if rec && !a.pipeline.Active() {
		if err != nil {
			return err
		}
		return errors.New("recording stopped unexpectedly")
	}
	return nil
}

func (a *App) checkSource(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.captureErr
}

func (a *App) checkSTT(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sttErr
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable part of a config change: the log
// level and the analysis profile. Other changes are logged as needing a
// restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.ProfileChanged {
		a.pipeline.SetProfile(d.NewProfile)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
