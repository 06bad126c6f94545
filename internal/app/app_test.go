package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlens/internal/app"
	"github.com/MrWong99/voxlens/internal/config"
	"github.com/MrWong99/voxlens/internal/transcribe"
	"github.com/MrWong99/voxlens/pkg/audio/source"
	"github.com/MrWong99/voxlens/pkg/features"
	"github.com/MrWong99/voxlens/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxlens/pkg/provider/stt/mock"
)

// manualScheduler queues ticks until the test steps them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*task
}

type task struct {
	fn        func()
	cancelled bool
}

func (s *manualScheduler) Schedule(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &task{fn: fn}
	s.tasks = append(s.tasks, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.cancelled = true
	}
}

// Step runs the oldest live task and reports whether one ran.
func (s *manualScheduler) Step() bool {
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return false
		}
		t := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		if !t.cancelled {
			t.fn()
			return true
		}
	}
}

// fakeClock records restart timers; Fire runs the pending ones.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	fn      func()
	stopped bool
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) transcribe.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *fakeClock) Fire() {
	c.mu.Lock()
	var due []func()
	for _, t := range c.timers {
		if !t.stopped {
			t.stopped = true
			due = append(due, t.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

// testConfig returns the default config without an HTTP listener.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = ""
	return cfg
}

type fixture struct {
	app   *app.App
	sched *manualScheduler
	clock *fakeClock
	stt   *sttmock.Provider
	srv   *httptest.Server
}

func newFixture(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{sched: &manualScheduler{}, clock: &fakeClock{}}
	if providers == nil {
		providers = &app.Providers{}
	}
	if p, ok := providers.STT.(*sttmock.Provider); ok {
		f.stt = p
	}
	opts = append([]app.Option{app.WithScheduler(f.sched), app.WithClock(f.clock)}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.app = a
	f.srv = httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type featuresBody struct {
	Recording bool              `json:"recording"`
	Profile   string            `json:"profile"`
	Ticks     uint64            `json:"ticks"`
	Features  features.Features `json:"features"`
}

type transcriptBody struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	Listening  bool   `json:"listening"`
	Restarts   int    `json:"restarts"`
	Transcript string `json:"transcript"`
}

type readyBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)

	var body featuresBody
	if code := f.do(t, http.MethodGet, "/api/features", &body); code != http.StatusOK {
		t.Fatalf("GET /api/features = %d, want 200", code)
	}
	if body.Recording {
		t.Error("recording = true before start")
	}
	if body.Profile != "live" {
		t.Errorf("profile = %q, want live", body.Profile)
	}
	if f.app.Session().ID() == "" {
		t.Error("session has no ID")
	}
}

func TestNew_InvalidAnalyser(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Audio.FFTSize = 1000
	if _, err := app.New(context.Background(), cfg, nil); err == nil {
		t.Fatal("New() with invalid FFT size returned nil error")
	}
}

func TestRecording_StartStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)

	if code := f.do(t, http.MethodPost, "/api/recording/start", nil); code != http.StatusOK {
		t.Fatalf("start = %d, want 200", code)
	}
	if code := f.do(t, http.MethodPost, "/api/recording/start", nil); code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", code)
	}

	if !f.sched.Step() {
		t.Fatal("no tick scheduled after start")
	}

	var body featuresBody
	f.do(t, http.MethodGet, "/api/features", &body)
	if !body.Recording || body.Ticks != 1 {
		t.Errorf("features = %+v, want recording with 1 tick", body)
	}
	var frame features.Dataset
	f.do(t, http.MethodGet, "/api/frame", &frame)
	if len(frame.Bars) == 0 {
		t.Error("no frame stored while recording")
	}

	if code := f.do(t, http.MethodPost, "/api/recording/stop", nil); code != http.StatusOK {
		t.Fatalf("stop = %d, want 200", code)
	}
	if f.sched.Step() {
		t.Error("tick ran after stop")
	}
	f.do(t, http.MethodGet, "/api/features", &body)
	if body.Recording {
		t.Error("recording = true after stop")
	}
	if body.Features != (features.Features{}) {
		t.Errorf("features after stop = %+v, want zero", body.Features)
	}
	frame = features.Dataset{}
	f.do(t, http.MethodGet, "/api/frame", &frame)
	if len(frame.Bars) != 0 {
		t.Errorf("frame after stop has %d bars, want none", len(frame.Bars))
	}
}

func TestRecording_FeaturesReachBus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)

	var (
		mu  sync.Mutex
		got int
	)
	if err := f.app.Bus().SubscribeFeatures(func(features.Features) {
		mu.Lock()
		got++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubscribeFeatures: %v", err)
	}

	if err := f.app.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	f.sched.Step()
	f.sched.Step()
	f.app.Bus().Wait()

	mu.Lock()
	defer mu.Unlock()
	if got != 2 {
		t.Errorf("features events = %d, want 2", got)
	}
}

func TestTranscription_NoProvider(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)

	if code := f.do(t, http.MethodPost, "/api/transcription/start", nil); code != http.StatusServiceUnavailable {
		t.Errorf("start without provider = %d, want 503", code)
	}
	if f.app.Session().Listening() {
		t.Error("session listening after failed start")
	}
}

func TestTranscription_Lifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), &app.Providers{STT: &sttmock.Provider{}})

	var body transcriptBody
	if code := f.do(t, http.MethodPost, "/api/transcription/start", &body); code != http.StatusOK {
		t.Fatalf("start = %d, want 200", code)
	}
	if !body.Listening || body.State != "listening" {
		t.Errorf("after start = %+v", body)
	}
	if code := f.do(t, http.MethodPost, "/api/transcription/start", nil); code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", code)
	}

	f.stt.Last().EmitFinal("hello world")
	waitFor(t, "final transcript", func() bool {
		return f.app.Session().Transcript() == "hello world "
	})

	f.do(t, http.MethodGet, "/api/transcript", &body)
	if body.Transcript != "hello world " {
		t.Errorf("transcript = %q, want %q", body.Transcript, "hello world ")
	}

	f.do(t, http.MethodPost, "/api/transcription/stop", &body)
	if body.Listening || body.State != "stopped" {
		t.Errorf("after stop = %+v", body)
	}
	if body.Transcript != "hello world " {
		t.Errorf("stop cleared transcript: %q", body.Transcript)
	}

	f.do(t, http.MethodPost, "/api/transcription/clear", &body)
	if body.Transcript != "" {
		t.Errorf("after clear transcript = %q, want empty", body.Transcript)
	}
}

func TestTranscription_ProviderRefuses(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{StartStreamErr: errors.New("unauthorised")}
	f := newFixture(t, testConfig(), &app.Providers{STT: p})

	if code := f.do(t, http.MethodPost, "/api/transcription/start", nil); code != http.StatusBadGateway {
		t.Errorf("start = %d, want 502", code)
	}
}

func TestReadyz_DegradedAfterRestartFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), &app.Providers{STT: &sttmock.Provider{}})

	var body readyBody
	if code := f.do(t, http.MethodGet, "/readyz", &body); code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("readyz before = %d %+v", code, body)
	}

	if err := f.app.Session().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.stt.SetStartStreamErr(errors.New("quota exceeded"))
	f.stt.Last().Finish(&stt.ProviderError{Code: stt.CodeNetwork})

	waitFor(t, "restart timer", func() bool { return f.clock.pending() == 1 })
	f.clock.Fire()

	if f.app.Session().State() != transcribe.StateStopped {
		t.Fatalf("state = %s, want stopped", f.app.Session().State())
	}

	code := f.do(t, http.MethodGet, "/readyz", &body)
	if code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", code)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}

	// A successful start clears the degradation.
	f.stt.SetStartStreamErr(nil)
	if err := f.app.Session().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.do(t, http.MethodGet, "/readyz", &body)
	if body.Status != "ok" {
		t.Errorf("status after restart = %q, want ok", body.Status)
	}
}

func TestRun_CaptureFeedsAnalysisAndTranscription(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Transcription.Provider.Name = "mock"
	cfg.Transcription.AutoStart = true

	providers := &app.Providers{
		STT: &sttmock.Provider{},
		OpenSource: func() (source.Stream, error) {
			return source.NewTone(440, 0.5, 48000), nil
		},
	}
	f := newFixture(t, cfg, providers)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.app.Run(ctx) }()

	waitFor(t, "transcription stream", func() bool { return f.stt.Last() != nil })
	sess := f.stt.Last()
	waitFor(t, "audio sent to provider", func() bool { return sess.SendAudioCallCount() > 0 })
	waitFor(t, "recording", f.app.Recording)

	if got := f.stt.Configs()[0]; got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("stream config = %+v, want 16000 Hz mono", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after cancellation")
	}
}

func TestRun_CaptureFailureFailsReadiness(t *testing.T) {
	t.Parallel()

	providers := &app.Providers{
		OpenSource: func() (source.Stream, error) {
			return nil, errors.New("no such device")
		},
	}
	f := newFixture(t, testConfig(), providers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.app.Run(ctx) }()

	waitFor(t, "readiness failure", func() bool {
		var body readyBody
		return f.do(t, http.MethodGet, "/readyz", &body) == http.StatusServiceUnavailable
	})
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	f := newFixture(t, testConfig(), nil, app.WithLevel(&level))

	old := testConfig()
	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Analysis.Profile = "upload"

	f.app.ApplyConfig(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := f.app.Pipeline().Profile(); got != features.ProfileUpload {
		t.Errorf("profile = %s, want upload", got)
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), &app.Providers{STT: &sttmock.Provider{}})
	if err := f.app.Session().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.app.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if f.app.Session().State() != transcribe.StateStopped {
		t.Errorf("session state = %s, want stopped", f.app.Session().State())
	}
	if f.app.Pipeline().Active() {
		t.Error("pipeline still active after shutdown")
	}
	if got := f.stt.Last().Closes(); got != 1 {
		t.Errorf("stream closes = %d, want 1", got)
	}

	if err := f.app.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown(cancelled) = %v, want context.Canceled", err)
	}
}
