package transcribe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxlens/internal/observe"
	"github.com/MrWong99/voxlens/pkg/provider/stt"
	"github.com/MrWong99/voxlens/pkg/provider/stt/mock"
)

// ---- test doubles ----

// fakeClock fires timers only when the test advances it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and runs due timers synchronously.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// Pending returns the delays of timers that have neither fired nor been
// stopped.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofKind(k EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

type harness struct {
	s      *Session
	p      *mock.Provider
	clock  *fakeClock
	events *eventLog
	reader *sdkmetric.ManualReader
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m, reader := testMetrics(t)
	h := &harness{
		p:      &mock.Provider{},
		clock:  &fakeClock{},
		events: &eventLog{},
		reader: reader,
	}
	h.s = New(Config{
		Provider:     h.p,
		ProviderName: "mock",
		Stream:       stt.StreamConfig{SampleRate: 16000, Channels: 1},
		Clock:        h.clock,
		Notify:       h.events.add,
		Metrics:      m,
	})
	t.Cleanup(h.s.Stop)
	return h
}

func (h *harness) start(t *testing.T) *mock.Session {
	t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.p.Last()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.s.State() == want })
}

func (h *harness) epoch() uint64 {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.epoch
}

var errNetwork = &stt.ProviderError{Code: stt.CodeNetwork, Err: errors.New("connection reset")}

// ---- Start ----

func TestStart_ProviderUnavailable(t *testing.T) {
	s := New(Config{})
	if err := s.Start(context.Background()); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Start = %v, want ErrProviderUnavailable", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestStart_AlreadyListening(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	if err := h.s.Start(context.Background()); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("second Start = %v, want ErrAlreadyListening", err)
	}
	if got := h.p.CallCount(); got != 1 {
		t.Errorf("StartStream calls = %d, want 1", got)
	}
	if got := len(h.events.ofKind(EventStarted)); got != 1 {
		t.Errorf("started events = %d, want 1", got)
	}
	if h.s.ID() == "" {
		t.Error("session ID is empty")
	}
}

func TestStart_FailureIsReturned(t *testing.T) {
	h := newHarness(t)
	denied := errors.New("permission denied")
	h.p.SetStartStreamErr(denied)

	err := h.s.Start(context.Background())
	if !errors.Is(err, denied) {
		t.Fatalf("Start = %v, want wrapped %v", err, denied)
	}
	if h.s.State() != StateIdle || h.s.Listening() {
		t.Errorf("state = %v listening = %v, want idle and not listening", h.s.State(), h.s.Listening())
	}
	if len(h.clock.Pending()) != 0 {
		t.Error("synchronous start failure scheduled a restart")
	}

	h.p.SetStartStreamErr(nil)
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	if h.s.State() != StateListening {
		t.Errorf("state = %v, want listening", h.s.State())
	}
}

// blockingProvider holds StartStream until released.
type blockingProvider struct {
	entered chan struct{}
	release chan struct{}
	sess    *mock.Session
}

func (p *blockingProvider) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	close(p.entered)
	<-p.release
	return p.sess, nil
}

func TestStop_WhileStarting(t *testing.T) {
	p := &blockingProvider{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		sess:    mock.NewSession(),
	}
	s := New(Config{Provider: p, Clock: &fakeClock{}})

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()
	<-p.entered
	s.Stop()
	close(p.release)

	if err := <-errc; err != nil {
		t.Fatalf("Start = %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %v, want stopped", s.State())
	}
	if !p.sess.Finished() {
		t.Error("stream opened after Stop was not closed")
	}
}

// ---- transcript ----

func TestTranscript_Accumulates(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t)

	steps := []struct {
		emit func()
		want string
	}{
		{func() { sess.EmitPartial("hel") }, "hel"},
		{func() { sess.EmitPartial("hello") }, "hello"},
		{func() { sess.EmitFinal("hello") }, "hello "},
		{func() { sess.EmitPartial("wor") }, "hello wor"},
		{func() { sess.EmitFinal("world") }, "hello world "},
		{func() { sess.EmitFinal("   ") }, "hello world "},
	}
	for _, st := range steps {
		st.emit()
		waitFor(t, "transcript "+st.want, func() bool { return h.s.Transcript() == st.want })
	}

	h.s.Clear()
	if got := h.s.Transcript(); got != "" {
		t.Errorf("after Clear Transcript = %q, want empty", got)
	}
}

func TestTranscript_FinalClearsInterim(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t)

	sess.EmitPartial("draft")
	waitFor(t, "interim", func() bool { return h.s.Transcript() == "draft" })
	sess.EmitFinal("done")
	waitFor(t, "final event", func() bool {
		texts := h.events.ofKind(EventText)
		return len(texts) > 0 && texts[len(texts)-1].Final != ""
	})

	texts := h.events.ofKind(EventText)
	last := texts[len(texts)-1]
	if last.Final != "done" || last.Interim != "" || last.Transcript != "done " {
		t.Errorf("last text event = %+v", last)
	}
}

// ---- restarts ----

func TestError_RestartsAfterErrorDelay(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t)

	sess.Finish(errNetwork)
	h.waitState(t, StateRestartPending)
	waitFor(t, "failed stream closed", func() bool { return sess.Closes() > 0 })

	pending := h.clock.Pending()
	if len(pending) != 1 || pending[0] != DefaultErrorRestartDelay {
		t.Fatalf("pending timers = %v, want [%v]", pending, DefaultErrorRestartDelay)
	}

	h.clock.Advance(999 * time.Millisecond)
	if got := h.p.CallCount(); got != 1 {
		t.Fatalf("restarted early: StartStream calls = %d", got)
	}
	h.clock.Advance(time.Millisecond)
	if got := h.p.CallCount(); got != 2 {
		t.Fatalf("StartStream calls = %d, want 2", got)
	}
	if h.s.State() != StateListening {
		t.Errorf("state = %v, want listening", h.s.State())
	}
	if h.s.Restarts() != 1 {
		t.Errorf("Restarts = %d, want 1", h.s.Restarts())
	}

	started := h.events.ofKind(EventStarted)
	if len(started) != 2 || started[0].Restart || !started[1].Restart {
		t.Errorf("started events = %+v", started)
	}
}

func TestEnd_RestartsAfterEndDelay(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t)

	sess.Finish(nil)
	h.waitState(t, StateRestartPending)

	pending := h.clock.Pending()
	if len(pending) != 1 || pending[0] != DefaultEndRestartDelay {
		t.Fatalf("pending timers = %v, want [%v]", pending, DefaultEndRestartDelay)
	}
	h.clock.Advance(DefaultEndRestartDelay)
	if got := h.p.CallCount(); got != 2 {
		t.Fatalf("StartStream calls = %d, want 2", got)
	}
	if h.s.State() != StateListening {
		t.Errorf("state = %v, want listening", h.s.State())
	}
}

func TestNoSpeech_RestartsAfterEndDelay(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t)

	sess.Finish(&stt.ProviderError{Code: stt.CodeNoSpeech, Err: errors.New("NET-0001 no audio received")})
	h.waitState(t, StateRestartPending)

	pending := h.clock.Pending()
	if len(pending) != 1 || pending[0] != DefaultEndRestartDelay {
		t.Fatalf("pending timers = %v, want [%v]", pending, DefaultEndRestartDelay)
	}
	h.clock.Advance(DefaultEndRestartDelay)
	if got := h.p.CallCount(); got != 2 {
		t.Fatalf("StartStream calls = %d, want 2", got)
	}
	if h.s.State() != StateListening {
		t.Errorf("state = %v, want listening", h.s.State())
	}
}

func TestRestart_KeepsTranscript(t *testing.T) {
	h := newHarness(t)
	first := h.start(t)
	first.EmitFinal("one")
	waitFor(t, "first final", func() bool { return h.s.Transcript() == "one " })

	first.Finish(nil)
	h.waitState(t, StateRestartPending)
	h.clock.Advance(DefaultEndRestartDelay)

	second := h.p.Last()
	if second == first {
		t.Fatal("restart reused the finished stream")
	}
	second.EmitFinal("two")
	waitFor(t, "second final", func() bool { return h.s.Transcript() == "one two " })
}

func TestError_SecondErrorSupersedes(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t)

	sess.Finish(errNetwork)
	h.waitState(t, StateRestartPending)

	h.s.onError(h.epoch(), &stt.ProviderError{Code: stt.CodeServiceError})
	if got := len(h.clock.Pending()); got != 1 {
		t.Fatalf("pending timers = %d, want 1", got)
	}

	h.clock.Advance(DefaultErrorRestartDelay)
	h.clock.Advance(DefaultErrorRestartDelay)
	if got := h.p.CallCount(); got != 2 {
		t.Errorf("StartStream calls = %d, want exactly one restart", got)
	}
}

func TestStop_DuringPendingRestart(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t)

	sess.Finish(nil)
	h.waitState(t, StateRestartPending)
	h.s.mu.Lock()
	seq := h.s.timerSeq
	h.s.mu.Unlock()

	h.s.Stop()
	if len(h.clock.Pending()) != 0 {
		t.Error("Stop left a restart timer pending")
	}
	h.clock.Advance(time.Minute)
	// A timer callback already in flight when Stop ran.
	h.s.restart(seq)

	if got := h.p.CallCount(); got != 1 {
		t.Errorf("StartStream calls = %d, want 1", got)
	}
	if h.s.State() != StateStopped {
		t.Errorf("state = %v, want stopped", h.s.State())
	}
}

func TestStop_Idempotent(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t)

	h.s.Stop()
	h.s.Stop()

	if got := sess.Closes(); got != 1 {
		t.Errorf("stream Close calls = %d, want 1", got)
	}
	stopped := h.events.ofKind(EventStopped)
	if len(stopped) != 1 || stopped[0].Reason != ReasonRequested {
		t.Errorf("stopped events = %+v", stopped)
	}
	if h.s.Listening() {
		t.Error("Listening after Stop")
	}
}

func TestStop_BeforeStart(t *testing.T) {
	h := newHarness(t)

	h.s.Stop()
	h.s.Stop()

	if h.s.State() != StateStopped {
		t.Errorf("state = %v, want stopped", h.s.State())
	}
	if got := len(h.events.ofKind(EventStopped)); got != 0 {
		t.Errorf("stopped events = %d, want 0", got)
	}
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	if h.s.State() != StateListening {
		t.Errorf("state = %v, want listening", h.s.State())
	}
}

func TestStop_IgnoresLateEvents(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	epoch := h.epoch()

	h.s.Stop()
	h.s.onError(epoch, errNetwork)
	h.s.onEnd(epoch)
	h.s.onFinal(epoch, stt.Transcript{Text: "late", IsFinal: true})

	if len(h.clock.Pending()) != 0 {
		t.Error("late provider event scheduled a restart")
	}
	if got := h.s.Transcript(); got != "" {
		t.Errorf("Transcript = %q, want empty", got)
	}
	if h.s.State() != StateStopped {
		t.Errorf("state = %v, want stopped", h.s.State())
	}
}

func TestRestart_FailureStops(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t)

	quota := errors.New("quota exceeded")
	h.p.SetStartStreamErr(quota)
	sess.Finish(errNetwork)
	h.waitState(t, StateRestartPending)
	h.clock.Advance(DefaultErrorRestartDelay)

	if h.s.State() != StateStopped || h.s.Listening() {
		t.Fatalf("state = %v listening = %v, want stopped", h.s.State(), h.s.Listening())
	}
	stopped := h.events.ofKind(EventStopped)
	if len(stopped) != 1 || stopped[0].Reason != ReasonRestartFailed || !errors.Is(stopped[0].Err, quota) {
		t.Fatalf("stopped events = %+v", stopped)
	}

	h.clock.Advance(time.Minute)
	if got := h.p.CallCount(); got != 2 {
		t.Errorf("StartStream calls = %d, want 2 (no retry loop)", got)
	}

	h.p.SetStartStreamErr(nil)
	if err := h.s.Start(context.Background()); err != nil {
		t.Errorf("Start after restart failure: %v", err)
	}
}

// ---- audio ----

func TestSendAudio(t *testing.T) {
	h := newHarness(t)
	if err := h.s.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("SendAudio before Start = %v", err)
	}

	sess := h.start(t)
	if err := h.s.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if got := sess.SendAudioCallCount(); got != 1 {
		t.Fatalf("SendAudio calls = %d, want 1", got)
	}

	boom := errors.New("boom")
	sess.SetSendAudioErr(boom)
	if err := h.s.SendAudio([]byte{3, 4}); !errors.Is(err, boom) {
		t.Errorf("SendAudio = %v, want wrapped boom", err)
	}

	sess.Finish(nil)
	h.waitState(t, StateRestartPending)
	if err := h.s.SendAudio([]byte{5, 6}); err != nil {
		t.Errorf("SendAudio while restart pending = %v, want dropped", err)
	}
	if got := sess.SendAudioCallCount(); got != 2 {
		t.Errorf("SendAudio calls = %d, want 2", got)
	}
}

// ---- metrics ----

func TestSession_RecordsMetrics(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t)

	sess.EmitFinal("hi")
	waitFor(t, "final event", func() bool {
		for _, ev := range h.events.ofKind(EventText) {
			if ev.Final == "hi" {
				return true
			}
		}
		return false
	})
	sess.Finish(errNetwork)
	h.waitState(t, StateRestartPending)
	waitFor(t, "failed stream closed", func() bool { return sess.Closes() > 0 })

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if s, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[met.Name] += dp.Value
				}
			}
		}
	}
	want := map[string]int64{
		"voxlens.transcription.segments": 1,
		"voxlens.transcription.restarts": 1,
		"voxlens.provider.errors":        1,
		"voxlens.active_sessions":        1,
	}
	for name, v := range want {
		if sums[name] != v {
			t.Errorf("%s = %d, want %d", name, sums[name], v)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateListening, "listening"},
		{StateEnded, "ended"},
		{StateErrored, "errored"},
		{StateRestartPending, "restart-pending"},
		{StateStopped, "stopped"},
		{State(42), "State(42)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tc.s), got, tc.want)
		}
	}
}
