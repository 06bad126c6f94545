// Package transcribe keeps one logical continuous-listening session alive on
// top of a speech-to-text [stt.Provider].
//
// Providers end their streams on their own: after a stretch of silence, on a
// network hiccup, or on a service fault. A [Session] reopens the stream after
// a short delay for a natural end and a longer one after an error. Only one
// restart timer is ever pending; scheduling a new one cancels the previous.
//
// A failed [Session.Start] is returned to the caller. A failed automatic
// restart stops the session and is reported as an [EventStopped] with
// [ReasonRestartFailed]; there is no retry loop on synchronous failures.
//
// All methods are safe for concurrent use. Provider callbacks and timers run
// on their own goroutines but check the session epoch under the lock, so
// anything that arrives after [Session.Stop] is ignored.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxlens/internal/observe"
	"github.com/MrWong99/voxlens/pkg/provider/stt"
)

// Default restart delays.
const (
	DefaultErrorRestartDelay = time.Second
	DefaultEndRestartDelay   = 100 * time.Millisecond
)

var (
	// ErrProviderUnavailable is returned by [Session.Start] when no
	// speech-to-text provider is configured.
	ErrProviderUnavailable = errors.New("transcribe: speech recognition is not available")

	// ErrAlreadyListening is returned by [Session.Start] while the session is
	// already wanted.
	ErrAlreadyListening = errors.New("transcribe: already listening")
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateIdle State = iota
	StateListening
	StateEnded
	StateErrored
	StateRestartPending
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateEnded:
		return "ended"
	case StateErrored:
		return "errored"
	case StateRestartPending:
		return "restart-pending"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Clock schedules restart timers. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending restart. Stop reports whether the call prevented it
// from firing.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config configures a [Session].
type Config struct {
	// Provider opens streams. A nil provider makes Start fail with
	// ErrProviderUnavailable.
	Provider stt.Provider

	// ProviderName labels metrics and logs. Defaults to "stt".
	ProviderName string

	// Stream is passed to every StartStream call.
	Stream stt.StreamConfig

	// ErrorRestartDelay is the wait after a provider error. Defaults to
	// DefaultErrorRestartDelay.
	ErrorRestartDelay time.Duration

	// EndRestartDelay is the wait after a natural end. Defaults to
	// DefaultEndRestartDelay.
	EndRestartDelay time.Duration

	// Clock defaults to the wall clock.
	Clock Clock

	// Notify receives lifecycle and text events. It is called without the
	// session lock held and may call back into the session. May be nil.
	Notify func(Event)

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session is one continuous-listening session.
type Session struct {
	id         string
	provider   stt.Provider
	name       string
	stream     stt.StreamConfig
	errorDelay time.Duration
	endDelay   time.Duration
	clock      Clock
	notify     func(Event)
	metrics    *observe.Metrics

	mu    sync.Mutex
	state State

	// wanted is the "should be listening" flag. Only Start sets it, only Stop
	// and a failed restart clear it.
	wanted bool

	// epoch increments whenever the current handle changes or the session
	// stops. Consumers and timers carry the epoch they were created in.
	epoch    uint64
	handle   stt.SessionHandle
	timer    Timer
	timerSeq uint64
	ctx      context.Context
	counted  bool
	restarts int

	final   strings.Builder
	interim string
}

// New returns an idle [Session].
func New(cfg Config) *Session {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "stt"
	}
	if cfg.ErrorRestartDelay <= 0 {
		cfg.ErrorRestartDelay = DefaultErrorRestartDelay
	}
	if cfg.EndRestartDelay <= 0 {
		cfg.EndRestartDelay = DefaultEndRestartDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Session{
		id:         uuid.NewString(),
		provider:   cfg.Provider,
		name:       cfg.ProviderName,
		stream:     cfg.Stream,
		errorDelay: cfg.ErrorRestartDelay,
		endDelay:   cfg.EndRestartDelay,
		clock:      cfg.Clock,
		notify:     cfg.Notify,
		metrics:    cfg.Metrics,
	}
}

// ID returns the session identifier used in logs and events.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listening reports whether the session wants to listen, including while a
// restart is pending.
func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wanted
}

// Restarts returns the number of successful automatic restarts.
func (s *Session) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Start opens the first stream. ctx bounds that call only; restarts use a
// context that keeps ctx's values but not its cancellation.
func (s *Session) Start(ctx context.Context) error {
	if s.provider == nil {
		return ErrProviderUnavailable
	}

	s.mu.Lock()
	if s.wanted {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	s.wanted = true
	s.epoch++
	epoch := s.epoch
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	h, err := s.open(ctx)

	s.mu.Lock()
	if epoch != s.epoch {
		// Stopped while the stream was opening.
		s.mu.Unlock()
		if h != nil {
			_ = h.Close()
		}
		return nil
	}
	if err != nil {
		s.wanted = false
		s.mu.Unlock()
		s.metrics.RecordProviderError(ctx, s.name, "start")
		return fmt.Errorf("transcribe: start: %w", err)
	}
	s.attachLocked(ctx, epoch, h)
	s.mu.Unlock()

	slog.Info("transcription started", "session_id", s.id, "provider", s.name)
	s.emit(Event{Kind: EventStarted, SessionID: s.id})
	return nil
}

// Stop moves the session to Stopped from any state. It cancels a pending
// restart, closes the current stream, and makes late provider events no-ops.
// On a session that is not listening it only sets the state.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.wanted {
		s.state = StateStopped
		s.mu.Unlock()
		return
	}
	s.wanted = false
	s.epoch++
	s.cancelTimerLocked()
	h := s.handle
	s.handle = nil
	s.state = StateStopped
	s.uncountLocked()
	s.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			slog.Warn("transcription: close stream", "session_id", s.id, "err", err)
		}
	}
	slog.Info("transcription stopped", "session_id", s.id)
	s.emit(Event{Kind: EventStopped, SessionID: s.id, Reason: ReasonRequested})
}

// SendAudio forwards PCM to the current stream. Audio is dropped while no
// stream is open. A stream that finished between the state check and the
// write is not an error; its end is handled by the restart logic.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	h := s.handle
	listening := s.state == StateListening
	s.mu.Unlock()
	if !listening || h == nil {
		return nil
	}
	if err := h.SendAudio(pcm); err != nil && !errors.Is(err, stt.ErrClosed) {
		return fmt.Errorf("transcribe: send audio: %w", err)
	}
	return nil
}

// Transcript returns the accumulated final text followed by the current
// interim text.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final.String() + s.interim
}

// Clear discards the accumulated and interim text.
func (s *Session) Clear() {
	s.mu.Lock()
	s.final.Reset()
	s.interim = ""
	s.mu.Unlock()
	s.emit(Event{Kind: EventText, SessionID: s.id})
}

// open calls StartStream and records its latency.
func (s *Session) open(ctx context.Context) (stt.SessionHandle, error) {
	ctx, span := observe.StartSpan(ctx, "stt.StartStream")
	span.SetAttributes(observe.Attr("provider", s.name), observe.Attr("session_id", s.id))
	start := time.Now()
	h, err := s.provider.StartStream(ctx, s.stream)
	s.metrics.StreamStartDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.name)),
	)
	observe.EndSpan(span, err)
	return h, err
}

// attachLocked installs h as the current stream and starts its consumer.
func (s *Session) attachLocked(ctx context.Context, epoch uint64, h stt.SessionHandle) {
	s.handle = h
	s.state = StateListening
	if !s.counted {
		s.counted = true
		s.metrics.ActiveSessions.Add(ctx, 1)
	}
	go s.consume(epoch, h)
}

func (s *Session) uncountLocked() {
	if s.counted {
		s.counted = false
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// consume forwards transcripts from h until both channels close, then
// handles the end of the stream.
func (s *Session) consume(epoch uint64, h stt.SessionHandle) {
	partials, finals := h.Partials(), h.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.onPartial(epoch, t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.onFinal(epoch, t)
		}
	}
	// A silence timeout ends the utterance like a natural close.
	switch err := h.Err(); {
	case err == nil, stt.ErrorCode(err) == stt.CodeNoSpeech:
		s.onEnd(epoch)
	default:
		s.onError(epoch, err)
	}
}

func (s *Session) onPartial(epoch uint64, t stt.Transcript) {
	s.mu.Lock()
	if epoch != s.epoch || s.state != StateListening {
		s.mu.Unlock()
		return
	}
	s.interim = t.Text
	ev := s.textEventLocked("")
	s.mu.Unlock()
	s.emit(ev)
}

// onFinal appends a final segment followed by a space and clears the
// interim text. Blank finals only clear the interim text.
func (s *Session) onFinal(epoch uint64, t stt.Transcript) {
	s.mu.Lock()
	if epoch != s.epoch || s.state != StateListening {
		s.mu.Unlock()
		return
	}
	text := strings.TrimSpace(t.Text)
	if text != "" {
		s.final.WriteString(text)
		s.final.WriteByte(' ')
	}
	s.interim = ""
	ev := s.textEventLocked(text)
	ctx := s.ctx
	s.mu.Unlock()

	if text != "" {
		s.metrics.TranscriptSegments.Add(ctx, 1)
	}
	s.emit(ev)
}

func (s *Session) textEventLocked(final string) Event {
	return Event{
		Kind:       EventText,
		SessionID:  s.id,
		Final:      final,
		Interim:    s.interim,
		Transcript: s.final.String() + s.interim,
	}
}

// onError handles a provider error. It is accepted while Listening and while
// a restart from an earlier failure of the same stream is pending, so a
// repeated error supersedes the pending timer.
func (s *Session) onError(epoch uint64, err error) {
	s.mu.Lock()
	if !s.acceptsEndLocked(epoch) {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	h := s.detachLocked()
	s.scheduleLocked(s.errorDelay, observe.CauseError)
	ctx := s.ctx
	s.mu.Unlock()

	code := stt.ErrorCode(err)
	if code == "" {
		code = "unknown"
	}
	s.metrics.RecordProviderError(ctx, s.name, code)
	slog.Warn("transcription: provider error, restarting",
		"session_id", s.id,
		"code", code,
		"delay", s.errorDelay,
		"err", err,
	)
	closeQuietly(h)
}

// onEnd handles a natural end of the stream.
func (s *Session) onEnd(epoch uint64) {
	s.mu.Lock()
	if !s.acceptsEndLocked(epoch) {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	h := s.detachLocked()
	s.scheduleLocked(s.endDelay, observe.CauseEnd)
	s.mu.Unlock()

	slog.Debug("transcription: stream ended, restarting", "session_id", s.id, "delay", s.endDelay)
	closeQuietly(h)
}

func (s *Session) acceptsEndLocked(epoch uint64) bool {
	if epoch != s.epoch || !s.wanted {
		return false
	}
	return s.state == StateListening || s.state == StateRestartPending
}

func (s *Session) detachLocked() stt.SessionHandle {
	h := s.handle
	s.handle = nil
	return h
}

// scheduleLocked installs the single restart timer, cancelling any previous
// one, and moves to RestartPending.
func (s *Session) scheduleLocked(delay time.Duration, cause string) {
	s.cancelTimerLocked()
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.clock.AfterFunc(delay, func() { s.restart(seq) })
	s.state = StateRestartPending
	s.metrics.RecordRestart(s.ctx, cause)
}

func (s *Session) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// Invalidates a timer whose callback is already running.
	s.timerSeq++
}

// restart runs when the restart timer elapses.
func (s *Session) restart(seq uint64) {
	s.mu.Lock()
	if seq != s.timerSeq || !s.wanted || s.state != StateRestartPending {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.epoch++
	epoch := s.epoch
	ctx := s.ctx
	s.mu.Unlock()

	h, err := s.open(ctx)

	s.mu.Lock()
	if epoch != s.epoch || !s.wanted {
		s.mu.Unlock()
		closeQuietly(h)
		return
	}
	if err != nil {
		s.wanted = false
		s.epoch++
		s.state = StateStopped
		s.uncountLocked()
		s.mu.Unlock()

		s.metrics.RecordProviderError(ctx, s.name, "restart")
		slog.Error("transcription: restart failed", "session_id", s.id, "err", err)
		s.emit(Event{
			Kind:      EventStopped,
			SessionID: s.id,
			Reason:    ReasonRestartFailed,
			Err:       fmt.Errorf("transcribe: restart: %w", err),
		})
		return
	}
	s.restarts++
	s.attachLocked(ctx, epoch, h)
	s.mu.Unlock()

	slog.Debug("transcription: restarted", "session_id", s.id)
	s.emit(Event{Kind: EventStarted, SessionID: s.id, Restart: true})
}

func (s *Session) emit(ev Event) {
	if s.notify != nil {
		s.notify(ev)
	}
}

func closeQuietly(h stt.SessionHandle) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		slog.Debug("transcription: close stream", "err", err)
	}
}
