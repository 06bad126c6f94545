// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// and exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio frames and
// emits two streams of Transcript values: low-latency partials for
// responsiveness and authoritative finals for the transcript.
//
// A session can finish on its own. The provider closes both channels and
// reports through Err whether the stream ended naturally (nil) or failed
// (typically a *ProviderError). Callers decide whether to reopen.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by SendAudio after the session has finished.
var ErrClosed = errors.New("stt: session closed")

// Error codes reported in [ProviderError.Code]. Providers map their own
// failure vocabulary onto these where possible and pass anything else
// through verbatim.
const (
	CodeNetwork      = "network"
	CodeNoSpeech     = "no-speech"
	CodeNotAllowed   = "not-allowed"
	CodeBadAudio     = "bad-audio"
	CodeServiceError = "service-error"
)

// ProviderError describes an asynchronous failure of a running session.
type ProviderError struct {
	// Code is a short machine-readable classification.
	Code string

	// Err is the underlying cause. May be nil.
	Err error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return "stt: provider error: " + e.Code
	}
	return fmt.Sprintf("stt: provider error: %s: %v", e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrorCode returns the code of a *ProviderError in err's chain, or "" when
// there is none.
func ErrorCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider supports;
// see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the usual choice
	// for speech recognition.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US", "de-DE").
	// An empty string uses the provider default.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do so
// may leak goroutines and network connections inside the provider implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and bit-depth
	// agreed in StreamConfig. Calling SendAudio after the session finished
	// returns an error wrapping ErrClosed.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits interim Transcript
	// values. The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits committed Transcript
	// values. The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Err reports why the session ended. It is only meaningful once both
	// Partials and Finals are closed: nil means the provider ended the
	// stream on its own (e.g., end of utterance or idle timeout) or Close
	// was called; non-nil means the stream failed.
	Err() error

	// Close terminates the session, flushes any pending audio, and releases all
	// associated resources. After Close returns, the Partials and Finals channels
	// will be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given audio
	// format and recognition configuration. The returned SessionHandle is ready to
	// accept audio immediately and outlives ctx; only Close ends it.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already cancelled).
	// The caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
