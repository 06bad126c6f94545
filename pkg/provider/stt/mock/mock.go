// Package mock provides a scriptable [stt.Provider] for tests.
//
// Each StartStream hands out a fresh [Session]. Tests grab it with
// [Provider.Last], push transcripts into it and end it with
// [Session.Finish] the way a real provider would:
//
//	p := &mock.Provider{}
//	h, _ := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
//	p.Last().EmitFinal("hello")
//	p.Last().Finish(&stt.ProviderError{Code: stt.CodeNetwork})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voxlens/pkg/provider/stt"
)

// Provider records stream configs and returns a new [Session] per call.
type Provider struct {
	// StartStreamErr refuses every StartStream while non-nil. Use
	// SetStartStreamErr once the provider is shared with goroutines.
	StartStreamErr error

	mu       sync.Mutex
	configs  []stt.StreamConfig
	sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// SetStartStreamErr changes the StartStream outcome; nil accepts again.
func (p *Provider) SetStartStreamErr(err error) {
	p.mu.Lock()
	p.StartStreamErr = err
	p.mu.Unlock()
}

// CallCount counts StartStream calls, refused ones included.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

// Configs returns the config of every StartStream call in order.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.StreamConfig(nil), p.configs...)
}

// Last is the most recently opened session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Session is a [stt.SessionHandle] driven by the test. Closing it ends the
// stream cleanly.
type Session struct {
	mu       sync.Mutex
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    [][]byte
	sendErr  error
	closes   int
	ended    bool
	err      error
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a session whose channels buffer 16 transcripts each.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
	}
}

// SendAudio keeps a copy of chunk. It fails with [stt.ErrClosed] once the
// stream ended and with the SetSendAudioErr error otherwise.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return fmt.Errorf("mock: %w", stt.ErrClosed)
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return s.sendErr
}

// SetSendAudioErr makes later SendAudio calls return err.
func (s *Session) SetSendAudioErr(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *Session) Partials() <-chan stt.Transcript { return s.partials }
func (s *Session) Finals() <-chan stt.Transcript   { return s.finals }

// EmitPartial delivers an interim result. Ignored after the stream ended.
func (s *Session) EmitPartial(text string) { s.emit(stt.Transcript{Text: text}) }

// EmitFinal delivers a final result. Ignored after the stream ended.
func (s *Session) EmitFinal(text string) { s.emit(stt.Transcript{Text: text, IsFinal: true}) }

func (s *Session) emit(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	ch := s.partials
	if t.IsFinal {
		ch = s.finals
	}
	ch <- t
}

// Finish ends the stream with err and closes both channels. Later calls do
// nothing.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.partials)
	close(s.finals)
}

// Finished reports whether the stream ended.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream without an error.
func (s *Session) Close() error {
	s.Finish(nil)
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// Closes counts Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// SendAudioCallCount counts accepted SendAudio calls.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// Audio returns copies of the chunks sent so far.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}
