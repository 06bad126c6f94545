// Package deepgram streams linear16 PCM to Deepgram's live transcription
// WebSocket and implements [stt.Provider].
//
// Deepgram closes the socket itself after a stretch without audio, on a
// flush request and on faults. A normal or going-away closure is a natural
// end and leaves Err nil; every other close code or transport failure is
// classified into an *stt.ProviderError.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlens/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// flushTimeout bounds how long Close waits for the last results.
	flushTimeout = 2 * time.Second
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the recognition model. Default "nova-3".
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language used when the stream config has
// none. Default "en".
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the rate announced when the stream config has none.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint points the provider at a self-hosted or proxied listen
// endpoint. Query parameters already on the URL are kept.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider opens Deepgram live streams.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New returns a [Provider] authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials the listen endpoint. ctx bounds the handshake; the
// stream then lives until Close or until Deepgram hangs up.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = &stt.ProviderError{Code: stt.CodeNotAllowed, Err: err}
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &stream{
		conn:     conn,
		ctx:      sctx,
		cancel:   cancel,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
		ended:    make(chan struct{}),
	}

	st.wg.Add(1)
	go st.readLoop()
	go st.writeLoop()

	return st, nil
}

// buildURL adds the recognition parameters for cfg to the endpoint.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// resultsMessage is the subset of a Deepgram "Results" message voxlens reads.
type resultsMessage struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// stream is one open listen socket.
type stream struct {
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done  chan struct{} // closed by Close
	ended chan struct{} // closed when readLoop exits
	once  sync.Once
	wg    sync.WaitGroup // writeLoop

	errMu sync.Mutex
	err   error
}

// SendAudio queues chunk for the writer goroutine.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("deepgram: %w", stt.ErrClosed)
	case <-s.ended:
		return fmt.Errorf("deepgram: %w", stt.ErrClosed)
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return fmt.Errorf("deepgram: %w", stt.ErrClosed)
	case <-s.ended:
		return fmt.Errorf("deepgram: %w", stt.ErrClosed)
	}
}

func (s *stream) Partials() <-chan stt.Transcript { return s.partials }

func (s *stream) Finals() <-chan stt.Transcript { return s.finals }

func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close sends CloseStream so Deepgram flushes pending results, waits up to
// flushTimeout for it to hang up and then drops the socket.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()

		wctx, cancel := context.WithTimeout(s.ctx, flushTimeout)
		_ = s.conn.Write(wctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		cancel()

		select {
		case <-s.ended:
		case <-time.After(flushTimeout):
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		<-s.ended
	})
	return nil
}

// writeLoop forwards queued audio as binary frames.
func (s *stream) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.ended:
			return
		case <-s.done:
			// Queued audio still counts toward the final results.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(s.ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop routes Results messages to the partial or final channel until
// the socket ends.
func (s *stream) readLoop() {
	// ended closes first so SendAudio fails before the channels report EOF.
	defer close(s.finals)
	defer close(s.partials)
	defer close(s.ended)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		t, ok := decodeResults(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

// finish records how the stream ended unless the caller closed it.
func (s *stream) finish(err error) {
	select {
	case <-s.done:
		return
	default:
	}

	perr := classify(err)
	if perr != nil {
		slog.Warn("deepgram: stream failed", "code", stt.ErrorCode(perr), "err", err)
	} else {
		slog.Debug("deepgram: stream ended by server")
	}
	s.errMu.Lock()
	s.err = perr
	s.errMu.Unlock()
}

// classify maps the error that ended a read to nil for a natural end or to
// an *stt.ProviderError.
func classify(err error) error {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return &stt.ProviderError{Code: stt.CodeNetwork, Err: err}
	}
	switch ce.Code {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	case websocket.StatusPolicyViolation, websocket.StatusUnsupportedData, websocket.StatusInvalidFramePayloadData:
		return &stt.ProviderError{Code: stt.CodeBadAudio, Err: err}
	case websocket.StatusInternalError:
		// NET-0001 is Deepgram's idle timeout.
		if strings.Contains(ce.Reason, "NET-0001") {
			return &stt.ProviderError{Code: stt.CodeNoSpeech, Err: err}
		}
		return &stt.ProviderError{Code: stt.CodeServiceError, Err: err}
	default:
		return &stt.ProviderError{Code: stt.CodeServiceError, Err: err}
	}
}

// decodeResults converts a Results message using its first alternative.
// Other message types and malformed JSON report false.
func decodeResults(data []byte) (stt.Transcript, bool) {
	var resp resultsMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" {
		return stt.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}

	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
		Timestamp:  seconds(resp.Start),
		Duration:   seconds(resp.Duration),
	}, true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
