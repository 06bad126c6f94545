package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlens/internal/transcribe"
	"github.com/MrWong99/voxlens/pkg/features"
)

const (
	// clientBuffer is the number of messages queued per client before new
	// messages are dropped for it.
	clientBuffer = 64

	writeTimeout = 5 * time.Second
)

// feedMessage is one websocket message of the live feed.
type feedMessage struct {
	Type          string                `json:"type"`
	Features      *features.Display     `json:"features,omitempty"`
	Transcription *transcriptionMessage `json:"transcription,omitempty"`
}

type transcriptionMessage struct {
	Event      string `json:"event"`
	SessionID  string `json:"session_id"`
	Restart    bool   `json:"restart,omitempty"`
	Final      string `json:"final,omitempty"`
	Interim    string `json:"interim,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// hub fans bus events out to websocket clients. A slow client loses
// messages instead of delaying the others.
type hub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	closed  bool
	done    chan struct{}
}

func newHub() *hub {
	return &hub{
		clients: make(map[chan []byte]struct{}),
		done:    make(chan struct{}),
	}
}

func (h *hub) publishFeatures(f features.Features) {
	d := f.Display()
	h.broadcast(feedMessage{Type: "features", Features: &d})
}

func (h *hub) publishTranscription(ev transcribe.Event) {
	msg := &transcriptionMessage{
		Event:      ev.Kind.String(),
		SessionID:  ev.SessionID,
		Restart:    ev.Restart,
		Final:      ev.Final,
		Interim:    ev.Interim,
		Transcript: ev.Transcript,
		Reason:     string(ev.Reason),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	h.broadcast(feedMessage{Type: "transcription", Transcription: msg})
}

func (h *hub) broadcast(msg feedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("live feed: encode message", "type", msg.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c <- data:
		default:
			slog.Debug("live feed: client too slow, dropping message", "type", msg.Type)
		}
	}
}

// clientCount returns the number of connected clients.
func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) add() (chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := make(chan []byte, clientBuffer)
	h.clients[c] = struct{}{}
	return c, true
}

func (h *hub) remove(c chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// close disconnects all clients. Later connections are refused.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

// ServeHTTP upgrades the request and streams feed messages until the client
// goes away or the hub closes. Client messages are ignored.
func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, ok := h.add()
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.remove(c)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("live feed: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	slog.Debug("live feed: client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case data := <-c:
			if err := write(ctx, conn, data); err != nil {
				slog.Debug("live feed: write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
