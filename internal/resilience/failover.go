package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlens/pkg/provider/stt"
)

// ErrAllFailed is returned by [Failover.StartStream] when every backend
// refused the stream or was skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all stt backends failed")

// Backend is one named STT provider of a [Failover].
type Backend struct {
	Name     string
	Provider stt.Provider
}

type guarded struct {
	name     string
	provider stt.Provider
	breaker  *Breaker
}

// Failover implements [stt.Provider] over an ordered list of backends. A
// stream opens on the first backend whose breaker allows it. Refused opens
// and streams that end in an error count as failures of their backend;
// streams that end cleanly close its breaker.
type Failover struct {
	backends []guarded
}

// Compile-time interface assertion.
var _ stt.Provider = (*Failover)(nil)

// NewFailover returns a [Failover] trying backends in order. Each backend
// gets its own [Breaker] built from cfg.
func NewFailover(cfg BreakerConfig, backends ...Backend) (*Failover, error) {
	if len(backends) == 0 {
		return nil, errors.New("resilience: failover needs at least one backend")
	}
	f := &Failover{backends: make([]guarded, 0, len(backends))}
	for _, b := range backends {
		if b.Provider == nil {
			return nil, fmt.Errorf("resilience: backend %q has no provider", b.Name)
		}
		bc := cfg
		bc.Name = b.Name
		f.backends = append(f.backends, guarded{name: b.Name, provider: b.Provider, breaker: NewBreaker(bc)})
	}
	return f, nil
}

// Names returns the backend names in failover order.
func (f *Failover) Names() []string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.name
	}
	return names
}

// BreakerState returns the breaker state of the named backend.
func (f *Failover) BreakerState(name string) (BreakerState, bool) {
	for _, b := range f.backends {
		if b.name == name {
			return b.breaker.State(), true
		}
	}
	return 0, false
}

// StartStream opens a stream on the first available backend.
func (f *Failover) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	var errs []error
	for _, b := range f.backends {
		if !b.breaker.Allow() {
			slog.Debug("skipping stt backend (breaker open)", "backend", b.name)
			errs = append(errs, fmt.Errorf("%s: breaker open", b.name))
			continue
		}
		h, err := b.provider.StartStream(ctx, cfg)
		if err != nil {
			b.breaker.Failure()
			slog.Warn("stt backend refused stream, trying next", "backend", b.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
			continue
		}
		slog.Debug("stt stream opened", "backend", b.name)
		return &trackedHandle{SessionHandle: h, breaker: b.breaker}, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// trackedHandle reports the stream outcome to its backend's breaker the
// first time Err is read. Readers only call Err once the stream finished.
type trackedHandle struct {
	stt.SessionHandle
	breaker *Breaker
	once    sync.Once
}

func (h *trackedHandle) Err() error {
	err := h.SessionHandle.Err()
	h.once.Do(func() {
		if err != nil {
			h.breaker.Failure()
		} else {
			h.breaker.Success()
		}
	})
	return err
}
