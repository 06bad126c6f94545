// Package resilience fails transcription over between speech-to-text
// backends.
//
// Each backend of a [Failover] is guarded by a [Breaker]. A backend that
// keeps refusing streams, or whose streams keep ending in errors, is skipped
// until its cooldown elapses; one probe stream then decides whether it is
// used again.
//
// All types are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Defaults applied by [NewBreaker].
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 30 * time.Second
)

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every attempt.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects attempts until the cooldown has elapsed.
	BreakerOpen

	// BreakerProbing lets a single attempt through after the cooldown.
	BreakerProbing
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// Cooldown is how long an open breaker rejects attempts. Default:
	// [DefaultCooldown].
	Cooldown time.Duration

	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time
}

// Breaker counts consecutive failures of one backend.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         cfg.Now,
	}
}

// Allow reports whether an attempt may proceed. After the cooldown the first
// caller gets the probe; others are rejected until it reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerProbing
		b.probing = true
		slog.Info("stt breaker probing", "backend", b.name)
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Success closes the breaker and clears the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		slog.Info("stt breaker closed", "backend", b.name)
	}
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed attempt. A failed probe reopens the breaker
// immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == BreakerProbing || b.failures >= b.maxFailures {
		if b.state != BreakerOpen {
			slog.Warn("stt breaker opened", "backend", b.name, "failures", b.failures)
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [BreakerProbing]; the transition happens on the next
// Allow.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return BreakerProbing
	}
	return b.state
}
