// Package pipeline drives per-frame feature extraction at display cadence.
//
// A [Pipeline] pulls the newest frame from a [Source] on every tick, runs
// spectral and pitch analysis, and hands the merged [features.Features] and
// the projected [features.Dataset] to its sinks. Ticks are scheduled through
// a [Scheduler], the server-side analogue of requestAnimationFrame.
//
// Start and Stop may be called from any goroutine, including from inside a
// sink. A tick dispatched before Stop checks the pipeline generation and
// becomes a no-op.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlens/internal/observe"
	"github.com/MrWong99/voxlens/pkg/features"
)

// ErrAlreadyActive is returned by [Pipeline.Start] when the pipeline is
// already running.
var ErrAlreadyActive = errors.New("pipeline: already active")

// Source provides analysis frames. ReadFrame fills buf with the newest
// frequency and time-domain data.
type Source interface {
	SampleRate() int
	FrameSize() int
	ReadFrame(buf *features.FrameBuffer) error
}

// Config configures a [Pipeline].
type Config struct {
	// Source is the capture source. Required.
	Source Source

	// Scheduler fires ticks. Defaults to a [FrameScheduler] at
	// DefaultFrameRate.
	Scheduler Scheduler

	// Profile selects the analysis strategies. The zero value is
	// [features.ProfileLive].
	Profile features.Profile

	// Canvas sets the dimensions of emitted datasets. Defaults to 800x200.
	Canvas features.Projector

	// OnFeatures receives the merged features of every tick. May be nil.
	OnFeatures func(features.Features)

	// OnFrame receives the visualization dataset of every tick. May be nil.
	OnFrame func(features.Dataset)

	// OnError is called once when a source error stops the pipeline. May be
	// nil.
	OnError func(error)

	// Metrics records tick outcomes. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Pipeline is the analysis loop. All methods are safe for concurrent use.
type Pipeline struct {
	source     Source
	sched      Scheduler
	canvas     features.Projector
	onFeatures func(features.Features)
	onFrame    func(features.Dataset)
	onError    func(error)
	metrics    *observe.Metrics

	mu        sync.Mutex
	active    bool
	gen       uint64
	cancel    func()
	profile   features.Profile
	extractor *features.Extractor
	latest    features.Features
	ticks     uint64

	// tickMu serialises tick bodies so the shared frame buffer is never
	// filled twice concurrently.
	tickMu sync.Mutex
	buf    features.FrameBuffer
}

// New validates cfg and returns a stopped [Pipeline].
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline: source is required")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewFrameScheduler(DefaultFrameRate)
	}
	if cfg.Canvas.Width <= 0 || cfg.Canvas.Height <= 0 {
		cfg.Canvas = features.Projector{Width: 800, Height: 200}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Pipeline{
		source:     cfg.Source,
		sched:      cfg.Scheduler,
		canvas:     cfg.Canvas,
		onFeatures: cfg.OnFeatures,
		onFrame:    cfg.OnFrame,
		onError:    cfg.OnError,
		metrics:    cfg.Metrics,
		profile:    cfg.Profile,
		extractor:  features.NewExtractor(cfg.Profile),
	}, nil
}

// Start marks the pipeline active and schedules the first tick.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return ErrAlreadyActive
	}
	p.active = true
	p.gen++
	gen := p.gen
	p.cancel = p.sched.Schedule(func() { p.tick(gen) })
	p.metrics.ActivePipelines.Add(context.Background(), 1)
	slog.Info("analysis pipeline started",
		"profile", p.profile.String(),
		"sample_rate", p.source.SampleRate(),
		"bins", p.source.FrameSize(),
	)
	return nil
}

// Stop clears the active flag, cancels the pending tick, and resets
// [Pipeline.Latest] to zero. Calling Stop on a stopped pipeline is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pipeline) stopLocked() {
	if !p.active {
		return
	}
	p.active = false
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.latest = features.Features{}
	p.metrics.ActivePipelines.Add(context.Background(), -1)
	slog.Info("analysis pipeline stopped", "ticks", p.ticks)
}

// Active reports whether the pipeline is running.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Latest returns the features of the most recent tick, or the zero value
// when the pipeline is stopped or has not ticked yet.
func (p *Pipeline) Latest() features.Features {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Ticks returns how many ticks have completed since construction.
func (p *Pipeline) Ticks() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

// Profile returns the active analysis profile.
func (p *Pipeline) Profile() features.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// SetProfile swaps the analysis strategies. The change applies from the next
// tick.
func (p *Pipeline) SetProfile(profile features.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if profile == p.profile {
		return
	}
	slog.Info("analysis profile changed", "from", p.profile.String(), "to", profile.String())
	p.profile = profile
	p.extractor = features.NewExtractor(profile)
}

// tick runs one analysis step for generation gen.
func (p *Pipeline) tick(gen uint64) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	p.mu.Lock()
	if !p.active || p.gen != gen {
		p.mu.Unlock()
		return
	}
	extractor := p.extractor
	profile := p.profile
	p.mu.Unlock()

	start := time.Now()
	ctx := context.Background()

	if err := p.source.ReadFrame(&p.buf); err != nil {
		p.fail(gen, fmt.Errorf("pipeline: read frame: %w", err))
		return
	}

	feat := extractor.Extract(&p.buf, p.source.SampleRate())
	var dataset features.Dataset
	if p.onFrame != nil {
		dataset = p.canvas.Project(p.buf.Frequency)
	}
	p.metrics.RecordFrame(ctx, profile.String(), time.Since(start).Seconds(),
		feat.PitchHz > 0, features.Silent(p.buf.TimeDomain))

	p.mu.Lock()
	if !p.active || p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.latest = feat
	p.ticks++
	p.mu.Unlock()

	// A sink may stop the pipeline; later sinks must not see the tick.
	if p.onFrame != nil && p.current(gen) {
		p.onFrame(dataset)
	}
	if p.onFeatures != nil && p.current(gen) {
		p.onFeatures(feat)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active && p.gen == gen {
		p.cancel = p.sched.Schedule(func() { p.tick(gen) })
	}
}

// current reports whether generation gen is still running.
func (p *Pipeline) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active && p.gen == gen
}

// fail stops the pipeline after a source error and reports it once.
func (p *Pipeline) fail(gen uint64, err error) {
	p.mu.Lock()
	if !p.active || p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.stopLocked()
	p.mu.Unlock()

	p.metrics.SourceErrors.Add(context.Background(), 1)
	slog.Error("analysis pipeline source failed", "err", err)
	if p.onError != nil {
		p.onError(err)
	}
}
