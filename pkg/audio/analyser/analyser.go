// Package analyser turns a stream of PCM frames into analysis frames with the
// same contract as a WebAudio AnalyserNode: the most recent fftSize samples
// are windowed (Blackman), transformed, smoothed over time, converted to
// decibels and scaled to bytes between MinDecibels and MaxDecibels.
//
// An [Analyser] is the capture source of the analysis pipeline. Producers
// push audio with [Analyser.Write]; the pipeline pulls the newest snapshot
// with [Analyser.ReadFrame].
package analyser

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/voxlens/pkg/audio"
	"github.com/MrWong99/voxlens/pkg/features"
)

// Config holds analyser parameters. Zero is a valid Smoothing value; use
// [DefaultConfig] or [LiveConfig] as a starting point.
type Config struct {
	// SampleRate the analyser runs at. Incoming frames are converted to it.
	SampleRate int

	// FFTSize is the window length in samples; a power of two in [32, 32768].
	FFTSize int

	// Smoothing is the time constant in [0, 1] used to average magnitudes
	// with the previous frame.
	Smoothing float64

	// MinDecibels maps to byte 0, MaxDecibels to byte 255.
	MinDecibels float64
	MaxDecibels float64
}

// DefaultConfig mirrors the AnalyserNode defaults used for uploaded files.
func DefaultConfig() Config {
	return Config{
		SampleRate:  features.DefaultSampleRate,
		FFTSize:     2048,
		Smoothing:   0.8,
		MinDecibels: -100,
		MaxDecibels: -30,
	}
}

// LiveConfig is tuned for microphone capture: higher resolution, faster
// response and a wider dynamic range.
func LiveConfig() Config {
	return Config{
		SampleRate:  features.DefaultSampleRate,
		FFTSize:     4096,
		Smoothing:   0.3,
		MinDecibels: -90,
		MaxDecibels: -10,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", c.SampleRate))
	}
	if c.FFTSize < 32 || c.FFTSize > 32768 || c.FFTSize&(c.FFTSize-1) != 0 {
		errs = append(errs, fmt.Errorf("fft size %d must be a power of two in [32, 32768]", c.FFTSize))
	}
	if c.Smoothing < 0 || c.Smoothing > 1 {
		errs = append(errs, fmt.Errorf("smoothing %.2f is out of range [0, 1]", c.Smoothing))
	}
	if c.MinDecibels >= c.MaxDecibels {
		errs = append(errs, fmt.Errorf("min decibels %.1f must be below max decibels %.1f", c.MinDecibels, c.MaxDecibels))
	}
	return errors.Join(errs...)
}

// Analyser buffers the most recent FFTSize mono samples and produces
// analysis frames on demand. It is safe for concurrent use by one writer and
// one reader.
type Analyser struct {
	cfg    Config
	fft    *fourier.FFT
	window []float64
	conv   audio.Converter

	mu       sync.Mutex
	ring     []float64
	pos      int
	written  int64
	smoothed []float64

	// scratch, only touched under mu
	windowed []float64
	coeffs   []complex128
}

// New validates cfg and returns a ready [Analyser].
func New(cfg Config) (*Analyser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("analyser: %w", err)
	}
	n := cfg.FFTSize
	return &Analyser{
		cfg:      cfg,
		fft:      fourier.NewFFT(n),
		window:   blackman(n),
		conv:     audio.Converter{Target: audio.Format{SampleRate: cfg.SampleRate, Channels: 1}},
		ring:     make([]float64, n),
		smoothed: make([]float64, n/2),
		windowed: make([]float64, n),
		coeffs:   make([]complex128, n/2+1),
	}, nil
}

// SampleRate returns the rate the analyser runs at.
func (a *Analyser) SampleRate() int { return a.cfg.SampleRate }

// FrameSize returns the number of frequency bins (FFTSize/2).
func (a *Analyser) FrameSize() int { return a.cfg.FFTSize / 2 }

// Config returns the analyser configuration.
func (a *Analyser) Config() Config { return a.cfg }

// Samples returns how many mono samples have been written so far.
func (a *Analyser) Samples() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

// Write appends a PCM frame, converting it to mono at the analyser rate.
func (a *Analyser) Write(frame audio.AudioFrame) error {
	if frame.SampleRate <= 0 {
		return fmt.Errorf("analyser: frame has invalid sample rate %d", frame.SampleRate)
	}
	if frame.Channels <= 0 {
		frame.Channels = 1
	}
	mono := a.conv.Convert(frame)
	if mono.Channels != 1 {
		return fmt.Errorf("analyser: cannot downmix %d channels", frame.Channels)
	}
	samples := audio.ToFloat(mono.Data)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % len(a.ring)
	}
	a.written += int64(len(samples))
	return nil
}

// ReadFrame fills buf with the newest analysis frame: FFTSize/2 frequency
// bytes and FFTSize time-domain bytes. Before any audio is written the frame
// is silence. buf slices are resized when their length does not match.
func (a *Analyser) ReadFrame(buf *features.FrameBuffer) error {
	if buf == nil {
		return errors.New("analyser: nil frame buffer")
	}
	n := a.cfg.FFTSize
	if len(buf.TimeDomain) != n {
		buf.TimeDomain = make([]byte, n)
	}
	if len(buf.Frequency) != n/2 {
		buf.Frequency = make([]byte, n/2)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Oldest sample first.
	for i := range n {
		s := a.ring[(a.pos+i)%n]
		buf.TimeDomain[i] = clampByte(128 * (1 + s))
		a.windowed[i] = s * a.window[i]
	}

	a.coeffs = a.fft.Coefficients(a.coeffs, a.windowed)
	scale := 255 / (a.cfg.MaxDecibels - a.cfg.MinDecibels)
	tau := a.cfg.Smoothing
	for k := range n / 2 {
		mag := cmplxAbs(a.coeffs[k]) / float64(n)
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag
		if a.smoothed[k] <= 0 {
			buf.Frequency[k] = 0
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		buf.Frequency[k] = clampByte(math.Floor(scale * (db - a.cfg.MinDecibels)))
	}
	return nil
}

// Reset clears buffered audio and smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
	a.written = 0
}

// blackman returns the classic Blackman window (alpha = 0.16).
func blackman(n int) []float64 {
	const (
		a0 = 0.42
		a1 = 0.5
		a2 = 0.08
	)
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func clampByte(v float64) byte {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return byte(v)
}
