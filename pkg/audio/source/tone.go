package source

import (
	"encoding/binary"
	"math"

	"github.com/MrWong99/voxlens/pkg/audio"
	"github.com/MrWong99/voxlens/pkg/features"
)

// Tone is an endless mono sine generator. The zero value is not usable;
// construct with [NewTone].
type Tone struct {
	freq       float64
	amplitude  float64
	sampleRate int
	phase      float64
}

// NewTone returns a sine generator at freq Hz with peak amplitude in [0, 1].
// A non-positive sample rate falls back to 44100 Hz.
func NewTone(freq, amplitude float64, sampleRate int) *Tone {
	if sampleRate <= 0 {
		sampleRate = features.DefaultSampleRate
	}
	return &Tone{
		freq:       freq,
		amplitude:  math.Max(0, math.Min(1, amplitude)),
		sampleRate: sampleRate,
	}
}

// Format implements [Stream].
func (t *Tone) Format() audio.Format {
	return audio.Format{SampleRate: t.sampleRate, Channels: 1}
}

// Read fills p with whole samples. It never returns an error.
func (t *Tone) Read(p []byte) (int, error) {
	step := 2 * math.Pi * t.freq / float64(t.sampleRate)
	n := len(p) / 2
	for i := range n {
		v := math.Round(t.amplitude * math.Sin(t.phase) * 32767)
		binary.LittleEndian.PutUint16(p[i*2:], uint16(int16(v)))
		t.phase = math.Mod(t.phase+step, 2*math.Pi)
	}
	return n * 2, nil
}
