// Package features extracts per-frame audio features from byte-encoded
// analysis frames: dominant frequency, peak magnitude, loudness, and pitch.
//
// The frame representation follows the WebAudio AnalyserNode byte API:
// frequency-domain magnitudes are 0..255 and time-domain samples are centred
// on 128. Everything in this package is pure computation over a single
// [FrameBuffer]; scheduling lives in the pipeline package.
//
// Two historical call sites analysed audio differently, so every strategy is
// a named variant:
//
//   - [PeakLocal] / [PeakGlobalMax] select the dominant bin.
//   - [VolumeRMS] / [VolumeMean] compute loudness.
//   - [PitchStrict] / [PitchLenient] gate autocorrelation candidates.
//
// [ProfileLive] and [ProfileUpload] bundle the combinations used for live
// capture and uploaded files respectively.
package features

import (
	"fmt"
	"math"
)

// DefaultSampleRate is used when a source does not report a sample rate.
const DefaultSampleRate = 44100

// FrameBuffer holds one analysis frame. Frequency contains N magnitude bins,
// TimeDomain contains the time-domain samples of the same capture window.
// A FrameBuffer is owned by the tick that filled it and must not be retained
// after feature extraction.
type FrameBuffer struct {
	Frequency  []byte
	TimeDomain []byte
}

// NewFrameBuffer allocates a buffer with the given bin and sample counts.
func NewFrameBuffer(bins, samples int) *FrameBuffer {
	return &FrameBuffer{
		Frequency:  make([]byte, bins),
		TimeDomain: make([]byte, samples),
	}
}

// Features is the merged per-tick result.
type Features struct {
	// DominantFrequencyHz is the frequency of the winning magnitude bin.
	DominantFrequencyHz float64 `json:"dominant_frequency_hz"`

	// PeakMagnitude is the byte value at the winning bin.
	PeakMagnitude uint8 `json:"peak_magnitude"`

	// PitchHz is the estimated fundamental frequency; 0 means undetected.
	PitchHz float64 `json:"pitch_hz"`

	// Volume is the loudness of the frame (0..255) under the configured metric.
	Volume uint8 `json:"volume"`
}

// Display is the integer view of [Features] shown to users.
type Display struct {
	Frequency int `json:"frequency"`
	Amplitude int `json:"amplitude"`
	Pitch     int `json:"pitch"`
	Volume    int `json:"volume"`
}

// Display rounds frequencies to the nearest integer Hz. Rounding happens here
// and nowhere else.
func (f Features) Display() Display {
	pitch := 0
	if f.PitchHz > 0 {
		pitch = int(math.Round(f.PitchHz))
	}
	return Display{
		Frequency: int(math.Round(f.DominantFrequencyHz)),
		Amplitude: int(f.PeakMagnitude),
		Pitch:     pitch,
		Volume:    int(f.Volume),
	}
}

// String implements fmt.Stringer.
func (f Features) String() string {
	d := f.Display()
	return fmt.Sprintf("freq=%dHz amp=%d pitch=%dHz vol=%d", d.Frequency, d.Amplitude, d.Pitch, d.Volume)
}

// Profile selects one variant of each strategy.
type Profile struct {
	Peak   PeakPolicy
	Volume VolumeMetric
	Pitch  PitchMode
}

var (
	// ProfileLive is used for microphone capture: local peaks, RMS loudness,
	// and the high-confidence pitch gate.
	ProfileLive = Profile{Peak: PeakLocal, Volume: VolumeRMS, Pitch: PitchStrict}

	// ProfileUpload is used for decoded files: global maximum, mean loudness,
	// and ungated pitch tracking.
	ProfileUpload = Profile{Peak: PeakGlobalMax, Volume: VolumeMean, Pitch: PitchLenient}
)

// String returns "live", "upload", or the strategy names for custom
// combinations.
func (p Profile) String() string {
	switch p {
	case ProfileLive:
		return "live"
	case ProfileUpload:
		return "upload"
	}
	return fmt.Sprintf("%s/%s/%s", p.Peak, p.Volume, p.Pitch)
}

// ParseProfile resolves a profile name ("live" or "upload").
func ParseProfile(name string) (Profile, error) {
	switch name {
	case "", "live":
		return ProfileLive, nil
	case "upload":
		return ProfileUpload, nil
	}
	return Profile{}, fmt.Errorf("features: unknown profile %q", name)
}

// Extractor merges spectral and pitch analysis for one frame.
type Extractor struct {
	Spectral *SpectralAnalyzer
	Pitch    *PitchEstimator
}

// NewExtractor builds an [Extractor] for the given profile.
func NewExtractor(p Profile) *Extractor {
	return &Extractor{
		Spectral: &SpectralAnalyzer{Peak: p.Peak, Volume: p.Volume},
		Pitch:    &PitchEstimator{Mode: p.Pitch},
	}
}

// Extract computes [Features] for buf. It never fails; degenerate frames
// resolve to zero values.
func (e *Extractor) Extract(buf *FrameBuffer, sampleRate int) Features {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	sp := e.Spectral.Analyze(buf.Frequency, sampleRate)
	return Features{
		DominantFrequencyHz: sp.DominantFrequencyHz,
		PeakMagnitude:       sp.PeakMagnitude,
		PitchHz:             e.Pitch.Estimate(buf.TimeDomain, sampleRate),
		Volume:              sp.Volume,
	}
}
