// Package audio defines the PCM frame type that flows from capture sources
// into the analyser and the speech-to-text session, plus the conversions
// needed between source and consumer formats.
//
// All PCM in Voxlens is little-endian signed 16-bit.
package audio

import (
	"fmt"
	"time"
)

// AudioFrame is one chunk of captured or decoded PCM audio.
type AudioFrame struct {
	// Data is little-endian int16 PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 44100 for capture, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of per-channel samples in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
