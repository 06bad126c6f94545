package features

import (
	"fmt"
	"math"
)

// PitchMode selects how autocorrelation candidates are accepted.
type PitchMode int

const (
	// PitchStrict limits detection to 800 Hz and only accepts lags whose
	// similarity exceeds [StrictGate].
	PitchStrict PitchMode = iota

	// PitchLenient scans every lag from 1 and keeps the best similarity
	// without a confidence gate.
	PitchLenient
)

const (
	// StrictGate is the minimum similarity a lag must exceed in strict mode.
	StrictGate = 0.9

	// MaxStrictPitchHz bounds the shortest lag tested in strict mode.
	MaxStrictPitchHz = 800

	// silenceRMS is the energy below which a frame is treated as silence.
	silenceRMS = 0.01

	// minSimilarity is the floor the best similarity must exceed for a pitch
	// to be reported.
	minSimilarity = 0.01
)

// String returns the configuration name of the mode.
func (m PitchMode) String() string {
	switch m {
	case PitchStrict:
		return "strict"
	case PitchLenient:
		return "lenient"
	default:
		return "unknown"
	}
}

// ParsePitchMode resolves "strict" or "lenient".
func ParsePitchMode(s string) (PitchMode, error) {
	switch s {
	case "strict":
		return PitchStrict, nil
	case "lenient":
		return PitchLenient, nil
	}
	return 0, fmt.Errorf("features: unknown pitch mode %q", s)
}

// PitchEstimator detects the fundamental frequency of a time-domain frame
// using a normalised mean-absolute-difference autocorrelation.
type PitchEstimator struct {
	Mode PitchMode
}

// Estimate returns the pitch of frame in Hz, or 0 when the frame is silent or
// no lag is similar enough. The result is never negative.
//
// The cost is O(N²/4) so silent frames are rejected before correlating.
func (p *PitchEstimator) Estimate(frame []byte, sampleRate int) float64 {
	n := len(frame)
	half := n / 2
	if half < 2 || sampleRate <= 0 {
		return 0
	}

	s := make([]float64, n)
	var sumSq float64
	for i, b := range frame {
		v := (float64(b) - 128) / 128
		s[i] = v
		sumSq += v * v
	}
	if math.Sqrt(sumSq/float64(n)) < silenceRMS {
		return 0
	}

	bestOffset := -1
	bestCorr := 0.0
	for offset := p.minLag(sampleRate); offset < half; offset++ {
		var diff float64
		for i := 0; i < half; i++ {
			diff += math.Abs(s[i] - s[i+offset])
		}
		corr := 1 - diff/float64(half)
		if p.accept(corr, bestCorr) {
			bestCorr = corr
			bestOffset = offset
		}
	}

	if bestOffset > 0 && bestCorr > minSimilarity {
		return float64(sampleRate) / float64(bestOffset)
	}
	return 0
}

// Range returns the lowest and highest pitch Estimate can report for a frame
// of n samples at sampleRate.
func (p *PitchEstimator) Range(n, sampleRate int) (lo, hi float64) {
	maxLag := n/2 - 1
	minLag := p.minLag(sampleRate)
	if maxLag < minLag {
		return 0, 0
	}
	return float64(sampleRate) / float64(maxLag), float64(sampleRate) / float64(minLag)
}

// Silent reports whether a time-domain frame is quiet enough that Estimate
// skips correlation.
func Silent(frame []byte) bool {
	if len(frame) == 0 {
		return true
	}
	var sumSq float64
	for _, b := range frame {
		v := (float64(b) - 128) / 128
		sumSq += v * v
	}
	return math.Sqrt(sumSq/float64(len(frame))) < silenceRMS
}

func (p *PitchEstimator) minLag(sampleRate int) int {
	if p.Mode != PitchStrict {
		return 1
	}
	return max(sampleRate/MaxStrictPitchHz, 1)
}

// accept reports whether a lag with similarity corr replaces the current best.
func (p *PitchEstimator) accept(corr, best float64) bool {
	if p.Mode == PitchStrict && corr <= StrictGate {
		return false
	}
	return corr > best
}
