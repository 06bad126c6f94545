package features

import (
	"fmt"
	"math"
)

// PeakPolicy selects how the dominant bin is chosen.
type PeakPolicy int

const (
	// PeakLocal accepts only strict local maxima in bins [1, N-2]. DC and
	// the last bin are never selected. A flat-topped frame with no strict
	// local maximum reports 0 Hz.
	PeakLocal PeakPolicy = iota

	// PeakGlobalMax takes the single highest bin anywhere in the frame.
	PeakGlobalMax
)

// String returns the configuration name of the policy.
func (p PeakPolicy) String() string {
	switch p {
	case PeakLocal:
		return "local-peak"
	case PeakGlobalMax:
		return "global-max"
	default:
		return "unknown"
	}
}

// ParsePeakPolicy resolves "local-peak" or "global-max".
func ParsePeakPolicy(s string) (PeakPolicy, error) {
	switch s {
	case "local-peak":
		return PeakLocal, nil
	case "global-max":
		return PeakGlobalMax, nil
	}
	return 0, fmt.Errorf("features: unknown peak policy %q", s)
}

// VolumeMetric selects how frame loudness is computed from raw magnitudes.
type VolumeMetric int

const (
	// VolumeRMS is the root-mean-square of the magnitudes.
	VolumeRMS VolumeMetric = iota

	// VolumeMean is the arithmetic mean of the magnitudes.
	VolumeMean
)

// String returns the configuration name of the metric.
func (v VolumeMetric) String() string {
	switch v {
	case VolumeRMS:
		return "rms"
	case VolumeMean:
		return "mean"
	default:
		return "unknown"
	}
}

// ParseVolumeMetric resolves "rms" or "mean".
func ParseVolumeMetric(s string) (VolumeMetric, error) {
	switch s {
	case "rms":
		return VolumeRMS, nil
	case "mean":
		return VolumeMean, nil
	}
	return 0, fmt.Errorf("features: unknown volume metric %q", s)
}

// Spectrum is the result of [SpectralAnalyzer.Analyze].
type Spectrum struct {
	DominantFrequencyHz float64
	DominantBin         int
	PeakMagnitude       uint8
	Volume              uint8
}

// SpectralAnalyzer extracts the dominant frequency and loudness from a
// frequency-domain magnitude frame.
type SpectralAnalyzer struct {
	Peak   PeakPolicy
	Volume VolumeMetric
}

// Analyze inspects frame (N bins, 0..255). Bin i maps to
// i*sampleRate/(2N) Hz.
func (a *SpectralAnalyzer) Analyze(frame []byte, sampleRate int) Spectrum {
	n := len(frame)
	if n == 0 {
		return Spectrum{}
	}

	bin, mag := a.dominant(frame)
	return Spectrum{
		DominantFrequencyHz: BinFrequency(bin, n, sampleRate),
		DominantBin:         bin,
		PeakMagnitude:       mag,
		Volume:              a.volume(frame),
	}
}

// BinFrequency converts a bin index of an n-bin frame to Hz.
func BinFrequency(bin, n, sampleRate int) float64 {
	if n == 0 {
		return 0
	}
	return float64(bin) * float64(sampleRate) / float64(2*n)
}

func (a *SpectralAnalyzer) dominant(frame []byte) (int, uint8) {
	var best uint8
	bin := 0
	switch a.Peak {
	case PeakGlobalMax:
		for i, m := range frame {
			if m > best {
				best = m
				bin = i
			}
		}
	default:
		for i := 1; i < len(frame)-1; i++ {
			m := frame[i]
			if m > best && m > frame[i-1] && m > frame[i+1] {
				best = m
				bin = i
			}
		}
	}
	return bin, best
}

func (a *SpectralAnalyzer) volume(frame []byte) uint8 {
	var sum float64
	switch a.Volume {
	case VolumeMean:
		for _, m := range frame {
			sum += float64(m)
		}
		return uint8(math.Round(sum / float64(len(frame))))
	default:
		for _, m := range frame {
			v := float64(m)
			sum += v * v
		}
		return uint8(math.Round(math.Sqrt(sum / float64(len(frame)))))
	}
}
