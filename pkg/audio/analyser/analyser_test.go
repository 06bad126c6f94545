package analyser

import (
	"math"
	"strings"
	"testing"

	"github.com/MrWong99/voxlens/pkg/audio"
	"github.com/MrWong99/voxlens/pkg/features"
)

// sineFrame returns a mono frame containing n samples of a sine that
// completes cycles full periods over n samples.
func sineFrame(n, cycles int, amp float64, sampleRate int) audio.AudioFrame {
	s := make([]float64, n)
	for i := range s {
		s[i] = amp * math.Sin(2*math.Pi*float64(cycles)*float64(i)/float64(n))
	}
	return audio.AudioFrame{Data: audio.FromFloat(s), SampleRate: sampleRate, Channels: 1}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig invalid: %v", err)
	}
	if err := LiveConfig().Validate(); err != nil {
		t.Errorf("LiveConfig invalid: %v", err)
	}

	bad := Config{SampleRate: 0, FFTSize: 1000, Smoothing: 1.5, MinDecibels: -10, MaxDecibels: -20}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"sample rate", "fft size", "smoothing", "min decibels"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestNew_RejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FFTSize = 100
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error")
	}
}

func TestAnalyser_SilenceBeforeWrite(t *testing.T) {
	a, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	var buf features.FrameBuffer
	if err := a.ReadFrame(&buf); err != nil {
		t.Fatal(err)
	}
	if len(buf.Frequency) != a.FrameSize() || len(buf.TimeDomain) != 2048 {
		t.Fatalf("frame sizes = %d/%d", len(buf.Frequency), len(buf.TimeDomain))
	}
	for i, v := range buf.Frequency {
		if v != 0 {
			t.Fatalf("Frequency[%d] = %d, want 0", i, v)
		}
	}
	for i, v := range buf.TimeDomain {
		if v != 128 {
			t.Fatalf("TimeDomain[%d] = %d, want 128", i, v)
		}
	}
}

func TestAnalyser_TonePeak(t *testing.T) {
	cfg := LiveConfig()
	cfg.FFTSize = 2048
	cfg.Smoothing = 0
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Write(sineFrame(2048, 100, 0.5, cfg.SampleRate)); err != nil {
		t.Fatal(err)
	}

	var buf features.FrameBuffer
	if err := a.ReadFrame(&buf); err != nil {
		t.Fatal(err)
	}

	sa := &features.SpectralAnalyzer{Peak: features.PeakLocal, Volume: features.VolumeRMS}
	sp := sa.Analyze(buf.Frequency, cfg.SampleRate)
	if sp.DominantBin != 100 {
		t.Errorf("DominantBin = %d, want 100", sp.DominantBin)
	}
	if sp.PeakMagnitude < 200 {
		t.Errorf("PeakMagnitude = %d, want a strong peak", sp.PeakMagnitude)
	}
	if buf.Frequency[400] != 0 {
		t.Errorf("far bin = %d, want 0", buf.Frequency[400])
	}

	lo, hi := byte(255), byte(0)
	for _, v := range buf.TimeDomain {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi < 190 || hi > 193 || lo < 63 || lo > 66 {
		t.Errorf("time-domain range = [%d, %d], want about [64, 192]", lo, hi)
	}
}

func TestAnalyser_Smoothing(t *testing.T) {
	cfg := LiveConfig()
	cfg.FFTSize = 2048
	cfg.Smoothing = 0.8
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Write(sineFrame(2048, 100, 0.5, cfg.SampleRate)); err != nil {
		t.Fatal(err)
	}

	var buf features.FrameBuffer
	var prev byte
	for i := range 5 {
		if err := a.ReadFrame(&buf); err != nil {
			t.Fatal(err)
		}
		got := buf.Frequency[100]
		if i > 0 && got < prev {
			t.Errorf("read %d: bin 100 fell from %d to %d", i, prev, got)
		}
		prev = got
	}
}

func TestAnalyser_ConvertsStereoAndRate(t *testing.T) {
	a, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	stereo := audio.AudioFrame{Data: make([]byte, 882*4), SampleRate: 88200, Channels: 2}
	if err := a.Write(stereo); err != nil {
		t.Fatal(err)
	}
	if got := a.Samples(); got != 441 {
		t.Errorf("Samples = %d, want 441", got)
	}

	if err := a.Write(audio.AudioFrame{Data: make([]byte, 12), SampleRate: 44100, Channels: 6}); err == nil {
		t.Error("expected error for 6-channel frame")
	}
	if err := a.Write(audio.AudioFrame{Data: make([]byte, 4)}); err == nil {
		t.Error("expected error for missing sample rate")
	}
}

func TestAnalyser_Reset(t *testing.T) {
	cfg := DefaultConfig()
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Write(sineFrame(2048, 100, 0.5, cfg.SampleRate)); err != nil {
		t.Fatal(err)
	}
	a.Reset()
	if a.Samples() != 0 {
		t.Errorf("Samples after Reset = %d", a.Samples())
	}
	var buf features.FrameBuffer
	if err := a.ReadFrame(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Frequency[100] != 0 {
		t.Errorf("bin 100 after Reset = %d, want 0", buf.Frequency[100])
	}
}

func TestBlackman(t *testing.T) {
	w := blackman(8)
	if math.Abs(w[0]) > 1e-12 {
		t.Errorf("w[0] = %v, want 0", w[0])
	}
	if math.Abs(w[4]-1) > 1e-12 {
		t.Errorf("w[4] = %v, want 1", w[4])
	}
}
