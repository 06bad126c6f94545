package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/voxlens/internal/config"
	"github.com/MrWong99/voxlens/pkg/audio"
	"github.com/MrWong99/voxlens/pkg/audio/analyser"
	"github.com/MrWong99/voxlens/pkg/audio/source"
	"github.com/MrWong99/voxlens/pkg/features"
)

// analyzeFile decodes path as fast as possible and writes one feature line
// to w per analysis frame, using the upload profile and analyser preset.
// It returns the number of frames written.
func analyzeFile(ctx context.Context, w io.Writer, path string, cfg *config.Config) (int, error) {
	f, err := source.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	offline := *cfg
	offline.Analysis.Profile = "upload"
	profile, err := offline.Analysis.ResolveProfile()
	if err != nil {
		return 0, err
	}
	an, err := analyser.New(offline.AnalyserConfig())
	if err != nil {
		return 0, err
	}

	ex := features.NewExtractor(profile)
	var buf features.FrameBuffer
	frames := 0
	sink := source.SinkFunc(func(frame audio.AudioFrame) error {
		if err := an.Write(frame); err != nil {
			return err
		}
		if err := an.ReadFrame(&buf); err != nil {
			return err
		}
		feat := ex.Extract(&buf, an.SampleRate())
		end := frame.Timestamp + frame.Duration()
		frames++
		_, err := fmt.Fprintf(w, "%9.3fs %s\n", end.Seconds(), feat)
		return err
	})

	interval := time.Second / time.Duration(max(cfg.Analysis.FrameRate, 1))
	if err := source.Pump(ctx, f, sink, source.PumpConfig{Chunk: interval}); err != nil {
		return frames, fmt.Errorf("analyze %q: %w", path, err)
	}
	return frames, nil
}
