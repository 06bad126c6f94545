// Package source produces PCM audio for the analyser and the transcription
// session: a synthetic tone generator and decoders for MP3 and WAV files.
//
// Every source is a [Stream]. [Pump] drains a stream into a [Sink] in fixed
// chunks, optionally paced at real-time speed so downstream consumers see
// audio at the rate it would be captured.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/voxlens/pkg/audio"
)

// DefaultChunk is the amount of audio delivered per [Sink.Write].
const DefaultChunk = 20 * time.Millisecond

// Stream is a readable PCM16 stream with a fixed format.
type Stream interface {
	io.Reader
	Format() audio.Format
}

// Sink consumes audio frames. [*analyser.Analyser] is a Sink.
type Sink interface {
	Write(frame audio.AudioFrame) error
}

// SinkFunc adapts a function to a [Sink].
type SinkFunc func(frame audio.AudioFrame) error

// Write calls f.
func (f SinkFunc) Write(frame audio.AudioFrame) error { return f(frame) }

// Tee returns a Sink that writes every frame to all sinks. Errors from
// individual sinks are joined; one failing sink does not starve the others.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(frame audio.AudioFrame) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Write(frame); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// PumpConfig controls [Pump].
type PumpConfig struct {
	// Chunk is the duration of each delivered frame. Defaults to DefaultChunk.
	Chunk time.Duration

	// Realtime paces delivery at one chunk per Chunk of wall time.
	Realtime bool
}

// Pump reads s in chunks and writes them to sink until the stream ends, the
// sink fails, or ctx is cancelled. A clean end of stream returns nil; a
// cancelled context returns ctx.Err().
func Pump(ctx context.Context, s Stream, sink Sink, cfg PumpConfig) error {
	format := s.Format()
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return fmt.Errorf("source: invalid stream format %s", format)
	}
	if cfg.Chunk <= 0 {
		cfg.Chunk = DefaultChunk
	}

	frameBytes := 2 * format.Channels
	samples := max(int(int64(format.SampleRate)*int64(cfg.Chunk)/int64(time.Second)), 1)
	buf := make([]byte, samples*frameBytes)

	var tick <-chan time.Time
	if cfg.Realtime {
		ticker := time.NewTicker(cfg.Chunk)
		defer ticker.Stop()
		tick = ticker.C
	}

	var ts time.Duration
	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return err
		}
		if tick != nil && !first {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}

		n, readErr := io.ReadFull(s, buf)
		n -= n % frameBytes
		if n > 0 {
			frame := audio.AudioFrame{
				Data:       append([]byte(nil), buf[:n]...),
				SampleRate: format.SampleRate,
				Channels:   format.Channels,
				Timestamp:  ts,
			}
			if err := sink.Write(frame); err != nil {
				return fmt.Errorf("source: write frame at %s: %w", ts, err)
			}
			ts += frame.Duration()
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("source: read: %w", readErr)
		}
	}
}
