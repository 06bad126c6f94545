package source

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/voxlens/pkg/audio"
)

// File is a decoded audio file. Close releases the underlying handle.
type File struct {
	Stream
	closer io.Closer
	path   string
}

// Path returns the file path the stream was opened from.
func (f *File) Path() string { return f.path }

// Close closes the underlying file.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// Open decodes path as MP3 or WAV based on its extension.
func Open(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %q: %w", path, err)
	}

	r := bufio.NewReader(fh)
	var s Stream
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		s, err = NewMP3(r)
	case ".wav", ".wave":
		s, err = NewWAV(r)
	default:
		err = fmt.Errorf("unsupported file type %q", ext)
	}
	if err != nil {
		_ = fh.Close()
		return nil, fmt.Errorf("source: open %q: %w", path, err)
	}
	return &File{Stream: s, closer: fh, path: path}, nil
}

// mp3Stream wraps the go-mp3 decoder, which always emits 16-bit stereo.
type mp3Stream struct {
	dec *mp3.Decoder
}

// NewMP3 returns a Stream decoding MP3 data from r.
func NewMP3(r io.Reader) (Stream, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}
	return &mp3Stream{dec: dec}, nil
}

func (m *mp3Stream) Read(p []byte) (int, error) { return m.dec.Read(p) }

func (m *mp3Stream) Format() audio.Format {
	return audio.Format{SampleRate: m.dec.SampleRate(), Channels: 2}
}

// wavStream reads the data chunk of a PCM16 RIFF/WAVE container.
type wavStream struct {
	format audio.Format
	data   io.Reader
}

func (w *wavStream) Read(p []byte) (int, error) { return w.data.Read(p) }
func (w *wavStream) Format() audio.Format       { return w.format }

// NewWAV parses a RIFF/WAVE header from r and returns a Stream over its
// data chunk. Only uncompressed 16-bit PCM is supported. Chunks before the
// data chunk that are not "fmt " are skipped.
func NewWAV(r io.Reader) (Stream, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("wav: read header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" {
		return nil, errors.New("wav: missing RIFF header")
	}
	if string(hdr[8:12]) != "WAVE" {
		return nil, errors.New("wav: missing WAVE identifier")
	}

	var (
		format   audio.Format
		foundFmt bool
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, errors.New("wav: missing data chunk")
			}
			return nil, fmt.Errorf("wav: read chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("wav: fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("wav: read fmt chunk: %w", err)
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 {
				return nil, fmt.Errorf("wav: unsupported format tag %d (only PCM)", tag)
			}
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return nil, fmt.Errorf("wav: unsupported bit depth %d (only 16-bit)", bits)
			}
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			if format.Channels <= 0 || format.SampleRate <= 0 {
				return nil, fmt.Errorf("wav: invalid format %s", format)
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, errors.New("wav: data chunk before fmt chunk")
			}
			return &wavStream{format: format, data: io.LimitReader(r, size)}, nil
		default:
			// Chunks are word aligned.
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return nil, fmt.Errorf("wav: skip %q chunk: %w", id, err)
			}
		}
	}
}

// EncodeWAV wraps PCM16 data in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, format audio.Format) []byte {
	out := make([]byte, 44+len(pcm))
	blockAlign := 2 * format.Channels
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(format.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
