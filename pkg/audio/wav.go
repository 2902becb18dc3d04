package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnsupportedWAV is returned for WAV files that are not 16-bit integer PCM.
var ErrUnsupportedWAV = errors.New("audio: unsupported wav encoding (want 16-bit PCM)")

// ReadWAVFile reads a RIFF/WAVE file containing 16-bit PCM, downmixes it to
// mono, and returns the samples together with the file's sample rate.
func ReadWAVFile(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: open wav %q: %w", path, err)
	}
	defer f.Close()
	return ReadWAV(f)
}

// ReadWAV decodes a RIFF/WAVE stream containing 16-bit PCM into mono float32
// samples. Chunks other than fmt and data are skipped.
func ReadWAV(r io.Reader) ([]float32, int, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("audio: read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, errors.New("audio: not a RIFF/WAVE stream")
	}

	var (
		sampleRate int
		channels   int
		haveFmt    bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, 0, errors.New("audio: wav has no data chunk")
			}
			return nil, 0, fmt.Errorf("audio: read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return nil, 0, errors.New("audio: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || bits != 16 {
				return nil, 0, ErrUnsupportedWAV
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, 0, errors.New("audio: wav data chunk before fmt chunk")
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, fmt.Errorf("audio: read data chunk: %w", err)
			}
			return DecodePCM16(body, channels), sampleRate, nil

		default:
			// Skip unknown chunks; sizes are word-aligned.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, 0, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}
}
