// Package wav encodes normalized float samples into a minimal 16-bit mono
// PCM WAV container, the format handed to the transcription service.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DefaultSampleRate is the capture rate browsers deliver by default.
const DefaultSampleRate = 44100

const (
	// HeaderSize is the fixed size of the RIFF/fmt/data header.
	HeaderSize = 44

	bitsPerSample = 16
	numChannels   = 1
	bytesPerFrame = numChannels * bitsPerSample / 8
	pcmMax        = 32767
)

// ErrShortData is returned when a buffer cannot hold a WAV header.
var ErrShortData = errors.New("wav: data shorter than header")

// Header is the on-disk layout of the 44-byte header, little endian.
type Header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // sample count * 2
}

// NumSamples returns the sample count described by the data chunk size.
func (h *Header) NumSamples() int {
	return int(h.Subchunk2Size) / bytesPerFrame
}

// newHeader builds the header for sampleCount mono 16-bit samples.
func newHeader(sampleCount int, sampleRate uint32) Header {
	dataSize := uint32(sampleCount * bytesPerFrame)
	return Header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   numChannels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * bytesPerFrame,
		BlockAlign:    bytesPerFrame,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// Encode returns a complete WAV file for samples at sampleRate.
//
// Each sample is scaled by 32767 and rounded. Values outside [-1, 1] are not
// clamped: the rounded value is truncated to 16 bits and wraps around.
// An empty input yields the bare 44-byte header.
func Encode(samples []float64, sampleRate uint32) []byte {
	out := make([]byte, HeaderSize+len(samples)*bytesPerFrame)

	header := newHeader(len(samples), sampleRate)
	buf := bytes.NewBuffer(out[:0])
	// Writes into a pre-sized buffer of fixed-size fields cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, header)

	pcm := out[HeaderSize:]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*bytesPerFrame:], uint16(Quantize(s)))
	}
	return out
}

// Quantize converts one normalized sample to its 16-bit PCM value.
func Quantize(sample float64) int16 {
	return int16(int64(math.Round(sample * pcmMax)))
}

// ParseHeader reads and validates the header of a mono 16-bit PCM file.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrShortData, HeaderSize, len(data))
	}

	var h Header
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("wav: read header: %w", err)
	}

	switch {
	case string(h.ChunkID[:]) != "RIFF":
		return nil, errors.New("wav: missing RIFF header")
	case string(h.Format[:]) != "WAVE":
		return nil, errors.New("wav: missing WAVE format")
	case string(h.Subchunk1ID[:]) != "fmt ":
		return nil, errors.New("wav: missing fmt chunk")
	case string(h.Subchunk2ID[:]) != "data":
		return nil, errors.New("wav: missing data chunk")
	case h.AudioFormat != 1:
		return nil, fmt.Errorf("wav: unsupported audio format %d", h.AudioFormat)
	case h.BitsPerSample != bitsPerSample:
		return nil, fmt.Errorf("wav: unsupported bit depth %d", h.BitsPerSample)
	case h.NumChannels != numChannels:
		return nil, fmt.Errorf("wav: unsupported channel count %d", h.NumChannels)
	}
	return &h, nil
}

// Decode returns the PCM samples and sample rate of a file produced by Encode.
func Decode(data []byte) ([]int16, uint32, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, 0, err
	}

	n := h.NumSamples()
	if len(data)-HeaderSize < n*bytesPerFrame {
		return nil, 0, fmt.Errorf("%w: data chunk declares %d samples", ErrShortData, n)
	}

	samples := make([]int16, n)
	pcm := data[HeaderSize:]
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*bytesPerFrame:]))
	}
	return samples, h.SampleRate, nil
}

// Duration returns the playback length in seconds of a file produced by Encode.
func Duration(data []byte) (float64, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return 0, err
	}
	if h.SampleRate == 0 {
		return 0, errors.New("wav: invalid sample rate 0")
	}
	return float64(h.NumSamples()) / float64(h.SampleRate), nil
}
