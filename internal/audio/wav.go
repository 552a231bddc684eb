package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
)

const (
	riffHeaderSize  = 12
	chunkHeaderSize = 8
	fmtChunkMinSize = 16
	wavFormatPCM    = 1
	wavFormatFloat  = 3
	pcm16Scale      = 32767
	// wavHeaderTail is the RIFF payload before the samples: WAVE, fmt and data headers.
	wavHeaderTail = 36
)

// ErrUnsupportedEncoding indicates a WAV sample encoding other than PCM16 or float32.
var ErrUnsupportedEncoding = errors.New("unsupported wav sample encoding")

type wavHeader struct {
	audioFormat   uint16
	channels      int
	sampleRate    int
	byteRate      int
	bitsPerSample int
	data          []byte
}

// parseWAV walks the RIFF chunks and returns the fmt fields and data payload.
func parseWAV(data []byte) (wavHeader, error) {
	if len(data) < riffHeaderSize ||
		string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return wavHeader{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidAudio)
	}

	var (
		header  wavHeader
		haveFmt bool
	)

	offset := riffHeaderSize
	for offset+chunkHeaderSize <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + chunkHeaderSize

		if body+chunkSize > len(data) {
			// Streams written without a final size are common; clamp data.
			if chunkID != "data" {
				return wavHeader{}, fmt.Errorf("%w: truncated %q chunk", ErrInvalidAudio, chunkID)
			}

			chunkSize = len(data) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < fmtChunkMinSize {
				return wavHeader{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidAudio)
			}

			chunk := data[body : body+chunkSize]
			header.audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			header.channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			header.sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			header.byteRate = int(binary.LittleEndian.Uint32(chunk[8:12]))
			header.bitsPerSample = int(binary.LittleEndian.Uint16(chunk[14:16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return wavHeader{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidAudio)
			}

			header.data = data[body : body+chunkSize]

			return header, validateHeader(header)
		}

		// Chunks are word aligned.
		offset = body + chunkSize + chunkSize%2
	}

	return wavHeader{}, fmt.Errorf("%w: no data chunk", ErrInvalidAudio)
}

func validateHeader(header wavHeader) error {
	rateErr := validateSampleRate(header.sampleRate)
	if rateErr != nil {
		return rateErr
	}

	return validateChannels(header.channels)
}

// DecodeWAV returns the recording mixed down to mono float samples in [-1, 1].
func DecodeWAV(data []byte) ([]float32, int, error) {
	header, err := parseWAV(data)
	if err != nil {
		return nil, 0, err
	}

	var frameSize int

	switch {
	case header.audioFormat == wavFormatPCM && header.bitsPerSample == 16:
		frameSize = 2 * header.channels
	case header.audioFormat == wavFormatFloat && header.bitsPerSample == 32:
		frameSize = 4 * header.channels
	default:
		return nil, 0, fmt.Errorf("%w: format %d with %d bits",
			ErrUnsupportedEncoding, header.audioFormat, header.bitsPerSample)
	}

	frames := len(header.data) / frameSize
	samples := make([]float32, frames)

	for frame := range frames {
		var sum float32

		for channel := range header.channels {
			pos := frame*frameSize + channel*(frameSize/header.channels)
			if header.audioFormat == wavFormatPCM {
				sum += float32(int16(binary.LittleEndian.Uint16(header.data[pos:]))) / pcm16Scale
			} else {
				sum += math.Float32frombits(binary.LittleEndian.Uint32(header.data[pos:]))
			}
		}

		samples[frame] = sum / float32(header.channels)
	}

	return samples, header.sampleRate, nil
}

// EncodeWAV writes mono samples as a 16-bit PCM WAV file.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	rateErr := validateSampleRate(sampleRate)
	if rateErr != nil {
		return nil, rateErr
	}

	const bytesPerSample = DefaultBitDepth / 8

	dataSize := len(samples) * bytesPerSample

	var buf bytes.Buffer
	buf.Grow(riffHeaderSize + chunkHeaderSize + fmtChunkMinSize + chunkHeaderSize + dataSize)

	buf.WriteString("RIFF")
	writeLE(&buf, uint32(wavHeaderTail+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	writeLE(&buf, uint32(fmtChunkMinSize))
	writeLE(&buf, uint16(wavFormatPCM))
	writeLE(&buf, uint16(DefaultChannels))
	writeLE(&buf, uint32(sampleRate))
	writeLE(&buf, uint32(sampleRate*DefaultChannels*bytesPerSample))
	writeLE(&buf, uint16(DefaultChannels*bytesPerSample))
	writeLE(&buf, uint16(DefaultBitDepth))

	buf.WriteString("data")
	writeLE(&buf, uint32(dataSize))

	for _, sample := range samples {
		clamped := max(-1, min(1, sample))
		writeLE(&buf, int16(math.Round(float64(clamped)*pcm16Scale)))
	}

	return buf.Bytes(), nil
}

func writeLE(buf *bytes.Buffer, value any) {
	// bytes.Buffer writes never fail.
	_ = binary.Write(buf, binary.LittleEndian, value)
}

// Encoder turns synthesized samples into an output artifact.
type Encoder interface {
	Supports(format Format) bool
	Encode(format Format, samples []float32, sampleRate int) ([]byte, error)
}

// WAVEncoder encodes WAV output only; other containers need an external
// converter wired in through the Encoder interface.
type WAVEncoder struct{}

// Supports reports whether format can be produced.
func (WAVEncoder) Supports(format Format) bool {
	return slices.Contains([]Format{FormatWAV}, format)
}

// Encode produces a 16-bit PCM WAV artifact.
func (e WAVEncoder) Encode(format Format, samples []float32, sampleRate int) ([]byte, error) {
	if !e.Supports(format) {
		return nil, fmt.Errorf(errFmtUnsupportedFormat, ErrUnsupportedFormat, format)
	}

	return EncodeWAV(samples, sampleRate)
}
