package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

const (
	flacMagic          = "fLaC"
	flacStreamInfo     = 0
	flacStreamInfoSize = 34
	flacHeaderSize     = 4
	mp3BytesPerFrame   = 4 // go-mp3 always decodes to 16-bit stereo.
	mp3Channels        = 2
)

// Inspect decodes enough of data to report its duration and layout.
func Inspect(data []byte, format Format) (Info, error) {
	var (
		info Info
		err  error
	)

	switch format {
	case FormatWAV:
		info, err = inspectWAV(data)
	case FormatMP3:
		info, err = inspectMP3(data)
	case FormatFLAC:
		info, err = inspectFLAC(data)
	default:
		return Info{}, fmt.Errorf(errFmtUnsupportedFormat, ErrUnsupportedFormat, format)
	}

	if err != nil {
		return Info{}, err
	}

	info.Format = format
	info.Size = int64(len(data))

	return info, nil
}

func inspectWAV(data []byte) (Info, error) {
	header, err := parseWAV(data)
	if err != nil {
		return Info{}, err
	}

	if header.byteRate == 0 {
		return Info{}, fmt.Errorf("%w: wav byte rate is zero", ErrInvalidAudio)
	}

	duration := time.Duration(float64(len(header.data)) / float64(header.byteRate) * float64(time.Second))

	return Info{
		Duration:   duration,
		SampleRate: header.sampleRate,
		Channels:   header.channels,
	}, nil
}

func inspectMP3(data []byte) (Info, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: mp3: %w", ErrInvalidAudio, err)
	}

	sampleRate := decoder.SampleRate()

	rateErr := validateSampleRate(sampleRate)
	if rateErr != nil {
		return Info{}, rateErr
	}

	length := decoder.Length()
	if length <= 0 {
		return Info{}, fmt.Errorf("%w: mp3 stream has no frames", ErrInvalidAudio)
	}

	frames := length / mp3BytesPerFrame

	return Info{
		Duration:   time.Duration(float64(frames) / float64(sampleRate) * float64(time.Second)),
		SampleRate: sampleRate,
		Channels:   mp3Channels,
	}, nil
}

// inspectFLAC reads the mandatory STREAMINFO block that follows the magic.
func inspectFLAC(data []byte) (Info, error) {
	if len(data) < len(flacMagic)+flacHeaderSize+flacStreamInfoSize ||
		string(data[:len(flacMagic)]) != flacMagic {
		return Info{}, fmt.Errorf("%w: missing flac stream header", ErrInvalidAudio)
	}

	blockHeader := data[len(flacMagic) : len(flacMagic)+flacHeaderSize]
	if blockHeader[0]&0x7F != flacStreamInfo {
		return Info{}, fmt.Errorf("%w: first flac block is not STREAMINFO", ErrInvalidAudio)
	}

	streamInfo := data[len(flacMagic)+flacHeaderSize:]

	sampleRate := int(streamInfo[10])<<12 | int(streamInfo[11])<<4 | int(streamInfo[12])>>4
	channels := int((streamInfo[12]>>1)&0x07) + 1
	totalSamples := uint64(streamInfo[13]&0x0F)<<32 | uint64(binary.BigEndian.Uint32(streamInfo[14:18]))

	rateErr := validateSampleRate(sampleRate)
	if rateErr != nil {
		return Info{}, rateErr
	}

	if totalSamples == 0 {
		return Info{}, fmt.Errorf("%w: flac stream reports no samples", ErrInvalidAudio)
	}

	return Info{
		Duration:   time.Duration(float64(totalSamples) / float64(sampleRate) * float64(time.Second)),
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}
