// Package audio provides the audio formats, probing and validation used for
// voice reference recordings, and the WAV codec used for task artifacts.
package audio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default quality settings for synthesized output.
const (
	DefaultSampleRate = 22050
	DefaultBitDepth   = 16
	DefaultChannels   = 1
)

// Quality validation limits.
const (
	MaxSampleRate = 192000
	MaxChannels   = 8
)

const (
	errFmtUnsupportedFormat = "%w: %q"
	errFmtSampleRateRange   = "%w: sample rate %d must be between 1 and %d Hz"
	errFmtChannelsRange     = "%w: channels %d must be between 1 and %d"
	errFmtTooLarge          = "%w: %d bytes exceeds limit of %d bytes"
	errFmtTooLong           = "%w: duration %s exceeds limit of %s"
	errFmtTooShort          = "%w: duration %s is below minimum of %s"
)

// Common errors for the audio package.
var (
	// ErrUnsupportedFormat indicates a format outside the supported set.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrInvalidAudio indicates data that cannot be decoded.
	ErrInvalidAudio = errors.New("invalid audio data")
	// ErrOutOfBounds indicates audio outside the configured size or duration bounds.
	ErrOutOfBounds = errors.New("audio out of bounds")
	// ErrEmptyAudio indicates zero-length audio data.
	ErrEmptyAudio = errors.New("audio data is empty")
)

// Format represents supported audio container formats.
type Format string

// Supported formats.
const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
)

// ParseFormat normalizes a format name or file extension.
func ParseFormat(name string) (Format, error) {
	normalized := Format(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "."))

	switch normalized {
	case FormatWAV, FormatMP3, FormatFLAC:
		return normalized, nil
	default:
		return "", fmt.Errorf(errFmtUnsupportedFormat, ErrUnsupportedFormat, name)
	}
}

// Extension returns the file extension for the format, including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// Info describes an inspected audio recording.
type Info struct {
	Format     Format        `json:"format"`
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Size       int64         `json:"size"`
}

// Limits bounds the reference recordings accepted for a voice.
type Limits struct {
	MaxSize     int64
	MinDuration time.Duration
	MaxDuration time.Duration
}

// Validate inspects data and checks it against the limits. Zero-valued limits
// are not enforced.
func Validate(data []byte, format Format, limits Limits) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrEmptyAudio
	}

	if limits.MaxSize > 0 && int64(len(data)) > limits.MaxSize {
		return Info{}, fmt.Errorf(errFmtTooLarge, ErrOutOfBounds, len(data), limits.MaxSize)
	}

	info, err := Inspect(data, format)
	if err != nil {
		return Info{}, err
	}

	if limits.MaxDuration > 0 && info.Duration > limits.MaxDuration {
		return Info{}, fmt.Errorf(errFmtTooLong, ErrOutOfBounds, info.Duration, limits.MaxDuration)
	}

	if info.Duration < limits.MinDuration {
		return Info{}, fmt.Errorf(errFmtTooShort, ErrOutOfBounds, info.Duration, limits.MinDuration)
	}

	return info, nil
}

func validateSampleRate(sampleRate int) error {
	if sampleRate <= 0 || sampleRate > MaxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidAudio, sampleRate, MaxSampleRate)
	}

	return nil
}

func validateChannels(channels int) error {
	if channels <= 0 || channels > MaxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidAudio, channels, MaxChannels)
	}

	return nil
}
