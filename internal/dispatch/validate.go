package dispatch

import (
	"errors"
	"fmt"
	"math"
	"net/url"

	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/task"
	"github.com/book-expert/voice-service/internal/text"
	"github.com/book-expert/voice-service/internal/voice"
)

// Speed bounds accepted by the engine.
const (
	MinSpeed = 0.5
	MaxSpeed = 2.0
)

// Request validation errors. Each is also wrapped with core.ErrValidation.
var (
	ErrTextEmpty          = errors.New("text cannot be empty")
	ErrTextTooLong        = errors.New("text exceeds maximum length")
	ErrSpeedRange         = errors.New("speed must be between 0.5 and 2.0")
	ErrSampleRateRange    = errors.New("sample rate out of range")
	ErrUnsupportedOutput  = errors.New("output format cannot be produced")
	ErrAmbiguousReference = errors.New("request cannot name a voice and carry prompt audio")
	ErrFieldNotAllowed    = errors.New("field cannot be used with this voice type")
	ErrPromptTextNoAudio  = errors.New("prompt text requires prompt audio")
	ErrInstructNoVoice    = errors.New("instruct text requires a voice or prompt audio")
	ErrInvalidCallback    = errors.New("callback url must be an absolute http(s) url")
)

// validate checks req and returns it with defaults applied and its text
// normalized.
func (d *Dispatcher) validate(req task.Request) (task.Request, error) {
	req.Text = d.normalizer.Normalize(req.Text)
	if req.Text == "" {
		return task.Request{}, invalid(ErrTextEmpty)
	}

	length := text.Length(req.Text)
	if d.opts.MaxTextLength > 0 && length > d.opts.MaxTextLength {
		return task.Request{}, invalid(fmt.Errorf("%w: %d > %d characters", ErrTextTooLong, length, d.opts.MaxTextLength))
	}

	if req.Speed == 0 {
		req.Speed = d.opts.DefaultSpeed
	}

	if math.IsNaN(req.Speed) || req.Speed < MinSpeed || req.Speed > MaxSpeed {
		return task.Request{}, invalid(fmt.Errorf("%w: got %.2f", ErrSpeedRange, req.Speed))
	}

	if req.SampleRate == 0 {
		req.SampleRate = d.opts.SampleRate
	}

	if req.SampleRate < 0 || req.SampleRate > audio.MaxSampleRate {
		return task.Request{}, invalid(fmt.Errorf("%w: got %d", ErrSampleRateRange, req.SampleRate))
	}

	format, err := outputFormat(req.Format)
	if err != nil {
		return task.Request{}, invalid(err)
	}

	if !d.encoder.Supports(format) {
		return task.Request{}, invalid(fmt.Errorf("%w: %s", ErrUnsupportedOutput, format))
	}

	req.Format = format

	err = d.validateReference(&req)
	if err != nil {
		return task.Request{}, err
	}

	if req.CallbackURL != "" {
		callback, parseErr := url.Parse(req.CallbackURL)
		if parseErr != nil || callback.Host == "" ||
			(callback.Scheme != "http" && callback.Scheme != "https") {
			return task.Request{}, invalid(fmt.Errorf("%w: %q", ErrInvalidCallback, req.CallbackURL))
		}
	}

	return req, nil
}

// validateReference checks the voice reference or the ad-hoc prompt audio.
// An unknown voice is reported as core.ErrNotFound.
func (d *Dispatcher) validateReference(req *task.Request) error {
	if req.VoiceID != "" && len(req.PromptAudio) > 0 {
		return invalid(ErrAmbiguousReference)
	}

	if req.VoiceID != "" {
		v, err := d.voices.Get(req.VoiceID)
		if err != nil {
			return err
		}

		return checkVoiceFields(*req, v.Type)
	}

	if len(req.PromptAudio) == 0 {
		if req.PromptText != "" {
			return invalid(ErrPromptTextNoAudio)
		}

		if req.InstructText != "" {
			return invalid(ErrInstructNoVoice)
		}

		req.PromptAudioFormat = ""

		return nil
	}

	format := req.PromptAudioFormat
	if format == "" {
		format = audio.FormatWAV
	}

	format, err := audio.ParseFormat(string(format))
	if err != nil {
		return invalid(err)
	}

	_, err = audio.Validate(req.PromptAudio, format, d.opts.PromptLimits)
	if err != nil {
		return invalid(fmt.Errorf("prompt audio: %w", err))
	}

	req.PromptAudioFormat = format

	return nil
}

// checkVoiceFields rejects request fields the voice type has no use for.
func checkVoiceFields(req task.Request, voiceType voice.Type) error {
	if req.PromptText != "" && !voiceType.AcceptsPromptText() {
		return invalid(fmt.Errorf("%w: prompt_text on %s voice", ErrFieldNotAllowed, voiceType))
	}

	if req.InstructText != "" && !voiceType.AcceptsInstructText() {
		return invalid(fmt.Errorf("%w: instruct_text on %s voice", ErrFieldNotAllowed, voiceType))
	}

	return nil
}

// adHocMode picks the mode of a request that carries its own prompt audio.
func adHocMode(req task.Request) core.Mode {
	switch {
	case req.InstructText != "":
		return core.ModeInstruct
	case len(req.PromptAudio) == 0:
		return core.ModeSFT
	case req.PromptText != "":
		return core.ModeZeroShot
	default:
		return core.ModeCrossLingual
	}
}

func outputFormat(format audio.Format) (audio.Format, error) {
	if format == "" {
		return audio.FormatWAV, nil
	}

	parsed, err := audio.ParseFormat(string(format))
	if err != nil {
		return "", fmt.Errorf("output: %w", err)
	}

	return parsed, nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", core.ErrValidation, err)
}
