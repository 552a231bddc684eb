// Package voice implements the persistent voice registry: reference
// recordings and their metadata, keyed by a caller-chosen voice id.
package voice

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
)

// Type is the closed set of voice kinds. The kind decides which optional
// fields a voice must carry.
type Type string

// Voice kinds.
const (
	TypeSFT          Type = "sft"
	TypeZeroShot     Type = "zero_shot"
	TypeCrossLingual Type = "cross_lingual"
	TypeInstruct     Type = "instruct"
)

// Types lists every voice kind in a stable order.
var Types = []Type{TypeSFT, TypeZeroShot, TypeCrossLingual, TypeInstruct}

// Mode is the engine mode used to synthesize with a voice of this kind.
func (t Type) Mode() core.Mode {
	switch t {
	case TypeZeroShot:
		return core.ModeZeroShot
	case TypeCrossLingual:
		return core.ModeCrossLingual
	case TypeInstruct:
		return core.ModeInstruct
	case TypeSFT:
		return core.ModeSFT
	default:
		return core.ModeSFT
	}
}

// AcceptsPromptText reports whether a request may supply the transcript of
// the reference recording.
func (t Type) AcceptsPromptText() bool {
	return t == TypeZeroShot || t == TypeInstruct
}

// AcceptsInstructText reports whether a request may supply a style
// instruction.
func (t Type) AcceptsInstructText() bool {
	return t == TypeInstruct
}

const maxIDLength = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Validation errors. Each is also wrapped with core.ErrValidation.
var (
	ErrInvalidID    = errors.New("voice id must be alphanumeric, '-' or '_' and at most 128 characters")
	ErrNameEmpty    = errors.New("voice name cannot be empty")
	ErrUnknownType  = errors.New("unknown voice type")
	ErrMissingField = errors.New("missing field required by voice type")
)

// Voice is a registered reference voice. Values handed out by the Store are
// snapshots; mutating them has no effect on the registry.
type Voice struct {
	ID           string       `json:"voice_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Type         Type         `json:"type"`
	Language     string       `json:"language,omitempty"`
	PromptText   string       `json:"prompt_text,omitempty"`
	InstructText string       `json:"instruct_text,omitempty"`
	AudioFormat  audio.Format `json:"audio_format"`
	// AudioReference is the blob file name under the audio root.
	AudioReference string        `json:"audio_reference"`
	FileSize       int64         `json:"file_size"`
	Duration       time.Duration `json:"duration"`
	SampleRate     int           `json:"sample_rate"`
	UsageCount     int64         `json:"usage_count"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Spec is the caller-supplied description of a new voice.
type Spec struct {
	ID           string
	Name         string
	Description  string
	Type         Type
	Language     string
	PromptText   string
	InstructText string
	// AudioFormat of the uploaded recording; defaults to WAV.
	AudioFormat audio.Format
}

// Validate checks the identifier and the fields required by the voice type.
func (s Spec) Validate() error {
	if len(s.ID) > maxIDLength || !idPattern.MatchString(s.ID) {
		return fmt.Errorf("%w: %w: %q", core.ErrValidation, ErrInvalidID, s.ID)
	}

	if s.Name == "" {
		return fmt.Errorf("%w: %w", core.ErrValidation, ErrNameEmpty)
	}

	switch s.Type {
	case TypeSFT, TypeZeroShot:
		// The reference recording is the only requirement.
	case TypeCrossLingual:
		if s.Language == "" {
			return fmt.Errorf("%w: %w: %s requires language", core.ErrValidation, ErrMissingField, s.Type)
		}
	case TypeInstruct:
		if s.InstructText == "" {
			return fmt.Errorf("%w: %w: %s requires instruct_text", core.ErrValidation, ErrMissingField, s.Type)
		}
	default:
		return fmt.Errorf("%w: %w: %q", core.ErrValidation, ErrUnknownType, s.Type)
	}

	return nil
}

// Patch changes the descriptive fields of a voice. Nil fields are untouched.
type Patch struct {
	Name        *string
	Description *string
}

func (p Patch) apply(v *Voice) error {
	if p.Name != nil {
		if *p.Name == "" {
			return fmt.Errorf("%w: %w", core.ErrValidation, ErrNameEmpty)
		}

		v.Name = *p.Name
	}

	if p.Description != nil {
		v.Description = *p.Description
	}

	return nil
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Type     Type
	Language string
}

func (f Filter) matches(v *Voice) bool {
	if f.Type != "" && v.Type != f.Type {
		return false
	}

	return f.Language == "" || v.Language == f.Language
}

// Page selects a window of List results. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

const defaultPageSize = 50

func (p Page) bounds(total int) (int, int) {
	size := p.Size
	if size <= 0 {
		size = defaultPageSize
	}

	number := max(p.Number, 1)

	start := min((number-1)*size, total)
	end := min(start+size, total)

	return start, end
}

// Usage pairs a voice id with how many syntheses referenced it.
type Usage struct {
	VoiceID    string `json:"voice_id"`
	UsageCount int64  `json:"usage_count"`
}

// Stats summarizes the registry.
type Stats struct {
	Total           int            `json:"total"`
	ByType          map[Type]int   `json:"by_type"`
	ByLanguage      map[string]int `json:"by_language"`
	TotalBytes      int64          `json:"total_bytes"`
	AverageDuration time.Duration  `json:"average_duration"`
	// MostUsed is ordered by usage count, highest first.
	MostUsed []Usage `json:"most_used"`
}
