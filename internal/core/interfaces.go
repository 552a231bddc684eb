// Package core defines the error taxonomy, collaborator interfaces and
// engine types shared by the voice registry and the task dispatcher.
package core

import (
	"context"
	"time"

	"github.com/book-expert/voice-service/internal/audio"
)

// ArtifactStore holds task output artifacts keyed by name.
type ArtifactStore interface {
	// Put stores data under key and returns the reference handed to callers.
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns the keys of every stored artifact.
	List(ctx context.Context) ([]string, error)
}

// ProgressFunc receives the fraction of work done in [0, 1]. It returns false
// when the caller wants the engine to stop at its next opportunity.
type ProgressFunc func(fraction float64) bool

// Mode selects how the engine conditions the output voice.
type Mode string

// Synthesis modes. Each stored voice type maps to exactly one mode.
const (
	ModeSFT          Mode = "sft"
	ModeZeroShot     Mode = "zero_shot"
	ModeCrossLingual Mode = "cross_lingual"
	ModeInstruct     Mode = "instruct"
)

// EngineRequest is the input of a single synthesis call.
type EngineRequest struct {
	Mode Mode
	Text string
	// PromptAudio is the reference recording, either from a stored voice or
	// supplied ad hoc with the request.
	PromptAudio       []byte
	PromptAudioFormat audio.Format
	PromptText        string
	InstructText      string
	Language          string
	VoiceID           string
	Speed             float64
	SampleRate        int
}

// EngineResult is the decoded output of a synthesis call.
type EngineResult struct {
	Samples    []float32
	SampleRate int
	Duration   time.Duration
}

// Engine is the blocking text-to-audio boundary. Implementations are not
// assumed to be safe for concurrent use.
type Engine interface {
	Synthesize(ctx context.Context, req EngineRequest, progress ProgressFunc) (*EngineResult, error)
}

// HealthChecker is implemented by engines that can report readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SpeakerLister is implemented by engines that ship built-in speakers
// usable as sft voices.
type SpeakerLister interface {
	ListSpeakers(ctx context.Context) ([]string, error)
}

// TaskEvent describes a task lifecycle transition for external observers.
type TaskEvent struct {
	TaskID          string        `json:"task_id"`
	Status          string        `json:"status"`
	Message         string        `json:"message,omitempty"`
	ResultReference string        `json:"result_reference,omitempty"`
	Error           *TaskError    `json:"error,omitempty"`
	Duration        time.Duration `json:"duration,omitempty"`
	SynthesisTime   time.Duration `json:"synthesis_time,omitempty"`
	CompletedAt     time.Time     `json:"completed_at,omitzero"`
	CallbackURL     string        `json:"-"`
}

// Notifier delivers task events. Delivery failures never affect the task.
type Notifier interface {
	Notify(ctx context.Context, event TaskEvent) error
}
