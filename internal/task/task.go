// Package task holds the in-memory table of synthesis tasks and enforces
// their lifecycle: status only moves forward and progress never decreases.
// Tasks do not survive a restart.
package task

import (
	"slices"
	"time"

	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
)

// Status is the lifecycle state of a task.
type Status string

// Task states. Completed, failed and cancelled are terminal.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// canTransitionTo reports whether next is reachable from s. Staying in a
// non-terminal state is allowed so progress can be reported.
func (s Status) canTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next != StatusCompleted
	case StatusProcessing:
		return next != StatusPending
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	default:
		return false
	}
}

// Request is the frozen input of a task.
type Request struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
	// PromptAudio is an ad-hoc reference recording used when no VoiceID is set.
	PromptAudio       []byte       `json:"-"`
	PromptAudioFormat audio.Format `json:"prompt_audio_format,omitempty"`
	PromptText        string       `json:"prompt_text,omitempty"`
	InstructText      string       `json:"instruct_text,omitempty"`
	Language          string       `json:"language,omitempty"`
	Speed             float64      `json:"speed"`
	Format            audio.Format `json:"format"`
	SampleRate        int          `json:"sample_rate,omitempty"`
	CallbackURL       string       `json:"callback_url,omitempty"`
}

// Task is a snapshot of a task record.
type Task struct {
	ID              string          `json:"task_id"`
	Status          Status          `json:"status"`
	Request         Request         `json:"request"`
	Progress        float64         `json:"progress"`
	Message         string          `json:"message,omitempty"`
	ResultReference string          `json:"result_reference,omitempty"`
	Error           *core.TaskError `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       time.Time       `json:"started_at,omitzero"`
	CompletedAt     time.Time       `json:"completed_at,omitzero"`
	// Duration is the length of the produced audio.
	Duration        time.Duration `json:"duration,omitempty"`
	SynthesisTime   time.Duration `json:"synthesis_time,omitempty"`
	CancelRequested bool          `json:"cancel_requested"`
}

// Event converts the snapshot into a lifecycle event for notifiers.
func (t Task) Event() core.TaskEvent {
	return core.TaskEvent{
		TaskID:          t.ID,
		Status:          string(t.Status),
		Message:         t.Message,
		ResultReference: t.ResultReference,
		Error:           t.Error,
		Duration:        t.Duration,
		SynthesisTime:   t.SynthesisTime,
		CompletedAt:     t.CompletedAt,
		CallbackURL:     t.Request.CallbackURL,
	}
}

func (t Task) clone() Task {
	t.Request.PromptAudio = slices.Clone(t.Request.PromptAudio)

	if t.Error != nil {
		taskErr := *t.Error
		t.Error = &taskErr
	}

	return t
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Status  Status
	VoiceID string
	// Limit caps the number of results when positive.
	Limit int
}

func (f Filter) matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}

	return f.VoiceID == "" || t.Request.VoiceID == f.VoiceID
}

// Stats summarizes the task table.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	// AverageSynthesisTime covers completed tasks only.
	AverageSynthesisTime time.Duration `json:"average_synthesis_time"`
}
