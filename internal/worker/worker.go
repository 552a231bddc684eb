// Package worker is the NATS intake of the voice-service: synthesis
// submissions plus request/reply control of voices and tasks.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/task"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Reply codes sent back to the requester.
const (
	CodeAccepted        = "accepted"
	CodeOK              = "ok"
	CodeInvalid         = "invalid"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeCapacity        = "capacity"
	CodeUnavailable     = "unavailable"
	CodeNotReady        = "not_ready"
	CodeAlreadyTerminal = "already_terminal"
	CodeEngine          = "engine"
	CodeInternal        = "internal"
)

// Submitter queues a synthesis task.
type Submitter interface {
	Submit(req task.Request) (task.Task, error)
}

// SynthesisRequestedEvent asks the service to synthesize text.
type SynthesisRequestedEvent struct {
	Header            events.EventHeader `json:"header"`
	Text              string             `json:"text"`
	VoiceID           string             `json:"voice_id,omitempty"`
	PromptAudio       []byte             `json:"prompt_audio,omitempty"`
	PromptAudioFormat string             `json:"prompt_audio_format,omitempty"`
	PromptText        string             `json:"prompt_text,omitempty"`
	InstructText      string             `json:"instruct_text,omitempty"`
	Language          string             `json:"language,omitempty"`
	Speed             float64            `json:"speed,omitempty"`
	Format            string             `json:"format,omitempty"`
	SampleRate        int                `json:"sample_rate,omitempty"`
	CallbackURL       string             `json:"callback_url,omitempty"`
}

// Request converts the event into a task request.
func (e *SynthesisRequestedEvent) Request() task.Request {
	return task.Request{
		Text:              e.Text,
		VoiceID:           e.VoiceID,
		PromptAudio:       e.PromptAudio,
		PromptAudioFormat: audio.Format(e.PromptAudioFormat),
		PromptText:        e.PromptText,
		InstructText:      e.InstructText,
		Language:          e.Language,
		Speed:             e.Speed,
		Format:            audio.Format(e.Format),
		SampleRate:        e.SampleRate,
		CallbackURL:       e.CallbackURL,
	}
}

// SynthesisAcceptedEvent is the reply to a SynthesisRequestedEvent.
type SynthesisAcceptedEvent struct {
	Header  events.EventHeader `json:"header"`
	Code    string             `json:"code"`
	TaskID  string             `json:"task_id,omitempty"`
	Status  string             `json:"status,omitempty"`
	Message string             `json:"message,omitempty"`
}

// NatsWorker listens for synthesis requests on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	submitter      Submitter
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	submitter Submitter,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		submitter:      submitter,
		log:            log,
	}
}

// Run subscribes and blocks until ctx is cancelled, then drains the
// subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Accepting synthesis requests on %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	var event SynthesisRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		w.log.Error("Failed to parse synthesis request on %s: %v", msg.Subject, err)
		w.reply(msg, &SynthesisAcceptedEvent{
			Header:  newHeader(events.EventHeader{}),
			Code:    CodeInvalid,
			Message: fmt.Sprintf("malformed request: %v", err),
		})

		return
	}

	reply := &SynthesisAcceptedEvent{Header: newHeader(event.Header)}

	submitted, err := w.submitter.Submit(event.Request())
	if err != nil {
		reply.Code = replyCode(err)
		reply.Message = err.Error()

		w.log.Warn("Rejected synthesis request for workflow %s: %v", event.Header.WorkflowID, err)
	} else {
		reply.Code = CodeAccepted
		reply.TaskID = submitted.ID
		reply.Status = string(submitted.Status)
	}

	w.reply(msg, reply)
}

// reply responds when the sender asked for one.
func (w *NatsWorker) reply(msg *nats.Msg, reply *SynthesisAcceptedEvent) {
	if msg.Reply == "" {
		return
	}

	replyData, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal reply event: %v", err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", reply.Header.WorkflowID, err)
	}
}

func newHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: request.WorkflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}

func replyCode(err error) string {
	switch {
	case errors.Is(err, core.ErrValidation):
		return CodeInvalid
	case errors.Is(err, core.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, core.ErrConflict):
		return CodeConflict
	case errors.Is(err, core.ErrCapacity):
		return CodeCapacity
	case errors.Is(err, core.ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, core.ErrNotReady):
		return CodeNotReady
	case errors.Is(err, core.ErrAlreadyTerminal):
		return CodeAlreadyTerminal
	case errors.Is(err, core.ErrEngine):
		return CodeEngine
	default:
		return CodeInternal
	}
}
