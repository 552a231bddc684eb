package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/dispatch"
	"github.com/book-expert/voice-service/internal/task"
	"github.com/book-expert/voice-service/internal/voice"
	"github.com/nats-io/nats.go"
)

// Control operations. The subject of each is the control prefix, a dot and
// the operation name.
const (
	OpVoiceCreate     = "voices.create"
	OpVoiceGet        = "voices.get"
	OpVoiceUpdate     = "voices.update"
	OpVoiceDelete     = "voices.delete"
	OpVoiceList       = "voices.list"
	OpVoiceStats      = "voices.stats"
	OpVoicePretrained = "voices.pretrained"
	OpTaskStatus      = "tasks.status"
	OpTaskResult      = "tasks.result"
	OpTaskCancel      = "tasks.cancel"
	OpTaskList        = "tasks.list"
	OpTaskStats       = "tasks.stats"
)

const (
	controlTimeout = 30 * time.Second
	// replyOverhead is the room left in a reply for everything but the audio.
	replyOverhead = 64 * 1024
)

// Subject joins the control prefix and an operation.
func Subject(prefix, op string) string {
	return prefix + "." + op
}

// VoiceRegistry is the voice registry surface exposed over NATS.
// *voice.Store implements it.
type VoiceRegistry interface {
	Create(spec voice.Spec, data []byte) (voice.Voice, error)
	Get(id string) (voice.Voice, error)
	Update(id string, patch voice.Patch) (voice.Voice, error)
	Delete(id string) error
	List(filter voice.Filter, page voice.Page) ([]voice.Voice, int)
	Stats() voice.Stats
}

// TaskTracker is the task surface exposed over NATS. *dispatch.Dispatcher
// implements it.
type TaskTracker interface {
	Status(id string) (task.Task, error)
	Result(ctx context.Context, id string) ([]byte, task.Task, error)
	Cancel(id string) (task.Task, error)
	List(filter task.Filter) []task.Task
	Stats() dispatch.Stats
}

// SpeakerSource lists the engine's built-in speakers. *engine.Gateway
// implements it.
type SpeakerSource interface {
	Speakers(ctx context.Context) ([]string, error)
}

// VoiceCreateRequest registers a voice with its reference recording.
type VoiceCreateRequest struct {
	Header       events.EventHeader `json:"header"`
	VoiceID      string             `json:"voice_id"`
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Type         string             `json:"type"`
	Language     string             `json:"language,omitempty"`
	PromptText   string             `json:"prompt_text,omitempty"`
	InstructText string             `json:"instruct_text,omitempty"`
	AudioFormat  string             `json:"audio_format,omitempty"`
	Audio        []byte             `json:"audio"`
}

// VoiceRequest names a single voice.
type VoiceRequest struct {
	Header  events.EventHeader `json:"header"`
	VoiceID string             `json:"voice_id"`
}

// VoiceUpdateRequest changes the descriptive fields of a voice. Absent
// fields are left untouched.
type VoiceUpdateRequest struct {
	Header      events.EventHeader `json:"header"`
	VoiceID     string             `json:"voice_id"`
	Name        *string            `json:"name,omitempty"`
	Description *string            `json:"description,omitempty"`
}

// VoiceListRequest filters and pages the voice listing.
type VoiceListRequest struct {
	Header   events.EventHeader `json:"header"`
	Type     string             `json:"type,omitempty"`
	Language string             `json:"language,omitempty"`
	Page     int                `json:"page,omitempty"`
	PageSize int                `json:"page_size,omitempty"`
}

// TaskRequest names a single task.
type TaskRequest struct {
	Header events.EventHeader `json:"header"`
	TaskID string             `json:"task_id"`
}

// TaskListRequest filters the task listing.
type TaskListRequest struct {
	Header  events.EventHeader `json:"header"`
	Status  string             `json:"status,omitempty"`
	VoiceID string             `json:"voice_id,omitempty"`
	Limit   int                `json:"limit,omitempty"`
}

// ControlReply answers every control operation. Only the fields of the
// operation are set.
type ControlReply struct {
	Header     events.EventHeader `json:"header"`
	Code       string             `json:"code"`
	Message    string             `json:"message,omitempty"`
	Voice      *voice.Voice       `json:"voice,omitempty"`
	Voices     []voice.Voice      `json:"voices,omitempty"`
	Total      int                `json:"total,omitempty"`
	VoiceStats *voice.Stats       `json:"voice_stats,omitempty"`
	Speakers   []string           `json:"speakers,omitempty"`
	Task       *task.Task         `json:"task,omitempty"`
	Tasks      []task.Task        `json:"tasks,omitempty"`
	TaskStats  *dispatch.Stats    `json:"task_stats,omitempty"`
	// Audio is the task result. It is left out when it would not fit in a
	// NATS message; the task's result reference still locates it.
	Audio []byte `json:"audio,omitempty"`
}

type controlHandler func(ctx context.Context, data []byte) (*ControlReply, error)

// ControlWorker serves voice and task operations over NATS request/reply.
type ControlWorker struct {
	natsConnection *nats.Conn
	prefix         string
	voices         VoiceRegistry
	tasks          TaskTracker
	speakers       SpeakerSource
	log            *logger.Logger
}

// NewControlWorker creates a worker answering on prefix.<operation>.
// speakers may be nil.
func NewControlWorker(
	natsConnection *nats.Conn,
	prefix string,
	voices VoiceRegistry,
	tasks TaskTracker,
	speakers SpeakerSource,
	log *logger.Logger,
) *ControlWorker {
	return &ControlWorker{
		natsConnection: natsConnection,
		prefix:         prefix,
		voices:         voices,
		tasks:          tasks,
		speakers:       speakers,
		log:            log,
	}
}

// Run subscribes to every operation and blocks until ctx is cancelled, then
// drains the subscriptions.
func (w *ControlWorker) Run(ctx context.Context) error {
	handlers := map[string]controlHandler{
		OpVoiceCreate:     w.createVoice,
		OpVoiceGet:        w.getVoice,
		OpVoiceUpdate:     w.updateVoice,
		OpVoiceDelete:     w.deleteVoice,
		OpVoiceList:       w.listVoices,
		OpVoiceStats:      w.voiceStats,
		OpVoicePretrained: w.pretrainedVoices,
		OpTaskStatus:      w.taskStatus,
		OpTaskResult:      w.taskResult,
		OpTaskCancel:      w.cancelTask,
		OpTaskList:        w.listTasks,
		OpTaskStats:       w.taskStats,
	}

	subs := make([]*nats.Subscription, 0, len(handlers))

	for op, handle := range handlers {
		subject := Subject(w.prefix, op)

		sub, err := w.natsConnection.Subscribe(subject, func(msg *nats.Msg) {
			w.serve(op, handle, msg)
		})
		if err != nil {
			for _, existing := range subs {
				_ = existing.Unsubscribe()
			}

			return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
		}

		subs = append(subs, sub)
	}

	w.log.Info("Serving %d control operations under %s", len(subs), w.prefix)

	<-ctx.Done()

	var drainErr error

	for _, sub := range subs {
		err := sub.Drain()
		if err != nil && drainErr == nil {
			drainErr = fmt.Errorf("failed to drain subscription %s: %w", sub.Subject, err)
		}
	}

	return drainErr
}

func (w *ControlWorker) serve(op string, handle controlHandler, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	var envelope struct {
		Header events.EventHeader `json:"header"`
	}

	_ = json.Unmarshal(msg.Data, &envelope)

	reply, err := handle(ctx, msg.Data)
	if err != nil {
		reply = &ControlReply{Code: replyCode(err), Message: err.Error()}

		w.log.Warn("Control operation %s failed: %v", op, err)
	} else {
		reply.Code = CodeOK
	}

	reply.Header = newHeader(envelope.Header)

	if msg.Reply == "" {
		return
	}

	replyData, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal %s reply: %v", op, err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to reply to %s: %v", op, err)
	}
}

// decode reads a request body. An empty body decodes to the zero request.
func decode[T any](data []byte) (T, error) {
	var req T

	if len(bytes.TrimSpace(data)) == 0 {
		return req, nil
	}

	err := json.Unmarshal(data, &req)
	if err != nil {
		return req, fmt.Errorf("%w: malformed request: %w", core.ErrValidation, err)
	}

	return req, nil
}

func (w *ControlWorker) createVoice(_ context.Context, data []byte) (*ControlReply, error) {
	req, err := decode[VoiceCreateRequest](data)
	if err != nil {
		return nil, err
	}

	created, err := w.voices.Create(voice.Spec{
		ID:           req.VoiceID,
		Name:         req.Name,
		Description:  req.Description,
		Type:         voice.Type(req.Type),
		Language:     req.Language,
		PromptText:   req.PromptText,
		InstructText: req.InstructText,
		AudioFormat:  audio.Format(req.AudioFormat),
	}, req.Audio)
	if err != nil {
		return nil, err
	}

	return &ControlReply{Voice: &created}, nil
}

func (w *ControlWorker) getVoice(_ context.Context, data []byte) (*ControlReply, error) {
	req, err := decode[VoiceRequest](data)
	if err != nil {
		return nil, err
	}

	found, err := w.voices.Get(req.VoiceID)
	if err != nil {
		return nil, err
	}

	return &ControlReply{Voice: &found}, nil
}

func (w *ControlWorker) updateVoice(_ context.Context, data []byte) (*ControlReply, error) {
	req, err := decode[VoiceUpdateRequest](data)
	if err != nil {
		return nil, err
	}

	updated, err := w.voices.Update(req.VoiceID, voice.Patch{Name: req.Name, Description: req.Description})
	if err != nil {
		return nil, err
	}

	return &ControlReply{Voice: &updated}, nil
}

func (w *ControlWorker) deleteVoice(_ context.Context, data []byte) (*ControlReply, error) {
	req, err := decode[VoiceRequest](data)
	if err != nil {
		return nil, err
	}

	err = w.voices.Delete(req.VoiceID)
	if err != nil {
		return nil, err
	}

	return &ControlReply{Message: fmt.Sprintf("voice %s deleted", req.VoiceID)}, nil
}

func (w *ControlWorker) listVoices(_ context.Context, data []byte) (*ControlReply, error) {
	req, err := decode[VoiceListRequest](data)
	if err != nil {
		return nil, err
	}

	voices, total := w.voices.List(
		voice.Filter{Type: voice.Type(req.Type), Language: req.Language},
		voice.Page{Number: req.Page, Size: req.PageSize},
	)

	return &ControlReply{Voices: voices, Total: total}, nil
}

func (w *ControlWorker) voiceStats(context.Context, []byte) (*ControlReply, error) {
	stats := w.voices.Stats()

	return &ControlReply{VoiceStats: &stats}, nil
}

func (w *ControlWorker) pretrainedVoices(ctx context.Context, _ []byte) (*ControlReply, error) {
	if w.speakers == nil {
		return &ControlReply{Speakers: []string{}}, nil
	}

	speakers, err := w.speakers.Speakers(ctx)
	if err != nil {
		return nil, err
	}

	return &ControlReply{Speakers: speakers, Total: len(speakers)}, nil
}

func (w *ControlWorker) taskStatus(_ context.Context, data []byte) (*ControlReply, error) {
	req, err := decode[TaskRequest](data)
	if err != nil {
		return nil, err
	}

	current, err := w.tasks.Status(req.TaskID)
	if err != nil {
		return nil, err
	}

	return &ControlReply{Task: &current}, nil
}

func (w *ControlWorker) taskResult(ctx context.Context, data []byte) (*ControlReply, error) {
	req, err := decode[TaskRequest](data)
	if err != nil {
		return nil, err
	}

	result, current, err := w.tasks.Result(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	reply := &ControlReply{Task: &current}

	// JSON carries the audio base64 encoded.
	encoded := int64(len(result)+2) / 3 * 4
	if encoded+replyOverhead > w.natsConnection.MaxPayload() {
		reply.Message = fmt.Sprintf("result of %d bytes exceeds the message limit; fetch it from %s",
			len(result), current.ResultReference)

		return reply, nil
	}

	reply.Audio = result

	return reply, nil
}

func (w *ControlWorker) cancelTask(_ context.Context, data []byte) (*ControlReply, error) {
	req, err := decode[TaskRequest](data)
	if err != nil {
		return nil, err
	}

	flagged, err := w.tasks.Cancel(req.TaskID)
	if err != nil {
		return nil, err
	}

	return &ControlReply{Task: &flagged, Message: "cancellation requested"}, nil
}

func (w *ControlWorker) listTasks(_ context.Context, data []byte) (*ControlReply, error) {
	req, err := decode[TaskListRequest](data)
	if err != nil {
		return nil, err
	}

	tasks := w.tasks.List(task.Filter{Status: task.Status(req.Status), VoiceID: req.VoiceID, Limit: req.Limit})

	return &ControlReply{Tasks: tasks, Total: len(tasks)}, nil
}

func (w *ControlWorker) taskStats(context.Context, []byte) (*ControlReply, error) {
	stats := w.tasks.Stats()

	return &ControlReply{TaskStats: &stats}, nil
}
