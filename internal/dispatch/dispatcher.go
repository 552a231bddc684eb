// Package dispatch runs synthesis tasks: a bounded FIFO queue feeding a
// fixed pool of workers that take turns on the engine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/task"
	"github.com/book-expert/voice-service/internal/text"
	"github.com/book-expert/voice-service/internal/voice"
	"golang.org/x/sync/errgroup"
)

const (
	defaultEventBuffer = 256
	notifyTimeout      = 15 * time.Second
	storageTimeout     = time.Minute
	// maxReportedProgress keeps progress below 1 until the artifact is stored.
	maxReportedProgress = 0.99
	shutdownMessage     = "Server shutdown"
)

var (
	// ErrAlreadyRunning indicates a second call to Run.
	ErrAlreadyRunning = errors.New("dispatcher already running")

	errCancelledBeforeStart = errors.New("cancelled before start")
)

// VoiceSource resolves stored voices for synthesis. *voice.Store implements it.
type VoiceSource interface {
	Get(id string) (voice.Voice, error)
	ReadAudio(id string) (voice.Voice, []byte, error)
	RecordUsage(id string) error
}

// Synthesizer is the guarded engine. *engine.Gateway implements it.
type Synthesizer interface {
	Ready() bool
	Synthesize(ctx context.Context, req core.EngineRequest, progress core.ProgressFunc) (*core.EngineResult, error)
}

// Deps are the collaborators of a Dispatcher. Notifier may be nil.
type Deps struct {
	Registry  *task.Registry
	Voices    VoiceSource
	Engine    Synthesizer
	Encoder   audio.Encoder
	Artifacts core.ArtifactStore
	Notifier  core.Notifier
}

// Options sizes the dispatcher and bounds requests.
type Options struct {
	Workers       int
	QueueCapacity int
	MaxTextLength int
	DefaultSpeed  float64
	SampleRate    int
	// PromptLimits bounds ad-hoc prompt audio sent with a request.
	PromptLimits audio.Limits
}

// Stats reports queue occupancy alongside the task counts.
type Stats struct {
	task.Stats

	QueueLength   int `json:"queue_length"`
	QueueCapacity int `json:"queue_capacity"`
	Workers       int `json:"workers"`
}

// Dispatcher accepts tasks and runs them on its worker pool.
type Dispatcher struct {
	registry   *task.Registry
	voices     VoiceSource
	engine     Synthesizer
	encoder    audio.Encoder
	artifacts  core.ArtifactStore
	notifier   core.Notifier
	normalizer *text.Normalizer
	opts       Options
	log        *logger.Logger

	// submitMu makes the capacity check, record creation and enqueue one step.
	submitMu sync.Mutex
	queue    chan string
	stopped  atomic.Bool
	running  atomic.Bool

	events chan core.TaskEvent
}

// New creates a Dispatcher. Call Run to start the workers.
func New(deps Deps, opts Options, log *logger.Logger) *Dispatcher {
	opts.Workers = max(opts.Workers, 1)
	opts.QueueCapacity = max(opts.QueueCapacity, 1)

	if opts.DefaultSpeed == 0 {
		opts.DefaultSpeed = 1
	}

	if opts.SampleRate == 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}

	return &Dispatcher{
		registry:   deps.Registry,
		voices:     deps.Voices,
		engine:     deps.Engine,
		encoder:    deps.Encoder,
		artifacts:  deps.Artifacts,
		notifier:   deps.Notifier,
		normalizer: text.NewNormalizer(),
		opts:       opts,
		log:        log,
		queue:      make(chan string, opts.QueueCapacity),
		events:     make(chan core.TaskEvent, defaultEventBuffer),
	}
}

// Submit validates req, records a pending task and queues it. It never waits
// for the engine: a full queue is rejected with core.ErrCapacity and no
// record is created.
func (d *Dispatcher) Submit(req task.Request) (task.Task, error) {
	normalized, err := d.validate(req)
	if err != nil {
		return task.Task{}, err
	}

	if !d.engine.Ready() {
		return task.Task{}, fmt.Errorf("%w: engine is not available", core.ErrUnavailable)
	}

	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	if d.stopped.Load() {
		return task.Task{}, fmt.Errorf("%w: dispatcher stopped", core.ErrUnavailable)
	}

	if len(d.queue) >= cap(d.queue) {
		return task.Task{}, fmt.Errorf("%w: %d tasks pending", core.ErrCapacity, len(d.queue))
	}

	created := d.registry.Create(normalized)

	// The pending event goes out before a worker can emit processing.
	d.emit(created)
	d.queue <- created.ID

	d.log.Info("Queued task %s (voice %q, %d chars)", created.ID, normalized.VoiceID, text.Length(normalized.Text))

	return created, nil
}

// Status returns a snapshot of the task.
func (d *Dispatcher) Status(id string) (task.Task, error) {
	return d.registry.Get(id)
}

// Result returns the artifact of a completed task.
func (d *Dispatcher) Result(ctx context.Context, id string) ([]byte, task.Task, error) {
	t, err := d.registry.Get(id)
	if err != nil {
		return nil, task.Task{}, err
	}

	if t.Status != task.StatusCompleted {
		return nil, t, fmt.Errorf("%w: task %s is %s", core.ErrNotReady, id, t.Status)
	}

	data, err := d.artifacts.Get(ctx, ArtifactKey(t))
	if err != nil {
		return nil, t, fmt.Errorf("failed to read result of task %s: %w", id, err)
	}

	return data, t, nil
}

// Cancel requests cancellation. A pending task never reaches the engine; a
// running task is stopped at its next progress report or its result is
// discarded.
func (d *Dispatcher) Cancel(id string) (task.Task, error) {
	t, err := d.registry.RequestCancel(id)
	if err != nil {
		return task.Task{}, err
	}

	d.log.Info("Cancellation requested for task %s (%s)", id, t.Status)

	return t, nil
}

// List returns the matching tasks, newest first.
func (d *Dispatcher) List(filter task.Filter) []task.Task {
	return d.registry.List(filter)
}

// Stats reports task counts and queue occupancy.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Stats:         d.registry.Stats(),
		QueueLength:   len(d.queue),
		QueueCapacity: cap(d.queue),
		Workers:       d.opts.Workers,
	}
}

// ArtifactKey is the artifact name of a task: its id plus the extension of
// the requested format.
func ArtifactKey(t task.Task) string {
	return t.ID + t.Request.Format.Extension()
}

// Run starts the workers and blocks until ctx is cancelled. On return, tasks
// that were still queued or running are failed with a shutdown cause and
// every pending event has been delivered.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var notifyWG sync.WaitGroup

	notifyWG.Add(1)

	go func() {
		defer notifyWG.Done()
		d.deliverEvents()
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	for worker := range d.opts.Workers {
		group.Go(func() error {
			d.work(groupCtx, worker)

			return nil
		})
	}

	d.log.Info("Dispatcher started with %d workers, queue capacity %d", d.opts.Workers, cap(d.queue))

	err := group.Wait()

	d.drain()
	close(d.events)
	notifyWG.Wait()

	d.log.Info("Dispatcher stopped")

	return err
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			d.log.Info("Worker %d stopped", worker)

			return
		case id := <-d.queue:
			if ctx.Err() != nil {
				d.failShutdown(id)

				return
			}

			d.process(ctx, id)
		}
	}
}

// drain stops submissions and fails every task still queued.
func (d *Dispatcher) drain() {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	d.stopped.Store(true)

	for {
		select {
		case id := <-d.queue:
			d.failShutdown(id)
		default:
			return
		}
	}
}

func (d *Dispatcher) failShutdown(id string) {
	d.finish(id, func(t *task.Task) {
		if t.CancelRequested {
			t.Status = task.StatusCancelled
			t.Message = "cancelled before start"

			return
		}

		t.Status = task.StatusFailed
		t.Message = shutdownMessage
		t.Error = core.NewTaskError(core.ErrShutdown)
	})
}

func (d *Dispatcher) process(ctx context.Context, id string) {
	// The flag is checked inside the update so a cancel racing the start
	// cannot let a pending task reach the engine.
	started, err := d.registry.Update(id, func(t *task.Task) error {
		if t.CancelRequested {
			return errCancelledBeforeStart
		}

		t.Status = task.StatusProcessing
		t.Message = "synthesizing"

		return nil
	})
	if errors.Is(err, errCancelledBeforeStart) {
		d.finish(id, func(t *task.Task) {
			t.Status = task.StatusCancelled
			t.Message = "cancelled before start"
		})

		return
	}

	if err != nil {
		d.log.Warn("Task %s could not start: %v", id, err)

		return
	}

	d.emit(started)

	engineReq, err := d.resolve(started.Request)
	if err != nil {
		d.fail(id, err, 0)

		return
	}

	synthesisStart := time.Now()

	result, err := d.engine.Synthesize(ctx, engineReq, d.progressFunc(id))

	synthesisTime := time.Since(synthesisStart)

	if err != nil {
		d.fail(id, err, synthesisTime)

		return
	}

	d.complete(id, started, result, synthesisTime)
}

func (d *Dispatcher) progressFunc(id string) core.ProgressFunc {
	return func(fraction float64) bool {
		if d.registry.CancelRequested(id) {
			return false
		}

		fraction = min(fraction, maxReportedProgress)

		_, err := d.registry.Update(id, func(t *task.Task) error {
			t.Progress = max(t.Progress, fraction)

			return nil
		})
		if err != nil {
			return false
		}

		return true
	}
}

// resolve builds the engine request, reading the referenced voice. The mode
// comes from the stored voice type, or from the ad-hoc prompt fields when no
// voice is named.
func (d *Dispatcher) resolve(req task.Request) (core.EngineRequest, error) {
	engineReq := core.EngineRequest{
		Mode:              adHocMode(req),
		Text:              req.Text,
		PromptAudio:       req.PromptAudio,
		PromptAudioFormat: req.PromptAudioFormat,
		PromptText:        req.PromptText,
		InstructText:      req.InstructText,
		Language:          req.Language,
		VoiceID:           req.VoiceID,
		Speed:             req.Speed,
		SampleRate:        req.SampleRate,
	}

	if req.VoiceID == "" {
		return engineReq, nil
	}

	v, data, err := d.voices.ReadAudio(req.VoiceID)
	if err != nil {
		return core.EngineRequest{}, fmt.Errorf("failed to resolve voice %q: %w", req.VoiceID, err)
	}

	usageErr := d.voices.RecordUsage(v.ID)
	if usageErr != nil {
		d.log.Warn("Failed to record usage of voice %s: %v", v.ID, usageErr)
	}

	engineReq.Mode = v.Type.Mode()
	engineReq.Language = firstNonEmpty(req.Language, v.Language)
	engineReq.PromptText = ""
	engineReq.InstructText = ""

	switch v.Type {
	case voice.TypeSFT:
		// Fine-tuned speakers are addressed by id alone.
	case voice.TypeCrossLingual:
		engineReq.PromptAudio = data
		engineReq.PromptAudioFormat = v.AudioFormat
	case voice.TypeZeroShot:
		engineReq.PromptAudio = data
		engineReq.PromptAudioFormat = v.AudioFormat
		engineReq.PromptText = firstNonEmpty(req.PromptText, v.PromptText)
	case voice.TypeInstruct:
		engineReq.PromptAudio = data
		engineReq.PromptAudioFormat = v.AudioFormat
		engineReq.PromptText = firstNonEmpty(req.PromptText, v.PromptText)
		engineReq.InstructText = firstNonEmpty(req.InstructText, v.InstructText)
	}

	return engineReq, nil
}

func (d *Dispatcher) complete(id string, started task.Task, result *core.EngineResult, synthesisTime time.Duration) {
	data, err := d.encoder.Encode(started.Request.Format, result.Samples, result.SampleRate)
	if err != nil {
		d.fail(id, fmt.Errorf("failed to encode output: %w", err), synthesisTime)

		return
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	key := ArtifactKey(started)

	reference, err := d.artifacts.Put(storeCtx, key, data)
	if err != nil {
		d.fail(id, fmt.Errorf("failed to store output: %w", err), synthesisTime)

		return
	}

	final := d.finish(id, func(t *task.Task) {
		t.SynthesisTime = synthesisTime

		if t.CancelRequested {
			t.Status = task.StatusCancelled
			t.Message = "cancelled during synthesis; result discarded"

			return
		}

		t.Status = task.StatusCompleted
		t.Progress = 1
		t.Message = "completed"
		t.ResultReference = reference
		t.Duration = result.Duration
	})

	if final.Status != task.StatusCompleted {
		deleteErr := d.artifacts.Delete(storeCtx, key)
		if deleteErr != nil {
			d.log.Warn("Failed to discard artifact of task %s: %v", id, deleteErr)
		}
	}
}

func (d *Dispatcher) fail(id string, cause error, synthesisTime time.Duration) {
	d.finish(id, func(t *task.Task) {
		t.SynthesisTime = synthesisTime

		if t.CancelRequested || errors.Is(cause, core.ErrCancelled) {
			t.Status = task.StatusCancelled
			t.Message = "cancelled during synthesis"

			return
		}

		t.Status = task.StatusFailed
		t.Error = core.NewTaskError(cause)
		t.Message = t.Error.Message

		if t.Error.Kind == core.KindShutdown {
			t.Message = shutdownMessage
		}
	})
}

// finish applies a terminal transition, logs it and emits the event. It
// returns the stored snapshot, or the zero Task if the record is gone.
func (d *Dispatcher) finish(id string, apply func(t *task.Task)) task.Task {
	final, err := d.registry.Update(id, func(t *task.Task) error {
		apply(t)

		return nil
	})
	if err != nil {
		d.log.Warn("Failed to record final state of task %s: %v", id, err)

		return task.Task{}
	}

	switch final.Status {
	case task.StatusFailed:
		d.log.Error("Task %s failed (%s): %s", id, final.Error.Kind, final.Error.Message)
	case task.StatusCompleted:
		d.log.Info("Task %s completed in %s (%s of audio)", id, final.SynthesisTime, final.Duration)
	default:
		d.log.Info("Task %s %s", id, final.Status)
	}

	d.emit(final)

	return final
}

// emit queues an event for delivery without blocking the caller.
func (d *Dispatcher) emit(t task.Task) {
	if d.notifier == nil {
		return
	}

	select {
	case d.events <- t.Event():
	default:
		d.log.Warn("Event buffer full; dropped %s event for task %s", t.Status, t.ID)
	}
}

func (d *Dispatcher) deliverEvents() {
	for event := range d.events {
		if d.notifier == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		err := d.notifier.Notify(ctx, event)
		cancel()

		if err != nil {
			d.log.Warn("Event delivery for task %s failed: %v", event.TaskID, err)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}

	return ""
}
