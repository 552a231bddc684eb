// Package dispatch_test tests the task dispatcher against a scripted engine.
package dispatch_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/artifact"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/dispatch"
	"github.com/book-expert/voice-service/internal/engine"
	"github.com/book-expert/voice-service/internal/task"
	"github.com/book-expert/voice-service/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// scriptedEngine records calls. A request whose text equals blockText waits
// for release or for its context to end.
type scriptedEngine struct {
	blockText    string
	release      chan struct{}
	ignoreCancel bool

	mu       sync.Mutex
	requests []core.EngineRequest
	calls    atomic.Int32

	active    atomic.Int32
	maxActive atomic.Int32
}

func (e *scriptedEngine) Synthesize(
	ctx context.Context,
	req core.EngineRequest,
	progress core.ProgressFunc,
) (*core.EngineResult, error) {
	e.calls.Add(1)

	current := e.active.Add(1)
	defer e.active.Add(-1)

	for {
		seen := e.maxActive.Load()
		if current <= seen || e.maxActive.CompareAndSwap(seen, current) {
			break
		}
	}

	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	if e.blockText != "" && req.Text == e.blockText {
		select {
		case <-e.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !progress(0.5) && !e.ignoreCancel {
		return nil, core.ErrCancelled
	}

	return &core.EngineResult{Samples: make([]float32, 1600), SampleRate: 16000}, nil
}

func (e *scriptedEngine) texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	texts := make([]string, 0, len(e.requests))
	for _, req := range e.requests {
		texts = append(texts, req.Text)
	}

	return texts
}

// modeOf returns the mode of the first request carrying text.
func (e *scriptedEngine) modeOf(text string) core.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, req := range e.requests {
		if req.Text == text {
			return req.Mode
		}
	}

	return ""
}

func (e *scriptedEngine) request(i int) core.EngineRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.requests[i]
}

// recordingNotifier keeps every delivered event.
type recordingNotifier struct {
	mu     sync.Mutex
	events []core.TaskEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event core.TaskEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, event)

	return nil
}

func (n *recordingNotifier) statuses(taskID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var statuses []string

	for _, event := range n.events {
		if event.TaskID == taskID {
			statuses = append(statuses, event.Status)
		}
	}

	return statuses
}

type fixture struct {
	dispatcher *dispatch.Dispatcher
	registry   *task.Registry
	voices     *voice.Store
	engine     *scriptedEngine
	artifacts  *artifact.FileStore
	notifier   *recordingNotifier
	log        *logger.Logger
}

func newFixture(t *testing.T, opts dispatch.Options, timeout time.Duration, mock *scriptedEngine) *fixture {
	t.Helper()

	root := t.TempDir()

	testLogger, err := logger.New(root, "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	voices := voice.New(voice.Options{
		MetadataDir: filepath.Join(root, "voices", "meta"),
		AudioDir:    filepath.Join(root, "voices", "audio"),
		Limits:      audio.Limits{MaxSize: 1 << 20, MinDuration: 500 * time.Millisecond, MaxDuration: 30 * time.Second},
	}, testLogger)
	require.NoError(t, voices.Load())

	gateway := engine.New(mock, engine.Options{Slots: max(opts.Workers, 1), Timeout: timeout}, testLogger)
	require.NoError(t, gateway.Start(context.Background()))

	artifacts, err := artifact.NewFileStore(filepath.Join(root, "outputs"))
	require.NoError(t, err)

	registry := task.NewRegistry()
	notifier := &recordingNotifier{}

	dispatcher := dispatch.New(dispatch.Deps{
		Registry:  registry,
		Voices:    voices,
		Engine:    gateway,
		Encoder:   audio.WAVEncoder{},
		Artifacts: artifacts,
		Notifier:  notifier,
	}, opts, testLogger)

	return &fixture{
		dispatcher: dispatcher,
		registry:   registry,
		voices:     voices,
		engine:     mock,
		artifacts:  artifacts,
		notifier:   notifier,
		log:        testLogger,
	}
}

// start runs the dispatcher until the returned stop function or test cleanup.
func (f *fixture) start(t *testing.T) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- f.dispatcher.Run(ctx)
	}()

	var once sync.Once

	stop := func() {
		once.Do(func() {
			cancel()
			assert.NoError(t, <-done)
		})
	}
	t.Cleanup(stop)

	return stop
}

func (f *fixture) waitForStatus(t *testing.T, id string, status task.Status) task.Task {
	t.Helper()

	require.Eventually(t, func() bool {
		current, err := f.dispatcher.Status(id)

		return err == nil && current.Status == status
	}, waitFor, 5*time.Millisecond, "task %s never reached %s", id, status)

	current, err := f.dispatcher.Status(id)
	require.NoError(t, err)

	return current
}

func referenceWAV(t *testing.T, seconds float64) []byte {
	t.Helper()

	samples := make([]float32, int(seconds*8000))
	for i := range samples {
		samples[i] = float32(i%40) / 40
	}

	data, err := audio.EncodeWAV(samples, 8000)
	require.NoError(t, err)

	return data
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dispatch.Options{Workers: 1, QueueCapacity: 2}, time.Second, &scriptedEngine{})

	for range 2 {
		_, err := f.dispatcher.Submit(task.Request{Text: "queued"})
		require.NoError(t, err)
	}

	_, err := f.dispatcher.Submit(task.Request{Text: "one too many"})
	require.ErrorIs(t, err, core.ErrCapacity)

	assert.Len(t, f.dispatcher.List(task.Filter{}), 2, "rejected submission must not create a record")
	assert.Equal(t, 2, f.dispatcher.Stats().QueueLength)
}

func TestPendingCancelNeverReachesEngine(t *testing.T) {
	t.Parallel()

	mock := &scriptedEngine{}
	f := newFixture(t, dispatch.Options{Workers: 1, QueueCapacity: 4}, time.Second, mock)

	submitted, err := f.dispatcher.Submit(task.Request{Text: "never spoken"})
	require.NoError(t, err)

	flagged, err := f.dispatcher.Cancel(submitted.ID)
	require.NoError(t, err)
	assert.True(t, flagged.CancelRequested)
	assert.Equal(t, task.StatusPending, flagged.Status)

	f.start(t)

	cancelled := f.waitForStatus(t, submitted.ID, task.StatusCancelled)
	assert.Empty(t, cancelled.ResultReference)
	assert.Zero(t, mock.calls.Load())

	_, err = f.dispatcher.Cancel(submitted.ID)
	require.ErrorIs(t, err, core.ErrAlreadyTerminal)
}

func TestFIFOOrderWithSingleWorker(t *testing.T) {
	t.Parallel()

	mock := &scriptedEngine{}
	f := newFixture(t, dispatch.Options{Workers: 1, QueueCapacity: 8}, time.Second, mock)

	texts := []string{"first", "second", "third", "fourth"}
	ids := make([]string, 0, len(texts))

	for _, text := range texts {
		submitted, err := f.dispatcher.Submit(task.Request{Text: text})
		require.NoError(t, err)

		ids = append(ids, submitted.ID)
	}

	f.start(t)

	for _, id := range ids {
		f.waitForStatus(t, id, task.StatusCompleted)
	}

	assert.Equal(t, texts, mock.texts())
}

func TestEndToEndZeroShot(t *testing.T) {
	t.Parallel()

	mock := &scriptedEngine{}
	f := newFixture(t, dispatch.Options{Workers: 1, QueueCapacity: 4}, time.Second, mock)

	reference := referenceWAV(t, 3)

	_, err := f.voices.Create(voice.Spec{
		ID:         "narrator",
		Name:       "Narrator",
		Type:       voice.TypeZeroShot,
		Language:   "en",
		PromptText: "this is my voice",
	}, reference)
	require.NoError(t, err)

	f.start(t)

	submitted, err := f.dispatcher.Submit(task.Request{Text: "Hello   world", VoiceID: "narrator"})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", submitted.Request.Text)
	assert.Equal(t, audio.FormatWAV, submitted.Request.Format)
	assert.InDelta(t, 1.0, submitted.Request.Speed, 1e-9)

	completed := f.waitForStatus(t, submitted.ID, task.StatusCompleted)
	assert.InDelta(t, 1.0, completed.Progress, 1e-9)
	assert.NotEmpty(t, completed.ResultReference)
	assert.Equal(t, 100*time.Millisecond, completed.Duration)
	assert.False(t, completed.StartedAt.IsZero())
	assert.False(t, completed.CompletedAt.Before(completed.StartedAt))
	assert.Nil(t, completed.Error)

	sent := mock.request(0)
	assert.Equal(t, reference, sent.PromptAudio)
	assert.Equal(t, "this is my voice", sent.PromptText)
	assert.Equal(t, "en", sent.Language)

	data, _, err := f.dispatcher.Result(context.Background(), submitted.ID)
	require.NoError(t, err)

	samples, sampleRate, err := audio.DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, 16000, sampleRate)
	assert.Len(t, samples, 1600)

	stored, err := f.voices.Get("narrator")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.UsageCount)

	require.Eventually(t, func() bool {
		return len(f.notifier.statuses(submitted.ID)) == 3
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"pending", "processing", "completed"}, f.notifier.statuses(submitted.ID))
}

func TestResultBeforeCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dispatch.Options{Workers: 1, QueueCapacity: 4}, time.Second, &scriptedEngine{})

	submitted, err := f.dispatcher.Submit(task.Request{Text: "not yet"})
	require.NoError(t, err)

	_, current, err := f.dispatcher.Result(context.Background(), submitted.ID)
	require.ErrorIs(t, err, core.ErrNotReady)
	assert.Equal(t, task.StatusPending, current.Status)

	_, _, err = f.dispatcher.Result(context.Background(), "missing")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestTimeoutFailsTaskAndWorkerResumes(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	const deadline = 150 * time.Millisecond

	mock := &scriptedEngine{blockText: "stuck", release: release}
	f := newFixture(t, dispatch.Options{Workers: 1, QueueCapacity: 4}, deadline, mock)

	stuck, err := f.dispatcher.Submit(task.Request{Text: "stuck"})
	require.NoError(t, err)

	next, err := f.dispatcher.Submit(task.Request{Text: "next"})
	require.NoError(t, err)

	f.start(t)

	failed := f.waitForStatus(t, stuck.ID, task.StatusFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, core.KindTimeout, failed.Error.Kind)
	assert.Empty(t, failed.ResultReference)
	assert.Less(t, failed.CompletedAt.Sub(failed.StartedAt), deadline+time.Second)

	f.waitForStatus(t, next.ID, task.StatusCompleted)
}

func TestCancelDuringSynthesisDiscardsResult(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	mock := &scriptedEngine{blockText: "slow", release: release, ignoreCancel: true}
	f := newFixture(t, dispatch.Options{Workers: 1, QueueCapacity: 4}, waitFor, mock)

	f.start(t)

	submitted, err := f.dispatcher.Submit(task.Request{Text: "slow"})
	require.NoError(t, err)

	f.waitForStatus(t, submitted.ID, task.StatusProcessing)

	_, err = f.dispatcher.Cancel(submitted.ID)
	require.NoError(t, err)

	close(release)

	cancelled := f.waitForStatus(t, submitted.ID, task.StatusCancelled)
	assert.Empty(t, cancelled.ResultReference)

	keys, err := f.artifacts.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys, "result produced after cancellation is discarded")
}

func TestShutdownFailsInFlightAndQueuedTasks(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	mock := &scriptedEngine{blockText: "stuck", release: release}
	f := newFixture(t, dispatch.Options{Workers: 1, QueueCapacity: 4}, waitFor, mock)

	stop := f.start(t)

	inFlight, err := f.dispatcher.Submit(task.Request{Text: "stuck"})
	require.NoError(t, err)

	f.waitForStatus(t, inFlight.ID, task.StatusProcessing)

	queued, err := f.dispatcher.Submit(task.Request{Text: "queued"})
	require.NoError(t, err)

	stop()

	for _, id := range []string{inFlight.ID, queued.ID} {
		final, statusErr := f.dispatcher.Status(id)
		require.NoError(t, statusErr)
		assert.Equal(t, task.StatusFailed, final.Status)
		require.NotNil(t, final.Error)
		assert.Equal(t, core.KindShutdown, final.Error.Kind)
		assert.Equal(t, "Server shutdown", final.Message)
	}

	_, err = f.dispatcher.Submit(task.Request{Text: "late"})
	require.ErrorIs(t, err, core.ErrUnavailable)
}

func TestStatusNeverRegresses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dispatch.Options{Workers: 2, QueueCapacity: 16}, time.Second, &scriptedEngine{})

	ids := make([]string, 0, 8)

	for range 8 {
		submitted, err := f.dispatcher.Submit(task.Request{Text: "same voice, many tasks"})
		require.NoError(t, err)

		ids = append(ids, submitted.ID)
	}

	rank := map[task.Status]int{
		task.StatusPending:    0,
		task.StatusProcessing: 1,
		task.StatusCompleted:  2,
	}
	last := make(map[string]int, len(ids))

	f.start(t)

	require.Eventually(t, func() bool {
		done := 0

		for _, id := range ids {
			current, err := f.dispatcher.Status(id)
			if !assert.NoError(t, err) {
				return false
			}

			assert.GreaterOrEqual(t, rank[current.Status], last[id], "task %s regressed", id)
			last[id] = rank[current.Status]

			if current.Status == task.StatusCompleted {
				done++
			}
		}

		return done == len(ids)
	}, waitFor, time.Millisecond)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dispatch.Options{Workers: 1, QueueCapacity: 4, MaxTextLength: 10}, time.Second, &scriptedEngine{})

	_, err := f.voices.Create(voice.Spec{ID: "v1", Name: "v1", Type: voice.TypeSFT}, referenceWAV(t, 1))
	require.NoError(t, err)

	cases := map[string]struct {
		req task.Request
		err error
	}{
		"empty text":    {req: task.Request{Text: "   "}, err: dispatch.ErrTextEmpty},
		"text too long": {req: task.Request{Text: "eleven char"}, err: dispatch.ErrTextTooLong},
		"speed":         {req: task.Request{Text: "hi", Speed: 2.5}, err: dispatch.ErrSpeedRange},
		"mp3 output":    {req: task.Request{Text: "hi", Format: audio.FormatMP3}, err: dispatch.ErrUnsupportedOutput},
		"both references": {
			req: task.Request{Text: "hi", VoiceID: "v1", PromptAudio: referenceWAV(t, 1)},
			err: dispatch.ErrAmbiguousReference,
		},
		"bad prompt audio": {req: task.Request{Text: "hi", PromptAudio: []byte("junk")}, err: audio.ErrInvalidAudio},
		"callback":         {req: task.Request{Text: "hi", CallbackURL: "ftp://host/x"}, err: dispatch.ErrInvalidCallback},
	}

	for name, tc := range cases {
		_, submitErr := f.dispatcher.Submit(tc.req)
		require.ErrorIs(t, submitErr, core.ErrValidation, name)
		require.ErrorIs(t, submitErr, tc.err, name)
	}

	_, err = f.dispatcher.Submit(task.Request{Text: "hi", VoiceID: "ghost"})
	require.ErrorIs(t, err, core.ErrNotFound)

	assert.Empty(t, f.dispatcher.List(task.Filter{}))

	accepted, err := f.dispatcher.Submit(task.Request{Text: "hi", PromptAudio: referenceWAV(t, 1), PromptText: "p"})
	require.NoError(t, err)
	assert.Equal(t, audio.FormatWAV, accepted.Request.PromptAudioFormat)
}

func TestSubmitRejectedWhenEngineUnavailable(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	defer testLogger.Close()

	gateway := engine.New(&scriptedEngine{}, engine.Options{Slots: 1}, testLogger)

	dispatcher := dispatch.New(dispatch.Deps{
		Registry: task.NewRegistry(),
		Engine:   gateway,
		Encoder:  audio.WAVEncoder{},
	}, dispatch.Options{Workers: 1, QueueCapacity: 1}, testLogger)

	_, err = dispatcher.Submit(task.Request{Text: "hi"})
	require.ErrorIs(t, err, core.ErrUnavailable)
	assert.Empty(t, dispatcher.List(task.Filter{}))
}

func TestVoiceTypeSelectsEngineMode(t *testing.T) {
	t.Parallel()

	mock := &scriptedEngine{}
	f := newFixture(t, dispatch.Options{Workers: 1, QueueCapacity: 8}, time.Second, mock)

	specs := []voice.Spec{
		{ID: "fine-tuned", Name: "sft", Type: voice.TypeSFT},
		{ID: "cloned", Name: "zero shot", Type: voice.TypeZeroShot},
		{ID: "bilingual", Name: "cross lingual", Type: voice.TypeCrossLingual, Language: "zh"},
		{ID: "styled", Name: "instruct", Type: voice.TypeInstruct, InstructText: "speak softly"},
	}

	for _, spec := range specs {
		_, err := f.voices.Create(spec, referenceWAV(t, 1))
		require.NoError(t, err)
	}

	cases := []struct {
		text string
		req  task.Request
		mode core.Mode
	}{
		{text: "sft voice", req: task.Request{VoiceID: "fine-tuned"}, mode: core.ModeSFT},
		{text: "zero shot without transcript", req: task.Request{VoiceID: "cloned"}, mode: core.ModeZeroShot},
		{text: "cross lingual voice", req: task.Request{VoiceID: "bilingual"}, mode: core.ModeCrossLingual},
		{text: "instruct override", req: task.Request{VoiceID: "styled", InstructText: "whisper"}, mode: core.ModeInstruct},
		{text: "default speaker", req: task.Request{}, mode: core.ModeSFT},
		{text: "ad hoc cross lingual", req: task.Request{PromptAudio: referenceWAV(t, 1)}, mode: core.ModeCrossLingual},
		{
			text: "ad hoc zero shot",
			req:  task.Request{PromptAudio: referenceWAV(t, 1), PromptText: "reference"},
			mode: core.ModeZeroShot,
		},
		{
			text: "ad hoc instruct",
			req:  task.Request{PromptAudio: referenceWAV(t, 1), InstructText: "cheerful"},
			mode: core.ModeInstruct,
		},
	}

	ids := make([]string, 0, len(cases))

	for _, tc := range cases {
		tc.req.Text = tc.text

		submitted, err := f.dispatcher.Submit(tc.req)
		require.NoError(t, err, tc.text)

		ids = append(ids, submitted.ID)
	}

	f.start(t)

	for _, id := range ids {
		f.waitForStatus(t, id, task.StatusCompleted)
	}

	for _, tc := range cases {
		assert.Equal(t, tc.mode, mock.modeOf(tc.text), tc.text)
	}

	sft := mock.request(0)
	assert.Empty(t, sft.PromptAudio, "sft speakers are addressed by id")
	assert.Equal(t, "fine-tuned", sft.VoiceID)

	crossLingual := mock.request(2)
	assert.Equal(t, "zh", crossLingual.Language)
	assert.NotEmpty(t, crossLingual.PromptAudio)

	instruct := mock.request(3)
	assert.Equal(t, "whisper", instruct.InstructText)
}

func TestSubmitRejectsFieldsVoiceTypeCannotUse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, dispatch.Options{Workers: 1, QueueCapacity: 8}, time.Second, &scriptedEngine{})

	specs := []voice.Spec{
		{ID: "fine-tuned", Name: "sft", Type: voice.TypeSFT},
		{ID: "cloned", Name: "zero shot", Type: voice.TypeZeroShot},
		{ID: "bilingual", Name: "cross lingual", Type: voice.TypeCrossLingual, Language: "zh"},
	}

	for _, spec := range specs {
		_, err := f.voices.Create(spec, referenceWAV(t, 1))
		require.NoError(t, err)
	}

	cases := map[string]struct {
		req task.Request
		err error
	}{
		"instruct on sft": {
			req: task.Request{Text: "hi", VoiceID: "fine-tuned", InstructText: "calm"},
			err: dispatch.ErrFieldNotAllowed,
		},
		"prompt text on sft": {
			req: task.Request{Text: "hi", VoiceID: "fine-tuned", PromptText: "ref"},
			err: dispatch.ErrFieldNotAllowed,
		},
		"instruct on zero shot": {
			req: task.Request{Text: "hi", VoiceID: "cloned", InstructText: "calm"},
			err: dispatch.ErrFieldNotAllowed,
		},
		"prompt text on cross lingual": {
			req: task.Request{Text: "hi", VoiceID: "bilingual", PromptText: "ref"},
			err: dispatch.ErrFieldNotAllowed,
		},
		"prompt text without audio": {
			req: task.Request{Text: "hi", PromptText: "ref"},
			err: dispatch.ErrPromptTextNoAudio,
		},
		"instruct without voice": {
			req: task.Request{Text: "hi", InstructText: "calm"},
			err: dispatch.ErrInstructNoVoice,
		},
	}

	for name, tc := range cases {
		_, err := f.dispatcher.Submit(tc.req)
		require.ErrorIs(t, err, core.ErrValidation, name)
		require.ErrorIs(t, err, tc.err, name)
	}

	assert.Empty(t, f.dispatcher.List(task.Filter{}))

	_, err := f.dispatcher.Submit(task.Request{Text: "hi", VoiceID: "cloned", PromptText: "override"})
	require.NoError(t, err)
}

func TestTwoWorkersShareTheEngine(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	mock := &scriptedEngine{blockText: "held", release: release}
	f := newFixture(t, dispatch.Options{Workers: 2, QueueCapacity: 8}, waitFor, mock)

	ids := make([]string, 0, 5)

	for range 5 {
		submitted, err := f.dispatcher.Submit(task.Request{Text: "held"})
		require.NoError(t, err)

		ids = append(ids, submitted.ID)
	}

	f.start(t)

	require.Eventually(t, func() bool {
		return mock.active.Load() == 2
	}, waitFor, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	processing := f.dispatcher.List(task.Filter{Status: task.StatusProcessing})
	pending := f.dispatcher.List(task.Filter{Status: task.StatusPending})
	assert.Len(t, processing, 2)
	assert.Len(t, pending, 3)
	assert.Equal(t, int32(2), mock.maxActive.Load())

	close(release)

	for _, id := range ids {
		f.waitForStatus(t, id, task.StatusCompleted)
	}

	assert.Equal(t, int32(2), mock.maxActive.Load(), "never more calls than workers")
	assert.Equal(t, int32(5), mock.calls.Load())

	for _, id := range ids {
		require.Eventually(t, func() bool {
			return len(f.notifier.statuses(id)) == 3
		}, waitFor, 5*time.Millisecond)
		assert.Equal(t, []string{"pending", "processing", "completed"}, f.notifier.statuses(id))
	}
}
