package worker_test

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/dispatch"
	"github.com/book-expert/voice-service/internal/task"
	"github.com/book-expert/voice-service/internal/voice"
	"github.com/book-expert/voice-service/internal/worker"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrefix = "voice.api.test"

var controlOps = []string{
	worker.OpVoiceCreate, worker.OpVoiceGet, worker.OpVoiceUpdate, worker.OpVoiceDelete,
	worker.OpVoiceList, worker.OpVoiceStats, worker.OpVoicePretrained,
	worker.OpTaskStatus, worker.OpTaskResult, worker.OpTaskCancel, worker.OpTaskList, worker.OpTaskStats,
}

var errSpeakersDown = errors.New("speaker listing unavailable")

// trackerStub holds tasks and their results in memory.
type trackerStub struct {
	mu      sync.Mutex
	tasks   map[string]task.Task
	results map[string][]byte
}

func newTrackerStub(tasks ...task.Task) *trackerStub {
	stub := &trackerStub{tasks: make(map[string]task.Task), results: make(map[string][]byte)}
	for _, t := range tasks {
		stub.tasks[t.ID] = t
	}

	return stub
}

func (s *trackerStub) lookup(id string) (task.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: task %q", core.ErrNotFound, id)
	}

	return t, nil
}

func (s *trackerStub) Status(id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lookup(id)
}

func (s *trackerStub) Result(_ context.Context, id string) ([]byte, task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(id)
	if err != nil {
		return nil, task.Task{}, err
	}

	if t.Status != task.StatusCompleted {
		return nil, t, fmt.Errorf("%w: task %s is %s", core.ErrNotReady, id, t.Status)
	}

	return s.results[id], t, nil
}

func (s *trackerStub) Cancel(id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(id)
	if err != nil {
		return task.Task{}, err
	}

	if t.Status.IsTerminal() {
		return task.Task{}, fmt.Errorf("%w: task %s is %s", core.ErrAlreadyTerminal, id, t.Status)
	}

	t.CancelRequested = true
	s.tasks[id] = t

	return t, nil
}

func (s *trackerStub) List(filter task.Filter) []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []task.Task

	for _, t := range s.tasks {
		if filter.Status == "" || t.Status == filter.Status {
			matched = append(matched, t)
		}
	}

	slices.SortFunc(matched, func(a, b task.Task) int { return cmp.Compare(a.ID, b.ID) })

	return matched
}

func (s *trackerStub) Stats() dispatch.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return dispatch.Stats{Stats: task.Stats{Total: len(s.tasks)}, QueueCapacity: 4, Workers: 1}
}

type speakerStub struct {
	speakers []string
	err      error
}

func (s speakerStub) Speakers(context.Context) ([]string, error) {
	return s.speakers, s.err
}

func newVoiceStore(t *testing.T, log *logger.Logger) *voice.Store {
	t.Helper()

	root := t.TempDir()
	store := voice.New(voice.Options{
		MetadataDir: filepath.Join(root, "meta"),
		AudioDir:    filepath.Join(root, "audio"),
		Limits:      audio.Limits{MaxSize: 1 << 20, MinDuration: 500 * time.Millisecond, MaxDuration: 30 * time.Second},
	}, log)
	require.NoError(t, store.Load())

	return store
}

func referenceWAV(t *testing.T) []byte {
	t.Helper()

	samples := make([]float32, 8000)
	for i := range samples {
		samples[i] = float32(i%40) / 40
	}

	data, err := audio.EncodeWAV(samples, 8000)
	require.NoError(t, err)

	return data
}

type controlFixture struct {
	conn    *nats.Conn
	voices  *voice.Store
	tracker *trackerStub
}

// startControl runs a control worker against an embedded server whose
// message limit is maxPayload bytes, or the server default when zero.
func startControl(
	t *testing.T,
	maxPayload int32,
	tracker *trackerStub,
	speakers worker.SpeakerSource,
) *controlFixture {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1

	if maxPayload > 0 {
		opts.MaxPayload = maxPayload
	}

	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	testLogger, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	voices := newVoiceStore(t, testLogger)
	control := worker.NewControlWorker(natsConnection, testPrefix, voices, tracker, speakers, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- control.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan)
	})

	require.Eventually(t, func() bool {
		return natsConnection.NumSubscriptions() == len(controlOps)
	}, 5*time.Second, 10*time.Millisecond)

	return &controlFixture{conn: natsConnection, voices: voices, tracker: tracker}
}

func (f *controlFixture) call(t *testing.T, op string, req any) worker.ControlReply {
	t.Helper()

	var data []byte

	if req != nil {
		var err error

		data, err = json.Marshal(req)
		require.NoError(t, err)
	}

	replyMsg, err := f.conn.Request(worker.Subject(testPrefix, op), data, 5*time.Second)
	require.NoError(t, err, "no reply to %s", op)

	var reply worker.ControlReply
	require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))

	return reply
}

func TestControlVoiceLifecycle(t *testing.T) {
	t.Parallel()

	f := startControl(t, 0, newTrackerStub(), nil)

	create := &worker.VoiceCreateRequest{
		VoiceID:    "narrator",
		Name:       "Narrator",
		Type:       "zero_shot",
		Language:   "en",
		PromptText: "this is my voice",
		Audio:      referenceWAV(t),
	}

	reply := f.call(t, worker.OpVoiceCreate, create)
	require.Equal(t, worker.CodeOK, reply.Code, reply.Message)
	require.NotNil(t, reply.Voice)
	assert.Equal(t, "narrator", reply.Voice.ID)
	assert.Equal(t, voice.TypeZeroShot, reply.Voice.Type)
	assert.InDelta(t, float64(time.Second), float64(reply.Voice.Duration), float64(time.Millisecond))
	assert.NotEmpty(t, reply.Header.EventID)

	reply = f.call(t, worker.OpVoiceCreate, create)
	assert.Equal(t, worker.CodeConflict, reply.Code)

	invalid := *create
	invalid.VoiceID = "other"
	invalid.Type = "karaoke"
	reply = f.call(t, worker.OpVoiceCreate, &invalid)
	assert.Equal(t, worker.CodeInvalid, reply.Code)

	reply = f.call(t, worker.OpVoiceGet, &worker.VoiceRequest{VoiceID: "narrator"})
	require.Equal(t, worker.CodeOK, reply.Code)
	assert.Equal(t, "Narrator", reply.Voice.Name)

	renamed := "Storyteller"
	reply = f.call(t, worker.OpVoiceUpdate, &worker.VoiceUpdateRequest{VoiceID: "narrator", Name: &renamed})
	require.Equal(t, worker.CodeOK, reply.Code)
	assert.Equal(t, "Storyteller", reply.Voice.Name)
	assert.Equal(t, "this is my voice", reply.Voice.PromptText)

	reply = f.call(t, worker.OpVoiceList, &worker.VoiceListRequest{Language: "en"})
	require.Equal(t, worker.CodeOK, reply.Code)
	assert.Equal(t, 1, reply.Total)
	require.Len(t, reply.Voices, 1)
	assert.Equal(t, "narrator", reply.Voices[0].ID)

	reply = f.call(t, worker.OpVoiceList, &worker.VoiceListRequest{Type: "sft"})
	assert.Zero(t, reply.Total)

	reply = f.call(t, worker.OpVoiceStats, nil)
	require.Equal(t, worker.CodeOK, reply.Code)
	require.NotNil(t, reply.VoiceStats)
	assert.Equal(t, 1, reply.VoiceStats.Total)
	assert.Equal(t, 1, reply.VoiceStats.ByType[voice.TypeZeroShot])

	reply = f.call(t, worker.OpVoiceDelete, &worker.VoiceRequest{VoiceID: "narrator"})
	require.Equal(t, worker.CodeOK, reply.Code)

	reply = f.call(t, worker.OpVoiceGet, &worker.VoiceRequest{VoiceID: "narrator"})
	assert.Equal(t, worker.CodeNotFound, reply.Code)

	_, err := f.voices.Get("narrator")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestControlTaskOperations(t *testing.T) {
	t.Parallel()

	tracker := newTrackerStub(
		task.Task{ID: "done", Status: task.StatusCompleted, ResultReference: "file:///out/done.wav", Progress: 1},
		task.Task{ID: "waiting", Status: task.StatusPending},
	)
	tracker.results["done"] = []byte("RIFF-result")

	f := startControl(t, 0, tracker, nil)

	reply := f.call(t, worker.OpTaskStatus, &worker.TaskRequest{TaskID: "waiting"})
	require.Equal(t, worker.CodeOK, reply.Code)
	require.NotNil(t, reply.Task)
	assert.Equal(t, task.StatusPending, reply.Task.Status)

	reply = f.call(t, worker.OpTaskStatus, &worker.TaskRequest{TaskID: "ghost"})
	assert.Equal(t, worker.CodeNotFound, reply.Code)

	reply = f.call(t, worker.OpTaskResult, &worker.TaskRequest{TaskID: "done"})
	require.Equal(t, worker.CodeOK, reply.Code)
	assert.Equal(t, []byte("RIFF-result"), reply.Audio)
	assert.Equal(t, "file:///out/done.wav", reply.Task.ResultReference)

	reply = f.call(t, worker.OpTaskResult, &worker.TaskRequest{TaskID: "waiting"})
	assert.Equal(t, worker.CodeNotReady, reply.Code)
	assert.Empty(t, reply.Audio)

	reply = f.call(t, worker.OpTaskCancel, &worker.TaskRequest{TaskID: "waiting"})
	require.Equal(t, worker.CodeOK, reply.Code)
	assert.True(t, reply.Task.CancelRequested)

	reply = f.call(t, worker.OpTaskCancel, &worker.TaskRequest{TaskID: "done"})
	assert.Equal(t, worker.CodeAlreadyTerminal, reply.Code)

	reply = f.call(t, worker.OpTaskList, &worker.TaskListRequest{Status: "completed"})
	require.Equal(t, worker.CodeOK, reply.Code)
	require.Len(t, reply.Tasks, 1)
	assert.Equal(t, "done", reply.Tasks[0].ID)

	reply = f.call(t, worker.OpTaskList, nil)
	assert.Equal(t, 2, reply.Total)

	reply = f.call(t, worker.OpTaskStats, nil)
	require.Equal(t, worker.CodeOK, reply.Code)
	require.NotNil(t, reply.TaskStats)
	assert.Equal(t, 2, reply.TaskStats.Total)
	assert.Equal(t, 4, reply.TaskStats.QueueCapacity)
}

func TestControlResultTooLargeForMessage(t *testing.T) {
	t.Parallel()

	tracker := newTrackerStub(task.Task{ID: "long", Status: task.StatusCompleted, ResultReference: "obj://long.wav"})
	tracker.results["long"] = make([]byte, 60*1024)

	f := startControl(t, 100*1024, tracker, nil)

	reply := f.call(t, worker.OpTaskResult, &worker.TaskRequest{TaskID: "long"})
	require.Equal(t, worker.CodeOK, reply.Code)
	assert.Empty(t, reply.Audio)
	assert.Contains(t, reply.Message, "obj://long.wav")
}

func TestControlPretrainedVoices(t *testing.T) {
	t.Parallel()

	f := startControl(t, 0, newTrackerStub(), speakerStub{speakers: []string{"english_female", "chinese_male"}})

	reply := f.call(t, worker.OpVoicePretrained, nil)
	require.Equal(t, worker.CodeOK, reply.Code)
	assert.Equal(t, []string{"english_female", "chinese_male"}, reply.Speakers)
	assert.Equal(t, 2, reply.Total)

	failing := startControl(t, 0, newTrackerStub(), speakerStub{err: fmt.Errorf("%w: %w", core.ErrEngine, errSpeakersDown)})

	reply = failing.call(t, worker.OpVoicePretrained, nil)
	assert.Equal(t, worker.CodeEngine, reply.Code)
	assert.Contains(t, reply.Message, errSpeakersDown.Error())
}

func TestControlMalformedRequest(t *testing.T) {
	t.Parallel()

	f := startControl(t, 0, newTrackerStub(), nil)

	replyMsg, err := f.conn.Request(worker.Subject(testPrefix, worker.OpVoiceGet), []byte("{not json"), 5*time.Second)
	require.NoError(t, err)

	var reply worker.ControlReply
	require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))

	assert.Equal(t, worker.CodeInvalid, reply.Code)
	assert.Contains(t, reply.Message, "malformed request")
}
