package task

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition indicates a status change that would move a task backwards.
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrProgressRegression indicates a progress value lower than the current one.
	ErrProgressRegression = errors.New("task progress cannot decrease")
	// ErrIncompleteTerminal indicates a terminal state missing its result or error.
	ErrIncompleteTerminal = errors.New("terminal task state is incomplete")
)

// Mutator edits a copy of a task. Returning an error discards the edit.
type Mutator func(t *Task) error

// Registry is the in-memory task table. It holds no business logic: the
// dispatcher decides transitions and the registry only refuses those that
// would break the lifecycle.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new pending task for req and returns its snapshot.
func (r *Registry) Create(req Request) Task {
	t := &Task{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Request:   req,
		Message:   "queued",
		CreatedAt: r.now(),
	}

	t.Request.PromptAudio = slices.Clone(req.PromptAudio)

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()

	return t.clone()
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: task %q", core.ErrNotFound, id)
	}

	return t.clone(), nil
}

// Has reports whether a record exists for id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.tasks[id]

	return ok
}

// Update applies mutate to a copy of the task and stores it if the result is
// a legal successor. The request, identity, creation time and cancel flag
// cannot be changed through Update. Entering processing sets StartedAt and
// entering a terminal state sets CompletedAt when the mutator left them zero.
func (r *Registry) Update(id string, mutate Mutator) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: task %q", core.ErrNotFound, id)
	}

	if current.Status.IsTerminal() {
		return Task{}, fmt.Errorf("%w: task %s is %s", core.ErrAlreadyTerminal, id, current.Status)
	}

	next := current.clone()

	err := mutate(&next)
	if err != nil {
		return Task{}, err
	}

	next.ID = current.ID
	next.Request = current.Request
	next.CreatedAt = current.CreatedAt
	next.CancelRequested = current.CancelRequested

	err = r.checkSuccessor(current, &next)
	if err != nil {
		return Task{}, fmt.Errorf("task %s: %w", id, err)
	}

	r.tasks[id] = &next

	return next.clone(), nil
}

func (r *Registry) checkSuccessor(current *Task, next *Task) error {
	if next.Status != current.Status && !current.Status.canTransitionTo(next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	}

	if next.Progress < current.Progress {
		return fmt.Errorf("%w: %.3f -> %.3f", ErrProgressRegression, current.Progress, next.Progress)
	}

	next.Progress = min(next.Progress, 1)

	switch next.Status {
	case StatusProcessing:
		if next.StartedAt.IsZero() {
			next.StartedAt = r.now()
		}
	case StatusCompleted:
		if next.ResultReference == "" {
			return fmt.Errorf("%w: completed without result reference", ErrIncompleteTerminal)
		}

		next.Error = nil
	case StatusFailed:
		if next.Error == nil {
			return fmt.Errorf("%w: failed without error", ErrIncompleteTerminal)
		}

		next.ResultReference = ""
	case StatusPending, StatusCancelled:
		next.ResultReference = ""
	}

	if next.Status.IsTerminal() && next.CompletedAt.IsZero() {
		next.CompletedAt = r.now()
	}

	return nil
}

// RequestCancel sets the cancel flag of a pending or processing task. The
// owning worker observes the flag and performs the transition.
func (r *Registry) RequestCancel(id string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: task %q", core.ErrNotFound, id)
	}

	if t.Status.IsTerminal() {
		return Task{}, fmt.Errorf("%w: task %s is %s", core.ErrAlreadyTerminal, id, t.Status)
	}

	t.CancelRequested = true

	return t.clone(), nil
}

// CancelRequested reports whether cancellation was requested for id. Unknown
// ids report true so a worker never runs a task whose record is gone.
func (r *Registry) CancelRequested(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]

	return !ok || t.CancelRequested
}

// List returns the matching tasks, newest first.
func (r *Registry) List(filter Filter) []Task {
	r.mu.RLock()

	matched := make([]Task, 0, len(r.tasks))

	for _, t := range r.tasks {
		if filter.matches(t) {
			matched = append(matched, t.clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(matched, func(a, b Task) int {
		byTime := b.CreatedAt.Compare(a.CreatedAt)
		if byTime != 0 {
			return byTime
		}

		return cmp.Compare(a.ID, b.ID)
	})

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched
}

// Remove deletes the record and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.tasks[id]
	delete(r.tasks, id)

	return ok
}

// Stats counts tasks per status.
func (r *Registry) Stats() Stats {
	stats := Stats{ByStatus: map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
		StatusCancelled:  0,
	}}

	var (
		completed int
		total     time.Duration
	)

	r.mu.RLock()

	for _, t := range r.tasks {
		stats.Total++
		stats.ByStatus[t.Status]++

		if t.Status == StatusCompleted {
			completed++
			total += t.SynthesisTime
		}
	}
	r.mu.RUnlock()

	if completed > 0 {
		stats.AverageSynthesisTime = total / time.Duration(completed)
	}

	return stats
}
