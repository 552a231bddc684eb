package core

import (
	"context"
	"errors"
)

// Error taxonomy shared by every component. Callers match with errors.Is;
// the transport layer maps these to protocol status codes.
var (
	// ErrValidation indicates a malformed or type-inconsistent request.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a duplicate voice id on create.
	ErrConflict = errors.New("already exists")
	// ErrNotFound indicates an unknown voice or task id.
	ErrNotFound = errors.New("not found")
	// ErrCapacity indicates the dispatch queue is full.
	ErrCapacity = errors.New("dispatch queue at capacity")
	// ErrEngine indicates the synthesis engine reported a failure.
	ErrEngine = errors.New("engine failure")
	// ErrTimeout indicates an engine call exceeded its deadline.
	ErrTimeout = errors.New("engine call timed out")
	// ErrUnavailable indicates the engine could not be reached at startup
	// or the dispatcher is no longer accepting work.
	ErrUnavailable = errors.New("synthesis unavailable")
	// ErrAlreadyTerminal indicates a cancel request for a finished task.
	ErrAlreadyTerminal = errors.New("task already in terminal state")
	// ErrNotReady indicates a result was requested before the task completed.
	ErrNotReady = errors.New("task result not ready")
	// ErrCancelled is returned by engines that honour a cooperative stop.
	ErrCancelled = errors.New("cancelled")
	// ErrShutdown indicates the task was interrupted by process shutdown.
	ErrShutdown = errors.New("service shutting down")
)

// ErrorKind is the classification stored on a failed task.
type ErrorKind string

// Error kinds recorded on failed tasks.
const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindEngine     ErrorKind = "engine"
	KindTimeout    ErrorKind = "timeout"
	KindShutdown   ErrorKind = "shutdown"
	KindStorage    ErrorKind = "storage"
)

// TaskError is the classified failure attached to a task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Classify maps an error returned while processing a task to its kind.
// Anything outside the taxonomy is treated as a storage fault, since the
// engine path always wraps its own failures with ErrEngine.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrShutdown), errors.Is(err, context.Canceled):
		return KindShutdown
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrEngine):
		return KindEngine
	default:
		return KindStorage
	}
}

// NewTaskError classifies err and captures its message.
func NewTaskError(err error) *TaskError {
	return &TaskError{Kind: Classify(err), Message: err.Error()}
}
