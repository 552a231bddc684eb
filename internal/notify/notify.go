// Package notify delivers task lifecycle events to external observers: a
// NATS subject per status and the optional per-task HTTP callback.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultCallbackTimeout bounds a single callback POST.
const DefaultCallbackTimeout = 10 * time.Second

// ErrCallbackStatus indicates a callback endpoint answered with a non-2xx status.
var ErrCallbackStatus = errors.New("callback endpoint rejected event")

// TaskEventMessage is the payload published for every lifecycle transition.
type TaskEventMessage struct {
	Header events.EventHeader `json:"header"`
	core.TaskEvent
}

// NewTaskEventMessage stamps event with a fresh header. The task id doubles
// as the workflow id so observers can correlate every event of a task.
func NewTaskEventMessage(event core.TaskEvent) TaskEventMessage {
	return TaskEventMessage{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: event.TaskID,
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		TaskEvent: event,
	}
}

// NatsPublisher publishes events on "<prefix>.<status>".
type NatsPublisher struct {
	natsConnection *nats.Conn
	prefix         string
}

// NewNatsPublisher creates a publisher on an established connection.
func NewNatsPublisher(natsConnection *nats.Conn, prefix string) *NatsPublisher {
	return &NatsPublisher{natsConnection: natsConnection, prefix: prefix}
}

// Subject returns the subject used for status.
func (p *NatsPublisher) Subject(status string) string {
	return p.prefix + "." + status
}

// Notify publishes the event.
func (p *NatsPublisher) Notify(_ context.Context, event core.TaskEvent) error {
	data, err := json.Marshal(NewTaskEventMessage(event))
	if err != nil {
		return fmt.Errorf("failed to marshal task event: %w", err)
	}

	subject := p.Subject(event.Status)

	err = p.natsConnection.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish task event to %s: %w", subject, err)
	}

	return nil
}

// CallbackNotifier POSTs terminal events to the callback URL of the task.
type CallbackNotifier struct {
	httpClient *http.Client
}

// NewCallbackNotifier creates a notifier whose requests time out after timeout.
func NewCallbackNotifier(timeout time.Duration) *CallbackNotifier {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}

	return &CallbackNotifier{httpClient: &http.Client{Timeout: timeout}}
}

// Notify posts the event when it is terminal and carries a callback URL.
func (c *CallbackNotifier) Notify(ctx context.Context, event core.TaskEvent) error {
	if event.CallbackURL == "" || event.CompletedAt.IsZero() {
		return nil
	}

	data, err := json.Marshal(NewTaskEventMessage(event))
	if err != nil {
		return fmt.Errorf("failed to marshal callback body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, event.CallbackURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("callback to %s failed: %w", event.CallbackURL, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %s returned %s", ErrCallbackStatus, event.CallbackURL, resp.Status)
	}

	return nil
}

// Fanout delivers each event to every notifier. Failures are logged and
// joined; one notifier failing never stops the others.
type Fanout struct {
	notifiers []core.Notifier
	log       *logger.Logger
}

// NewFanout creates a Fanout over notifiers. Nil entries are skipped.
func NewFanout(log *logger.Logger, notifiers ...core.Notifier) *Fanout {
	kept := make([]core.Notifier, 0, len(notifiers))

	for _, notifier := range notifiers {
		if notifier != nil {
			kept = append(kept, notifier)
		}
	}

	return &Fanout{notifiers: kept, log: log}
}

// Notify delivers event to every notifier.
func (f *Fanout) Notify(ctx context.Context, event core.TaskEvent) error {
	var errs []error

	for _, notifier := range f.notifiers {
		err := notifier.Notify(ctx, event)
		if err != nil {
			f.log.Warn("Failed to deliver %s event for task %s: %v", event.Status, event.TaskID, err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
