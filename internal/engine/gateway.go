// Package engine guards the synthesis engine: calls are limited to a fixed
// number of concurrent slots and each call carries a hard deadline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/core"
	"golang.org/x/sync/semaphore"
)

const (
	defaultTimeout       = 5 * time.Minute
	defaultHealthTimeout = 10 * time.Second
)

// ErrEmptyResult indicates an engine that returned no audio and no error.
var ErrEmptyResult = errors.New("engine returned no audio")

// Options configures a Gateway.
type Options struct {
	// Slots is the number of calls allowed into the engine at once.
	Slots         int
	Timeout       time.Duration
	HealthTimeout time.Duration
}

// Stats reports gateway counters.
type Stats struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
	Timeouts int64 `json:"timeouts"`
	// Abandoned counts timed-out calls whose engine invocation has not
	// returned yet. A non-zero value means the engine may be wedged.
	Abandoned int64 `json:"abandoned"`
}

type outcome struct {
	result *core.EngineResult
	err    error
}

// Gateway serializes access to a core.Engine.
type Gateway struct {
	engine        core.Engine
	slots         *semaphore.Weighted
	timeout       time.Duration
	healthTimeout time.Duration
	log           *logger.Logger

	ready     atomic.Bool
	calls     atomic.Int64
	failures  atomic.Int64
	timeouts  atomic.Int64
	abandoned atomic.Int64
}

// New wraps engine. The gateway rejects calls until Start succeeds.
func New(engine core.Engine, opts Options, log *logger.Logger) *Gateway {
	slots := max(opts.Slots, 1)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	healthTimeout := opts.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}

	return &Gateway{
		engine:        engine,
		slots:         semaphore.NewWeighted(int64(slots)),
		timeout:       timeout,
		healthTimeout: healthTimeout,
		log:           log,
	}
}

// Start checks engine health when the engine supports it. On failure the
// gateway stays unavailable and every call returns core.ErrUnavailable.
func (g *Gateway) Start(ctx context.Context) error {
	checker, ok := g.engine.(core.HealthChecker)
	if ok {
		checkCtx, cancel := context.WithTimeout(ctx, g.healthTimeout)
		defer cancel()

		err := checker.HealthCheck(checkCtx)
		if err != nil {
			g.ready.Store(false)
			g.log.Error("Synthesis engine health check failed: %v", err)

			return fmt.Errorf("%w: %w", core.ErrUnavailable, err)
		}
	}

	g.ready.Store(true)
	g.log.Info("Synthesis engine ready (timeout %s)", g.timeout)

	return nil
}

// Speakers lists the engine's built-in speakers. Engines without any report
// an empty list. Listing does not take a synthesis slot.
func (g *Gateway) Speakers(ctx context.Context) ([]string, error) {
	lister, ok := g.engine.(core.SpeakerLister)
	if !ok {
		return []string{}, nil
	}

	listCtx, cancel := context.WithTimeout(ctx, g.healthTimeout)
	defer cancel()

	speakers, err := lister.ListSpeakers(listCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrEngine, err)
	}

	return speakers, nil
}

// Ready reports whether the gateway accepts calls.
func (g *Gateway) Ready() bool {
	return g.ready.Load()
}

// Stats returns a snapshot of the gateway counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Calls:     g.calls.Load(),
		Failures:  g.failures.Load(),
		Timeouts:  g.timeouts.Load(),
		Abandoned: g.abandoned.Load(),
	}
}

// Synthesize runs one engine call inside a slot. It returns core.ErrTimeout
// once the deadline passes even if the engine has not returned; the slot is
// released and the abandoned call is tracked until it finishes. Progress
// reports arriving after Synthesize returns are dropped.
func (g *Gateway) Synthesize(
	ctx context.Context,
	req core.EngineRequest,
	progress core.ProgressFunc,
) (*core.EngineResult, error) {
	if !g.Ready() {
		return nil, core.ErrUnavailable
	}

	err := g.slots.Acquire(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for engine: %w", core.ErrShutdown, err)
	}
	defer g.slots.Release(1)

	g.calls.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var returned atomic.Bool
	defer returned.Store(true)

	guarded := func(fraction float64) bool {
		if returned.Load() {
			return false
		}

		if progress == nil {
			return true
		}

		return progress(fraction)
	}

	done := make(chan outcome, 1)

	go func() {
		result, callErr := g.engine.Synthesize(callCtx, req, guarded)
		done <- outcome{result: result, err: callErr}
	}()

	select {
	case out := <-done:
		return g.finish(out)
	case <-callCtx.Done():
		g.abandon(done)

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrShutdown, ctx.Err())
		}

		g.timeouts.Add(1)

		return nil, fmt.Errorf("%w: no result after %s", core.ErrTimeout, g.timeout)
	}
}

func (g *Gateway) finish(out outcome) (*core.EngineResult, error) {
	if out.err != nil {
		g.failures.Add(1)

		if errors.Is(out.err, core.ErrCancelled) {
			return nil, out.err
		}

		return nil, fmt.Errorf("%w: %w", core.ErrEngine, out.err)
	}

	if out.result == nil || len(out.result.Samples) == 0 {
		g.failures.Add(1)

		return nil, fmt.Errorf("%w: %w", core.ErrEngine, ErrEmptyResult)
	}

	if out.result.Duration == 0 && out.result.SampleRate > 0 {
		out.result.Duration = time.Duration(len(out.result.Samples)) * time.Second /
			time.Duration(out.result.SampleRate)
	}

	return out.result, nil
}

// abandon tracks a call that outlived its deadline until the engine returns.
func (g *Gateway) abandon(done <-chan outcome) {
	inFlight := g.abandoned.Add(1)
	g.log.Warn("Abandoned engine call past its deadline; %d abandoned calls still running", inFlight)

	go func() {
		out := <-done
		remaining := g.abandoned.Add(-1)
		g.log.Warn("Abandoned engine call returned (err=%v); %d still running", out.err, remaining)
	}()
}
