// Package reaper expires old tasks and deletes artifacts nothing refers to.
package reaper

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/dispatch"
	"github.com/book-expert/voice-service/internal/task"
)

const (
	sweepTimeout    = 5 * time.Minute
	defaultInterval = time.Hour
)

// VoiceMaintainer is the voice registry housekeeping the reaper drives.
type VoiceMaintainer interface {
	SweepOrphans() (int, error)
	Flush() error
}

// Options configures a Reaper.
type Options struct {
	Interval time.Duration
	TTL      time.Duration
}

// Report counts what one sweep removed.
type Report struct {
	ExpiredTasks     int
	DeletedArtifacts int
	OrphanArtifacts  int
	OrphanVoiceFiles int
}

// Reaper runs the periodic sweep. Runs never overlap: a sweep that starts
// while another is executing is skipped.
type Reaper struct {
	registry  *task.Registry
	artifacts core.ArtifactStore
	voices    VoiceMaintainer
	opts      Options
	log       *logger.Logger

	running atomic.Bool
	sweeps  sync.WaitGroup
}

// New creates a Reaper. voices may be nil. A non-positive interval falls
// back to one hour and a negative TTL to zero.
func New(
	registry *task.Registry,
	artifacts core.ArtifactStore,
	voices VoiceMaintainer,
	opts Options,
	log *logger.Logger,
) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}

	opts.TTL = max(opts.TTL, 0)

	return &Reaper{
		registry:  registry,
		artifacts: artifacts,
		voices:    voices,
		opts:      opts,
		log:       log,
	}
}

// Run sweeps every interval until ctx is cancelled. It returns once the
// last sweep has finished.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	defer r.sweeps.Wait()

	r.log.Info("Reaper started: interval %s, task ttl %s", r.opts.Interval, r.opts.TTL)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reaper stopped")

			return nil
		case <-ticker.C:
			r.sweeps.Go(func() {
				r.Sweep(ctx)
			})
		}
	}
}

// Sweep performs one pass. It reports false when another pass was already
// executing and this one was skipped.
func (r *Reaper) Sweep(ctx context.Context) (Report, bool) {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Warn("Reaper sweep skipped: previous sweep still running")

		return Report{}, false
	}
	defer r.running.Store(false)

	sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sweepTimeout)
	defer cancel()

	var report Report

	r.expireTasks(sweepCtx, &report)
	r.removeOrphanArtifacts(sweepCtx, &report)
	r.maintainVoices(&report)

	if report != (Report{}) {
		r.log.Info("Reaper removed %d tasks, %d artifacts, %d orphan artifacts, %d orphan voice files",
			report.ExpiredTasks, report.DeletedArtifacts, report.OrphanArtifacts, report.OrphanVoiceFiles)
	}

	return report, true
}

func (r *Reaper) expireTasks(ctx context.Context, report *Report) {
	cutoff := time.Now().Add(-r.opts.TTL)

	for _, t := range r.registry.List(task.Filter{}) {
		if !t.Status.IsTerminal() || t.CompletedAt.After(cutoff) {
			continue
		}

		if t.Status == task.StatusCompleted {
			err := r.artifacts.Delete(ctx, dispatch.ArtifactKey(t))
			if err != nil {
				r.log.Warn("Failed to delete artifact of task %s; keeping record: %v", t.ID, err)

				continue
			}

			report.DeletedArtifacts++
		}

		if r.registry.Remove(t.ID) {
			report.ExpiredTasks++
		}
	}
}

// removeOrphanArtifacts deletes artifacts whose task record no longer exists.
func (r *Reaper) removeOrphanArtifacts(ctx context.Context, report *Report) {
	keys, err := r.artifacts.List(ctx)
	if err != nil {
		r.log.Error("Failed to list artifacts: %v", err)

		return
	}

	for _, key := range keys {
		id := strings.TrimSuffix(key, path.Ext(key))
		if r.registry.Has(id) {
			continue
		}

		err = r.artifacts.Delete(ctx, key)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			r.log.Warn("Failed to delete orphan artifact %s: %v", key, err)

			continue
		}

		report.OrphanArtifacts++
	}
}

func (r *Reaper) maintainVoices(report *Report) {
	if r.voices == nil {
		return
	}

	removed, err := r.voices.SweepOrphans()
	if err != nil {
		r.log.Warn("Voice orphan sweep incomplete: %v", err)
	}

	report.OrphanVoiceFiles = removed

	err = r.voices.Flush()
	if err != nil {
		r.log.Warn("Failed to flush voice usage counts: %v", err)
	}
}
