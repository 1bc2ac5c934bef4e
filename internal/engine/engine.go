package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/mkarlsen/quantd/internal/jobs"
	"github.com/mkarlsen/quantd/internal/model"
	"github.com/mkarlsen/quantd/internal/work"
)

// DefaultMaxConcurrent is the per-class concurrency limit used when none is
// configured.
const DefaultMaxConcurrent = 4

// progressBuffer is the hand-off channel capacity between a worker goroutine
// and its orchestration goroutine. Overflowing updates are dropped; the next
// report supersedes them anyway.
const progressBuffer = 16

// Engine is the background execution bridge. Submit creates a job and
// launches an orchestration goroutine that acquires a concurrency slot, runs
// the work function on its own goroutine, relays progress updates, and
// converts the outcome into a terminal state transition.
type Engine struct {
	registry *jobs.Registry
	slots    map[model.Class]*semaphore.Weighted
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewEngine creates an engine with per-class concurrency limits. Classes
// missing from limits, or with a non-positive limit, get DefaultMaxConcurrent.
func NewEngine(reg *jobs.Registry, limits map[model.Class]int64, logger *slog.Logger) *Engine {
	slots := make(map[model.Class]*semaphore.Weighted)
	for _, c := range []model.Class{model.ClassBacktest, model.ClassDatasetBuild, model.ClassScreening, model.ClassSync} {
		n := limits[c]
		if n <= 0 {
			n = DefaultMaxConcurrent
		}
		slots[c] = semaphore.NewWeighted(n)
	}
	return &Engine{
		registry: reg,
		slots:    slots,
		logger:   logger,
	}
}

// Submit creates a pending job and schedules its execution. It returns the
// job id immediately; the job may still be waiting for a concurrency slot.
func (e *Engine) Submit(class model.Class, payload []byte, fn work.Func) (string, error) {
	j, err := e.registry.Create(class, payload)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.registry.Attach(j.ID, cancel, done)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		defer cancel()
		e.execute(ctx, j.ID, j.Class, fn)
	}()

	return j.ID, nil
}

// Wait blocks until all in-flight job goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs the job lifecycle: slot acquire → running → terminal.
// The slot is released on every exit path.
func (e *Engine) execute(ctx context.Context, id string, class model.Class, fn work.Func) {
	slot := e.slots[class]
	if err := slot.Acquire(ctx, 1); err != nil {
		// Cancelled while waiting for a slot. The registry may already hold
		// the cancelled record; this is a no-op then.
		e.registry.UpdateStatus(id, model.StatusCancelled, jobs.Update{Message: "cancelled while queued"})
		return
	}
	defer slot.Release(1)

	if snap := e.registry.UpdateStatus(id, model.StatusRunning, jobs.Update{}); snap == nil {
		// The job went terminal while queued.
		return
	}

	// Progress updates cross from the worker goroutine to this one over a
	// buffered channel; the worker never touches job state itself.
	progress := make(chan model.Progress, progressBuffer)
	report := func(p model.Progress) {
		select {
		case progress <- p:
		default:
			e.logger.Debug("progress update dropped", "job_id", id)
		}
	}

	type outcome struct {
		result []byte
		err    error
	}
	res := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res <- outcome{err: fmt.Errorf("work function panic: %v", r)}
			}
		}()
		result, err := fn(ctx, report)
		res <- outcome{result: result, err: err}
	}()

	for {
		select {
		case p := <-progress:
			e.registry.UpdateStatus(id, model.StatusRunning, jobs.Update{Progress: &p})
		case out := <-res:
			e.drainProgress(id, progress)
			e.finish(ctx, id, out.result, out.err)
			return
		}
	}
}

// drainProgress applies any progress updates still queued when the work
// function returned, so the terminal event carries the last reported state.
func (e *Engine) drainProgress(id string, progress <-chan model.Progress) {
	for {
		select {
		case p := <-progress:
			e.registry.UpdateStatus(id, model.StatusRunning, jobs.Update{Progress: &p})
		default:
			return
		}
	}
}

// finish converts the work function outcome into a terminal transition.
func (e *Engine) finish(ctx context.Context, id string, result []byte, err error) {
	switch {
	case err == nil:
		e.registry.UpdateStatus(id, model.StatusCompleted, jobs.Update{Result: result})
	case ctx.Err() != nil:
		// Cooperative cancellation unwound the work function. Usually a
		// no-op: Cancel already recorded the cancelled state.
		e.registry.UpdateStatus(id, model.StatusCancelled, jobs.Update{Message: "cancelled"})
	default:
		e.logger.Error("job failed", "job_id", id, "error", err)
		e.registry.UpdateStatus(id, model.StatusFailed, jobs.Update{Error: err.Error()})
	}
}
