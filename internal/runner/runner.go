// Package runner executes jobs out-of-band from the requests that create
// them. Each job type is bound to an Executor at startup; dispatch is
// fire-and-forget and guarantees at most one active execution per job id.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"controlplane/internal/store"
)

// LogSink receives one log line from an executing job.
type LogSink func(line string)

// Executor performs the real work for one job type. Implementations stream
// progress through the sink and signal the terminal outcome via the return
// value; they never touch job state directly.
type Executor interface {
	Execute(ctx context.Context, j job.Job, sink LogSink) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, j job.Job, sink LogSink) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, j job.Job, sink LogSink) error {
	return f(ctx, j, sink)
}

// MetricsRecorder is an optional interface for recording runner metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context, jobType string)
	RecordJobCompleted(ctx context.Context, jobType string, success bool, durationSeconds float64)
}

// Runner dispatches jobs to registered executors.
type Runner struct {
	store   *store.Store
	metrics MetricsRecorder
	logger  *slog.Logger

	mu        sync.Mutex
	executors map[job.Type]Executor
	active    map[string]struct{}

	wg sync.WaitGroup
}

// New creates a runner with no executors registered.
func New(st *store.Store, metrics MetricsRecorder) *Runner {
	return &Runner{
		store:     st,
		metrics:   metrics,
		logger:    slog.With("component", "runner"),
		executors: make(map[job.Type]Executor),
		active:    make(map[string]struct{}),
	}
}

// Register binds an executor to a job type. Called once per type at startup,
// before any dispatch.
func (r *Runner) Register(typ job.Type, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[typ] = ex
}

// Dispatch schedules execution of a pending job and returns immediately.
// A missing executor for the job's type is a configuration error reported
// synchronously; everything after scheduling is observed through job state.
func (r *Runner) Dispatch(ctx context.Context, j job.Job) error {
	r.mu.Lock()
	ex, ok := r.executors[j.Type]
	if !ok {
		r.mu.Unlock()
		return apperrors.Internal("runner.dispatch", fmt.Errorf("no executor registered for job type %q", j.Type))
	}
	if _, running := r.active[j.ID]; running {
		r.mu.Unlock()
		return apperrors.Conflict("job", j.ID, "job is already executing")
	}
	r.active[j.ID] = struct{}{}
	r.mu.Unlock()

	if err := r.store.Transition(ctx, j.ID, job.StatusRunning, ""); err != nil {
		r.release(j.ID)
		return err
	}

	if r.metrics != nil {
		r.metrics.RecordJobStarted(ctx, string(j.Type))
	}

	r.wg.Add(1)
	go r.run(ex, j)
	return nil
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// run executes the job on its own goroutine, detached from the request that
// scheduled it.
func (r *Runner) run(ex Executor, j job.Job) {
	defer r.wg.Done()
	defer r.release(j.ID)

	ctx := context.Background()
	logger := r.logger.With("jobId", j.ID, "type", j.Type)
	sink := func(line string) {
		if err := r.store.AppendLog(ctx, j.ID, line); err != nil {
			logger.Warn("Failed to append job log", "error", err)
		}
	}

	start := time.Now()
	err := r.execute(ctx, ex, j, sink)
	success := err == nil

	if success {
		if terr := r.store.Transition(ctx, j.ID, job.StatusDone, ""); terr != nil {
			logger.Error("Failed to record job completion", "error", terr)
		}
		logger.Info("Job completed", "duration", time.Since(start))
	} else {
		if terr := r.store.Transition(ctx, j.ID, job.StatusFailed, err.Error()); terr != nil {
			logger.Error("Failed to record job failure", "error", terr)
		}
		logger.Warn("Job failed", "error", err, "duration", time.Since(start))
	}

	if r.metrics != nil {
		r.metrics.RecordJobCompleted(ctx, string(j.Type), success, time.Since(start).Seconds())
	}
}

// execute invokes the executor, converting a panic into a failure so one bad
// executor cannot take the process down.
func (r *Runner) execute(ctx context.Context, ex Executor, j job.Job, sink LogSink) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor panic: %v", rec)
		}
	}()
	return ex.Execute(ctx, j, sink)
}

// Wait blocks until all in-flight executions finish or ctx expires.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
