// Package engine is the public face of the job orchestration engine. It ties
// the store, runner, and broadcast hub together and enforces the ownership
// contract: every read, stream, retry, or cancel is authorized against the
// job's owner or an elevated role before it touches state.
package engine

import (
	"context"
	"log/slog"

	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"controlplane/internal/runner"
	"controlplane/internal/store"
	"controlplane/internal/stream"
)

// Engine orchestrates job lifecycle on behalf of authenticated callers.
type Engine struct {
	store  *store.Store
	runner *runner.Runner
}

// New creates an engine over an opened store and a configured runner.
func New(st *store.Store, r *runner.Runner) *Engine {
	return &Engine{store: st, runner: r}
}

// Submit creates a pending job owned by the caller and schedules its
// execution. The job id is returned immediately; execution proceeds
// out-of-band. When meta carries an appname, submission is refused while
// another non-terminal job targets the same app.
func (e *Engine) Submit(ctx context.Context, ident job.Identity, typ job.Type, meta map[string]string) (job.Job, error) {
	if ident.User == "" {
		return job.Job{}, apperrors.Unauthorized("no identity")
	}

	var j job.Job
	var err error
	if appname := meta["appname"]; appname != "" {
		// Check-and-insert happens inside the store's lock so two racing
		// submissions for one app cannot both pass.
		j, err = e.store.CreateForApp(ctx, typ, ident.User, appname, meta)
	} else {
		j, err = e.store.Create(ctx, typ, ident.User, meta)
	}
	if err != nil {
		return job.Job{}, err
	}
	if err := e.runner.Dispatch(ctx, j); err != nil {
		e.failUndispatched(ctx, j.ID, err)
		return job.Job{}, err
	}
	return j, nil
}

// failUndispatched marks a pending job failed when it could not be handed to
// an executor, so the operator can retry or cancel it instead of it sitting
// pending forever.
func (e *Engine) failUndispatched(ctx context.Context, id string, cause error) {
	if terr := e.store.Transition(ctx, id, job.StatusFailed, cause.Error()); terr != nil {
		slog.Error("Failed to mark undispatched job as failed", "jobId", id, "error", terr)
	}
}

// Get returns a job with its current-attempt logs, if the caller may see it.
func (e *Engine) Get(ctx context.Context, ident job.Identity, id string) (job.Job, error) {
	j, err := e.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if err := authorize(ident, j); err != nil {
		return job.Job{}, err
	}
	return j, nil
}

// List returns the caller's jobs; elevated callers see every owner's jobs.
func (e *Engine) List(ctx context.Context, ident job.Identity) ([]job.Job, error) {
	if ident.User == "" {
		return nil, apperrors.Unauthorized("no identity")
	}
	return e.store.ListByOwner(ctx, ident.User, ident.Elevated())
}

// Watch authorizes the caller and then atomically snapshots the job and, for
// a non-terminal job, registers a live subscriber preloaded with the
// backlog. A nil subscriber means the snapshot is the complete history.
func (e *Engine) Watch(ctx context.Context, ident job.Identity, id string) (job.Job, *stream.Subscriber, error) {
	j, err := e.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, nil, err
	}
	if err := authorize(ident, j); err != nil {
		return job.Job{}, nil, err
	}
	return e.store.Watch(ctx, id)
}

// Unwatch releases a live subscriber, typically on transport disconnect.
func (e *Engine) Unwatch(id string, sub *stream.Subscriber) {
	e.store.Unwatch(id, sub)
}

// Retry requeues a failed or interrupted job as a new attempt under the same
// id and schedules it. Any other source state is a conflict.
func (e *Engine) Retry(ctx context.Context, ident job.Identity, id string) (job.Job, error) {
	j, err := e.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if err := authorize(ident, j); err != nil {
		return job.Job{}, err
	}
	if err := e.store.Requeue(ctx, id); err != nil {
		return job.Job{}, err
	}
	requeued, err := e.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if err := e.runner.Dispatch(ctx, requeued); err != nil {
		e.failUndispatched(ctx, id, err)
		return job.Job{}, err
	}
	return requeued, nil
}

// Cancel removes the record of a failed or interrupted job entirely.
func (e *Engine) Cancel(ctx context.Context, ident job.Identity, id string) error {
	j, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := authorize(ident, j); err != nil {
		return err
	}
	return e.store.Remove(ctx, id)
}

func authorize(ident job.Identity, j job.Job) error {
	if ident.User == "" {
		return apperrors.Unauthorized("no identity")
	}
	if !ident.CanAccess(j.Owner) {
		return apperrors.Forbidden("job", "forbidden")
	}
	return nil
}
