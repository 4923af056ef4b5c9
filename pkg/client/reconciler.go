package client

import (
	"context"
	"sync"
	"time"
)

const defaultPollInterval = 1500 * time.Millisecond

// ReconcilerConfig configures job polling behavior and callbacks.
// All callbacks are optional and may be invoked from poller goroutines.
type ReconcilerConfig struct {
	// Interval between polls of a tracked job. Defaults to 1.5s.
	Interval time.Duration

	// OnDone is called once when a tracked job reaches status done.
	OnDone func(Job)

	// OnFail is called once when a tracked job reaches status failed
	// or interrupted.
	OnFail func(Job)

	// Refresh is called after any tracked job finishes, so callers can
	// reload dependent state such as the app inventory.
	Refresh func()
}

// Reconciler polls jobs until they finish, deduplicating so each job
// has at most one poller no matter how many times it is tracked. It is
// the client-side half of crash recovery: after a restart, Recover
// picks up every job that is still in flight on the server.
type Reconciler struct {
	client *Client
	cfg    ReconcilerConfig

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewReconciler creates a Reconciler. It does nothing until jobs are
// tracked via Track or Recover.
func NewReconciler(c *Client, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	return &Reconciler{
		client: c,
		cfg:    cfg,
		active: make(map[string]struct{}),
	}
}

// Track starts polling a job in the background. It reports whether a
// new poller was started, false when the job is already tracked.
func (r *Reconciler) Track(ctx context.Context, jobID string) bool {
	r.mu.Lock()
	if _, ok := r.active[jobID]; ok {
		r.mu.Unlock()
		return false
	}
	r.active[jobID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.poll(ctx, jobID)
	return true
}

// Tracking reports whether a poller is currently running for the job.
func (r *Reconciler) Tracking(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[jobID]
	return ok
}

// Recover lists the caller's jobs and starts tracking every one that
// has not yet finished. Call it once after startup.
func (r *Reconciler) Recover(ctx context.Context) error {
	jobs, err := r.client.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if !j.Terminal() {
			r.Track(ctx, j.ID)
		}
	}
	return nil
}

// Wait blocks until all pollers have stopped. Cancel the contexts
// passed to Track first, or Wait blocks until the jobs finish.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) untrack(jobID string) {
	r.mu.Lock()
	delete(r.active, jobID)
	r.mu.Unlock()
}

func (r *Reconciler) poll(ctx context.Context, jobID string) {
	defer r.wg.Done()
	defer r.untrack(jobID)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		j, err := r.client.GetJob(ctx, jobID)
		if err != nil {
			if IsUnauthorized(err) {
				return
			}
			continue // transient, try again next tick
		}
		if !j.Terminal() {
			continue
		}

		switch j.Status {
		case "done":
			if r.cfg.OnDone != nil {
				r.cfg.OnDone(j)
			}
		default:
			if r.cfg.OnFail != nil {
				r.cfg.OnFail(j)
			}
		}
		if r.cfg.Refresh != nil {
			r.cfg.Refresh()
		}
		return
	}
}
