package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"controlplane/internal/store"
	"controlplane/internal/stream"
	"controlplane/internal/testutil"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), stream.NewHub(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDispatchRunsExecutorAndRecordsOutcome(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	r := New(st, nil)
	ctx := context.Background()

	r.Register(job.TypeDeploy, ExecutorFunc(func(ctx context.Context, j job.Job, sink LogSink) error {
		sink("building")
		sink("starting")
		return nil
	}))

	j, err := st.Create(ctx, job.TypeDeploy, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Dispatch(ctx, j); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		got, err := st.Get(ctx, j.ID)
		return err == nil && got.Status == job.StatusDone
	})

	got, _ := st.Get(ctx, j.ID)
	if len(got.Logs) != 2 || got.Logs[0] != "building" || got.Logs[1] != "starting" {
		t.Errorf("logs = %v", got.Logs)
	}
}

func TestDispatchFailureCapturesError(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	r := New(st, nil)
	ctx := context.Background()

	r.Register(job.TypeCreate, ExecutorFunc(func(ctx context.Context, j job.Job, sink LogSink) error {
		return fmt.Errorf("git clone failed")
	}))

	j, _ := st.Create(ctx, job.TypeCreate, "alice", nil)
	if err := r.Dispatch(ctx, j); err != nil {
		t.Fatal(err)
	}

	testutil.MustWaitFor(t, func() bool {
		got, err := st.Get(ctx, j.ID)
		return err == nil && got.Status == job.StatusFailed
	})

	got, _ := st.Get(ctx, j.ID)
	if got.Error != "git clone failed" {
		t.Errorf("error = %q, want 'git clone failed'", got.Error)
	}
}

func TestDispatchRecoversExecutorPanic(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	r := New(st, nil)
	ctx := context.Background()

	r.Register(job.TypeStop, ExecutorFunc(func(ctx context.Context, j job.Job, sink LogSink) error {
		panic("nil container handle")
	}))

	j, _ := st.Create(ctx, job.TypeStop, "alice", nil)
	if err := r.Dispatch(ctx, j); err != nil {
		t.Fatal(err)
	}

	testutil.MustWaitFor(t, func() bool {
		got, err := st.Get(ctx, j.ID)
		return err == nil && got.Status == job.StatusFailed
	})
}

func TestDispatchUnregisteredTypeFailsImmediately(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	r := New(st, nil)
	ctx := context.Background()

	j, _ := st.Create(ctx, job.TypeEnvRestart, "alice", nil)
	err := r.Dispatch(ctx, j)
	if !errors.Is(err, apperrors.ErrInternal) {
		t.Errorf("expected internal error for unregistered type, got %v", err)
	}

	got, _ := st.Get(ctx, j.ID)
	if got.Status != job.StatusPending {
		t.Errorf("job status = %s, want pending (nothing dispatched)", got.Status)
	}
}

func TestSingleInvocationPerID(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	r := New(st, nil)
	ctx := context.Background()

	var invocations atomic.Int64
	release := make(chan struct{})
	r.Register(job.TypeDeploy, ExecutorFunc(func(ctx context.Context, j job.Job, sink LogSink) error {
		invocations.Add(1)
		<-release
		return nil
	}))

	j, _ := st.Create(ctx, job.TypeDeploy, "alice", nil)

	var wg sync.WaitGroup
	var dispatched atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Dispatch(ctx, j); err == nil {
				dispatched.Add(1)
			}
		}()
	}
	wg.Wait()

	if dispatched.Load() != 1 {
		t.Errorf("%d concurrent dispatches succeeded, want exactly 1", dispatched.Load())
	}
	close(release)

	testutil.MustWaitFor(t, func() bool {
		got, err := st.Get(ctx, j.ID)
		return err == nil && got.Status == job.StatusDone
	})
	if invocations.Load() != 1 {
		t.Errorf("executor ran %d times, want 1", invocations.Load())
	}
}

func TestRetryAfterFailureRunsNewAttempt(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	r := New(st, nil)
	ctx := context.Background()

	var attempt atomic.Int64
	r.Register(job.TypeDeploy, ExecutorFunc(func(ctx context.Context, j job.Job, sink LogSink) error {
		if attempt.Add(1) == 1 {
			sink("first attempt output")
			return fmt.Errorf("flaky network")
		}
		sink("second attempt output")
		return nil
	}))

	j, _ := st.Create(ctx, job.TypeDeploy, "alice", nil)
	if err := r.Dispatch(ctx, j); err != nil {
		t.Fatal(err)
	}
	testutil.MustWaitFor(t, func() bool {
		got, err := st.Get(ctx, j.ID)
		return err == nil && got.Status == job.StatusFailed
	})

	if err := st.Requeue(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	requeued, _ := st.Get(ctx, j.ID)
	if err := r.Dispatch(ctx, requeued); err != nil {
		t.Fatal(err)
	}

	testutil.MustWaitFor(t, func() bool {
		got, err := st.Get(ctx, j.ID)
		return err == nil && got.Status == job.StatusDone
	})

	got, _ := st.Get(ctx, j.ID)
	if len(got.Logs) != 1 || got.Logs[0] != "second attempt output" {
		t.Errorf("retry attempt logs = %v, want only second attempt output", got.Logs)
	}
}

func TestWait(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	r := New(st, nil)
	ctx := context.Background()

	r.Register(job.TypeStart, ExecutorFunc(func(ctx context.Context, j job.Job, sink LogSink) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}))

	j, _ := st.Create(ctx, job.TypeStart, "alice", nil)
	if err := r.Dispatch(ctx, j); err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Wait(waitCtx); err != nil {
		t.Errorf("Wait: %v", err)
	}
}
