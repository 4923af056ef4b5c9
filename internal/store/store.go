// Package store is the single authority for job records and their log
// buffers. All mutations flow through it; it persists to SQLite so jobs
// survive process restarts, and it publishes log/status events to the
// broadcast hub under the same serialization that orders the appends.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"controlplane/internal/stream"
)

// Publisher receives log and terminal-status events as the store applies
// them, and registers live subscribers. Implemented by stream.Hub.
type Publisher interface {
	Publish(jobID string, ev stream.Event)
	Terminal(jobID string, status job.Status)
	Subscribe(jobID string, backlog []stream.Event) *stream.Subscriber
	Unsubscribe(jobID string, sub *stream.Subscriber)
}

// Store owns the jobs database and the serialization of job mutations.
type Store struct {
	db        *sql.DB
	hub       Publisher
	retention time.Duration
	logger    *slog.Logger

	// mu serializes mutations and makes backlog snapshot + subscription
	// atomic. SQLite runs a single writer connection anyway, so a per-id
	// lock would buy nothing here.
	mu sync.Mutex
}

// Open opens (creating if necessary) the job database at path.
// The caller must run RecoverOnStartup before serving traffic.
func Open(path string, hub Publisher, retention time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:        db,
		hub:       hub,
		retention: retention,
		logger:    slog.With("component", "job-store"),
	}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ready reports whether the database is reachable.
func (s *Store) Ready(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Internal("store.ping", err)
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('pending','running','done','failed','interrupted')),
		type TEXT NOT NULL,
		owner TEXT NOT NULL,
		meta TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner_updated ON jobs(owner, updated_at DESC);
	CREATE TABLE IF NOT EXISTS job_logs (
		job_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		line TEXT NOT NULL,
		PRIMARY KEY (job_id, attempt, seq)
	);`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// terminalSQL is the terminal-status set as a SQL fragment.
const terminalSQL = `('done','failed','interrupted')`

// Create allocates a new pending job owned by owner.
func (s *Store) Create(ctx context.Context, typ job.Type, owner string, meta map[string]string) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(ctx, typ, owner, meta)
}

// CreateForApp allocates a new pending job targeting owner's app, refusing
// while another non-terminal job targets the same app. Check and insert run
// under one lock so concurrent submissions cannot both pass.
func (s *Store) CreateForApp(ctx context.Context, typ job.Type, owner, appname string, meta map[string]string) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	busy, err := s.hasActiveJobForApp(ctx, owner, appname)
	if err != nil {
		return job.Job{}, err
	}
	if busy {
		return job.Job{}, apperrors.Conflict("app", appname,
			"another operation is already in progress for this app")
	}
	return s.create(ctx, typ, owner, meta)
}

// create inserts a pending job. Caller holds s.mu.
func (s *Store) create(ctx context.Context, typ job.Type, owner string, meta map[string]string) (job.Job, error) {
	if !job.ValidType(typ) {
		return job.Job{}, apperrors.Validation("type", "unknown job type "+string(typ))
	}
	if owner == "" {
		return job.Job{}, apperrors.Validation("owner", "owner is required")
	}
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return job.Job{}, apperrors.Internal("store.create", err)
	}

	now := time.Now()
	j := job.Job{
		ID:        job.NewID(),
		Status:    job.StatusPending,
		Type:      typ,
		Owner:     owner,
		Meta:      meta,
		Attempt:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, type, owner, meta, attempt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		j.ID, j.Status, j.Type, j.Owner, string(metaJSON), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return job.Job{}, apperrors.Internal("store.create", err)
	}
	s.logger.Info("Job created", "jobId", j.ID, "type", j.Type, "owner", j.Owner)
	return j, nil
}

// Get returns a job by id, including the log lines of its current attempt.
func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	j, err := s.get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	logs, err := s.logs(ctx, id, j.Attempt)
	if err != nil {
		return job.Job{}, err
	}
	j.Logs = logs
	return j, nil
}

func (s *Store) get(ctx context.Context, id string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, type, owner, meta, error, attempt, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, apperrors.NotFound("job", id)
	}
	return j, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (job.Job, error) {
	var j job.Job
	var metaJSON string
	var createdAt, updatedAt int64
	err := row.Scan(&j.ID, &j.Status, &j.Type, &j.Owner, &metaJSON, &j.Error, &j.Attempt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return job.Job{}, err
	}
	if err != nil {
		return job.Job{}, apperrors.Internal("store.scan", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &j.Meta); err != nil {
		return job.Job{}, apperrors.Internal("store.scan", err)
	}
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	return j, nil
}

// ListByOwner returns the owner's jobs: active jobs first, then terminal
// jobs from within the retention window, most recently updated first.
// With all set (elevated callers), jobs of every owner are returned.
func (s *Store) ListByOwner(ctx context.Context, owner string, all bool) ([]job.Job, error) {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	query := `SELECT id, status, type, owner, meta, error, attempt, created_at, updated_at
		 FROM jobs
		 WHERE (owner = ? OR ?)
		   AND (status NOT IN ` + terminalSQL + ` OR updated_at >= ?)
		 ORDER BY (status IN ` + terminalSQL + `) ASC, updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, owner, all, cutoff)
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	defer rows.Close()

	jobs := []job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	return jobs, nil
}

func (s *Store) logs(ctx context.Context, id string, attempt int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM job_logs WHERE job_id = ? AND attempt = ? ORDER BY seq ASC`,
		id, attempt)
	if err != nil {
		return nil, apperrors.Internal("store.logs", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, apperrors.Internal("store.logs", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// AppendLog atomically appends one line to the job's log buffer and
// publishes it to the hub. Appending to a job that no longer exists is a
// silent no-op: executors may outlive a cancelled record.
func (s *Store) AppendLog(ctx context.Context, id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, attempt, seq, line)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM job_logs WHERE job_id = ? AND attempt = ?), ?)`,
		id, j.Attempt, id, j.Attempt, line)
	if err != nil {
		return apperrors.Internal("store.appendLog", err)
	}

	if s.hub != nil {
		s.hub.Publish(id, stream.LogEvent(line))
	}
	return nil
}

// Transition moves a job to newStatus after validating the edge against the
// state machine. Illegal transitions leave the record unchanged and return
// Conflict. Reaching a terminal state notifies the hub, which flushes a
// final status event and closes every subscriber stream.
func (s *Store) Transition(ctx context.Context, id string, newStatus job.Status, jobErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(ctx, id, newStatus, jobErr)
}

func (s *Store) transitionLocked(ctx context.Context, id string, newStatus job.Status, jobErr string) error {
	j, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !job.CanTransition(j.Status, newStatus) {
		return apperrors.Conflict("job", id,
			"job is in '"+string(j.Status)+"' status and cannot transition to '"+string(newStatus)+"'")
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		newStatus, jobErr, time.Now().UnixMilli(), id, j.Status)
	if err != nil {
		return apperrors.Internal("store.transition", err)
	}

	s.logger.Info("Job transitioned", "jobId", id, "from", j.Status, "to", newStatus)
	if job.Terminal(newStatus) && s.hub != nil {
		s.hub.Terminal(id, newStatus)
	}
	return nil
}

// Requeue performs the retry transition: failed|interrupted -> pending.
// The job starts a new attempt under the same id; the observable log
// sequence resets for the new attempt.
func (s *Store) Requeue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Retryable(j.Status) {
		return apperrors.Conflict("job", id,
			"job is in '"+string(j.Status)+"' status and cannot be retried")
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = '', attempt = attempt + 1, updated_at = ? WHERE id = ?`,
		job.StatusPending, time.Now().UnixMilli(), id)
	if err != nil {
		return apperrors.Internal("store.requeue", err)
	}
	// Prior attempts' lines are gone for good; only the new attempt replays.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_logs WHERE job_id = ?`, id); err != nil {
		return apperrors.Internal("store.requeue", err)
	}

	s.logger.Info("Job requeued", "jobId", id, "attempt", j.Attempt+1)
	return nil
}

// Remove performs the cancel transition: the record of a failed or
// interrupted job is deleted entirely.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Retryable(j.Status) {
		return apperrors.Conflict("job", id,
			"job is in '"+string(j.Status)+"' status and cannot be cancelled")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return apperrors.Internal("store.remove", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_logs WHERE job_id = ?`, id); err != nil {
		return apperrors.Internal("store.remove", err)
	}

	s.logger.Info("Job cancelled", "jobId", id)
	return nil
}

// interruptedNote is recorded on jobs reclaimed during startup recovery.
const interruptedNote = "interrupted by control plane restart"

// RecoverOnStartup reclassifies every job still marked running as
// interrupted: the execution context that owned it no longer exists and its
// true outcome is unknowable. Must run before the store serves traffic.
func (s *Store) RecoverOnStartup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, attempt FROM jobs WHERE status = ?`, job.StatusRunning)
	if err != nil {
		return 0, apperrors.Internal("store.recover", err)
	}
	type stale struct {
		id      string
		attempt int
	}
	var stales []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.attempt); err != nil {
			rows.Close()
			return 0, apperrors.Internal("store.recover", err)
		}
		stales = append(stales, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperrors.Internal("store.recover", err)
	}

	now := time.Now().UnixMilli()
	for _, st := range stales {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO job_logs (job_id, attempt, seq, line)
			 VALUES (?, ?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM job_logs WHERE job_id = ? AND attempt = ?), ?)`,
			st.id, st.attempt, st.id, st.attempt, interruptedNote); err != nil {
			return 0, apperrors.Internal("store.recover", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			job.StatusInterrupted, interruptedNote, now, st.id); err != nil {
			return 0, apperrors.Internal("store.recover", err)
		}
		s.logger.Warn("Job interrupted by restart", "jobId", st.id)
	}
	return len(stales), nil
}

// Watch atomically snapshots a job with its current-attempt backlog and, if
// the job is not terminal, registers a live subscriber preloaded with that
// backlog. A nil subscriber means the job is terminal and the snapshot is
// the complete history.
func (s *Store) Watch(ctx context.Context, id string) (job.Job, *stream.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.get(ctx, id)
	if err != nil {
		return job.Job{}, nil, err
	}
	lines, err := s.logs(ctx, id, j.Attempt)
	if err != nil {
		return job.Job{}, nil, err
	}
	j.Logs = lines

	if job.Terminal(j.Status) || s.hub == nil {
		return j, nil, nil
	}

	backlog := make([]stream.Event, 0, len(lines))
	for _, line := range lines {
		backlog = append(backlog, stream.LogEvent(line))
	}
	return j, s.hub.Subscribe(id, backlog), nil
}

// Unwatch releases a subscriber registered by Watch, typically when the
// viewer's transport connection drops.
func (s *Store) Unwatch(id string, sub *stream.Subscriber) {
	if s.hub != nil && sub != nil {
		s.hub.Unsubscribe(id, sub)
	}
}

// HasActiveJobForApp reports whether a non-terminal job already targets the
// app identified by meta owner/appname.
func (s *Store) HasActiveJobForApp(ctx context.Context, owner, appname string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasActiveJobForApp(ctx, owner, appname)
}

// hasActiveJobForApp is the lock-free form used inside CreateForApp. Caller
// holds s.mu.
func (s *Store) hasActiveJobForApp(ctx context.Context, owner, appname string) (bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT meta FROM jobs WHERE owner = ? AND status NOT IN `+terminalSQL, owner)
	if err != nil {
		return false, apperrors.Internal("store.activeForApp", err)
	}
	defer rows.Close()

	for rows.Next() {
		var metaJSON string
		if err := rows.Scan(&metaJSON); err != nil {
			return false, apperrors.Internal("store.activeForApp", err)
		}
		var meta map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			continue
		}
		if meta["appname"] == appname {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Prune deletes terminal jobs whose last update is older than the retention
// window, together with their logs.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.retention).UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM job_logs WHERE job_id IN
		 (SELECT id FROM jobs WHERE status IN `+terminalSQL+` AND updated_at < ?)`, cutoff); err != nil {
		return 0, apperrors.Internal("store.prune", err)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN `+terminalSQL+` AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, apperrors.Internal("store.prune", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Pruned terminal jobs", "count", n)
	}
	return n, nil
}

// RunMaintenance prunes on a fixed interval until ctx is cancelled.
func (s *Store) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil {
				s.logger.Error("Maintenance prune failed", "error", err)
			}
		}
	}
}
