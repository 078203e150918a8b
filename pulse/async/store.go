package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/slate/db"
	"github.com/teranos/slate/errors"
)

// DefaultHeartbeatTimeout is how long a claim survives without a heartbeat.
const DefaultHeartbeatTimeout = 45 * time.Second

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store persists jobs and their item ledgers. It is the only shared mutable
// state of the engine; every mutation is a single conditional statement or
// a short transaction.
type Store struct {
	db               *sql.DB
	clock            Clock
	heartbeatTimeout time.Duration
}

// NewStore creates a store over a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:               db,
		clock:            SystemClock{},
		heartbeatTimeout: DefaultHeartbeatTimeout,
	}
}

// WithClock replaces the time source, for tests.
func (s *Store) WithClock(c Clock) *Store {
	s.clock = c
	return s
}

// WithHeartbeatTimeout sets how long an unrefreshed claim stays valid.
func (s *Store) WithHeartbeatTimeout(d time.Duration) *Store {
	if d > 0 {
		s.heartbeatTimeout = d
	}
	return s
}

// HeartbeatTimeout returns the claim expiry window.
func (s *Store) HeartbeatTimeout() time.Duration {
	return s.heartbeatTimeout
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []JobStatus) []interface{} {
	out := make([]interface{}, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// CreateJob inserts a job and its items in one transaction. Fails with
// ErrAlreadyActive when an unterminated job exists for the same owner and type.
func (s *Store) CreateJob(ctx context.Context, job *Job, itemKeys []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.insertJob(ctx, tx, job, itemKeys)
	})
}

// ResetJob stops oldJobID if it is still active and creates its replacement
// in the same transaction.
func (s *Store) ResetJob(ctx context.Context, oldJobID string, job *Job, itemKeys []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		args := append([]interface{}{now, now, oldJobID}, statusArgs(ActiveStatuses)...)
		_, err := tx.ExecContext(ctx, `
			UPDATE pulse_jobs
			SET status = 'stopped', updated_at = ?, completed_at = ?,
				awaiting_approval = 0, pending_decision = NULL
			WHERE id = ? AND status IN (`+placeholders(len(ActiveStatuses))+`)`, args...)
		if err != nil {
			return errors.Wrapf(err, "failed to stop job %s", oldJobID)
		}
		return s.insertJob(ctx, tx, job, itemKeys)
	})
}

func (s *Store) insertJob(ctx context.Context, tx *sql.Tx, job *Job, itemKeys []string) error {
	existing, err := s.findActiveJob(ctx, tx, job.OwnerScope, job.JobType)
	if err != nil {
		return err
	}
	if existing != nil {
		return alreadyActive(job, existing.ID)
	}

	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if len(job.Context) == 0 {
		job.Context = []byte(`{}`)
	}
	if len(job.Config) == 0 {
		job.Config = []byte(`{}`)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pulse_jobs (
			id, owner_scope, job_type, mode, status, cursor, context, config,
			total_count, pending_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OwnerScope, job.JobType, string(job.Mode), string(job.Status),
		string(job.Context), string(job.Config),
		len(itemKeys), len(itemKeys), now, now,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return alreadyActive(job, "")
		}
		return errors.Wrap(err, "failed to create job")
	}

	for i, key := range itemKeys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pulse_items (id, job_id, ordinal, item_key, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)`,
			uuid.NewString(), job.ID, i, key, now, now,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to create item %q", key)
		}
	}

	job.Counts = Counts{Total: len(itemKeys), Pending: len(itemKeys)}
	return nil
}

func alreadyActive(job *Job, existingID string) error {
	err := errors.Wrapf(errors.ErrAlreadyActive, "%s job for %s", job.JobType, job.OwnerScope)
	if existingID != "" {
		err = errors.WithDetail(err, fmt.Sprintf("Active job ID: %s", existingID))
	}
	return err
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.getJob(ctx, s.db, jobID)
}

func (s *Store) getJob(ctx context.Context, q queryer, jobID string) (*Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobSelectColumns+` FROM pulse_jobs WHERE id = ?`, jobID))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job not found: %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", jobID)
	}
	return job, nil
}

// FindActiveJob returns the unterminated job for owner and type, or nil.
func (s *Store) FindActiveJob(ctx context.Context, ownerScope, jobType string) (*Job, error) {
	return s.findActiveJob(ctx, s.db, ownerScope, jobType)
}

func (s *Store) findActiveJob(ctx context.Context, q queryer, ownerScope, jobType string) (*Job, error) {
	args := append([]interface{}{ownerScope, jobType}, statusArgs(ActiveStatuses)...)
	job, err := scanJob(q.QueryRowContext(ctx, `
		SELECT `+jobSelectColumns+` FROM pulse_jobs
		WHERE owner_scope = ? AND job_type = ? AND status IN (`+placeholders(len(ActiveStatuses))+`)
		ORDER BY created_at DESC
		LIMIT 1`, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active job")
	}
	return job, nil
}

// ListJobs returns jobs, newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobSelectColumns + ` FROM pulse_jobs`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryJobs(ctx, query, args...)
}

// ListActiveJobs returns all unterminated jobs, oldest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobSelectColumns+` FROM pulse_jobs
		WHERE status IN (`+placeholders(len(ActiveStatuses))+`)
		ORDER BY created_at ASC`, statusArgs(ActiveStatuses)...)
}

// ListStalledJobs returns running jobs whose claim is absent or expired,
// i.e. nobody is driving them.
func (s *Store) ListStalledJobs(ctx context.Context) ([]*Job, error) {
	cutoff := s.now().Add(-s.heartbeatTimeout).UnixMilli()
	return s.queryJobs(ctx, `
		SELECT `+jobSelectColumns+` FROM pulse_jobs
		WHERE status = 'running' AND awaiting_approval = 0
		AND (heartbeat_ms IS NULL OR heartbeat_ms <= ?)
		ORDER BY updated_at ASC`, cutoff)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateStatus moves a job to status `to` if its current status is one of
// `from`. A terminal job never moves again, and terminal transitions clear
// any pending decision. The claim is left to its holder so a tick in flight
// can still persist its unit. errMsg is stored only when `to` is failed.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, to JobStatus, errMsg string, from ...JobStatus) error {
	if len(from) == 0 {
		return errors.AssertionFailedf("UpdateStatus requires at least one from-status")
	}
	now := s.now()
	terminal := 0
	if to.IsTerminal() {
		terminal = 1
	}
	var errCol sql.NullString
	if to == JobStatusFailed {
		if errMsg == "" {
			errMsg = "job failed"
		}
		errCol = sql.NullString{String: errMsg, Valid: true}
	}

	args := []interface{}{
		string(to), now,
		string(to), now,
		terminal, now,
		errCol,
		terminal, terminal,
		jobID,
	}
	args = append(args, statusArgs(from)...)

	result, err := s.db.ExecContext(ctx, `
		UPDATE pulse_jobs SET
			status = ?,
			updated_at = ?,
			started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? = 1 THEN ? ELSE completed_at END,
			error = ?,
			awaiting_approval = CASE WHEN ? = 1 THEN 0 ELSE awaiting_approval END,
			pending_decision = CASE WHEN ? = 1 THEN NULL ELSE pending_decision END
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)
		AND status NOT IN ('stopped', 'completed', 'failed')`, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update status of job %s", jobID)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return errors.WithDetail(
				errors.Wrapf(errors.ErrTerminal, "job is %s", job.Status),
				"Job ID: "+jobID)
		}
		return errors.WithDetail(
			errors.Wrapf(errors.ErrInvalidTransition, "cannot move job from %s to %s", job.Status, to),
			"Job ID: "+jobID)
	}
	return nil
}

// Progress is the tick-owned part of a job row.
type Progress struct {
	Cursor     int
	StageLoops int
	Steps      int
	Frontier   *Attempt
	Resolution *Resolution
}

// ProgressOf captures the current progress fields of job.
func ProgressOf(job *Job) Progress {
	return Progress{
		Cursor:     job.Cursor,
		StageLoops: job.StageLoops,
		Steps:      job.Steps,
		Frontier:   job.Frontier,
		Resolution: job.Resolution,
	}
}

// SaveProgress writes progress fields if workerToken still holds the claim,
// refreshing the heartbeat at the same time. Status is never touched, so a
// concurrent pause or stop is preserved. Fails with ErrClaimLost otherwise.
func (s *Store) SaveProgress(ctx context.Context, jobID, workerToken string, p Progress) error {
	return s.saveProgress(ctx, s.db, jobID, workerToken, p)
}

// UpdateCursor moves a job to cursor and resets the per-stage state:
// stage_loops goes to zero and any frontier or resolution is cleared.
func (s *Store) UpdateCursor(ctx context.Context, jobID, workerToken string, cursor, steps int) error {
	return s.saveProgress(ctx, s.db, jobID, workerToken, Progress{Cursor: cursor, Steps: steps})
}

func (s *Store) saveProgress(ctx context.Context, q queryer, jobID, workerToken string, p Progress) error {
	frontier, err := nullJSON(p.Frontier)
	if err != nil {
		return err
	}
	resolution, err := nullJSON(p.Resolution)
	if err != nil {
		return err
	}
	now := s.now()
	result, err := q.ExecContext(ctx, `
		UPDATE pulse_jobs SET
			cursor = ?, stage_loops = ?, steps = ?, frontier = ?, resolution = ?,
			heartbeat_ms = ?, updated_at = ?
		WHERE id = ? AND claim_owner = ?`,
		p.Cursor, p.StageLoops, p.Steps, frontier, resolution,
		now.UnixMilli(), now,
		jobID, workerToken,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save progress of job %s", jobID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return claimLost(jobID, workerToken)
	}
	return nil
}

// SetApproval raises a decision gate and saves progress, conditional on the
// claim. A job stopped mid-tick is left alone.
func (s *Store) SetApproval(ctx context.Context, jobID, workerToken string, d *Decision, p Progress) error {
	if d == nil {
		return errors.AssertionFailedf("SetApproval requires a decision")
	}
	decision, err := nullJSON(d)
	if err != nil {
		return err
	}
	frontier, err := nullJSON(p.Frontier)
	if err != nil {
		return err
	}
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE pulse_jobs SET
			awaiting_approval = 1, pending_decision = ?, resolution = NULL,
			cursor = ?, stage_loops = ?, steps = ?, frontier = ?,
			heartbeat_ms = ?, updated_at = ?
		WHERE id = ? AND claim_owner = ? AND status IN ('running', 'paused')`,
		decision, p.Cursor, p.StageLoops, p.Steps, frontier,
		now.UnixMilli(), now,
		jobID, workerToken,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set approval on job %s", jobID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return claimLost(jobID, workerToken)
	}
	return nil
}

// ResolveDecision clears the approval flag if decisionID is the pending
// decision, records the resolution, writes the value into the job context
// under decisions.<stage> and sets the job running. One statement.
func (s *Store) ResolveDecision(ctx context.Context, jobID string, res Resolution) error {
	return s.resolveDecision(ctx, jobID, res, true)
}

// AutoResolveDecision is ResolveDecision for a decision answered inside a
// tick. The job keeps its status, so a pause that landed mid-tick holds and
// the resolution waits for resume.
func (s *Store) AutoResolveDecision(ctx context.Context, jobID string, res Resolution) error {
	return s.resolveDecision(ctx, jobID, res, false)
}

func (s *Store) resolveDecision(ctx context.Context, jobID string, res Resolution, resume bool) error {
	resolution, err := nullJSON(&res)
	if err != nil {
		return err
	}
	resumeFlag := 0
	if resume {
		resumeFlag = 1
	}
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE pulse_jobs SET
			awaiting_approval = 0,
			pending_decision = NULL,
			resolution = ?,
			context = json_set(
				CASE WHEN json_valid(context) THEN context ELSE '{}' END,
				'$.decisions.' || json_quote(?), ?),
			status = CASE WHEN ? = 1 THEN 'running' ELSE status END,
			started_at = CASE WHEN ? = 1 THEN COALESCE(started_at, ?) ELSE started_at END,
			updated_at = ?
		WHERE id = ? AND awaiting_approval = 1
		AND json_extract(pending_decision, '$.id') = ?
		AND status IN ('running', 'paused')`,
		resolution, res.Stage, res.Value,
		resumeFlag, resumeFlag, now, now,
		jobID, res.DecisionID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve decision on job %s", jobID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrStaleDecision, "decision %s", res.DecisionID)
	}
	return nil
}

// DeleteJob removes a job and, by cascade, its items.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pulse_jobs WHERE id = ?`, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job not found: %s", jobID)
	}
	return nil
}

// CleanupOldJobs deletes terminal jobs that finished before now-olderThan.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM pulse_jobs
		WHERE status IN ('stopped', 'completed', 'failed')
		AND completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	return result.RowsAffected()
}

// StatusSummary counts unterminated jobs by state.
type StatusSummary struct {
	Queued     int
	Running    int
	Paused     int
	Awaiting   int
	LiveClaims int
}

// StatusCounts summarizes active jobs for health reporting.
func (s *Store) StatusCounts(ctx context.Context) (StatusSummary, error) {
	var sum StatusSummary
	cutoff := s.now().Add(-s.heartbeatTimeout).UnixMilli()
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'paused' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN awaiting_approval = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN claim_owner IS NOT NULL AND heartbeat_ms > ? THEN 1 ELSE 0 END), 0)
		FROM pulse_jobs
		WHERE status IN ('queued', 'running', 'paused')`, cutoff,
	).Scan(&sum.Queued, &sum.Running, &sum.Paused, &sum.Awaiting, &sum.LiveClaims)
	if err != nil {
		return sum, errors.Wrap(err, "failed to count jobs")
	}
	return sum, nil
}
