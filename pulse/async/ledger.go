package async

import (
	"context"
	"database/sql"

	"github.com/teranos/slate/errors"
)

// ListItems returns every item of a job in ordinal order.
func (s *Store) ListItems(ctx context.Context, jobID string) ([]*Item, error) {
	return s.queryItems(ctx, `
		SELECT `+itemSelectColumns+` FROM pulse_items
		WHERE job_id = ? ORDER BY ordinal ASC`, jobID)
}

// ListRecentItems returns the most recently touched items of a job.
func (s *Store) ListRecentItems(ctx context.Context, jobID string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryItems(ctx, `
		SELECT `+itemSelectColumns+` FROM pulse_items
		WHERE job_id = ? AND status != 'pending'
		ORDER BY updated_at DESC, ordinal DESC LIMIT ?`, jobID, limit)
}

func (s *Store) queryItems(ctx context.Context, query string, args ...interface{}) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query items")
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan item")
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(ctx context.Context, itemID string) (*Item, error) {
	return s.getItem(ctx, s.db, itemID)
}

func (s *Store) getItem(ctx context.Context, q queryer, itemID string) (*Item, error) {
	item, err := scanItem(q.QueryRowContext(ctx,
		`SELECT `+itemSelectColumns+` FROM pulse_items WHERE id = ?`, itemID))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("item not found: %s", itemID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get item %s", itemID)
	}
	return item, nil
}

// GetItemByKey retrieves an item by its domain key within a job.
func (s *Store) GetItemByKey(ctx context.Context, jobID, key string) (*Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemSelectColumns+` FROM pulse_items WHERE job_id = ? AND item_key = ?`, jobID, key))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("item %q not found in job %s", key, jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get item %q", key)
	}
	return item, nil
}

// ClaimNextItem atomically takes the lowest-ordinal pending item, marks it
// claimed and increments its attempts. Returns nil when nothing is pending.
func (s *Store) ClaimNextItem(ctx context.Context, jobID string) (*Item, error) {
	var item *Item
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var itemID string
		err := tx.QueryRowContext(ctx, `
			UPDATE pulse_items SET status = 'claimed', attempts = attempts + 1, updated_at = ?
			WHERE id = (
				SELECT id FROM pulse_items
				WHERE job_id = ? AND status = 'pending'
				ORDER BY ordinal ASC LIMIT 1
			) AND status = 'pending'
			RETURNING id`, s.now(), jobID).Scan(&itemID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed to claim next item of job %s", jobID)
		}
		if err := s.refreshCounts(ctx, tx, jobID); err != nil {
			return err
		}
		item, err = s.getItem(ctx, tx, itemID)
		return err
	})
	return item, err
}

// InFlightItem returns an item a previous tick took but never finished
// (claimed or running), or nil. There is at most one per job.
func (s *Store) InFlightItem(ctx context.Context, jobID string) (*Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `
		SELECT `+itemSelectColumns+` FROM pulse_items
		WHERE job_id = ? AND status IN ('claimed', 'running')
		ORDER BY ordinal ASC LIMIT 1`, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find in-flight item of job %s", jobID)
	}
	return item, nil
}

// ReexecuteItem counts another attempt on an in-flight item without changing
// its status.
func (s *Store) ReexecuteItem(ctx context.Context, itemID string) (*Item, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pulse_items SET attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status IN ('claimed', 'running')`, s.now(), itemID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to re-execute item %s", itemID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		item, err := s.GetItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		return nil, invalidItemTransition(item, ItemStatusRunning)
	}
	return s.GetItem(ctx, itemID)
}

// MarkRunning moves a claimed item to running. Idempotent.
func (s *Store) MarkRunning(ctx context.Context, itemID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pulse_items SET status = 'running', updated_at = ?
		WHERE id = ? AND status = 'claimed'`, s.now(), itemID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark item %s running", itemID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		item, err := s.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.Status != ItemStatusRunning {
			return invalidItemTransition(item, ItemStatusRunning)
		}
	}
	return nil
}

// MarkResult records the final outcome of an in-flight item and refreshes
// the job counts. Repeating the same outcome is a no-op; a different outcome
// for an already finished item is ErrInvalidTransition.
func (s *Store) MarkResult(ctx context.Context, itemID string, outcome Outcome) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		item, err := s.markResult(ctx, tx, itemID, outcome)
		if err != nil {
			return err
		}
		return s.refreshCounts(ctx, tx, item.JobID)
	})
}

func (s *Store) markResult(ctx context.Context, q queryer, itemID string, outcome Outcome) (*Item, error) {
	if !outcome.Status.IsTerminal() {
		return nil, errors.NewInvalidRequestError("outcome %s is not final", outcome.Status)
	}
	var outputRef, errorCode, errorDetail sql.NullString
	switch outcome.Status {
	case ItemStatusComplete:
		outputRef = nullString(outcome.OutputRef)
	case ItemStatusFailed:
		code := outcome.ErrorCode
		if code == "" {
			code = ErrorCodeUnknown
		}
		errorCode = nullString(string(code))
		errorDetail = nullString(outcome.ErrorDetail)
	}

	result, err := q.ExecContext(ctx, `
		UPDATE pulse_items SET
			status = ?, output_ref = ?, error_code = ?, error_detail = ?, updated_at = ?
		WHERE id = ? AND status IN ('claimed', 'running')`,
		string(outcome.Status), outputRef, errorCode, errorDetail, s.now(), itemID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mark item %s %s", itemID, outcome.Status)
	}

	item, err := s.getItem(ctx, q, itemID)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 && item.Status != outcome.Status {
		return nil, invalidItemTransition(item, outcome.Status)
	}
	return item, nil
}

// RecordAttemptError notes the error of a failed attempt on an item that
// will be retried.
func (s *Store) RecordAttemptError(ctx context.Context, itemID, message string) error {
	return s.recordAttemptError(ctx, s.db, itemID, message)
}

func (s *Store) recordAttemptError(ctx context.Context, q queryer, itemID, message string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE pulse_items SET last_error = ?, updated_at = ?
		WHERE id = ? AND status IN ('claimed', 'running')`, message, s.now(), itemID)
	if err != nil {
		return errors.Wrapf(err, "failed to record attempt error on item %s", itemID)
	}
	return nil
}

// RetryFailedItem returns a failed item to pending with a fresh attempt budget.
func (s *Store) RetryFailedItem(ctx context.Context, jobID, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE pulse_items SET
				status = 'pending', attempts = 0, error_code = NULL, error_detail = NULL, updated_at = ?
			WHERE job_id = ? AND item_key = ? AND status = 'failed'`, s.now(), jobID, key)
		if err != nil {
			return errors.Wrapf(err, "failed to retry item %q", key)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			var status ItemStatus
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM pulse_items WHERE job_id = ? AND item_key = ?`, jobID, key).Scan(&status)
			if err == sql.ErrNoRows {
				return errors.NewNotFoundError("item %q not found in job %s", key, jobID)
			}
			if err != nil {
				return errors.Wrapf(err, "failed to read item %q", key)
			}
			return errors.Wrapf(errors.ErrInvalidTransition, "item %q is %s, only failed items can be retried", key, status)
		}
		return s.refreshCounts(ctx, tx, jobID)
	})
}

// RequeueFailedItems returns every failed item of a job to pending.
func (s *Store) RequeueFailedItems(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE pulse_items SET
				status = 'pending', attempts = 0, error_code = NULL, error_detail = NULL, updated_at = ?
			WHERE job_id = ? AND status = 'failed'`, s.now(), jobID)
		if err != nil {
			return errors.Wrapf(err, "failed to requeue items of job %s", jobID)
		}
		n, _ = result.RowsAffected()
		return s.refreshCounts(ctx, tx, jobID)
	})
	return n, err
}

// ItemCounts aggregates the ledger of a job.
func (s *Store) ItemCounts(ctx context.Context, jobID string) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, countsQuery+` WHERE job_id = ?`, jobID).Scan(
		&c.Total, &c.Completed, &c.Failed, &c.Skipped, &c.Pending, &c.InFlight)
	if err != nil {
		return c, errors.Wrapf(err, "failed to count items of job %s", jobID)
	}
	return c, nil
}

const countsQuery = `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'complete' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status IN ('claimed', 'running') THEN 1 ELSE 0 END), 0)
	FROM pulse_items`

// refreshCounts copies the ledger aggregate onto the job row.
func (s *Store) refreshCounts(ctx context.Context, q queryer, jobID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE pulse_jobs SET
			(total_count, completed_count, failed_count, skipped_count, pending_count, in_flight_count) =
			(`+countsQuery+` WHERE job_id = pulse_jobs.id)
		WHERE id = ?`, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to refresh counts of job %s", jobID)
	}
	return nil
}

func invalidItemTransition(item *Item, to ItemStatus) error {
	return errors.WithDetail(
		errors.Wrapf(errors.ErrInvalidTransition, "item %q cannot move from %s to %s", item.Key, item.Status, to),
		"Job ID: "+item.JobID)
}

// ItemCommit is the durable result of one tick on one item.
type ItemCommit struct {
	ItemID string
	// Outcome is the final result; nil when the item will be retried.
	Outcome *Outcome
	// AttemptError is recorded on the item when Outcome is nil.
	AttemptError string
	Progress     Progress
}

// CommitItem writes a tick's item result and job progress atomically,
// provided workerToken still holds the claim. A stolen claim leaves the item
// untouched for the new owner and returns ErrClaimLost.
func (s *Store) CommitItem(ctx context.Context, jobID, workerToken string, c ItemCommit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.saveProgress(ctx, tx, jobID, workerToken, c.Progress); err != nil {
			return err
		}
		if c.Outcome != nil {
			if _, err := s.markResult(ctx, tx, c.ItemID, *c.Outcome); err != nil {
				return err
			}
		} else if c.AttemptError != "" {
			if err := s.recordAttemptError(ctx, tx, c.ItemID, c.AttemptError); err != nil {
				return err
			}
		}
		return s.refreshCounts(ctx, tx, jobID)
	})
}
