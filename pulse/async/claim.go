package async

import (
	"context"

	"github.com/teranos/slate/errors"
)

// AcquireClaim takes or renews the exclusive lease on a job for workerToken.
// It succeeds when the job is unclaimed, already held by workerToken, or
// held by someone whose heartbeat is older than the heartbeat timeout (the
// claim is stolen). Otherwise it returns ErrBusy. One conditional UPDATE.
func (s *Store) AcquireClaim(ctx context.Context, jobID, workerToken string) error {
	if workerToken == "" {
		return errors.NewInvalidRequestError("worker token cannot be empty")
	}
	now := s.now()
	cutoff := now.Add(-s.heartbeatTimeout).UnixMilli()

	result, err := s.db.ExecContext(ctx, `
		UPDATE pulse_jobs SET claim_owner = ?, heartbeat_ms = ?
		WHERE id = ? AND (
			claim_owner IS NULL
			OR claim_owner = ?
			OR heartbeat_ms IS NULL
			OR heartbeat_ms <= ?
		)`,
		workerToken, now.UnixMilli(), jobID, workerToken, cutoff,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to acquire claim on job %s", jobID)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return nil
	}

	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return errors.WithDetail(errors.Wrapf(errors.ErrBusy, "job %s", jobID), "Job ID: "+jobID)
}

// RefreshHeartbeat extends the claim. Fails with ErrClaimLost if workerToken
// no longer holds it.
func (s *Store) RefreshHeartbeat(ctx context.Context, jobID, workerToken string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pulse_jobs SET heartbeat_ms = ?
		WHERE id = ? AND claim_owner = ?`,
		s.now().UnixMilli(), jobID, workerToken,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to refresh heartbeat of job %s", jobID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return claimLost(jobID, workerToken)
	}
	return nil
}

// ReleaseClaim drops the claim if workerToken holds it. Best effort: a claim
// already taken by someone else is not an error.
func (s *Store) ReleaseClaim(ctx context.Context, jobID, workerToken string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pulse_jobs SET claim_owner = NULL, heartbeat_ms = NULL
		WHERE id = ? AND claim_owner = ?`,
		jobID, workerToken,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to release claim on job %s", jobID)
	}
	return nil
}

// ForceRelease drops an expired claim regardless of owner. A live claim is
// never released. Reports whether a claim was dropped.
func (s *Store) ForceRelease(ctx context.Context, jobID string) (bool, error) {
	cutoff := s.now().Add(-s.heartbeatTimeout).UnixMilli()
	result, err := s.db.ExecContext(ctx, `
		UPDATE pulse_jobs SET claim_owner = NULL, heartbeat_ms = NULL
		WHERE id = ? AND claim_owner IS NOT NULL
		AND (heartbeat_ms IS NULL OR heartbeat_ms <= ?)`,
		jobID, cutoff,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to force release job %s", jobID)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func claimLost(jobID, workerToken string) error {
	err := errors.Wrapf(errors.ErrClaimLost, "worker %s no longer holds job %s", workerToken, jobID)
	err = errors.WithHint(err, "another worker took over; wait and re-sync")
	return errors.WithDetail(err, "Job ID: "+jobID)
}
