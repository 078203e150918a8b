package async

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/slate/errors"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// jobScanArgs holds the nullable columns scanned alongside a Job.
type jobScanArgs struct {
	HeartbeatMS     sql.NullInt64
	ClaimOwner      sql.NullString
	PendingDecision sql.NullString
	Resolution      sql.NullString
	Frontier        sql.NullString
	Context         sql.NullString
	Config          sql.NullString
	ErrorMsg        sql.NullString
	StartedAt       sql.NullTime
	CompletedAt     sql.NullTime
}

// jobSelectColumns is the column list matching jobScanTargets.
const jobSelectColumns = `id, owner_scope, job_type, mode, status,
		cursor, stage_loops, steps,
		total_count, completed_count, failed_count, skipped_count, pending_count, in_flight_count,
		heartbeat_ms, claim_owner,
		awaiting_approval, pending_decision, resolution, frontier,
		context, config, error,
		created_at, started_at, completed_at, updated_at`

func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.OwnerScope,
		&job.JobType,
		&job.Mode,
		&job.Status,
		&job.Cursor,
		&job.StageLoops,
		&job.Steps,
		&job.Counts.Total,
		&job.Counts.Completed,
		&job.Counts.Failed,
		&job.Counts.Skipped,
		&job.Counts.Pending,
		&job.Counts.InFlight,
		&args.HeartbeatMS,
		&args.ClaimOwner,
		&job.AwaitingApproval,
		&args.PendingDecision,
		&args.Resolution,
		&args.Frontier,
		&args.Context,
		&args.Config,
		&args.ErrorMsg,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

func processJobScanArgs(job *Job, args *jobScanArgs) error {
	if args.HeartbeatMS.Valid {
		hb := time.UnixMilli(args.HeartbeatMS.Int64).UTC()
		job.HeartbeatAt = &hb
	}
	job.ClaimOwner = args.ClaimOwner.String
	job.Error = args.ErrorMsg.String
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		job.CompletedAt = &args.CompletedAt.Time
	}
	if args.Context.Valid {
		job.Context = json.RawMessage(args.Context.String)
	}
	if args.Config.Valid {
		job.Config = json.RawMessage(args.Config.String)
	}

	if args.PendingDecision.Valid {
		var d Decision
		if err := json.Unmarshal([]byte(args.PendingDecision.String), &d); err != nil {
			return errors.Wrapf(err, "failed to unmarshal pending decision for job %s", job.ID)
		}
		job.PendingDecision = &d
	}
	if args.Resolution.Valid {
		var r Resolution
		if err := json.Unmarshal([]byte(args.Resolution.String), &r); err != nil {
			return errors.Wrapf(err, "failed to unmarshal resolution for job %s", job.ID)
		}
		job.Resolution = &r
	}
	if args.Frontier.Valid {
		var a Attempt
		if err := json.Unmarshal([]byte(args.Frontier.String), &a); err != nil {
			return errors.Wrapf(err, "failed to unmarshal frontier for job %s", job.ID)
		}
		job.Frontier = &a
	}
	return nil
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	args := &jobScanArgs{}
	if err := row.Scan(jobScanTargets(job, args)...); err != nil {
		return nil, err
	}
	if err := processJobScanArgs(job, args); err != nil {
		return nil, err
	}
	return job, nil
}

const itemSelectColumns = `id, job_id, ordinal, item_key, status, attempts,
		output_ref, error_code, error_detail, last_error, created_at, updated_at`

func scanItem(row rowScanner) (*Item, error) {
	item := &Item{}
	var outputRef, errorCode, errorDetail, lastError sql.NullString
	err := row.Scan(
		&item.ID,
		&item.JobID,
		&item.Ordinal,
		&item.Key,
		&item.Status,
		&item.Attempts,
		&outputRef,
		&errorCode,
		&errorDetail,
		&lastError,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.OutputRef = outputRef.String
	item.ErrorCode = errorCode.String
	item.ErrorDetail = errorDetail.String
	item.LastError = lastError.String
	return item, nil
}

// nullJSON marshals v for a nullable JSON column. Nil pointers become NULL.
func nullJSON(v interface{}) (sql.NullString, error) {
	switch t := v.(type) {
	case *Decision:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *Resolution:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *Attempt:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to marshal column")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
