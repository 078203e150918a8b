// Package async is the resumable step-job engine.
//
// A Job is one orchestration run (a ladder of document stages, or a batch of
// items). Its state lives in SQLite and advances only through Tick, one
// bounded unit of work at a time, under an exclusive heartbeat claim. Any
// number of drivers may call Tick; the claim guarantees at most one of them
// makes progress on a job at once, and a crashed driver's claim expires.
package async

import (
	"encoding/json"
	"time"

	"github.com/teranos/vanity-id"

	"github.com/teranos/slate/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusStopped   JobStatus = "stopped"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ActiveStatuses are the unterminated states. At most one job per owner and
// type may be in one of them.
var ActiveStatuses = []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusPaused}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusPaused,
		JobStatusStopped, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusStopped || s == JobStatusCompleted || s == JobStatusFailed
}

// Mode is the quality tier chosen at creation. Immutable afterwards.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModePremium  Mode = "premium"
)

// ParseMode validates a mode string. Empty means balanced.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeBalanced, nil
	case ModeFast, ModeBalanced, ModePremium:
		return Mode(s), nil
	default:
		return "", errors.NewInvalidRequestError("unknown mode %q (fast, balanced, premium)", s)
	}
}

// Counts summarizes the item ledger of a job.
// Completed + Failed + Skipped never exceeds Total.
type Counts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
}

// Done is the number of items in a terminal item state.
func (c Counts) Done() int {
	return c.Completed + c.Failed + c.Skipped
}

// Percentage calculates progress as a percentage (0-100)
func (c Counts) Percentage() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Done()) / float64(c.Total) * 100
}

// Job is one persisted orchestration run.
type Job struct {
	ID         string    `json:"id"`
	OwnerScope string    `json:"owner_scope"`
	JobType    string    `json:"job_type"`
	Mode       Mode      `json:"mode"`
	Status     JobStatus `json:"status"`

	// Cursor is the stage index for ladder jobs, the ordinal of the last
	// touched item for batch jobs.
	Cursor     int    `json:"cursor"`
	StageLoops int    `json:"stage_loops"`
	Steps      int    `json:"steps"`
	Counts     Counts `json:"counts"`

	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	ClaimOwner  string     `json:"claim_owner,omitempty"`

	AwaitingApproval bool        `json:"awaiting_approval"`
	PendingDecision  *Decision   `json:"pending_decision,omitempty"`
	Resolution       *Resolution `json:"resolution,omitempty"`
	Frontier         *Attempt    `json:"frontier,omitempty"`

	Config  json.RawMessage `json:"config,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`

	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobConfig is the per-job configuration stored in Job.Config.
type JobConfig struct {
	// Items are the domain keys of the work units for batch job types.
	Items []string `json:"items,omitempty"`
	// AutoAcceptDefaults resolves every decision gate with its default.
	AutoAcceptDefaults bool `json:"auto_accept_defaults,omitempty"`
	// ConvergenceTarget overrides the job type's score threshold.
	ConvergenceTarget float64 `json:"convergence_target,omitempty"`
	// Inputs are opaque to the engine and passed to work units.
	Inputs map[string]interface{} `json:"inputs,omitempty"`
}

// ParseJobConfig decodes raw config. Empty input yields the zero config.
func ParseJobConfig(raw json.RawMessage) (JobConfig, error) {
	var cfg JobConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(errors.ErrInvalidRequest, "config is not valid JSON: "+err.Error())
	}
	return cfg, nil
}

// NewJob builds a queued job with a fresh job ASID.
func NewJob(ownerScope, jobType string, mode Mode, config json.RawMessage) (*Job, error) {
	if ownerScope == "" {
		return nil, errors.NewInvalidRequestError("owner_scope cannot be empty")
	}
	if jobType == "" {
		return nil, errors.NewInvalidRequestError("job_type cannot be empty")
	}

	jobID, err := id.GenerateJobASID(jobType, ownerScope, "slate")
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate job ASID")
	}

	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}

	now := time.Now().UTC()
	return &Job{
		ID:         jobID,
		OwnerScope: ownerScope,
		JobType:    jobType,
		Mode:       mode,
		Status:     JobStatusQueued,
		Config:     config,
		Context:    json.RawMessage(`{}`),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Decisions returns the values recorded by the approval gate, keyed by stage.
func (j *Job) Decisions() map[string]string {
	var wc struct {
		Decisions map[string]string `json:"decisions"`
	}
	if len(j.Context) > 0 {
		_ = json.Unmarshal(j.Context, &wc)
	}
	if wc.Decisions == nil {
		return map[string]string{}
	}
	return wc.Decisions
}
