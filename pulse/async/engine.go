package async

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
)

// Hint tells a driver what to do after a tick.
type Hint string

const (
	// HintContinue: tick again after the normal interval.
	HintContinue Hint = "continue"
	// HintWait: someone else holds the claim or the job is not started; back off.
	HintWait Hint = "wait"
	// HintAwaitingApproval: stop driving until a decision is applied.
	HintAwaitingApproval Hint = "awaiting-approval"
	// HintTerminal: the job is finished.
	HintTerminal Hint = "terminal"
	// HintPaused: stop driving until resumed.
	HintPaused Hint = "paused"
)

// HintFor derives the driver hint from a job's persisted state.
func HintFor(job *Job) Hint {
	switch {
	case job.Status.IsTerminal():
		return HintTerminal
	case job.Status == JobStatusPaused:
		return HintPaused
	case job.Status == JobStatusQueued:
		return HintWait
	case job.AwaitingApproval:
		return HintAwaitingApproval
	default:
		return HintContinue
	}
}

// Snapshot is the job view every operation returns.
type Snapshot struct {
	Job         *Job    `json:"job"`
	Counts      Counts  `json:"counts"`
	RecentItems []*Item `json:"recent_items,omitempty"`
}

// TickResult is the outcome of one tick.
type TickResult struct {
	Job    *Job   `json:"job"`
	Counts Counts `json:"counts"`
	Hint   Hint   `json:"hint"`
	// Item is the unit this tick worked on, if any.
	Item *Item `json:"item,omitempty"`
}

// StartRequest creates a job.
type StartRequest struct {
	OwnerScope string          `json:"owner_scope"`
	JobType    string          `json:"job_type"`
	Mode       string          `json:"mode,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// ResetRequest replaces a job. Empty fields inherit from the old job.
type ResetRequest struct {
	Mode   string          `json:"mode,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Engine runs the job lifecycle on top of a Store and a Registry of job types.
type Engine struct {
	store       *Store
	registry    *Registry
	events      *Broadcaster
	logger      *zap.SugaredLogger
	tracer      trace.Tracer
	recentItems int
}

// NewEngine creates an engine. Events go to a fresh Broadcaster.
func NewEngine(store *Store, registry *Registry, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		store:       store,
		registry:    registry,
		events:      NewBroadcaster(log),
		logger:      log,
		tracer:      otel.Tracer("github.com/teranos/slate/pulse/async"),
		recentItems: 10,
	}
}

// Store returns the underlying store
func (e *Engine) Store() *Store { return e.store }

// Registry returns the job type registry
func (e *Engine) Registry() *Registry { return e.registry }

// Events returns the broadcaster job events are emitted on
func (e *Engine) Events() *Broadcaster { return e.events }

func (e *Engine) emit(ctx context.Context, typ EventType, job *Job, hint Hint) {
	if job == nil {
		return
	}
	e.events.Emit(ctx, Event{Type: typ, JobID: job.ID, Hint: hint, Job: job, At: e.store.now()})
}

func (e *Engine) jobLog(jobID string) *zap.SugaredLogger {
	return logger.AddPulseSymbol(e.logger).With(logger.FieldJobID, jobID)
}

// Start creates a job and moves it from queued to running.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Snapshot, error) {
	jt, ok := e.registry.Get(req.JobType)
	if !ok {
		return nil, errors.NewInvalidRequestError("unknown job type %q (known: %v)", req.JobType, e.registry.Names())
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseJobConfig(req.Config)
	if err != nil {
		return nil, err
	}
	keys, err := jt.PlanItems(cfg)
	if err != nil {
		return nil, err
	}

	job, err := NewJob(req.OwnerScope, req.JobType, mode, req.Config)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateJob(ctx, job, keys); err != nil {
		return nil, err
	}
	if err := e.store.UpdateStatus(ctx, job.ID, JobStatusRunning, "", JobStatusQueued); err != nil {
		return nil, err
	}

	logger.AddPulseOpenSymbol(e.logger).Infow("Job started",
		logger.FieldJobID, job.ID,
		logger.FieldOwner, job.OwnerScope,
		logger.FieldJobType, job.JobType,
		"mode", mode,
		logger.FieldCount, len(keys))

	snap, err := e.Status(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, EventStarted, snap.Job, HintContinue)
	return snap, nil
}

// Status returns a job with its counts and most recently touched items.
func (e *Engine) Status(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	items, err := e.store.ListRecentItems(ctx, jobID, e.recentItems)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Job: job, Counts: job.Counts, RecentItems: items}, nil
}

// ActiveJob returns the unterminated job for owner and type, or nil.
func (e *Engine) ActiveJob(ctx context.Context, ownerScope, jobType string) (*Snapshot, error) {
	job, err := e.store.FindActiveJob(ctx, ownerScope, jobType)
	if err != nil || job == nil {
		return nil, err
	}
	return e.Status(ctx, job.ID)
}

// List returns recent jobs, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	return e.store.ListJobs(ctx, status, limit)
}

// Pause stops ticks from doing work until Resume. Pausing a paused job is a no-op.
func (e *Engine) Pause(ctx context.Context, jobID string) (*Snapshot, error) {
	return e.transition(ctx, jobID, JobStatusPaused, EventPaused, JobStatusRunning, JobStatusQueued)
}

// Resume returns a paused job to running. Resuming a running job is a no-op.
func (e *Engine) Resume(ctx context.Context, jobID string) (*Snapshot, error) {
	return e.transition(ctx, jobID, JobStatusRunning, EventResumed, JobStatusPaused, JobStatusQueued)
}

// Stop terminates a job. A tick already in flight still persists its unit.
func (e *Engine) Stop(ctx context.Context, jobID string) (*Snapshot, error) {
	return e.transition(ctx, jobID, JobStatusStopped, EventStopped, ActiveStatuses...)
}

func (e *Engine) transition(ctx context.Context, jobID string, to JobStatus, ev EventType, from ...JobStatus) (*Snapshot, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == to {
		return e.Status(ctx, jobID)
	}
	if err := e.store.UpdateStatus(ctx, jobID, to, "", from...); err != nil {
		return nil, err
	}

	e.jobLog(jobID).Infow("Job "+string(to), "from", job.Status)

	snap, err := e.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, ev, snap.Job, HintFor(snap.Job))
	return snap, nil
}

// Reset stops a job (if still active) and starts a fresh one for the same
// owner and type with a newly planned ledger.
func (e *Engine) Reset(ctx context.Context, jobID string, req ResetRequest) (*Snapshot, error) {
	old, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	jt, ok := e.registry.Get(old.JobType)
	if !ok {
		return nil, errors.NewInvalidRequestError("unknown job type %q", old.JobType)
	}

	mode := old.Mode
	if req.Mode != "" {
		if mode, err = ParseMode(req.Mode); err != nil {
			return nil, err
		}
	}
	config := old.Config
	if len(req.Config) > 0 {
		config = req.Config
	}
	cfg, err := ParseJobConfig(config)
	if err != nil {
		return nil, err
	}
	keys, err := jt.PlanItems(cfg)
	if err != nil {
		return nil, err
	}

	job, err := NewJob(old.OwnerScope, old.JobType, mode, config)
	if err != nil {
		return nil, err
	}
	if err := e.store.ResetJob(ctx, old.ID, job, keys); err != nil {
		return nil, err
	}
	if err := e.store.UpdateStatus(ctx, job.ID, JobStatusRunning, "", JobStatusQueued); err != nil {
		return nil, err
	}

	e.jobLog(job.ID).Infow("Job reset", "previous_job_id", old.ID, "mode", mode)

	snap, err := e.Status(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, EventReset, snap.Job, HintContinue)
	return snap, nil
}

// Recover releases an expired claim and, for an unterminated job, returns
// failed items to pending. A live claim is never released.
func (e *Engine) Recover(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	released, err := e.store.ForceRelease(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var requeued int64
	if !job.Status.IsTerminal() {
		if requeued, err = e.store.RequeueFailedItems(ctx, jobID); err != nil {
			return nil, err
		}
	}

	e.jobLog(jobID).Infow("Job recovered", "claim_released", released, "items_requeued", requeued)

	snap, err := e.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, EventRecovered, snap.Job, HintFor(snap.Job))
	return snap, nil
}

// RetryItem returns one failed item of an unterminated job to pending.
func (e *Engine) RetryItem(ctx context.Context, jobID, key string) (*Snapshot, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, errors.WithDetail(errors.Wrapf(errors.ErrTerminal, "retry item of %s job", job.Status), "Job ID: "+jobID)
	}
	if err := e.store.RetryFailedItem(ctx, jobID, key); err != nil {
		return nil, err
	}

	e.jobLog(jobID).Infow("Item requeued", logger.FieldItemKey, key)

	snap, err := e.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, EventItemRetried, snap.Job, HintFor(snap.Job))
	return snap, nil
}

// CleanupOldJobs deletes terminal jobs older than retention.
func (e *Engine) CleanupOldJobs(ctx context.Context, retention time.Duration) (int64, error) {
	return e.store.CleanupOldJobs(ctx, retention)
}
