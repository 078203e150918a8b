package async

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
)

// Decision kinds.
const (
	// DecisionStageExhausted is raised when a stage used all its loops
	// without reaching the convergence target.
	DecisionStageExhausted = "stage-exhausted"
	// DecisionStageChoice is raised when a stage asks a human to choose.
	DecisionStageChoice = "stage-choice"
)

// Decision values with engine meaning. Any other value accepts the stage.
const (
	ValueAcceptBest = "accept-best"
	ValueRetryStage = "retry-stage"
	ValueStop       = "stop"
)

// Decision is a pending question for a human. Non-nil exactly when the job
// is awaiting approval.
type Decision struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Stage    string   `json:"stage"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Default  string   `json:"default,omitempty"`
	Best     *Attempt `json:"best,omitempty"`
}

// Allows reports whether value is an acceptable answer.
func (d *Decision) Allows(value string) bool {
	if value == "" {
		return false
	}
	if len(d.Options) == 0 {
		return true
	}
	for _, o := range d.Options {
		if o == value {
			return true
		}
	}
	return false
}

// Resolution is an answered decision waiting for the next tick to act on it.
type Resolution struct {
	DecisionID string    `json:"decision_id"`
	Kind       string    `json:"kind"`
	Stage      string    `json:"stage"`
	Value      string    `json:"value"`
	Auto       bool      `json:"auto,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

func newDecision(kind, stage, question string, options []string, def string, best *Attempt) *Decision {
	return &Decision{
		ID:       uuid.NewString(),
		Kind:     kind,
		Stage:    stage,
		Question: question,
		Options:  options,
		Default:  def,
		Best:     best,
	}
}

// autoResolve synthesizes the default answer for auto-accept jobs.
func autoResolve(d *Decision, now time.Time) *Resolution {
	value := d.Default
	if value == "" && len(d.Options) > 0 {
		value = d.Options[0]
	}
	return &Resolution{
		DecisionID: d.ID,
		Kind:       d.Kind,
		Stage:      d.Stage,
		Value:      value,
		Auto:       true,
		ResolvedAt: now,
	}
}

// ApplyDecision answers the job's pending decision. decisionID must match the
// pending decision, otherwise ErrStaleDecision is returned and nothing
// changes. The value is written into the job context, the approval flag is
// cleared and the job returns to running in one statement.
func (e *Engine) ApplyDecision(ctx context.Context, jobID, decisionID, value string) (*Snapshot, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, errors.WithDetail(errors.Wrapf(errors.ErrTerminal, "apply decision to %s job", job.Status), "Job ID: "+jobID)
	}
	if !job.AwaitingApproval || job.PendingDecision == nil || job.PendingDecision.ID != decisionID {
		return nil, staleDecision(jobID, decisionID)
	}
	if !job.PendingDecision.Allows(value) {
		return nil, errors.NewInvalidRequestError("value %q is not one of %v", value, job.PendingDecision.Options)
	}

	res := Resolution{
		DecisionID: decisionID,
		Kind:       job.PendingDecision.Kind,
		Stage:      job.PendingDecision.Stage,
		Value:      value,
		ResolvedAt: e.store.now(),
	}
	if err := e.store.ResolveDecision(ctx, jobID, res); err != nil {
		if errors.Is(err, errors.ErrStaleDecision) {
			return nil, staleDecision(jobID, decisionID)
		}
		return nil, err
	}

	logger.AddGateSymbol(e.logger).Infow("Decision applied",
		logger.FieldJobID, jobID,
		logger.FieldDecision, decisionID,
		logger.FieldStage, res.Stage,
		"value", value)

	snap, err := e.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, EventDecisionApplied, snap.Job, "")
	return snap, nil
}

func staleDecision(jobID, decisionID string) error {
	err := errors.Wrapf(errors.ErrStaleDecision, "decision %s is not pending", decisionID)
	err = errors.WithHint(err, "reload the job and answer the current decision")
	return errors.WithDetail(err, "Job ID: "+jobID)
}
