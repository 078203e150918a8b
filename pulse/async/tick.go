package async

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
)

// Tick advances a job by at most one unit of work under workerToken's claim.
//
// A tick that cannot take the claim returns HintWait without touching the
// job. A job that is not running, or is awaiting approval, is returned
// unchanged with the matching hint. Work-unit errors and panics never
// escape: they become item state. The only errors returned are store
// failures, unknown jobs, and ErrClaimLost when the claim was taken over
// mid-tick (the caller should re-sync, not fail).
func (e *Engine) Tick(ctx context.Context, jobID, workerToken string) (*TickResult, error) {
	ctx, span := e.tracer.Start(ctx, "pulse.tick", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("worker", workerToken),
	))
	defer span.End()

	log := e.jobLog(jobID).With(logger.FieldWorker, workerToken)
	started := time.Now()

	if err := e.store.AcquireClaim(ctx, jobID, workerToken); err != nil {
		if !errors.Is(err, errors.ErrBusy) {
			span.RecordError(err)
			return nil, err
		}
		job, gerr := e.store.GetJob(ctx, jobID)
		if gerr != nil {
			return nil, gerr
		}
		hint := HintFor(job)
		if hint == HintContinue {
			hint = HintWait
		}
		log.Debugw("Tick skipped, claim held elsewhere", "owner", job.ClaimOwner, logger.FieldHint, hint)
		span.SetAttributes(attribute.String("hint", string(hint)))
		return e.result(job, nil, hint), nil
	}

	before, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if hint := HintFor(before); hint != HintContinue {
		e.release(ctx, before, workerToken, log)
		span.SetAttributes(attribute.String("hint", string(hint)))
		return e.result(before, nil, hint), nil
	}

	item, err := e.step(ctx, before, workerToken, log)
	if err != nil {
		after, gerr := e.store.GetJob(ctx, jobID)
		if errors.Is(err, errors.ErrClaimLost) && gerr == nil && after.Status.IsTerminal() {
			// Stopped while the unit ran; nothing left to persist.
			return e.result(after, item, HintTerminal), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warnw("Tick failed", logger.FieldError, err)
		return nil, err
	}

	after, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	hint := HintFor(after)
	if hint != HintContinue {
		e.release(ctx, after, workerToken, log)
	}

	fields := []interface{}{
		logger.FieldHint, hint,
		logger.FieldStatus, after.Status,
		"cursor", after.Cursor,
		"done", after.Counts.Done(),
		"total", after.Counts.Total,
		logger.FieldDurationMS, time.Since(started).Milliseconds(),
	}
	if item != nil {
		fields = append(fields, logger.FieldItemKey, item.Key, logger.FieldAttempt, item.Attempts)
	}
	log.Debugw("Tick", fields...)
	span.SetAttributes(attribute.String("hint", string(hint)))

	e.emitTransitions(ctx, before, after, hint)
	return e.result(after, item, hint), nil
}

func (e *Engine) result(job *Job, item *Item, hint Hint) *TickResult {
	return &TickResult{Job: job, Counts: job.Counts, Hint: hint, Item: item}
}

// release drops the claim and clears it on the returned snapshot.
func (e *Engine) release(ctx context.Context, job *Job, workerToken string, log *zap.SugaredLogger) {
	if err := e.store.ReleaseClaim(context.WithoutCancel(ctx), job.ID, workerToken); err != nil {
		log.Warnw("Failed to release claim", logger.FieldError, err)
		return
	}
	if job.ClaimOwner == workerToken {
		job.ClaimOwner = ""
		job.HeartbeatAt = nil
	}
}

func (e *Engine) emitTransitions(ctx context.Context, before, after *Job, hint Hint) {
	e.emit(ctx, EventTick, after, hint)
	switch {
	case before.Status != after.Status && after.Status == JobStatusCompleted:
		e.jobLog(after.ID).Infow("Job completed", "steps", after.Steps)
		e.emit(ctx, EventCompleted, after, hint)
	case before.Status != after.Status && after.Status == JobStatusFailed:
		e.jobLog(after.ID).Warnw("Job failed", logger.FieldError, after.Error)
		e.emit(ctx, EventFailed, after, hint)
	case before.Status != after.Status && after.Status == JobStatusStopped:
		e.emit(ctx, EventStopped, after, hint)
	case !before.AwaitingApproval && after.AwaitingApproval:
		logger.AddGateSymbol(e.logger).Infow("Awaiting approval",
			logger.FieldJobID, after.ID,
			logger.FieldStage, after.PendingDecision.Stage,
			logger.FieldDecision, after.PendingDecision.ID)
		e.emit(ctx, EventAwaitingApproval, after, hint)
	}
}

// step performs the single unit of work of a tick. The caller holds the claim.
func (e *Engine) step(ctx context.Context, job *Job, workerToken string, log *zap.SugaredLogger) (*Item, error) {
	jt, ok := e.registry.Get(job.JobType)
	if !ok {
		return nil, e.failJob(ctx, job.ID, fmt.Sprintf("unknown job type %q", job.JobType))
	}
	if job.Steps >= jt.Limits.StepBudget(jt.Kind, job.Counts.Total) {
		return nil, e.failJob(ctx, job.ID, fmt.Sprintf("step budget exhausted after %d steps", job.Steps))
	}

	if jt.Kind == KindLadder {
		return e.stepLadder(ctx, &jt, job, workerToken, log)
	}
	return e.stepBatch(ctx, &jt, job, workerToken, log)
}

// nextItem resumes the item a crashed tick left in flight, else claims the
// next pending one. The resumed item is the only one that can run twice.
func (e *Engine) nextItem(ctx context.Context, jobID string, log *zap.SugaredLogger) (*Item, error) {
	item, err := e.store.InFlightItem(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if item != nil {
		log.Debugw("Re-executing in-flight item", logger.FieldItemKey, item.Key, logger.FieldAttempt, item.Attempts+1)
		item, err = e.store.ReexecuteItem(ctx, item.ID)
	} else {
		item, err = e.store.ClaimNextItem(ctx, jobID)
	}
	if err != nil || item == nil {
		return nil, err
	}
	if err := e.store.MarkRunning(ctx, item.ID); err != nil {
		return nil, err
	}
	item.Status = ItemStatusRunning
	return item, nil
}

func (e *Engine) stepBatch(ctx context.Context, jt *JobType, job *Job, workerToken string, log *zap.SugaredLogger) (*Item, error) {
	item, err := e.nextItem(ctx, job.ID, log)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, e.finishBatch(ctx, job)
	}

	var res ItemResult
	workErr := e.withHeartbeat(ctx, job.ID, workerToken, log, func(wctx context.Context) error {
		var err error
		res, err = runItem(wctx, jt.RunItem, job, item)
		return err
	})
	if errors.Is(workErr, errors.ErrClaimLost) {
		return item, workErr
	}

	// Persist even if the caller went away mid-unit.
	ctx = context.WithoutCancel(ctx)

	p := ProgressOf(job)
	p.Cursor = item.Ordinal
	p.Steps++
	commit := ItemCommit{ItemID: item.ID, Progress: p}
	var fatal *ErrorContext

	switch {
	case workErr == nil && res.Skipped:
		o := Skipped()
		commit.Outcome = &o
	case workErr == nil:
		o := Completed(res.OutputRef)
		commit.Outcome = &o
	default:
		ec := ClassifyError(workErr)
		switch {
		case ec.Fatal:
			o := FailedWith(ec)
			commit.Outcome = &o
			fatal = &ec
		case !ec.Retryable || item.Attempts >= jt.Limits.MaxAttempts:
			o := FailedWith(ec)
			commit.Outcome = &o
			log.Warnw("Item failed", logger.FieldItemKey, item.Key, logger.FieldAttempt, item.Attempts, logger.FieldErrorCode, ec.Code, logger.FieldError, ec.Message)
		default:
			commit.AttemptError = ec.Message
			log.Infow("Item attempt failed, will retry", logger.FieldItemKey, item.Key, logger.FieldAttempt, item.Attempts, logger.FieldErrorCode, ec.Code)
		}
	}

	if err := e.store.CommitItem(ctx, job.ID, workerToken, commit); err != nil {
		return item, err
	}
	if fatal != nil {
		if err := e.failJob(ctx, job.ID, fmt.Sprintf("item %s: %s", item.Key, fatal.Message)); err != nil {
			return item, err
		}
	}
	return e.store.GetItem(ctx, item.ID)
}

// finishBatch runs when nothing is pending or in flight.
func (e *Engine) finishBatch(ctx context.Context, job *Job) error {
	counts, err := e.store.ItemCounts(ctx, job.ID)
	if err != nil {
		return err
	}
	if counts.Pending+counts.InFlight > 0 {
		return nil
	}
	if counts.Failed > 0 {
		return e.failJob(ctx, job.ID, fmt.Sprintf("%d of %d items failed", counts.Failed, counts.Total))
	}
	return e.completeJob(ctx, job.ID)
}

func (e *Engine) stepLadder(ctx context.Context, jt *JobType, job *Job, workerToken string, log *zap.SugaredLogger) (*Item, error) {
	if job.Cursor >= len(jt.Stages) {
		return nil, e.completeJob(ctx, job.ID)
	}
	stage := jt.Stages[job.Cursor]

	if job.Resolution != nil && job.Resolution.Stage == stage {
		return e.consumeResolution(ctx, jt, job, workerToken, stage, log)
	}

	item, err := e.nextItem(ctx, job.ID, log)
	if err != nil {
		return nil, err
	}
	if item == nil || item.Key != stage {
		return item, e.failJob(ctx, job.ID, fmt.Sprintf("ledger out of step with stage %s", stage))
	}

	loop := job.StageLoops + 1
	var res StageResult
	workErr := e.withHeartbeat(ctx, job.ID, workerToken, log, func(wctx context.Context) error {
		var err error
		res, err = runStage(wctx, jt.RunStage, job, stage, loop)
		return err
	})
	if errors.Is(workErr, errors.ErrClaimLost) {
		return item, workErr
	}
	ctx = context.WithoutCancel(ctx)

	cfg, _ := ParseJobConfig(job.Config)
	target := jt.Limits.ConvergenceTarget
	if cfg.ConvergenceTarget > 0 {
		target = cfg.ConvergenceTarget
	}

	p := ProgressOf(job)
	p.Steps++
	p.StageLoops = loop

	if workErr != nil {
		ec := ClassifyError(workErr)
		if ec.Fatal || !ec.Retryable {
			o := FailedWith(ec)
			if err := e.store.CommitItem(ctx, job.ID, workerToken, ItemCommit{ItemID: item.ID, Outcome: &o, Progress: p}); err != nil {
				return item, err
			}
			return item, e.failJob(ctx, job.ID, fmt.Sprintf("stage %s: %s", stage, ec.Message))
		}
		if loop < jt.Limits.MaxStageLoops {
			log.Infow("Stage loop failed, will retry", logger.FieldStage, stage, "loop", loop, logger.FieldErrorCode, ec.Code)
			return item, e.store.CommitItem(ctx, job.ID, workerToken, ItemCommit{ItemID: item.ID, AttemptError: ec.Message, Progress: p})
		}
		if p.Frontier == nil {
			o := FailedWith(ec)
			if err := e.store.CommitItem(ctx, job.ID, workerToken, ItemCommit{ItemID: item.ID, Outcome: &o, Progress: p}); err != nil {
				return item, err
			}
			return item, e.failJob(ctx, job.ID, fmt.Sprintf("stage %s produced no output in %d loops: %s", stage, loop, ec.Message))
		}
		if err := e.store.RecordAttemptError(ctx, item.ID, ec.Message); err != nil {
			return item, err
		}
		return item, e.raiseGate(ctx, job, cfg, workerToken, exhaustedDecision(stage, target, loop, p.Frontier), p)
	}

	attempt := Attempt{Loop: loop, Score: res.Score, OutputRef: res.OutputRef, At: e.store.now()}
	p.Frontier = Advance(jt.Comparator, job.Frontier, attempt)

	switch {
	case res.Decision != nil:
		d := newDecision(DecisionStageChoice, stage, res.Decision.Question, res.Decision.Options, res.Decision.Default, p.Frontier)
		return item, e.raiseGate(ctx, job, cfg, workerToken, d, p)
	case res.Score >= target:
		log.Infow("Stage converged", logger.FieldStage, stage, "loop", loop, "score", res.Score)
		return item, e.advanceStage(ctx, jt, job, workerToken, item, attempt.OutputRef, p)
	case loop >= jt.Limits.MaxStageLoops:
		return item, e.raiseGate(ctx, job, cfg, workerToken, exhaustedDecision(stage, target, loop, p.Frontier), p)
	default:
		return item, e.store.CommitItem(ctx, job.ID, workerToken, ItemCommit{ItemID: item.ID, Progress: p})
	}
}

func exhaustedDecision(stage string, target float64, loops int, best *Attempt) *Decision {
	q := fmt.Sprintf("Stage %s did not reach %.2f in %d loops.", stage, target, loops)
	if best != nil {
		q += fmt.Sprintf(" Best attempt scored %.2f.", best.Score)
	}
	return newDecision(DecisionStageExhausted, stage, q,
		[]string{ValueAcceptBest, ValueRetryStage, ValueStop}, ValueAcceptBest, best)
}

// raiseGate suspends the job on d, or answers it immediately with its
// default when the job auto-accepts. Either way the job keeps its status.
func (e *Engine) raiseGate(ctx context.Context, job *Job, cfg JobConfig, workerToken string, d *Decision, p Progress) error {
	if err := e.store.SetApproval(ctx, job.ID, workerToken, d, p); err != nil {
		return err
	}
	if !cfg.AutoAcceptDefaults {
		return nil
	}
	res := autoResolve(d, e.store.now())
	logger.AddGateSymbol(e.logger).Infow("Decision auto-accepted",
		logger.FieldJobID, job.ID, logger.FieldStage, d.Stage, "value", res.Value)
	return e.store.AutoResolveDecision(ctx, job.ID, *res)
}

// consumeResolution acts on an answered decision for the current stage
// without doing external work.
func (e *Engine) consumeResolution(ctx context.Context, jt *JobType, job *Job, workerToken, stage string, log *zap.SugaredLogger) (*Item, error) {
	res := job.Resolution
	p := ProgressOf(job)
	p.Resolution = nil

	item, err := e.store.InFlightItem(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	switch res.Value {
	case ValueRetryStage:
		p.StageLoops = 0
		p.Frontier = nil
		log.Infow("Retrying stage", logger.FieldStage, stage)
		return item, e.store.SaveProgress(ctx, job.ID, workerToken, p)
	case ValueStop:
		if err := e.store.SaveProgress(ctx, job.ID, workerToken, p); err != nil {
			return item, err
		}
		return item, ignoreTransitionRace(e.store.UpdateStatus(ctx, job.ID, JobStatusStopped, "", JobStatusRunning, JobStatusPaused))
	}

	if item == nil || item.Key != stage {
		return item, e.failJob(ctx, job.ID, fmt.Sprintf("no in-flight item for stage %s", stage))
	}
	output := ""
	if job.Frontier != nil {
		output = job.Frontier.OutputRef
	}
	if output == "" && res.Kind == DecisionStageChoice {
		output = res.Value
	}
	return item, e.advanceStage(ctx, jt, job, workerToken, item, output, p)
}

func (e *Engine) advanceStage(ctx context.Context, jt *JobType, job *Job, workerToken string, item *Item, outputRef string, p Progress) error {
	o := Completed(outputRef)
	p.Cursor = job.Cursor + 1
	p.StageLoops = 0
	p.Frontier = nil
	p.Resolution = nil
	if err := e.store.CommitItem(ctx, job.ID, workerToken, ItemCommit{ItemID: item.ID, Outcome: &o, Progress: p}); err != nil {
		return err
	}
	if p.Cursor >= len(jt.Stages) {
		return e.completeJob(ctx, job.ID)
	}
	return nil
}

func (e *Engine) completeJob(ctx context.Context, jobID string) error {
	return ignoreTransitionRace(e.store.UpdateStatus(ctx, jobID, JobStatusCompleted, "", JobStatusRunning))
}

func (e *Engine) failJob(ctx context.Context, jobID, msg string) error {
	return ignoreTransitionRace(e.store.UpdateStatus(ctx, jobID, JobStatusFailed, msg, JobStatusRunning, JobStatusPaused))
}

// ignoreTransitionRace drops the error when a pause or stop landed while
// the tick was running; the user's transition wins.
func ignoreTransitionRace(err error) error {
	if errors.Is(err, errors.ErrInvalidTransition) || errors.Is(err, errors.ErrTerminal) {
		return nil
	}
	return err
}

// withHeartbeat runs work while refreshing the claim every third of the
// heartbeat timeout. If the claim is lost, work's context is cancelled and
// ErrClaimLost is returned.
func (e *Engine) withHeartbeat(ctx context.Context, jobID, workerToken string, log *zap.SugaredLogger, work func(ctx context.Context) error) error {
	workCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		interval := e.store.HeartbeatTimeout() / 3
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-workCtx.Done():
				return
			case <-ticker.C:
				if err := e.store.RefreshHeartbeat(workCtx, jobID, workerToken); err != nil {
					if errors.Is(err, errors.ErrClaimLost) {
						cancel(err)
						return
					}
					log.Warnw("Heartbeat refresh failed", logger.FieldError, err)
				}
			}
		}
	}()

	err := work(workCtx)
	close(done)
	<-stopped

	if cause := context.Cause(workCtx); errors.Is(cause, errors.ErrClaimLost) {
		return cause
	}
	return err
}

func runItem(ctx context.Context, fn ItemFunc, job *Job, item *Item) (res ItemResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn(ctx, job, item)
}

func runStage(ctx context.Context, fn StageFunc, job *Job, stage string, loop int) (res StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn(ctx, job, stage, loop)
}
