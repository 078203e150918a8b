// Package driver keeps a job moving by ticking it in a background goroutine.
//
// A Driver is the client half of the tick protocol: it calls Tick, follows
// the returned hint, and stops on terminal, awaiting-approval, paused, or
// cancellation. Killing the process loses nothing; the next Driver picks up
// from the persisted cursor.
package driver

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
	"github.com/teranos/slate/pulse/async"
)

// TickClient is what a Driver needs from the engine. *async.Engine satisfies
// it in-process; RemoteClient satisfies it over HTTP.
type TickClient interface {
	Tick(ctx context.Context, jobID, workerToken string) (*async.TickResult, error)
	ActiveJob(ctx context.Context, ownerScope, jobType string) (*async.Snapshot, error)
}

// Config controls tick pacing.
type Config struct {
	// Interval is the delay between ticks that returned continue.
	Interval time.Duration
	// InitialBackoff is the first delay after wait or a transient error.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling backoff.
	MaxBackoff time.Duration
	// Jitter is the fraction (0..1) each backoff delay is randomized by.
	// Zero disables it; out-of-range values take the default.
	Jitter float64
	// MaxTransientErrors is how many consecutive retryable errors end the loop.
	MaxTransientErrors int
	// WorkerToken identifies this driver's claims. Generated when empty.
	WorkerToken string
}

// DefaultConfig returns the pacing used by the CLI and the server sweeper.
func DefaultConfig() Config {
	return Config{
		Interval:           1500 * time.Millisecond,
		InitialBackoff:     time.Second,
		MaxBackoff:         10 * time.Second,
		Jitter:             0.2,
		MaxTransientErrors: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = d.Jitter
	}
	if c.MaxTransientErrors <= 0 {
		c.MaxTransientErrors = d.MaxTransientErrors
	}
	if c.WorkerToken == "" {
		c.WorkerToken = "drv-" + uuid.NewString()
	}
	return c
}

// Reason says why a loop ended.
type Reason string

const (
	ReasonTerminal         Reason = "terminal"
	ReasonAwaitingApproval Reason = "awaiting_approval"
	ReasonPaused           Reason = "paused"
	ReasonCancelled        Reason = "cancelled"
	ReasonError            Reason = "error"
)

// Outcome is the final state of a loop.
type Outcome struct {
	Reason Reason
	// Job is the last job state the loop saw, nil if no tick succeeded.
	Job *async.Job
	// Ticks counts successful ticks.
	Ticks int
	// Err is set for ReasonError and for jobs that ended failed.
	Err error
}

// Driver starts tick loops against a TickClient.
type Driver struct {
	client TickClient
	cfg    Config
	log    *zap.SugaredLogger
}

// New creates a Driver. Zero durations and counts take DefaultConfig values.
func New(client TickClient, cfg Config, log *zap.SugaredLogger) *Driver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Driver{client: client, cfg: cfg.withDefaults(), log: log}
}

// WorkerToken returns the token this driver claims jobs with.
func (d *Driver) WorkerToken() string { return d.cfg.WorkerToken }

// Start ticks jobID in a background goroutine until the job stops needing
// ticks or ctx is cancelled.
func (d *Driver) Start(ctx context.Context, jobID string) *Loop {
	loopCtx, cancel := context.WithCancel(ctx)
	l := &Loop{
		jobID:   jobID,
		updates: make(chan *async.TickResult, updateBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go d.run(loopCtx, l)
	return l
}

// Run drives jobID until the loop ends, discarding updates, and returns the outcome.
func (d *Driver) Run(ctx context.Context, jobID string) Outcome {
	l := d.Start(ctx, jobID)
	go func() {
		for range l.Updates() {
		}
	}()
	return l.Wait()
}

// Hydrate loads the active job for owner and type. When that job is running
// and not waiting on a decision, it also starts a loop for it. Both results
// are nil when no job is active.
func (d *Driver) Hydrate(ctx context.Context, ownerScope, jobType string) (*async.Snapshot, *Loop, error) {
	snap, err := d.client.ActiveJob(ctx, ownerScope, jobType)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to load active %s job for %s", jobType, ownerScope)
	}
	if snap == nil || snap.Job == nil {
		return nil, nil, nil
	}
	if async.HintFor(snap.Job) != async.HintContinue {
		return snap, nil, nil
	}
	return snap, d.Start(ctx, snap.Job.ID), nil
}

func (d *Driver) run(ctx context.Context, l *Loop) {
	defer close(l.done)
	defer close(l.updates)

	log := logger.AddPulseSymbol(d.log).With(logger.FieldJobID, l.jobID, logger.FieldWorker, d.cfg.WorkerToken)
	log.Debugw("Driver loop started", "interval", d.cfg.Interval)

	var (
		last      *async.Job
		ticks     int
		transient int
		backoff   = d.cfg.InitialBackoff
	)
	finish := func(reason Reason, err error) {
		l.outcome = Outcome{Reason: reason, Job: last, Ticks: ticks, Err: err}
		log.Debugw("Driver loop finished", "reason", reason, "ticks", ticks)
	}

	for {
		if ctx.Err() != nil {
			finish(ReasonCancelled, nil)
			return
		}

		res, err := d.client.Tick(ctx, l.jobID, d.cfg.WorkerToken)
		if err != nil {
			if ctx.Err() != nil {
				finish(ReasonCancelled, nil)
				return
			}
			if !retryable(err) {
				finish(ReasonError, err)
				return
			}
			transient++
			if transient > d.cfg.MaxTransientErrors {
				finish(ReasonError, errors.Wrapf(err, "giving up after %d consecutive errors", transient))
				return
			}
			delay := d.nextBackoff(&backoff)
			log.Warnw("Tick failed, backing off", logger.FieldError, err, "delay", delay, logger.FieldAttempt, transient)
			if !sleep(ctx, delay) {
				finish(ReasonCancelled, nil)
				return
			}
			continue
		}

		ticks++
		transient = 0
		last = res.Job
		l.publish(res)

		var delay time.Duration
		switch res.Hint {
		case async.HintContinue:
			backoff = d.cfg.InitialBackoff
			delay = d.cfg.Interval
		case async.HintWait:
			delay = d.nextBackoff(&backoff)
		case async.HintTerminal:
			finish(ReasonTerminal, jobFailure(res.Job))
			return
		case async.HintAwaitingApproval:
			finish(ReasonAwaitingApproval, nil)
			return
		case async.HintPaused:
			finish(ReasonPaused, nil)
			return
		default:
			finish(ReasonError, errors.Newf("unknown tick hint %q", res.Hint))
			return
		}

		if !sleep(ctx, delay) {
			finish(ReasonCancelled, nil)
			return
		}
	}
}

// nextBackoff returns the jittered current delay and doubles it for next time.
func (d *Driver) nextBackoff(cur *time.Duration) time.Duration {
	delay := jitter(*cur, d.cfg.Jitter)
	*cur = min(*cur*2, d.cfg.MaxBackoff)
	return delay
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}

// retryable errors are worth another tick after a backoff.
func retryable(err error) bool {
	return errors.IsTransient(err) || errors.IsStaleState(err)
}

func jobFailure(job *async.Job) error {
	if job == nil || job.Status != async.JobStatusFailed {
		return nil
	}
	return errors.Newf("job %s failed: %s", job.ID, job.Error)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
