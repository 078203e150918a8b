// Package sweep runs periodic maintenance over the job store.
//
// Each sweep deletes terminal jobs past retention, reports running jobs nobody
// is driving, and, with server drive enabled, adopts those jobs by starting a
// driver loop for each up to a concurrency cap.
package sweep

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
	"github.com/teranos/slate/pulse/async"
	"github.com/teranos/slate/pulse/driver"
	"github.com/teranos/slate/sym"
)

// Config contains configuration for the sweeper.
type Config struct {
	// Interval between sweeps (default: 1 minute)
	Interval time.Duration
	// Retention keeps terminal jobs this long. Zero disables cleanup.
	Retention time.Duration
	// ServerDrive adopts stalled running jobs and drives them in-process.
	ServerDrive bool
	// MaxDrives caps concurrently adopted jobs (default: 4)
	MaxDrives int
	// Driver paces adopted jobs.
	Driver driver.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Retention: 7 * 24 * time.Hour,
		MaxDrives: 4,
		Driver:    driver.DefaultConfig(),
	}
}

// Report is the outcome of one sweep.
type Report struct {
	Deleted int64
	Stalled []string
	Adopted []string
	Summary async.StatusSummary
}

// Sweeper runs sweeps on an interval until stopped.
type Sweeper struct {
	engine   *async.Engine
	cfg      Config
	drv      *driver.Driver
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger

	mu          sync.Mutex
	loops       map[string]*driver.Loop
	sweeps      int64
	lastSummary async.StatusSummary
}

// New creates a sweeper bound to ctx. Call Start to begin sweeping.
func New(ctx context.Context, engine *async.Engine, cfg Config, log *zap.SugaredLogger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxDrives <= 0 {
		cfg.MaxDrives = 4
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	sweepCtx, cancel := context.WithCancel(ctx)

	s := &Sweeper{
		engine:   engine,
		cfg:      cfg,
		ctx:      sweepCtx,
		cancel:   cancel,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
		loops:    make(map[string]*driver.Loop),
	}
	if cfg.ServerDrive {
		s.drv = driver.New(engine, cfg.Driver, log.Named("drive"))
	}
	return s
}

// Start begins the sweep loop. The first sweep runs immediately.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	logger.AddPulseOpenSymbol(s.logger).Infow("Sweeper started",
		"interval", s.cfg.Interval,
		"retention", s.cfg.Retention,
		"server_drive", s.cfg.ServerDrive)
}

// Stop cancels the sweep loop and every adopted driver loop, and waits.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	loops := make([]*driver.Loop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	s.mu.Unlock()
	for _, l := range loops {
		l.Wait()
	}
	logger.AddPulseCloseSymbol(s.logger).Infow("Sweeper stopped", "sweeps", s.Sweeps())
}

// Sweeps returns how many sweeps have started.
func (s *Sweeper) Sweeps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(s.ctx); err != nil && s.ctx.Err() == nil {
			s.pulseLog.Warnw("Sweep error", logger.FieldError, err, "sweep", s.Sweeps())
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one maintenance pass. Errors from one step do not skip the
// others; they are joined in the returned error.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	s.mu.Lock()
	s.sweeps++
	s.mu.Unlock()

	if s.cfg.Retention > 0 {
		n, err := s.engine.CleanupOldJobs(ctx, s.cfg.Retention)
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			report.Deleted = n
			s.pulseLog.Infow("Deleted expired jobs", logger.FieldCount, n, "retention", s.cfg.Retention)
		}
	}

	stalled, err := s.engine.Store().ListStalledJobs(ctx)
	if err != nil {
		errs = append(errs, errors.Wrap(err, "failed to list stalled jobs"))
	}
	for _, job := range stalled {
		report.Stalled = append(report.Stalled, job.ID)
	}
	if s.drv != nil {
		report.Adopted = s.adopt(stalled)
	} else if len(stalled) > 0 {
		s.pulseLog.Infow("Running jobs without a driver", logger.FieldCount, len(stalled), "jobs", report.Stalled)
	}

	summary, err := s.engine.Store().StatusCounts(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		report.Summary = summary
		s.logSummary(ctx, summary)
	}

	return report, errors.Join(errs...)
}

// adopt starts driver loops for stalled jobs up to MaxDrives and forgets
// loops that have ended.
func (s *Sweeper) adopt(stalled []*async.Job) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, l := range s.loops {
		select {
		case <-l.Done():
			out := l.Wait()
			s.pulseLog.Debugw("Adopted job released", logger.FieldJobID, id, "reason", out.Reason, "ticks", out.Ticks)
			delete(s.loops, id)
		default:
		}
	}

	var adopted []string
	for _, job := range stalled {
		if len(s.loops) >= s.cfg.MaxDrives {
			break
		}
		if _, driving := s.loops[job.ID]; driving {
			continue
		}
		s.loops[job.ID] = s.drv.Start(s.ctx, job.ID)
		adopted = append(adopted, job.ID)
		s.pulseLog.Infow("Adopted stalled job", logger.FieldJobID, job.ID, logger.FieldJobType, job.JobType)
	}
	return adopted
}

// Driving returns the ids of jobs this sweeper is currently driving.
func (s *Sweeper) Driving() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.loops))
	for id, l := range s.loops {
		select {
		case <-l.Done():
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

// logSummary logs job activity only when it changed since the last sweep.
func (s *Sweeper) logSummary(ctx context.Context, sum async.StatusSummary) {
	s.mu.Lock()
	changed := sum != s.lastSummary
	s.lastSummary = sum
	s.mu.Unlock()
	if !changed {
		return
	}

	active := sum.Queued + sum.Running + sum.Paused
	indicator := ""
	if active > 0 {
		// One symbol per 5 active jobs, capped.
		n := min(active/5+1, 20)
		indicator = strings.Repeat(sym.Pulse, n) + " "
	}

	m := s.engine.SystemMetrics(ctx)
	s.pulseLog.Infow(fmt.Sprintf("%sJobs - %d running, %d paused, %d awaiting approval, %d queued │ Mem: %.1f/%.1fGB (%.0f%%)",
		indicator, sum.Running, sum.Paused, sum.Awaiting, sum.Queued,
		m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent),
		"live_claims", sum.LiveClaims)
}
