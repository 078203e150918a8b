package jobtypes

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"time"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/pulse/async"
)

// Simulator is a deterministic Worker for local runs, demos and tests.
//
// Stage scores start at StartScore and rise by Gain per loop, plus a small
// per-job offset. Job inputs steer failures:
//
//	{"inputs": {"fail_keys": ["scene-3"], "fatal_keys": ["scene-9"], "fail_stages": ["treatment"]}}
type Simulator struct {
	StartScore float64
	Gain       float64
	// Delay is slept per work unit to make progress visible.
	Delay time.Duration
	// Decisions are raised the first time the named stage runs.
	Decisions map[string]async.DecisionRequest
}

// NewSimulator returns a simulator whose ladder stages converge on the
// second or third loop at the default target.
func NewSimulator() *Simulator {
	return &Simulator{StartScore: 0.6, Gain: 0.15}
}

// RunStage scores one ladder stage loop.
func (s *Simulator) RunStage(ctx context.Context, job *async.Job, stage string, loop int) (async.StageResult, error) {
	if err := s.wait(ctx); err != nil {
		return async.StageResult{}, err
	}
	if slices.Contains(inputList(job, "fail_stages"), stage) {
		return async.StageResult{}, errors.Newf("simulated generation failure on %s", stage)
	}

	res := async.StageResult{
		Score:     min(1, s.StartScore+s.Gain*float64(loop-1)+wobble(job.ID, stage)),
		OutputRef: fmt.Sprintf("sim://%s/%s/%d", job.ID, stage, loop),
	}
	if dr, ok := s.Decisions[stage]; ok && loop == 1 {
		res.Decision = &dr
	}
	return res, nil
}

// RunItem produces one batch item.
func (s *Simulator) RunItem(ctx context.Context, job *async.Job, item *async.Item) (async.ItemResult, error) {
	if err := s.wait(ctx); err != nil {
		return async.ItemResult{}, err
	}
	switch {
	case slices.Contains(inputList(job, "fatal_keys"), item.Key):
		return async.ItemResult{}, errors.Fatal(errors.Newf("simulated quota exhausted at %s", item.Key))
	case slices.Contains(inputList(job, "fail_keys"), item.Key):
		return async.ItemResult{}, errors.Newf("simulated connection reset on %s (attempt %d)", item.Key, item.Attempts)
	}
	return async.ItemResult{OutputRef: fmt.Sprintf("sim://%s/%s", job.ID, item.Key)}, nil
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// wobble is a stable offset in [0, 0.05) so jobs do not all score alike.
func wobble(jobID, stage string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID + "/" + stage))
	return float64(h.Sum32()) / float64(1<<32) * 0.05
}
