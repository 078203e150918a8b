// Package jobtypes wires slate's three job types into an async.Registry.
//
//   - ladder-run walks a document through logline, synopsis, treatment and
//     screenplay, looping on a stage until its score converges.
//   - batch-generate produces one output per item (scene, episode).
//   - backfill fills in missing content per item and skips items that
//     already have it.
//
// The work itself belongs to a Worker: WebhookWorker calls out over HTTP,
// Simulator produces deterministic results for local runs and tests.
package jobtypes

import (
	"context"

	"github.com/teranos/slate/pulse/async"
)

// Job type names.
const (
	LadderRun     = "ladder-run"
	BatchGenerate = "batch-generate"
	Backfill      = "backfill"
)

// LadderStages is the fixed document ladder of ladder-run jobs.
var LadderStages = []string{"logline", "synopsis", "treatment", "screenplay"}

// Names lists every job type this package registers.
func Names() []string {
	return []string{LadderRun, BatchGenerate, Backfill}
}

// Worker performs the opaque work units of all job types.
type Worker interface {
	RunStage(ctx context.Context, job *async.Job, stage string, loop int) (async.StageResult, error)
	RunItem(ctx context.Context, job *async.Job, item *async.Item) (async.ItemResult, error)
}

// Register adds the three job types to reg. limits is keyed by job type
// name; missing entries use async.DefaultLimits.
func Register(reg *async.Registry, w Worker, limits map[string]async.Limits) {
	reg.Register(async.JobType{
		Name:     LadderRun,
		Kind:     async.KindLadder,
		Limits:   limits[LadderRun],
		Stages:   LadderStages,
		RunStage: w.RunStage,
	})
	reg.Register(async.JobType{
		Name:    BatchGenerate,
		Kind:    async.KindBatch,
		Limits:  limits[BatchGenerate],
		RunItem: w.RunItem,
	})
	reg.Register(async.JobType{
		Name:    Backfill,
		Kind:    async.KindBatch,
		Limits:  limits[Backfill],
		RunItem: skipExisting(w.RunItem),
	})
}

// skipExisting skips items listed in the job's inputs.existing without
// calling the worker.
func skipExisting(next async.ItemFunc) async.ItemFunc {
	return func(ctx context.Context, job *async.Job, item *async.Item) (async.ItemResult, error) {
		if hasExisting(job, item.Key) {
			return async.ItemResult{Skipped: true}, nil
		}
		return next(ctx, job, item)
	}
}

func hasExisting(job *async.Job, key string) bool {
	for _, k := range inputList(job, "existing") {
		if k == key {
			return true
		}
	}
	return false
}

// inputList reads a string list from the job's config inputs. Malformed or
// missing values read as empty.
func inputList(job *async.Job, name string) []string {
	cfg, err := async.ParseJobConfig(job.Config)
	if err != nil {
		return nil
	}
	raw, ok := cfg.Inputs[name].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func inputs(job *async.Job) map[string]interface{} {
	cfg, err := async.ParseJobConfig(job.Config)
	if err != nil {
		return nil
	}
	return cfg.Inputs
}
