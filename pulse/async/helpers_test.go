package async

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	slatetest "github.com/teranos/slate/internal/testing"
)

// ============================================================================
// TAS Bot & Kirby Test Universe
// ============================================================================
//
// Characters:
//   - TAS Bot: frame-perfect driver that ticks jobs to completion
//   - Kirby: a second driver who copies whatever job it finds ('Poyo!')
//   - Cronos: Greek god of time, owns the ManualClock and expires claims
//
// Theme: TAS Bot and Kirby race for the same save file. Only the one holding
// the claim may write to it, and Cronos decides when a claim has gone stale.
// ============================================================================

const (
	tasBot = "tas-bot"
	kirby  = "kirby"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *ManualClock
	store  *Store
	reg    *Registry
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := slatetest.CreateTestDB(t)
	clock := NewManualClock(epoch)
	store := NewStore(db).WithClock(clock)
	reg := NewRegistry()
	return &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  clock,
		store:  store,
		reg:    reg,
		engine: NewEngine(store, reg, zap.NewNop().Sugar()),
	}
}

// cronosExpires moves time past the heartbeat timeout.
func (h *harness) cronosExpires() {
	h.clock.Advance(h.store.HeartbeatTimeout() + time.Second)
}

func (h *harness) startBatch(jobType string, keys ...string) *Job {
	h.t.Helper()
	snap, err := h.engine.Start(h.ctx, StartRequest{
		OwnerScope: "project-1",
		JobType:    jobType,
		Config:     itemsConfig(keys...),
	})
	require.NoError(h.t, err)
	return snap.Job
}

func (h *harness) startLadder(jobType, config string) *Job {
	h.t.Helper()
	req := StartRequest{OwnerScope: "project-1", JobType: jobType}
	if config != "" {
		req.Config = []byte(config)
	}
	snap, err := h.engine.Start(h.ctx, req)
	require.NoError(h.t, err)
	return snap.Job
}

func (h *harness) tick(jobID, token string) *TickResult {
	h.t.Helper()
	res, err := h.engine.Tick(h.ctx, jobID, token)
	require.NoError(h.t, err)
	return res
}

// drive ticks until the hint is no longer continue.
func (h *harness) drive(jobID, token string, maxTicks int) *TickResult {
	h.t.Helper()
	for i := 0; i < maxTicks; i++ {
		res := h.tick(jobID, token)
		if res.Hint != HintContinue {
			return res
		}
	}
	h.t.Fatalf("job %s still continuing after %d ticks", jobID, maxTicks)
	return nil
}

func (h *harness) job(jobID string) *Job {
	h.t.Helper()
	job, err := h.store.GetJob(h.ctx, jobID)
	require.NoError(h.t, err)
	return job
}

func (h *harness) item(jobID, key string) *Item {
	h.t.Helper()
	item, err := h.store.GetItemByKey(h.ctx, jobID, key)
	require.NoError(h.t, err)
	return item
}

func itemsConfig(keys ...string) []byte {
	cfg := `{"items":[`
	for i, k := range keys {
		if i > 0 {
			cfg += ","
		}
		cfg += fmt.Sprintf("%q", k)
	}
	return []byte(cfg + `]}`)
}

// itemScript is a scripted batch work unit. Keys without a script complete
// with output "out/<key>".
type itemScript struct {
	mu        sync.Mutex
	calls     map[string]int
	failAll   map[string]error
	failFirst map[string]int
	panicOnce map[string]bool
	skip      map[string]bool
	// hook runs inside the work unit, before it returns.
	hook func(item *Item)
}

func newItemScript() *itemScript {
	return &itemScript{
		calls:     make(map[string]int),
		failAll:   make(map[string]error),
		failFirst: make(map[string]int),
		panicOnce: make(map[string]bool),
		skip:      make(map[string]bool),
	}
}

func (s *itemScript) run(ctx context.Context, job *Job, item *Item) (ItemResult, error) {
	s.mu.Lock()
	s.calls[item.Key]++
	n := s.calls[item.Key]
	hook := s.hook
	failAll := s.failAll[item.Key]
	failFirst := s.failFirst[item.Key]
	panicOnce := s.panicOnce[item.Key]
	skip := s.skip[item.Key]
	s.mu.Unlock()

	if hook != nil {
		hook(item)
	}
	if panicOnce && n == 1 {
		panic("poyo overflow")
	}
	if failAll != nil {
		return ItemResult{}, failAll
	}
	if n <= failFirst {
		return ItemResult{}, fmt.Errorf("connection reset by peer (call %d)", n)
	}
	if skip {
		return ItemResult{Skipped: true}, nil
	}
	return ItemResult{OutputRef: "out/" + item.Key}, nil
}

func (s *itemScript) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (h *harness) registerBatch(name string, s *itemScript, limits Limits) {
	h.reg.Register(JobType{Name: name, Kind: KindBatch, Limits: limits, RunItem: s.run})
}

var screenplayLadder = []string{"logline", "synopsis", "treatment", "screenplay"}

// stageScript scores stage runs from a per-stage list indexed by call
// count. Past the end of the list the last score repeats; unscripted
// stages score 0.9.
type stageScript struct {
	mu        sync.Mutex
	calls     map[string]int
	scores    map[string][]float64
	decisions map[string]*DecisionRequest
	errs      map[string]error
	// hook runs inside the stage, after it is scored.
	hook func(job *Job, stage string)
}

func newStageScript() *stageScript {
	return &stageScript{
		calls:     make(map[string]int),
		scores:    make(map[string][]float64),
		decisions: make(map[string]*DecisionRequest),
		errs:      make(map[string]error),
	}
}

func (s *stageScript) run(ctx context.Context, job *Job, stage string, loop int) (StageResult, error) {
	res, hook, err := s.score(stage)
	if hook != nil {
		hook(job, stage)
	}
	return res, err
}

func (s *stageScript) score(stage string) (StageResult, func(*Job, string), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[stage]++
	n := s.calls[stage]

	if err := s.errs[stage]; err != nil {
		return StageResult{}, s.hook, err
	}
	score := 0.9
	if scores := s.scores[stage]; len(scores) > 0 {
		if n <= len(scores) {
			score = scores[n-1]
		} else {
			score = scores[len(scores)-1]
		}
	}
	return StageResult{
		Score:     score,
		OutputRef: fmt.Sprintf("%s/v%d", stage, n),
		Decision:  s.decisions[stage],
	}, s.hook, nil
}

func (s *stageScript) Calls(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

func (h *harness) registerLadder(name string, s *stageScript) {
	h.reg.Register(JobType{Name: name, Kind: KindLadder, Stages: screenplayLadder, RunStage: s.run})
}
