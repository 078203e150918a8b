package driver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/slate/errors"
	slatetest "github.com/teranos/slate/internal/testing"
	"github.com/teranos/slate/pulse/async"
)

// ============================================================================
// TAS Bot Test Universe
// ============================================================================
//
// TAS Bot plays back a scripted run: every tick result (or failure) is a
// frame of input. The driver under test must react to each frame exactly the
// way a frame-perfect player would: keep going, back off, or put the
// controller down.
// ============================================================================

// frame is one scripted tick response.
type frame struct {
	hint   async.Hint
	status async.JobStatus
	err    error
}

type tasBotClient struct {
	mu     sync.Mutex
	frames []frame
	calls  int
	tokens []string
	block  chan struct{}

	active    *async.Snapshot
	activeErr error
}

func (c *tasBotClient) Tick(ctx context.Context, jobID, workerToken string) (*async.TickResult, error) {
	c.mu.Lock()
	i := c.calls
	c.calls++
	c.tokens = append(c.tokens, workerToken)
	block := c.block
	c.mu.Unlock()

	if block != nil && i >= len(c.frames) {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i >= len(c.frames) {
		i = len(c.frames) - 1
	}
	f := c.frames[i]
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == "" {
		status = async.JobStatusRunning
	}
	return &async.TickResult{
		Job:  &async.Job{ID: jobID, Status: status, Steps: i + 1, Error: errorFor(status)},
		Hint: f.hint,
	}, nil
}

func (c *tasBotClient) ActiveJob(ctx context.Context, ownerScope, jobType string) (*async.Snapshot, error) {
	return c.active, c.activeErr
}

func (c *tasBotClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func errorFor(status async.JobStatus) string {
	if status == async.JobStatusFailed {
		return "2 of 5 items failed"
	}
	return ""
}

func fastConfig() Config {
	return Config{
		Interval:           time.Millisecond,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         4 * time.Millisecond,
		Jitter:             0,
		MaxTransientErrors: 2,
		WorkerToken:        "tas-bot",
	}
}

func continueFrames(n int) []frame {
	frames := make([]frame, n)
	for i := range frames {
		frames[i] = frame{hint: async.HintContinue}
	}
	return frames
}

func TestRunUntilTerminal(t *testing.T) {
	client := &tasBotClient{frames: append(continueFrames(4), frame{hint: async.HintTerminal, status: async.JobStatusCompleted})}
	d := New(client, fastConfig(), zap.NewNop().Sugar())

	out := d.Run(context.Background(), "JB1")

	assert.Equal(t, ReasonTerminal, out.Reason)
	assert.NoError(t, out.Err)
	assert.Equal(t, 5, out.Ticks)
	require.NotNil(t, out.Job)
	assert.Equal(t, async.JobStatusCompleted, out.Job.Status)
	assert.Equal(t, 5, client.Calls())
	for _, token := range client.tokens {
		assert.Equal(t, "tas-bot", token)
	}
}

func TestFailedJobCarriesError(t *testing.T) {
	client := &tasBotClient{frames: []frame{{hint: async.HintTerminal, status: async.JobStatusFailed}}}
	out := New(client, fastConfig(), nil).Run(context.Background(), "JB1")

	assert.Equal(t, ReasonTerminal, out.Reason)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "2 of 5 items failed")
}

func TestStopsOnGateAndPause(t *testing.T) {
	tests := []struct {
		name string
		hint async.Hint
		want Reason
	}{
		{"awaiting approval", async.HintAwaitingApproval, ReasonAwaitingApproval},
		{"paused", async.HintPaused, ReasonPaused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &tasBotClient{frames: append(continueFrames(2), frame{hint: tt.hint})}
			out := New(client, fastConfig(), nil).Run(context.Background(), "JB1")

			assert.Equal(t, tt.want, out.Reason)
			assert.NoError(t, out.Err)
			assert.Equal(t, 3, client.Calls())
		})
	}
}

func TestWaitBacksOffAndKeepsGoing(t *testing.T) {
	client := &tasBotClient{frames: []frame{
		{hint: async.HintWait},
		{hint: async.HintWait},
		{hint: async.HintWait},
		{hint: async.HintContinue},
		{hint: async.HintTerminal, status: async.JobStatusCompleted},
	}}
	out := New(client, fastConfig(), nil).Run(context.Background(), "JB1")

	assert.Equal(t, ReasonTerminal, out.Reason)
	assert.Equal(t, 5, out.Ticks)
}

func TestTransientErrorsRetryThenRecover(t *testing.T) {
	client := &tasBotClient{frames: []frame{
		{err: errors.Wrap(errors.ErrServiceUnavailable, "connection refused")},
		{err: errors.Wrap(errors.ErrClaimLost, "tick")},
		{hint: async.HintContinue},
		{err: errors.Wrap(errors.ErrBusy, "tick")},
		{err: errors.Wrap(errors.ErrRateLimited, "tick")},
		{hint: async.HintTerminal, status: async.JobStatusCompleted},
	}}
	out := New(client, fastConfig(), nil).Run(context.Background(), "JB1")

	assert.Equal(t, ReasonTerminal, out.Reason, "each run of errors stays within the bound")
	assert.Equal(t, 2, out.Ticks)
}

func TestTransientErrorsGiveUp(t *testing.T) {
	client := &tasBotClient{frames: []frame{{err: errors.Wrap(errors.ErrTimeout, "tick")}}}
	out := New(client, fastConfig(), nil).Run(context.Background(), "JB1")

	assert.Equal(t, ReasonError, out.Reason)
	assert.True(t, errors.Is(out.Err, errors.ErrTimeout))
	assert.Contains(t, out.Err.Error(), "3 consecutive errors")
	assert.Equal(t, 3, client.Calls())
	assert.Nil(t, out.Job)
}

func TestPermanentErrorStopsImmediately(t *testing.T) {
	client := &tasBotClient{frames: []frame{{err: errors.NewNotFoundError("job %s not found", "JB1")}}}
	out := New(client, fastConfig(), nil).Run(context.Background(), "JB1")

	assert.Equal(t, ReasonError, out.Reason)
	assert.True(t, errors.IsNotFoundError(out.Err))
	assert.Equal(t, 1, client.Calls())
}

func TestUnknownHint(t *testing.T) {
	client := &tasBotClient{frames: []frame{{hint: "warp-zone"}}}
	out := New(client, fastConfig(), nil).Run(context.Background(), "JB1")

	assert.Equal(t, ReasonError, out.Reason)
	assert.Contains(t, out.Err.Error(), "warp-zone")
}

func TestStopCancelsLoop(t *testing.T) {
	client := &tasBotClient{frames: continueFrames(1), block: make(chan struct{})}
	cfg := fastConfig()
	cfg.Interval = time.Hour
	loop := New(client, cfg, nil).Start(context.Background(), "JB1")

	first := <-loop.Updates()
	require.NotNil(t, first)
	assert.Equal(t, "JB1", loop.JobID())

	loop.Stop()
	out := loop.Wait()
	assert.Equal(t, ReasonCancelled, out.Reason)
	assert.Equal(t, 1, out.Ticks)

	_, open := <-loop.Updates()
	assert.False(t, open, "updates closes when the loop ends")
	select {
	case <-loop.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestParentContextCancelsBlockedTick(t *testing.T) {
	client := &tasBotClient{frames: continueFrames(1), block: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	loop := New(client, fastConfig(), nil).Start(ctx, "JB1")

	<-loop.Updates()
	require.Eventually(t, func() bool { return client.Calls() >= 2 }, time.Second, time.Millisecond)
	cancel()

	assert.Equal(t, ReasonCancelled, loop.Wait().Reason)
}

func TestSlowReaderGetsNewestUpdates(t *testing.T) {
	n := updateBuffer * 3
	client := &tasBotClient{frames: append(continueFrames(n), frame{hint: async.HintTerminal, status: async.JobStatusCompleted})}
	loop := New(client, fastConfig(), nil).Start(context.Background(), "JB1")

	out := loop.Wait()
	require.Equal(t, ReasonTerminal, out.Reason)

	var got []*async.TickResult
	for res := range loop.Updates() {
		got = append(got, res)
	}
	require.Len(t, got, updateBuffer)
	assert.Equal(t, async.HintTerminal, got[len(got)-1].Hint)
}

func TestHydrate(t *testing.T) {
	running := &async.Snapshot{Job: &async.Job{ID: "JB1", Status: async.JobStatusRunning}}
	awaiting := &async.Snapshot{Job: &async.Job{ID: "JB2", Status: async.JobStatusRunning, AwaitingApproval: true}}
	paused := &async.Snapshot{Job: &async.Job{ID: "JB3", Status: async.JobStatusPaused}}

	t.Run("running job starts a loop", func(t *testing.T) {
		client := &tasBotClient{active: running, frames: []frame{{hint: async.HintTerminal, status: async.JobStatusCompleted}}}
		snap, loop, err := New(client, fastConfig(), nil).Hydrate(context.Background(), "project-1", "batch-generate")
		require.NoError(t, err)
		require.NotNil(t, loop)
		assert.Equal(t, "JB1", snap.Job.ID)
		assert.Equal(t, "JB1", loop.JobID())
		assert.Equal(t, ReasonTerminal, loop.Wait().Reason)
	})

	for _, snap := range []*async.Snapshot{awaiting, paused} {
		t.Run(fmt.Sprintf("%s is not driven", snap.Job.ID), func(t *testing.T) {
			client := &tasBotClient{active: snap}
			got, loop, err := New(client, fastConfig(), nil).Hydrate(context.Background(), "project-1", "ladder-run")
			require.NoError(t, err)
			assert.Nil(t, loop)
			assert.Same(t, snap, got)
			assert.Zero(t, client.Calls())
		})
	}

	t.Run("no active job", func(t *testing.T) {
		snap, loop, err := New(&tasBotClient{}, fastConfig(), nil).Hydrate(context.Background(), "project-1", "backfill")
		require.NoError(t, err)
		assert.Nil(t, snap)
		assert.Nil(t, loop)
	})

	t.Run("lookup error", func(t *testing.T) {
		client := &tasBotClient{activeErr: errors.New("database is locked")}
		_, _, err := New(client, fastConfig(), nil).Hydrate(context.Background(), "project-1", "backfill")
		assert.ErrorContains(t, err, "database is locked")
	})
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	def := DefaultConfig()

	assert.Equal(t, def.Interval, cfg.Interval)
	assert.Equal(t, def.MaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, def.MaxTransientErrors, cfg.MaxTransientErrors)
	assert.Contains(t, cfg.WorkerToken, "drv-")

	other := Config{}.withDefaults()
	assert.NotEqual(t, cfg.WorkerToken, other.WorkerToken)

	cfg = Config{InitialBackoff: 30 * time.Second}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff, "max backoff never undercuts the initial delay")
}

func TestBackoffDoublesToCap(t *testing.T) {
	d := New(&tasBotClient{}, fastConfig(), nil)
	cur := d.cfg.InitialBackoff

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		delays = append(delays, d.nextBackoff(&cur))
	}
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{ms, 2 * ms, 4 * ms, 4 * ms, 4 * ms}, delays)
}

func TestJitterStaysInRange(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := jitter(base, 0.2)
		assert.GreaterOrEqual(t, got, 80*time.Millisecond)
		assert.LessOrEqual(t, got, 120*time.Millisecond)
	}
	assert.Equal(t, base, jitter(base, 0))
}

// TestDrivesRealEngine runs a batch job against an in-process engine: the
// driver ticks until every item is done.
func TestDrivesRealEngine(t *testing.T) {
	ctx := context.Background()
	store := async.NewStore(slatetest.CreateTestDB(t))
	reg := async.NewRegistry()
	reg.Register(async.JobType{
		Name: "batch-generate",
		Kind: async.KindBatch,
		RunItem: func(ctx context.Context, job *async.Job, item *async.Item) (async.ItemResult, error) {
			return async.ItemResult{OutputRef: "out/" + item.Key}, nil
		},
	})
	engine := async.NewEngine(store, reg, zap.NewNop().Sugar())

	snap, err := engine.Start(ctx, async.StartRequest{
		OwnerScope: "project-1",
		JobType:    "batch-generate",
		Config:     []byte(`{"items":["a","b","c","d","e"]}`),
	})
	require.NoError(t, err)

	d := New(engine, fastConfig(), nil)
	_, loop, err := d.Hydrate(ctx, "project-1", "batch-generate")
	require.NoError(t, err)
	require.NotNil(t, loop)

	out := loop.Wait()
	require.Equal(t, ReasonTerminal, out.Reason)
	require.NoError(t, out.Err)
	assert.Equal(t, async.JobStatusCompleted, out.Job.Status)

	final, err := engine.Status(ctx, snap.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, final.Counts.Completed)
	assert.Empty(t, final.Job.ClaimOwner)
}
