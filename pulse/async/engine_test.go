package async

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/slate/errors"
)

func TestStartValidatesRequest(t *testing.T) {
	h := newHarness(t)
	h.registerBatch("batch-generate", newItemScript(), Limits{})

	tests := []struct {
		name string
		req  StartRequest
	}{
		{"unknown type", StartRequest{OwnerScope: "p1", JobType: "nope"}},
		{"bad mode", StartRequest{OwnerScope: "p1", JobType: "batch-generate", Mode: "ludicrous", Config: itemsConfig("a")}},
		{"no items", StartRequest{OwnerScope: "p1", JobType: "batch-generate"}},
		{"duplicate items", StartRequest{OwnerScope: "p1", JobType: "batch-generate", Config: itemsConfig("a", "a")}},
		{"bad config", StartRequest{OwnerScope: "p1", JobType: "batch-generate", Config: json.RawMessage(`{"items":`)}},
		{"no owner", StartRequest{JobType: "batch-generate", Config: itemsConfig("a")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Start(h.ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)
		})
	}

	jobs, err := h.engine.List(h.ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "nothing persisted")
}

func TestStartRejectsSecondActiveJob(t *testing.T) {
	h := newHarness(t)
	h.registerBatch("batch-generate", newItemScript(), Limits{})
	first := h.startBatch("batch-generate", "a")

	_, err := h.engine.Start(h.ctx, StartRequest{OwnerScope: "project-1", JobType: "batch-generate", Config: itemsConfig("b")})
	assert.True(t, errors.Is(err, errors.ErrAlreadyActive))

	snap, err := h.engine.ActiveJob(h.ctx, "project-1", "batch-generate")
	require.NoError(t, err)
	assert.Equal(t, first.ID, snap.Job.ID)

	none, err := h.engine.ActiveJob(h.ctx, "project-9", "batch-generate")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPauseResumeStop(t *testing.T) {
	h := newHarness(t)
	h.registerBatch("batch-generate", newItemScript(), Limits{})
	job := h.startBatch("batch-generate", "a", "b")
	assert.Equal(t, ModeBalanced, job.Mode)
	require.NotNil(t, job.StartedAt)

	snap, err := h.engine.Pause(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPaused, snap.Job.Status)

	snap, err = h.engine.Pause(h.ctx, job.ID)
	require.NoError(t, err, "pausing twice is a no-op")
	assert.Equal(t, JobStatusPaused, snap.Job.Status)

	snap, err = h.engine.Resume(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, snap.Job.Status)

	snap, err = h.engine.Stop(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusStopped, snap.Job.Status)

	snap, err = h.engine.Stop(h.ctx, job.ID)
	require.NoError(t, err, "stopping twice is a no-op")
	assert.Equal(t, JobStatusStopped, snap.Job.Status)

	_, err = h.engine.Resume(h.ctx, job.ID)
	assert.True(t, errors.Is(err, errors.ErrTerminal))
	_, err = h.engine.Pause(h.ctx, job.ID)
	assert.True(t, errors.Is(err, errors.ErrTerminal))
}

func TestResetStartsFreshJob(t *testing.T) {
	h := newHarness(t)
	script := newItemScript()
	h.registerBatch("batch-generate", script, Limits{})
	old := h.startBatch("batch-generate", "a", "b")
	h.tick(old.ID, tasBot)

	snap, err := h.engine.Reset(h.ctx, old.ID, ResetRequest{Mode: "premium", Config: itemsConfig("x", "y", "z")})
	require.NoError(t, err)
	fresh := snap.Job

	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, JobStatusRunning, fresh.Status)
	assert.Equal(t, ModePremium, fresh.Mode)
	assert.Equal(t, Counts{Total: 3, Pending: 3}, fresh.Counts)
	assert.Equal(t, JobStatusStopped, h.job(old.ID).Status)

	// The old driver's claim does not carry over
	res := h.drive(fresh.ID, kirby, 10)
	assert.Equal(t, JobStatusCompleted, res.Job.Status)

	// Reset of a finished job inherits its config
	snap, err = h.engine.Reset(h.ctx, fresh.ID, ResetRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Job.Counts.Total)
	assert.Equal(t, ModePremium, snap.Job.Mode)
}

func TestRecoverRequeuesFailedItems(t *testing.T) {
	h := newHarness(t)
	script := newItemScript()
	script.failAll["a"] = errors.NewInvalidRequestError("bad prompt")
	h.registerBatch("batch-generate", script, Limits{})
	job := h.startBatch("batch-generate", "a", "b")

	res := h.tick(job.ID, kirby)
	assert.Equal(t, ItemStatusFailed, res.Item.Status)

	// Kirby's claim is live: recover must leave it alone
	snap, err := h.engine.Recover(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, kirby, snap.Job.ClaimOwner)
	assert.Equal(t, Counts{Total: 2, Pending: 2}, snap.Counts)

	h.cronosExpires()
	snap, err = h.engine.Recover(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Job.ClaimOwner)

	delete(script.failAll, "a")
	res = h.drive(job.ID, tasBot, 10)
	assert.Equal(t, JobStatusCompleted, res.Job.Status)
}

func TestRetryItem(t *testing.T) {
	h := newHarness(t)
	script := newItemScript()
	script.failAll["a"] = errors.NewInvalidRequestError("bad prompt")
	h.registerBatch("batch-generate", script, Limits{})
	job := h.startBatch("batch-generate", "a", "b", "c")

	h.tick(job.ID, tasBot)
	delete(script.failAll, "a")

	snap, err := h.engine.RetryItem(h.ctx, job.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Counts.Pending)

	res := h.drive(job.ID, tasBot, 10)
	assert.Equal(t, JobStatusCompleted, res.Job.Status)
	assert.Equal(t, 2, script.Calls("a"))

	_, err = h.engine.RetryItem(h.ctx, job.ID, "a")
	assert.True(t, errors.Is(err, errors.ErrTerminal))
}

func TestHintFor(t *testing.T) {
	tests := []struct {
		job  Job
		want Hint
	}{
		{Job{Status: JobStatusQueued}, HintWait},
		{Job{Status: JobStatusRunning}, HintContinue},
		{Job{Status: JobStatusRunning, AwaitingApproval: true}, HintAwaitingApproval},
		{Job{Status: JobStatusPaused, AwaitingApproval: true}, HintPaused},
		{Job{Status: JobStatusStopped}, HintTerminal},
		{Job{Status: JobStatusCompleted}, HintTerminal},
		{Job{Status: JobStatusFailed}, HintTerminal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HintFor(&tt.job), "status %s approval %v", tt.job.Status, tt.job.AwaitingApproval)
	}
}
