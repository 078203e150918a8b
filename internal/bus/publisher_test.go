package bus

import (
	"context"
	"encoding/json"
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

// recorder stands in for a NATS connection.
type recorder struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (r *recorder) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.msgs == nil {
		r.msgs = make(map[string][][]byte)
	}
	r.msgs[subject] = append(r.msgs[subject], data)
	return nil
}

func (r *recorder) subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for s := range r.msgs {
		out = append(out, s)
	}
	return out
}

func TestSubject(t *testing.T) {
	p := newJobPublisher(&recorder{}, "")
	job := &async.Job{JobType: "batch-generate"}

	assert.Equal(t, "slate.jobs.batch-generate.completed", p.Subject(async.Event{Type: async.EventCompleted, Job: job}))
	assert.Equal(t, "slate.jobs.batch-generate.awaiting_approval", p.Subject(async.Event{Type: async.EventAwaitingApproval, Job: job}))
	assert.Equal(t, "slate.jobs.unknown.tick", p.Subject(async.Event{Type: async.EventTick}))

	custom := newJobPublisher(&recorder{}, "studio.events.")
	assert.Equal(t, "studio.events.odd_type_.started",
		custom.Subject(async.Event{Type: async.EventStarted, Job: &async.Job{JobType: "odd.type>"}}))
}

func TestPublishPayload(t *testing.T) {
	rec := &recorder{}
	p := newJobPublisher(rec, "")
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), async.Event{
		Type:  async.EventFailed,
		JobID: "JB1",
		Hint:  async.HintTerminal,
		At:    at,
		Job: &async.Job{
			ID:         "JB1",
			OwnerScope: "project-1",
			JobType:    "ladder-run",
			Status:     async.JobStatusFailed,
			Error:      "stage treatment failed",
			Counts:     async.Counts{Total: 4, Completed: 2, Failed: 1},
		},
	})
	require.NoError(t, err)

	msgs := rec.msgs["slate.jobs.ladder-run.failed"]
	require.Len(t, msgs, 1)

	var got JobEvent
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, "JB1", got.JobID)
	assert.Equal(t, "project-1", got.OwnerScope)
	assert.Equal(t, async.JobStatusFailed, got.Status)
	assert.Equal(t, async.HintTerminal, got.Hint)
	assert.Equal(t, 2, got.Counts.Completed)
	assert.Equal(t, "stage treatment failed", got.Error)
	assert.Equal(t, at.UnixMilli(), got.HappenedAt)
	assert.Nil(t, got.Decision)
}

func TestPublishError(t *testing.T) {
	p := newJobPublisher(&recorder{err: errors.New("nats: connection closed")}, "")
	err := p.Publish(context.Background(), async.Event{Type: async.EventStarted, JobID: "JB7"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JB7")
}

// Engine events reach the bus through the broadcaster.
func TestEngineEventsArePublished(t *testing.T) {
	reg := async.NewRegistry()
	reg.Register(async.JobType{
		Name: "batch-generate",
		Kind: async.KindBatch,
		RunItem: func(ctx context.Context, job *async.Job, item *async.Item) (async.ItemResult, error) {
			return async.ItemResult{OutputRef: "out/" + item.Key}, nil
		},
	})
	e := async.NewEngine(async.NewStore(slatetest.CreateTestDB(t)), reg, zap.NewNop().Sugar())

	rec := &recorder{}
	e.Events().AddPublisher(newJobPublisher(rec, ""))

	ctx := context.Background()
	snap, err := e.Start(ctx, async.StartRequest{
		OwnerScope: "project-1",
		JobType:    "batch-generate",
		Config:     json.RawMessage(`{"items":["a"]}`),
	})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		res, err := e.Tick(ctx, snap.Job.ID, "bus-test")
		require.NoError(t, err)
		if res.Hint == async.HintTerminal {
			break
		}
	}

	assert.Contains(t, rec.subjects(), "slate.jobs.batch-generate.started")
	assert.Contains(t, rec.subjects(), "slate.jobs.batch-generate.completed")
}

func TestConnectUnreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "slate-test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}
