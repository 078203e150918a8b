package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/pulse/async"
)

type fakeServer struct {
	apiVersion  string
	healthCalls atomic.Int32
	tickStatus  int
	tickBody    interface{}
	lastToken   atomic.Value
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		f.healthCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "api_version": f.apiVersion})
	})
	mux.HandleFunc("/api/jobs/JB1/tick", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		f.lastToken.Store(r.Header.Get(WorkerTokenHeader))
		w.Header().Set("Content-Type", "application/json")
		status := f.tickStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(f.tickBody)
	})
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("owner") != "project-1" {
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(errorBody{Error: "no active job", Code: errors.CodeNotFound})
				return
			}
			_ = json.NewEncoder(w).Encode(async.Snapshot{Job: &async.Job{ID: "JB1", Status: async.JobStatusRunning}})
		case http.MethodPost:
			var req async.StartRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(async.Snapshot{Job: &async.Job{ID: "JB2", JobType: req.JobType, Status: async.JobStatusRunning}})
		}
	})
	mux.HandleFunc("/api/jobs/JB1/decision", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["decision_id"] != "dec-1" {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(errorBody{Error: "decision dec-0 is stale", Code: errors.CodeStaleDecision})
			return
		}
		_ = json.NewEncoder(w).Encode(async.Snapshot{Job: &async.Job{ID: "JB1", Status: async.JobStatusRunning}})
	})
	return mux
}

func newRemote(t *testing.T, f *fakeServer) *RemoteClient {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewRemoteClient(srv.URL+"/", WithHTTPClient(srv.Client()))
}

func TestRemoteTick(t *testing.T) {
	f := &fakeServer{
		apiVersion: "1.1.0",
		tickBody:   async.TickResult{Job: &async.Job{ID: "JB1", Status: async.JobStatusRunning, Steps: 3}, Hint: async.HintContinue},
	}
	c := newRemote(t, f)

	res, err := c.Tick(context.Background(), "JB1", "tas-bot")
	require.NoError(t, err)
	assert.Equal(t, async.HintContinue, res.Hint)
	assert.Equal(t, 3, res.Job.Steps)
	assert.Equal(t, "tas-bot", f.lastToken.Load())

	_, err = c.Tick(context.Background(), "JB1", "tas-bot")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.healthCalls.Load(), "compatibility is checked once")
}

func TestRemoteIncompatibleServer(t *testing.T) {
	f := &fakeServer{apiVersion: "2.0.0"}
	c := newRemote(t, f)

	_, err := c.Tick(context.Background(), "JB1", "tas-bot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not satisfy")
	assert.NotEmpty(t, errors.GetAllHints(err))

	_, err = c.Tick(context.Background(), "JB1", "tas-bot")
	require.Error(t, err)
	assert.Equal(t, int32(2), f.healthCalls.Load(), "a failed check is retried")
}

func TestRemoteSkipsCheckWithoutConstraint(t *testing.T) {
	f := &fakeServer{apiVersion: "9.0.0", tickBody: async.TickResult{Hint: async.HintWait}}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	c := NewRemoteClient(srv.URL, WithAPIConstraint(""))

	res, err := c.Tick(context.Background(), "JB1", "tas-bot")
	require.NoError(t, err)
	assert.Equal(t, async.HintWait, res.Hint)
	assert.Zero(t, f.healthCalls.Load())
}

func TestRemoteErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      interface{}
		sentinel  error
		transient bool
		stale     bool
	}{
		{"busy", http.StatusConflict, errorBody{Error: "claimed", Code: errors.CodeBusy}, errors.ErrBusy, true, false},
		{"stale claim", http.StatusConflict, errorBody{Error: "claim lost", Code: errors.CodeStaleClaim}, errors.ErrClaimLost, false, true},
		{"rate limited without code", http.StatusTooManyRequests, map[string]string{"error": "slow down"}, errors.ErrRateLimited, true, false},
		{"not found", http.StatusNotFound, errorBody{Error: "job JB1 not found", Code: errors.CodeNotFound}, errors.ErrNotFound, false, false},
		{"server failure", http.StatusInternalServerError, errorBody{Error: "disk I/O error", Code: errors.CodeInternal}, errors.ErrServiceUnavailable, true, false},
		{"bad gateway", http.StatusBadGateway, nil, errors.ErrServiceUnavailable, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeServer{apiVersion: "1.0.0", tickStatus: tt.status, tickBody: tt.body}
			c := newRemote(t, f)

			_, err := c.Tick(context.Background(), "JB1", "tas-bot")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel), "got %v", err)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
			assert.Equal(t, tt.stale, errors.IsStaleState(err))
		})
	}
}

func TestRemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewRemoteClient(url, WithAPIConstraint(""))
	_, err := c.Tick(context.Background(), "JB1", "tas-bot")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestRemoteActiveJob(t *testing.T) {
	c := newRemote(t, &fakeServer{apiVersion: "1.0.0"})

	snap, err := c.ActiveJob(context.Background(), "project-1", "batch-generate")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "JB1", snap.Job.ID)

	snap, err = c.ActiveJob(context.Background(), "project-2", "batch-generate")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRemoteStartAndDecision(t *testing.T) {
	c := newRemote(t, &fakeServer{apiVersion: "1.0.0"})
	ctx := context.Background()

	snap, err := c.Start(ctx, async.StartRequest{OwnerScope: "project-1", JobType: "ladder-run"})
	require.NoError(t, err)
	assert.Equal(t, "ladder-run", snap.Job.JobType)

	_, err = c.ApplyDecision(ctx, "JB1", "dec-1", "accept")
	require.NoError(t, err)

	_, err = c.ApplyDecision(ctx, "JB1", "dec-0", "accept")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStaleDecision))
	assert.True(t, errors.IsConflict(err))
}

func TestRemoteControlRejectsUnknownAction(t *testing.T) {
	c := NewRemoteClient("http://127.0.0.1:1")
	_, err := c.Control(context.Background(), "JB1", "explode")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestRemoteDrivenByDriver(t *testing.T) {
	f := &fakeServer{
		apiVersion: "1.0.0",
		tickBody:   async.TickResult{Job: &async.Job{ID: "JB1", Status: async.JobStatusCompleted}, Hint: async.HintTerminal},
	}
	c := newRemote(t, f)

	out := New(c, fastConfig(), nil).Run(context.Background(), "JB1")
	assert.Equal(t, ReasonTerminal, out.Reason)
	assert.NoError(t, out.Err)
}
