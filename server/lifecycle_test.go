package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/slate/pulse/driver"
	"github.com/teranos/slate/version"
)

func TestHealth(t *testing.T) {
	s, ts := newTestServer(t, testConfig(), nil)
	startBatch(t, ts, "project-1", `{"items":["a"]}`)

	resp, body := call(t, http.MethodGet, ts.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h healthResponse
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, version.APIVersion, h.APIVersion)
	assert.Equal(t, 1, h.System.JobsRunning)

	s.setState(ServerStateDraining)
	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRemoteClientCompatibility(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), nil)
	assert.NoError(t, driver.NewRemoteClient(ts.URL).CheckCompatibility(context.Background()))

	err := driver.NewRemoteClient(ts.URL, driver.WithAPIConstraint(">= 2.0.0")).CheckCompatibility(context.Background())
	assert.Error(t, err)
}

func TestServeAndStop(t *testing.T) {
	cfg := testConfig()
	cfg.Sweep.Interval = time.Hour
	s, _ := newTestServer(t, cfg, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ServerStateRunning, s.getState())

	conn, _, err := dial(t, base+"/ws", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	closed := 0
	s.AddCloser(closerFunc(func() error { closed++; return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, <-served)

	assert.Equal(t, ServerStateStopped, s.getState())
	assert.Zero(t, s.ClientCount())
	assert.Equal(t, 1, closed)

	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "clients are disconnected on stop")

	require.NoError(t, s.Stop(ctx), "stop is idempotent")
	assert.Equal(t, 1, closed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", stateString(ServerStateRunning))
	assert.Equal(t, "draining", stateString(ServerStateDraining))
	assert.Equal(t, "unknown", stateString(ServerState(42)))
}
