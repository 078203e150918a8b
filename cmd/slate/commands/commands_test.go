package commands

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/slate/errors"
	slatetest "github.com/teranos/slate/internal/testing"
	"github.com/teranos/slate/pulse/async"
	"github.com/teranos/slate/pulse/driver"
	"github.com/teranos/slate/pulse/jobtypes"
)

func TestParseConfigFlag(t *testing.T) {
	cfg, err := parseConfigFlag("", nil)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = parseConfigFlag(`{"auto_accept_defaults":true}`, []string{"a", "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"auto_accept_defaults":true,"items":["a","b"]}`, string(cfg))

	path := filepath.Join(t.TempDir(), "job.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"items":["x"]}`), 0644))
	cfg, err = parseConfigFlag("@"+path, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["x"]}`, string(cfg))

	_, err = parseConfigFlag(`[1,2]`, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.NotEmpty(t, errors.FlattenHints(err))

	_, err = parseConfigFlag("@/no/such/file.json", nil)
	assert.Error(t, err)
}

func newLocalAPI(t *testing.T) localAPI {
	t.Helper()
	reg := async.NewRegistry()
	jobtypes.Register(reg, jobtypes.NewSimulator(), nil)
	return localAPI{async.NewEngine(async.NewStore(slatetest.CreateTestDB(t)), reg, zap.NewNop().Sugar())}
}

func TestLocalAPIControl(t *testing.T) {
	api := newLocalAPI(t)
	ctx := context.Background()
	snap, err := api.Start(ctx, async.StartRequest{
		OwnerScope: "project-1",
		JobType:    jobtypes.BatchGenerate,
		Config:     json.RawMessage(`{"items":["a"]}`),
	})
	require.NoError(t, err)

	for action, want := range map[string]async.JobStatus{
		"pause":   async.JobStatusPaused,
		"resume":  async.JobStatusRunning,
		"recover": async.JobStatusRunning,
	} {
		got, err := api.Control(ctx, snap.Job.ID, action)
		require.NoError(t, err, action)
		assert.Equal(t, want, got.Job.Status, action)
	}

	got, err := api.Control(ctx, snap.Job.ID, "stop")
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusStopped, got.Job.Status)

	_, err = api.Control(ctx, snap.Job.ID, "explode")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestDriveLocalJob(t *testing.T) {
	api := newLocalAPI(t)
	ctx := context.Background()
	snap, err := api.Start(ctx, async.StartRequest{
		OwnerScope: "project-1",
		JobType:    jobtypes.BatchGenerate,
		Config:     json.RawMessage(`{"items":["a","b","c"]}`),
	})
	require.NoError(t, err)

	d := driver.New(api, driver.Config{Interval: 1, InitialBackoff: 1, MaxBackoff: 1}, nil)
	out := d.Run(ctx, snap.Job.ID)
	require.Equal(t, driver.ReasonTerminal, out.Reason)
	assert.Equal(t, async.JobStatusCompleted, out.Job.Status)
	final, err := api.Status(ctx, snap.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.Counts.Completed)
}

func TestServerURL(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("server", "", "")

	t.Setenv("SLATE_SERVER", "")
	assert.Empty(t, serverURL(cmd))

	t.Setenv("SLATE_SERVER", "http://env:8770")
	assert.Equal(t, "http://env:8770", serverURL(cmd))

	require.NoError(t, cmd.Flags().Set("server", "http://flag:8770"))
	assert.Equal(t, "http://flag:8770", serverURL(cmd))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
