package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/teranos/slate/am"
	"github.com/teranos/slate/internal/util"
	"github.com/teranos/slate/pulse/jobtypes"
)

func TestConfigFromAm(t *testing.T) {
	cfg := am.Default()
	cfg.Server.Port = util.Ptr(9100)
	cfg.Server.Bind = "0.0.0.0"
	cfg.Pulse.ServerDrive = true
	cfg.Pulse.MaxConcurrentDrives = 2
	cfg.Pulse.SweepIntervalSeconds = 30
	cfg.Pulse.RetentionHours = 24
	cfg.Pulse.IntervalMS = 250

	sc := ConfigFromAm(cfg)
	assert.Equal(t, "0.0.0.0:9100", sc.Addr)
	assert.Equal(t, rate.Limit(cfg.Server.TickRate), sc.TickRate)
	assert.Equal(t, 30*time.Second, sc.Sweep.Interval)
	assert.Equal(t, 24*time.Hour, sc.Sweep.Retention)
	assert.True(t, sc.Sweep.ServerDrive)
	assert.Equal(t, 2, sc.Sweep.MaxDrives)
	assert.Equal(t, 250*time.Millisecond, sc.Sweep.Driver.Interval)
	assert.Equal(t, cfg.Server.AllowedOrigins, sc.AllowedOrigins)
}

func TestNewFromConfig(t *testing.T) {
	cfg := am.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "slate.db")

	s, err := NewFromConfig(cfg, "", zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.ElementsMatch(t, jobtypes.Names(), s.Engine().Registry().Names())
	assert.Len(t, s.closers, 1, "only the database without events configured")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestNewFromConfigRejectsInvalid(t *testing.T) {
	cfg := am.Default()
	cfg.Server.Port = util.Ptr(0)
	_, err := NewFromConfig(cfg, "", nil)
	assert.Error(t, err)
}

func TestNewFromConfigWithoutNats(t *testing.T) {
	cfg := am.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "slate.db")
	cfg.Events.NatsURL = "nats://127.0.0.1:1"

	s, err := NewFromConfig(cfg, "", nil)
	require.NoError(t, err, "an unreachable bus is not fatal")
	assert.Len(t, s.closers, 1)
	require.NoError(t, s.Stop(context.Background()))
}

func TestNewFromConfigWatchesLimits(t *testing.T) {
	dir := t.TempDir()
	cfg := am.Default()
	cfg.Database.Path = filepath.Join(dir, "slate.db")
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, am.WriteFile(path, cfg))

	s, err := NewFromConfig(cfg, path, nil)
	require.NoError(t, err)
	require.NotNil(t, s.configWatcher)
	assert.Same(t, s.configWatcher, am.GetGlobalWatcher())
	t.Cleanup(func() { am.SetGlobalWatcher(nil) })
	require.NoError(t, s.Stop(context.Background()))
}
