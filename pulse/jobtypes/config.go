package jobtypes

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/slate/am"
	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/internal/httpclient"
	"github.com/teranos/slate/pulse/async"
)

// NewWorker returns the worker selected by [work]: a WebhookWorker when an
// endpoint is set, otherwise a Simulator.
func NewWorker(cfg am.WorkConfig) (Worker, error) {
	if cfg.Endpoint == "" {
		sim := NewSimulator()
		sim.Delay = time.Duration(cfg.SimDelayMS) * time.Millisecond
		return sim, nil
	}

	client := httpclient.New(httpclient.Options{
		Timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
		AllowPrivate: cfg.AllowPrivate,
	})
	if _, err := client.Validate(cfg.Endpoint); err != nil {
		return nil, errors.WithHint(
			errors.Wrap(err, "invalid work.endpoint"),
			"set work.allow_private = true for webhooks on a private network")
	}
	return NewWebhookWorker(client, cfg.Endpoint, cfg.Token), nil
}

// NewEngine builds a job engine over conn with every slate job type
// registered, using the worker and limits from cfg.
func NewEngine(conn *sql.DB, cfg *am.Config, log *zap.SugaredLogger) (*async.Engine, error) {
	w, err := NewWorker(cfg.Work)
	if err != nil {
		return nil, err
	}
	reg := async.NewRegistry()
	Register(reg, w, cfg.JobLimits())

	store := async.NewStore(conn).WithHeartbeatTimeout(cfg.HeartbeatTimeout())
	return async.NewEngine(store, reg, log), nil
}

// ApplyLimits pushes reloaded [jobs.<type>] limits into a running registry.
// Types without a section go back to the defaults.
func ApplyLimits(reg *async.Registry, cfg *am.Config) {
	limits := cfg.JobLimits()
	for _, name := range reg.Names() {
		reg.SetLimits(name, limits[name])
	}
}
