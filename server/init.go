package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/slate/am"
	"github.com/teranos/slate/db"
	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/internal/bus"
	"github.com/teranos/slate/logger"
	"github.com/teranos/slate/pulse/driver"
	"github.com/teranos/slate/pulse/jobtypes"
)

// closerFunc adapts a func to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// ConfigFromAm maps the [server] and [pulse] sections to a server Config.
func ConfigFromAm(cfg *am.Config) Config {
	sc := DefaultConfig()
	bind := cfg.Server.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	sc.Addr = fmt.Sprintf("%s:%d", bind, cfg.GetServerPort())
	if len(cfg.Server.AllowedOrigins) > 0 {
		sc.AllowedOrigins = cfg.Server.AllowedOrigins
	}
	sc.TickRate = rate.Limit(cfg.Server.TickRate)
	sc.TickBurst = cfg.Server.TickBurst

	sc.Sweep.Retention = cfg.Retention()
	sc.Sweep.ServerDrive = cfg.Pulse.ServerDrive
	sc.Sweep.MaxDrives = cfg.Pulse.MaxConcurrentDrives
	if cfg.Pulse.SweepIntervalSeconds > 0 {
		sc.Sweep.Interval = time.Duration(cfg.Pulse.SweepIntervalSeconds) * time.Second
	}
	if iv := cfg.Interval(); iv > 0 {
		sc.Sweep.Driver.Interval = iv
	}
	sc.Sweep.Driver.WorkerToken = "server-drive"
	return sc
}

// NewFromConfig opens the database, builds the engine and wires optional
// event publication and config reloads. configPath, when non-empty, is
// watched for [jobs] limit changes.
func NewFromConfig(cfg *am.Config, configPath string, log *zap.SugaredLogger) (*Server, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dbPath := cfg.GetDatabasePath()
	conn, err := db.OpenWithMigrations(dbPath, log.Named("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", dbPath)
	}

	engine, err := jobtypes.NewEngine(conn, cfg, log.Named("pulse"))
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := New(engine, ConfigFromAm(cfg), log)
	s.AddCloser(conn)

	if url := cfg.Events.NatsURL; url != "" {
		nc, err := bus.Connect(url, "slate-server")
		if err != nil {
			// Events are best effort; the API works without them.
			log.Warnw("Job events will not be published", logger.FieldError, err)
		} else {
			engine.Events().AddPublisher(bus.NewJobPublisher(nc, cfg.Events.Subject))
			s.AddCloser(closerFunc(func() error { nc.Close(); return nil }))
			log.Infow("Publishing job events", "nats", url, "subject", cfg.Events.Subject)
		}
	}

	if configPath != "" {
		w, err := am.NewConfigWatcher(configPath)
		if err != nil {
			log.Warnw("Config reload disabled", logger.FieldPath, configPath, logger.FieldError, err)
		} else {
			w.OnReload(func(next *am.Config) error {
				jobtypes.ApplyLimits(engine.Registry(), next)
				log.Infow("Job limits reloaded", logger.FieldPath, configPath)
				return nil
			})
			am.SetGlobalWatcher(w)
			s.SetConfigWatcher(w)
		}
	}

	logger.AddDBSymbol(log).Infow("Database ready", logger.FieldPath, dbPath, "job_types", engine.Registry().Names())
	return s, nil
}

// DriverConfig returns the driver pacing for cfg, used by `slate run`.
func DriverConfig(cfg *am.Config) driver.Config {
	dc := driver.DefaultConfig()
	if iv := cfg.Interval(); iv > 0 {
		dc.Interval = iv
	}
	return dc
}
