package am

import (
	"net/url"

	"github.com/teranos/slate/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be between 1 and 65535, got %d", *c.Server.Port)
	}
	if c.Server.TickRate < 0 {
		return errors.Newf("server.tick_rate must be >= 0, got %f", c.Server.TickRate)
	}
	if c.Server.TickBurst < 0 {
		return errors.Newf("server.tick_burst must be >= 0, got %d", c.Server.TickBurst)
	}

	if c.Pulse.IntervalMS < 0 {
		return errors.Newf("pulse.interval_ms must be >= 0, got %d", c.Pulse.IntervalMS)
	}
	if c.Pulse.HeartbeatTimeoutSeconds < 0 {
		return errors.Newf("pulse.heartbeat_timeout_seconds must be >= 0, got %d", c.Pulse.HeartbeatTimeoutSeconds)
	}
	// Zero means keep forever
	if c.Pulse.RetentionHours < 0 {
		return errors.Newf("pulse.retention_hours must be >= 0, got %d", c.Pulse.RetentionHours)
	}
	if c.Pulse.SweepIntervalSeconds < 0 {
		return errors.Newf("pulse.sweep_interval_seconds must be >= 0, got %d", c.Pulse.SweepIntervalSeconds)
	}
	if c.Pulse.ServerDrive && c.Pulse.MaxConcurrentDrives <= 0 {
		return errors.Newf("pulse.max_concurrent_drives must be > 0 when server_drive is on, got %d", c.Pulse.MaxConcurrentDrives)
	}

	for name, l := range c.Jobs {
		if l.MaxAttempts < 0 || l.MaxStageLoops < 0 || l.MaxTotalSteps < 0 {
			return errors.Newf("jobs.%s limits must be >= 0", name)
		}
		if l.ConvergenceTarget < 0 || l.ConvergenceTarget > 1 {
			return errors.Newf("jobs.%s.convergence_target must be within [0, 1], got %f", name, l.ConvergenceTarget)
		}
	}

	if c.Work.Endpoint != "" {
		u, err := url.Parse(c.Work.Endpoint)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return errors.Newf("work.endpoint must be an http(s) URL, got %q", c.Work.Endpoint)
		}
	}
	if c.Work.TimeoutSeconds < 0 {
		return errors.Newf("work.timeout_seconds must be >= 0, got %d", c.Work.TimeoutSeconds)
	}

	switch c.Log.Format {
	case "", "console", "json":
	default:
		return errors.Newf("log.format must be console or json, got %q", c.Log.Format)
	}

	return nil
}
