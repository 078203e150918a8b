// Package am loads slate configuration ("I am").
//
// Sources merge in order of precedence, lowest first: built-in defaults,
// /etc/slate/am.toml, ~/.slate/am.toml, the nearest am.toml found walking up
// from the working directory, then SLATE_* environment variables.
package am

import (
	"time"

	"github.com/teranos/slate/pulse/async"
)

// Config represents the slate configuration
type Config struct {
	Database DatabaseConfig       `mapstructure:"database" toml:"database"`
	Server   ServerConfig         `mapstructure:"server" toml:"server"`
	Pulse    PulseConfig          `mapstructure:"pulse" toml:"pulse"`
	Jobs     map[string]JobLimits `mapstructure:"jobs" toml:"jobs,omitempty"`
	Work     WorkConfig           `mapstructure:"work" toml:"work"`
	Events   EventsConfig         `mapstructure:"events" toml:"events"`
	Log      LogConfig            `mapstructure:"log" toml:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           *int     `mapstructure:"port" toml:"port,omitempty"` // nil = default 8770, 0 is invalid
	Bind           string   `mapstructure:"bind" toml:"bind"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
	// Tick requests allowed per second for one job, and the burst above it.
	TickRate  float64 `mapstructure:"tick_rate" toml:"tick_rate"`
	TickBurst int     `mapstructure:"tick_burst" toml:"tick_burst"`
}

// PulseConfig configures the job engine and its background sweeper
type PulseConfig struct {
	IntervalMS              int  `mapstructure:"interval_ms" toml:"interval_ms"`                             // Driver pause between ticks
	HeartbeatTimeoutSeconds int  `mapstructure:"heartbeat_timeout_seconds" toml:"heartbeat_timeout_seconds"` // Claim expiry
	RetentionHours          int  `mapstructure:"retention_hours" toml:"retention_hours"`                     // 0 = keep terminal jobs forever
	SweepIntervalSeconds    int  `mapstructure:"sweep_interval_seconds" toml:"sweep_interval_seconds"`
	ServerDrive             bool `mapstructure:"server_drive" toml:"server_drive"` // Drive orphaned running jobs in the server
	MaxConcurrentDrives     int  `mapstructure:"max_concurrent_drives" toml:"max_concurrent_drives"`
}

// JobLimits overrides engine limits for one job type. Zero fields keep the
// engine default.
type JobLimits struct {
	MaxAttempts       int     `mapstructure:"max_attempts" toml:"max_attempts,omitempty"`
	MaxStageLoops     int     `mapstructure:"max_stage_loops" toml:"max_stage_loops,omitempty"`
	MaxTotalSteps     int     `mapstructure:"max_total_steps" toml:"max_total_steps,omitempty"`
	ConvergenceTarget float64 `mapstructure:"convergence_target" toml:"convergence_target,omitempty"`
}

// WorkConfig selects how work units are performed
type WorkConfig struct {
	Endpoint       string `mapstructure:"endpoint" toml:"endpoint"` // Webhook URL; empty runs the simulator
	Token          string `mapstructure:"token" toml:"token,omitempty"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	AllowPrivate   bool   `mapstructure:"allow_private" toml:"allow_private"` // Permit webhooks on private networks
	SimDelayMS     int    `mapstructure:"sim_delay_ms" toml:"sim_delay_ms"`
}

// EventsConfig configures job event publication to NATS
type EventsConfig struct {
	NatsURL string `mapstructure:"nats_url" toml:"nats_url"` // empty disables publication
	Subject string `mapstructure:"subject" toml:"subject"`
}

// LogConfig configures logging output
type LogConfig struct {
	Format string `mapstructure:"format" toml:"format"` // console or json
}

// Server port constants
const (
	DefaultServerPort = 8770
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// GetServerPort returns the configured port or DefaultServerPort.
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "slate.db"
	}
	return c.Database.Path
}

// HeartbeatTimeout returns the claim expiry window.
func (c *Config) HeartbeatTimeout() time.Duration {
	if c.Pulse.HeartbeatTimeoutSeconds <= 0 {
		return async.DefaultHeartbeatTimeout
	}
	return time.Duration(c.Pulse.HeartbeatTimeoutSeconds) * time.Second
}

// Retention returns how long terminal jobs are kept. Zero keeps them forever.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Pulse.RetentionHours) * time.Hour
}

// Interval returns the driver pause between ticks.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Pulse.IntervalMS) * time.Millisecond
}

// JobLimits converts the [jobs.<type>] sections to engine limits.
func (c *Config) JobLimits() map[string]async.Limits {
	out := make(map[string]async.Limits, len(c.Jobs))
	for name, l := range c.Jobs {
		out[name] = async.Limits{
			MaxAttempts:       l.MaxAttempts,
			MaxStageLoops:     l.MaxStageLoops,
			MaxTotalSteps:     l.MaxTotalSteps,
			ConvergenceTarget: l.ConvergenceTarget,
		}
	}
	return out
}
