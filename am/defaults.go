package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "slate.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.bind", "127.0.0.1")
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.tick_rate", 20.0)
	v.SetDefault("server.tick_burst", 40)

	v.SetDefault("pulse.interval_ms", 1500)
	v.SetDefault("pulse.heartbeat_timeout_seconds", 45)
	v.SetDefault("pulse.retention_hours", 7*24)
	v.SetDefault("pulse.sweep_interval_seconds", 60)
	v.SetDefault("pulse.server_drive", false)
	v.SetDefault("pulse.max_concurrent_drives", 4)

	v.SetDefault("work.endpoint", "")
	v.SetDefault("work.timeout_seconds", 60)
	v.SetDefault("work.allow_private", false)
	v.SetDefault("work.sim_delay_ms", 0)

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", "slate.jobs")

	v.SetDefault("log.format", "console")
}

// BindSensitiveEnvVars explicitly binds secrets and deployment overrides to
// environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "SLATE_DATABASE_PATH")
	_ = v.BindEnv("work.endpoint", "SLATE_WORK_ENDPOINT")
	_ = v.BindEnv("work.token", "SLATE_WORK_TOKEN")
	_ = v.BindEnv("events.nats_url", "SLATE_EVENTS_NATS_URL", "NATS_URL")
}

// Default returns the configuration with only built-in defaults applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// Defaults always decode.
		panic(err)
	}
	return cfg
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: {Port: %d}, Pulse: {ServerDrive: %t}, Work: {Endpoint: %q}}",
		c.GetDatabasePath(), c.GetServerPort(), c.Pulse.ServerDrive, c.Work.Endpoint)
}
