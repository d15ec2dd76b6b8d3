package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "halyard.db")

	// Remote protocol defaults
	v.SetDefault("remote.request_timeout_seconds", 30)
	v.SetDefault("remote.handshake_timeout_seconds", 10)
	v.SetDefault("remote.http_timeout_seconds", 60)
	v.SetDefault("remote.reconnect_enabled", true)
	v.SetDefault("remote.reconnect_max_attempts", 5)
	v.SetDefault("remote.reconnect_base_delay_ms", 500)
	v.SetDefault("remote.reconnect_max_delay_ms", 30000)
	v.SetDefault("remote.reconnect_multiplier", 2.0)
	v.SetDefault("remote.simulation_enabled", false) // real executions must never fabricate success
	v.SetDefault("remote.credential_key", "")

	// Scheduler defaults
	v.SetDefault("scheduler.workers", 2)
	v.SetDefault("scheduler.poll_interval_seconds", 1)
	v.SetDefault("scheduler.ticker_interval_seconds", 1)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.retry_base_delay_ms", 1000)
	v.SetDefault("scheduler.retry_max_delay_ms", 60000)
	v.SetDefault("scheduler.dispatch_rate_per_second", 5.0)
	v.SetDefault("scheduler.dispatch_burst", 10)

	// Logging defaults
	v.SetDefault("logging.json", false)
}
