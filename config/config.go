// Package config holds the halyard configuration, loaded via Viper from
// halyard.toml plus HALYARD_* environment variables.
package config

// Config represents the halyard configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig configures the protocol client and the execution fallback chain
type RemoteConfig struct {
	// Request/response deadline for correlated protocol requests
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	// Deadline for the initialize handshake after transport open
	HandshakeTimeoutSeconds int `mapstructure:"handshake_timeout_seconds"`
	// HTTP fallback deadline
	HTTPTimeoutSeconds int `mapstructure:"http_timeout_seconds"`

	// Reconnection after unexpected transport close
	ReconnectEnabled     bool    `mapstructure:"reconnect_enabled"`
	ReconnectMaxAttempts int     `mapstructure:"reconnect_max_attempts"`
	ReconnectBaseDelayMs int     `mapstructure:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMs  int     `mapstructure:"reconnect_max_delay_ms"`
	ReconnectMultiplier  float64 `mapstructure:"reconnect_multiplier"`

	// SimulationEnabled gates the final fallback tier: when both the live
	// connection and the HTTP fallback fail, a deterministic local
	// simulation synthesizes a successful result. Off by default so a
	// production execution never silently fabricates success.
	SimulationEnabled bool `mapstructure:"simulation_enabled"`

	// CredentialKey is the hex-encoded AES-256 key used to decrypt stored
	// server credentials. Empty means credentials are stored in plaintext.
	CredentialKey string `mapstructure:"credential_key"`
}

// SchedulerConfig configures the dispatch queue and worker pool
type SchedulerConfig struct {
	Workers               int     `mapstructure:"workers"`
	PollIntervalSeconds   int     `mapstructure:"poll_interval_seconds"`
	TickerIntervalSeconds int     `mapstructure:"ticker_interval_seconds"`
	MaxAttempts           int     `mapstructure:"max_attempts"`
	RetryBaseDelayMs      int     `mapstructure:"retry_base_delay_ms"`
	RetryMaxDelayMs       int     `mapstructure:"retry_max_delay_ms"`
	DispatchRatePerSecond float64 `mapstructure:"dispatch_rate_per_second"`
	DispatchBurst         int     `mapstructure:"dispatch_burst"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	JSON bool `mapstructure:"json"`
}
