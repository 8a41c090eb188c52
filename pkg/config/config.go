// Package config loads runner configuration from a config directory:
// rivetkit.yaml merged over built-in defaults, with .env handled by the
// entrypoint.
package config

import "time"

// Config is the root runner configuration.
type Config struct {
	Server  *ServerConfig  `yaml:"server"`
	Runner  *RunnerConfig  `yaml:"runner"`
	Actors  *ActorConfig   `yaml:"actors"`
	Storage *StorageConfig `yaml:"storage"`
}

// ServerConfig controls the HTTP listener and manager API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Token, when set, is required in the x-rivet-token header on manager
	// endpoints.
	Token string `yaml:"token"`
}

// RunnerConfig controls how the gateway routes resolved actors.
type RunnerConfig struct {
	// Name identifies this runner in metadata responses.
	Name string `yaml:"name"`

	// Serverless enables the GET /start worker-spawn endpoint.
	Serverless bool `yaml:"serverless"`

	// ClientEndpoint is the externally reachable base URL advertised in
	// GET /metadata, if any.
	ClientEndpoint string `yaml:"client_endpoint"`
}

// ActorConfig holds per-actor runtime limits and hook timeouts.
type ActorConfig struct {
	// CreateVarsTimeout bounds the createVars hook on every start.
	CreateVarsTimeout time.Duration `yaml:"create_vars_timeout"`

	// CreateConnStateTimeout bounds createConnState during a handshake.
	CreateConnStateTimeout time.Duration `yaml:"create_conn_state_timeout"`

	// OnConnectTimeout bounds the onConnect hook.
	OnConnectTimeout time.Duration `yaml:"on_connect_timeout"`

	// OnStopTimeout bounds the onStop hook during sleep/stop.
	OnStopTimeout time.Duration `yaml:"on_stop_timeout"`

	// ActionTimeout is the per-action deadline.
	ActionTimeout time.Duration `yaml:"action_timeout"`

	// WaitUntilTimeout bounds draining background tasks at stop.
	WaitUntilTimeout time.Duration `yaml:"wait_until_timeout"`

	// ConnectionLivenessTimeout is how long a socketless connection may sit
	// before the sweep removes it.
	ConnectionLivenessTimeout time.Duration `yaml:"connection_liveness_timeout"`

	// ConnectionLivenessInterval is how often the sweep runs.
	ConnectionLivenessInterval time.Duration `yaml:"connection_liveness_interval"`

	// SleepTimeout is the idle window before an eligible actor sleeps.
	SleepTimeout time.Duration `yaml:"sleep_timeout"`

	// StateSaveInterval throttles dirty-state persistence.
	StateSaveInterval time.Duration `yaml:"state_save_interval"`

	// MaxIncomingMessageSize caps a single inbound protocol message.
	MaxIncomingMessageSize int `yaml:"max_incoming_message_size"`

	// MaxConnParamsSize caps the connection-params handshake payload.
	MaxConnParamsSize int `yaml:"max_conn_params_size"`

	// NoSleep disables idle sleep entirely.
	NoSleep bool `yaml:"no_sleep"`

	// ExposeInternalError sends internal error messages to clients verbatim.
	// Never enable outside development.
	ExposeInternalError bool `yaml:"expose_internal_error"`
}

// StorageConfig selects and configures the storage driver.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`

	Postgres *PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds connection settings for the postgres driver.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`

	// AlarmPollInterval is how often the driver scans for due alarms.
	AlarmPollInterval time.Duration `yaml:"alarm_poll_interval"`
}

// DefaultConfig returns the built-in defaults, used as the merge base.
func DefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			Host: "0.0.0.0",
			Port: 6420,
		},
		Runner: &RunnerConfig{
			Name: "default",
		},
		Actors:  DefaultActorConfig(),
		Storage: &StorageConfig{Driver: "memory"},
	}
}

// DefaultActorConfig returns the built-in actor limits.
func DefaultActorConfig() *ActorConfig {
	return &ActorConfig{
		CreateVarsTimeout:          5 * time.Second,
		CreateConnStateTimeout:     5 * time.Second,
		OnConnectTimeout:           5 * time.Second,
		OnStopTimeout:              5 * time.Second,
		ActionTimeout:              60 * time.Second,
		WaitUntilTimeout:           15 * time.Second,
		ConnectionLivenessTimeout:  2500 * time.Millisecond,
		ConnectionLivenessInterval: 5 * time.Second,
		SleepTimeout:               30 * time.Second,
		StateSaveInterval:          10 * time.Second,
		MaxIncomingMessageSize:     64 * 1024,
		MaxConnParamsSize:          4 * 1024,
	}
}

// DefaultPostgresConfig returns the postgres driver defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:              "localhost",
		Port:              5432,
		User:              "rivetkit",
		Database:          "rivetkit",
		SSLMode:           "disable",
		MaxOpenConns:      25,
		MaxIdleConns:      5,
		AlarmPollInterval: time.Second,
	}
}
