package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected YAML file inside the config directory.
const ConfigFileName = "rivetkit.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read rivetkit.yaml from configDir (missing file → pure defaults)
//  2. Expand ${ENV_VAR} references
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"server_port", cfg.Server.Port,
		"storage_driver", cfg.Storage.Driver,
		"serverless", cfg.Runner.Serverless)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("No config file found, using defaults", "path", path)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var user Config
	if err := yaml.Unmarshal([]byte(expanded), &user); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// User values override defaults; unset fields keep the built-ins.
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge configuration: %w", err)
	}

	if cfg.Storage.Driver == "postgres" {
		pg := DefaultPostgresConfig()
		if cfg.Storage.Postgres != nil {
			if err := mergo.Merge(pg, cfg.Storage.Postgres, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge postgres configuration: %w", err)
			}
		}
		cfg.Storage.Postgres = pg
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "postgres":
		pg := cfg.Storage.Postgres
		if pg == nil || pg.Host == "" || pg.Database == "" {
			return fmt.Errorf("storage.postgres requires host and database")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q (expected memory or postgres)", cfg.Storage.Driver)
	}

	a := cfg.Actors
	if a.ActionTimeout <= 0 {
		return fmt.Errorf("actors.action_timeout must be positive")
	}
	if a.StateSaveInterval <= 0 {
		return fmt.Errorf("actors.state_save_interval must be positive")
	}
	if a.ConnectionLivenessInterval <= 0 || a.ConnectionLivenessTimeout <= 0 {
		return fmt.Errorf("actors connection liveness settings must be positive")
	}
	if a.MaxIncomingMessageSize <= 0 || a.MaxConnParamsSize <= 0 {
		return fmt.Errorf("actors message size limits must be positive")
	}
	return nil
}
