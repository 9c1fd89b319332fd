package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig   = "TUSUP_CONFIG"
	EnvEndpoint = "TUSUP_ENDPOINT"
	EnvToken    = "TUSUP_TOKEN" //nolint:gosec // G101: variable name, not a credential
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // TUSUP_CONFIG: override config file path
	Endpoint   string // TUSUP_ENDPOINT: upload creation URL
	Token      string // TUSUP_TOKEN: bearer token
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	env := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Endpoint:   os.Getenv(EnvEndpoint),
		Token:      os.Getenv(EnvToken),
	}

	if logger != nil {
		logger.Debug("read environment overrides",
			slog.Bool("config", env.ConfigPath != ""),
			slog.Bool("endpoint", env.Endpoint != ""),
			slog.Bool("token", env.Token != ""),
		)
	}

	return env
}
