package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Resolved is the effective configuration after the override chain, with
// sizes and durations parsed.
type Resolved struct {
	Endpoint string
	Headers  map[string]string
	Token    string

	ChunkSize                  int
	RequestPayloadSize         int64
	MaxRetries                 int
	ParallelUploads            int
	OverridePatchMethod        bool
	RemoveFingerprintOnSuccess bool

	Cipher string

	LogLevel  string
	LogFormat string

	ConnectTimeout time.Duration
	DataTimeout    time.Duration
	UserAgent      string

	DataDir    string
	StaleAfter time.Duration
}

// StorePath returns the path of the upload URL database.
func (r *Resolved) StorePath() string {
	return filepath.Join(r.DataDir, storeFileName)
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Debug("config loaded", slog.String("path", cfgPath))
	}

	if env.Endpoint != "" {
		cfg.Endpoint = env.Endpoint
	}

	if env.Token != "" {
		cfg.Token = env.Token
	}

	if cli.Endpoint != nil {
		cfg.Endpoint = *cli.Endpoint
	}

	if cli.ChunkSize != nil {
		cfg.Transfers.ChunkSize = *cli.ChunkSize
	}

	if cli.RequestPayloadSize != nil {
		cfg.Transfers.RequestPayloadSize = *cli.RequestPayloadSize
	}

	if cli.ParallelUploads != nil {
		cfg.Transfers.ParallelUploads = *cli.ParallelUploads
	}

	// Overrides are validated like file values.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolve(cfg)
}

// resolve parses a validated Config into its effective values.
func resolve(cfg *Config) (*Resolved, error) {
	chunk, err := ParseSize(cfg.Transfers.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("chunk_size: %w", err)
	}

	payload, err := ParseSize(cfg.Transfers.RequestPayloadSize)
	if err != nil {
		return nil, fmt.Errorf("request_payload_size: %w", err)
	}

	connect, err := time.ParseDuration(cfg.Network.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect_timeout: %w", err)
	}

	data, err := time.ParseDuration(cfg.Network.DataTimeout)
	if err != nil {
		return nil, fmt.Errorf("data_timeout: %w", err)
	}

	stale, err := time.ParseDuration(cfg.Store.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("stale_after: %w", err)
	}

	dataDir := cfg.Store.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	return &Resolved{
		Endpoint:                   cfg.Endpoint,
		Headers:                    cfg.Headers,
		Token:                      cfg.Token,
		ChunkSize:                  int(chunk),
		RequestPayloadSize:         payload,
		MaxRetries:                 cfg.Transfers.MaxRetries,
		ParallelUploads:            cfg.Transfers.ParallelUploads,
		OverridePatchMethod:        cfg.Transfers.OverridePatchMethod,
		RemoveFingerprintOnSuccess: cfg.Transfers.RemoveFingerprintOnSuccess,
		Cipher:                     cfg.Encryption.Cipher,
		LogLevel:                   cfg.Logging.LogLevel,
		LogFormat:                  cfg.Logging.LogFormat,
		ConnectTimeout:             connect,
		DataTimeout:                data,
		UserAgent:                  cfg.Network.UserAgent,
		DataDir:                    expandTilde(dataDir),
		StaleAfter:                 stale,
	}, nil
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
