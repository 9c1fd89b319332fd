// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for tusup. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Endpoint   string            `toml:"endpoint"`
	Headers    map[string]string `toml:"headers"`
	Token      string            `toml:"token"`
	Transfers  TransfersConfig   `toml:"transfers"`
	Encryption EncryptionConfig  `toml:"encryption"`
	Logging    LoggingConfig     `toml:"logging"`
	Network    NetworkConfig     `toml:"network"`
	Store      StoreConfig       `toml:"store"`
}

// TransfersConfig controls chunking, request windows, retries, and
// parallelism. Sizes are human-readable strings such as "5MiB".
type TransfersConfig struct {
	ChunkSize                  string `toml:"chunk_size"`
	RequestPayloadSize         string `toml:"request_payload_size"`
	MaxRetries                 int    `toml:"max_retries"`
	ParallelUploads            int    `toml:"parallel_uploads"`
	OverridePatchMethod        bool   `toml:"override_patch_method"`
	RemoveFingerprintOnSuccess bool   `toml:"remove_fingerprint_on_success"`
}

// EncryptionConfig selects the chunk cipher. Key material is never read from
// the config file.
type EncryptionConfig struct {
	Cipher string `toml:"cipher"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// StoreConfig controls where upload URLs are remembered and for how long.
type StoreConfig struct {
	DataDir    string `toml:"data_dir"`
	StaleAfter string `toml:"stale_after"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath         string  // --config flag (empty = use default)
	Endpoint           *string // --endpoint flag
	ChunkSize          *string // --chunk-size flag
	RequestPayloadSize *string // --payload-size flag
	ParallelUploads    *int    // --parallel flag
}
