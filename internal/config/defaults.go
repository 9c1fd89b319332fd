package config

// Default values for configuration options, the first layer of the override
// chain.
const (
	defaultChunkSize          = "5MiB"
	defaultRequestPayloadSize = "5MiB"
	defaultMaxRetries         = 5
	defaultParallelUploads    = 2
	defaultCipher             = "aes-ctr"
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
	defaultConnectTimeout     = "10s"
	defaultDataTimeout        = "60s"
	defaultStaleAfter         = "168h"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Headers: make(map[string]string),
		Transfers: TransfersConfig{
			ChunkSize:                  defaultChunkSize,
			RequestPayloadSize:         defaultRequestPayloadSize,
			MaxRetries:                 defaultMaxRetries,
			ParallelUploads:            defaultParallelUploads,
			RemoveFingerprintOnSuccess: true,
		},
		Encryption: EncryptionConfig{Cipher: defaultCipher},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
		Store: StoreConfig{StaleAfter: defaultStaleAfter},
	}
}
