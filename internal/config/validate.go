package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minChunkBytes      = 1
	maxChunkBytes      = 1 << 30 // 1 GiB
	minParallelUploads = 1
	maxParallelUploads = 64
	maxRetries         = 100
	minConnectTimeout  = 1 * time.Second
	minDataTimeout     = 1 * time.Second
	minStaleAfter      = 1 * time.Hour
)

var (
	validCiphers    = map[string]bool{"aes-ctr": true, "chacha20": true}
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateEndpoint(cfg.Endpoint)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)

	if !validCiphers[cfg.Encryption.Cipher] {
		errs = append(errs, fmt.Errorf("cipher: must be one of aes-ctr, chacha20, got %q", cfg.Encryption.Cipher))
	}

	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	if err := validateDuration("stale_after", cfg.Store.StaleAfter, minStaleAfter); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validateEndpoint(endpoint string) []error {
	if endpoint == "" {
		return nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return []error{fmt.Errorf("endpoint: %w", err)}
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []error{fmt.Errorf("endpoint: must be an http or https URL, got %q", endpoint)}
	}

	return nil
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	for _, f := range []struct {
		name, value string
	}{
		{"chunk_size", t.ChunkSize},
		{"request_payload_size", t.RequestPayloadSize},
	} {
		n, err := ParseSize(f.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}

		if n < minChunkBytes || n > maxChunkBytes {
			errs = append(errs, fmt.Errorf("%s: must be between 1B and 1GiB, got %s", f.name, f.value))
		}
	}

	if t.ParallelUploads < minParallelUploads || t.ParallelUploads > maxParallelUploads {
		errs = append(errs, fmt.Errorf("parallel_uploads: must be between %d and %d, got %d",
			minParallelUploads, maxParallelUploads, t.ParallelUploads))
	}

	if t.MaxRetries < 0 || t.MaxRetries > maxRetries {
		errs = append(errs, fmt.Errorf("max_retries: must be between 0 and %d, got %d", maxRetries, t.MaxRetries))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error, got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json, got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if err := validateDuration("connect_timeout", n.ConnectTimeout, minConnectTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := validateDuration("data_timeout", n.DataTimeout, minDataTimeout); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be at least %s, got %s", field, minimum, value)
	}

	return nil
}
