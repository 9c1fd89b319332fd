package config

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
)

// ParseSize converts a human-readable size such as "5MiB", "512k", or
// "1GB" to bytes. Suffixes are binary: "MB" and "MiB" both mean 2^20.
// A bare number is raw bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("invalid size %q: empty", s)
	}

	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	return n, nil
}

// FormatSize renders n bytes in binary units, e.g. "5MiB".
func FormatSize(n int64) string {
	return units.BytesSize(float64(n))
}
