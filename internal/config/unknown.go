package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys per section; "" is the top level.
var knownKeys = map[string][]string{
	"": {"encryption", "endpoint", "headers", "logging", "network", "store", "token", "transfers"},
	"transfers": {
		"chunk_size", "max_retries", "override_patch_method", "parallel_uploads",
		"remove_fingerprint_on_success", "request_payload_size",
	},
	"encryption": {"cipher"},
	"logging":    {"log_format", "log_level"},
	"network":    {"connect_timeout", "data_timeout", "user_agent"},
	"store":      {"data_dir", "stale_after"},
}

func init() {
	for _, keys := range knownKeys {
		sort.Strings(keys)
	}
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key. A typo
// in a config file must not be silently ignored.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	section, field := "", key.String()
	if len(key) > 1 {
		section = strings.Join(key[:len(key)-1], ".")
		field = key[len(key)-1]
	}

	known, ok := knownKeys[section]
	if !ok {
		// The enclosing table is itself unknown and reported on its own.
		return nil
	}

	if suggestion := closestMatch(field, known); suggestion != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", key.String(), suggestion)
	}

	return fmt.Errorf("unknown config key %q", key.String())
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
