package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }

func TestLoad_ValidFullConfig(t *testing.T) {
	tomlContent := `
endpoint = "https://tus.example.com/files/"
token = "secret"

[headers]
X-Tenant = "acme"

[transfers]
chunk_size = "1MiB"
request_payload_size = "8MiB"
max_retries = 3
parallel_uploads = 4
override_patch_method = true
remove_fingerprint_on_success = false

[encryption]
cipher = "chacha20"

[logging]
log_level = "debug"
log_format = "json"

[network]
connect_timeout = "5s"
data_timeout = "2m"
user_agent = "tusup-test"

[store]
data_dir = "/var/lib/tusup"
stale_after = "48h"
`
	path := writeTestConfig(t, tomlContent)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://tus.example.com/files/", cfg.Endpoint)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, map[string]string{"X-Tenant": "acme"}, cfg.Headers)
	assert.Equal(t, "1MiB", cfg.Transfers.ChunkSize)
	assert.Equal(t, "8MiB", cfg.Transfers.RequestPayloadSize)
	assert.Equal(t, 3, cfg.Transfers.MaxRetries)
	assert.Equal(t, 4, cfg.Transfers.ParallelUploads)
	assert.True(t, cfg.Transfers.OverridePatchMethod)
	assert.False(t, cfg.Transfers.RemoveFingerprintOnSuccess)
	assert.Equal(t, "chacha20", cfg.Encryption.Cipher)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, "5s", cfg.Network.ConnectTimeout)
	assert.Equal(t, "2m", cfg.Network.DataTimeout)
	assert.Equal(t, "tusup-test", cfg.Network.UserAgent)
	assert.Equal(t, "/var/lib/tusup", cfg.Store.DataDir)
	assert.Equal(t, "48h", cfg.Store.StaleAfter)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[transfers]
chunk_size = "256KiB"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "256KiB", cfg.Transfers.ChunkSize)
	assert.Equal(t, defaultRequestPayloadSize, cfg.Transfers.RequestPayloadSize)
	assert.Equal(t, defaultParallelUploads, cfg.Transfers.ParallelUploads)
	assert.True(t, cfg.Transfers.RemoveFingerprintOnSuccess)
	assert.Equal(t, defaultCipher, cfg.Encryption.Cipher)
}

func TestLoad_UnknownKeySuggestion(t *testing.T) {
	path := writeTestConfig(t, `
[transfers]
chunk_sise = "1MiB"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "transfers.chunk_sise", did you mean "chunk_size"?`)
}

func TestLoad_UnknownSectionReportedOnce(t *testing.T) {
	path := writeTestConfig(t, `
[transfer]
chunk_size = "1MiB"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "transfer", did you mean "transfers"?`)
	assert.NotContains(t, err.Error(), "transfer.chunk_size")
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, `endpoint = "unterminated`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationError(t *testing.T) {
	path := writeTestConfig(t, `
[transfers]
parallel_uploads = 0
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
	assert.Contains(t, err.Error(), "parallel_uploads")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_Defaults(t *testing.T) {
	cli := CLIOverrides{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")}

	r, err := Resolve(EnvOverrides{}, cli, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 5<<20, r.ChunkSize)
	assert.Equal(t, int64(5<<20), r.RequestPayloadSize)
	assert.Equal(t, defaultMaxRetries, r.MaxRetries)
	assert.Equal(t, defaultParallelUploads, r.ParallelUploads)
	assert.True(t, r.RemoveFingerprintOnSuccess)
	assert.Equal(t, "aes-ctr", r.Cipher)
	assert.Equal(t, 10*time.Second, r.ConnectTimeout)
	assert.Equal(t, 60*time.Second, r.DataTimeout)
	assert.Equal(t, 7*24*time.Hour, r.StaleAfter)
	assert.Equal(t, DefaultDataDir(), r.DataDir)
}

func TestResolve_OverrideChain(t *testing.T) {
	dataDir := t.TempDir()
	path := writeTestConfig(t, `
endpoint = "https://file.example.com/files/"
token = "from-file"

[transfers]
chunk_size = "1MiB"
parallel_uploads = 3

[store]
data_dir = "`+filepath.ToSlash(dataDir)+`"
`)

	env := EnvOverrides{Endpoint: "https://env.example.com/files/", Token: "from-env"}
	cli := CLIOverrides{
		ConfigPath:      path,
		ChunkSize:       strPtr("64KiB"),
		ParallelUploads: intPtr(8),
	}

	r, err := Resolve(env, cli, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com/files/", r.Endpoint)
	assert.Equal(t, "from-env", r.Token)
	assert.Equal(t, 64<<10, r.ChunkSize)
	assert.Equal(t, 8, r.ParallelUploads)
	assert.Equal(t, filepath.Join(filepath.FromSlash(dataDir), storeFileName), r.StorePath())

	cli.Endpoint = strPtr("https://cli.example.com/files/")

	r, err = Resolve(env, cli, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "https://cli.example.com/files/", r.Endpoint)
}

func TestResolve_EnvConfigPath(t *testing.T) {
	path := writeTestConfig(t, `
[encryption]
cipher = "chacha20"
`)

	r, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "chacha20", r.Cipher)
}

func TestResolve_InvalidCLIOverride(t *testing.T) {
	cli := CLIOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		ChunkSize:  strPtr("lots"),
	}

	_, err := Resolve(EnvOverrides{}, cli, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size")
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "data"), expandTilde("~/data"))
	assert.Equal(t, "/abs/data", expandTilde("/abs/data"))
	assert.Equal(t, "~", expandTilde("~"))
}
