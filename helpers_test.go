package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// tusUpload is one upload resource on the fake server.
type tusUpload struct {
	size     int64
	data     []byte
	metadata string
}

// fakeTus is a minimal in-memory tus server.
type fakeTus struct {
	mu      sync.Mutex
	uploads map[string]*tusUpload
	next    int
	auth    []string
	srv     *httptest.Server
}

func newFakeTus(t *testing.T) *fakeTus {
	t.Helper()

	ft := &fakeTus{uploads: make(map[string]*tusUpload)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /files", ft.handleCreate)
	mux.HandleFunc("HEAD /files/{id}", ft.handleHead)
	mux.HandleFunc("PATCH /files/{id}", ft.handlePatch)

	ft.srv = httptest.NewServer(mux)
	t.Cleanup(ft.srv.Close)

	return ft
}

func (ft *fakeTus) endpoint() string {
	return ft.srv.URL + "/files"
}

func (ft *fakeTus) handleCreate(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil {
		http.Error(w, "bad length", http.StatusBadRequest)
		return
	}

	ft.mu.Lock()
	ft.next++
	path := fmt.Sprintf("/files/%d", ft.next)
	ft.uploads[path] = &tusUpload{size: size, metadata: r.Header.Get("Upload-Metadata")}
	ft.auth = append(ft.auth, r.Header.Get("Authorization"))
	ft.mu.Unlock()

	w.Header().Set("Location", path)
	w.Header().Set("Tus-Resumable", "1.0.0")
	w.WriteHeader(http.StatusCreated)
}

func (ft *fakeTus) handleHead(w http.ResponseWriter, r *http.Request) {
	ft.mu.Lock()
	up, ok := ft.uploads[r.URL.Path]

	var offset int64
	if ok {
		offset = int64(len(up.data))
	}
	ft.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(offset, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (ft *fakeTus) handlePatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	up, ok := ft.uploads[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if offset != int64(len(up.data)) {
		w.WriteHeader(http.StatusConflict)
		return
	}

	up.data = append(up.data, body...)

	w.Header().Set("Upload-Offset", strconv.Itoa(len(up.data)))
	w.WriteHeader(http.StatusNoContent)
}

// addPartial registers an upload that already holds data.
func (ft *fakeTus) addPartial(size int64, data []byte) string {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.next++
	path := fmt.Sprintf("/files/%d", ft.next)
	ft.uploads[path] = &tusUpload{size: size, data: append([]byte(nil), data...)}

	return ft.srv.URL + path
}

func (ft *fakeTus) upload(path string) *tusUpload {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	up := ft.uploads[path]
	if up == nil {
		return nil
	}

	cp := *up
	cp.data = append([]byte(nil), up.data...)

	return &cp
}

func (ft *fakeTus) authHeaders() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return append([]string(nil), ft.auth...)
}

// cliEnv isolates a CLI test from the user's environment and returns the
// config path and data directory.
func cliEnv(t *testing.T, configBody string) (string, string) {
	t.Helper()

	for _, k := range []string{"TUSUP_CONFIG", "TUSUP_ENDPOINT", "TUSUP_TOKEN", envKey, envIV} {
		t.Setenv(k, "")
	}

	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	cfgPath := filepath.Join(dir, "config.toml")

	content := configBody + fmt.Sprintf("\n[store]\ndata_dir = %q\n\n[logging]\nlog_level = \"error\"\n", filepath.ToSlash(dataDir))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	return cfgPath, dataDir
}

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func testKeyFlags() (string, string) {
	key := bytes.Repeat([]byte{0x42}, 32)
	iv := bytes.Repeat([]byte{0x07}, 16)

	return base64.StdEncoding.EncodeToString(key), base64.StdEncoding.EncodeToString(iv)
}

func writeFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path, data
}

func tomlEndpoint(endpoint string) string {
	return "endpoint = " + strconv.Quote(endpoint) + "\n"
}

func hasLine(out, substr string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, substr) {
			return true
		}
	}

	return false
}
