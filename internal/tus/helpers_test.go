package tus

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testUploadPath = "/files/abc"

// fakeServer is a minimal in-memory tus server for a single upload.
type fakeServer struct {
	mu        sync.Mutex
	size      int64
	data      []byte
	patches   int
	acked     []int64
	requests  []recordedRequest
	gone      bool
	created   int
	createHdr http.Header

	// Knobs, set before the request they affect.
	failStatus   int   // respond to PATCH with this status after reading the body
	rejectStatus int   // respond to PATCH with this status without reading the body
	acceptEarly  bool  // answer PATCH with 204 and the current offset without reading the body
	omitOffset   bool  // answer PATCH without Upload-Offset
	offsetSkew   int64 // added to the reported Upload-Offset
	createCode   int   // status for POST creation; 0 = 201
	location     string
	headStatus   int // status for HEAD; 0 = 200
	headFailsN   int // number of HEAD requests answered with 503 first
	headAttempt  int

	srv *httptest.Server
}

func newFakeServer(t *testing.T, size int64) *fakeServer {
	t.Helper()

	fs := &fakeServer{size: size, location: testUploadPath}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)

	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	method := r.Method
	if method == http.MethodPost && r.Header.Get(headerMethodOverride) == http.MethodPatch {
		method = http.MethodPatch
	}

	fs.mu.Lock()
	fs.requests = append(fs.requests, recordedRequest{Method: r.Method, Header: r.Header.Clone()})
	fs.mu.Unlock()

	switch method {
	case http.MethodPost:
		fs.handleCreate(w, r)
	case http.MethodHead:
		fs.handleHead(w)
	case http.MethodPatch:
		fs.handlePatch(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (fs *fakeServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.created++
	fs.createHdr = r.Header.Clone()

	if n, err := strconv.ParseInt(r.Header.Get(headerUploadLength), 10, 64); err == nil {
		fs.size = n
	}

	code := fs.createCode
	if code == 0 {
		code = http.StatusCreated
	}

	if fs.location != "" {
		w.Header().Set("Location", fs.location)
	}

	w.WriteHeader(code)
}

func (fs *fakeServer) handleHead(w http.ResponseWriter) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.headAttempt++
	if fs.headAttempt <= fs.headFailsN {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if fs.gone {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if fs.headStatus != 0 {
		w.WriteHeader(fs.headStatus)
		return
	}

	w.Header().Set(headerUploadOffset, strconv.Itoa(len(fs.data)))
	w.Header().Set(headerUploadLength, strconv.FormatInt(fs.size, 10))
	w.WriteHeader(http.StatusOK)
}

func (fs *fakeServer) handlePatch(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	fs.patches++
	failStatus, rejectStatus, acceptEarly := fs.failStatus, fs.rejectStatus, fs.acceptEarly
	current := int64(len(fs.data))
	fs.mu.Unlock()

	if acceptEarly {
		w.Header().Set("Connection", "close")
		w.Header().Set(headerUploadOffset, strconv.FormatInt(current, 10))
		w.WriteHeader(http.StatusNoContent)

		return
	}

	if rejectStatus != 0 {
		w.Header().Set("Connection", "close")
		w.WriteHeader(rejectStatus)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if failStatus != 0 {
		w.WriteHeader(failStatus)
		return
	}

	if r.Header.Get(headerUploadOffset) != strconv.FormatInt(current, 10) {
		w.WriteHeader(http.StatusConflict)
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.data = append(fs.data, body...)
	offset := int64(len(fs.data))
	fs.acked = append(fs.acked, offset)

	if !fs.omitOffset {
		w.Header().Set(headerUploadOffset, strconv.FormatInt(offset+fs.offsetSkew, 10))
	}

	w.WriteHeader(http.StatusNoContent)
}

func (fs *fakeServer) patchCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.patches
}

func (fs *fakeServer) createdCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.created
}

func (fs *fakeServer) received() []byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return append([]byte(nil), fs.data...)
}

func (fs *fakeServer) set(f func(fs *fakeServer)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f(fs)
}

func (fs *fakeServer) endpoint() string {
	return fs.srv.URL + "/files"
}

type recordedRequest struct {
	Method string
	Header http.Header
}

func (fs *fakeServer) recorded() []recordedRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return append([]recordedRequest(nil), fs.requests...)
}

// countingNotifier records completion notifications.
type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) UploadFinished(context.Context, *Upload) error {
	n.calls.Add(1)
	return nil
}

// memStore is an in-memory URLStore.
type memStore struct {
	mu   sync.Mutex
	urls map[string]string
}

func newMemStore() *memStore {
	return &memStore{urls: make(map[string]string)}
}

func (s *memStore) Get(_ context.Context, fp string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.urls[fp]
	if !ok {
		return "", ErrFingerprintNotFound
	}

	return u, nil
}

func (s *memStore) Set(_ context.Context, fp, u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.urls[fp] = u

	return nil
}

func (s *memStore) Remove(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.urls, fp)

	return nil
}

func newTestClient(t *testing.T, fs *fakeServer, mutate func(cfg *ClientConfig)) *Client {
	t.Helper()

	cfg := ClientConfig{
		Endpoint:   fs.endpoint(),
		HTTPClient: fs.srv.Client(),
		Logger:     slog.Default(),
	}

	if mutate != nil {
		mutate(&cfg)
	}

	c, err := NewClient(cfg)
	require.NoError(t, err)

	c.SetRetryWait(time.Millisecond, 5*time.Millisecond)

	return c
}

func testKeys() KeyMaterial {
	key := make([]byte, 32)
	iv := make([]byte, 16)

	for i := range key {
		key[i] = byte(i + 1)
	}

	for i := range iv {
		iv[i] = byte(0xf0 + i)
	}

	return KeyMaterial{Key: key, IV: iv}
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}

	return b
}

// readerOnly hides io.Seeker so NewSource picks the replaying implementation.
type readerOnly struct {
	r io.Reader
}

func (r readerOnly) Read(p []byte) (int, error) {
	return r.r.Read(p)
}
