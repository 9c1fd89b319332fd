package tus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
)

const (
	defaultUserAgent  = "tusup/0.1"
	defaultMaxRetries = 3
)

// URLStore maps upload fingerprints to upload URLs across runs.
// Get returns ErrFingerprintNotFound when nothing is stored.
type URLStore interface {
	Get(ctx context.Context, fingerprint string) (string, error)
	Set(ctx context.Context, fingerprint, uploadURL string) error
	Remove(ctx context.Context, fingerprint string) error
}

// CompletionNotifier is told once an upload has been fully acknowledged.
type CompletionNotifier interface {
	UploadFinished(ctx context.Context, upload *Upload) error
}

// NotifierFunc adapts a function to CompletionNotifier.
type NotifierFunc func(ctx context.Context, upload *Upload) error

// UploadFinished calls f.
func (f NotifierFunc) UploadFinished(ctx context.Context, upload *Upload) error {
	return f(ctx, upload)
}

// Preparer adds authentication or identifying headers to a request before
// the protocol headers are set.
type Preparer interface {
	Prepare(req *http.Request) error
}

// PreparerFunc adapts a function to Preparer.
type PreparerFunc func(req *http.Request) error

// Prepare calls f.
func (f PreparerFunc) Prepare(req *http.Request) error {
	return f(req)
}

// BearerPreparer sets an Authorization header from an OAuth2 token source.
type BearerPreparer struct {
	Source oauth2.TokenSource
}

// Prepare implements Preparer.
func (p BearerPreparer) Prepare(req *http.Request) error {
	tok, err := p.Source.Token()
	if err != nil {
		return fmt.Errorf("obtaining token: %w", err)
	}

	tok.SetAuthHeader(req)

	return nil
}

// ClientConfig configures a Client. Only Endpoint is required.
type ClientConfig struct {
	Endpoint   string       // creation URL
	HTTPClient *http.Client // nil = http.DefaultClient
	Headers    map[string]string
	UserAgent  string
	Preparer   Preparer
	Store      URLStore // nil = no resume across runs
	Notifier   CompletionNotifier
	Cipher     Algorithm
	MaxRetries int // retries for create and offset queries; 0 = default
	Logger     *slog.Logger

	// RemoveFingerprintOnSuccess deletes the stored URL once an upload completes.
	RemoveFingerprintOnSuccess bool

	// OverridePatchMethod sends POST with X-HTTP-Method-Override: PATCH for
	// proxies and platforms that cannot issue PATCH.
	OverridePatchMethod bool
}

// Client talks to a tus endpoint: it creates and resumes upload resources and
// builds Uploaders for them. Create and HEAD requests are retried; chunk
// requests never are.
type Client struct {
	endpoint      *url.URL
	httpClient    *http.Client
	meta          *retryablehttp.Client
	headers       map[string]string
	userAgent     string
	preparer      Preparer
	store         URLStore
	notifier      CompletionNotifier
	cipher        *ChunkCipher
	removeOnDone  bool
	overridePatch bool
	logger        *slog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("%w: invalid endpoint %q", ErrConfiguration, cfg.Endpoint)
	}

	cc, err := NewChunkCipher(cfg.Cipher)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	meta := retryablehttp.NewClient()
	meta.HTTPClient = httpClient
	meta.RetryMax = maxRetries
	meta.Logger = logger
	// Hand the last response back so status codes surface as ProtocolError.
	meta.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		endpoint:      endpoint,
		httpClient:    httpClient,
		meta:          meta,
		headers:       cfg.Headers,
		userAgent:     userAgent,
		preparer:      cfg.Preparer,
		store:         cfg.Store,
		notifier:      cfg.Notifier,
		cipher:        cc,
		removeOnDone:  cfg.RemoveFingerprintOnSuccess,
		overridePatch: cfg.OverridePatchMethod,
		logger:        logger,
	}, nil
}

// prepare applies the protocol version, configured headers, and the caller's
// Preparer to a request that has not been sent yet.
func (c *Client) prepare(req *http.Request) error {
	req.Header.Set(headerTusResumable, tusVersion)
	req.Header.Set("User-Agent", c.userAgent)

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	if c.preparer != nil {
		return c.preparer.Prepare(req)
	}

	return nil
}

// CreateUpload creates a new upload resource for upload and returns an
// Uploader starting at offset 0. The resource URL is stored under the
// upload's fingerprint when a URLStore is configured.
func (c *Client) CreateUpload(ctx context.Context, upload *Upload, source Source) (*Uploader, error) {
	c.logger.Info("creating upload",
		slog.String("fingerprint", upload.Fingerprint),
		slog.Int64("size", upload.Size),
	)

	metadata, err := upload.encodeMetadata()
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating upload request: %w", ErrConnection, err)
	}

	if err := c.prepare(req.Request); err != nil {
		return nil, fmt.Errorf("%w: preparing create request: %w", ErrConnection, err)
	}

	req.Header.Set(headerUploadLength, strconv.FormatInt(upload.Size, 10))

	if metadata != "" {
		req.Header.Set(headerUploadMetadata, metadata)
	}

	resp, err := c.meta.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: create request failed: %w", ErrConnection, err)
	}
	defer resp.Body.Close()

	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return nil, fmt.Errorf("%w: draining create response body: %w", ErrConnection, drainErr)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &ProtocolError{
			StatusCode:   resp.StatusCode,
			ServerOffset: -1,
			LocalOffset:  -1,
			Message:      fmt.Sprintf("unexpected status code (%d) while creating upload", resp.StatusCode),
		}
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, &ProtocolError{
			StatusCode:   resp.StatusCode,
			ServerOffset: -1,
			LocalOffset:  -1,
			Message:      "missing upload URL in Location header of create response",
		}
	}

	loc, err := url.Parse(location)
	if err != nil {
		return nil, &ProtocolError{
			StatusCode:   resp.StatusCode,
			ServerOffset: -1,
			LocalOffset:  -1,
			Message:      fmt.Sprintf("invalid Location header %q: %v", location, err),
		}
	}

	upload.URL = c.endpoint.ResolveReference(loc).String()

	c.logger.Debug("upload created", slog.String("upload_url", upload.URL))

	if c.store != nil && upload.Fingerprint != "" {
		if err := c.store.Set(ctx, upload.Fingerprint, upload.URL); err != nil {
			c.logger.Warn("failed to store upload URL, resume after restart will not work for this upload",
				slog.String("fingerprint", upload.Fingerprint),
				slog.String("error", err.Error()),
			)
		}
	}

	return c.NewUploader(upload, source, 0)
}

// ResumeUpload looks up the upload URL stored for the upload's fingerprint,
// asks the server for its offset, and returns an Uploader continuing there.
func (c *Client) ResumeUpload(ctx context.Context, upload *Upload, source Source) (*Uploader, error) {
	if c.store == nil || upload.Fingerprint == "" {
		return nil, fmt.Errorf("resuming without a URL store or fingerprint: %w", ErrFingerprintNotFound)
	}

	uploadURL, err := c.store.Get(ctx, upload.Fingerprint)
	if err != nil {
		return nil, err
	}

	offset, err := c.QueryOffset(ctx, uploadURL)
	if err != nil {
		if errors.Is(err, ErrUploadGone) {
			c.forget(ctx, upload.Fingerprint)
		}

		return nil, err
	}

	c.logger.Info("resuming upload",
		slog.String("upload_url", uploadURL),
		slog.Int64("offset", offset),
		slog.Int64("size", upload.Size),
	)

	upload.URL = uploadURL

	return c.NewUploader(upload, source, offset)
}

// ResumeOrCreateUpload resumes the upload if the store and server still know
// it, and creates a new resource otherwise.
func (c *Client) ResumeOrCreateUpload(ctx context.Context, upload *Upload, source Source) (*Uploader, error) {
	up, err := c.ResumeUpload(ctx, upload, source)
	if err == nil {
		return up, nil
	}

	if !errors.Is(err, ErrFingerprintNotFound) && !errors.Is(err, ErrUploadGone) {
		return nil, err
	}

	c.logger.Debug("no resumable upload, creating a new one",
		slog.String("fingerprint", upload.Fingerprint),
		slog.String("reason", err.Error()),
	)

	return c.CreateUpload(ctx, upload, source)
}

// QueryOffset asks the server how many bytes of the upload it has accepted.
func (c *Client) QueryOffset(ctx context.Context, uploadURL string) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, uploadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: creating offset request: %w", ErrConnection, err)
	}

	if err := c.prepare(req.Request); err != nil {
		return 0, fmt.Errorf("%w: preparing offset request: %w", ErrConnection, err)
	}

	resp, err := c.meta.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: offset request failed: %w", ErrConnection, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone:
		return 0, fmt.Errorf("HEAD %s returned %d: %w", uploadURL, resp.StatusCode, ErrUploadGone)
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return 0, &ProtocolError{
			StatusCode:   resp.StatusCode,
			ServerOffset: -1,
			LocalOffset:  -1,
			Message:      fmt.Sprintf("unexpected status code (%d) while resuming upload", resp.StatusCode),
		}
	}

	offset, ok := parseOffset(resp.Header.Get(headerUploadOffset))
	if !ok {
		return 0, &ProtocolError{
			StatusCode:   resp.StatusCode,
			ServerOffset: -1,
			LocalOffset:  -1,
			Message:      "response to HEAD request contains no or invalid Upload-Offset header",
		}
	}

	return offset, nil
}

// uploadFinished is the completion hook run by Uploader.Finish.
func (c *Client) uploadFinished(ctx context.Context, upload *Upload) error {
	if c.removeOnDone && c.store != nil && upload.Fingerprint != "" {
		if err := c.store.Remove(ctx, upload.Fingerprint); err != nil {
			return fmt.Errorf("removing fingerprint of finished upload: %w", err)
		}
	}

	if c.notifier != nil {
		return c.notifier.UploadFinished(ctx, upload)
	}

	return nil
}

// forget drops a stored URL the server no longer knows, logging on failure.
func (c *Client) forget(ctx context.Context, fingerprint string) {
	if err := c.store.Remove(ctx, fingerprint); err != nil {
		c.logger.Warn("failed to remove stale upload URL",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
	}
}

// SetRetryWait bounds the backoff between retried create and offset
// requests.
func (c *Client) SetRetryWait(minWait, maxWait time.Duration) {
	c.meta.RetryWaitMin = minWait
	c.meta.RetryWaitMax = maxWait
}
