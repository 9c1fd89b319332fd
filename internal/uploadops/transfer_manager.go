package uploadops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/tonimelisma/tusup/internal/tus"
)

const (
	defaultMaxRetries = 5
	maxSaneRetries    = 100
	baseBackoff       = 1 * time.Second
	maxBackoff        = 60 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25
)

// errFinishing marks failures after the source was closed; they are never
// retried.
var errFinishing = errors.New("completing upload")

// ProgressFunc reports bytes written for an upload of total bytes. It is
// called after every chunk, so written includes bytes not yet acknowledged.
type ProgressFunc func(written, total int64)

// TransferConfig holds the per-upload tuning shared by every file.
type TransferConfig struct {
	ChunkSize          int   // 0 = tus.DefaultChunkSize
	RequestPayloadSize int64 // 0 = tus.DefaultRequestPayloadSize
	MaxRetries         int   // 0 = default; retries after the first attempt
}

// UploadOpts configures a single upload.
type UploadOpts struct {
	Metadata map[string]string // merged over the default "filename"
	Progress ProgressFunc
}

// UploadResult reports a completed upload.
type UploadResult struct {
	URL         string
	Fingerprint string
	Size        int64
	ResumedFrom int64 // server offset the first attempt started at
	Attempts    int
}

// TransferManager uploads local files through a tus.Client. A failed window
// is never replayed blindly: the Uploader is discarded, the server offset is
// queried again, and a fresh Uploader continues from there.
type TransferManager struct {
	client *tus.Client
	store  *SQLiteStore // nil = URLs are not annotated with file details
	cfg    TransferConfig
	logger *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewTransferManager creates a TransferManager. store may be nil.
func NewTransferManager(client *tus.Client, store *SQLiteStore, cfg TransferConfig, logger *slog.Logger) *TransferManager {
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case cfg.MaxRetries <= 0:
		cfg.MaxRetries = defaultMaxRetries
	case cfg.MaxRetries > maxSaneRetries:
		cfg.MaxRetries = maxSaneRetries
	}

	return &TransferManager{
		client:    client,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		sleepFunc: timeSleep,
	}
}

// UploadFile uploads the file at path, resuming a previous upload of the
// same file version if the server still has it. Chunks are encrypted with
// key material derived from km and the upload URL (see
// tus.KeyMaterial.ForUpload). When ctx is canceled the upload is paused: bytes the server has
// acknowledged are kept and the next call resumes after them.
func (tm *TransferManager) UploadFile(
	ctx context.Context, path string, km tus.KeyMaterial, opts UploadOpts,
) (*UploadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("upload: %s is not a regular file", path)
	}

	fp, err := Fingerprint(path, info.Size(), info.ModTime())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s for upload: %w", path, err)
	}

	src := tus.NewSource(f)
	defer src.Close()

	metadata := map[string]string{"filename": filepath.Base(path)}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	upload := &tus.Upload{Size: info.Size(), Fingerprint: fp, Metadata: metadata}

	logger := tm.logger.With(slog.String("path", path))
	logger.Debug("UploadFile", slog.Int64("size", upload.Size), slog.String("fingerprint", fp))

	result := &UploadResult{Fingerprint: fp, Size: upload.Size, ResumedFrom: -1}

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		err = tm.runAttempt(ctx, path, upload, src, km, opts, result)
		if err == nil {
			result.URL = upload.URL
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("upload of %s paused: %w", path, ctx.Err())
		}

		if errors.Is(err, errFinishing) || !tus.IsRetryable(err) || attempt >= tm.cfg.MaxRetries {
			return nil, fmt.Errorf("uploading %s: %w", path, err)
		}

		backoff := calcBackoff(attempt)

		logger.Warn("upload attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := tm.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, fmt.Errorf("upload of %s paused: %w", path, sleepErr)
		}
	}
}

// runAttempt runs one Uploader from the server's current offset to the end
// of the file.
func (tm *TransferManager) runAttempt(
	ctx context.Context, path string, upload *tus.Upload, src tus.Source,
	km tus.KeyMaterial, opts UploadOpts, result *UploadResult,
) error {
	up, err := tm.startUploader(ctx, upload, src)
	if err != nil {
		return err
	}

	if result.ResumedFrom < 0 {
		result.ResumedFrom = up.Offset()
		tm.annotate(ctx, path, upload)
	}

	if err := tm.configure(up); err != nil {
		up.Discard()
		return err
	}

	// Each upload resource gets its own keystream.
	ukm, err := km.ForUpload(up.UploadURL())
	if err != nil {
		up.Discard()
		return err
	}

	earlyAt := int64(-1)

	for {
		_, err := up.UploadChunk(ctx, ukm)
		if errors.Is(err, io.EOF) {
			break
		}

		// The server accepted the window so far and closed the request; the
		// Uploader continues with a new request unless no progress was made
		// since the last early close.
		if errors.Is(err, tus.ErrWindowClosedEarly) && up.Offset() != earlyAt {
			earlyAt = up.Offset()
			tm.logger.Debug("request window closed early by server",
				slog.String("path", path),
				slog.Int64("offset", earlyAt),
			)

			continue
		}

		if err != nil {
			up.Discard()
			return err
		}

		if opts.Progress != nil {
			opts.Progress(up.LocalOffset(), upload.Size)
		}
	}

	if err := up.Flush(); err != nil {
		up.Discard()
		return err
	}

	if up.Offset() != upload.Size {
		up.Discard()
		return fmt.Errorf("%w: file ended at offset %d, expected %d bytes", tus.ErrSource, up.Offset(), upload.Size)
	}

	if err := up.Finish(ctx); err != nil {
		return fmt.Errorf("%w: %w", errFinishing, err)
	}

	return nil
}

// startUploader resumes or creates the upload on the first attempt and
// re-queries the server offset on later ones.
func (tm *TransferManager) startUploader(ctx context.Context, upload *tus.Upload, src tus.Source) (*tus.Uploader, error) {
	if upload.URL == "" {
		return tm.client.ResumeOrCreateUpload(ctx, upload, src)
	}

	offset, err := tm.client.QueryOffset(ctx, upload.URL)
	if errors.Is(err, tus.ErrUploadGone) {
		tm.logger.Warn("upload disappeared from server, starting over",
			slog.String("upload_url", upload.URL),
		)

		upload.URL = ""

		return tm.client.CreateUpload(ctx, upload, src)
	}

	if err != nil {
		return nil, err
	}

	return tm.client.NewUploader(upload, src, offset)
}

func (tm *TransferManager) configure(up *tus.Uploader) error {
	if tm.cfg.ChunkSize > 0 {
		if err := up.SetChunkSize(tm.cfg.ChunkSize); err != nil {
			return err
		}
	}

	if tm.cfg.RequestPayloadSize > 0 {
		if err := up.SetRequestPayloadSize(tm.cfg.RequestPayloadSize); err != nil {
			return err
		}
	}

	return nil
}

// annotate records the local file next to the stored URL. Best-effort.
func (tm *TransferManager) annotate(ctx context.Context, path string, upload *tus.Upload) {
	if tm.store == nil {
		return
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	rec := Record{Fingerprint: upload.Fingerprint, URL: upload.URL, FilePath: abs, FileSize: upload.Size}
	if err := tm.store.SetRecord(ctx, rec); err != nil {
		tm.logger.Warn("failed to record upload details",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand

	return time.Duration(backoff + jitter)
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
