package tus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Default sizes for a fresh Uploader.
const (
	DefaultChunkSize          = 5 * 1024 * 1024
	DefaultRequestPayloadSize = 5 * 1024 * 1024
)

// Uploader streams one upload resource from a Source in encrypted chunks.
// Chunks are grouped into windows of at most RequestPayloadSize bytes, each
// carried by a single PATCH request whose resulting Upload-Offset must match
// the local offset exactly.
//
// An Uploader is bound to one resume attempt: after a failure the caller
// re-queries the server offset and builds a new Uploader. It is not safe for
// concurrent use.
//
// Typical use:
//
//	for {
//		_, err := up.UploadChunk(ctx, keys)
//		if errors.Is(err, io.EOF) {
//			break
//		}
//		if err != nil {
//			return err
//		}
//	}
//	return up.Finish(ctx)
type Uploader struct {
	client   *Client
	upload   *Upload
	source   Source
	cipher   *ChunkCipher
	tracker  *offsetTracker
	exchange *exchange
	logger   *slog.Logger

	buffer             []byte
	requestPayloadSize int64

	finished bool
	notified bool
}

// NewUploader seeks source to offset and returns an Uploader that continues
// the upload from there. offset must come from the server or the URL store.
func (c *Client) NewUploader(upload *Upload, source Source, offset int64) (*Uploader, error) {
	if upload == nil || upload.URL == "" {
		return nil, fmt.Errorf("%w: upload has no URL", ErrConfiguration)
	}

	if offset < 0 || offset > upload.Size {
		return nil, fmt.Errorf("%w: offset %d outside upload of %d bytes", ErrSource, offset, upload.Size)
	}

	if err := source.SeekTo(offset); err != nil {
		return nil, fmt.Errorf("%w: seeking to offset %d: %w", ErrSource, offset, err)
	}

	logger := c.logger.With(slog.String("upload_url", upload.URL))

	return &Uploader{
		client:             c,
		upload:             upload,
		source:             source,
		cipher:             c.cipher,
		tracker:            newOffsetTracker(offset, upload.Size),
		exchange:           newExchange(c, upload.URL, logger),
		logger:             logger,
		buffer:             make([]byte, DefaultChunkSize),
		requestPayloadSize: DefaultRequestPayloadSize,
	}, nil
}

// SetChunkSize sets the number of bytes read, encrypted, and written per
// UploadChunk call. It may be changed at any time and affects later reads.
func (u *Uploader) SetChunkSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrConfiguration, size)
	}

	u.buffer = make([]byte, size)

	return nil
}

// ChunkSize returns the current chunk size.
func (u *Uploader) ChunkSize() int {
	return len(u.buffer)
}

// SetRequestPayloadSize sets the maximum number of bytes carried by a single
// request. It must not change while a request is in progress.
func (u *Uploader) SetRequestPayloadSize(size int64) error {
	if u.exchange.state != StateClosed {
		return fmt.Errorf("%w: payload size for a single request must not be modified while a request is %s",
			ErrConfiguration, u.exchange.state)
	}

	if size <= 0 {
		return fmt.Errorf("%w: request payload size must be positive, got %d", ErrConfiguration, size)
	}

	u.requestPayloadSize = size

	return nil
}

// RequestPayloadSize returns the maximum bytes per request.
func (u *Uploader) RequestPayloadSize() int64 {
	return u.requestPayloadSize
}

// Offset returns the number of bytes the server has acknowledged. It never
// decreases.
func (u *Uploader) Offset() int64 {
	return u.tracker.acked
}

// LocalOffset includes bytes written to the open request but not yet
// acknowledged. Useful for progress reporting.
func (u *Uploader) LocalOffset() int64 {
	return u.tracker.local()
}

// State returns the state of the current request.
func (u *Uploader) State() ConnState {
	return u.exchange.state
}

// UploadURL returns the upload resource URL.
func (u *Uploader) UploadURL() string {
	return u.upload.URL
}

// Upload returns the upload being transferred.
func (u *Uploader) Upload() *Upload {
	return u.upload
}

// UploadChunk reads up to one chunk, bounded by what is left of the current
// window, encrypts it at its byte offset, and writes it to the open request,
// opening one if needed. When the window is exhausted the request is
// finalized before returning. It returns the number of bytes written, or
// 0 and io.EOF without touching the network when the source is exhausted.
//
// Any failure other than a source read error discards the request and
// rewinds the source to the acknowledged offset; the Uploader is then Closed
// and a later call opens a fresh request.
func (u *Uploader) UploadChunk(ctx context.Context, km KeyMaterial) (int, error) {
	if u.finished {
		return 0, ErrFinished
	}

	windowLeft := u.requestPayloadSize
	if u.exchange.state == StateOpen {
		windowLeft = u.exchange.remaining
	} else {
		u.source.Mark(u.requestPayloadSize)
	}

	toRead := min(int64(len(u.buffer)), windowLeft)

	// Only the first n bytes of the buffer belong to this chunk; the rest may
	// hold a previous, longer chunk.
	n, err := u.source.Read(u.buffer[:toRead])
	if errors.Is(err, io.EOF) {
		return 0, io.EOF
	}

	if err != nil {
		return 0, fmt.Errorf("%w: reading chunk at offset %d: %w", ErrSource, u.tracker.local(), err)
	}

	chunkOffset := u.tracker.local()

	ciphertext, err := u.cipher.EncryptAt(u.buffer[:n], km, chunkOffset)
	if err != nil {
		return 0, u.fail(err)
	}

	if u.exchange.state == StateClosed {
		if err := u.exchange.open(ctx, chunkOffset, u.requestPayloadSize); err != nil {
			return 0, u.fail(err)
		}
	}

	if err := u.exchange.write(ciphertext, u.tracker); err != nil {
		return 0, u.fail(err)
	}

	u.tracker.advance(n)

	u.logger.Debug("chunk written",
		slog.Int64("offset", chunkOffset),
		slog.Int("bytes", n),
		slog.Int64("window_remaining", u.exchange.remaining),
	)

	if u.exchange.remaining <= 0 {
		if err := u.exchange.finalize(u.tracker); err != nil {
			return 0, u.fail(err)
		}
	}

	return n, nil
}

// Flush finalizes the open request, if any, and verifies the server offset
// without finishing the upload or closing the source. A failure is handled
// like a failed UploadChunk.
func (u *Uploader) Flush() error {
	if u.finished {
		return ErrFinished
	}

	if err := u.exchange.finalize(u.tracker); err != nil {
		return u.fail(err)
	}

	return nil
}

// Finish finalizes any open request, invokes the completion notifier if the
// whole upload has been acknowledged, and closes the source. Calling Finish
// before the upload is complete pauses it. Later calls are no-ops.
func (u *Uploader) Finish(ctx context.Context) error {
	if u.finished {
		return nil
	}

	u.finished = true

	var errs []error

	if err := u.exchange.finalize(u.tracker); err != nil {
		errs = append(errs, err)
	}

	if u.tracker.complete() && !u.notified {
		u.notified = true

		u.logger.Info("upload complete", slog.Int64("size", u.upload.Size))

		if err := u.client.uploadFinished(ctx, u.upload); err != nil {
			errs = append(errs, err)
		}
	} else {
		u.logger.Debug("upload paused",
			slog.Int64("offset", u.tracker.acked),
			slog.Int64("size", u.upload.Size),
		)
	}

	// The source is closed last so it is never needed again after the
	// response has been checked.
	if err := u.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: closing source: %w", ErrSource, err))
	}

	return errors.Join(errs...)
}

// Discard abandons any open request without finalizing it and leaves the
// source open, so a retry driver can hand the source to a fresh Uploader.
// The Uploader cannot be used afterwards.
func (u *Uploader) Discard() {
	u.abort()
	u.finished = true
}

func (u *Uploader) abort() {
	u.exchange.discard()
	u.tracker.discard()
}

// fail discards the request and rewinds the source to the acknowledged
// offset, which is never before the window's mark, so a fresh request
// resends the unacknowledged bytes.
func (u *Uploader) fail(err error) error {
	u.abort()

	if seekErr := u.source.SeekTo(u.tracker.acked); seekErr != nil {
		return errors.Join(err, fmt.Errorf("%w: rewinding to offset %d: %w", ErrSource, u.tracker.acked, seekErr))
	}

	u.logger.Debug("request discarded",
		slog.Int64("offset", u.tracker.acked),
		slog.String("error", err.Error()),
	)

	return err
}
