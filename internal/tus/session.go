package tus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// Protocol header names and values.
const (
	headerUploadOffset   = "Upload-Offset"
	headerUploadLength   = "Upload-Length"
	headerUploadMetadata = "Upload-Metadata"
	headerTusResumable   = "Tus-Resumable"
	headerMethodOverride = "X-HTTP-Method-Override"
	contentTypeOffset    = "application/offset+octet-stream"
	tusVersion           = "1.0.0"
)

// ConnState is the lifecycle state of the exchange carrying one window.
type ConnState int

// Exchange states. Closed -> Open on the first write of a window; Open ->
// Draining -> Closed on finalize; any failure returns to Closed.
const (
	StateClosed ConnState = iota
	StateOpen
	StateDraining
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// exchange owns one streaming PATCH request. The body is an io.Pipe written
// chunk by chunk; the round trip runs until the pipe is closed on finalize.
type exchange struct {
	client *Client
	url    string
	logger *slog.Logger

	state       ConnState
	startOffset int64
	remaining   int64

	pw   *io.PipeWriter
	done chan struct{}
	resp *http.Response
	err  error
}

func newExchange(client *Client, url string, logger *slog.Logger) *exchange {
	return &exchange{client: client, url: url, logger: logger}
}

// open starts the request for a window beginning at offset. The request is
// bound to ctx until the exchange is finalized or discarded.
func (e *exchange) open(ctx context.Context, offset, window int64) error {
	method := http.MethodPatch
	if e.client.overridePatch {
		method = http.MethodPost
	}

	pr, pw := io.Pipe()

	req, err := http.NewRequestWithContext(ctx, method, e.url, pr)
	if err != nil {
		return fmt.Errorf("%w: creating upload request: %w", ErrConnection, err)
	}

	if err := e.client.prepare(req); err != nil {
		return fmt.Errorf("%w: preparing upload request: %w", ErrConnection, err)
	}

	if method != http.MethodPatch {
		req.Header.Set(headerMethodOverride, http.MethodPatch)
	}

	req.Header.Set(headerUploadOffset, strconv.FormatInt(offset, 10))
	req.Header.Set("Content-Type", contentTypeOffset)
	req.Header.Set("Expect", "100-continue")

	e.pw = pw
	e.done = make(chan struct{})
	e.resp = nil
	e.err = nil
	e.startOffset = offset
	e.remaining = window
	e.state = StateOpen

	e.logger.Debug("opening upload exchange",
		slog.String("method", method),
		slog.Int64("offset", offset),
		slog.Int64("window", window),
	)

	go func() {
		defer close(e.done)

		resp, doErr := e.client.httpClient.Do(req)
		e.resp, e.err = resp, doErr

		// Unblock a writer waiting on a transport that will never read.
		if doErr != nil {
			pr.CloseWithError(doErr)
		} else {
			pr.Close()
		}
	}()

	return nil
}

// write streams p into the open request. If the server answered before the
// body was consumed (for example by rejecting the Expect header) the
// server's verdict is surfaced instead of the pipe error. A success verdict
// matching the local offset is reported as ErrWindowClosedEarly.
func (e *exchange) write(p []byte, tracker *offsetTracker) error {
	if _, err := e.pw.Write(p); err != nil {
		<-e.done

		if e.err == nil && e.resp != nil {
			e.logger.Debug("server answered before body was sent",
				slog.Int("status", e.resp.StatusCode),
			)

			if ferr := e.handleResponse(tracker); ferr != nil {
				return ferr
			}

			// The verdict acknowledged every byte written before p.
			return fmt.Errorf("%w: at offset %d", ErrWindowClosedEarly, tracker.acked)
		}

		tracker.discard()
		e.discard()

		return fmt.Errorf("%w: writing chunk: %w", ErrConnection, err)
	}

	e.remaining -= int64(len(p))

	return nil
}

// finalize closes the body, waits for the response, and verifies the
// server's offset against the tracker.
func (e *exchange) finalize(tracker *offsetTracker) error {
	if e.state != StateOpen {
		return nil
	}

	e.state = StateDraining

	if err := e.pw.Close(); err != nil {
		tracker.discard()
		e.discard()
		return fmt.Errorf("%w: closing request body: %w", ErrConnection, err)
	}

	<-e.done

	return e.handleResponse(tracker)
}

// handleResponse validates the completed round trip and always leaves the
// exchange Closed.
func (e *exchange) handleResponse(tracker *offsetTracker) error {
	defer e.reset()

	if e.err != nil {
		tracker.discard()
		return fmt.Errorf("%w: upload request failed: %w", ErrConnection, e.err)
	}

	resp := e.resp
	defer resp.Body.Close()

	// Drain body to reuse connection.
	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		tracker.discard()
		return fmt.Errorf("%w: draining upload response body: %w", ErrConnection, drainErr)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		tracker.discard()

		return &ProtocolError{
			StatusCode:   resp.StatusCode,
			ServerOffset: -1,
			LocalOffset:  tracker.local(),
			Message:      fmt.Sprintf("unexpected status code (%d) while uploading chunk", resp.StatusCode),
		}
	}

	serverOffset, ok := parseOffset(resp.Header.Get(headerUploadOffset))
	if !ok {
		tracker.discard()

		return &ProtocolError{
			StatusCode:   resp.StatusCode,
			ServerOffset: -1,
			LocalOffset:  tracker.local(),
			Message:      "response to PATCH request contains no or invalid Upload-Offset header",
		}
	}

	if err := tracker.verify(serverOffset); err != nil {
		tracker.discard()

		var pe *ProtocolError
		if errors.As(err, &pe) {
			pe.StatusCode = resp.StatusCode
		}

		return err
	}

	e.logger.Debug("upload exchange finalized",
		slog.Int("status", resp.StatusCode),
		slog.Int64("start_offset", e.startOffset),
		slog.Int64("server_offset", serverOffset),
	)

	return nil
}

// discard abandons the exchange without reading a verdict.
func (e *exchange) discard() {
	if e.state == StateClosed {
		return
	}

	e.pw.CloseWithError(errExchangeDiscarded)
	<-e.done

	if e.resp != nil {
		e.resp.Body.Close()
	}

	e.reset()
}

var errExchangeDiscarded = errors.New("exchange discarded")

func (e *exchange) reset() {
	e.state = StateClosed
	e.pw = nil
	e.resp = nil
	e.err = nil
	e.remaining = 0
}

// parseOffset parses a non-negative decimal offset header.
func parseOffset(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}
