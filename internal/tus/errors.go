// Package tus provides a client for the tus resumable upload protocol with
// windowed, encrypted chunk uploads and strict offset reconciliation.
package tus

import (
	"errors"
	"fmt"
)

// Sentinel errors for failure classification.
// Use errors.Is(err, tus.ErrProtocol) to check.
var (
	ErrSource        = errors.New("tus: source error")
	ErrConnection    = errors.New("tus: connection error")
	ErrProtocol      = errors.New("tus: protocol error")
	ErrConfiguration = errors.New("tus: configuration error")
	ErrEncryption    = errors.New("tus: encryption error")

	// ErrFinished is returned by operations on an Uploader after Finish.
	ErrFinished = errors.New("tus: uploader finished")

	// ErrFingerprintNotFound means the URL store has no upload for the fingerprint.
	ErrFingerprintNotFound = errors.New("tus: fingerprint not found")

	// ErrUploadGone means the server no longer knows the upload URL (404/410).
	ErrUploadGone = errors.New("tus: upload gone")

	// ErrWindowClosedEarly means the server answered a request before its
	// body was sent and acknowledged everything written so far. The Uploader
	// stays usable: the next UploadChunk opens a new request at Offset.
	ErrWindowClosedEarly = errors.New("tus: server closed the request window early")
)

// ProtocolError reports a response that violates the upload protocol: a
// non-success status, a missing or invalid Upload-Offset header, or a server
// offset that disagrees with the local one. Offsets are -1 when not known.
type ProtocolError struct {
	StatusCode   int
	ServerOffset int64
	LocalOffset  int64
	Message      string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("tus: HTTP %d: %s", e.StatusCode, e.Message)
	}

	return "tus: " + e.Message
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// IsRetryable reports whether a fresh Uploader started from the server's
// current offset has a chance of succeeding after err.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrWindowClosedEarly) {
		return true
	}

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return false
	}

	switch {
	case pe.StatusCode < 300:
		// Offset mismatch or missing header: re-query the server offset.
		return true
	case pe.StatusCode == 408, pe.StatusCode == 409, pe.StatusCode == 423, pe.StatusCode == 429:
		return true
	case pe.StatusCode >= 500:
		return true
	default:
		return false
	}
}
