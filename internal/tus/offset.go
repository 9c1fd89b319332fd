package tus

import "fmt"

// offsetTracker holds the acknowledged offset and the bytes written in the
// current window. The acknowledged offset only moves forward: pending bytes
// are committed when the server confirms them and dropped when the exchange
// carrying them is discarded.
type offsetTracker struct {
	acked   int64
	pending int64
	total   int64
}

func newOffsetTracker(start, total int64) *offsetTracker {
	return &offsetTracker{acked: start, total: total}
}

// advance records n bytes written to the open exchange.
func (t *offsetTracker) advance(n int) {
	t.pending += int64(n)
}

// local is the offset the client expects the server to report.
func (t *offsetTracker) local() int64 {
	return t.acked + t.pending
}

// verify commits the pending bytes if serverOffset matches the local offset.
// On mismatch nothing is committed.
func (t *offsetTracker) verify(serverOffset int64) error {
	local := t.local()
	if serverOffset != local {
		return &ProtocolError{
			ServerOffset: serverOffset,
			LocalOffset:  local,
			Message: fmt.Sprintf("response contains different Upload-Offset value (%d) than expected (%d)",
				serverOffset, local),
		}
	}

	t.acked = local
	t.pending = 0

	return nil
}

// discard drops bytes that were never acknowledged.
func (t *offsetTracker) discard() {
	t.pending = 0
}

func (t *offsetTracker) complete() bool {
	return t.acked == t.total
}
