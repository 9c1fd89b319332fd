package tus

import (
	"errors"
	"fmt"
	"io"
)

var errSourceClosed = errors.New("source closed")

// Source is a seekable byte producer for an Uploader. Read fills p unless
// the end of the data intervenes and returns io.EOF only when no bytes are
// left. Mark bounds how far back a later SeekTo may rewind on sources that
// cannot seek natively. SeekTo offsets are absolute.
type Source interface {
	SeekTo(offset int64) error
	Mark(limit int64)
	Read(p []byte) (int, error)
	Close() error
}

// NewSource wraps r. An io.ReadSeeker seeks directly; any other reader keeps
// the bytes read since the last Mark (up to its limit) for replay. If r is
// an io.Closer it is closed by Close.
func NewSource(r io.Reader) Source {
	if rs, ok := r.(io.ReadSeeker); ok {
		return &seekSource{rs: rs}
	}

	return &streamSource{r: r}
}

type seekSource struct {
	rs     io.ReadSeeker
	closed bool
}

func (s *seekSource) SeekTo(offset int64) error {
	if s.closed {
		return errSourceClosed
	}

	end, err := s.rs.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	if offset < 0 || offset > end {
		return fmt.Errorf("offset %d outside source of %d bytes", offset, end)
	}

	_, err = s.rs.Seek(offset, io.SeekStart)

	return err
}

func (s *seekSource) Mark(int64) {}

func (s *seekSource) Read(p []byte) (int, error) {
	if s.closed {
		return 0, errSourceClosed
	}

	return readFull(s.rs, p)
}

func (s *seekSource) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	return closeReader(s.rs)
}

// streamSource emulates seeking on a plain reader. buf holds the bytes in
// [bufStart, consumed) retained since the last Mark; pos is the logical
// position handed out to the caller and never exceeds consumed.
type streamSource struct {
	r        io.Reader
	pos      int64
	consumed int64

	marked   bool
	limit    int64
	bufStart int64
	buf      []byte

	closed bool
}

func (s *streamSource) SeekTo(offset int64) error {
	if s.closed {
		return errSourceClosed
	}

	switch {
	case offset >= s.pos && offset <= s.consumed:
		s.pos = offset
		return nil
	case offset > s.consumed:
		s.pos = s.consumed
		return s.skip(offset - s.consumed)
	case s.marked && offset >= s.bufStart:
		s.pos = offset
		return nil
	default:
		return fmt.Errorf("cannot rewind to offset %d: replay starts at %d", offset, s.replayStart())
	}
}

func (s *streamSource) replayStart() int64 {
	if s.marked {
		return s.bufStart
	}

	return s.pos
}

func (s *streamSource) Mark(limit int64) {
	if s.marked {
		s.buf = s.buf[s.pos-s.bufStart:]
	} else {
		s.buf = s.buf[:0]
	}

	s.marked = true
	s.limit = limit
	s.bufStart = s.pos
}

func (s *streamSource) Read(p []byte) (int, error) {
	if s.closed {
		return 0, errSourceClosed
	}

	n := 0

	if s.pos < s.consumed {
		n = copy(p, s.buf[s.pos-s.bufStart:])
		s.pos += int64(n)
	}

	if n == len(p) {
		return n, nil
	}

	m, err := readFull(s.r, p[n:])
	s.retain(p[n : n+m])
	s.consumed += int64(m)
	s.pos += int64(m)
	n += m

	if errors.Is(err, io.EOF) && n > 0 {
		return n, nil
	}

	return n, err
}

// retain keeps freshly consumed bytes for replay, dropping the mark once the
// limit is exceeded.
func (s *streamSource) retain(b []byte) {
	if !s.marked {
		return
	}

	if int64(len(s.buf)+len(b)) > s.limit {
		s.marked = false
		s.buf = s.buf[:0]

		return
	}

	s.buf = append(s.buf, b...)
}

func (s *streamSource) skip(n int64) error {
	scratch := make([]byte, min(n, 32*1024))

	for n > 0 {
		m, err := readFull(s.r, scratch[:min(n, int64(len(scratch)))])
		s.retain(scratch[:m])
		s.consumed += int64(m)
		s.pos += int64(m)
		n -= int64(m)

		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("offset beyond end of source at %d", s.consumed)
			}

			return err
		}
	}

	return nil
}

func (s *streamSource) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true
	s.buf = nil

	return closeReader(s.r)
}

// readFull reads until p is full or the reader is exhausted. A short read at
// the end is not an error; io.EOF is returned only for zero bytes.
func readFull(r io.Reader, p []byte) (int, error) {
	n, err := io.ReadFull(r, p)

	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, nil
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	default:
		return n, err
	}
}

func closeReader(r io.Reader) error {
	if c, ok := r.(io.Closer); ok {
		return c.Close()
	}

	return nil
}
