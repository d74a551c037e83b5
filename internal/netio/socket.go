// Package netio adapts a net.Conn into the timed, byte-counted, classified
// I/O surface the RTMP connection and admission layers need, so that layer
// above never calls net.Conn.Read/Write directly or hand-rolls deadline
// bookkeeping per call site.
package netio

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	rerrors "github.com/alxayo/rtmpcore/internal/errors"
)

// Socket wraps a net.Conn with timed reads/writes, running byte counters,
// and error classification into the repository's typed error hierarchy.
type Socket struct {
	conn net.Conn

	readBytes  atomic.Uint64
	writeBytes atomic.Uint64
}

// New wraps conn. conn must be non-nil.
func New(conn net.Conn) *Socket {
	return &Socket{conn: conn}
}

// Conn exposes the underlying net.Conn for cases that need it directly
// (handshake, vectored writes).
func (s *Socket) Conn() net.Conn { return s.conn }

// ReadBytes returns the cumulative number of bytes successfully read.
func (s *Socket) ReadBytes() uint64 { return s.readBytes.Load() }

// WriteBytes returns the cumulative number of bytes successfully written.
func (s *Socket) WriteBytes() uint64 { return s.writeBytes.Load() }

// ReadFull reads exactly len(buf) bytes within timeout, classifying the
// resulting error. A timeout of zero disables the deadline (blocks
// indefinitely, subject only to the connection's own lifetime).
func (s *Socket) ReadFull(buf []byte, timeout time.Duration) (int, error) {
	if err := s.setReadDeadline(timeout); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(s.conn, buf)
	s.readBytes.Add(uint64(n))
	if err != nil {
		return n, s.classify("read", err)
	}
	return n, nil
}

// Read performs a single (possibly short) read within timeout.
func (s *Socket) Read(buf []byte, timeout time.Duration) (int, error) {
	if err := s.setReadDeadline(timeout); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(buf)
	s.readBytes.Add(uint64(n))
	if err != nil {
		return n, s.classify("read", err)
	}
	return n, nil
}

// Write writes the entire buffer within timeout.
func (s *Socket) Write(buf []byte, timeout time.Duration) (int, error) {
	if err := s.setWriteDeadline(timeout); err != nil {
		return 0, err
	}
	off := 0
	for off < len(buf) {
		n, err := s.conn.Write(buf[off:])
		off += n
		s.writeBytes.Add(uint64(n))
		if err != nil {
			return off, s.classify("write", err)
		}
	}
	return off, nil
}

// Writev writes buffers without copying them into one contiguous slice,
// using net.Buffers' vectored write support when the underlying conn
// implements io.ReaderFrom / supports writev (net.Buffers handles the
// fallback to sequential Write automatically).
func (s *Socket) Writev(bufs [][]byte, timeout time.Duration) (int64, error) {
	if err := s.setWriteDeadline(timeout); err != nil {
		return 0, err
	}
	nb := make(net.Buffers, len(bufs))
	copy(nb, bufs)
	n, err := nb.WriteTo(s.conn)
	s.writeBytes.Add(uint64(n))
	if err != nil {
		return n, s.classify("writev", err)
	}
	return n, nil
}

// Close closes the underlying connection.
func (s *Socket) Close() error { return s.conn.Close() }

// Reader returns an io.Reader view of the socket that applies timeout on
// every Read call, for layers (chunk.Reader) that only need the plain
// io.Reader contract but should still exercise the socket's deadline and
// counter bookkeeping. A zero timeout blocks indefinitely, same as Read.
func (s *Socket) Reader(timeout time.Duration) io.Reader {
	return &deadlineReader{sock: s, timeout: timeout}
}

// Writer returns an io.Writer view of the socket that applies timeout on
// every Write call, mirroring Reader above.
func (s *Socket) Writer(timeout time.Duration) io.Writer {
	return &deadlineWriter{sock: s, timeout: timeout}
}

type deadlineReader struct {
	sock    *Socket
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) { return d.sock.Read(p, d.timeout) }

type deadlineWriter struct {
	sock    *Socket
	timeout time.Duration
}

func (d *deadlineWriter) Write(p []byte) (int, error) { return d.sock.Write(p, d.timeout) }

// ClearDeadlines removes any read/write deadline, letting the connection
// block indefinitely (used after handshake so a slow client's delayed
// connect command doesn't trip a spurious timeout).
func (s *Socket) ClearDeadlines() error {
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(time.Time{})
}

func (s *Socket) setReadDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return s.conn.SetReadDeadline(time.Time{})
	}
	return s.conn.SetReadDeadline(time.Now().Add(timeout))
}

func (s *Socket) setWriteDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.SetWriteDeadline(time.Now().Add(timeout))
}

// classify turns a raw net/io error into the repository's typed error
// hierarchy: timeouts become *rerrors.TimeoutError, resets and generic
// I/O failures become *rerrors.SocketError. A zero-byte read (io.EOF) or a
// short ReadFull (io.ErrUnexpectedEOF) is reported as a reset SocketError
// that still wraps the io error, so errors.Is(err, io.EOF) keeps working.
func (s *Socket) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return rerrors.NewSocketError(op, true, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return rerrors.NewTimeoutError(op, 0, err)
	}
	if isReset(err) {
		return rerrors.NewSocketError(op, true, err)
	}
	return rerrors.NewSocketError(op, false, err)
}

// isReset reports whether err indicates an abrupt peer reset (ECONNRESET
// or equivalent), as opposed to an orderly close or generic failure.
func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}
