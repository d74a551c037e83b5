// Package listener is the Listener Fabric: typed TCP/UDP acceptors, each
// driven by its own task.Task, that hand accepted connections off to a
// per-type callback. It generalizes the teacher's single RTMP accept loop
// (internal/rtmp/server.Server.acceptLoop) into a registry of named
// listener types sharing the same accept/dispatch/task lifecycle.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/alxayo/rtmpcore/internal/task"
)

// Type tags the protocol a listener serves, so a single dispatch callback
// can route by type when several listeners share a handler.
type Type int

const (
	RtmpStream Type = iota
	HttpApi
	HttpStream
	Flv
	MpegTsOverUdp
	Rtsp
)

func (t Type) String() string {
	switch t {
	case RtmpStream:
		return "rtmp"
	case HttpApi:
		return "http_api"
	case HttpStream:
		return "http_stream"
	case Flv:
		return "flv"
	case MpegTsOverUdp:
		return "mpegts_udp"
	case Rtsp:
		return "rtsp"
	default:
		return "unknown"
	}
}

// StreamAcceptFunc is invoked once per accepted connection. It runs on the
// accept task's goroutine; handlers that need concurrency must spawn their
// own goroutine and return promptly so the accept loop can continue.
type StreamAcceptFunc func(Type, net.Conn)

// StreamListener wraps a net.Listener with an Endless task.Task that loops
// Accept() and dispatches to fn until Stop is called.
type StreamListener struct {
	typ Type
	ln  net.Listener
	fn  StreamAcceptFunc
	t   *task.Task
	log *slog.Logger
}

// NewStreamListener binds addr for typ using net.Listen("tcp", addr).
func NewStreamListener(typ Type, addr string, fn StreamAcceptFunc, log *slog.Logger) (*StreamListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &StreamListener{
		typ: typ,
		ln:  ln,
		fn:  fn,
		t:   task.New("listener-"+typ.String(), task.Endless),
		log: log,
	}, nil
}

// Addr returns the bound address.
func (s *StreamListener) Addr() net.Addr { return s.ln.Addr() }

// Type returns the listener's protocol tag.
func (s *StreamListener) Type() Type { return s.typ }

// Start begins accepting connections under parent.
func (s *StreamListener) Start(parent context.Context) error {
	return s.t.Start(parent, s.run)
}

// Stop closes the listener and waits for the accept cycle to return.
func (s *StreamListener) Stop() error {
	_ = s.ln.Close()
	return s.t.Stop()
}

func (s *StreamListener) run(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			s.log.Error("accept failed", "listener", s.typ.String(), "error", err)
			continue
		}
		s.log.Debug("accepted connection", "listener", s.typ.String(), "remote", conn.RemoteAddr().String())
		s.fn(s.typ, conn)
	}
}

// DatagramAcceptFunc is invoked once per inbound UDP datagram.
type DatagramAcceptFunc func(Type, net.Addr, []byte)

// DatagramListener wraps a net.PacketConn with an Endless task.Task that
// loops ReadFrom and dispatches to fn until Stop is called. Used only by
// MpegTsOverUdp today.
type DatagramListener struct {
	typ  Type
	conn net.PacketConn
	fn   DatagramAcceptFunc
	t    *task.Task
	log  *slog.Logger
}

// NewDatagramListener binds addr for typ using net.ListenPacket("udp", addr).
func NewDatagramListener(typ Type, addr string, fn DatagramAcceptFunc, log *slog.Logger) (*DatagramListener, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &DatagramListener{
		typ:  typ,
		conn: pc,
		fn:   fn,
		t:    task.New("listener-"+typ.String(), task.Endless),
		log:  log,
	}, nil
}

// Addr returns the bound address.
func (d *DatagramListener) Addr() net.Addr { return d.conn.LocalAddr() }

// Start begins reading datagrams under parent.
func (d *DatagramListener) Start(parent context.Context) error {
	return d.t.Start(parent, d.run)
}

// Stop closes the socket and waits for the read cycle to return.
func (d *DatagramListener) Stop() error {
	_ = d.conn.Close()
	return d.t.Stop()
}

func (d *DatagramListener) run(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			d.log.Error("datagram read failed", "listener", d.typ.String(), "error", err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		d.fn(d.typ, addr, payload)
	}
}
