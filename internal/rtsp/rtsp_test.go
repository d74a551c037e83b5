package rtsp

import (
	"errors"
	"net"
	"testing"
	"time"
)

type recordingCaster struct {
	served chan net.Conn
}

func (r *recordingCaster) Serve(conn net.Conn) error {
	r.served <- conn
	return nil
}

func TestAccept_DispatchesToCaster(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	caster := &recordingCaster{served: make(chan net.Conn, 1)}
	go func() {
		_ = Accept(caster, server)
	}()

	select {
	case got := <-caster.served:
		if got != server {
			t.Fatalf("caster received unexpected conn")
		}
	case <-time.After(time.Second):
		t.Fatalf("caster was not invoked")
	}
}

func TestAccept_NilCasterFallsBackToStub(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	err := Accept(nil, server)
	if !errors.Is(err, ErrSessionNotImplemented) {
		t.Fatalf("err = %v, want ErrSessionNotImplemented", err)
	}
}

func TestStubCaster_ClosesConnection(t *testing.T) {
	server, client := net.Pipe()

	err := (StubCaster{}).Serve(server)
	if !errors.Is(err, ErrSessionNotImplemented) {
		t.Fatalf("err = %v, want ErrSessionNotImplemented", err)
	}

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected read error after server closed connection")
	}
}
