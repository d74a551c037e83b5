// Package rtsp is the Rtsp listener target: it accepts TCP connections and
// hands each descriptor to a Caster for session negotiation. Full RTSP
// session negotiation is a Non-goal (per spec.md); this package makes the
// listener registration and dispatch path real and testable while leaving
// the protocol itself unimplemented.
package rtsp

import (
	"errors"
	"net"
)

// ErrSessionNotImplemented is returned by StubCaster to make the
// unimplemented-protocol boundary explicit rather than silent.
var ErrSessionNotImplemented = errors.New("rtsp: session negotiation not implemented")

// Caster negotiates an RTSP session on an accepted connection.
type Caster interface {
	Serve(conn net.Conn) error
}

// StubCaster accepts the connection only to close it, returning
// ErrSessionNotImplemented. It exists so the listener fabric can register
// and test the Rtsp listener type end-to-end before a real caster exists.
type StubCaster struct{}

// Serve implements Caster.
func (StubCaster) Serve(conn net.Conn) error {
	_ = conn.Close()
	return ErrSessionNotImplemented
}

// Accept hands conn to caster, returning its error. Kept as a standalone
// function (rather than a method) so the listener fabric's StreamAcceptFunc
// can bind a Caster without an intermediate type.
func Accept(caster Caster, conn net.Conn) error {
	if caster == nil {
		caster = StubCaster{}
	}
	return caster.Serve(conn)
}
