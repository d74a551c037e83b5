// Package mpegts is the MpegTsOverUdp listener target: it registers a UDP
// datagram listener and hands each payload to a pluggable Sink. Full
// MPEG-TS demuxing is out of this repository's scope (no pack example
// implements one), but the listener registration, dispatch, and sink
// contract are real and exercised end-to-end.
package mpegts

import "net"

// Sink receives raw MPEG-TS/UDP payloads. A concrete demuxer can be
// plugged in without touching the listener wiring.
type Sink interface {
	HandleDatagram(from net.Addr, payload []byte)
}

// DiscardSink is a no-op Sink useful for registering the listener path
// before a real demuxer exists.
type DiscardSink struct{}

// HandleDatagram implements Sink by discarding the payload.
func (DiscardSink) HandleDatagram(net.Addr, []byte) {}

// CountingSink is a minimal Sink that tracks how many datagrams and bytes
// it has seen, useful for smoke-testing the listener wiring.
type CountingSink struct {
	Datagrams int
	Bytes     int
}

// HandleDatagram implements Sink.
func (c *CountingSink) HandleDatagram(_ net.Addr, payload []byte) {
	c.Datagrams++
	c.Bytes += len(payload)
}
