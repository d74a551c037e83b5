package conn

import (
	"net"
	"testing"
	"time"

	"github.com/alxayo/rtmpcore/internal/rtmp/chunk"
)

// TestWriteLoop_MergedWriteBatchesWithinWindow drives spec.md §8 scenario
// 1: a burst of ready outgoing messages under a merged-write policy must
// be drained and flushed as one batch within the mw_sleep gather window,
// rather than written one at a time with a sleep after each.
func TestWriteLoop_MergedWriteBatchesWithinWindow(t *testing.T) {
	const window = 150 * time.Millisecond
	const numMessages = 10

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	connCh := make(chan *Connection, 1)
	go func() { c, _ := Accept(ln); connCh <- c }()

	client := dialAndClientHandshake(t, ln.Addr().String())
	defer client.Close()

	serverConn := <-connCh
	if serverConn == nil {
		t.Fatalf("nil server conn")
	}
	defer serverConn.Close()

	serverConn.SetPolicy(&Policy{MWSleep: window, MWEnabled: true})

	payload := []byte("batch")
	start := time.Now()
	for i := 0; i < numMessages; i++ {
		msg := &chunk.Message{
			CSID:            3,
			Timestamp:       uint32(i),
			MessageLength:   uint32(len(payload)),
			TypeID:          20,
			MessageStreamID: 0,
			Payload:         payload,
		}
		if err := serverConn.SendMessage(msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	r := chunk.NewReader(client, 128)
	arrivals := make([]time.Time, 0, numMessages)
	deadline := time.Now().Add(5 * time.Second)
	for len(arrivals) < numMessages && time.Now().Before(deadline) {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		m, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		// Skip the initial control burst (window ack size / set peer
		// bandwidth / set chunk size), only count our payload messages.
		if string(m.Payload) == string(payload) {
			arrivals = append(arrivals, time.Now())
		}
	}
	if len(arrivals) != numMessages {
		t.Fatalf("expected %d messages, got %d", numMessages, len(arrivals))
	}

	// All ten were ready well before one gather window elapsed, so they
	// must have been flushed together: the last arrival should land close
	// to the first, not ~window apart per message (which would put the
	// last arrival at roughly numMessages*window after the first).
	span := arrivals[len(arrivals)-1].Sub(arrivals[0])
	if span >= window*3 {
		t.Fatalf("messages arrived spread over %v, expected a single batched flush (< %v)", span, window*3)
	}

	// The whole batch should still have waited roughly one gather window
	// after the first message became ready, not fired immediately.
	firstToLast := arrivals[len(arrivals)-1].Sub(start)
	if firstToLast < window {
		t.Fatalf("batch flushed after %v, expected to honor the %v gather window", firstToLast, window)
	}
}
