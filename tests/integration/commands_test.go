package integration

import (
	"net"
	"testing"
	"time"

	"github.com/alxayo/rtmpcore/internal/rtmp/server"
)

// TestCommandsFlow exercises the full connect -> createStream -> publish -> play
// command sequence against a live server, reusing the wire-level helpers also
// used by the relay tests (performHandshake, sendConnectCommand, ...).
func TestCommandsFlow(t *testing.T) {
	cfg := server.Config{ListenAddr: "127.0.0.1:0"}
	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer srv.Stop()

	addr := srv.Addr().String()
	time.Sleep(100 * time.Millisecond)

	t.Run("connect", func(t *testing.T) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		if err := performHandshake(conn); err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if err := sendConnectCommand(conn, "live"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		// The server's post-handshake control burst queues window-ack and
		// set-peer-bandwidth first; these two reads consume them. connect
		// itself answers with a single _result.
		if err := readAndDiscardMessages(conn, 2, 5*time.Second); err != nil {
			t.Fatalf("connect response: %v", err)
		}
	})

	t.Run("createStream", func(t *testing.T) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		if err := performHandshake(conn); err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if err := sendConnectCommand(conn, "live"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := readAndDiscardMessages(conn, 2, 5*time.Second); err != nil {
			t.Fatalf("connect response: %v", err)
		}
		if err := sendCreateStreamCommand(conn); err != nil {
			t.Fatalf("createStream: %v", err)
		}
		if err := readAndDiscardMessages(conn, 2, 5*time.Second); err != nil {
			t.Fatalf("createStream response: %v", err)
		}
	})

	t.Run("publish", func(t *testing.T) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		if err := performHandshake(conn); err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if err := sendConnectCommand(conn, "live"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := readAndDiscardMessages(conn, 2, 5*time.Second); err != nil {
			t.Fatalf("connect response: %v", err)
		}
		if err := sendCreateStreamCommand(conn); err != nil {
			t.Fatalf("createStream: %v", err)
		}
		if err := readAndDiscardMessages(conn, 2, 5*time.Second); err != nil {
			t.Fatalf("createStream response: %v", err)
		}
		if err := sendPublishCommand(conn, "live", "commands-test"); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if err := readAndDiscardMessages(conn, 1, 5*time.Second); err != nil {
			t.Fatalf("publish response (onStatus NetStream.Publish.Start): %v", err)
		}
	})

	t.Run("play", func(t *testing.T) {
		pubConn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial publisher: %v", err)
		}
		defer pubConn.Close()
		if err := performHandshake(pubConn); err != nil {
			t.Fatalf("publisher handshake: %v", err)
		}
		if err := sendConnectCommand(pubConn, "live"); err != nil {
			t.Fatalf("publisher connect: %v", err)
		}
		if err := readAndDiscardMessages(pubConn, 2, 5*time.Second); err != nil {
			t.Fatalf("publisher connect response: %v", err)
		}
		if err := sendCreateStreamCommand(pubConn); err != nil {
			t.Fatalf("publisher createStream: %v", err)
		}
		if err := readAndDiscardMessages(pubConn, 2, 5*time.Second); err != nil {
			t.Fatalf("publisher createStream response: %v", err)
		}
		if err := sendPublishCommand(pubConn, "live", "commands-play-test"); err != nil {
			t.Fatalf("publisher publish: %v", err)
		}
		if err := readAndDiscardMessages(pubConn, 1, 5*time.Second); err != nil {
			t.Fatalf("publisher publish response: %v", err)
		}

		time.Sleep(50 * time.Millisecond)

		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial player: %v", err)
		}
		defer conn.Close()

		if err := performHandshake(conn); err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if err := sendConnectCommand(conn, "live"); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := readAndDiscardMessages(conn, 2, 5*time.Second); err != nil {
			t.Fatalf("connect response: %v", err)
		}
		if err := sendCreateStreamCommand(conn); err != nil {
			t.Fatalf("createStream: %v", err)
		}
		if err := readAndDiscardMessages(conn, 2, 5*time.Second); err != nil {
			t.Fatalf("createStream response: %v", err)
		}
		if err := sendPlayCommand(conn, "live", "commands-play-test"); err != nil {
			t.Fatalf("play: %v", err)
		}
		if err := readAndDiscardMessages(conn, 2, 5*time.Second); err != nil {
			t.Fatalf("play response (onStatus NetStream.Play.Start): %v", err)
		}
	})
}
