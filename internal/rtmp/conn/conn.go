package conn

// Package conn provides the TCP connection lifecycle integration glue that
// sits above the handshake layer and (later) below the chunk/control layers.
//
// T016: Integrate Handshake into Connection
//  - After net.Listener.Accept() perform handshake.ServerHandshake
//  - Log handshake completion with duration
//  - On handshake error: close connection and return error
//
// The package purposefully keeps scope tiny for this task: a single Accept
// helper plus a lightweight Connection wrapper that will be expanded by
// subsequent tasks (control burst, read/write loops, stream registry, etc.).

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lerrors "github.com/alxayo/rtmpcore/internal/errors"
	"github.com/alxayo/rtmpcore/internal/logger"
	"github.com/alxayo/rtmpcore/internal/netio"
	"github.com/alxayo/rtmpcore/internal/rtmp/chunk"
	"github.com/alxayo/rtmpcore/internal/rtmp/control"
	"github.com/alxayo/rtmpcore/internal/rtmp/handshake"
	"github.com/alxayo/rtmpcore/internal/task"
)

// maxMergedWriteBatch bounds how many queued messages a single write-loop
// pass will gather before flushing, so one very bursty producer can't
// starve the gather loop indefinitely (spec.md §4.6's "up to N ready
// outgoing messages").
const maxMergedWriteBatch = 64

// Connection represents an accepted RTMP connection that has successfully
// completed the RTMP simple handshake and is ready for chunk layer processing.
// It owns the read and write loop tasks, the outbound queue, the negotiated
// chunk sizes and the live policy; command handling is injected through
// SetMessageHandler.
// (Session entity implemented in session.go – placeholder removed)

type Connection struct {
	// Immutable / identity
	id                string
	netConn           net.Conn
	remoteAddr        net.Addr
	acceptedAt        time.Time
	handshakeDuration time.Duration
	log               *slog.Logger

	// Context & lifecycle. readTask and writeTask are Endless-strategy
	// cooperative tasks (internal/task) — the Go realization of spec.md
	// §4.2's read/write loops: Stop cancels ctx and blocks until the loop
	// has actually returned, matching the "joinable stop waits for the
	// body" invariant.
	ctx       context.Context
	cancel    context.CancelFunc
	readTask  *task.Task
	writeTask *task.Task

	// sock is the Socket Adapter (internal/netio) wrapping netConn: every
	// read/write the connection's loops perform after the handshake goes
	// through it, so deadline handling, byte counters, and reset-vs-timeout
	// classification are never reimplemented at this layer.
	sock *netio.Socket

	// Protocol state (subset per T046 requirements)
	readChunkSize  uint32
	writeChunkSize uint32
	windowAckSize  uint32
	chunkStreams   map[uint32]*chunk.ChunkStreamState // accessed only by readLoop
	outboundQueue  chan *chunk.Message
	session        *Session // placeholder (T047)

	// Internal helpers
	onMessage func(*chunk.Message) // test hook / dispatcher injection

	done     chan struct{}
	doneOnce sync.Once

	*policyHolder
}

// Done returns a channel that is closed once the connection's read and
// write loops have both returned, i.e. once it is safe for a Connection
// Manager to reap this connection's record (spec.md §4.5's "remove on task
// exit"). Safe to call at any point after Accept returns.
func (c *Connection) Done() <-chan struct{} { return c.done }

// ID returns the logical connection id.
func (c *Connection) ID() string { return c.id }

// NetConn exposes the underlying net.Conn (read-only usage expected by higher layers).
func (c *Connection) NetConn() net.Conn { return c.netConn }

// HandshakeDuration returns how long the RTMP handshake took.
func (c *Connection) HandshakeDuration() time.Duration { return c.handshakeDuration }

// Close closes the underlying connection.
func (c *Connection) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	// Closing the underlying net.Conn will unblock reader/writer.
	_ = c.netConn.Close()
	// Task.Stop is idempotent and a no-op on a task that was never
	// started, so this is safe to call regardless of whether Start() ran.
	if c.writeTask != nil {
		_ = c.writeTask.Stop()
	}
	if c.readTask != nil {
		_ = c.readTask.Stop()
	}
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

// SetMessageHandler installs a callback invoked by the readLoop for every
// fully reassembled RTMP message. MUST be called before Start().
func (c *Connection) SetMessageHandler(fn func(*chunk.Message)) { c.onMessage = fn }

// Start begins the readLoop. MUST be called after SetMessageHandler() to avoid race condition.
func (c *Connection) Start() {
	c.startReadLoop()
	go func() {
		<-c.readTask.Done()
		<-c.writeTask.Done()
		c.doneOnce.Do(func() { close(c.done) })
	}()
}

// SendMessage enqueues a message for outbound transmission (chunked by writeLoop).
// It enforces a small timeout to provide backpressure behavior.
func (c *Connection) SendMessage(msg *chunk.Message) error {
	if c == nil || c.outboundQueue == nil {
		return errors.New("connection not initialized")
	}
	if msg == nil {
		return errors.New("nil message")
	}
	// Derive short timeout context.
	deadline := time.NewTimer(200 * time.Millisecond)
	defer deadline.Stop()
	select {
	case <-c.ctx.Done():
		return context.Canceled
	case c.outboundQueue <- msg:
		return nil
	case <-deadline.C:
		return fmt.Errorf("send queue full (len=%d)", len(c.outboundQueue))
	}
}

// readCycle is the read loop's CycleHandler: one Cycle call dechunks and
// dispatches exactly one message, so the task runtime's dispatch loop (not
// an internal for-loop) drives iteration, matching spec.md §4.2's "cycle
// does one unit of work per call" model. OnStart builds the chunk.Reader
// over the connection's Socket Adapter so every byte the connection reads
// after the handshake goes through netio's timeout/counter/classification
// path.
type readCycle struct {
	c *Connection
	r *chunk.Reader
}

func (rc *readCycle) OnStart(ctx context.Context) error {
	rc.r = chunk.NewReader(rc.c.sock.Reader(0), rc.c.readChunkSize)
	rc.c.log.Debug("readLoop started", "initial_chunk_size", rc.c.readChunkSize)
	return nil
}

func (rc *readCycle) Cycle(ctx context.Context) error {
	c := rc.c
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	msg, err := rc.r.ReadMessage()
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return lerrors.ErrClientGracefulClose
		case errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
			return lerrors.ErrSystemControl
		default:
			return err
		}
	}
	c.log.Debug("readLoop received message", "type_id", msg.TypeID, "msid", msg.MessageStreamID, "len", len(msg.Payload))
	if c.onMessage != nil {
		c.onMessage(msg)
	}
	return nil
}

func (rc *readCycle) OnStop(ctx context.Context) error {
	rc.c.log.Debug("readLoop stopped")
	return nil
}

// startReadLoop begins the dechunk → dispatch loop as an Endless task.
func (c *Connection) startReadLoop() {
	c.readTask = task.New(c.id+"-read", task.Endless)
	_ = c.readTask.StartHandler(c.ctx, &readCycle{c: c})
}

// writeCycle is the write loop's CycleHandler, implementing the merged-
// write subcycle from spec.md §4.6: each pass blocks for at least one
// ready message, then — if merged writes are enabled — gathers further
// ready messages, up to maxMergedWriteBatch in all, within a policy.mw_sleep
// gather window before flushing the whole batch with a single Writev
// call, instead of one write-then-sleep per message.
type writeCycle struct {
	c *Connection
	w *chunk.Writer
}

func (wc *writeCycle) OnStart(ctx context.Context) error {
	wc.w = chunk.NewWriter(wc.c.sock.Writer(0), wc.c.writeChunkSize)
	wc.c.log.Debug("writeLoop started", "write_chunk_size", wc.c.writeChunkSize)
	return nil
}

func (wc *writeCycle) Cycle(ctx context.Context) error {
	c := wc.c

	var msg *chunk.Message
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m, ok := <-c.outboundQueue:
		if !ok {
			return lerrors.ErrSystemControl
		}
		msg = m
	}
	batch := []*chunk.Message{msg}

	policy := c.Policy()
	if window := policy.mergedWriteSleep(); policy.MWEnabled && window > 0 {
		timer := time.NewTimer(window)
		defer timer.Stop()
	gather:
		for len(batch) < maxMergedWriteBatch {
			select {
			case m, ok := <-c.outboundQueue:
				if !ok {
					break gather
				}
				batch = append(batch, m)
			case <-timer.C:
				break gather
			case <-ctx.Done():
				break gather
			}
		}
	}

	wc.w.SetChunkSize(c.writeChunkSize)
	bufs := make([][]byte, 0, len(batch))
	for _, m := range batch {
		chunks, err := wc.w.EncodeMessage(m)
		if err != nil {
			c.log.Error("writeLoop encode failed", "error", err)
			return err
		}
		bufs = append(bufs, chunks...)
		if m.TypeID == control.TypeSetChunkSize && len(m.Payload) == 4 {
			// Keep the writer's own chunk size (used for subsequent
			// EncodeMessage calls in this same batch) in sync with a
			// Set Chunk Size message we are in the middle of flushing.
			wc.w.SetChunkSize(binary.BigEndian.Uint32(m.Payload))
		}
	}
	if _, err := c.sock.Writev(bufs, 0); err != nil {
		c.log.Error("writeLoop flush failed", "error", err, "messages", len(batch))
		return err
	}
	c.log.Debug("writeLoop flushed batch", "messages", len(batch))
	return nil
}

func (wc *writeCycle) OnStop(ctx context.Context) error {
	wc.c.log.Debug("writeLoop stopped")
	return nil
}

// startWriteLoop consumes outboundQueue and writes chunked messages, as an
// Endless task mirroring startReadLoop's lifecycle discipline.
func (c *Connection) startWriteLoop() {
	c.writeTask = task.New(c.id+"-write", task.Endless)
	_ = c.writeTask.StartHandler(c.ctx, &writeCycle{c: c})
}

var connCounter uint64

// nextID generates a simple monotonically increasing connection identifier.
func nextID() string { return fmt.Sprintf("c%06d", atomic.AddUint64(&connCounter, 1)) }

// Accept performs a blocking Accept() on the provided listener, runs the
// server-side RTMP handshake, and returns a *Connection on success. On
// handshake failure the underlying net.Conn is closed and the error returned.
//
// This function is intentionally synchronous; a typical server will wrap it
// inside an accept loop and launch a goroutine per successful connection.
func Accept(l net.Listener) (*Connection, error) {
	if l == nil {
		return nil, fmt.Errorf("nil listener")
	}
	raw, err := l.Accept()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := handshake.ServerHandshake(raw); err != nil {
		// Handshake failure: ensure connection is closed and log context.
		_ = raw.Close()
		logger.Logger().Error("Handshake failed", "error", err, "remote", raw.RemoteAddr().String())
		return nil, err
	}
	dur := time.Since(start)

	id := nextID()
	lgr := logger.WithConn(logger.Logger(), id, raw.RemoteAddr().String())
	lgr.Info("Connection accepted", "handshake_ms", dur.Milliseconds())

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:                id,
		netConn:           raw,
		remoteAddr:        raw.RemoteAddr(),
		acceptedAt:        start,
		handshakeDuration: dur,
		log:               lgr,
		ctx:               ctx,
		cancel:            cancel,
		sock:              netio.New(raw),
		readChunkSize:     128,
		writeChunkSize:    128,
		windowAckSize:     windowAckSizeValue, // align with control burst constants
		chunkStreams:      make(map[uint32]*chunk.ChunkStreamState),
		outboundQueue:     make(chan *chunk.Message, 100),
		policyHolder:      newPolicyHolder(nil),
		done:              make(chan struct{}),
	}

	// Start write loop first so control burst can be queued
	c.startWriteLoop()

	// Send control burst synchronously BEFORE starting read loop
	// This ensures the client receives the burst before we process any client messages
	if err := sendInitialControlBurst(c); err != nil {
		c.log.Error("Control burst failed", "error", err)
		_ = c.Close()
		return nil, fmt.Errorf("control burst: %w", err)
	}

	// NOTE: readLoop is NOT started here to avoid race condition with message handler setup.
	// Caller MUST call Start() after setting message handler via SetMessageHandler().

	return c, nil
}
