package server

// Command Integration (Incremental Wiring)
// ---------------------------------------
// This file bridges the lower-level connection (handshake + control +
// chunking read/write loops) with the existing RPC command parsing and
// handlers so that real RTMP clients (OBS / ffmpeg) can complete the
// connect → createStream → publish sequence.
//
// Scope (minimal, pragmatic):
//   * Per-connection state: application name (from connect), stream id
//     allocator for createStream responses.
//   * Dispatch handling for: connect, createStream, publish, play.
//   * Unknown commands ignored by dispatcher.
//   * Errors are logged; fatal protocol errors currently just logged (a
//     future enhancement can close the connection or send _error responses).
//
// This unlocks basic interoperability with standard broadcasters which
// expect the canonical responses:
//   - _result for connect (NetConnection.Connect.Success)
//   - _result for createStream returning stream id (1)
//   - onStatus NetStream.Publish.Start after publish
//
// Audio/video messages received after publish are written to the stream's
// recorder (when recording is on), broadcast to its subscribers and relayed
// to the configured destinations.

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alxayo/rtmpcore/internal/rtmp/chunk"
	iconn "github.com/alxayo/rtmpcore/internal/rtmp/conn"
	"github.com/alxayo/rtmpcore/internal/rtmp/control"
	"github.com/alxayo/rtmpcore/internal/rtmp/media"
	"github.com/alxayo/rtmpcore/internal/rtmp/relay"
	"github.com/alxayo/rtmpcore/internal/rtmp/rpc"
	"github.com/alxayo/rtmpcore/internal/rtmp/server/hooks"
)

// commandState holds mutable per-connection fields needed by handlers.
type commandState struct {
	app           string
	vhost         string // derived from connect's tcUrl host
	streamKey     string // current publishing or playing stream key
	role          string // "publish" or "play", set once the respective command succeeds
	allocator     *rpc.StreamIDAllocator
	mediaLogger   *MediaLogger
	codecDetector *media.CodecDetector

	publishing     atomic.Bool
	lastMediaAt    atomic.Int64 // unix nanos of last audio/video message, 0 before first
	publishStartAt time.Time

	connectHookFired bool // on_connect was invoked; on_close must fire symmetrically on exit
}

// watchPublishTimeouts polices the first-packet and steady-state publish
// timeouts named in st's connection's Policy: if publishing starts but no
// media arrives within Publish1stPktTimeout, or media stops arriving for
// longer than PublishNormalTimeout once it has started, the connection is
// closed. Runs until the connection's context is done or publishing ends.
func watchPublishTimeouts(c *iconn.Connection, st *commandState, log *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if !st.publishing.Load() {
			return
		}
		policy := c.Policy()
		last := st.lastMediaAt.Load()
		var idle time.Duration
		var limit time.Duration
		if last == 0 {
			idle = time.Since(st.publishStartAt)
			limit = policy.Publish1stPktTimeout
		} else {
			idle = time.Since(time.Unix(0, last))
			limit = policy.PublishNormalTimeout
		}
		if limit > 0 && idle > limit {
			log.Warn("publish timeout exceeded, closing connection", "stream_key", st.streamKey, "idle", idle, "limit", limit)
			_ = c.Close()
			return
		}
	}
}

// vhostFromTcURL extracts the host component of a connect command's tcUrl,
// used as the vhost name for admission lookups. Falls back to "" (the
// admission package's VhostFor resolves "" to the default vhost).
func vhostFromTcURL(tcURL string) string {
	u, err := url.Parse(tcURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// attachCommandHandling installs a dispatcher-backed message handler on the
// provided connection. Safe to call immediately after Accept returns.
// destMgr relays published media to configured downstream destinations;
// srv supplies admission checks and hook dispatch and may be nil in tests
// that only exercise the command dispatch path.
func attachCommandHandling(c *iconn.Connection, reg *Registry, cfg *Config, log *slog.Logger, destMgr *relay.DestinationManager, srv *Server) *commandState {
	if c == nil || reg == nil || cfg == nil {
		return nil
	}
	st := &commandState{
		allocator:     rpc.NewStreamIDAllocator(),
		mediaLogger:   NewMediaLogger(c.ID(), log, 30*time.Second),
		codecDetector: &media.CodecDetector{},
	}

	d := rpc.NewDispatcher(func() string { return st.app })

	d.OnConnect = func(cc *rpc.ConnectCommand, msg *chunk.Message) error {
		log.Debug("OnConnect handler invoked", "app", cc.App, "tcUrl", cc.TcURL, "txn_id", cc.TransactionID)
		// Persist app/vhost for subsequent publish/play parsing and admission.
		st.app = cc.App
		st.vhost = vhostFromTcURL(cc.TcURL)

		if srv != nil {
			referer, _ := cc.RawCommandObject["pageUrl"].(string)
			if err := srv.admitConnect(st.vhost, cc.App, referer); err != nil {
				log.Warn("connect rejected by admission policy", "app", cc.App, "vhost", st.vhost, "error", err)
				rej, buildErr := rpc.BuildConnectRejected(cc.TransactionID, err.Error())
				if buildErr == nil {
					_ = c.SendMessage(rej)
				}
				_ = c.Close()
				return nil
			}
		}

		if srv != nil {
			st.connectHookFired = true
			if err := srv.invokeBlockingHook(hooks.EventOnConnect, c.ID(), "", map[string]interface{}{
				"app": cc.App, "tc_url": cc.TcURL,
			}); err != nil {
				log.Warn("connect rejected by on_connect hook", "app", cc.App, "vhost", st.vhost, "error", err)
				rej, buildErr := rpc.BuildConnectRejected(cc.TransactionID, err.Error())
				if buildErr == nil {
					_ = c.SendMessage(rej)
				}
				_ = c.Close()
				return nil
			}
		}

		if cfg.VhostConfig != nil {
			if vhost := cfg.VhostConfig.VhostFor(st.vhost); vhost != nil {
				c.SetPolicy(&iconn.Policy{
					MWSleep:              time.Duration(vhost.MWSleepMS) * time.Millisecond,
					MWEnabled:            vhost.MergedWriteEnabled(),
					SendMinInterval:      time.Duration(vhost.SendMinIntervalMS) * time.Millisecond,
					Realtime:             vhost.Realtime,
					TCPNoDelay:           vhost.TCPNoDelay,
					Publish1stPktTimeout: vhost.FirstPacketTimeout(),
					PublishNormalTimeout: vhost.PublishNormalTimeout(),
				})
			}
		}

		log.Debug("building connect response", "txn_id", cc.TransactionID)
		resp, err := rpc.BuildConnectResponse(cc.TransactionID, "Connection succeeded.")
		if err != nil {
			log.Error("connect response build failed", "error", err)
			return nil // swallow errors to keep connection alive for now
		}
		// Debug: log first 64 bytes of response payload
		previewLen := 64
		if len(resp.Payload) < previewLen {
			previewLen = len(resp.Payload)
		}
		log.Debug("connect response payload preview", "bytes", resp.Payload[:previewLen])
		log.Debug("sending connect response", "txn_id", cc.TransactionID, "payload_len", len(resp.Payload))
		if err := c.SendMessage(resp); err != nil {
			log.Error("connect response send failed", "error", err)
		} else {
			log.Info("connect response sent successfully", "app", cc.App)
		}
		return nil // swallow errors to keep connection alive for now
	}

	d.OnCreateStream = func(cs *rpc.CreateStreamCommand, msg *chunk.Message) error {
		log.Debug("OnCreateStream handler invoked", "txn_id", cs.TransactionID)
		resp, streamID, err := rpc.BuildCreateStreamResponse(cs.TransactionID, st.allocator)
		if err != nil {
			log.Error("createStream response build failed", "error", err)
			return nil
		}
		log.Debug("createStream response built", "stream_id", streamID, "payload_len", len(resp.Payload))
		if err := c.SendMessage(resp); err != nil {
			log.Error("createStream response send failed", "error", err)
		} else {
			log.Info("createStream response sent successfully", "stream_id", streamID, "txn_id", cs.TransactionID)
		}

		// Send UserControl StreamBegin to signal stream is ready
		streamBegin := control.EncodeUserControlStreamBegin(streamID)
		if err := c.SendMessage(streamBegin); err != nil {
			log.Error("StreamBegin send failed", "error", err, "stream_id", streamID)
		} else {
			log.Info("StreamBegin sent", "stream_id", streamID)
		}
		return nil
	}

	d.OnPublish = func(pc *rpc.PublishCommand, msg *chunk.Message) error {
		if srv != nil {
			if err := srv.admitPublish(st.vhost, st.app, pc.StreamKey, pc.Token); err != nil {
				log.Warn("publish rejected by admission policy", "stream_key", pc.StreamKey, "error", err)
				return nil
			}
			if err := srv.invokeBlockingHook(hooks.EventOnPublish, c.ID(), pc.StreamKey, nil); err != nil {
				log.Warn("publish rejected by hook", "stream_key", pc.StreamKey, "error", err)
				return nil
			}
		}

		// Delegate to existing publish handler (sends onStatus internally).
		if _, err := HandlePublish(reg, c, st.app, msg); err != nil {
			log.Error("publish handle", "error", err)
			return nil
		}

		// Track stream key for this connection
		st.streamKey = pc.StreamKey
		st.role = "publish"
		st.publishStartAt = time.Now()
		st.publishing.Store(true)
		go watchPublishTimeouts(c, st, log)
		if srv != nil {
			srv.triggerHookEvent(hooks.EventPublishStart, c.ID(), pc.StreamKey, nil)
		}

		// Initialize recorder if recording is enabled
		if cfg.RecordAll {
			stream := reg.GetStream(pc.StreamKey)
			if stream != nil {
				if err := initRecorder(stream, cfg.RecordDir, log); err != nil {
					log.Error("failed to create recorder", "error", err, "stream_key", pc.StreamKey)
				} else {
					log.Info("recording started", "stream_key", pc.StreamKey, "record_dir", cfg.RecordDir)
				}
			}
		}

		return nil
	}

	d.OnPlay = func(pl *rpc.PlayCommand, msg *chunk.Message) error {
		if srv != nil {
			if err := srv.invokeBlockingHook(hooks.EventOnPlay, c.ID(), pl.StreamKey, nil); err != nil {
				log.Warn("play rejected by hook", "stream_key", pl.StreamKey, "error", err)
				return nil
			}
		}

		// Delegate to existing play handler (sends onStatus internally).
		if _, err := HandlePlay(reg, c, st.app, msg); err != nil {
			log.Error("play handle", "error", err)
			return nil
		}

		// Track stream key for this connection
		st.streamKey = pl.StreamKey
		st.role = "play"
		if srv != nil {
			srv.triggerHookEvent(hooks.EventPlayStart, c.ID(), pl.StreamKey, nil)
		}

		return nil
	}

	c.SetMessageHandler(func(m *chunk.Message) {
		if m == nil {
			return
		}

		log.Debug("message handler invoked", "type_id", m.TypeID, "msid", m.MessageStreamID, "len", len(m.Payload))

		// Process media packets (audio/video) through MediaLogger
		if m.TypeID == 8 || m.TypeID == 9 {
			st.lastMediaAt.Store(time.Now().UnixNano())
			st.mediaLogger.ProcessMessage(m)

			// Write to recorder if recording is active AND broadcast to subscribers
			if st.streamKey != "" {
				stream := reg.GetStream(st.streamKey)
				if stream != nil {
					if stream.Recorder != nil {
						stream.Recorder.WriteMessage(m)
					}
					// Broadcast to all subscribers (relay functionality)
					stream.BroadcastMessage(st.codecDetector, m, log)
				}
				if destMgr != nil {
					destMgr.RelayMessage(m)
				}
			}

			return // Media packets don't need command dispatch
		}

		if m.TypeID != rpc.CommandMessageAMF0TypeIDForTest() {
			log.Debug("skipping non-command message", "type_id", m.TypeID)
			return
		}
		log.Debug("dispatching command message", "type_id", m.TypeID)
		if err := d.Dispatch(m); err != nil {
			log.Error("dispatch error", "error", err)
		}
	})

	return st
}

// initRecorder creates and initializes a recorder for the given stream.
// It generates a timestamped filename based on the stream key and stores
// the recorder in the stream's Recorder field.
func initRecorder(stream *Stream, recordDir string, log *slog.Logger) error {
	if stream == nil {
		return fmt.Errorf("nil stream")
	}

	// Ensure record directory exists
	if err := os.MkdirAll(recordDir, 0755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	// Generate filename: streamkey_timestamp.flv
	// Replace slashes in stream key with underscores for filesystem safety
	safeKey := strings.ReplaceAll(stream.Key, "/", "_")
	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("%s_%s.flv", safeKey, timestamp)
	filepath := filepath.Join(recordDir, filename)

	// Create recorder
	recorder, err := media.NewRecorder(filepath, log)
	if err != nil {
		return fmt.Errorf("create recorder: %w", err)
	}

	// Store recorder in stream
	stream.mu.Lock()
	stream.Recorder = recorder
	stream.mu.Unlock()

	log.Info("recorder initialized", "stream_key", stream.Key, "file", filepath)
	return nil
}

// cleanupRecorder closes and removes the recorder for the given stream key.
func cleanupRecorder(reg *Registry, streamKey string, log *slog.Logger) {
	if reg == nil || streamKey == "" {
		return
	}

	stream := reg.GetStream(streamKey)
	if stream == nil {
		return
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	if stream.Recorder != nil {
		if err := stream.Recorder.Close(); err != nil {
			log.Error("recorder close error", "error", err, "stream_key", streamKey)
		} else {
			log.Info("recorder closed", "stream_key", streamKey)
		}
		stream.Recorder = nil
	}
}
