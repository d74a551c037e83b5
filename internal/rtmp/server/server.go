package server

// RTMP Server Listener (Task T051)
// --------------------------------
// Provides a minimal TCP listener + connection manager integrating the
// existing handshake + control burst + connection lifecycle implemented in
// the conn package. Scope intentionally small – advanced routing/dispatcher
// wiring will be layered in later tasks. This satisfies the requirements:
//   * Listen on configured address (default :1935)
//   * Accept loop spawning a goroutine per connection (via conn.Accept)
//   * Track active connections in a concurrent-safe map
//   * Graceful shutdown: stop accepting, close all connections, wait
//   * Configuration options (chunk/window sizes, recording placeholders)
//   * Exposed methods for tests: Start, Stop, Addr, ConnectionCount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alxayo/rtmpcore/internal/admission"
	"github.com/alxayo/rtmpcore/internal/config"
	"github.com/alxayo/rtmpcore/internal/listener"
	"github.com/alxayo/rtmpcore/internal/logger"
	"github.com/alxayo/rtmpcore/internal/rtmp/client"
	iconn "github.com/alxayo/rtmpcore/internal/rtmp/conn"
	"github.com/alxayo/rtmpcore/internal/rtmp/relay"
	"github.com/alxayo/rtmpcore/internal/rtmp/server/hooks"
)

// Config holds server configuration knobs. Future tasks may extend with
// validation / functional options. For now we keep a plain struct.
type Config struct {
	ListenAddr        string
	ChunkSize         uint32 // not read by the server; the control burst always sets chunk size 4096
	WindowAckSize     uint32 // not read by the server; the control burst always advertises 2,500,000
	RecordAll         bool
	RecordDir         string
	LogLevel          string
	RelayDestinations []string // NEW: List of destination URLs for relay
	// Hook configuration (all optional for backward compatibility)
	HookScripts     []string // event_type=script_path pairs
	HookWebhooks    []string // event_type=webhook_url pairs
	HookStdioFormat string   // "json", "env", or "" (disabled)
	HookTimeout     string   // timeout duration
	HookConcurrency int      // max concurrent hook executions

	// VhostConfig supplies per-vhost admission policy (refer rules, publish
	// allow/deny, edge origins). When nil, admission checks are skipped,
	// preserving the zero-config behavior of earlier revisions.
	VhostConfig *config.Config
}

// applyDefaults fills zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":1935"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4096
	} // matches control burst constant
	if c.WindowAckSize == 0 {
		c.WindowAckSize = 2_500_000
	} // matches control burst
	if c.RecordDir == "" {
		c.RecordDir = "recordings"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Server encapsulates listener + active connection tracking.
type Server struct {
	cfg                Config
	sl                 *listener.StreamListener
	log                *slog.Logger
	reg                *Registry
	destinationManager *relay.DestinationManager // NEW: Multi-destination relay manager
	hookManager        *hooks.HookManager        // NEW: Event hook manager
	checker            atomic.Pointer[admission.Checker] // nil when VhostConfig is not supplied

	mu      sync.RWMutex
	conns   map[string]*iconn.Connection
	closing bool
}

// New creates a new, unstarted Server instance.
func New(cfg Config) *Server {
	cfg.applyDefaults()

	// Initialize destination manager if destinations are provided
	var destMgr *relay.DestinationManager
	if len(cfg.RelayDestinations) > 0 {
		var err error
		// Create a client factory that wraps the client.New function
		clientFactory := func(url string) (relay.RTMPClient, error) {
			return client.New(url)
		}
		destMgr, err = relay.NewDestinationManager(cfg.RelayDestinations, logger.Logger(), clientFactory)
		if err != nil {
			logger.Logger().Error("Failed to initialize destination manager", "error", err)
			// Continue without relay functionality
		}
	}

	// Initialize hook manager (always safe, even with empty config)
	hookMgr := initializeHookManager(cfg, logger.Logger())

	srv := &Server{
		cfg:                cfg,
		reg:                NewRegistry(),
		conns:              make(map[string]*iconn.Connection),
		log:                logger.Logger().With("component", "rtmp_server"),
		destinationManager: destMgr,
		hookManager:        hookMgr,
	}
	if cfg.VhostConfig != nil {
		srv.checker.Store(admission.NewChecker(cfg.VhostConfig))
	}
	return srv
}

// Reload swaps the running server's admission policy to reflect a freshly
// loaded configuration, without interrupting active connections. Call this
// after config.Load succeeds on a SIGHUP or other reload trigger.
func (s *Server) Reload(cfg *config.Config) {
	if s == nil {
		return
	}
	if cfg == nil {
		s.checker.Store(nil)
		return
	}
	s.checker.Store(admission.NewChecker(cfg))
}

// Start begins listening and launches the accept loop. Calling it while the
// server is already started returns an error.
func (s *Server) Start() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.sl != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	sl, err := listener.NewStreamListener(listener.RtmpStream, s.cfg.ListenAddr, s.handleAccepted, s.log)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.sl = sl
	s.mu.Unlock()

	if err := sl.Start(context.Background()); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	s.log.Info("RTMP server listening", "addr", sl.Addr().String())
	return nil
}

// handleAccepted performs the RTMP handshake via conn.Accept (which
// internally sends the control burst) for one connection accepted by the
// listener fabric, then registers it. Runs on the listener's accept-loop
// goroutine per internal/listener's contract.
func (s *Server) handleAccepted(_ listener.Type, raw net.Conn) {
	single := &singleConnListener{conn: raw}
	c, err := iconn.Accept(single)
	if err != nil { // handshake failure already logged; continue accepting.
		return
	}
	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()
	s.log.Info("connection registered", "conn_id", c.ID(), "remote", raw.RemoteAddr().String())

	// Trigger connection accept hook event
	clientAddr := raw.RemoteAddr().(*net.TCPAddr)
	serverAddr := s.sl.Addr().(*net.TCPAddr)
	s.triggerHookEvent(hooks.EventConnectionAccept, c.ID(), "", map[string]interface{}{
		"client_ip":   clientAddr.IP.String(),
		"client_port": clientAddr.Port,
		"server_ip":   serverAddr.IP.String(),
		"server_port": serverAddr.Port,
	})

	// Wire command handling so real clients (OBS/ffmpeg) can complete
	// connect/createStream/publish. (Incremental integration step.)
	st := attachCommandHandling(c, s.reg, &s.cfg, s.log, s.destinationManager, s)
	// Start readLoop AFTER message handler is attached to avoid race condition
	c.Start()

	go s.reap(c, st)
}

// reap waits for c's read/write loops to both terminate (its cooperative
// task's final act, spec.md §4.5) and then removes the connection record,
// releases any publish/subscribe claim it held, and fires the symmetric
// on_close hook. Deferring the removal until the loops have returned (rather
// than reacting to Close() directly) keeps the connection's own goroutines
// from racing with their own removal.
func (s *Server) reap(c *iconn.Connection, st *commandState) {
	<-c.Done()

	if st != nil && st.streamKey != "" {
		switch st.role {
		case "publish":
			PublisherDisconnected(s.reg, st.streamKey, c)
			if st.publishing.Load() {
				st.publishing.Store(false)
				cleanupRecorder(s.reg, st.streamKey, s.log)
				s.triggerHookEvent(hooks.EventPublishStop, c.ID(), st.streamKey, nil)
				// on_unpublish only fires once media was actually observed;
				// a publish that times out before its first packet never
				// "started" in the HTTP-hook sense (spec.md §8 scenario 2).
				if st.lastMediaAt.Load() != 0 {
					_ = s.invokeBlockingHook(hooks.EventOnUnpublish, c.ID(), st.streamKey, nil)
				}
			}
		case "play":
			SubscriberDisconnected(s.reg, st.streamKey, c)
			s.triggerHookEvent(hooks.EventPlayStop, c.ID(), st.streamKey, nil)
		}
	}

	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()

	// Symmetric hook pairing (spec.md §4.6): on_close fires only if
	// on_connect fired for this connection, even when admission or a later
	// phase rejected the connection.
	if st != nil && st.connectHookFired {
		_ = s.invokeBlockingHook(hooks.EventOnClose, c.ID(), st.streamKey, nil)
	}

	s.triggerHookEvent(hooks.EventConnectionClose, c.ID(), "", map[string]interface{}{
		"reason": "peer_closed",
	})
	s.log.Info("connection reaped", "conn_id", c.ID())
}

// Stop gracefully shuts down the server: stops accepting new connections,
// closes all active ones, waits for accept loop completion.
func (s *Server) Stop() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.sl == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	sl := s.sl
	s.sl = nil
	s.mu.Unlock()
	_ = sl.Stop()

	// Close all connections and clean up recorders. Snapshot the live set
	// first and release the lock before calling Close(): Close() blocks
	// until the connection's loops return, which wakes its own reap()
	// goroutine and that goroutine needs s.mu to remove itself — holding
	// the lock across Close() here would deadlock against it.
	s.mu.RLock()
	conns := make([]*iconn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	// reap() (started per-connection in handleAccepted) fires the
	// connection_close event and any symmetric on_close hook once Close()
	// below wakes it, so we don't duplicate that here.
	for _, c := range conns {
		_ = c.Close()
	}
	s.mu.Lock()
	s.conns = make(map[string]*iconn.Connection)
	s.mu.Unlock()

	// Clean up all active recorders
	s.cleanupAllRecorders()

	// Close destination manager
	if s.destinationManager != nil {
		if err := s.destinationManager.Close(); err != nil {
			s.log.Error("Error closing destination manager", "error", err)
		}
	}

	// Close hook manager
	if s.hookManager != nil {
		if err := s.hookManager.Close(); err != nil {
			s.log.Error("Error closing hook manager", "error", err)
		}
	}

	s.log.Info("RTMP server stopped")
	return nil
}

// Addr returns the bound listener address (nil if not started).
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sl == nil {
		return nil
	}
	return s.sl.Addr()
}

// RegistryForAPI exposes the server's stream registry for wiring into the
// httpapi/httpflv listener-fabric adapters (see adapters.go).
func (s *Server) RegistryForAPI() *Registry { return s.reg }

// ConnectionCount returns current number of tracked active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// singleConnListener is a tiny adapter implementing net.Listener for a single
// pre-accepted net.Conn. It returns the conn once then permanently errors.
type singleConnListener struct{ conn net.Conn }

func (s *singleConnListener) Accept() (net.Conn, error) {
	if s.conn == nil {
		return nil, errors.New("no conn")
	}
	c := s.conn
	s.conn = nil
	return c, nil
}
func (s *singleConnListener) Close() error {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	return nil
}
func (s *singleConnListener) Addr() net.Addr {
	if s.conn != nil {
		return s.conn.LocalAddr()
	}
	return &net.TCPAddr{}
}

// cleanupAllRecorders closes all active recorders in the registry.
// This is called during server shutdown to ensure all FLV files are properly closed.
func (s *Server) cleanupAllRecorders() {
	if s == nil || s.reg == nil {
		return
	}

	s.reg.mu.RLock()
	streams := make([]*Stream, 0, len(s.reg.streams))
	for _, stream := range s.reg.streams {
		streams = append(streams, stream)
	}
	s.reg.mu.RUnlock()

	for _, stream := range streams {
		if stream == nil {
			continue
		}

		stream.mu.Lock()
		if stream.Recorder != nil {
			if err := stream.Recorder.Close(); err != nil {
				s.log.Error("recorder close error", "error", err, "stream_key", stream.Key)
			} else {
				s.log.Info("recorder closed", "stream_key", stream.Key)
			}
			stream.Recorder = nil
		}
		stream.mu.Unlock()
	}
}

// initializeHookManager creates and configures the hook manager based on server config
func initializeHookManager(cfg Config, logger *slog.Logger) *hooks.HookManager {
	// Create hook config from server config
	hookConfig := hooks.HookConfig{
		Timeout:     cfg.HookTimeout,
		Concurrency: cfg.HookConcurrency,
		StdioFormat: cfg.HookStdioFormat,
	}

	// Apply defaults if not specified
	if hookConfig.Timeout == "" {
		hookConfig.Timeout = "30s"
	}
	if hookConfig.Concurrency == 0 {
		hookConfig.Concurrency = 10
	}

	// Create hook manager
	hookManager := hooks.NewHookManager(hookConfig, logger)

	// Register shell hooks from configuration
	if err := registerShellHooks(hookManager, cfg.HookScripts, logger); err != nil {
		logger.Error("Failed to register shell hooks", "error", err)
	}

	// Register webhook hooks from configuration
	if err := registerWebhookHooks(hookManager, cfg.HookWebhooks, logger); err != nil {
		logger.Error("Failed to register webhook hooks", "error", err)
	}

	return hookManager
}

// triggerHookEvent is a helper method to trigger hook events safely
func (s *Server) triggerHookEvent(eventType hooks.EventType, connID, streamKey string, data map[string]interface{}) {
	if s == nil || s.hookManager == nil {
		return // Hooks disabled or server not initialized
	}

	event := hooks.NewEvent(eventType).
		WithConnID(connID).
		WithStreamKey(streamKey)

	// Add data fields if provided
	for key, value := range data {
		event.WithData(key, value)
	}

	s.hookManager.TriggerEvent(context.Background(), *event)
}

// admitConnect checks refer/vhost policy for an incoming connect command.
// Returns nil (admit) when no VhostConfig was configured.
func (s *Server) admitConnect(vhost, app, referer string) error {
	if s == nil {
		return nil
	}
	checker := s.checker.Load()
	if checker == nil {
		return nil
	}
	return checker.Admit(vhost, app, referer)
}

// admitPublish checks publish-allowed policy for an app, and, for edge
// vhosts (those naming origin servers), requires a successful token-traverse
// against one of them. Returns nil (admit) when no VhostConfig was
// configured.
func (s *Server) admitPublish(vhost, app, streamKey, token string) error {
	if s == nil {
		return nil
	}
	checker := s.checker.Load()
	if checker == nil {
		return nil
	}
	return checker.AdmitPublishWithToken(vhost, app, streamKey, token)
}

// invokeBlockingHook runs the synchronous, fatal-on-non-2xx hook discipline
// for admission-gating events (on_publish, on_play, ...). Returns nil when
// no hook manager is configured or no hooks are registered for eventType.
func (s *Server) invokeBlockingHook(eventType hooks.EventType, connID, streamKey string, data map[string]interface{}) error {
	if s == nil || s.hookManager == nil {
		return nil
	}
	event := hooks.NewEvent(eventType).WithConnID(connID).WithStreamKey(streamKey)
	for key, value := range data {
		event.WithData(key, value)
	}
	return s.hookManager.InvokeBlocking(context.Background(), *event)
}

// registerShellHooks parses and registers shell hooks from configuration
func registerShellHooks(hookManager *hooks.HookManager, scripts []string, logger *slog.Logger) error {
	for i, script := range scripts {
		parts := strings.SplitN(script, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid shell hook format: %s", script)
		}

		eventType := hooks.EventType(parts[0])
		scriptPath := parts[1]

		// Create shell hook with a fixed 30s timeout; HookTimeout is not applied to it
		shellHook := hooks.NewShellHook(
			fmt.Sprintf("shell_%d", i),
			scriptPath,
			30*time.Second, // Fixed timeout for this hook
		)

		if err := hookManager.RegisterHook(eventType, shellHook); err != nil {
			return fmt.Errorf("failed to register shell hook %s: %w", script, err)
		}

		logger.Info("Registered shell hook", "event_type", eventType, "script_path", scriptPath)
	}

	return nil
}

// registerWebhookHooks parses and registers webhook hooks from configuration
func registerWebhookHooks(hookManager *hooks.HookManager, webhooks []string, logger *slog.Logger) error {
	for i, webhook := range webhooks {
		parts := strings.SplitN(webhook, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid webhook hook format: %s", webhook)
		}

		eventType := hooks.EventType(parts[0])
		webhookURL := parts[1]

		// Create webhook hook with default timeout
		webhookHook := hooks.NewWebhookHook(
			fmt.Sprintf("webhook_%d", i),
			webhookURL,
			30*time.Second, // Default timeout
		)

		if err := hookManager.RegisterHook(eventType, webhookHook); err != nil {
			return fmt.Errorf("failed to register webhook hook %s: %w", webhook, err)
		}

		logger.Info("Registered webhook hook", "event_type", eventType, "webhook_url", webhookURL)
	}

	return nil
}
