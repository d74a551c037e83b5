package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/alxayo/rtmpcore/internal/config"
	"github.com/alxayo/rtmpcore/internal/httpapi"
	"github.com/alxayo/rtmpcore/internal/httpflv"
	"github.com/alxayo/rtmpcore/internal/logger"
	"github.com/alxayo/rtmpcore/internal/pidfile"
	srv "github.com/alxayo/rtmpcore/internal/rtmp/server"
	"github.com/alxayo/rtmpcore/internal/signalbridge"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		// flag package already printed usage/error
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	var vhostCfg *config.Config
	if cfg.configPath != "" {
		vhostCfg, err = config.Load(cfg.configPath)
		if err != nil {
			log.Error("failed to load config", "path", cfg.configPath, "error", err)
			os.Exit(1)
		}
	}

	var pidLock *pidfile.File
	if cfg.pidFile != "" {
		pidLock, err = pidfile.Acquire(cfg.pidFile)
		if err != nil {
			log.Error("failed to acquire pid file", "path", cfg.pidFile, "error", err)
			os.Exit(1)
		}
		defer pidLock.Close()
	}

	server := srv.New(srv.Config{
		ListenAddr:      cfg.listenAddr,
		ChunkSize:       uint32(cfg.chunkSize),
		WindowAckSize:   2_500_000, // matches control burst constant
		RecordAll:       cfg.recordAll,
		RecordDir:       cfg.recordDir,
		LogLevel:        cfg.logLevel,
		VhostConfig:       vhostCfg,
		RelayDestinations: cfg.relayDestinations,
		HookScripts:       cfg.hookScripts,
		HookWebhooks:      cfg.hookWebhooks,
		HookTimeout:     cfg.hookTimeout,
		HookConcurrency: cfg.hookConcurrency,
		HookStdioFormat: cfg.hookStdioFormat,
	})

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	log.Info("server started", "addr", server.Addr().String(), "version", version)

	var httpSrv *http.Server
	if vhostCfg != nil && vhostCfg.Listen.HTTPAPI != "" {
		httpSrv = startHTTPControlPlane(vhostCfg, cfg.configPath, server, log)
	}

	shutdownCh := make(chan struct{})
	var closeOnce bool
	stop := func() {
		if closeOnce {
			return
		}
		closeOnce = true
		close(shutdownCh)
	}

	reload := func() {
		log.Info("reload requested")
		if cfg.configPath == "" {
			return
		}
		reloaded, err := config.Load(cfg.configPath)
		if err != nil {
			log.Error("reload failed, keeping previous config", "error", err)
			return
		}
		vhostCfg = reloaded
		server.Reload(vhostCfg)
		log.Info("config reloaded", "path", cfg.configPath)
	}

	bridge := signalbridge.New(log, reload, stop)
	if err := bridge.Start(context.Background()); err != nil {
		log.Error("failed to start signal bridge", "error", err)
		os.Exit(1)
	}

	<-shutdownCh
	log.Info("shutdown signal received")
	_ = bridge.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if httpSrv != nil {
			_ = httpSrv.Shutdown(shutdownCtx)
		}
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}

// startHTTPControlPlane mounts the HttpApi and HttpStream/Flv listener
// types on a single net/http server, matching SPEC_FULL.md §4.4's
// multi-type dispatch (distinct listener purposes sharing one mux). The
// registry snapshot always reflects the live *server.Registry since both
// handlers hold an adapter wrapping it, not a copy.
func startHTTPControlPlane(cfg *config.Config, configPath string, server *srv.Server, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	apiSvc := httpapi.NewService(
		srv.NewHTTPAPIRegistry(server.RegistryForAPI()),
		srv.NewHTTPAPIReloader(func() error {
			reloaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			server.Reload(reloaded)
			return nil
		}),
	)
	apiSvc.RegisterRoutes(mux)

	flvHandler := httpflv.NewHandler(srv.NewHTTPFLVRegistry(server.RegistryForAPI()))
	flvHandler.RegisterRoutes(mux)

	httpSrv := &http.Server{Addr: cfg.Listen.HTTPAPI, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http control plane stopped", "error", err)
		}
	}()
	log.Info("http control plane listening", "addr", cfg.Listen.HTTPAPI)
	return httpSrv
}
