// Package signalbridge is the Go realization of the self-pipe signal
// handling pattern: exactly one goroutine reads OS signals and turns them
// into application-level events (graceful stop, reload), so the rest of the
// server never touches os/signal directly. Go's runtime already delivers
// signals through a channel in an async-signal-safe way, so there is no
// pipe to build — signal.Notify's channel plays that role.
package signalbridge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alxayo/rtmpcore/internal/task"
)

// Bridge listens for OS signals and dispatches them to callbacks. It is
// driven by a single task.Task using the Endless strategy: one cycle for
// the bridge's entire lifetime, cancelled by Stop.
type Bridge struct {
	t  *task.Task
	ch chan os.Signal
	log *slog.Logger

	onReload func()
	onStop   func()
}

// New creates a Bridge. onReload is invoked for SIGHUP, onStop for SIGINT
// and SIGTERM. Either callback may be nil.
func New(log *slog.Logger, onReload, onStop func()) *Bridge {
	return &Bridge{
		t:        task.New("signal-bridge", task.Endless),
		ch:       make(chan os.Signal, 1),
		log:      log,
		onReload: onReload,
		onStop:   onStop,
	}
}

// Start begins listening for signals under parent. Start must be called at
// most once; the bridge is stopped by cancelling parent or calling Stop.
func (b *Bridge) Start(parent context.Context) error {
	signal.Notify(b.ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	return b.t.Start(parent, b.run)
}

// Stop cancels the bridge's signal-reading cycle and stops receiving
// signals on its channel. The cancellation it causes is not reported as an
// error, so repeated calls return nil.
func (b *Bridge) Stop() error {
	err := b.t.Stop()
	signal.Stop(b.ch)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bridge) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-b.ch:
			if !ok {
				return nil
			}
			b.dispatch(sig)
		}
	}
}

func (b *Bridge) dispatch(sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		b.log.Info("signal received: reload", "signal", sig.String())
		if b.onReload != nil {
			b.onReload()
		}
	case os.Interrupt, syscall.SIGTERM:
		b.log.Info("signal received: stop", "signal", sig.String())
		if b.onStop != nil {
			b.onStop()
		}
	default:
		b.log.Warn("signal received: ignored", "signal", sig.String())
	}
}
