package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	lerrors "github.com/alxayo/rtmpcore/internal/errors"
)

// errSinglePass ends a Start-session's run after exactly one pass for
// strategies (Endless, Reusable) whose dispatch loop otherwise keeps
// calling Cycle as long as it returns nil.
var errSinglePass = errors.New("single pass complete")

func TestEndless_RunsUntilStopped(t *testing.T) {
	tk := New("readloop", Endless)
	started := make(chan struct{})
	if err := tk.Start(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	if !tk.Running() {
		t.Fatalf("expected task to be running")
	}
	if err := tk.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("stop: %v", err)
	}
	if tk.Running() {
		t.Fatalf("expected task stopped")
	}
}

func TestEndless_CannotRestart(t *testing.T) {
	tk := New("readloop", Endless)
	if err := tk.Start(context.Background(), func(ctx context.Context) error { return errSinglePass }); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-tk.Done()
	if err := tk.Start(context.Background(), func(ctx context.Context) error { return nil }); err == nil {
		t.Fatalf("expected restart to fail for Endless strategy")
	}
}

func TestOneShot_Completes(t *testing.T) {
	tk := New("admission-check", OneShot)
	if err := tk.Start(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for oneshot completion")
	}
	if tk.Err() != nil {
		t.Fatalf("unexpected error: %v", tk.Err())
	}
}

func TestReusable_CanRestartAfterCompletion(t *testing.T) {
	tk := New("publish-recv", Reusable)
	run := func(ctx context.Context) error { return errSinglePass }
	if err := tk.Start(context.Background(), run); err != nil {
		t.Fatalf("start 1: %v", err)
	}
	<-tk.Done()
	if err := tk.Start(context.Background(), run); err != nil {
		t.Fatalf("start 2: %v", err)
	}
	<-tk.Done()
}

func TestReusableInterruptible_InterruptDoesNotKillTask(t *testing.T) {
	tk := New("play-recv", ReusableInterruptible)
	started := make(chan struct{})
	cycleErr := make(chan error, 1)
	if err := tk.Start(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	if err := tk.Interrupt(); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for cycle to observe interrupt")
	}
	cycleErr <- tk.Err()
	if err := <-cycleErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Task must still accept a new cycle after interruption.
	if err := tk.Start(context.Background(), func(ctx context.Context) error { return errSinglePass }); err != nil {
		t.Fatalf("restart after interrupt: %v", err)
	}
	<-tk.Done()
}

func TestInterrupt_RejectedForNonInterruptibleStrategy(t *testing.T) {
	tk := New("readloop", Endless)
	if err := tk.Start(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tk.Stop()
	if err := tk.Interrupt(); err == nil {
		t.Fatalf("expected interrupt to be rejected for Endless strategy")
	}
}

func TestStart_AlreadyRunningRejected(t *testing.T) {
	tk := New("readloop", Endless)
	block := make(chan struct{})
	if err := tk.Start(context.Background(), func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ctx.Err()
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tk.Start(context.Background(), func(ctx context.Context) error { return nil }); err == nil {
		t.Fatalf("expected second start to fail while running")
	}
	close(block)
	_ = tk.Stop()
}

// capabilityHandler is a CycleHandler that also implements every optional
// hook, recording invocation order and counts for assertions.
type capabilityHandler struct {
	cycles int32

	onStartCalls      int32
	onBeforeCycleCall int32
	onEndCycleCalls   int32
	onStopCalls       int32

	beforeCycleFails bool
	cycleErr         error
}

func (h *capabilityHandler) OnStart(ctx context.Context) error {
	atomic.AddInt32(&h.onStartCalls, 1)
	return nil
}

func (h *capabilityHandler) OnBeforeCycle(ctx context.Context) error {
	atomic.AddInt32(&h.onBeforeCycleCall, 1)
	if h.beforeCycleFails {
		return errors.New("before-cycle rejected this pass")
	}
	return nil
}

func (h *capabilityHandler) Cycle(ctx context.Context) error {
	atomic.AddInt32(&h.cycles, 1)
	return h.cycleErr
}

func (h *capabilityHandler) OnEndCycle(ctx context.Context) error {
	atomic.AddInt32(&h.onEndCycleCalls, 1)
	return nil
}

func (h *capabilityHandler) OnStop(ctx context.Context) error {
	atomic.AddInt32(&h.onStopCalls, 1)
	return nil
}

// TestStartHandler_CIDAssignedAndOnStartInvokedOnce verifies the testable
// property: once StartHandler returns, cid() >= 0 and on_start has run
// exactly once.
func TestStartHandler_CIDAssignedAndOnStartInvokedOnce(t *testing.T) {
	tk := New("capability", OneShot)
	if tk.CID() != -1 {
		t.Fatalf("expected cid -1 before start, got %d", tk.CID())
	}
	h := &capabilityHandler{cycleErr: nil}
	if err := tk.StartHandler(context.Background(), h); err != nil {
		t.Fatalf("start: %v", err)
	}
	if tk.CID() < 0 {
		t.Fatalf("expected cid >= 0 after start, got %d", tk.CID())
	}
	<-tk.Done()
	if got := atomic.LoadInt32(&h.onStartCalls); got != 1 {
		t.Fatalf("expected on_start invoked exactly once, got %d", got)
	}
}

// TestDispatch_BeforeCycleFailureSkipsCycleAndEndCycle verifies that a
// failing on_before_cycle skips both cycle and on_end_cycle for that pass,
// without ending the run.
func TestDispatch_BeforeCycleFailureSkipsCycleAndEndCycle(t *testing.T) {
	tk := New("capability", Endless)
	tk.SetInterval(time.Millisecond)
	h := &capabilityHandler{beforeCycleFails: true}
	if err := tk.StartHandler(context.Background(), h); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	_ = tk.Stop()
	if atomic.LoadInt32(&h.onBeforeCycleCall) == 0 {
		t.Fatalf("expected on_before_cycle to have run")
	}
	if atomic.LoadInt32(&h.cycles) != 0 {
		t.Fatalf("expected cycle to be skipped when on_before_cycle fails, got %d calls", h.cycles)
	}
	if atomic.LoadInt32(&h.onEndCycleCalls) != 0 {
		t.Fatalf("expected on_end_cycle to be skipped alongside cycle, got %d calls", h.onEndCycleCalls)
	}
}

// TestDispatch_EndCycleRunsAfterEachSuccessfulPass verifies on_end_cycle
// fires once per pass when on_before_cycle succeeds, and on_stop fires
// exactly once after the run ends.
func TestDispatch_EndCycleRunsAfterEachSuccessfulPass(t *testing.T) {
	tk := New("capability", OneShot)
	h := &capabilityHandler{}
	if err := tk.StartHandler(context.Background(), h); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-tk.Done()
	if atomic.LoadInt32(&h.onEndCycleCalls) != 1 {
		t.Fatalf("expected on_end_cycle exactly once, got %d", h.onEndCycleCalls)
	}
	if atomic.LoadInt32(&h.onStopCalls) != 1 {
		t.Fatalf("expected on_stop exactly once, got %d", h.onStopCalls)
	}
}

// TestDispatch_GracefulCloseLogsInfoNotWarn exercises the log-level split
// by driving a cycle error through each of the "expected termination" kinds
// and confirming the run still ends cleanly (the split itself is a log
// side effect, not independently observable here without a logger hook;
// this test pins the behavioral half of the contract: these error kinds
// terminate the run like any other cycle error).
func TestDispatch_GracefulCloseLogsInfoNotWarn(t *testing.T) {
	for _, cause := range []error{lerrors.ErrClientGracefulClose, lerrors.ErrSystemControl} {
		tk := New("capability", OneShot)
		h := &capabilityHandler{cycleErr: cause}
		if err := tk.StartHandler(context.Background(), h); err != nil {
			t.Fatalf("start: %v", err)
		}
		<-tk.Done()
		if !errors.Is(tk.Err(), cause) {
			t.Fatalf("expected run to end with %v, got %v", cause, tk.Err())
		}
	}
}
