package conn

import (
	"sync/atomic"
	"time"
)

// Policy holds the live-reconfigurable knob set a Connection's read/write
// loops consult on every iteration: merged-write batching, send-interval
// floor, and the publish timeouts. It is swapped as a whole via
// atomic.Pointer so a config reload never requires a lock around the hot
// read/write paths.
type Policy struct {
	MWSleep              time.Duration
	MWEnabled            bool
	SendMinInterval      time.Duration
	Realtime             bool
	TCPNoDelay           bool
	Publish1stPktTimeout time.Duration
	PublishNormalTimeout time.Duration
}

// DefaultPolicy returns the policy a Connection starts with absent any
// explicit configuration.
func DefaultPolicy() *Policy {
	return &Policy{
		MWSleep:              350 * time.Millisecond,
		MWEnabled:            true,
		Publish1stPktTimeout: 5 * time.Second,
		PublishNormalTimeout: 30 * time.Second,
	}
}

// policyHolder is embedded into Connection to give it live-reload policy
// storage without touching its existing field layout.
type policyHolder struct {
	policy atomic.Pointer[Policy]
}

func newPolicyHolder(p *Policy) *policyHolder {
	h := &policyHolder{}
	if p == nil {
		p = DefaultPolicy()
	}
	h.policy.Store(p)
	return h
}

// Policy returns the currently active policy.
func (h *policyHolder) Policy() *Policy { return h.policy.Load() }

// SetPolicy atomically installs a new policy, taking effect on the next
// read/write loop iteration.
func (h *policyHolder) SetPolicy(p *Policy) {
	if p == nil {
		return
	}
	h.policy.Store(p)
}

// mergedWriteSleep returns the gather window the write loop should hold
// open after its first ready message before flushing the batch, honoring
// the realtime override and send_min_interval floor the way spec.md §4.6
// describes. A zero result means flush immediately: either merged writes
// are disabled, or realtime mode opts the connection out of batching.
func (p *Policy) mergedWriteSleep() time.Duration {
	if p == nil || p.Realtime {
		return 0
	}
	if !p.MWEnabled {
		return 0
	}
	sleep := p.MWSleep
	if p.SendMinInterval > sleep {
		sleep = p.SendMinInterval
	}
	return sleep
}
