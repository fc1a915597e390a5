// Package txn implements the per-transaction state machine and
// identifiers that the replicator attaches to every local or remote
// write-set as it moves through the three-stage pipeline.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodb/core/replication/repltypes"
	"github.com/sushant-115/gojodb/core/replication/writeset"
)

// State is a transaction's position in its lifecycle.
type State int

const (
	StateExecuting State = iota
	StateMustAbort
	StateAborting
	StateMustReplay
	StateReplaying
	StateCertifying
	StateApplying
	StateCommitting
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateExecuting:
		return "executing"
	case StateMustAbort:
		return "must_abort"
	case StateAborting:
		return "aborting"
	case StateMustReplay:
		return "must_replay"
	case StateReplaying:
		return "replaying"
	case StateCertifying:
		return "certifying"
	case StateApplying:
		return "applying"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// transitions lists the (from, to) edges a caller may request via
// SetState. Rejecting everything else is what makes illegal states
// observable at the point they occur rather than downstream.
var transitions = map[State]map[State]bool{
	StateExecuting:   {StateCertifying: true, StateMustAbort: true, StateAborting: true},
	StateMustAbort:   {StateAborting: true},
	StateAborting:    {StateRolledBack: true},
	StateMustReplay:  {StateReplaying: true, StateAborting: true},
	StateReplaying:   {StateApplying: true, StateAborting: true},
	StateCertifying:  {StateApplying: true, StateAborting: true, StateRolledBack: true},
	StateApplying:    {StateCommitting: true, StateMustAbort: true, StateMustReplay: true, StateAborting: true},
	StateCommitting:  {StateCommitted: true, StateAborting: true},
	StateCommitted:   {},
	StateRolledBack:  {},
}

// Handle is the per-transaction record shared by the originating client
// and the background apply/commit threads; Lock/Unlock implement the
// waiter-lock contract the ordering monitors use to inspect state
// without racing the client (spec §5, §9).
type Handle struct {
	mu sync.Mutex

	SourceID uuid.UUID
	ConnID   int64
	TrxID    int64

	LocalSeqno   int64
	GlobalSeqno  int64
	DependsSeqno int64
	LastSeenTrx  int64

	IsLocal bool

	WS    *writeset.WriteSet
	state State

	refcount int32
}

// NewLocal creates a transaction handle for a client-originated
// transaction. The replicator holds one reference for as long as
// ordering is pending; the client's own reference is acquired here.
func NewLocal(sourceID uuid.UUID, connID, trxID int64, ws *writeset.WriteSet) *Handle {
	return &Handle{
		SourceID: sourceID,
		ConnID:   connID,
		TrxID:    trxID,
		IsLocal:  true,
		WS:       ws,
		state:    StateExecuting,
		refcount: 1,
	}
}

// NewRemote creates a handle for a write-set delivered by the group
// channel and originated elsewhere.
func NewRemote(ws *writeset.WriteSet, globalSeqno int64) *Handle {
	return &Handle{
		SourceID:    ws.SourceID,
		ConnID:      ws.ConnID,
		TrxID:       ws.TrxID,
		GlobalSeqno: globalSeqno,
		LastSeenTrx: ws.LastSeenTrx,
		IsLocal:     false,
		WS:          ws,
		state:       StateCertifying,
		refcount:    1,
	}
}

// Lock/Unlock implement the Waiter lock contract (ordermonitor.Waiter).
func (h *Handle) Lock()   { h.mu.Lock() }
func (h *Handle) Unlock() { h.mu.Unlock() }

// Ref increments the reference count. Called whenever a new component
// (pipeline stage, replay) needs to keep the handle alive.
func (h *Handle) Ref() {
	atomic.AddInt32(&h.refcount, 1)
}

// Unref decrements the reference count and reports whether this was the
// final reference (the caller should then discard the handle).
func (h *Handle) Unref() bool {
	return atomic.AddInt32(&h.refcount, -1) == 0
}

// State returns the current state under lock.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState validates and applies a state transition. Both the client
// and the background threads call this, hence the lock.
func (h *Handle) SetState(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	allowed, ok := transitions[h.state]
	if !ok || !allowed[to] {
		return repltypes.ErrInvalidTransition
	}
	h.state = to
	return nil
}

// Seqno satisfies ordermonitor.Waiter for the local monitor: local trx
// order on LocalSeqno until global ordering is known, then on
// GlobalSeqno once Pipeline.Replicate has recorded the seqno the group
// channel assigned.
func (h *Handle) Seqno() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.GlobalSeqno != 0 {
		return h.GlobalSeqno
	}
	return h.LocalSeqno
}
