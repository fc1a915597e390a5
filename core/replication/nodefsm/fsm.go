// Package nodefsm implements the node lifecycle state machine that
// gates replication during joins, state transfers, and reconfigurations
// (spec §4.5). Transitions are encoded as an explicit table of (from,
// to) edges so that an undefined transition is rejected at runtime
// rather than silently applied, generalizing the command-dispatch table
// technique the teacher uses for its Raft FSM.
package nodefsm

import (
	"sync"

	"github.com/sushant-115/gojodb/core/replication/repltypes"
)

// State is a position in the node lifecycle.
type State int

const (
	Closed State = iota
	Connected
	Joining
	Joined
	Synced
	Donor
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connected:
		return "connected"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Synced:
		return "synced"
	case Donor:
		return "donor"
	default:
		return "unknown"
	}
}

// OperationKind distinguishes ordinary replicated operations from
// TO-isolation (total-order isolation, e.g. DDL-style) operations that
// must run alone in the global order.
type OperationKind int

const (
	OpReplicate OperationKind = iota
	OpToIsolation
)

type transition struct {
	from, to State
}

// edges is the diagram from spec §4.5:
//
//	CLOSED → CONNECTED → JOINING → JOINED → SYNCED ⇄ DONOR
//	                         ↑                          ↓
//	                         └──────── (on view change) ─┘
//
// plus the universal fatal-error fallback to CLOSED from any state.
var edges = map[transition]bool{
	{Closed, Connected}:    true,
	{Connected, Joining}:   true,
	{Joining, Joined}:      true,
	{Joined, Synced}:       true,
	{Synced, Donor}:        true,
	{Donor, Synced}:        true,
	{Donor, Joined}:        true,
	{Joined, Joining}:      true, // view change: resume joining
	{Synced, Joining}:      true, // view change while synced, e.g. group shrank below quorum
}

func init() {
	for s := Connected; s <= Donor; s++ {
		edges[transition{s, Closed}] = true
	}
}

// acceptsReplication lists states that accept any replication request at
// all; states not in this set reject every request.
var acceptsReplication = map[State]bool{
	Connected: true,
	Joined:    true,
	Synced:    true,
	Donor:     true,
}

// ViewCallback is invoked after every successful transition, mirroring
// the host's view_cb contract (spec §6). ViewInfo is opaque to the FSM;
// the dispatcher supplies whatever it has on hand (the membership/view
// that triggered the transition may be nil for non-view-change events).
type ViewCallback func(from, to State, viewInfo any)

// FSM is the node lifecycle state machine. It is mutated only by the
// dispatcher thread (spec §5); other threads should read a snapshot via
// Current() rather than holding a reference across calls.
type FSM struct {
	mu sync.RWMutex

	current State
	// toIsolationOnly marks states that, while accepting replication,
	// restrict it to TO-isolation operations (configurable; spec §4.5).
	toIsolationOnly map[State]bool

	onView ViewCallback
}

// New creates an FSM starting in Closed.
func New(onView ViewCallback) *FSM {
	return &FSM{
		current:         Closed,
		toIsolationOnly: make(map[State]bool),
		onView:          onView,
	}
}

// SetToIsolationOnly configures whether the given accepting-but-not-Synced
// state restricts replication to TO-isolation operations. Synced always
// accepts everything regardless of this setting (spec §4.5).
func (f *FSM) SetToIsolationOnly(s State, only bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toIsolationOnly[s] = only
}

// Current returns a point-in-time snapshot of the state.
func (f *FSM) Current() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Transition moves the FSM to `to`, rejecting undefined edges.
func (f *FSM) Transition(to State, viewInfo any) error {
	f.mu.Lock()
	from := f.current
	if !edges[transition{from, to}] {
		f.mu.Unlock()
		return repltypes.ErrInvalidTransition
	}
	f.current = to
	cb := f.onView
	f.mu.Unlock()

	if cb != nil {
		cb(from, to, viewInfo)
	}
	return nil
}

// FailFatal unconditionally falls back to Closed, per spec §4.5 ("any
// state can fall back to CLOSED on fatal error") — this bypasses the
// edge table since a fatal error is, by definition, not a normal
// transition.
func (f *FSM) FailFatal(viewInfo any) {
	f.mu.Lock()
	from := f.current
	f.current = Closed
	cb := f.onView
	f.mu.Unlock()

	if cb != nil && from != Closed {
		cb(from, Closed, viewInfo)
	}
}

// Allows reports whether the current state accepts a replication
// request of the given kind.
func (f *FSM) Allows(op OperationKind) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !acceptsReplication[f.current] {
		return false
	}
	if f.current == Synced {
		return true
	}
	if f.toIsolationOnly[f.current] {
		return op == OpToIsolation
	}
	return true
}
