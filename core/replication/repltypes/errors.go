// Package repltypes holds the error taxonomy shared by every replication
// subpackage (pipeline, dispatcher, nodefsm, certification). It exists as
// its own package to avoid import cycles between them.
package repltypes

import (
	"errors"

	"go.uber.org/zap"
)

// --- Error Definitions ---
//
// These are the stable, externally observable error kinds a replicator
// client can see returned from Replicate/PreCommit/ReplayTrx.

var (
	// ErrConnFail means the group transport is down. The node must move
	// to Closed.
	ErrConnFail = errors.New("group communication channel unavailable")
	// ErrTrxFail means the transaction must roll back because it failed
	// certification. (A failed apply is reported as ErrNodeFail.)
	ErrTrxFail = errors.New("transaction failed certification or apply")
	// ErrBFAbort means the transaction was brute-force aborted by a
	// higher-priority replicated transaction. The client may replay or
	// roll back.
	ErrBFAbort = errors.New("transaction was brute-force aborted")
	// ErrTrxMissing means the transaction id is unknown to the
	// replicator. This is a programming error in the caller.
	ErrTrxMissing = errors.New("transaction id unknown to replicator")
	// ErrNodeFail is fatal: the node must abort cleanly.
	ErrNodeFail = errors.New("node encountered a fatal replication error")

	// ErrMonitorInterrupted is returned to a waiter whose slot was
	// cancelled via Monitor.Interrupt.
	ErrMonitorInterrupted = errors.New("ordering monitor wait was interrupted")
	// ErrMonitorClosed is returned to any waiter blocked on a monitor
	// that is being torn down.
	ErrMonitorClosed = errors.New("ordering monitor is closed")

	// ErrInvalidTransition is returned by any FSM (transaction state
	// machine or node FSM) when asked to perform an undefined transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrWriteSetTooShort / ErrWriteSetBadMagic / ErrWriteSetBadVersion
	// are write-set deserialization failures.
	ErrWriteSetTooShort    = errors.New("write-set buffer too short")
	ErrWriteSetBadMagic    = errors.New("write-set magic mismatch")
	ErrWriteSetBadVersion  = errors.New("write-set version unsupported")
	ErrWriteSetHasDataRB   = errors.New("write-set with rollback flag must carry no data")
	ErrStateFileCorrupt    = errors.New("persisted state file is corrupt")
	ErrProtocolUnsupported = errors.New("negotiated protocol version unsupported")
)

// Flusher is the narrow subset of *servicethread.ServiceThread's
// lifecycle FatalAbort needs (Stop). It is declared here rather than
// importing the servicethread package directly to avoid a cycle:
// servicethread -> ordermonitor -> repltypes.
type Flusher interface {
	Stop()
}

// FatalAbort implements the "node encountered a fatal error" path: stop
// the service thread (a report it has not sent yet is dropped), log the
// failure and sync the logger, then return.
// It never calls os.Exit itself; the caller (a cmd/ binary) is
// responsible for that after FatalAbort returns, per spec §7's
// "writes a final status... the host process exits".
func FatalAbort(logger *zap.Logger, svc Flusher) {
	if svc != nil {
		svc.Stop()
	}
	if logger != nil {
		logger.Error("fatal replication error, node aborting", zap.Error(ErrNodeFail))
		_ = logger.Sync()
	}
}
