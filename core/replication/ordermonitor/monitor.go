// Package ordermonitor implements the generic gated sequence monitor
// used by all three ordering stages of the replication pipeline (local,
// apply, commit). A monitor admits waiters strictly according to a
// per-policy admission predicate (the Waiter's Condition method),
// allowing out-of-order admission exactly when the policy says it is
// safe to do so.
package ordermonitor

import (
	"context"
	"sync"

	"github.com/sushant-115/gojodb/core/replication/repltypes"
)

// Waiter is implemented by a small per-monitor adapter (localOrderWaiter,
// applyOrderWaiter, commitOrderWaiter in the pipeline package) rather than by the
// transaction handle directly, so the monitor holds an owned handle
// instead of a back-reference into the trx (spec §9: breaks the
// trx↔monitor cycle).
type Waiter interface {
	// Seqno is the order key this waiter is admitted under.
	Seqno() int64
	// Lock/Unlock give Condition exclusive access to read trx state
	// without racing the client thread.
	Lock()
	Unlock()
	// Condition reports whether this waiter may be admitted given the
	// monitor's current last-entered and last-left marks.
	Condition(lastEntered, lastLeft int64) bool
}

// Monitor is a condition-gated sequence admission gate.
type Monitor struct {
	mu   sync.Mutex
	cond *sync.Cond

	lastEntered int64
	lastLeft    int64

	// left holds seqnos that have completed (via Leave or Interrupt) but
	// have not yet been folded into the contiguous lastLeft advance,
	// because some earlier seqno hasn't left yet.
	left map[int64]bool
	// interrupted holds seqnos cancelled via Interrupt, checked by any
	// in-flight or future Enter call for that seqno.
	interrupted map[int64]bool

	pending  int
	disabled bool
	closed   bool
}

// New creates an enabled monitor with last_left = initialSeqno (so the
// next admissible seqno is initialSeqno+1).
func New(initialSeqno int64) *Monitor {
	m := &Monitor{
		lastEntered: initialSeqno,
		lastLeft:    initialSeqno,
		left:        make(map[int64]bool),
		interrupted: make(map[int64]bool),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Disable puts the monitor in BYPASS mode: Enter/Leave become no-ops and
// Condition is never invoked, eliding the monitor from the pipeline
// instead of risking a call against an unconfigured policy (spec §9
// Open Question resolution).
func (m *Monitor) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = true
	m.cond.Broadcast()
}

// Close tears the monitor down; all blocked and future Enter calls
// return ErrMonitorClosed.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

// Enter blocks until w is admitted, ctx is cancelled, the monitor is
// interrupted for w's seqno, or the monitor is closed.
func (m *Monitor) Enter(ctx context.Context, w Waiter) error {
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return nil
	}
	seqno := w.Seqno()
	// pending counts waiters that have called Enter and not yet left
	// (via Leave, or internally on interrupt/cancel/close below); it is
	// NOT decremented just because Enter returns successfully, since the
	// caller's critical section is still ahead of it. Drain waits for
	// this to reach zero.
	m.pending++

	// A background goroutine turns ctx cancellation into a broadcast so
	// the wait loop below can observe it without a second lock
	// discipline.
	if ctx != nil && ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				m.cond.Broadcast()
				m.mu.Unlock()
			case <-stop:
			}
		}()
	}

	for {
		if m.closed {
			m.pending--
			m.cond.Broadcast()
			m.mu.Unlock()
			return repltypes.ErrMonitorClosed
		}
		if m.interrupted[seqno] {
			delete(m.interrupted, seqno)
			m.markLeftLocked(seqno)
			m.pending--
			m.cond.Broadcast()
			m.mu.Unlock()
			return repltypes.ErrMonitorInterrupted
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				m.pending--
				m.cond.Broadcast()
				m.mu.Unlock()
				return ctx.Err()
			default:
			}
		}

		w.Lock()
		ok := w.Condition(m.lastEntered, m.lastLeft)
		w.Unlock()
		if ok {
			if seqno > m.lastEntered {
				m.lastEntered = seqno
			}
			m.mu.Unlock()
			return nil
		}

		m.cond.Wait()
	}
}

// Leave records that w has completed its critical section, advancing
// last_left to the highest contiguous completed seqno.
func (m *Monitor) Leave(w Waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled {
		return
	}
	m.pending--
	m.markLeftLocked(w.Seqno())
}

func (m *Monitor) markLeftLocked(seqno int64) {
	m.left[seqno] = true
	for m.left[m.lastLeft+1] {
		m.lastLeft++
		delete(m.left, m.lastLeft)
	}
	m.cond.Broadcast()
}

// Interrupt cancels the waiter at seqno: it leaves with
// ErrMonitorInterrupted (whether or not it has called Enter yet), and
// last_left skips over its slot.
func (m *Monitor) Interrupt(seqno int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted[seqno] = true
	// The waiter may never call Enter at all (e.g. a BF-abort victim
	// that the client hasn't re-entered yet); last_left must still be
	// able to skip over its slot, so mark it left right away.
	m.markLeftLocked(seqno)
}

// Drain blocks until every waiter that has called Enter has also left
// (or been interrupted). Used at view-change quiescent points.
func (m *Monitor) Drain(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled {
		return nil
	}

	if ctx != nil && ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				m.cond.Broadcast()
				m.mu.Unlock()
			case <-stop:
			}
		}()
	}

	for m.pending > 0 {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		m.cond.Wait()
	}
	return nil
}

// LastLeft returns the highest contiguous completed seqno.
func (m *Monitor) LastLeft() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLeft
}

// LastEntered returns the highest seqno admitted so far.
func (m *Monitor) LastEntered() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEntered
}
