// Package statetransfer tracks the donor-side decision of whether a
// joining node can be brought up to date with an Incremental State
// Transfer or needs a full State Snapshot Transfer instead. The actual
// byte-level mechanics of either transfer are out of scope (GCS
// transport internals); this package only answers "can I still serve
// this range", the way a donor consults its retained write-set/log
// history before committing to an IST.
package statetransfer

import "sync"

// Range is an inclusive [From, To] span of global seqnos an IST would
// replay to bring a joiner from From-1 up to To.
type Range struct {
	From int64
	To   int64
}

// Window tracks [Low, High]: the span of global seqnos this node can
// still serve as an IST donor. High advances with every TRX action the
// dispatcher delivers; Low advances whenever the certification index is
// purged past a commit-cut horizon (the dispatcher's COMMIT_CUT case in
// Dispatcher.dispatch), since state
// before that horizon is no longer retained for certification and so
// can no longer be replayed correctly for a joiner either.
type Window struct {
	mu   sync.RWMutex
	low  int64
	high int64
}

// New builds a Window starting at initialSeqno (this node's starting
// global seqno; 0 for a brand-new node).
func New(initialSeqno int64) *Window {
	return &Window{low: initialSeqno, high: initialSeqno}
}

// AdvanceHigh records that seqno has been delivered in the total order,
// raising the upper bound of what this node can donate. The dispatcher
// calls it as it hands each TRX action to a worker, before that trx is
// certified or applied.
func (w *Window) AdvanceHigh(seqno int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seqno > w.high {
		w.high = seqno
	}
}

// AdvanceLow records that state before horizon has been purged and can
// no longer be replayed for an IST.
func (w *Window) AdvanceLow(horizon int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if horizon > w.low {
		w.low = horizon
	}
}

// IST reports whether this node can still serve an Incremental State
// Transfer to bring a joiner whose last known position was joinerSeqno
// up to date, and if so, the range it would replay. ok is false once
// joinerSeqno has fallen behind the retained low-water mark, meaning the
// caller must fall back to a full State Snapshot Transfer.
func (w *Window) IST(joinerSeqno int64) (Range, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if joinerSeqno < w.low-1 {
		return Range{}, false
	}
	if joinerSeqno >= w.high {
		return Range{From: joinerSeqno, To: joinerSeqno}, true
	}
	return Range{From: joinerSeqno + 1, To: w.high}, true
}

// Bounds returns the current [Low, High] span, mostly for tests and
// diagnostics.
func (w *Window) Bounds() (low, high int64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.low, w.high
}
