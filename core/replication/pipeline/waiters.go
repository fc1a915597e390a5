package pipeline

import (
	"fmt"
	"strings"

	"github.com/sushant-115/gojodb/core/replication/txn"
)

// localOrderWaiter gates entry to the local monitor. Admission is strict
// FIFO by global seqno (spec §4.3): the local monitor's whole purpose is
// to serialize certification identically across nodes.
type localOrderWaiter struct{ h *txn.Handle }

func (w localOrderWaiter) Seqno() int64 { return w.h.Seqno() }
func (w localOrderWaiter) Lock()        { w.h.Lock() }
func (w localOrderWaiter) Unlock()      { w.h.Unlock() }

func (w localOrderWaiter) Condition(_, lastLeft int64) bool {
	return lastLeft+1 == w.h.Seqno()
}

// applyOrderWaiter gates entry to the apply monitor. A local trx (which
// originated the write itself) enters immediately; a remote trx waits
// until the keys it certified against have been applied.
type applyOrderWaiter struct{ h *txn.Handle }

func (w applyOrderWaiter) Seqno() int64 { return w.h.Seqno() }
func (w applyOrderWaiter) Lock()        { w.h.Lock() }
func (w applyOrderWaiter) Unlock()      { w.h.Unlock() }

func (w applyOrderWaiter) Condition(_, lastLeft int64) bool {
	return w.h.IsLocal || lastLeft >= w.h.DependsSeqno
}

// CommitMode selects the commit monitor's admission policy (spec §4.3),
// named identically to the original CommitOrder::Mode enumerators.
type CommitMode int

const (
	BYPASS CommitMode = iota
	OOOC
	LOCAL_OOOC
	NO_OOOC
)

func (m CommitMode) String() string {
	switch m {
	case BYPASS:
		return "bypass"
	case OOOC:
		return "oooc"
	case LOCAL_OOOC:
		return "local_oooc"
	case NO_OOOC:
		return "no_oooc"
	default:
		return "unknown"
	}
}

// ParseCommitMode parses a configuration string (case-insensitive) into
// a CommitMode, for config files that name the mode rather than embed
// its integer value.
func ParseCommitMode(s string) (CommitMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BYPASS":
		return BYPASS, nil
	case "OOOC":
		return OOOC, nil
	case "LOCAL_OOOC":
		return LOCAL_OOOC, nil
	case "NO_OOOC":
		return NO_OOOC, nil
	default:
		return 0, fmt.Errorf("unknown commit mode %q", s)
	}
}

// commitOrderWaiter gates entry to the commit monitor per the pipeline's
// configured CommitMode. BYPASS is handled by disabling the monitor
// outright (Monitor.Disable), so Condition is never consulted for it.
type commitOrderWaiter struct {
	h    *txn.Handle
	mode CommitMode
}

func (w commitOrderWaiter) Seqno() int64 { return w.h.Seqno() }
func (w commitOrderWaiter) Lock()        { w.h.Lock() }
func (w commitOrderWaiter) Unlock()      { w.h.Unlock() }

func (w commitOrderWaiter) Condition(_, lastLeft int64) bool {
	switch w.mode {
	case OOOC:
		return true
	case LOCAL_OOOC:
		return w.h.IsLocal || lastLeft+1 == w.h.Seqno()
	case NO_OOOC:
		return lastLeft+1 == w.h.Seqno()
	default:
		return true
	}
}
