// Package pipeline implements the three-stage local/apply/commit
// ordering pipeline every transaction traverses between replication and
// commit (spec §4.4), composing the ordermonitor and certification
// packages the way the teacher composes its WAL, flush manager, and
// replication manager around a single write path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb/core/replication/certification"
	"github.com/sushant-115/gojodb/core/replication/ordermonitor"
	"github.com/sushant-115/gojodb/core/replication/repltypes"
	"github.com/sushant-115/gojodb/core/replication/txn"
)

// Callbacks are the host hooks the pipeline invokes at each stage,
// modeled as plain function fields rather than an interface — the same
// shape the teacher's BaseReplicationManager uses for fnGetFileData and
// friends, so the host wires up only what it needs.
type Callbacks struct {
	// Apply invokes the storage-layer apply of a remote write-set. Never
	// called for local trx (the client already applied its own writes
	// before replicating).
	Apply func(ctx context.Context, h *txn.Handle) error
	// Commit performs the durable commit once ordering clears.
	Commit func(ctx context.Context, h *txn.Handle) error
	// Rollback undoes a trx that failed certification or whose Commit
	// callback returned an error.
	Rollback func(ctx context.Context, h *txn.Handle) error
	// CertFail notifies the originating client that its trx failed
	// certification (spec §4.2 step 3's "signal the originator").
	CertFail func(h *txn.Handle)
	// BFAbort notifies the client that a trx was brute-force aborted.
	BFAbort func(h *txn.Handle)
	// Notify fires after every successful commit, for the service thread
	// to coalesce last-committed reports (spec §4.7).
	Notify func(h *txn.Handle)
}

// MetricsSink receives a push notification for every stat pipeline.Stats
// already tracks, the push counterpart to MonitorPositions' pull-based
// gauges. internal/telemetry.ReplicationMetrics satisfies this
// structurally so this package never imports it.
type MetricsSink interface {
	Replicated(ctx context.Context)
	LocalCommit(ctx context.Context)
	LocalRollback(ctx context.Context)
	CertFailure(ctx context.Context)
	BFAborted(ctx context.Context)
	Replayed(ctx context.Context)
	CertificationLatency(ctx context.Context, micros int64)
}

// Stats mirrors the original's wsrep_stats_var vector: a handful of
// monotonic counters usable both for a textual stats command and as the
// source feeding OpenTelemetry counters.
type Stats struct {
	Replicated     int64
	LocalCommits   int64
	LocalRollbacks int64
	CertFailures   int64
	BFAborts       int64
	Replays        int64
}

type atomicStats struct {
	replicated     atomic.Int64
	localCommits   atomic.Int64
	localRollbacks atomic.Int64
	certFailures   atomic.Int64
	bfAborts       atomic.Int64
	replays        atomic.Int64
}

func (s *atomicStats) snapshot() Stats {
	return Stats{
		Replicated:     s.replicated.Load(),
		LocalCommits:   s.localCommits.Load(),
		LocalRollbacks: s.localRollbacks.Load(),
		CertFailures:   s.certFailures.Load(),
		BFAborts:       s.bfAborts.Load(),
		Replays:        s.replays.Load(),
	}
}

// Pipeline composes the three ordering monitors and the certification
// index into the replication write path.
type Pipeline struct {
	Local  *ordermonitor.Monitor
	Apply  *ordermonitor.Monitor
	Commit *ordermonitor.Monitor
	Cert   *certification.Index

	mode CommitMode
	cb   Callbacks
	log  *zap.Logger

	stats   atomicStats
	metrics MetricsSink

	pauseMu sync.Mutex
	paused  bool
	resumed *sync.Cond

	localMu       sync.Mutex
	localInflight map[int64]*txn.Handle
}

// New builds a pipeline whose three monitors start at initialSeqno (the
// last-known-good position, e.g. recovered from the persisted state
// file). mode selects the commit monitor's admission policy; BYPASS
// disables the commit monitor outright.
func New(initialSeqno int64, mode CommitMode, cert *certification.Index, cb Callbacks, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		Local:         ordermonitor.New(initialSeqno),
		Apply:         ordermonitor.New(initialSeqno),
		Commit:        ordermonitor.New(initialSeqno),
		Cert:          cert,
		mode:          mode,
		cb:            cb,
		log:           log,
		localInflight: make(map[int64]*txn.Handle),
	}
	p.resumed = sync.NewCond(&p.pauseMu)
	if mode == BYPASS {
		p.Commit.Disable()
	}
	return p
}

// Stats returns a point-in-time snapshot of the pipeline's counters.
func (p *Pipeline) Stats() Stats { return p.stats.snapshot() }

// SetMetrics attaches an OpenTelemetry sink that mirrors the atomic
// counters above as they're incremented. Call once at startup, after
// both the pipeline and the metrics instruments exist; nil is a valid
// no-op value (the default) for callers that only want Stats().
func (p *Pipeline) SetMetrics(m MetricsSink) { p.metrics = m }

// LocalLastLeft, ApplyLastLeft, and CommitLastLeft satisfy the
// telemetry package's MonitorPositions interface so an OpenTelemetry
// gauge callback can poll the three monitors' progress without that
// package importing this one's Monitor type directly.
func (p *Pipeline) LocalLastLeft() int64  { return p.Local.LastLeft() }
func (p *Pipeline) ApplyLastLeft() int64  { return p.Apply.LastLeft() }
func (p *Pipeline) CommitLastLeft() int64 { return p.Commit.LastLeft() }

// waitIfPaused blocks a new trx from entering the pipeline while a view
// change has paused it (spec §4.5's quiescent point). Only Replicate
// calls it; Run does not wait on a pause.
func (p *Pipeline) waitIfPaused(ctx context.Context) error {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	for p.paused {
		done := make(chan struct{})
		if ctx != nil && ctx.Done() != nil {
			go func() {
				select {
				case <-ctx.Done():
					p.pauseMu.Lock()
					p.resumed.Broadcast()
					p.pauseMu.Unlock()
				case <-done:
				}
			}()
		}
		p.resumed.Wait()
		close(done)
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
	return nil
}

// Replicate is pipeline step 1: attach the trx's write-set, submit to
// the group channel, and record the global seqno it comes back with.
// The call blocks in group.Submit without holding the trx's own lock, so
// the client thread isn't serialized behind GCS round-trips it doesn't
// need to hold state for.
func (p *Pipeline) Replicate(ctx context.Context, h *txn.Handle, group GroupChannel) error {
	if err := p.waitIfPaused(ctx); err != nil {
		return err
	}
	raw, err := h.WS.Serialize()
	if err != nil {
		return fmt.Errorf("serialize write-set: %w", err)
	}

	globalSeqno, err := group.Submit(ctx, raw)
	if err != nil {
		return err
	}

	h.Lock()
	h.GlobalSeqno = globalSeqno
	h.Unlock()
	p.stats.replicated.Add(1)
	if p.metrics != nil {
		p.metrics.Replicated(ctx)
	}
	return nil
}

// registerLocalInflight and unregisterLocalInflight track locally-
// originated handles for as long as they're blocked at or inside the
// local monitor, so a remote trx that certifies ahead of them can find
// and brute-force abort any that conflict (spec §4.4/§4.5). Only local
// handles are tracked: a remote trx's position in the total order is
// already fixed, so it is never itself a BF-abort victim.
func (p *Pipeline) registerLocalInflight(h *txn.Handle) {
	if !h.IsLocal {
		return
	}
	p.localMu.Lock()
	p.localInflight[h.GlobalSeqno] = h
	p.localMu.Unlock()
}

func (p *Pipeline) unregisterLocalInflight(h *txn.Handle) {
	if !h.IsLocal {
		return
	}
	p.localMu.Lock()
	delete(p.localInflight, h.GlobalSeqno)
	p.localMu.Unlock()
}

// bfAbortConflicting force-aborts every locally-originated trx still
// blocked at the local monitor whose write-set conflicts with a remote
// trx that has just certified. A conflicting local trx ordered behind
// the remote one has already lost first-committer-wins and would only
// fail certification later; aborting it now lets the client retry
// immediately instead of waiting out its turn for nothing.
func (p *Pipeline) bfAbortConflicting(remote *txn.Handle) {
	p.localMu.Lock()
	var victims []*txn.Handle
	for seqno, local := range p.localInflight {
		if seqno <= remote.GlobalSeqno {
			continue
		}
		if local.WS.ConflictsWith(remote.WS) {
			victims = append(victims, local)
		}
	}
	p.localMu.Unlock()

	for _, v := range victims {
		if err := p.BFAbort(v); err != nil {
			p.log.Debug("bf-abort candidate already past the local monitor",
				zap.Int64("victim_global_seqno", v.GlobalSeqno), zap.Error(err))
		}
	}
}

// certifyAndApply runs pipeline steps 2-6: local monitor entry,
// certification, and apply-monitor entry and (for remote trx) the apply
// callback. On return with a nil error, h still holds the apply
// monitor's slot; the caller must follow up with commit (or, on error,
// ensure any already-acquired monitor slot has been released, which this
// function guarantees internally before returning an error).
func (p *Pipeline) certifyAndApply(ctx context.Context, h *txn.Handle) error {
	if h.State() == txn.StateExecuting {
		if err := h.SetState(txn.StateCertifying); err != nil {
			return err
		}
	}

	p.registerLocalInflight(h)
	defer p.unregisterLocalInflight(h)

	if err := p.Local.Enter(ctx, localOrderWaiter{h}); err != nil {
		if errors.Is(err, repltypes.ErrMonitorInterrupted) {
			return repltypes.ErrBFAbort
		}
		return err
	}

	certStart := time.Now()
	verdict, depends, err := p.Cert.AppendTrx(h.WS, h.GlobalSeqno, h.LastSeenTrx)
	if p.metrics != nil {
		p.metrics.CertificationLatency(ctx, time.Since(certStart).Microseconds())
	}
	if err != nil {
		p.Local.Leave(localOrderWaiter{h})
		return err
	}
	h.Lock()
	h.DependsSeqno = depends
	h.Unlock()

	if verdict == certification.Fail {
		_ = h.SetState(txn.StateAborting)
		p.Local.Leave(localOrderWaiter{h})
		p.unregisterLocalInflight(h)
		p.stats.certFailures.Add(1)
		if p.metrics != nil {
			p.metrics.CertFailure(ctx)
		}
		if p.cb.CertFail != nil {
			p.cb.CertFail(h)
		}
		if p.cb.Rollback != nil {
			p.cb.Rollback(ctx, h)
		}
		return repltypes.ErrTrxFail
	}

	p.Local.Leave(localOrderWaiter{h})
	p.unregisterLocalInflight(h)

	if !h.IsLocal {
		p.bfAbortConflicting(h)
	}

	if err := p.Apply.Enter(ctx, applyOrderWaiter{h}); err != nil {
		return err
	}

	if err := h.SetState(txn.StateApplying); err != nil {
		p.Apply.Leave(applyOrderWaiter{h})
		return err
	}

	if !h.IsLocal && p.cb.Apply != nil {
		if err := p.cb.Apply(ctx, h); err != nil {
			_ = h.SetState(txn.StateAborting)
			p.Apply.Leave(applyOrderWaiter{h})
			return fmt.Errorf("%w: %v", repltypes.ErrNodeFail, err)
		}
	}

	return nil
}

// commit runs pipeline steps 7-9: commit-monitor entry, the commit or
// rollback callback, and release of both the commit and apply monitor
// slots. h must already hold the apply monitor's slot (i.e. this is
// always called immediately after a successful certifyAndApply, or after
// Replay has re-entered the apply monitor).
func (p *Pipeline) commit(ctx context.Context, h *txn.Handle) error {
	if err := p.Commit.Enter(ctx, commitOrderWaiter{h, p.mode}); err != nil {
		p.Apply.Leave(applyOrderWaiter{h})
		return err
	}

	if err := h.SetState(txn.StateCommitting); err != nil {
		p.Commit.Leave(commitOrderWaiter{h, p.mode})
		p.Apply.Leave(applyOrderWaiter{h})
		return err
	}

	var commitErr error
	if p.cb.Commit != nil {
		commitErr = p.cb.Commit(ctx, h)
	}

	if commitErr != nil {
		_ = h.SetState(txn.StateAborting)
		if p.cb.Rollback != nil {
			p.cb.Rollback(ctx, h)
		}
		p.stats.localRollbacks.Add(1)
		if p.metrics != nil {
			p.metrics.LocalRollback(ctx)
		}
	} else {
		_ = h.SetState(txn.StateCommitted)
		p.stats.localCommits.Add(1)
		if p.metrics != nil {
			p.metrics.LocalCommit(ctx)
		}
		if p.cb.Notify != nil {
			p.cb.Notify(h)
		}
	}

	p.Commit.Leave(commitOrderWaiter{h, p.mode})
	p.Apply.Leave(applyOrderWaiter{h})
	h.Unref()

	return commitErr
}

// Run drives a trx through the whole pipeline from wherever Replicate
// left it (steps 2-9): certify, apply, and commit. This is what the
// dispatcher's per-trx worker goroutine calls for an ActionTRX once it
// has been assigned a Handle (spec §4.6: "their associated work executes
// concurrently in worker threads").
func (p *Pipeline) Run(ctx context.Context, h *txn.Handle) error {
	if err := p.certifyAndApply(ctx, h); err != nil {
		return err
	}
	return p.commit(ctx, h)
}

// BFAbort implements brute-force abort (spec §4.4/§4.5): only a trx that
// has not yet entered the apply monitor may be force-aborted on a key
// conflict discovered by a higher-priority (already-certified) trx.
func (p *Pipeline) BFAbort(victim *txn.Handle) error {
	switch victim.State() {
	case txn.StateExecuting:
		if err := victim.SetState(txn.StateMustAbort); err != nil {
			return err
		}
	case txn.StateCertifying:
		if err := victim.SetState(txn.StateAborting); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cannot brute-force abort trx past the local monitor (state=%v)", victim.State())
	}

	p.Local.Interrupt(victim.Seqno())
	p.stats.bfAborts.Add(1)
	if p.metrics != nil {
		p.metrics.BFAborted(context.Background())
	}
	if p.cb.BFAbort != nil {
		p.cb.BFAbort(victim)
	}
	return nil
}

// Replay re-enters the pipeline from step 5 (apply monitor) without
// re-certifying, for a trx the client chose to replay after a BF abort
// rather than roll back (spec §4.4).
func (p *Pipeline) Replay(ctx context.Context, h *txn.Handle) error {
	if err := h.SetState(txn.StateReplaying); err != nil {
		return err
	}
	p.stats.replays.Add(1)
	if p.metrics != nil {
		p.metrics.Replayed(ctx)
	}

	if err := p.Apply.Enter(ctx, applyOrderWaiter{h}); err != nil {
		return err
	}
	if err := h.SetState(txn.StateApplying); err != nil {
		p.Apply.Leave(applyOrderWaiter{h})
		return err
	}

	return p.commit(ctx, h)
}

// Pause drains all three monitors and blocks new entries, returning the
// commit seqno at the quiescent point reached. Used by the dispatcher's
// VIEW_CHANGE handler before transitioning the node FSM (spec §4.5).
func (p *Pipeline) Pause(ctx context.Context) (int64, error) {
	p.pauseMu.Lock()
	p.paused = true
	p.pauseMu.Unlock()

	if err := p.Local.Drain(ctx); err != nil {
		return 0, err
	}
	if err := p.Apply.Drain(ctx); err != nil {
		return 0, err
	}
	if err := p.Commit.Drain(ctx); err != nil {
		return 0, err
	}
	return p.Commit.LastLeft(), nil
}

// Resume un-pauses the pipeline, waking any trx blocked in Replicate.
func (p *Pipeline) Resume() {
	p.pauseMu.Lock()
	p.paused = false
	p.resumed.Broadcast()
	p.pauseMu.Unlock()
}
