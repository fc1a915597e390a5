// Package dispatcher demultiplexes the totally ordered action stream a
// GroupChannel delivers into the certification/apply/commit pipeline,
// the node FSM, and the certification index's purge path, the way the
// teacher's BaseReplicationManager demultiplexes its log stream into
// apply callbacks and snapshot handling.
package dispatcher

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb/core/replication/certification"
	"github.com/sushant-115/gojodb/core/replication/nodefsm"
	"github.com/sushant-115/gojodb/core/replication/pipeline"
	"github.com/sushant-115/gojodb/core/replication/statetransfer"
	"github.com/sushant-115/gojodb/core/replication/txn"
	"github.com/sushant-115/gojodb/core/replication/writeset"
)

// Hooks are host callbacks for actions the dispatcher can demultiplex
// but cannot itself decide the policy for (spec §4.6's STATE_REQUEST
// "begin donation or become recipient" depends on group-membership
// information the dispatcher doesn't have).
type Hooks struct {
	// OnStateRequest is invoked for every ActionStateRequest before the
	// IST/SST decision below, purely for host-side observability (e.g.
	// logging which peer asked); it does not participate in the
	// decision itself.
	OnStateRequest func(ctx context.Context, a pipeline.Action)
	// RequestIST overrides the dispatcher's own retained-range window
	// for deciding whether this node can serve an Incremental State
	// Transfer to a joiner last seen at joinerSeqno. Leave nil to use
	// the dispatcher's internal statetransfer.Window (tracking
	// certified/purged seqnos locally). ok=false means the range is no
	// longer available and a full SST is required.
	RequestIST func(joinerSeqno int64) (rng statetransfer.Range, ok bool)
	// OnIST fires when a STATE_REQUEST is resolved with an Incremental
	// State Transfer, reporting the range that would be replayed.
	OnIST func(joinerID string, rng statetransfer.Range)
	// SSTDonate begins a full State Snapshot Transfer donation to
	// joinerID; called whenever neither RequestIST nor the internal
	// window can serve an IST.
	SSTDonate func(ctx context.Context, joinerID string)
	// OnJoin fires after the node FSM advances to Joined.
	OnJoin func()
	// OnSync fires after the node FSM advances to Synced.
	OnSync func()
}

// Dispatcher reads Actions() in seqno_l order and dispatches per
// action kind. TRX actions are handed to a worker pool so their apply
// work runs concurrently (spec §4.6); every other action kind is
// handled inline on the dispatch loop, preserving the loop's own
// single-threaded, strictly ordered semantics.
type Dispatcher struct {
	group pipeline.GroupChannel
	pipe  *pipeline.Pipeline
	fsm   *nodefsm.FSM
	cert  *certification.Index
	hooks Hooks
	log   *zap.Logger

	workers int
	window  *statetransfer.Window

	mu           sync.Mutex
	localPending map[int64]*txn.Handle
}

// New builds a Dispatcher with the given worker-pool size for TRX apply
// work (spec §4.6).
func New(group pipeline.GroupChannel, pipe *pipeline.Pipeline, fsm *nodefsm.FSM, cert *certification.Index, hooks Hooks, log *zap.Logger, workers int) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		group:        group,
		pipe:         pipe,
		fsm:          fsm,
		cert:         cert,
		hooks:        hooks,
		log:          log,
		workers:      workers,
		window:       statetransfer.New(0),
		localPending: make(map[int64]*txn.Handle),
	}
}

// RegisterLocal records a locally-originated handle so that when its
// write-set comes back through Actions(), the dispatcher reuses this
// same Handle (and its already-observed state) instead of reconstructing
// a remote one from the wire bytes. Call this immediately after
// Pipeline.Replicate assigns h.GlobalSeqno.
func (d *Dispatcher) RegisterLocal(h *txn.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localPending[h.GlobalSeqno] = h
}

func (d *Dispatcher) takeLocal(globalSeqno int64) (*txn.Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.localPending[globalSeqno]
	if ok {
		delete(d.localPending, globalSeqno)
	}
	return h, ok
}

// Run reads the action stream until ctx is cancelled or the channel is
// closed, dispatching each action. It blocks until every in-flight TRX
// worker has finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobs := make(chan func(), d.workers*4)
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fn := range jobs {
				fn()
			}
		}()
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case a, ok := <-d.group.Actions():
			if !ok {
				break loop
			}
			d.dispatch(ctx, a, jobs)
		}
	}

	close(jobs)
	wg.Wait()
	return runErr
}

func (d *Dispatcher) dispatch(ctx context.Context, a pipeline.Action, jobs chan<- func()) {
	switch a.Kind {
	case pipeline.ActionTRX:
		d.window.AdvanceHigh(a.GlobalSeqno)
		jobs <- func() { d.handleTRX(ctx, a) }
	case pipeline.ActionCommitCut:
		purged := d.cert.PurgeUpto(a.Horizon)
		d.window.AdvanceLow(a.Horizon)
		d.log.Debug("purged certification index", zap.Int64("horizon", a.Horizon), zap.Int("purged", purged))
	case pipeline.ActionViewChange:
		d.handleViewChange(ctx, a)
	case pipeline.ActionStateRequest:
		if d.hooks.OnStateRequest != nil {
			d.hooks.OnStateRequest(ctx, a)
		}
		d.handleStateRequest(ctx, a)
	case pipeline.ActionJoin:
		if err := d.fsm.Transition(nodefsm.Joined, a.ViewInfo); err != nil {
			d.log.Warn("join transition rejected", zap.Error(err))
			return
		}
		if d.hooks.OnJoin != nil {
			d.hooks.OnJoin()
		}
	case pipeline.ActionSync:
		if err := d.fsm.Transition(nodefsm.Synced, a.ViewInfo); err != nil {
			d.log.Warn("sync transition rejected", zap.Error(err))
			return
		}
		if d.hooks.OnSync != nil {
			d.hooks.OnSync()
		}
	}
}

func (d *Dispatcher) handleTRX(ctx context.Context, a pipeline.Action) {
	h, isLocal := d.takeLocal(a.GlobalSeqno)
	if !isLocal {
		ws, err := writeset.Deserialize(a.WriteSet, false)
		if err != nil {
			d.log.Error("failed to deserialize delivered write-set", zap.Int64("global_seqno", a.GlobalSeqno), zap.Error(err))
			return
		}
		h = txn.NewRemote(ws, a.GlobalSeqno)
	}

	if err := d.pipe.Run(ctx, h); err != nil {
		d.log.Debug("trx did not commit", zap.Int64("global_seqno", a.GlobalSeqno), zap.String("source", sourceOf(h)), zap.Error(err))
	}
}

// handleViewChange drains the pipeline to a safe quiescent point before
// moving the node FSM, per spec §4.5: "membership changes; replication
// is paused at a safe quiescent point (all monitors drained)".
func (d *Dispatcher) handleViewChange(ctx context.Context, a pipeline.Action) {
	if _, err := d.pipe.Pause(ctx); err != nil {
		d.log.Error("pause for view change failed", zap.Error(err))
		return
	}
	defer d.pipe.Resume()

	switch d.fsm.Current() {
	case nodefsm.Joined, nodefsm.Synced:
		if err := d.fsm.Transition(nodefsm.Joining, a.ViewInfo); err != nil {
			d.log.Warn("view change transition rejected", zap.Error(err))
		}
	}
}

// handleStateRequest decides, per spec §9's resolved open question,
// whether a joiner can be brought up to date with an Incremental State
// Transfer or needs a full State Snapshot Transfer: it asks the donor
// (RequestIST, or the dispatcher's own retained-range window if unset)
// for a servable range; if the range was already trimmed away, it falls
// back to a full SST donation unconditionally.
func (d *Dispatcher) handleStateRequest(ctx context.Context, a pipeline.Action) {
	joinerID, joinerSeqno := parseJoinerInfo(a.ViewInfo)

	rng, ok := d.window.IST(joinerSeqno)
	if d.hooks.RequestIST != nil {
		rng, ok = d.hooks.RequestIST(joinerSeqno)
	}
	if ok {
		d.log.Info("serving incremental state transfer",
			zap.String("joiner", joinerID), zap.Int64("from", rng.From), zap.Int64("to", rng.To))
		if d.hooks.OnIST != nil {
			d.hooks.OnIST(joinerID, rng)
		}
		return
	}

	d.log.Info("incremental state transfer unavailable, falling back to full snapshot transfer",
		zap.String("joiner", joinerID), zap.Int64("joiner_seqno", joinerSeqno))
	if d.hooks.SSTDonate != nil {
		d.hooks.SSTDonate(ctx, joinerID)
	}
}

// parseJoinerInfo splits a STATE_REQUEST's ViewInfo, formatted by the
// joiner as "nodeID@lastSeqno", into its parts. A missing or
// unparsable seqno is treated as -1: an unknown starting point, which
// statetransfer.Window.IST only satisfies while the window's low-water
// mark is still at or below 0, i.e. before a commit-cut has advanced it.
func parseJoinerInfo(viewInfo any) (nodeID string, lastSeqno int64) {
	lastSeqno = -1
	s, ok := viewInfo.(string)
	if !ok || s == "" {
		return "", lastSeqno
	}
	nodeID, rest, found := strings.Cut(s, "@")
	if !found {
		return nodeID, lastSeqno
	}
	if n, err := strconv.ParseInt(rest, 10, 64); err == nil {
		lastSeqno = n
	}
	return nodeID, lastSeqno
}

func sourceOf(h *txn.Handle) string {
	var zero uuid.UUID
	if h.SourceID == zero {
		return ""
	}
	return h.SourceID.String()
}
