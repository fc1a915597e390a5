package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodb/core/replication/certification"
	"github.com/sushant-115/gojodb/core/replication/repltypes"
	"github.com/sushant-115/gojodb/core/replication/txn"
	"github.com/sushant-115/gojodb/core/replication/writeset"
)

// fakeGroup hands out strictly increasing global seqnos, as a real
// group channel's total order would, without needing a raft cluster.
type fakeGroup struct {
	next atomic.Int64
}

func (g *fakeGroup) Submit(_ context.Context, _ []byte) (int64, error) {
	return g.next.Add(1), nil
}
func (g *fakeGroup) Actions() <-chan Action { return nil }

func wsKey(table, key string) *writeset.WriteSet {
	ws := writeset.New(uuid.New(), 1, 1)
	ws.AppendRowKey([]byte(table), []byte(key), 0)
	return ws
}

func TestPipeline_LocalTrxHappyPath(t *testing.T) {
	var committed []int64
	p := New(0, OOOC, certification.New(), Callbacks{
		Commit: func(_ context.Context, h *txn.Handle) error {
			committed = append(committed, h.GlobalSeqno)
			return nil
		},
	}, nil)

	group := &fakeGroup{}
	h := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))

	ctx := context.Background()
	require.NoError(t, p.Replicate(ctx, h, group))
	require.Equal(t, int64(1), h.GlobalSeqno)

	require.NoError(t, p.Run(ctx, h))
	require.Equal(t, txn.StateCommitted, h.State())
	require.Equal(t, []int64{1}, committed)
	require.Equal(t, int64(1), p.Stats().LocalCommits)
	require.Equal(t, int64(1), p.Stats().Replicated)
}

func TestPipeline_CertificationConflictRollsBackSecondWriter(t *testing.T) {
	var failed *txn.Handle
	p := New(0, OOOC, certification.New(), Callbacks{
		CertFail: func(h *txn.Handle) { failed = h },
	}, nil)
	group := &fakeGroup{}
	ctx := context.Background()

	h1 := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))
	require.NoError(t, p.Replicate(ctx, h1, group))
	require.NoError(t, p.Run(ctx, h1))

	h2 := txn.NewLocal(uuid.New(), 2, 1, wsKey("t", "x"))
	require.NoError(t, p.Replicate(ctx, h2, group))
	err := p.Run(ctx, h2)
	require.ErrorIs(t, err, repltypes.ErrTrxFail)
	require.Equal(t, txn.StateAborting, h2.State())
	require.Same(t, h2, failed)
	require.Equal(t, int64(1), p.Stats().CertFailures)
}

func TestPipeline_DisjointKeysBothCommit(t *testing.T) {
	var commits int64
	p := New(0, OOOC, certification.New(), Callbacks{
		Commit: func(_ context.Context, h *txn.Handle) error {
			atomic.AddInt64(&commits, 1)
			return nil
		},
	}, nil)
	group := &fakeGroup{}
	ctx := context.Background()

	h1 := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))
	require.NoError(t, p.Replicate(ctx, h1, group))
	require.NoError(t, p.Run(ctx, h1))

	h2 := txn.NewLocal(uuid.New(), 2, 1, wsKey("t", "y"))
	require.NoError(t, p.Replicate(ctx, h2, group))
	require.NoError(t, p.Run(ctx, h2))

	require.Equal(t, int64(2), commits)
}

func TestPipeline_BFAbortBeforeApplyMonitorUnblocksNextTrx(t *testing.T) {
	p := New(0, OOOC, certification.New(), Callbacks{}, nil)
	group := &fakeGroup{}
	ctx := context.Background()

	victim := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))
	require.NoError(t, p.Replicate(ctx, victim, group))
	require.Equal(t, txn.StateExecuting, victim.State())

	require.NoError(t, p.BFAbort(victim))
	require.Equal(t, txn.StateMustAbort, victim.State())
	require.Equal(t, int64(1), p.Stats().BFAborts)

	// last_left must skip over the aborted trx's slot so the next trx
	// isn't stuck behind a seqno that will never call Leave.
	next := txn.NewLocal(uuid.New(), 2, 1, wsKey("t", "y"))
	require.NoError(t, p.Replicate(ctx, next, group))

	doneCh := make(chan error, 1)
	go func() { doneCh <- p.Run(ctx, next) }()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("next trx did not proceed past the interrupted local monitor slot")
	}
}

func TestPipeline_BFAbortRejectedOncePastLocalMonitor(t *testing.T) {
	p := New(0, OOOC, certification.New(), Callbacks{}, nil)
	group := &fakeGroup{}
	ctx := context.Background()

	h := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))
	require.NoError(t, p.Replicate(ctx, h, group))
	require.NoError(t, p.certifyAndApply(ctx, h))
	require.Equal(t, txn.StateApplying, h.State())

	err := p.BFAbort(h)
	require.Error(t, err)

	require.NoError(t, p.commit(ctx, h))
}

func TestPipeline_BFAbortInterruptTranslatesToErrBFAbort(t *testing.T) {
	p := New(0, OOOC, certification.New(), Callbacks{}, nil)
	group := &fakeGroup{}
	ctx := context.Background()

	// Consume seqno 1 without ever entering it, so the victim (seqno 2)
	// blocks in the local monitor instead of admitting immediately.
	_, err := group.Submit(ctx, nil)
	require.NoError(t, err)

	victim := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))
	require.NoError(t, p.Replicate(ctx, victim, group))
	require.Equal(t, int64(2), victim.GlobalSeqno)

	doneCh := make(chan error, 1)
	go func() { doneCh <- p.Run(ctx, victim) }()

	require.Eventually(t, func() bool { return victim.State() == txn.StateCertifying }, time.Second, time.Millisecond)
	require.NoError(t, p.BFAbort(victim))

	select {
	case err := <-doneCh:
		require.ErrorIs(t, err, repltypes.ErrBFAbort)
	case <-time.After(time.Second):
		t.Fatal("victim never observed the brute-force abort")
	}
}

func TestPipeline_RemoteCertificationBFAbortsConflictingBlockedLocalTrx(t *testing.T) {
	p := New(0, OOOC, certification.New(), Callbacks{}, nil)
	group := &fakeGroup{}
	ctx := context.Background()

	// Consume seqno 1 for the remote trx without submitting anything
	// through the local trx's own group channel, so the local trx (which
	// will be assigned seqno 2) is stuck waiting behind it.
	_, err := group.Submit(ctx, nil)
	require.NoError(t, err)

	local := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))
	require.NoError(t, p.Replicate(ctx, local, group))
	require.Equal(t, int64(2), local.GlobalSeqno)

	doneCh := make(chan error, 1)
	go func() { doneCh <- p.Run(ctx, local) }()
	require.Eventually(t, func() bool { return local.State() == txn.StateCertifying }, time.Second, time.Millisecond)

	// A remote trx already assigned the earlier position (seqno 1)
	// touches the same key and certifies first; the local trx, still
	// blocked behind it, is doomed to fail certification and should be
	// brute-force aborted immediately instead of waiting for its turn.
	remote := txn.NewRemote(wsKey("t", "x"), 1)
	require.NoError(t, p.Run(ctx, remote))

	select {
	case err := <-doneCh:
		require.ErrorIs(t, err, repltypes.ErrBFAbort)
		require.Equal(t, txn.StateAborting, local.State())
	case <-time.After(time.Second):
		t.Fatal("local trx was never brute-force aborted by the conflicting remote trx")
	}
	require.Equal(t, int64(1), p.Stats().BFAborts)
}

func TestPipeline_RemoteCertificationLeavesDisjointBlockedLocalTrxAlone(t *testing.T) {
	p := New(0, OOOC, certification.New(), Callbacks{}, nil)
	group := &fakeGroup{}
	ctx := context.Background()

	_, err := group.Submit(ctx, nil)
	require.NoError(t, err)

	local := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "y"))
	require.NoError(t, p.Replicate(ctx, local, group))

	doneCh := make(chan error, 1)
	go func() { doneCh <- p.Run(ctx, local) }()
	require.Eventually(t, func() bool { return local.State() == txn.StateCertifying }, time.Second, time.Millisecond)

	remote := txn.NewRemote(wsKey("t", "x"), 1)
	require.NoError(t, p.Run(ctx, remote))

	// Left alone, the disjoint local trx is admitted in its own turn once
	// the remote trx leaves the local monitor, certifies, and commits.
	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("disjoint-key local trx never proceeded after the remote trx left the local monitor")
	}
	require.Equal(t, int64(0), p.Stats().BFAborts)
	require.Equal(t, txn.StateCommitted, local.State())
}

func TestPipeline_BypassModeDisablesCommitMonitor(t *testing.T) {
	p := New(0, BYPASS, certification.New(), Callbacks{}, nil)
	require.True(t, p.Commit.LastLeft() == 0)

	group := &fakeGroup{}
	ctx := context.Background()
	h := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))
	require.NoError(t, p.Replicate(ctx, h, group))
	require.NoError(t, p.Run(ctx, h))
	require.Equal(t, txn.StateCommitted, h.State())
}

func TestPipeline_PauseBlocksNewReplicateUntilResume(t *testing.T) {
	p := New(0, OOOC, certification.New(), Callbacks{}, nil)
	group := &fakeGroup{}
	ctx := context.Background()

	seqno, err := p.Pause(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), seqno)

	h := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))
	doneCh := make(chan error, 1)
	go func() { doneCh <- p.Replicate(ctx, h, group) }()

	select {
	case <-doneCh:
		t.Fatal("Replicate should block while paused")
	case <-time.After(100 * time.Millisecond):
	}

	p.Resume()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Replicate did not unblock after Resume")
	}
}

func TestPipeline_ReplayReentersWithoutRecertifying(t *testing.T) {
	idx := certification.New()
	var commits int
	p := New(0, OOOC, idx, Callbacks{
		Commit: func(_ context.Context, h *txn.Handle) error {
			commits++
			return nil
		},
	}, nil)
	group := &fakeGroup{}
	ctx := context.Background()

	// A trx that has already certified and been granted an apply slot,
	// then is driven into MustReplay as the dispatcher would after the
	// client opts to replay rather than roll back.
	h := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))
	require.NoError(t, p.Replicate(ctx, h, group))
	require.NoError(t, h.SetState(txn.StateCertifying))
	require.NoError(t, h.SetState(txn.StateApplying))
	require.NoError(t, h.SetState(txn.StateMustReplay))

	require.Equal(t, 0, idx.Len())

	require.NoError(t, p.Replay(ctx, h))
	require.Equal(t, txn.StateCommitted, h.State())
	require.Equal(t, int64(1), p.Stats().Replays)
	require.Equal(t, 1, commits)
	// Replay never touched certification (no keys were ever indexed).
	require.Equal(t, 0, idx.Len())
}
