// Package e2e wires a real raftgcs.Node into the full ordering pipeline
// and dispatcher, exercising the replication stack the way
// cmd/gojodb_replicator does rather than against a fake GroupChannel, so
// the seams between packages are covered by at least one test each.
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb/core/replication/certification"
	"github.com/sushant-115/gojodb/core/replication/dispatcher"
	"github.com/sushant-115/gojodb/core/replication/nodefsm"
	"github.com/sushant-115/gojodb/core/replication/pipeline"
	"github.com/sushant-115/gojodb/core/replication/raftgcs"
	"github.com/sushant-115/gojodb/core/replication/txn"
	"github.com/sushant-115/gojodb/core/replication/writeset"
)

type harness struct {
	node    *raftgcs.Node
	pipe    *pipeline.Pipeline
	cert    *certification.Index
	fsm     *nodefsm.FSM
	disp    *dispatcher.Dispatcher
	applied chan string
}

func newHarness(t *testing.T, mode pipeline.CommitMode) *harness {
	t.Helper()
	log := zap.NewNop()

	node, err := raftgcs.New(raftgcs.Config{
		NodeID:    "e2e-node",
		BindAddr:  "127.0.0.1:0",
		DataDir:   t.TempDir(),
		Bootstrap: true,
		Logger:    log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })
	require.Eventually(t, node.IsLeader, 5*time.Second, 25*time.Millisecond)

	cert := certification.New()
	fsm := nodefsm.New(nil)
	applied := make(chan string, 16)

	pipe := pipeline.New(0, mode, cert, pipeline.Callbacks{
		Apply: func(ctx context.Context, h *txn.Handle) error {
			applied <- "apply:" + string(h.WS.Data)
			return nil
		},
		Commit: func(ctx context.Context, h *txn.Handle) error {
			applied <- "commit:" + string(h.WS.Data)
			return nil
		},
		Rollback: func(ctx context.Context, h *txn.Handle) error {
			applied <- "rollback"
			return nil
		},
	}, log)

	disp := dispatcher.New(node, pipe, fsm, cert, dispatcher.Hooks{}, log, 4)

	return &harness{node: node, pipe: pipe, cert: cert, fsm: fsm, disp: disp, applied: applied}
}

func (h *harness) run(ctx context.Context) {
	go h.disp.Run(ctx)
}

func newWriteSet(data string) *writeset.WriteSet {
	ws := writeset.New(uuid.New(), 0, 0)
	ws.AppendData([]byte(data))
	ws.AppendRowKey([]byte("demo"), []byte("k"), 'w')
	return ws
}

func TestE2E_LocalTransactionReplicatesThroughRealRaftAndCommits(t *testing.T) {
	h := newHarness(t, pipeline.NO_OOOC)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.run(ctx)

	ws := newWriteSet("hello")
	handle := txn.NewLocal(ws.SourceID, ws.ConnID, ws.TrxID, ws)

	require.NoError(t, h.pipe.Replicate(ctx, handle, h.node))
	require.Greater(t, handle.GlobalSeqno, int64(0))
	h.disp.RegisterLocal(handle)

	select {
	case msg := <-h.applied:
		require.Equal(t, "commit:hello", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("local transaction never committed")
	}
}

func TestE2E_ConflictingKeysSecondWriterRollsBack(t *testing.T) {
	h := newHarness(t, pipeline.NO_OOOC)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.run(ctx)

	ws1 := newWriteSet("first")
	h1 := txn.NewLocal(ws1.SourceID, ws1.ConnID, ws1.TrxID, ws1)
	require.NoError(t, h.pipe.Replicate(ctx, h1, h.node))
	h.disp.RegisterLocal(h1)

	ws2 := newWriteSet("second")
	h2 := txn.NewLocal(ws2.SourceID, ws2.ConnID, ws2.TrxID, ws2)
	require.NoError(t, h.pipe.Replicate(ctx, h2, h.node))
	h.disp.RegisterLocal(h2)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-h.applied:
			seen[msg] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for both transactions to resolve, saw %v", seen)
		}
	}
	require.True(t, seen["commit:first"])
	require.True(t, seen["rollback"])
}

func TestE2E_ViewChangeDrainsPipelineThenResumesAcceptingWork(t *testing.T) {
	h := newHarness(t, pipeline.NO_OOOC)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.run(ctx)

	require.NoError(t, h.fsm.Transition(nodefsm.Connected, nil))
	require.NoError(t, h.fsm.Transition(nodefsm.Joining, nil))
	require.NoError(t, h.fsm.Transition(nodefsm.Joined, nil))
	require.NoError(t, h.fsm.Transition(nodefsm.Synced, nil))

	_, err := h.node.SubmitViewChange("new-view")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.fsm.Current() == nodefsm.Joining
	}, 3*time.Second, 25*time.Millisecond)

	require.NoError(t, h.fsm.Transition(nodefsm.Joined, nil))
	require.NoError(t, h.fsm.Transition(nodefsm.Synced, nil))

	ws := newWriteSet("after-view-change")
	handle := txn.NewLocal(ws.SourceID, ws.ConnID, ws.TrxID, ws)
	require.NoError(t, h.pipe.Replicate(ctx, handle, h.node))
	h.disp.RegisterLocal(handle)

	select {
	case msg := <-h.applied:
		require.Equal(t, "commit:after-view-change", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("transaction after view change never committed")
	}
}
