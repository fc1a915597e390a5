package raftgcs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodb/core/replication/pipeline"
)

func newSingleNodeCluster(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()
	node, err := New(Config{
		NodeID:    "node1",
		BindAddr:  "127.0.0.1:0",
		DataDir:   dir,
		Bootstrap: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })

	require.Eventually(t, node.IsLeader, 5*time.Second, 25*time.Millisecond)
	return node
}

func TestRaftGCS_SubmitAssignsIncreasingGlobalSeqno(t *testing.T) {
	node := newSingleNodeCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := node.Submit(ctx, []byte("ws-1"))
	require.NoError(t, err)
	second, err := node.Submit(ctx, []byte("ws-2"))
	require.NoError(t, err)

	require.Greater(t, second, first)
}

func TestRaftGCS_ActionsDeliversSubmittedWriteSet(t *testing.T) {
	node := newSingleNodeCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	seqno, err := node.Submit(ctx, []byte("payload"))
	require.NoError(t, err)

	select {
	case a := <-node.Actions():
		require.Equal(t, pipeline.ActionTRX, a.Kind)
		require.Equal(t, seqno, a.GlobalSeqno)
		require.Equal(t, seqno, a.SeqnoL)
		require.Equal(t, []byte("payload"), a.WriteSet)
	case <-time.After(2 * time.Second):
		t.Fatal("submitted write-set was never delivered via Actions()")
	}
}

func TestRaftGCS_ViewChangeJoinSyncDeliverTheirKinds(t *testing.T) {
	node := newSingleNodeCluster(t)

	_, err := node.SubmitViewChange("view-7")
	require.NoError(t, err)
	_, err = node.SubmitJoin("node2")
	require.NoError(t, err)
	_, err = node.SubmitSync("node2")
	require.NoError(t, err)

	wantKinds := []pipeline.ActionKind{pipeline.ActionViewChange, pipeline.ActionJoin, pipeline.ActionSync}
	for _, want := range wantKinds {
		select {
		case a := <-node.Actions():
			require.Equal(t, want, a.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected action %v was never delivered", want)
		}
	}
}

func TestRaftGCS_ReportLastCommittedDeliversCommitCut(t *testing.T) {
	node := newSingleNodeCluster(t)
	require.NoError(t, node.ReportLastCommitted(context.Background(), 42))

	select {
	case a := <-node.Actions():
		require.Equal(t, pipeline.ActionCommitCut, a.Kind)
		require.Equal(t, int64(42), a.Horizon)
	case <-time.After(2 * time.Second):
		t.Fatal("commit-cut report was never delivered")
	}
}
