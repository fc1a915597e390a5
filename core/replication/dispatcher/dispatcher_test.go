package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodb/core/replication/certification"
	"github.com/sushant-115/gojodb/core/replication/nodefsm"
	"github.com/sushant-115/gojodb/core/replication/pipeline"
	"github.com/sushant-115/gojodb/core/replication/statetransfer"
	"github.com/sushant-115/gojodb/core/replication/txn"
	"github.com/sushant-115/gojodb/core/replication/writeset"
)

// fakeChannel is a GroupChannel whose Actions() replays a fixed script,
// and whose Submit hands out caller-supplied global seqnos in order.
type fakeChannel struct {
	actions chan pipeline.Action
	next    atomic.Int64
}

func newFakeChannel(buf int) *fakeChannel {
	return &fakeChannel{actions: make(chan pipeline.Action, buf)}
}

func (c *fakeChannel) Submit(_ context.Context, _ []byte) (int64, error) {
	return c.next.Add(1), nil
}
func (c *fakeChannel) Actions() <-chan pipeline.Action { return c.actions }

func wsKey(table, key string) *writeset.WriteSet {
	ws := writeset.New(uuid.New(), 1, 1)
	ws.AppendRowKey([]byte(table), []byte(key), 0)
	return ws
}

func TestDispatcher_RemoteTRXIsDeserializedAndCommitted(t *testing.T) {
	ch := newFakeChannel(4)
	var committed []int64
	p := pipeline.New(0, pipeline.OOOC, certification.New(), pipeline.Callbacks{
		Commit: func(_ context.Context, h *txn.Handle) error {
			committed = append(committed, h.GlobalSeqno)
			return nil
		},
	}, nil)
	fsm := nodefsm.New(nil)
	d := New(ch, p, fsm, p.Cert, Hooks{}, nil, 2)

	ws := wsKey("t", "x")
	raw, err := ws.Serialize()
	require.NoError(t, err)
	ch.actions <- pipeline.Action{Kind: pipeline.ActionTRX, SeqnoL: 1, GlobalSeqno: 1, WriteSet: raw}
	close(ch.actions)

	ctx := context.Background()
	require.NoError(t, d.Run(ctx))
	require.Equal(t, []int64{1}, committed)
}

func TestDispatcher_LocalTRXReusesRegisteredHandle(t *testing.T) {
	ch := newFakeChannel(4)
	p := pipeline.New(0, pipeline.OOOC, certification.New(), pipeline.Callbacks{}, nil)
	fsm := nodefsm.New(nil)
	d := New(ch, p, fsm, p.Cert, Hooks{}, nil, 1)

	ctx := context.Background()
	h := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))
	require.NoError(t, p.Replicate(ctx, h, ch))
	d.RegisterLocal(h)

	ch.actions <- pipeline.Action{Kind: pipeline.ActionTRX, GlobalSeqno: h.GlobalSeqno}
	close(ch.actions)

	require.NoError(t, d.Run(ctx))
	require.Equal(t, txn.StateCommitted, h.State())
}

func TestDispatcher_CommitCutPurgesCertificationIndex(t *testing.T) {
	ch := newFakeChannel(4)
	cert := certification.New()
	p := pipeline.New(0, pipeline.OOOC, cert, pipeline.Callbacks{}, nil)
	fsm := nodefsm.New(nil)
	d := New(ch, p, fsm, cert, Hooks{}, nil, 1)

	ctx := context.Background()
	h := txn.NewLocal(uuid.New(), 1, 1, wsKey("t", "x"))
	require.NoError(t, p.Replicate(ctx, h, ch))
	d.RegisterLocal(h)
	ch.actions <- pipeline.Action{Kind: pipeline.ActionTRX, GlobalSeqno: h.GlobalSeqno}
	ch.actions <- pipeline.Action{Kind: pipeline.ActionCommitCut, Horizon: h.GlobalSeqno + 1}
	close(ch.actions)

	require.NoError(t, d.Run(ctx))
	require.Equal(t, 0, cert.Len())
}

func TestDispatcher_JoinThenSyncAdvancesFSM(t *testing.T) {
	ch := newFakeChannel(4)
	p := pipeline.New(0, pipeline.OOOC, certification.New(), pipeline.Callbacks{}, nil)
	fsm := nodefsm.New(nil)
	require.NoError(t, fsm.Transition(nodefsm.Connected, nil))
	require.NoError(t, fsm.Transition(nodefsm.Joining, nil))

	var joined, synced int32
	d := New(ch, p, fsm, p.Cert, Hooks{
		OnJoin: func() { atomic.AddInt32(&joined, 1) },
		OnSync: func() { atomic.AddInt32(&synced, 1) },
	}, nil, 1)

	ch.actions <- pipeline.Action{Kind: pipeline.ActionJoin}
	ch.actions <- pipeline.Action{Kind: pipeline.ActionSync}
	close(ch.actions)

	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, nodefsm.Synced, fsm.Current())
	require.Equal(t, int32(1), joined)
	require.Equal(t, int32(1), synced)
}

func TestDispatcher_ViewChangeDrainsPipelineThenTransitionsFSM(t *testing.T) {
	ch := newFakeChannel(4)
	p := pipeline.New(0, pipeline.OOOC, certification.New(), pipeline.Callbacks{}, nil)
	fsm := nodefsm.New(nil)
	require.NoError(t, fsm.Transition(nodefsm.Connected, nil))
	require.NoError(t, fsm.Transition(nodefsm.Joining, nil))
	require.NoError(t, fsm.Transition(nodefsm.Joined, nil))

	d := New(ch, p, fsm, p.Cert, Hooks{}, nil, 1)

	ch.actions <- pipeline.Action{Kind: pipeline.ActionViewChange, ViewInfo: "view-2"}
	close(ch.actions)

	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, nodefsm.Joining, fsm.Current())
}

func TestDispatcher_StateRequestInvokesHook(t *testing.T) {
	ch := newFakeChannel(4)
	p := pipeline.New(0, pipeline.OOOC, certification.New(), pipeline.Callbacks{}, nil)
	fsm := nodefsm.New(nil)

	var seen pipeline.Action
	invoked := make(chan struct{})
	d := New(ch, p, fsm, p.Cert, Hooks{
		OnStateRequest: func(_ context.Context, a pipeline.Action) {
			seen = a
			close(invoked)
		},
	}, nil, 1)

	ch.actions <- pipeline.Action{Kind: pipeline.ActionStateRequest, ViewInfo: "joiner-uuid"}
	close(ch.actions)

	require.NoError(t, d.Run(context.Background()))

	select {
	case <-invoked:
	case <-time.After(time.Second):
		t.Fatal("OnStateRequest was not invoked")
	}
	require.Equal(t, "joiner-uuid", seen.ViewInfo)
}

func TestDispatcher_StateRequestServesISTWhenRangeRetained(t *testing.T) {
	ch := newFakeChannel(4)
	p := pipeline.New(0, pipeline.OOOC, certification.New(), pipeline.Callbacks{}, nil)
	fsm := nodefsm.New(nil)

	var istRange statetransfer.Range
	istServed := make(chan struct{})
	sstCalled := make(chan struct{}, 1)
	d := New(ch, p, fsm, p.Cert, Hooks{
		OnIST: func(_ string, rng statetransfer.Range) {
			istRange = rng
			close(istServed)
		},
		SSTDonate: func(_ context.Context, _ string) { sstCalled <- struct{}{} },
	}, nil, 1)

	ch.actions <- pipeline.Action{Kind: pipeline.ActionTRX, GlobalSeqno: 1, WriteSet: mustSerialize(t, wsKey("t", "a"))}
	ch.actions <- pipeline.Action{Kind: pipeline.ActionTRX, GlobalSeqno: 2, WriteSet: mustSerialize(t, wsKey("t", "b"))}
	ch.actions <- pipeline.Action{Kind: pipeline.ActionStateRequest, ViewInfo: "joiner@1"}
	close(ch.actions)

	require.NoError(t, d.Run(context.Background()))

	select {
	case <-istServed:
	case <-time.After(time.Second):
		t.Fatal("IST was not served even though the range is retained")
	}
	require.Equal(t, int64(2), istRange.From)
	require.Equal(t, int64(2), istRange.To)

	select {
	case <-sstCalled:
		t.Fatal("SST should not have been donated when an IST could serve the joiner")
	default:
	}
}

func TestDispatcher_ISTFallsBackToSST(t *testing.T) {
	ch := newFakeChannel(4)
	p := pipeline.New(0, pipeline.OOOC, certification.New(), pipeline.Callbacks{}, nil)
	fsm := nodefsm.New(nil)

	istServed := make(chan struct{}, 1)
	sstDonated := make(chan string, 1)
	d := New(ch, p, fsm, p.Cert, Hooks{
		OnIST:     func(_ string, _ statetransfer.Range) { istServed <- struct{}{} },
		SSTDonate: func(_ context.Context, joinerID string) { sstDonated <- joinerID },
	}, nil, 1)

	ch.actions <- pipeline.Action{Kind: pipeline.ActionTRX, GlobalSeqno: 1, WriteSet: mustSerialize(t, wsKey("t", "a"))}
	ch.actions <- pipeline.Action{Kind: pipeline.ActionTRX, GlobalSeqno: 2, WriteSet: mustSerialize(t, wsKey("t", "b"))}
	// Trims retained history up to seqno 2: seqno 1 is no longer
	// replayable, so a joiner stuck at seqno 0 (who still needs it) can
	// no longer be served an IST.
	ch.actions <- pipeline.Action{Kind: pipeline.ActionCommitCut, Horizon: 2}
	ch.actions <- pipeline.Action{Kind: pipeline.ActionStateRequest, ViewInfo: "joiner@0"}
	close(ch.actions)

	require.NoError(t, d.Run(context.Background()))

	select {
	case joinerID := <-sstDonated:
		require.Equal(t, "joiner", joinerID)
	case <-time.After(time.Second):
		t.Fatal("expected a full snapshot transfer to be donated")
	}

	select {
	case <-istServed:
		t.Fatal("IST should not have been served once its range was trimmed away")
	default:
	}
}

func mustSerialize(t *testing.T, ws *writeset.WriteSet) []byte {
	t.Helper()
	raw, err := ws.Serialize()
	require.NoError(t, err)
	return raw
}
