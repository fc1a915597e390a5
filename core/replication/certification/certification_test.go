package certification

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodb/core/replication/writeset"
)

func wsWithKey(table, key string) *writeset.WriteSet {
	ws := writeset.New(uuid.New(), 1, 1)
	ws.AppendRowKey([]byte(table), []byte(key), 0)
	return ws
}

// TestCertification_ConflictFails mirrors spec scenario E1: two trx read
// the same snapshot (last_seen=10) and write the same key; the second
// to be certified fails.
func TestCertification_ConflictFails(t *testing.T) {
	idx := New()

	wsA := wsWithKey("t", "x")
	verdict, depends, err := idx.AppendTrx(wsA, 11, 10)
	require.NoError(t, err)
	require.Equal(t, Pass, verdict)
	require.Equal(t, int64(10), depends)

	wsB := wsWithKey("t", "x")
	verdict, _, err = idx.AppendTrx(wsB, 12, 10)
	require.NoError(t, err)
	require.Equal(t, Fail, verdict)
}

// TestCertification_DisjointKeysPass mirrors spec scenario E2: writing
// different keys never conflicts.
func TestCertification_DisjointKeysPass(t *testing.T) {
	idx := New()

	wsA := wsWithKey("t", "x")
	verdict, _, err := idx.AppendTrx(wsA, 11, 10)
	require.NoError(t, err)
	require.Equal(t, Pass, verdict)

	wsB := wsWithKey("t", "y")
	verdict, _, err = idx.AppendTrx(wsB, 12, 10)
	require.NoError(t, err)
	require.Equal(t, Pass, verdict)
}

func TestCertification_SameWriterRewritingOwnKeyPasses(t *testing.T) {
	idx := New()
	ws := wsWithKey("t", "x")
	ws.AppendRowKey([]byte("t"), []byte("x"), 1) // still a single key, dedup applies

	verdict, _, err := idx.AppendTrx(ws, 5, 4)
	require.NoError(t, err)
	require.Equal(t, Pass, verdict)

	// Re-certifying under the very same global seqno (e.g. BF-abort
	// replay bookkeeping) must not treat itself as a conflicting writer.
	verdict, _, err = idx.AppendTrx(ws, 5, 4)
	require.NoError(t, err)
	require.Equal(t, Pass, verdict)
}

func TestCertification_DependsSeqnoIsMaxObservedWriter(t *testing.T) {
	idx := New()

	_, _, err := idx.AppendTrx(wsWithKey("t", "x"), 5, 0)
	require.NoError(t, err)

	ws := writeset.New(uuid.New(), 1, 1)
	ws.AppendRowKey([]byte("t"), []byte("x"), 0)
	ws.AppendRowKey([]byte("t"), []byte("z"), 0) // unwritten key

	verdict, depends, err := idx.AppendTrx(ws, 6, 5)
	require.NoError(t, err)
	require.Equal(t, Pass, verdict)
	require.Equal(t, int64(5), depends)
}

// TestCertification_PurgeSafety mirrors spec scenario E5: after a
// commit-cut at seqno 1000, any entry with writer-seqno < 1000 is gone.
func TestCertification_PurgeSafety(t *testing.T) {
	idx := New()

	_, _, err := idx.AppendTrx(wsWithKey("t", "old"), 999, 0)
	require.NoError(t, err)
	_, _, err = idx.AppendTrx(wsWithKey("t", "new"), 1000, 0)
	require.NoError(t, err)

	purged := idx.PurgeUpto(1000)
	require.Equal(t, 1, purged)
	require.Equal(t, 1, idx.Len())

	// The surviving key still certifies correctly.
	verdict, _, err := idx.AppendTrx(wsWithKey("t", "new"), 1001, 999)
	require.NoError(t, err)
	require.Equal(t, Fail, verdict)
}

func TestCertification_FailedTrxDoesNotMutateIndex(t *testing.T) {
	idx := New()
	_, _, err := idx.AppendTrx(wsWithKey("t", "x"), 11, 10)
	require.NoError(t, err)

	before := idx.Len()
	verdict, _, err := idx.AppendTrx(wsWithKey("t", "x"), 12, 10)
	require.NoError(t, err)
	require.Equal(t, Fail, verdict)
	require.Equal(t, before, idx.Len())
}
