package writeset

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestWriteSet(t *testing.T) *WriteSet {
	t.Helper()
	ws := New(uuid.New(), 7, 42)
	ws.LastSeenTrx = 10
	ws.AppendQuery([]byte("INSERT INTO t VALUES (1)"), 1000, 1234)
	ws.AppendQuery([]byte("UPDATE t SET v=2"), 1001, 5678)
	ws.AppendRowKey([]byte("t"), []byte("x"), 1)
	ws.AppendRowKey([]byte("t"), []byte("y"), 1)
	return ws
}

func TestWriteSet_RoundTrip(t *testing.T) {
	ws := newTestWriteSet(t)

	raw, err := ws.Serialize()
	require.NoError(t, err)
	require.Equal(t, ws.SerialSize(), len(raw))

	got, err := Deserialize(raw, false)
	require.NoError(t, err)
	require.Equal(t, ws, got)
}

func TestWriteSet_RoundTrip_RowBased(t *testing.T) {
	ws := New(uuid.New(), 1, 1)
	ws.AppendRowKey([]byte("accounts"), []byte("acct-1"), 0)
	ws.AppendData([]byte{0xDE, 0xAD, 0xBE, 0xEF})

	raw, err := ws.Serialize()
	require.NoError(t, err)

	got, err := Deserialize(raw, false)
	require.NoError(t, err)
	require.Equal(t, ws, got)
	require.Equal(t, LevelRows, got.Level)
	require.Equal(t, TypeRBR, got.Type)
}

func TestWriteSet_DeserializeSkipData(t *testing.T) {
	ws := newTestWriteSet(t)
	ws.AppendData([]byte("some row payload"))

	raw, err := ws.Serialize()
	require.NoError(t, err)

	got, err := Deserialize(raw, true)
	require.NoError(t, err)
	require.Nil(t, got.Data)
	require.Equal(t, ws.Keys, got.Keys)
	require.Equal(t, ws.LastSeenTrx, got.LastSeenTrx)
}

func TestWriteSet_KeyDedup(t *testing.T) {
	ws := New(uuid.New(), 1, 1)
	ws.AppendRowKey([]byte("t"), []byte("k"), 0)
	ws.AppendRowKey([]byte("t"), []byte("k"), 1)

	require.Len(t, ws.Keys, 1)
	require.Equal(t, byte(1), ws.Keys[0].Action)
}

func TestWriteSet_ConflictsWithSharedKey(t *testing.T) {
	a := New(uuid.New(), 1, 1)
	a.AppendRowKey([]byte("t"), []byte("x"), 0)

	b := New(uuid.New(), 2, 1)
	b.AppendRowKey([]byte("t"), []byte("y"), 0)
	require.False(t, a.ConflictsWith(b))
	require.False(t, b.ConflictsWith(a))

	b.AppendRowKey([]byte("t"), []byte("x"), 1)
	require.True(t, a.ConflictsWith(b))
	require.True(t, b.ConflictsWith(a))
}

func TestWriteSet_ConflictsWithDistinguishesTable(t *testing.T) {
	a := New(uuid.New(), 1, 1)
	a.AppendRowKey([]byte("t1"), []byte("x"), 0)

	b := New(uuid.New(), 2, 1)
	b.AppendRowKey([]byte("t2"), []byte("x"), 0)

	require.False(t, a.ConflictsWith(b))
}

func TestWriteSet_IsEmpty(t *testing.T) {
	ws := New(uuid.New(), 1, 1)
	require.True(t, ws.IsEmpty())

	ws.AppendRowKey([]byte("t"), []byte("k"), 0)
	require.True(t, ws.IsEmpty(), "keys alone do not make a write-set non-empty")

	ws.AppendQuery([]byte("SELECT 1"), 0, 0)
	require.False(t, ws.IsEmpty())
}

func TestWriteSet_RollbackFlagForbidsData(t *testing.T) {
	ws := New(uuid.New(), 1, 1)
	ws.Flags = FlagRollback
	ws.Data = []byte{1}

	_, err := ws.Serialize()
	require.Error(t, err)
}

func TestWriteSet_DeserializeBadMagic(t *testing.T) {
	_, err := Deserialize([]byte{1, 2, 3, 4, 5, 6, 7, 8}, false)
	require.Error(t, err)
}

func TestWriteSet_Clear(t *testing.T) {
	ws := newTestWriteSet(t)
	ws.AppendData([]byte("x"))
	ws.Clear()

	require.True(t, ws.IsEmpty())
	require.Empty(t, ws.Keys)
	require.Empty(t, ws.Data)
}
