package txn

import (
	"testing"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodb/core/replication/repltypes"
	"github.com/stretchr/testify/require"
)

func TestHandle_ValidTransitions(t *testing.T) {
	h := NewLocal(uuid.New(), 1, 1, nil)
	require.Equal(t, StateExecuting, h.State())

	require.NoError(t, h.SetState(StateCertifying))
	require.NoError(t, h.SetState(StateApplying))
	require.NoError(t, h.SetState(StateCommitting))
	require.NoError(t, h.SetState(StateCommitted))
	require.Equal(t, StateCommitted, h.State())
}

func TestHandle_InvalidTransitionRejected(t *testing.T) {
	h := NewLocal(uuid.New(), 1, 1, nil)
	err := h.SetState(StateCommitted)
	require.ErrorIs(t, err, repltypes.ErrInvalidTransition)
}

func TestHandle_TerminalStatesHaveNoExit(t *testing.T) {
	h := NewLocal(uuid.New(), 1, 1, nil)
	require.NoError(t, h.SetState(StateCertifying))
	require.NoError(t, h.SetState(StateApplying))
	require.NoError(t, h.SetState(StateCommitting))
	require.NoError(t, h.SetState(StateCommitted))
	require.Error(t, h.SetState(StateAborting))
}

func TestHandle_RefCounting(t *testing.T) {
	h := NewLocal(uuid.New(), 1, 1, nil)
	h.Ref()
	require.False(t, h.Unref())
	require.True(t, h.Unref())
}

func TestHandle_SeqnoPrefersGlobal(t *testing.T) {
	h := NewLocal(uuid.New(), 1, 1, nil)
	h.LocalSeqno = 5
	require.Equal(t, int64(5), h.Seqno())
	h.GlobalSeqno = 42
	require.Equal(t, int64(42), h.Seqno())
}
