package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNegotiate_PeerAtMax(t *testing.T) {
	v, err := Negotiate(2)
	require.NoError(t, err)
	require.Equal(t, Versions{Trx: 1, StateTransferRequest: 1, Replication: 2}, v)
}

func TestNegotiate_PeerBehind(t *testing.T) {
	v, err := Negotiate(0)
	require.NoError(t, err)
	require.Equal(t, Versions{Trx: 0, StateTransferRequest: 0, Replication: 0}, v)
}

func TestNegotiate_PeerAheadClampsToMax(t *testing.T) {
	v, err := Negotiate(99)
	require.NoError(t, err)
	require.Equal(t, Versions{Trx: 1, StateTransferRequest: 1, Replication: 2}, v)
}

func TestNegotiate_NegativePeerUnsupported(t *testing.T) {
	_, err := Negotiate(-1)
	require.Error(t, err)
}
