// Package protocol negotiates the three wire-protocol version numbers
// connecting peers must agree on (spec §6), supplementing the
// distillation with the original's fixed version table
// (ReplicatorSMM::MAX_PROTO_VER).
package protocol

import "github.com/sushant-115/gojodb/core/replication/repltypes"

// MaxProtoVer is the highest negotiated protocol number this node
// understands.
const MaxProtoVer = 2

// Versions is the set of three independently-versioned sub-protocols
// that derive from a single negotiated number via the fixed table
// below.
type Versions struct {
	Trx                  int
	StateTransferRequest int
	Replication          int
}

// table maps a negotiated protocol number to the three sub-protocol
// versions it implies. Protocol 0 is the original pre-versioning
// baseline; 1 added state-transfer-request versioning; 2 (current)
// added independent trx-protocol versioning.
var table = map[int]Versions{
	0: {Trx: 0, StateTransferRequest: 0, Replication: 0},
	1: {Trx: 0, StateTransferRequest: 1, Replication: 1},
	2: {Trx: 1, StateTransferRequest: 1, Replication: 2},
}

// Negotiate picks the highest mutually supported protocol number given a
// peer's advertised maximum, and returns the Versions it implies.
func Negotiate(peerMax int) (Versions, error) {
	agreed := peerMax
	if agreed > MaxProtoVer {
		agreed = MaxProtoVer
	}
	v, ok := table[agreed]
	if !ok {
		return Versions{}, repltypes.ErrProtocolUnsupported
	}
	return v, nil
}
