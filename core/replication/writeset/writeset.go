// Package writeset implements the serializable unit of replicated work:
// the write-set (WS). A write-set carries the originating transaction's
// identity, the keys it touched, and either the SQL statements that
// produced those writes (query-level replication) or the raw row
// payload (row-based replication).
//
// The wire format is bit-exact and versioned so that deserialize(serialize(ws))
// always reproduces ws. Deserialize rejects any version byte other than
// the one this package writes; with skipData=true it reads the header and
// keys section without the data payload, for the certification fast path.
package writeset

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodb/core/replication/repltypes"
)

// Flags is a bitmask carried in the write-set header.
type Flags uint8

const (
	// FlagCommit marks a write-set whose apply should be followed by a
	// commit (the common case: one write-set per transaction).
	FlagCommit Flags = 1 << 0
	// FlagRollback marks a write-set that only signals a rollback and
	// carries no row data.
	FlagRollback Flags = 1 << 1
)

// Type distinguishes how a write-set's effects are recorded.
type Type uint8

const (
	// TypeQuery records SQL statements (query-level replication).
	TypeQuery Type = iota
	// TypeRBR records raw row payloads (row-based replication).
	TypeRBR
)

// Level mirrors Type but reflects the set of recorded data as it
// stands right now rather than the transaction's overall intent; it is
// promoted from LevelQuery to LevelRows the moment AppendData is called.
type Level uint8

const (
	LevelQuery Level = iota
	LevelRows
)

const (
	magic          uint32 = 0x57534554 // "WSET"
	wireVersion    uint8  = 1
	uuidByteLength        = 16
)

// Query is a single statement recorded for query-level replication.
type Query struct {
	Bytes    []byte
	Tstamp   int64
	RandSeed uint32
}

// RowKey is a table-qualified key touched by the transaction.
type RowKey struct {
	Table  []byte
	Key    []byte
	Action byte
}

// WriteSet is the serializable record of a transaction's effects.
type WriteSet struct {
	SourceID     uuid.UUID
	ConnID       int64
	TrxID        int64
	Type         Type
	Level        Level
	Flags        Flags
	LastSeenTrx  int64
	Queries      []Query
	Keys         []RowKey
	Data         []byte

	// keyIndex maps a content hash of (table,key) to the positions in
	// Keys sharing that hash, so AppendRowKey can dedup in O(1) expected
	// time while Keys preserves insertion order.
	keyIndex map[uint64][]int
}

// New creates an empty write-set for a locally-originated transaction.
func New(sourceID uuid.UUID, connID, trxID int64) *WriteSet {
	return &WriteSet{
		SourceID: sourceID,
		ConnID:   connID,
		TrxID:    trxID,
		Type:     TypeQuery,
		Level:    LevelQuery,
		keyIndex: make(map[uint64][]int),
	}
}

// AppendQuery records one SQL statement.
func (ws *WriteSet) AppendQuery(stmt []byte, tstamp int64, randSeed uint32) {
	b := make([]byte, len(stmt))
	copy(b, stmt)
	ws.Queries = append(ws.Queries, Query{Bytes: b, Tstamp: tstamp, RandSeed: randSeed})
}

// AppendData appends row-based payload bytes and promotes Level to
// LevelRows, matching the original's wsdb_ws_level promotion on first
// data write.
func (ws *WriteSet) AppendData(data []byte) {
	ws.Data = append(ws.Data, data...)
	ws.Level = LevelRows
	ws.Type = TypeRBR
}

// AppendRowKey records a table-qualified key, deduplicating against keys
// already present in the write-set. Calling it twice with the same
// (table, key) leaves exactly one entry (spec invariant: key dedup).
func (ws *WriteSet) AppendRowKey(table, key []byte, action byte) {
	if ws.keyIndex == nil {
		ws.keyIndex = make(map[uint64][]int)
	}
	h := HashKey(table, key)
	for _, pos := range ws.keyIndex[h] {
		existing := ws.Keys[pos]
		if bytes.Equal(existing.Table, table) && bytes.Equal(existing.Key, key) {
			// Already present; last writer's action wins, matching the
			// "duplicates suppressed" invariant without losing newer intent.
			ws.Keys[pos].Action = action
			return
		}
	}
	tb := make([]byte, len(table))
	copy(tb, table)
	kb := make([]byte, len(key))
	copy(kb, key)
	ws.Keys = append(ws.Keys, RowKey{Table: tb, Key: kb, Action: action})
	ws.keyIndex[h] = append(ws.keyIndex[h], len(ws.Keys)-1)
}

// HashKey combines table and key with length prefixes so that e.g.
// table="ab",key="c" and table="a",key="bc" never collide on the raw
// byte concatenation.
func HashKey(table, key []byte) uint64 {
	crc := crc32.NewIEEE()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(table)))
	crc.Write(lenBuf[:])
	crc.Write(table)
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(key)))
	crc.Write(lenBuf[:])
	crc.Write(key)
	return uint64(crc.Sum32())
}

// ConflictsWith reports whether ws and other touch at least one common
// (table, key) row, the same equality certification.Index.find uses for
// its first-committer-wins lookup. Used to decide whether a remote trx
// that has just certified must brute-force abort a local trx still
// blocked in the local monitor.
func (ws *WriteSet) ConflictsWith(other *WriteSet) bool {
	for _, a := range ws.Keys {
		for _, b := range other.Keys {
			if bytes.Equal(a.Table, b.Table) && bytes.Equal(a.Key, b.Key) {
				return true
			}
		}
	}
	return false
}

// IsEmpty holds iff there are no queries and no data, per spec.
func (ws *WriteSet) IsEmpty() bool {
	return len(ws.Queries) == 0 && len(ws.Data) == 0
}

// Clear drops the recorded queries, keys and data (and the key index) for
// handle reuse, mirroring the original WriteSet::clear(). The identity
// fields, flags, type and level are left unchanged.
func (ws *WriteSet) Clear() {
	ws.Queries = nil
	ws.Keys = nil
	ws.Data = nil
	ws.keyIndex = make(map[uint64][]int)
}

// SerialSize computes the exact number of bytes Serialize will produce,
// without allocating.
func (ws *WriteSet) SerialSize() int {
	size := 4 + 1 + 1 + 2 // magic, version, flags, reserved
	size += uuidByteLength
	size += 8 + 8 + 8 // conn_id, trx_id, last_seen_trx
	size += 1 + 1 + 2 // type, level, pad

	size += 4 // queries_count
	for _, q := range ws.Queries {
		size += 4 + len(q.Bytes) + 8 + 4
	}

	size += 4 // keys_len (byte length of the keys section)
	size += ws.keysSectionSize()

	size += 4 + len(ws.Data) // data_len, data
	return size
}

func (ws *WriteSet) keysSectionSize() int {
	n := 0
	for _, k := range ws.Keys {
		n += 2 + len(k.Table) + 2 + len(k.Key) + 1
	}
	return n
}

// Serialize encodes the write-set into the bit-exact wire format
// described in the external interfaces spec: little-endian,
// length-prefixed sections.
func (ws *WriteSet) Serialize() ([]byte, error) {
	if ws.Flags&FlagRollback != 0 && len(ws.Data) != 0 {
		return nil, repltypes.ErrWriteSetHasDataRB
	}

	buf := bytes.NewBuffer(make([]byte, 0, ws.SerialSize()))

	if err := binary.Write(buf, binary.LittleEndian, magic); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, wireVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint8(ws.Flags)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(0)); err != nil { // reserved
		return nil, err
	}

	if _, err := buf.Write(ws.SourceID[:]); err != nil {
		return nil, err
	}

	for _, v := range []int64{ws.ConnID, ws.TrxID, ws.LastSeenTrx} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(buf, binary.LittleEndian, uint8(ws.Type)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint8(ws.Level)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(0)); err != nil { // pad
		return nil, err
	}

	if err := binary.Write(buf, binary.LittleEndian, uint32(len(ws.Queries))); err != nil {
		return nil, err
	}
	for _, q := range ws.Queries {
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(q.Bytes))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(q.Bytes); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, q.Tstamp); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, q.RandSeed); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(buf, binary.LittleEndian, uint32(ws.keysSectionSize())); err != nil {
		return nil, err
	}
	for _, k := range ws.Keys {
		if err := binary.Write(buf, binary.LittleEndian, uint16(len(k.Table))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(k.Table); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, uint16(len(k.Key))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(k.Key); err != nil {
			return nil, err
		}
		if err := buf.WriteByte(k.Action); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(buf, binary.LittleEndian, uint32(len(ws.Data))); err != nil {
		return nil, err
	}
	if _, err := buf.Write(ws.Data); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Deserialize decodes a write-set from its wire format. When skipData is
// true, the data section is skipped without allocating (the
// certification fast path only needs the header and keys).
func Deserialize(raw []byte, skipData bool) (*WriteSet, error) {
	r := bytes.NewReader(raw)

	var gotMagic uint32
	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}
	if gotMagic != magic {
		return nil, repltypes.ErrWriteSetBadMagic
	}

	var version, flags uint8
	var reserved uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}
	if version != wireVersion {
		return nil, repltypes.ErrWriteSetBadVersion
	}
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}
	if err := binary.Read(r, binary.LittleEndian, &reserved); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}

	ws := &WriteSet{Flags: Flags(flags), keyIndex: make(map[uint64][]int)}

	var sourceBytes [uuidByteLength]byte
	if _, err := io.ReadFull(r, sourceBytes[:]); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}
	ws.SourceID = uuid.UUID(sourceBytes)

	for _, dst := range []*int64{&ws.ConnID, &ws.TrxID, &ws.LastSeenTrx} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
	}

	var typ, level uint8
	var pad uint16
	if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}
	if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}
	if err := binary.Read(r, binary.LittleEndian, &pad); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}
	ws.Type = Type(typ)
	ws.Level = Level(level)

	var queryCount uint32
	if err := binary.Read(r, binary.LittleEndian, &queryCount); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}
	if queryCount > 0 {
		ws.Queries = make([]Query, 0, queryCount)
	}
	for i := uint32(0); i < queryCount; i++ {
		var qlen uint32
		if err := binary.Read(r, binary.LittleEndian, &qlen); err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
		qb := make([]byte, qlen)
		if _, err := io.ReadFull(r, qb); err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
		var tstamp int64
		var seed uint32
		if err := binary.Read(r, binary.LittleEndian, &tstamp); err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
		if err := binary.Read(r, binary.LittleEndian, &seed); err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
		ws.Queries = append(ws.Queries, Query{Bytes: qb, Tstamp: tstamp, RandSeed: seed})
	}

	var keysLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keysLen); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}
	keysBuf := make([]byte, keysLen)
	if _, err := io.ReadFull(r, keysBuf); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}
	kr := bytes.NewReader(keysBuf)
	for kr.Len() > 0 {
		var tableLen, keyLen uint16
		if err := binary.Read(kr, binary.LittleEndian, &tableLen); err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
		table := make([]byte, tableLen)
		if _, err := io.ReadFull(kr, table); err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
		if err := binary.Read(kr, binary.LittleEndian, &keyLen); err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(kr, key); err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
		action, err := kr.ReadByte()
		if err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
		h := HashKey(table, key)
		ws.keyIndex[h] = append(ws.keyIndex[h], len(ws.Keys))
		ws.Keys = append(ws.Keys, RowKey{Table: table, Key: key, Action: action})
	}

	var dataLen uint32
	if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
		return nil, repltypes.ErrWriteSetTooShort
	}
	if skipData {
		if _, err := r.Seek(int64(dataLen), io.SeekCurrent); err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
		return ws, nil
	}
	if dataLen > 0 {
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, repltypes.ErrWriteSetTooShort
		}
		ws.Data = data
	}

	return ws, nil
}
