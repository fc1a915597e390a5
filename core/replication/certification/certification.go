// Package certification implements the certification index: the
// deterministic first-committer-wins conflict check that every
// delivered write-set passes through while holding the local monitor's
// slot, so all nodes certify each trx against an identically-ordered
// view of recently-touched keys.
package certification

import (
	"sync"

	"github.com/sushant-115/gojodb/core/replication/writeset"
)

// Verdict is the outcome of certifying one write-set.
type Verdict int

const (
	Pass Verdict = iota
	Fail
)

type entry struct {
	table, key []byte
	lastWriter int64
}

// Index maps recently-touched keys to the global seqno of their last
// writer. It is single-writer: AppendTrx and PurgeUpto must both be
// called from the same logical thread (the certifier running inside the
// local monitor's slot, and the dispatcher's purge path respectively —
// spec requires these never race, so both take the same mutex).
type Index struct {
	mu      sync.Mutex
	entries map[uint64][]*entry
}

// New creates an empty certification index.
func New() *Index {
	return &Index{entries: make(map[uint64][]*entry)}
}

func (idx *Index) find(table, key []byte) *entry {
	h := writeset.HashKey(table, key)
	for _, e := range idx.entries[h] {
		if string(e.table) == string(table) && string(e.key) == string(key) {
			return e
		}
	}
	return nil
}

func (idx *Index) upsert(table, key []byte, globalSeqno int64) {
	h := writeset.HashKey(table, key)
	if e := idx.find(table, key); e != nil {
		e.lastWriter = globalSeqno
		return
	}
	idx.entries[h] = append(idx.entries[h], &entry{
		table:      append([]byte(nil), table...),
		key:        append([]byte(nil), key...),
		lastWriter: globalSeqno,
	})
}

// AppendTrx certifies ws against the index per spec §4.2:
//
//  1. For each key K in ws.Keys, look up K.
//  2. If an entry exists with lastWriter > lastSeenSeqno and that
//     writer isn't this trx itself (i.e. trxGlobalSeqno), fail.
//  3. On pass, upsert every key to trxGlobalSeqno and return the
//     computed depends-seqno: max(lastSeenSeqno, highest conflicting
//     writer observed — which is <= lastSeenSeqno for keys that passed,
//     except a key whose last writer is this trx itself, in which case
//     the result is trxGlobalSeqno; a previously unwritten key adds
//     nothing to the max).
//  4. On fail, the index is left untouched.
func (idx *Index) AppendTrx(ws *writeset.WriteSet, trxGlobalSeqno, lastSeenSeqno int64) (Verdict, int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	dependsSeqno := lastSeenSeqno
	for _, k := range ws.Keys {
		if e := idx.find(k.Table, k.Key); e != nil {
			if e.lastWriter > lastSeenSeqno && e.lastWriter != trxGlobalSeqno {
				return Fail, 0, nil
			}
			if e.lastWriter > dependsSeqno {
				dependsSeqno = e.lastWriter
			}
		}
	}

	for _, k := range ws.Keys {
		idx.upsert(k.Table, k.Key, trxGlobalSeqno)
	}

	return Pass, dependsSeqno, nil
}

// PurgeUpto reclaims every entry whose last-writer seqno is strictly
// less than horizon (the trim watermark — the minimum depends-seqno of
// any in-flight trx, advanced by commit-cut actions). It runs on the
// dispatcher thread, O(scanned).
func (idx *Index) PurgeUpto(horizon int64) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	purged := 0
	for h, bucket := range idx.entries {
		kept := bucket[:0]
		for _, e := range bucket {
			if e.lastWriter < horizon {
				purged++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(idx.entries, h)
		} else {
			idx.entries[h] = kept
		}
	}
	return purged
}

// Len reports the number of distinct keys currently tracked (for tests
// and stats).
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n := 0
	for _, bucket := range idx.entries {
		n += len(bucket)
	}
	return n
}
