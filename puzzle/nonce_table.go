package puzzle

import "github.com/opd-ai/ghostlink/crypto"

const noEntry = -1

type tableEntry struct {
	nonce crypto.Nonce
	next  int32
}

// nonceTable records the client nonces that redeemed a solution during one
// server nonce epoch. Entries live in a slot vector and buckets chain through
// slot indices, so resetting only truncates the vector.
type nonceTable struct {
	entries []tableEntry
	heads   []int32
}

func newNonceTable() *nonceTable {
	t := &nonceTable{}
	t.reset()
	return t
}

// reset empties the table and picks a new random odd bucket count.
func (t *nonceTable) reset() {
	span := uint32(maxTableSize - minTableSize + 1)
	size := int(crypto.RandomUint32()%span+minTableSize)*2 + 1
	if cap(t.heads) >= size {
		t.heads = t.heads[:size]
	} else {
		t.heads = make([]int32, size)
	}
	for i := range t.heads {
		t.heads[i] = noEntry
	}
	t.entries = t.entries[:0]
}

// checkAdd adds n and reports true, or reports false if n is already present.
func (t *nonceTable) checkAdd(n crypto.Nonce) bool {
	bucket := n.Uint64() % uint64(len(t.heads))
	for i := t.heads[bucket]; i != noEntry; i = t.entries[i].next {
		if t.entries[i].nonce == n {
			return false
		}
	}
	t.entries = append(t.entries, tableEntry{nonce: n, next: t.heads[bucket]})
	t.heads[bucket] = int32(len(t.entries) - 1)
	return true
}

func (t *nonceTable) len() int { return len(t.entries) }
