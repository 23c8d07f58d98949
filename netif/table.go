package netif

import (
	"hash/fnv"
	"net/netip"

	"github.com/opd-ai/ghostlink/connection"
)

// initialTableSize is the bucket count of an empty connection table.
const initialTableSize = 129

// connTable maps remote addresses to established connections with open
// addressing and linear probing. list holds the same connections in
// insertion order, with swap removal.
type connTable struct {
	buckets []*connection.Connection
	list    []*connection.Connection
}

func newConnTable() *connTable {
	return &connTable{buckets: make([]*connection.Connection, initialTableSize)}
}

func hashAddr(addr netip.AddrPort) uint32 {
	h := fnv.New32a()
	ip := addr.Addr().As16()
	h.Write(ip[:])
	port := addr.Port()
	h.Write([]byte{byte(port), byte(port >> 8)})
	return h.Sum32()
}

func (t *connTable) home(addr netip.AddrPort) int {
	return int(hashAddr(addr) % uint32(len(t.buckets)))
}

func (t *connTable) next(i int) int {
	i++
	if i == len(t.buckets) {
		return 0
	}
	return i
}

func (t *connTable) find(addr netip.AddrPort) *connection.Connection {
	for i := t.home(addr); t.buckets[i] != nil; i = t.next(i) {
		if t.buckets[i].Address() == addr {
			return t.buckets[i]
		}
	}
	return nil
}

func (t *connTable) place(c *connection.Connection) {
	i := t.home(c.Address())
	for t.buckets[i] != nil {
		i = t.next(i)
	}
	t.buckets[i] = c
}

// add inserts c, growing the table to 4n-1 buckets once it is more than
// half full.
func (t *connTable) add(c *connection.Connection) {
	t.list = append(t.list, c)
	n := len(t.list)
	if n > len(t.buckets)/2 {
		t.buckets = make([]*connection.Connection, n*4-1)
		for _, existing := range t.list {
			t.place(existing)
		}
		return
	}
	t.place(c)
}

// remove deletes c and re-places the rest of its probe run so later
// lookups do not stop at the hole.
func (t *connTable) remove(c *connection.Connection) bool {
	found := false
	for i, existing := range t.list {
		if existing == c {
			last := len(t.list) - 1
			t.list[i] = t.list[last]
			t.list[last] = nil
			t.list = t.list[:last]
			found = true
			break
		}
	}
	if !found {
		return false
	}

	start := t.home(c.Address())
	i := start
	for t.buckets[i] != c {
		i = t.next(i)
		if i == start {
			return true
		}
	}
	t.buckets[i] = nil

	for i = t.next(i); t.buckets[i] != nil; i = t.next(i) {
		moved := t.buckets[i]
		t.buckets[i] = nil
		t.place(moved)
	}
	return true
}

func (t *connTable) len() int { return len(t.list) }

// connections returns a copy of the connection list, safe to iterate while
// connections are removed.
func (t *connTable) connections() []*connection.Connection {
	return append([]*connection.Connection(nil), t.list...)
}
