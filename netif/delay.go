package netif

import (
	"net/netip"
	"sort"
	"time"

	"github.com/opd-ai/ghostlink/connection"
)

// delayedPacket is a send, or a receive when receiveTo is set, held back to
// simulate latency.
type delayedPacket struct {
	releaseAt time.Time
	addr      netip.AddrPort
	data      []byte
	receiveTo *connection.Connection
}

// delayQueue keeps delayed packets sorted by release time. Packets with
// equal release times leave in the order they were queued.
type delayQueue struct {
	packets []delayedPacket
}

func (q *delayQueue) push(p delayedPacket) {
	idx := sort.Search(len(q.packets), func(j int) bool {
		return q.packets[j].releaseAt.After(p.releaseAt)
	})
	q.packets = append(q.packets, delayedPacket{})
	copy(q.packets[idx+1:], q.packets[idx:])
	q.packets[idx] = p
}

// popDue removes and returns the earliest packet if its time has come.
func (q *delayQueue) popDue(now time.Time) (delayedPacket, bool) {
	if len(q.packets) == 0 || q.packets[0].releaseAt.After(now) {
		return delayedPacket{}, false
	}
	p := q.packets[0]
	q.packets[0] = delayedPacket{}
	q.packets = q.packets[1:]
	return p, true
}

func (q *delayQueue) len() int { return len(q.packets) }
