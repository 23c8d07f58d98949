package netif

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayQueueOrder(t *testing.T) {
	base := time.Unix(1000, 0)
	var q delayQueue
	q.push(delayedPacket{releaseAt: base.Add(30 * time.Millisecond), data: []byte{3}})
	q.push(delayedPacket{releaseAt: base.Add(10 * time.Millisecond), data: []byte{1}})
	q.push(delayedPacket{releaseAt: base.Add(30 * time.Millisecond), data: []byte{4}})
	q.push(delayedPacket{releaseAt: base.Add(20 * time.Millisecond), data: []byte{2}})
	assert.Equal(t, 4, q.len())

	_, ok := q.popDue(base)
	assert.False(t, ok, "nothing is due yet")

	var got []byte
	for {
		p, ok := q.popDue(base.Add(25 * time.Millisecond))
		if !ok {
			break
		}
		got = append(got, p.data[0])
	}
	assert.Equal(t, []byte{1, 2}, got)

	for {
		p, ok := q.popDue(base.Add(time.Second))
		if !ok {
			break
		}
		got = append(got, p.data[0])
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, got, "equal release times keep queue order")
	assert.Equal(t, 0, q.len())
}
