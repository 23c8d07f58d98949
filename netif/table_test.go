package netif

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/opd-ai/ghostlink/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connAt(addr string) *connection.Connection {
	c := connection.New("test", nil)
	c.SetAddress(netip.MustParseAddrPort(addr))
	return c
}

func TestTableFindAddRemove(t *testing.T) {
	tbl := newConnTable()
	a := connAt("10.0.0.1:100")
	b := connAt("10.0.0.2:100")

	tbl.add(a)
	tbl.add(b)
	assert.Same(t, a, tbl.find(a.Address()))
	assert.Same(t, b, tbl.find(b.Address()))
	assert.Nil(t, tbl.find(netip.MustParseAddrPort("10.0.0.3:100")))
	assert.Equal(t, 2, tbl.len())

	assert.True(t, tbl.remove(a))
	assert.False(t, tbl.remove(a))
	assert.Nil(t, tbl.find(a.Address()))
	assert.Same(t, b, tbl.find(b.Address()))
}

func TestTableGrowsPastHalfFull(t *testing.T) {
	tbl := newConnTable()
	conns := make([]*connection.Connection, 0, 70)
	for i := 0; i < 65; i++ {
		c := connAt(fmt.Sprintf("10.1.%d.%d:%d", i/200, i%200+1, 2000+i))
		conns = append(conns, c)
		tbl.add(c)
	}
	assert.Equal(t, 65*4-1, len(tbl.buckets))
	for _, c := range conns {
		require.Same(t, c, tbl.find(c.Address()))
	}
}

// TestTableProbeRunSurvivesRemoval forces every entry into one probe run by
// shrinking the table, then removes from the front of the run.
func TestTableProbeRunSurvivesRemoval(t *testing.T) {
	tbl := newConnTable()
	tbl.buckets = make([]*connection.Connection, 1023)

	var same []*connection.Connection
	target := -1
	for port := 1; len(same) < 6; port++ {
		c := connAt(fmt.Sprintf("192.168.0.1:%d", port))
		h := tbl.home(c.Address())
		if target == -1 {
			target = h
		}
		if h == target {
			same = append(same, c)
			tbl.add(c)
		}
	}

	require.True(t, tbl.remove(same[0]))
	require.True(t, tbl.remove(same[3]))
	for i, c := range same {
		if i == 0 || i == 3 {
			assert.Nil(t, tbl.find(c.Address()))
			continue
		}
		assert.Same(t, c, tbl.find(c.Address()), "entry %d lost after removal", i)
	}
}

func TestTableConnectionsIsACopy(t *testing.T) {
	tbl := newConnTable()
	a := connAt("10.0.0.1:1")
	tbl.add(a)
	list := tbl.connections()
	tbl.remove(a)
	assert.Len(t, list, 1)
	assert.Equal(t, 0, tbl.len())
}
