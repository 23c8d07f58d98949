package linksim

import (
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/ghostlink/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLink() *Link {
	return New(nil, connection.New("a", nil), connection.New("b", nil))
}

func TestNewWiresBothSides(t *testing.T) {
	link := newLink()

	assert.Same(t, link.A, link.A.Conn.Owner())
	assert.Same(t, link.B, link.B.Conn.Owner())
	assert.True(t, link.A.Conn.IsInitiator())
	assert.False(t, link.B.Conn.IsInitiator())
	assert.Equal(t, link.B.Conn.InitialSendSequence(), link.A.Conn.InitialRecvSequence())
	assert.Equal(t, link.A.Conn.InitialSendSequence(), link.B.Conn.InitialRecvSequence())
	assert.NotEqual(t, link.A.Conn.Address(), link.B.Conn.Address())
}

func TestExchangeDeliversBothWays(t *testing.T) {
	link := newLink()
	link.Establish()
	assert.Equal(t, connection.Connected, link.A.Conn.State())
	assert.Equal(t, connection.Connected, link.B.Conn.State())

	require.NoError(t, link.Exchange())

	delivered, dropped := link.Stats()
	assert.Equal(t, 2, delivered)
	assert.Zero(t, dropped)
	assert.Zero(t, link.A.Pending())
	assert.Zero(t, link.B.Pending())

	log := link.DeliveryLog()
	require.Len(t, log, 2)
	assert.Equal(t, link.A.Conn.Address(), log[0].From)
	assert.Equal(t, link.B.Conn.Address(), log[1].From)
	assert.Equal(t, link.Clock.Now(), log[0].Timestamp)
}

func TestDeliverOnlyDropsTheRest(t *testing.T) {
	link := newLink()
	link.Establish()

	link.A.Send()
	link.A.Conn.CheckTimeout()
	link.Clock.Advance(connection.DefaultPingTimeout + time.Second)
	link.A.Conn.CheckTimeout()
	require.Equal(t, 2, link.A.Pending())

	require.NoError(t, link.A.DeliverOnly(1, 7))
	assert.Zero(t, link.A.Pending())

	delivered, dropped := link.Stats()
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, dropped)
	assert.False(t, link.DeliveryLog()[0].Delivered)
}

func TestDropAll(t *testing.T) {
	link := newLink()
	link.Establish()
	link.A.Send()
	require.Equal(t, 1, link.A.Pending())

	link.A.DropAll()

	assert.Zero(t, link.A.Pending())
	delivered, dropped := link.Stats()
	assert.Zero(t, delivered)
	assert.Equal(t, 1, dropped)
}

func TestDelayedDatagramWaitsForClock(t *testing.T) {
	link := newLink()
	link.Establish()
	link.A.Send()
	require.Len(t, link.A.outbox, 1)
	data := link.A.outbox[0].data
	link.A.outbox = nil

	link.A.SendToDelayed(link.B.Conn.Address(), data, 50*time.Millisecond)
	require.NoError(t, link.A.Flush())
	assert.Equal(t, 1, link.A.Pending())

	link.Clock.Advance(50 * time.Millisecond)
	require.NoError(t, link.A.Flush())
	assert.Zero(t, link.A.Pending())
	delivered, _ := link.Stats()
	assert.Equal(t, 1, delivered)
}

func TestMalformedDatagramIsRecordedNotReturned(t *testing.T) {
	link := newLink()
	link.Establish()
	require.NoError(t, link.A.SendTo(netip.AddrPort{}, []byte{0xff}))

	require.NoError(t, link.A.Flush())

	log := link.DeliveryLog()
	require.Len(t, log, 1)
	assert.False(t, log[0].Delivered)
	assert.ErrorIs(t, log[0].Error, connection.ErrMalformedPacket)
}

func TestDisconnectThroughOwner(t *testing.T) {
	link := newLink()
	link.Establish()

	link.A.Conn.Disconnect(connection.ReasonShutdown, "bye")

	assert.Equal(t, connection.ReasonShutdown, link.A.Reason)
	assert.Equal(t, "bye", link.A.ReasonMsg)
	assert.Equal(t, connection.Disconnected, link.A.Conn.State())
	assert.True(t, link.A.Conn.IsClosed())
}
