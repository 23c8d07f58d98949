package demo

import (
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/crypto"
	"github.com/opd-ai/ghostlink/netif"
	"github.com/opd-ai/ghostlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var serverAddr = netip.MustParseAddrPort("10.1.0.1:28000")

type arena struct {
	t       *testing.T
	clock   *crypto.ManualTimeProvider
	net     *transport.Network
	server  *Server
	ifc     *netif.Interface
	clients []*netif.Interface
}

func newArena(t *testing.T) *arena {
	t.Helper()
	a := &arena{
		t:      t,
		clock:  crypto.NewManualTimeProvider(time.Unix(1_700_000_000, 0)),
		net:    transport.NewNetwork(),
		server: NewServer(NewWorld()),
	}
	sock, err := a.net.Listen(serverAddr)
	require.NoError(t, err)
	a.ifc, err = netif.New(sock, netif.Options{
		TimeProvider:     a.clock,
		Classes:          a.server.Classes(),
		PuzzleDifficulty: 4,
	})
	require.NoError(t, err)
	return a
}

func (a *arena) join(name string) *Player {
	a.t.Helper()
	sock, err := a.net.Listen(netip.MustParseAddrPort("10.1.0.2:0"))
	require.NoError(a.t, err)
	ifc, err := netif.New(sock, netif.Options{TimeProvider: a.clock})
	require.NoError(a.t, err)
	a.clients = append(a.clients, ifc)

	p := NewClient(name)
	require.NoError(a.t, ifc.Connect(p.Connection(), serverAddr, false, false))
	return p
}

func (a *arena) run(d time.Duration) {
	const step = 10 * time.Millisecond
	for end := a.clock.Now().Add(d); a.clock.Now().Before(end); {
		a.clock.Advance(step)
		a.ifc.CheckIncomingPackets()
		a.server.Tick(step)
		a.ifc.ProcessConnections()
		for _, c := range a.clients {
			c.CheckIncomingPackets()
			c.ProcessConnections()
		}
	}
}

func TestShipsReplicateToClients(t *testing.T) {
	a := newArena(t)
	alice := a.join("alice")
	a.run(2 * time.Second)
	require.Equal(t, connection.Connected, alice.Connection().State())
	require.Len(t, a.server.Players(), 1)

	bob := a.join("bob")
	a.run(2 * time.Second)
	require.Len(t, a.server.Players(), 2)

	for _, p := range []*Player{alice, bob} {
		names := []string{}
		for _, s := range p.Replicas() {
			names = append(names, s.Name)
			assert.True(t, s.IsGhost())
		}
		assert.Equal(t, []string{"alice", "bob"}, names, "%s view", p.Name)
	}

	src := a.server.Players()[0].Ship()
	replica := bob.Replica("alice")
	require.NotNil(t, replica)
	assert.Equal(t, src.Position, replica.Position)
}

func TestSteerMovesShip(t *testing.T) {
	a := newArena(t)
	alice := a.join("alice")
	a.run(2 * time.Second)
	ship := a.server.Players()[0].Ship()
	start := ship.Position

	require.NoError(t, alice.Steer(bitstream.Point3F{X: 50}))
	a.run(time.Second)
	assert.InDelta(t, 50, ship.Velocity.X, 0.01)
	assert.Greater(t, ship.Position.X, start.X)

	a.run(500 * time.Millisecond)
	replica := alice.Replica("alice")
	require.NotNil(t, replica)
	assert.InDelta(t, ship.Position.X, replica.Position.X, 15, "replica trails the source by at most a few packets")
	assert.InDelta(t, 50, replica.Velocity.X, 0.01)
}

func TestSteerIsClamped(t *testing.T) {
	assert.Equal(t, float32(1), unit(5*maxSpeed))
	assert.Equal(t, float32(-1), unit(-5*maxSpeed))
	assert.Equal(t, float32(0.5), unit(maxSpeed/2))
}

func TestChatIsRelayed(t *testing.T) {
	a := newArena(t)
	alice := a.join("alice")
	bob := a.join("bob")
	var heard []string
	bob.OnChat = func(from, text string) { heard = append(heard, from+": "+text) }
	a.run(2 * time.Second)

	require.NoError(t, alice.Say("hello"))
	require.NoError(t, alice.Say("anyone?"))
	a.run(time.Second)

	want := []ChatLine{{From: "alice", Text: "hello"}, {From: "alice", Text: "anyone?"}}
	assert.Equal(t, want, alice.Chat())
	assert.Equal(t, want, bob.Chat())
	assert.Equal(t, []string{"alice: hello", "alice: anyone?"}, heard)
}

func TestDuplicateNameRejected(t *testing.T) {
	a := newArena(t)
	a.join("alice")
	a.run(2 * time.Second)

	imposter := a.join("ALICE")
	a.run(time.Second)
	assert.True(t, imposter.Ended)
	assert.Equal(t, connection.ReasonRejectedByApp, imposter.EndReason)
	assert.Contains(t, imposter.EndText, "taken")
	assert.Len(t, a.server.Players(), 1)
}

func TestServerFull(t *testing.T) {
	a := newArena(t)
	a.server.MaxPlayers = 1
	a.join("alice")
	a.run(2 * time.Second)

	late := a.join("bob")
	a.run(time.Second)
	assert.Equal(t, connection.ConnectRejected, late.Connection().State())
	assert.Equal(t, "server full", late.EndText)
}

func TestEmptyNameRejected(t *testing.T) {
	a := newArena(t)
	p := a.join("   ")
	a.run(time.Second)
	assert.Equal(t, connection.ConnectRejected, p.Connection().State())
	assert.Equal(t, "invalid player name", p.EndText)
}

func TestLeavingPlayerDisappears(t *testing.T) {
	a := newArena(t)
	alice := a.join("alice")
	bob := a.join("bob")
	a.run(2 * time.Second)
	require.NotNil(t, alice.Replica("bob"))

	bob.Connection().Disconnect(connection.ReasonSelfDisconnect, "gone fishing")
	a.run(time.Second)

	assert.Len(t, a.server.Players(), 1)
	assert.Len(t, a.server.World.Ships(), 1)
	assert.Nil(t, alice.Replica("bob"))
	assert.NotNil(t, alice.Replica("alice"))
	assert.True(t, bob.Ended)
}

func TestConfigureRunsOnIncomingConnections(t *testing.T) {
	a := newArena(t)
	configured := 0
	a.server.Configure = func(c *connection.Connection) {
		configured++
		c.SetAdaptive()
	}
	var err error
	a.ifc, err = netif.New(mustListen(t, a.net, "10.1.0.1:28001"), netif.Options{
		TimeProvider:     a.clock,
		Classes:          a.server.Classes(),
		PuzzleDifficulty: 4,
	})
	require.NoError(t, err)

	sock := mustListen(t, a.net, "10.1.0.3:0")
	ifc, err := netif.New(sock, netif.Options{TimeProvider: a.clock})
	require.NoError(t, err)
	a.clients = append(a.clients, ifc)
	p := NewClient("carol")
	require.NoError(t, ifc.Connect(p.Connection(), netip.MustParseAddrPort("10.1.0.1:28001"), false, false))
	a.run(2 * time.Second)

	assert.Equal(t, 1, configured)
	require.Len(t, a.server.Players(), 1)
	assert.True(t, a.server.Players()[0].Connection().IsAdaptive())
}

func mustListen(t *testing.T, n *transport.Network, addr string) *transport.LoopbackSocket {
	t.Helper()
	s, err := n.Listen(netip.MustParseAddrPort(addr))
	require.NoError(t, err)
	return s
}

func TestScopeRadius(t *testing.T) {
	w := NewWorld()
	near := w.Spawn("near", bitstream.Point3F{X: 10})
	far := w.Spawn("far", bitstream.Point3F{X: 2 * DefaultScopeRadius})
	scoped := w.inScope(bitstream.Point3F{})
	assert.Contains(t, scoped, near)
	assert.NotContains(t, scoped, far)

	w.Remove(far)
	assert.Equal(t, []*Ship{near}, w.Ships())
}

func TestShipPriority(t *testing.T) {
	w := NewWorld()
	me := w.Spawn("me", bitstream.Point3F{})
	nearby := w.Spawn("nearby", bitstream.Point3F{X: 10})
	distant := w.Spawn("distant", bitstream.Point3F{X: 400})

	assert.Equal(t, float32(10), me.UpdatePriority(me, 0, 0))
	assert.Greater(t, nearby.UpdatePriority(me, 0, 0), distant.UpdatePriority(me, 0, 0))
	assert.Greater(t, distant.UpdatePriority(me, 0, 20), distant.UpdatePriority(me, 0, 0))
}

func TestWorldTickMovesOnlyMovingShips(t *testing.T) {
	w := NewWorld()
	still := w.Spawn("still", bitstream.Point3F{X: 1})
	moving := w.Spawn("moving", bitstream.Point3F{})
	moving.Velocity = bitstream.Point3F{Y: 10}
	w.Tick(500 * time.Millisecond)
	assert.Equal(t, bitstream.Point3F{X: 1}, still.Position)
	assert.Equal(t, bitstream.Point3F{Y: 5}, moving.Position)
}
