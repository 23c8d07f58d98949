package demo

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/event"
	"github.com/opd-ai/ghostlink/ghost"
	"github.com/opd-ai/ghostlink/registry"
	"github.com/sirupsen/logrus"
)

// ConnectionClass is the connection class clients ask the server for.
const ConnectionClass = "ghostlink.Player"

// MaxNameLength bounds player names.
const MaxNameLength = 32

// ChatLine is one received chat message.
type ChatLine struct {
	From string
	Text string
}

// Player is one end of a game connection. The server creates one per
// client through Server.Classes; a client creates its own with NewClient.
type Player struct {
	connection.BaseHandler
	Name string
	// OnChat, when set, is called for every chat line a client receives.
	OnChat func(from, text string)

	conn   *connection.Connection
	events *event.Channel
	ghosts *ghost.Manager

	server   *Server
	ship     *Ship
	replicas map[*Ship]struct{}
	chat     []ChatLine

	// Ended and EndReason describe how the connection ended.
	Ended     bool
	EndReason connection.TerminationReason
	EndText   string
}

func newPlayer(name string, server *Server) *Player {
	p := &Player{
		Name:     name,
		server:   server,
		replicas: make(map[*Ship]struct{}),
	}
	p.conn = connection.New(ConnectionClass, p)
	p.events = event.NewChannel(p.conn, EventRegistry())
	p.ghosts = ghost.NewManager(p.conn, ObjectRegistry())
	if server != nil {
		p.ghosts.SetGhostFrom(true)
	} else {
		p.ghosts.SetGhostTo(true)
	}
	return p
}

// NewClient returns a client player. Pass Connection to netif Connect.
func NewClient(name string) *Player {
	return newPlayer(name, nil)
}

// Connection returns the player's connection.
func (p *Player) Connection() *connection.Connection { return p.conn }

// Ghosts returns the player's ghost manager.
func (p *Player) Ghosts() *ghost.Manager { return p.ghosts }

// Ship returns the server side ship of a joined player.
func (p *Player) Ship() *Ship { return p.ship }

// Say posts a chat line to the server.
func (p *Player) Say(text string) error {
	return p.events.Post(&Chat{Text: text})
}

// Steer asks the server to set the player's velocity.
func (p *Player) Steer(v bitstream.Point3F) error {
	return p.events.Post(&Steer{Velocity: v})
}

// Chat returns the chat lines received so far.
func (p *Player) Chat() []ChatLine { return p.chat }

// Replicas returns the ships this client currently sees, sorted by name.
func (p *Player) Replicas() []*Ship {
	out := make([]*Ship, 0, len(p.replicas))
	for s := range p.replicas {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Ship) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Replica returns the replica of the named ship, or nil.
func (p *Player) Replica(name string) *Ship {
	for s := range p.replicas {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (p *Player) WriteConnectRequest(_ *connection.Connection, bs *bitstream.BitStream) {
	bs.WriteString(p.Name)
}

func (p *Player) ReadConnectRequest(_ *connection.Connection, bs *bitstream.BitStream) error {
	name := strings.TrimSpace(bs.ReadString())
	if name == "" || len(name) > MaxNameLength {
		return connection.Reject(connection.ReasonRejectedByApp, "invalid player name")
	}
	if p.server == nil {
		return nil
	}
	if err := p.server.admit(name); err != nil {
		return err
	}
	p.Name = name
	return nil
}

func (p *Player) OnConnectionEstablished(c *connection.Connection) {
	logrus.WithFields(logrus.Fields{
		"function": "OnConnectionEstablished",
		"player":   p.Name,
		"address":  c.Address().String(),
	}).Info("Player connected")
	if p.server != nil {
		p.server.join(p)
	}
}

func (p *Player) OnConnectionTerminated(c *connection.Connection, reason connection.TerminationReason, msg string) {
	p.end(reason, msg)
	logrus.WithFields(logrus.Fields{
		"function": "OnConnectionTerminated",
		"player":   p.Name,
		"reason":   reason.String(),
		"message":  msg,
	}).Info("Player disconnected")
	if p.server != nil {
		p.server.leave(p)
	}
}

func (p *Player) OnConnectTerminated(_ *connection.Connection, reason connection.TerminationReason, msg string) {
	p.end(reason, msg)
	logrus.WithFields(logrus.Fields{
		"function": "OnConnectTerminated",
		"player":   p.Name,
		"reason":   reason.String(),
		"message":  msg,
	}).Warn("Connection attempt failed")
}

func (p *Player) end(reason connection.TerminationReason, msg string) {
	p.Ended = true
	p.EndReason = reason
	p.EndText = msg
}

// Server tracks the players of a World.
type Server struct {
	World *World
	// MaxPlayers caps concurrent players; zero means no cap.
	MaxPlayers int
	// Configure, when set, runs on every incoming connection before the
	// handshake completes.
	Configure func(*connection.Connection)

	players []*Player
	spawned int
}

// NewServer returns a server for world.
func NewServer(world *World) *Server {
	return &Server{World: world}
}

// Classes returns the connection classes to hand to netif.
func (s *Server) Classes() *registry.Registry[*connection.Connection] {
	classes := registry.New[*connection.Connection]("ghostlink.demo")
	classes.MustRegister(ConnectionClass, 0, func() *connection.Connection {
		c := newPlayer("", s).conn
		if s.Configure != nil {
			s.Configure(c)
		}
		return c
	})
	return classes
}

// Players returns the joined players.
func (s *Server) Players() []*Player { return s.players }

// Tick advances the world.
func (s *Server) Tick(dt time.Duration) {
	s.World.Tick(dt)
}

// Broadcast relays a chat line to every player.
func (s *Server) Broadcast(from, text string) {
	for _, p := range s.players {
		if err := p.events.Post(&Chat{From: from, Text: text}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Broadcast",
				"player":   p.Name,
				"error":    err.Error(),
			}).Warn("Failed to relay chat")
		}
	}
}

func (s *Server) admit(name string) error {
	if s.MaxPlayers > 0 && len(s.players) >= s.MaxPlayers {
		return connection.Reject(connection.ReasonRejectedByApp, "server full")
	}
	for _, p := range s.players {
		if strings.EqualFold(p.Name, name) {
			return connection.Reject(connection.ReasonRejectedByApp, "name %q taken", name)
		}
	}
	return nil
}

// join spawns the player's ship on a ring around the origin and starts
// ghosting the player's surroundings.
func (s *Server) join(p *Player) {
	angle := float64(s.spawned) * 2.399963 // golden angle
	s.spawned++
	pos := bitstream.Point3F{
		X: float32(100 * math.Cos(angle)),
		Y: float32(100 * math.Sin(angle)),
	}
	p.ship = s.World.Spawn(p.Name, pos)
	p.ship.SetMaskBits(InitialMask)
	s.players = append(s.players, p)

	p.ghosts.SetScopeObject(p.ship)
	if err := p.ghosts.ActivateGhosting(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "join",
			"player":   p.Name,
			"error":    err.Error(),
		}).Error("Failed to start ghosting")
	}
}

func (s *Server) leave(p *Player) {
	if i := slices.Index(s.players, p); i >= 0 {
		s.players = slices.Delete(s.players, i, i+1)
	}
	if p.ship != nil {
		s.World.Remove(p.ship)
		p.ship = nil
	}
}
