package demo

import (
	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/event"
	"github.com/opd-ai/ghostlink/ghost"
	"github.com/opd-ai/ghostlink/registry"
	"github.com/sirupsen/logrus"
)

// Event class names.
const (
	ChatClass  = "ghostlink.Chat"
	SteerClass = "ghostlink.Steer"
)

// maxSpeed bounds the velocity a client may request.
const maxSpeed = 200

// Chat is a line of text. Clients send it to the server, which relays it
// to every player with From filled in.
type Chat struct {
	From string
	Text string
}

func (*Chat) ClassName() string          { return ChatClass }
func (*Chat) Guarantee() event.Guarantee { return event.GuaranteedOrdered }

func (e *Chat) Pack(_ *connection.Connection, bs *bitstream.BitStream) {
	bs.WriteString(e.From)
	bs.WriteString(e.Text)
}

func (e *Chat) Unpack(_ *connection.Connection, bs *bitstream.BitStream) error {
	e.From = bs.ReadString()
	e.Text = bs.ReadString()
	return nil
}

func (e *Chat) Process(c *connection.Connection) {
	p, ok := c.Handler().(*Player)
	if !ok {
		return
	}
	if p.server != nil {
		p.server.Broadcast(p.Name, e.Text)
		return
	}
	p.chat = append(p.chat, ChatLine{From: e.From, Text: e.Text})
	if p.OnChat != nil {
		p.OnChat(e.From, e.Text)
	}
}

// Steer sets the velocity of the sender's ship. It is sent unguaranteed;
// a lost steer is superseded by the next one.
type Steer struct {
	Velocity bitstream.Point3F
}

func (*Steer) ClassName() string          { return SteerClass }
func (*Steer) Guarantee() event.Guarantee { return event.Unguaranteed }
func (*Steer) Direction() event.Direction { return event.DirClientToServer }

func (e *Steer) Pack(_ *connection.Connection, bs *bitstream.BitStream) {
	bs.WriteSignedFloat(unit(e.Velocity.X), 16)
	bs.WriteSignedFloat(unit(e.Velocity.Y), 16)
	bs.WriteSignedFloat(unit(e.Velocity.Z), 16)
}

func (e *Steer) Unpack(_ *connection.Connection, bs *bitstream.BitStream) error {
	e.Velocity = bitstream.Point3F{
		X: bs.ReadSignedFloat(16) * maxSpeed,
		Y: bs.ReadSignedFloat(16) * maxSpeed,
		Z: bs.ReadSignedFloat(16) * maxSpeed,
	}
	return nil
}

func (e *Steer) Process(c *connection.Connection) {
	p, ok := c.Handler().(*Player)
	if !ok || p.ship == nil {
		return
	}
	p.ship.Velocity = e.Velocity
	p.ship.SetMaskBits(PositionMask)
	logrus.WithFields(logrus.Fields{
		"function": "Steer.Process",
		"player":   p.Name,
	}).Debug("Ship steered")
}

// unit scales a speed component into [-1, 1].
func unit(v float32) float32 {
	return max(-1, min(1, v/maxSpeed))
}

// EventRegistry returns the event classes both peers must agree on.
func EventRegistry() *registry.Registry[event.Event] {
	reg := event.NewRegistry("ghostlink.demo")
	ghost.RegisterEvents(reg)
	reg.MustRegister(ChatClass, 0, func() event.Event { return &Chat{} })
	reg.MustRegister(SteerClass, 0, func() event.Event { return &Steer{} })
	return reg
}

// ObjectRegistry returns the replicated object classes.
func ObjectRegistry() *registry.Registry[ghost.NetObject] {
	reg := registry.New[ghost.NetObject]("ghostlink.demo")
	reg.MustRegister(ShipClass, 0, func() ghost.NetObject { return &Ship{} })
	return reg
}
