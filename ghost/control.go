package ghost

import (
	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/event"
	"github.com/opd-ai/ghostlink/registry"
	"github.com/sirupsen/logrus"
)

// Class names of the ghosting control events.
const (
	StartGhostingClass        = "ghostlink.StartGhosting"
	ReadyForNormalGhostsClass = "ghostlink.ReadyForNormalGhosts"
	EndGhostingClass          = "ghostlink.EndGhosting"
)

// RegisterEvents adds the ghosting control events to an event registry.
// Both peers must register them at the same point of their tables.
func RegisterEvents(reg *registry.Registry[event.Event]) {
	reg.MustRegister(StartGhostingClass, 0, func() event.Event { return &startGhosting{} })
	reg.MustRegister(ReadyForNormalGhostsClass, 0, func() event.Event { return &readyForNormalGhosts{} })
	reg.MustRegister(EndGhostingClass, 0, func() event.Event { return &endGhosting{} })
}

// startGhosting tells the receiving side that ghosts are about to arrive.
type startGhosting struct {
	seq uint32
}

func (*startGhosting) ClassName() string          { return StartGhostingClass }
func (*startGhosting) Guarantee() event.Guarantee { return event.GuaranteedOrdered }

func (e *startGhosting) Pack(_ *connection.Connection, bs *bitstream.BitStream) {
	bs.WriteUint32(e.seq)
}

func (e *startGhosting) Unpack(_ *connection.Connection, bs *bitstream.BitStream) error {
	e.seq = bs.ReadUint32()
	return nil
}

func (e *startGhosting) Process(c *connection.Connection) {
	m := ManagerOf(c)
	if m == nil || !m.ghostTo {
		logrus.WithFields(logrus.Fields{
			"function": "startGhosting.Process",
			"address":  c.Address().String(),
		}).Warn("Peer started ghosting but this side does not accept ghosts")
		return
	}
	if l := m.listener(); l != nil {
		l.OnStartGhosting(m)
	}
	if ch := event.ChannelOf(c); ch != nil {
		if err := ch.Post(&readyForNormalGhosts{seq: e.seq}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "startGhosting.Process",
				"address":  c.Address().String(),
				"error":    err.Error(),
			}).Error("Failed to confirm ghosting")
		}
	}
}

// readyForNormalGhosts confirms a startGhosting with the same sequence.
type readyForNormalGhosts struct {
	seq uint32
}

func (*readyForNormalGhosts) ClassName() string          { return ReadyForNormalGhostsClass }
func (*readyForNormalGhosts) Guarantee() event.Guarantee { return event.GuaranteedOrdered }

func (e *readyForNormalGhosts) Pack(_ *connection.Connection, bs *bitstream.BitStream) {
	bs.WriteUint32(e.seq)
}

func (e *readyForNormalGhosts) Unpack(_ *connection.Connection, bs *bitstream.BitStream) error {
	e.seq = bs.ReadUint32()
	return nil
}

func (e *readyForNormalGhosts) Process(c *connection.Connection) {
	m := ManagerOf(c)
	if m == nil || !m.ghostFrom {
		return
	}
	// a confirmation for an older activation is stale
	if e.seq != m.ghostingSeq {
		return
	}
	m.ghosting = true
	logrus.WithFields(logrus.Fields{
		"function": "readyForNormalGhosts.Process",
		"address":  c.Address().String(),
		"sequence": e.seq,
	}).Debug("Peer ready for ghosts")
}

// endGhosting tells the receiving side to delete every ghost.
type endGhosting struct{}

func (*endGhosting) ClassName() string                                         { return EndGhostingClass }
func (*endGhosting) Guarantee() event.Guarantee                                { return event.GuaranteedOrdered }
func (*endGhosting) Pack(*connection.Connection, *bitstream.BitStream)         {}
func (*endGhosting) Unpack(*connection.Connection, *bitstream.BitStream) error { return nil }

func (*endGhosting) Process(c *connection.Connection) {
	m := ManagerOf(c)
	if m == nil || !m.ghostTo {
		return
	}
	m.deleteLocalGhosts()
	if l := m.listener(); l != nil {
		l.OnEndGhosting(m)
	}
}
