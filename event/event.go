package event

import (
	"errors"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/registry"
)

var (
	// ErrPacketTooBig is recorded when a single event cannot fit in an empty
	// packet. The event is dropped and reported undelivered.
	ErrPacketTooBig = errors.New("event too big to send")
	// ErrUnsupportedEvent is returned when posting a class the peer did not
	// agree to during the handshake.
	ErrUnsupportedEvent = errors.New("event class not negotiated")
	// ErrWrongDirection is returned when an event travels in a direction its
	// class forbids.
	ErrWrongDirection = errors.New("event sent in wrong direction")
	// ErrInvalidEvent is returned when a received event cannot be decoded.
	ErrInvalidEvent = errors.New("invalid event")
)

// Guarantee selects how an event is delivered.
type Guarantee int

const (
	// Unguaranteed events are sent once and reported undelivered if the
	// packet is lost.
	Unguaranteed Guarantee = iota
	// Guaranteed events are resent until acknowledged, in no particular order.
	Guaranteed
	// GuaranteedOrdered events are resent until acknowledged and processed
	// in post order.
	GuaranteedOrdered
	// GuaranteedOrderedFragmented events are packed once, split into parts
	// and delivered like GuaranteedOrdered events. Use it for payloads that
	// do not fit in one packet.
	GuaranteedOrderedFragmented
)

func (g Guarantee) String() string {
	switch g {
	case Unguaranteed:
		return "unguaranteed"
	case Guaranteed:
		return "guaranteed"
	case GuaranteedOrdered:
		return "guaranteed-ordered"
	case GuaranteedOrderedFragmented:
		return "guaranteed-ordered-fragmented"
	default:
		return "unknown"
	}
}

// Direction restricts which side of a connection may send an event.
type Direction int

const (
	DirAny Direction = iota
	DirServerToClient
	DirClientToServer
)

// Event is a discrete message delivered over a Channel. Implementations are
// created through the channel's registry on the receiving side, so
// ClassName must match the registered name.
type Event interface {
	ClassName() string
	Guarantee() Guarantee
	Pack(c *connection.Connection, bs *bitstream.BitStream)
	Unpack(c *connection.Connection, bs *bitstream.BitStream) error
	Process(c *connection.Connection)
}

// Notifier is implemented by events that want to follow their delivery.
type Notifier interface {
	NotifyPosted(c *connection.Connection)
	NotifySent(c *connection.Connection)
	// NotifyDelivered runs exactly once per posted event.
	NotifyDelivered(c *connection.Connection, delivered bool)
}

// Directed is implemented by events that may only travel one way.
type Directed interface {
	Direction() Direction
}

// NotifyBase implements Notifier with no-ops.
type NotifyBase struct{}

func (NotifyBase) NotifyPosted(*connection.Connection)          {}
func (NotifyBase) NotifySent(*connection.Connection)            {}
func (NotifyBase) NotifyDelivered(*connection.Connection, bool) {}

const fragmentClassName = "ghostlink.FragmentEvent"

// NewRegistry returns an event registry for group with the channel's
// internal classes already registered. Register application events after
// calling it, in the same order on every peer.
func NewRegistry(group string) *registry.Registry[Event] {
	reg := registry.New[Event](group)
	reg.MustRegister(fragmentClassName, 0, func() Event { return &fragmentEvent{} })
	return reg
}

const (
	fragmentMore uint8 = iota
	fragmentLast
	// fragmentSkip holds the sequence slot of an ordered event that was
	// dropped for being too big.
	fragmentSkip
)

// fragmentPartSize is the payload of every fragment except the last.
const fragmentPartSize = 512

// fragmentEvent carries one part of a fragmented event. The last part of a
// fragmented post holds the original event so its delivery is reported.
type fragmentEvent struct {
	kind   uint8
	data   []byte
	origin Event
}

func (e *fragmentEvent) ClassName() string    { return fragmentClassName }
func (e *fragmentEvent) Guarantee() Guarantee { return GuaranteedOrdered }

func (e *fragmentEvent) Pack(_ *connection.Connection, bs *bitstream.BitStream) {
	bs.WriteUint8(e.kind)
	if e.kind != fragmentSkip {
		_ = bs.WriteByteBuffer(e.data)
	}
}

func (e *fragmentEvent) Unpack(_ *connection.Connection, bs *bitstream.BitStream) error {
	e.kind = bs.ReadUint8()
	if e.kind > fragmentSkip {
		return ErrInvalidEvent
	}
	if e.kind != fragmentSkip {
		e.data = bs.ReadByteBuffer()
	}
	return nil
}

// Process is handled by the channel, which owns the reassembly buffer.
func (e *fragmentEvent) Process(*connection.Connection) {}

func (e *fragmentEvent) NotifyPosted(*connection.Connection) {}

func (e *fragmentEvent) NotifySent(c *connection.Connection) {
	if n, ok := e.origin.(Notifier); ok {
		n.NotifySent(c)
	}
}

func (e *fragmentEvent) NotifyDelivered(c *connection.Connection, delivered bool) {
	if n, ok := e.origin.(Notifier); ok {
		n.NotifyDelivered(c, delivered)
	}
}
