package linksim

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/crypto"
	"github.com/sirupsen/logrus"
)

// DeliveryRecord is one datagram that crossed, or failed to cross, the link.
type DeliveryRecord struct {
	From      netip.AddrPort
	Size      int
	Timestamp time.Time
	Delivered bool
	Error     error
}

type datagram struct {
	data    []byte
	release time.Time
}

// Endpoint is one side of a Link. It is the connection.Owner of its
// connection.
type Endpoint struct {
	Conn *connection.Connection

	link   *Link
	peer   *Endpoint
	outbox []datagram

	// Reason is set when the connection was disconnected through the owner.
	Reason    connection.TerminationReason
	ReasonMsg string
}

// Link joins two connections directly, without sockets or a dispatcher.
// Datagrams queue in the sender's outbox until the test delivers or drops
// them, which makes loss and reordering scenarios deterministic.
type Link struct {
	Clock *crypto.ManualTimeProvider
	A, B  *Endpoint

	mu          sync.RWMutex
	deliveryLog []DeliveryRecord
}

// New links a and b. Both connections get loopback addresses and each
// other's initial sequence numbers; a is the initiator.
func New(clock *crypto.ManualTimeProvider, a, b *connection.Connection) *Link {
	if clock == nil {
		clock = crypto.NewManualTimeProvider(time.Unix(1_000_000, 0))
	}
	l := &Link{Clock: clock}
	l.A = &Endpoint{Conn: a, link: l}
	l.B = &Endpoint{Conn: b, link: l}
	l.A.peer, l.B.peer = l.B, l.A

	a.SetOwner(l.A)
	b.SetOwner(l.B)
	a.SetAddress(netip.MustParseAddrPort("127.0.0.1:28000"))
	b.SetAddress(netip.MustParseAddrPort("127.0.0.1:28001"))
	a.SetInitialRecvSequence(b.InitialSendSequence())
	b.SetInitialRecvSequence(a.InitialSendSequence())
	a.Params().IsInitiator = true

	logrus.WithFields(logrus.Fields{
		"function": "linksim.New",
		"a":        a.ClassName(),
		"b":        b.ClassName(),
	}).Debug("Linked connections")
	return l
}

// Establish marks both sides connected and runs their establishment hooks.
func (l *Link) Establish() {
	l.A.Conn.Establish()
	l.B.Conn.Establish()
}

// Exchange lets both sides send one packet and delivers everything queued,
// first A to B then B to A.
func (l *Link) Exchange() error {
	l.A.Conn.CheckPacketSend(true)
	l.B.Conn.CheckPacketSend(true)
	if err := l.A.Flush(); err != nil {
		return err
	}
	return l.B.Flush()
}

// Now implements connection.Owner.
func (e *Endpoint) Now() time.Time { return e.link.Clock.Now() }

// SendTo implements connection.Owner by queueing data in the outbox.
func (e *Endpoint) SendTo(_ netip.AddrPort, data []byte) error {
	e.outbox = append(e.outbox, datagram{data: data})
	return nil
}

// SendToDelayed implements connection.Owner. The datagram is held until the
// link clock reaches its release time.
func (e *Endpoint) SendToDelayed(_ netip.AddrPort, data []byte, delay time.Duration) {
	e.outbox = append(e.outbox, datagram{data: data, release: e.Now().Add(delay)})
}

// Disconnect implements connection.Owner.
func (e *Endpoint) Disconnect(c *connection.Connection, reason connection.TerminationReason, msg string) {
	e.Reason = reason
	e.ReasonMsg = msg
	c.SetState(connection.Disconnected)
	c.Close()
}

// Pending returns the number of datagrams waiting in the outbox.
func (e *Endpoint) Pending() int { return len(e.outbox) }

// Send asks the connection to compose a packet, ignoring its rate limit.
func (e *Endpoint) Send() {
	e.Conn.CheckPacketSend(true)
}

// Flush delivers every released datagram to the peer in order.
func (e *Endpoint) Flush() error {
	now := e.Now()
	var held []datagram
	var firstErr error
	for _, d := range e.outbox {
		if !d.release.IsZero() && d.release.After(now) {
			held = append(held, d)
			continue
		}
		if err := e.deliver(d.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.outbox = held
	return firstErr
}

// DeliverOnly delivers the outbox datagrams at the given indices, in the
// order given, and drops the rest.
func (e *Endpoint) DeliverOnly(indices ...int) error {
	out := e.outbox
	e.outbox = nil
	keep := make(map[int]bool, len(indices))
	for _, i := range indices {
		keep[i] = true
	}
	for i, d := range out {
		if !keep[i] {
			e.link.record(e.Conn.Address(), len(d.data), false, nil)
		}
	}
	for _, i := range indices {
		if i < 0 || i >= len(out) {
			continue
		}
		if err := e.deliver(out[i].data); err != nil {
			return err
		}
	}
	return nil
}

// DropAll discards the outbox.
func (e *Endpoint) DropAll() {
	for _, d := range e.outbox {
		e.link.record(e.Conn.Address(), len(d.data), false, nil)
	}
	e.outbox = nil
}

// deliver hands data to the peer. Datagram errors are logged and swallowed
// the way a dispatcher would; other errors are returned.
func (e *Endpoint) deliver(data []byte) error {
	err := e.peer.Conn.ProcessPacket(bitstream.NewReader(data))
	switch {
	case err == nil:
		e.link.record(e.Conn.Address(), len(data), true, nil)
		return nil
	case connection.IsDatagramError(err), errors.Is(err, connection.ErrClosed):
		e.link.record(e.Conn.Address(), len(data), false, err)
		logrus.WithFields(logrus.Fields{
			"function": "linksim.deliver",
			"from":     e.Conn.Address().String(),
			"error":    err.Error(),
		}).Debug("Datagram discarded")
		return nil
	default:
		e.link.record(e.Conn.Address(), len(data), false, err)
		return err
	}
}

func (l *Link) record(from netip.AddrPort, size int, delivered bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliveryLog = append(l.deliveryLog, DeliveryRecord{
		From:      from,
		Size:      size,
		Timestamp: l.Clock.Now(),
		Delivered: delivered,
		Error:     err,
	})
}

// DeliveryLog returns a copy of every delivery attempt so far.
func (l *Link) DeliveryLog() []DeliveryRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]DeliveryRecord, len(l.deliveryLog))
	copy(out, l.deliveryLog)
	return out
}

// Stats counts delivered and dropped datagrams.
func (l *Link) Stats() (delivered, dropped int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.deliveryLog {
		if r.Delivered {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
