package event

import (
	"fmt"
	"slices"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/limits"
	"github.com/opd-ai/ghostlink/registry"
	"github.com/sirupsen/logrus"
)

const (
	// orderedWindow is how far past the last acknowledged ordered event
	// new ones may be sent. The 7-bit wire sequence stays unambiguous
	// inside it.
	orderedWindow = 126
	seqWireBits   = 7
	seqWireMask   = 1<<seqWireBits - 1

	debugChecksum      = 0xF00DBAAD
	debugSizeFieldBits = 16
)

// note is one queued or in-flight event.
type note struct {
	ev  Event
	seq int // -1 for unordered events
}

func (n *note) ordered() bool { return n.seq >= 0 }

// Channel is a connection layer that delivers events. Unordered events are
// packed first, then ordered events, each section ended by a false flag.
type Channel struct {
	conn *connection.Connection
	reg  *registry.Registry[Event]

	classCount uint32

	unordered []*note
	ordered   []*note // sorted by seq
	acked     []*note // ordered events acked ahead of a gap, sorted by seq
	waiting   []*note // received ordered events, sorted by seq

	nextSendSeq  int
	nextRecvSeq  int
	lastAckedSeq int

	fragments   []byte
	stopPacking bool
	lastTooBig  error
}

// NewChannel creates a channel and registers it as a layer of conn. The
// channel must be the first layer that writes records.
func NewChannel(conn *connection.Connection, reg *registry.Registry[Event]) *Channel {
	ch := &Channel{
		conn:         conn,
		reg:          reg,
		classCount:   reg.Count(),
		lastAckedSeq: -1,
	}
	conn.AddLayer(ch)
	return ch
}

// ChannelOf returns the event channel registered on conn, or nil.
func ChannelOf(conn *connection.Connection) *Channel {
	for _, l := range conn.Layers() {
		if ch, ok := l.(*Channel); ok {
			return ch
		}
	}
	return nil
}

// Connection returns the connection the channel is bound to.
func (ch *Channel) Connection() *connection.Connection { return ch.conn }

// ClassCount returns the number of event classes both peers agreed on.
func (ch *Channel) ClassCount() uint32 { return ch.classCount }

// Err returns the last ErrPacketTooBig recorded while composing a packet.
func (ch *Channel) Err() error { return ch.lastTooBig }

// QueueLengths returns the number of unordered and ordered events waiting
// to be sent.
func (ch *Channel) QueueLengths() (unordered, ordered int) {
	return len(ch.unordered), len(ch.ordered)
}

func (ch *Channel) classID(ev Event) (uint32, error) {
	id, ok := ch.reg.ID(ev.ClassName())
	if !ok {
		return 0, fmt.Errorf("%s: %w", ev.ClassName(), registry.ErrUnknownClass)
	}
	return id, nil
}

// directionAllowed reports whether ev may travel from this side when
// sending is true, or arrive at this side otherwise.
func (ch *Channel) directionAllowed(ev Event, sending bool) bool {
	d, ok := ev.(Directed)
	if !ok || d.Direction() == DirAny || ch.conn.State() != connection.Connected {
		return true
	}
	isClient := ch.conn.IsConnectionToServer()
	if !sending {
		isClient = !isClient
	}
	switch d.Direction() {
	case DirClientToServer:
		return isClient
	case DirServerToClient:
		return !isClient
	}
	return true
}

// Post queues ev for delivery.
func (ch *Channel) Post(ev Event) error {
	id, err := ch.classID(ev)
	if err != nil {
		return err
	}
	if id >= ch.classCount && ch.conn.State() == connection.Connected {
		return fmt.Errorf("%s: %w", ev.ClassName(), ErrUnsupportedEvent)
	}
	if !ch.directionAllowed(ev, true) {
		return fmt.Errorf("%s: %w", ev.ClassName(), ErrWrongDirection)
	}

	if ev.Guarantee() == GuaranteedOrderedFragmented {
		return ch.postFragmented(ev, id)
	}
	if n, ok := ev.(Notifier); ok {
		n.NotifyPosted(ch.conn)
	}
	if ev.Guarantee() == GuaranteedOrdered {
		ch.ordered = append(ch.ordered, &note{ev: ev, seq: ch.nextSendSeq})
		ch.nextSendSeq++
		return nil
	}
	ch.unordered = append(ch.unordered, &note{ev: ev, seq: -1})
	return nil
}

// postFragmented packs ev once and queues it as ordered parts.
func (ch *Channel) postFragmented(ev Event, id uint32) error {
	scratch := bitstream.New(fragmentPartSize)
	registry.WriteClassID(scratch, id, ch.classCount)
	ev.Pack(ch.conn, scratch)
	size := scratch.BytePosition()
	if !scratch.IsValid() || size >= limits.MaxFragmentedEventSize {
		return fmt.Errorf("%s packs to %d bytes: %w", ev.ClassName(), size, ErrPacketTooBig)
	}
	if n, ok := ev.(Notifier); ok {
		n.NotifyPosted(ch.conn)
	}

	data := scratch.Buffer()[:size]
	for i := 0; i < size; i += fragmentPartSize {
		part := &fragmentEvent{kind: fragmentMore}
		end := i + fragmentPartSize
		if end >= size {
			end = size
			part.kind = fragmentLast
			part.origin = ev
		}
		part.data = append([]byte(nil), data[i:end]...)
		ch.ordered = append(ch.ordered, &note{ev: part, seq: ch.nextSendSeq})
		ch.nextSendSeq++
	}
	logrus.WithFields(logrus.Fields{
		"function": "postFragmented",
		"event":    ev.ClassName(),
		"bytes":    size,
	}).Debug("Fragmented event queued")
	return nil
}

// PrepareWritePacket implements connection.Layer.
func (ch *Channel) PrepareWritePacket() {}

// IsDataToTransmit implements connection.Layer.
func (ch *Channel) IsDataToTransmit() bool {
	return len(ch.unordered) > 0 || len(ch.ordered) > 0
}

func (ch *Channel) writeEvent(bs *bitstream.BitStream, ev Event) {
	debug := ch.conn.Params().DebugObjectSizes
	sizePos := bs.BitPosition()
	if debug {
		bs.AdvanceBitPosition(debugSizeFieldBits)
	}
	id, _ := ch.reg.ID(ev.ClassName())
	registry.WriteClassID(bs, id, ch.classCount)
	ev.Pack(ch.conn, bs)
	if debug {
		bs.WriteIntAt(uint32(bs.BitPosition()), debugSizeFieldBits, sizePos)
	}
}

func overrun(bs *bitstream.BitStream) bool {
	return !bs.IsValid() || bs.BitPosition() >= limits.PreferredPacketBits()
}

// handleOverrun decides what happens to a record that crossed the preferred
// packet size. It reports whether the record stays in the packet.
func (ch *Channel) handleOverrun(bs *bitstream.BitStream, ev Event, start int, first bool) bool {
	if !first {
		bs.SetBitPosition(start)
		bs.ClearError()
		return false
	}
	fields := logrus.Fields{
		"function": "WritePacket",
		"address":  ch.conn.Address().String(),
		"event":    ev.ClassName(),
		"bits":     bs.BitPosition() - start,
	}
	if bs.IsValid() && bs.BitPosition() < limits.AbsolutePacketBits() {
		// an oversized event alone in a packet still fits in a datagram
		logrus.WithFields(fields).Warn("Sending oversized event alone")
		ch.stopPacking = true
		return true
	}
	ch.lastTooBig = fmt.Errorf("%s: %w", ev.ClassName(), ErrPacketTooBig)
	logrus.WithFields(fields).Error("Event too big to send, dropping it")
	bs.SetBitPosition(start)
	bs.ClearError()
	return false
}

// WritePacket implements connection.Layer. The attachment is the slice of
// notes written to the packet.
func (ch *Channel) WritePacket(pkt *connection.OutgoingPacket) any {
	bs := pkt.Stream
	ch.stopPacking = false
	if ch.conn.Params().DebugObjectSizes {
		bs.WriteInt(debugChecksum, 32)
	}

	var sent []*note
	for len(ch.unordered) > 0 && !ch.stopPacking {
		if bs.IsFull() {
			break
		}
		n := ch.unordered[0]
		start := bs.BitPosition()
		bs.WriteFlag(true)
		ch.writeEvent(bs, n.ev)
		if overrun(bs) {
			first := pkt.Records == 0
			if !ch.handleOverrun(bs, n.ev, start, first) {
				if first {
					ch.unordered = ch.unordered[1:]
					ch.notifyDelivered(n, false)
				}
				break
			}
		}
		ch.unordered = ch.unordered[1:]
		sent = append(sent, n)
		pkt.Records++
	}
	bs.WriteFlag(false)

	prevSeq := -2
	for len(ch.ordered) > 0 && !ch.stopPacking {
		if bs.IsFull() {
			break
		}
		n := ch.ordered[0]
		if n.seq > ch.lastAckedSeq+orderedWindow {
			break
		}
		start := bs.BitPosition()
		bs.WriteFlag(true)
		if !bs.WriteFlag(n.seq == prevSeq+1) {
			bs.WriteInt(uint32(n.seq)&seqWireMask, seqWireBits)
		}
		ch.writeEvent(bs, n.ev)
		if overrun(bs) {
			first := pkt.Records == 0
			if !ch.handleOverrun(bs, n.ev, start, first) {
				if first {
					// keep the sequence slot so later ordered events are
					// not held back waiting for it
					ch.notifyDelivered(n, false)
					n.ev = &fragmentEvent{kind: fragmentSkip}
				}
				break
			}
		}
		prevSeq = n.seq
		ch.ordered = ch.ordered[1:]
		sent = append(sent, n)
		pkt.Records++
	}
	bs.WriteFlag(false)

	for _, n := range sent {
		if nt, ok := n.ev.(Notifier); ok {
			nt.NotifySent(ch.conn)
		}
	}
	if len(sent) == 0 {
		return nil
	}
	return sent
}

func (ch *Channel) notifyDelivered(n *note, delivered bool) {
	if nt, ok := n.ev.(Notifier); ok {
		nt.NotifyDelivered(ch.conn, delivered)
	}
}

func insertBySeq(list []*note, n *note) []*note {
	i, _ := slices.BinarySearchFunc(list, n.seq, func(e *note, seq int) int { return e.seq - seq })
	return slices.Insert(list, i, n)
}

// PacketReceived implements connection.Layer. Ordered events are reported
// delivered in sequence order.
func (ch *Channel) PacketReceived(attachment any) {
	sent, _ := attachment.([]*note)
	for _, n := range sent {
		if !n.ordered() {
			ch.notifyDelivered(n, true)
			continue
		}
		ch.acked = insertBySeq(ch.acked, n)
	}
	for len(ch.acked) > 0 && ch.acked[0].seq == ch.lastAckedSeq+1 {
		ch.lastAckedSeq++
		n := ch.acked[0]
		ch.acked = ch.acked[1:]
		ch.notifyDelivered(n, true)
	}
}

// PacketDropped implements connection.Layer. Guaranteed events go back to
// the front of their queue; unguaranteed ones are reported undelivered.
func (ch *Channel) PacketDropped(attachment any) {
	sent, _ := attachment.([]*note)
	var resend []*note
	for _, n := range sent {
		switch {
		case n.ordered():
			ch.ordered = insertBySeq(ch.ordered, n)
		case n.ev.Guarantee() == Guaranteed:
			resend = append(resend, n)
		default:
			ch.notifyDelivered(n, false)
		}
	}
	if len(resend) > 0 {
		ch.unordered = append(resend, ch.unordered...)
	}
}

// ConnectionClosed implements connection.Layer. Every event still queued is
// reported undelivered; events already acknowledged behind a gap count as
// delivered.
func (ch *Channel) ConnectionClosed() {
	for _, n := range ch.acked {
		ch.notifyDelivered(n, true)
	}
	for _, n := range ch.unordered {
		ch.notifyDelivered(n, false)
	}
	for _, n := range ch.ordered {
		ch.notifyDelivered(n, false)
	}
	ch.acked, ch.unordered, ch.ordered, ch.waiting = nil, nil, nil, nil
	ch.fragments = nil
}

// ReadPacket implements connection.Layer.
func (ch *Channel) ReadPacket(bs *bitstream.BitStream) error {
	if ch.conn.Params().DebugObjectSizes {
		if sum := bs.ReadInt(32); sum != debugChecksum {
			return fmt.Errorf("%w: bad debug checksum %#x", ErrInvalidEvent, sum)
		}
	}

	prevSeq := -2
	unorderedPhase := true
	for {
		bit := bs.ReadFlag()
		if unorderedPhase && !bit {
			unorderedPhase = false
			bit = bs.ReadFlag()
		}
		if !bit || !bs.IsValid() {
			break
		}

		seq := -1
		if !unorderedPhase {
			if bs.ReadFlag() {
				seq = (prevSeq + 1) & seqWireMask
			} else {
				seq = int(bs.ReadInt(seqWireBits))
			}
			prevSeq = seq
		}

		ev, err := ch.unpackEvent(bs)
		if err != nil {
			return err
		}
		if unorderedPhase {
			if err := ch.process(ev); err != nil {
				return err
			}
			continue
		}

		seq |= ch.nextRecvSeq &^ seqWireMask
		if seq < ch.nextRecvSeq {
			seq += seqWireMask + 1
		}
		ch.waiting = insertBySeq(ch.waiting, &note{ev: ev, seq: seq})
	}

	for len(ch.waiting) > 0 && ch.waiting[0].seq == ch.nextRecvSeq {
		ch.nextRecvSeq++
		n := ch.waiting[0]
		ch.waiting = ch.waiting[1:]
		if err := ch.process(n.ev); err != nil {
			return err
		}
	}
	return nil
}

func (ch *Channel) unpackEvent(bs *bitstream.BitStream) (Event, error) {
	debug := ch.conn.Params().DebugObjectSizes
	var end uint32
	if debug {
		end = bs.ReadInt(debugSizeFieldBits)
	}
	id, err := registry.ReadClassID(bs, ch.classCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev, err := ch.reg.Create(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !ch.directionAllowed(ev, false) {
		return nil, fmt.Errorf("%s: %w", ev.ClassName(), ErrWrongDirection)
	}
	if err := ev.Unpack(ch.conn, bs); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", ev.ClassName(), err)
	}
	if !bs.IsValid() {
		return nil, fmt.Errorf("%w: %s ran past packet end", connection.ErrMalformedPacket, ev.ClassName())
	}
	if debug && int(end) != bs.BitPosition()&(1<<debugSizeFieldBits-1) {
		return nil, fmt.Errorf("%w: %s unpack size mismatch", ErrInvalidEvent, ev.ClassName())
	}
	return ev, nil
}

// process runs a received event. Events arriving before the connection is
// established are discarded.
func (ch *Channel) process(ev Event) error {
	if f, ok := ev.(*fragmentEvent); ok {
		return ch.processFragment(f)
	}
	if ch.conn.State() != connection.Connected {
		return nil
	}
	ev.Process(ch.conn)
	return nil
}

func (ch *Channel) processFragment(f *fragmentEvent) error {
	switch f.kind {
	case fragmentSkip:
		return nil
	case fragmentMore:
		if len(ch.fragments) < limits.MaxFragmentedEventSize {
			ch.fragments = append(ch.fragments, f.data...)
		}
		return nil
	}

	if len(ch.fragments) < limits.MaxFragmentedEventSize {
		ch.fragments = append(ch.fragments, f.data...)
	}
	data := ch.fragments
	ch.fragments = nil
	if len(data) == 0 || len(data) >= limits.MaxFragmentedEventSize {
		logrus.WithFields(logrus.Fields{
			"function": "processFragment",
			"address":  ch.conn.Address().String(),
			"bytes":    len(data),
		}).Warn("Discarding fragmented event")
		return nil
	}

	bs := bitstream.NewReader(data)
	id, err := registry.ReadClassID(bs, ch.classCount)
	if err != nil {
		return fmt.Errorf("%w: fragmented: %v", ErrInvalidEvent, err)
	}
	ev, err := ch.reg.Create(id)
	if err != nil {
		return fmt.Errorf("%w: fragmented: %v", ErrInvalidEvent, err)
	}
	if !ch.directionAllowed(ev, false) {
		return fmt.Errorf("%s: %w", ev.ClassName(), ErrWrongDirection)
	}
	if err := ev.Unpack(ch.conn, bs); err != nil {
		return fmt.Errorf("unpack fragmented %s: %w", ev.ClassName(), err)
	}
	if !bs.IsValid() {
		return fmt.Errorf("%w: fragmented %s truncated", ErrInvalidEvent, ev.ClassName())
	}
	return ch.process(ev)
}

// ConnectionEstablished implements connection.EstablishedLayer.
func (ch *Channel) ConnectionEstablished() {
	logrus.WithFields(logrus.Fields{
		"function":    "ConnectionEstablished",
		"address":     ch.conn.Address().String(),
		"class_count": ch.classCount,
	}).Debug("Event channel ready")
}

// WriteConnectRequest implements connection.HandshakeLayer by offering the
// local event class count.
func (ch *Channel) WriteConnectRequest(bs *bitstream.BitStream) {
	bs.WriteUint32(ch.reg.Count())
}

// ReadConnectRequest settles on the smaller of both class counts. A peer
// with fewer classes is accepted only if its count ends on a version
// boundary of the local table.
func (ch *Channel) ReadConnectRequest(bs *bitstream.BitStream) error {
	remote := bs.ReadUint32()
	local := ch.reg.Count()
	if local <= remote {
		ch.classCount = local
		return nil
	}
	if !ch.reg.IsVersionBorderCount(remote) {
		return connection.Reject(connection.ReasonIncompatibleRPCCounts,
			"peer offers %d event classes, local table has %d", remote, local)
	}
	ch.classCount = remote
	return nil
}

// WriteConnectAccept implements connection.HandshakeLayer.
func (ch *Channel) WriteConnectAccept(bs *bitstream.BitStream) {
	bs.WriteUint32(ch.classCount)
}

// ReadConnectAccept implements connection.HandshakeLayer.
func (ch *Channel) ReadConnectAccept(bs *bitstream.BitStream) error {
	count := bs.ReadUint32()
	if count > ch.reg.Count() || !ch.reg.IsVersionBorderCount(count) {
		return connection.Reject(connection.ReasonIncompatibleRPCCounts,
			"server accepted %d event classes, local table has %d", count, ch.reg.Count())
	}
	ch.classCount = count
	return nil
}
