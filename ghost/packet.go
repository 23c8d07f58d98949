package ghost

import (
	"fmt"
	"math/bits"
	"slices"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/limits"
	"github.com/opd-ai/ghostlink/registry"
	"github.com/sirupsen/logrus"
)

const (
	killPriority       = 10000
	minIDBits          = 3
	debugChecksum      = 0xBAADF00D
	debugSizeFieldBits = 16
)

// PrepareWritePacket implements connection.Layer. It ages dirty ghosts,
// runs the scope query and detaches clean ghosts that left scope.
func (m *Manager) PrepareWritePacket() {
	if !m.ghostFrom || !m.scoping {
		return
	}
	for i := 0; i < m.freeIndex; i++ {
		g := &m.slots[m.array[i]]
		if i < m.zeroUpdateIndex {
			g.skipCount++
		}
		if g.flags&flagScopeAlways == 0 {
			g.flags &^= flagInScope
		}
	}
	if m.scopeObject != nil {
		m.scopeObject.PerformScopeQuery(m)
	}
	// a detached ghost swaps with the first clean one, which was already
	// visited, so walking up sees every clean ghost once
	for i := m.zeroUpdateIndex; i < m.freeIndex; i++ {
		m.settle(m.array[i])
	}
}

// IsDataToTransmit implements connection.Layer.
func (m *Manager) IsDataToTransmit() bool {
	return m.ghosting && m.zeroUpdateIndex > 0
}

func (m *Manager) computePriorities() int {
	maxIndex := 0
	for i := m.zeroUpdateIndex - 1; i >= 0; i-- {
		s := m.array[i]
		g := &m.slots[s]
		if int(s) > maxIndex {
			maxIndex = int(s)
		}
		switch {
		case g.flags&(flagKillGhost|flagNotYetGhosted) == flagKillGhost|flagNotYetGhosted:
			// killed before the peer ever saw it
			m.freeSlot(s)
		case g.flags&(flagKillingGhost|flagGhosting) != 0:
			g.priority = 0
		case g.flags&flagKillGhost != 0:
			g.priority = killPriority
		default:
			g.priority = g.obj.UpdatePriority(m.scopeObject, g.mask, g.skipCount)
		}
	}
	slices.SortStableFunc(m.array[:m.zeroUpdateIndex], func(a, b int32) int {
		pa, pb := m.slots[a].priority, m.slots[b].priority
		switch {
		case pa < pb:
			return -1
		case pa > pb:
			return 1
		}
		return 0
	})
	for i := 0; i < m.zeroUpdateIndex; i++ {
		m.slots[m.array[i]].arrayIndex = i
	}
	return maxIndex
}

func idBits(maxIndex int) int {
	return max(bits.Len(uint(maxIndex)), minIDBits)
}

// WritePacket implements connection.Layer. Ghosts are written highest
// priority first; the attachment is the list of refs written.
func (m *Manager) WritePacket(pkt *connection.OutgoingPacket) any {
	bs := pkt.Stream
	debug := m.conn.Params().DebugObjectSizes
	if debug {
		bs.WriteInt(debugChecksum, 32)
	}
	if !m.ghostFrom {
		return nil
	}
	if !bs.WriteFlag(m.ghosting && m.scopeObject != nil) {
		return nil
	}

	idSize := idBits(m.computePriorities())
	bs.WriteInt(uint32(idSize-minIDBits), 3)

	var refs []*ghostRef
	for i := m.zeroUpdateIndex - 1; i >= 0 && !bs.IsFull(); i-- {
		s := m.array[i]
		g := &m.slots[s]
		if g.flags&(flagKillingGhost|flagGhosting) != 0 {
			continue
		}

		start := bs.BitPosition()
		bs.WriteFlag(true)
		bs.WriteInt(uint32(s), idSize)
		kill := bs.WriteFlag(g.flags&flagKillGhost != 0)

		retMask := uint32(0)
		if !kill {
			sizePos := bs.BitPosition()
			if debug {
				bs.AdvanceBitPosition(debugSizeFieldBits)
			}
			if g.flags&flagNotYetGhosted != 0 {
				// addGhost only admits registered classes
				id, _ := m.reg.ID(g.obj.ClassName())
				registry.WriteClassID(bs, id, m.reg.Count())
			}
			retMask = g.obj.PackUpdate(m, g.mask, bs)
			if debug {
				bs.WriteIntAt(uint32(bs.BitPosition()), debugSizeFieldBits, sizePos)
			}
		}

		stop := false
		if !bs.IsValid() || bs.BitPosition() >= limits.PreferredPacketBits() {
			keep, halt := m.handleOverrun(bs, s, start, pkt.Records+len(refs) == 0)
			if !keep {
				if halt {
					break
				}
				continue
			}
			stop = true
		}

		ref := &ghostRef{slot: s, mask: g.mask, epoch: m.epoch}
		if g.lastUpdate != nil {
			g.lastUpdate.next = ref
		}
		g.lastUpdate = ref

		if kill {
			g.flags &^= flagKillGhost
			g.flags |= flagKillingGhost
			ref.flags = flagKillingGhost
			g.mask = 0
			m.pushToZero(s)
		} else {
			if g.flags&flagNotYetGhosted != 0 {
				g.flags &^= flagNotYetGhosted
				g.flags |= flagGhosting
				ref.flags = flagGhosting
			}
			ref.mask = g.mask &^ retMask
			g.mask = retMask
			if retMask == 0 {
				m.pushToZero(s)
				m.settle(s)
			}
			g.skipCount = 0
		}
		refs = append(refs, ref)
		if stop {
			break
		}
	}
	bs.WriteFlag(false)

	pkt.Records += len(refs)
	if len(refs) == 0 {
		return nil
	}
	return refs
}

// handleOverrun decides what happens to a ghost record that crossed the
// preferred packet size. keep reports whether the record stays in the
// packet; halt reports whether packing must stop. A record too big for any
// packet is parked so it is not retried every tick.
func (m *Manager) handleOverrun(bs *bitstream.BitStream, s int32, start int, first bool) (keep, halt bool) {
	g := &m.slots[s]
	if !first {
		bs.SetBitPosition(start)
		bs.ClearError()
		return false, true
	}
	class := "kill"
	if g.obj != nil {
		class = g.obj.ClassName()
	}
	fields := logrus.Fields{
		"function": "WritePacket",
		"address":  m.conn.Address().String(),
		"class":    class,
		"bits":     bs.BitPosition() - start,
	}
	if bs.IsValid() && bs.BitPosition() < limits.AbsolutePacketBits() {
		logrus.WithFields(fields).Warn("Sending oversized ghost update alone")
		return true, false
	}
	m.lastErr = fmt.Errorf("%s: %w", class, ErrPacketTooBig)
	logrus.WithFields(fields).Error("Ghost update too big to send, parking it")
	bs.SetBitPosition(start)
	bs.ClearError()
	g.parked = g.mask
	g.mask = 0
	m.pushToZero(s)
	m.settle(s)
	return false, false
}

// PacketReceived implements connection.Layer.
func (m *Manager) PacketReceived(attachment any) {
	refs, _ := attachment.([]*ghostRef)
	for _, ref := range refs {
		if ref.epoch != m.epoch {
			continue
		}
		g := &m.slots[ref.slot]
		if g.lastUpdate == ref {
			g.lastUpdate = nil
		}
		switch {
		case ref.flags&flagGhosting != 0:
			g.flags &^= flagGhosting
			if n, ok := g.obj.(GhostAvailableNotifier); ok {
				n.OnGhostAvailable(m)
			}
		case ref.flags&flagKillingGhost != 0:
			m.freeSlot(ref.slot)
		}
	}
}

// PacketDropped implements connection.Layer. State bits the lost packet
// carried are marked dirty again unless a later packet already resent them.
func (m *Manager) PacketDropped(attachment any) {
	refs, _ := attachment.([]*ghostRef)
	for _, ref := range refs {
		if ref.epoch != m.epoch {
			continue
		}
		g := &m.slots[ref.slot]
		if g.lastUpdate == ref {
			g.lastUpdate = nil
		}
		dirty := ref.mask
		for later := ref.next; later != nil && dirty != 0; later = later.next {
			dirty &^= later.mask
		}
		if g.flags&(flagKillGhost|flagKillingGhost) == 0 {
			m.orMask(ref.slot, dirty)
		}

		switch {
		case ref.flags&flagGhosting != 0:
			g.flags &^= flagGhosting
			g.flags |= flagNotYetGhosted
			m.orMask(ref.slot, allDirty)
		case ref.flags&flagKillingGhost != 0:
			g.flags &^= flagKillingGhost
			g.flags |= flagKillGhost
			m.orMask(ref.slot, allDirty)
		}
	}
}

// ConnectionClosed implements connection.Layer.
func (m *Manager) ConnectionClosed() {
	m.ghosting = false
	m.scoping = false
	m.clearGhostInfo()
	m.deleteLocalGhosts()
}

// ReadPacket implements connection.Layer.
func (m *Manager) ReadPacket(bs *bitstream.BitStream) error {
	debug := m.conn.Params().DebugObjectSizes
	if debug {
		if sum := bs.ReadInt(32); sum != debugChecksum {
			return fmt.Errorf("%w: bad debug checksum %#x", ErrInvalidGhost, sum)
		}
	}
	if !m.ghostTo {
		return nil
	}
	if !bs.ReadFlag() {
		return nil
	}
	idSize := int(bs.ReadInt(3)) + minIDBits

	for bs.ReadFlag() {
		if !bs.IsValid() {
			return fmt.Errorf("%w: truncated ghost section", connection.ErrMalformedPacket)
		}
		index := int32(bs.ReadInt(idSize))
		if index >= MaxGhostCount {
			return fmt.Errorf("%w: ghost id %d", ErrInvalidGhost, index)
		}
		if bs.ReadFlag() {
			m.removeLocal(index)
			continue
		}

		endPos := 0
		if debug {
			endPos = int(bs.ReadInt(debugSizeFieldBits))
		}
		if err := m.readUpdate(bs, index); err != nil {
			return err
		}
		if !bs.IsValid() {
			return fmt.Errorf("%w: ghost %d update truncated", connection.ErrMalformedPacket, index)
		}
		if debug && bs.BitPosition() != endPos {
			return fmt.Errorf("%w: ghost %d read %d bits, expected %d",
				ErrInvalidGhost, index, bs.BitPosition(), endPos)
		}
	}
	return nil
}

func (m *Manager) readUpdate(bs *bitstream.BitStream, index int32) error {
	obj := m.local[index]
	if obj != nil {
		if err := obj.UnpackUpdate(m, bs); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidGhost, obj.ClassName(), err)
		}
		return nil
	}

	id, err := registry.ReadClassID(bs, m.reg.Count())
	if err != nil {
		return fmt.Errorf("%w: ghost %d: %w", ErrInvalidGhost, index, err)
	}
	obj, err = m.reg.Create(id)
	if err != nil {
		return fmt.Errorf("%w: ghost %d: %w", ErrInvalidGhost, index, err)
	}
	base := obj.netObject()
	base.isGhost = true
	base.netIndex = index
	base.owner = m
	m.local[index] = obj
	if err := obj.UnpackUpdate(m, bs); err != nil {
		m.local[index] = nil
		return fmt.Errorf("%w: %s: %w", ErrInvalidGhost, obj.ClassName(), err)
	}
	if a, ok := obj.(GhostAdder); ok {
		if err := a.OnGhostAdd(m); err != nil {
			m.local[index] = nil
			return fmt.Errorf("%w: %s rejected: %w", ErrInvalidGhost, obj.ClassName(), err)
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "readUpdate",
		"address":  m.conn.Address().String(),
		"class":    obj.ClassName(),
		"index":    index,
	}).Debug("Ghost created")
	return nil
}

func (m *Manager) removeLocal(index int32) {
	obj := m.local[index]
	if obj == nil {
		logrus.WithFields(logrus.Fields{
			"function": "removeLocal",
			"address":  m.conn.Address().String(),
			"index":    index,
		}).Warn("Kill for unknown ghost")
		return
	}
	if r, ok := obj.(GhostRemover); ok {
		r.OnGhostRemove()
	}
	m.local[index] = nil
}

// WriteConnectRequest implements connection.HandshakeLayer by sending the
// checksum of the object class table.
func (m *Manager) WriteConnectRequest(bs *bitstream.BitStream) {
	bs.WriteUint32(m.reg.CRC())
}

// ReadConnectRequest implements connection.HandshakeLayer.
func (m *Manager) ReadConnectRequest(bs *bitstream.BitStream) error {
	crc := bs.ReadUint32()
	if local := m.reg.CRC(); crc != local {
		return connection.Reject(connection.ReasonInvalidCRC,
			"object classes differ: %#08x != %#08x", crc, local)
	}
	return nil
}

// WriteConnectAccept implements connection.HandshakeLayer.
func (m *Manager) WriteConnectAccept(*bitstream.BitStream) {}

// ReadConnectAccept implements connection.HandshakeLayer.
func (m *Manager) ReadConnectAccept(*bitstream.BitStream) error { return nil }
