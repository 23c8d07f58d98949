package ghost

import (
	"errors"
	"fmt"

	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/event"
	"github.com/opd-ai/ghostlink/registry"
	"github.com/sirupsen/logrus"
)

const (
	// IDBitSize is the width of a ghost id on the wire.
	IDBitSize = 10
	// MaxGhostCount is the number of ghosts one connection can replicate.
	MaxGhostCount = 1 << IDBitSize

	allDirty = 0xFFFFFFFF
)

var (
	// ErrPacketTooBig is recorded when a single ghost update cannot fit in
	// an empty packet. The ghost is parked until its object marks more state
	// dirty.
	ErrPacketTooBig = errors.New("ghost update too big to send")
	// ErrNotGhosting is returned when ghosting is activated on a manager
	// that does not send ghosts.
	ErrNotGhosting = errors.New("connection does not ghost from this side")
	// ErrNoEventChannel is returned when ghosting control messages cannot
	// be posted because the connection has no event channel.
	ErrNoEventChannel = errors.New("connection has no event channel")
	// ErrInvalidGhost is returned when a received ghost update cannot be
	// applied.
	ErrInvalidGhost = errors.New("invalid ghost update")
	// ErrInvalidGhostArray is returned by ValidateArray when the slot
	// partition is inconsistent.
	ErrInvalidGhostArray = errors.New("ghost array inconsistent")
)

// Flag bits of a ghost slot.
const (
	flagInScope uint8 = 1 << iota
	flagScopeAlways
	flagNotYetGhosted
	flagGhosting
	flagKillGhost
	flagKillingGhost

	flagNotAvailable = flagNotYetGhosted | flagGhosting | flagKillGhost | flagKillingGhost
)

// slot tracks one source object replicated on this connection. The slot
// number doubles as the ghost id on the wire.
type slot struct {
	obj        NetObject
	mask       uint32
	flags      uint8
	arrayIndex int
	objRefPos  int
	priority   float32
	skipCount  int
	lastUpdate *ghostRef
	// parked holds the mask of an update that was too big to send.
	parked uint32
}

// ghostRef records what one packet carried for one ghost.
type ghostRef struct {
	slot  int32
	mask  uint32
	flags uint8
	// next is the ref of a later packet for the same ghost.
	next  *ghostRef
	epoch uint32
}

// GhostingListener is an optional extension of connection.Handler that is
// told when the peer starts or stops ghosting to this side.
type GhostingListener interface {
	OnStartGhosting(m *Manager)
	OnEndGhosting(m *Manager)
}

// Manager is a connection layer that replicates objects. The sending side
// keeps a slot per scoped object; slots live in a fixed arena and the array
// of slot numbers is partitioned into three zones:
//
//	[0, zeroUpdateIndex)          ghosts with dirty state
//	[zeroUpdateIndex, freeIndex)  ghosts with nothing to send
//	[freeIndex, MaxGhostCount)    free slots
//
// Moving a ghost between zones is a swap with the zone boundary.
type Manager struct {
	conn *connection.Connection
	reg  *registry.Registry[NetObject]

	ghostFrom bool
	ghostTo   bool

	slots           []slot
	array           []int32
	zeroUpdateIndex int
	freeIndex       int
	lookup          map[NetObject]int32

	scopeObject NetObject
	scoping     bool
	ghosting    bool
	ghostingSeq uint32
	epoch       uint32

	local []NetObject

	lastErr error
	// refused records classes already reported as unregistered.
	refused map[string]bool
}

// NewManager creates a manager and registers it as a layer of conn. It must
// be added after the event channel, which carries its control messages.
func NewManager(conn *connection.Connection, reg *registry.Registry[NetObject]) *Manager {
	m := &Manager{conn: conn, reg: reg}
	conn.AddLayer(m)
	return m
}

// ManagerOf returns the ghost manager registered on conn, or nil.
func ManagerOf(conn *connection.Connection) *Manager {
	for _, l := range conn.Layers() {
		if m, ok := l.(*Manager); ok {
			return m
		}
	}
	return nil
}

// Connection returns the connection the manager is bound to.
func (m *Manager) Connection() *connection.Connection { return m.conn }

// Err returns the last error recorded while scoping objects or composing a
// packet. It wraps ErrPacketTooBig or registry.ErrUnknownClass.
func (m *Manager) Err() error { return m.lastErr }

// SetGhostFrom enables sending ghosts from this side.
func (m *Manager) SetGhostFrom(on bool) {
	m.ghostFrom = on
	if on && m.slots == nil {
		m.slots = make([]slot, MaxGhostCount)
		m.array = make([]int32, MaxGhostCount)
		m.lookup = make(map[NetObject]int32)
		m.resetArray()
	}
}

// SetGhostTo enables receiving ghosts on this side.
func (m *Manager) SetGhostTo(on bool) {
	m.ghostTo = on
	if on && m.local == nil {
		m.local = make([]NetObject, MaxGhostCount)
	}
}

// DoesGhostFrom reports whether this side sends ghosts.
func (m *Manager) DoesGhostFrom() bool { return m.ghostFrom }

// DoesGhostTo reports whether this side receives ghosts.
func (m *Manager) DoesGhostTo() bool { return m.ghostTo }

// IsGhosting reports whether the peer has agreed to receive ghosts.
func (m *Manager) IsGhosting() bool { return m.ghosting }

// SetScopeObject sets the object whose PerformScopeQuery decides what this
// connection sees.
func (m *Manager) SetScopeObject(obj NetObject) { m.scopeObject = obj }

// ScopeObject returns the connection's scope object.
func (m *Manager) ScopeObject() NetObject { return m.scopeObject }

// GhostCount returns the number of slots in use.
func (m *Manager) GhostCount() int { return m.freeIndex }

// DirtyCount returns the number of ghosts with state waiting to be sent.
func (m *Manager) DirtyCount() int { return m.zeroUpdateIndex }

func (m *Manager) resetArray() {
	for i := range m.array {
		m.array[i] = int32(i)
		m.slots[i] = slot{arrayIndex: i}
	}
	m.zeroUpdateIndex = 0
	m.freeIndex = 0
}

// swap exchanges the array positions i and j.
func (m *Manager) swap(i, j int) {
	if i == j {
		return
	}
	a, b := m.array[i], m.array[j]
	m.array[i], m.array[j] = b, a
	m.slots[a].arrayIndex = j
	m.slots[b].arrayIndex = i
}

func (m *Manager) pushNonZero(s int32) {
	m.swap(m.slots[s].arrayIndex, m.zeroUpdateIndex)
	m.zeroUpdateIndex++
}

func (m *Manager) pushToZero(s int32) {
	m.zeroUpdateIndex--
	m.swap(m.slots[s].arrayIndex, m.zeroUpdateIndex)
}

func (m *Manager) pushZeroToFree(s int32) {
	m.freeIndex--
	m.swap(m.slots[s].arrayIndex, m.freeIndex)
}

func (m *Manager) pushFreeToZero(s int32) {
	m.swap(m.slots[s].arrayIndex, m.freeIndex)
	m.freeIndex++
}

// ValidateArray checks the zone partition.
func (m *Manager) ValidateArray() error {
	if m.slots == nil {
		return nil
	}
	if m.zeroUpdateIndex < 0 || m.zeroUpdateIndex > m.freeIndex || m.freeIndex > MaxGhostCount {
		return fmt.Errorf("%w: zones %d/%d", ErrInvalidGhostArray, m.zeroUpdateIndex, m.freeIndex)
	}
	seen := make([]bool, MaxGhostCount)
	for i, s := range m.array {
		if seen[s] {
			return fmt.Errorf("%w: slot %d listed twice", ErrInvalidGhostArray, s)
		}
		seen[s] = true
		g := &m.slots[s]
		if g.arrayIndex != i {
			return fmt.Errorf("%w: slot %d at %d thinks it is at %d", ErrInvalidGhostArray, s, i, g.arrayIndex)
		}
		switch {
		case i < m.zeroUpdateIndex && g.mask == 0:
			return fmt.Errorf("%w: slot %d in dirty zone with empty mask", ErrInvalidGhostArray, s)
		case i >= m.zeroUpdateIndex && i < m.freeIndex && g.mask != 0:
			return fmt.Errorf("%w: slot %d in clean zone with mask %#x", ErrInvalidGhostArray, s, g.mask)
		case i >= m.freeIndex && g.obj != nil:
			return fmt.Errorf("%w: free slot %d still has an object", ErrInvalidGhostArray, s)
		}
	}
	return nil
}

func (m *Manager) orMask(s int32, mask uint32) {
	g := &m.slots[s]
	if mask == 0 {
		return
	}
	mask |= g.parked
	g.parked = 0
	if g.mask == 0 {
		g.mask = mask
		m.pushNonZero(s)
		return
	}
	g.mask |= mask
}

func (m *Manager) clearMask(s int32, mask uint32) {
	g := &m.slots[s]
	if g.mask == 0 {
		return
	}
	g.mask &^= mask
	if g.mask == 0 {
		m.pushToZero(s)
		m.settle(s)
	}
}

// settle detaches a clean ghost that fell out of scope while it was dirty.
func (m *Manager) settle(s int32) {
	g := &m.slots[s]
	if g.mask == 0 && g.obj != nil && g.flags&(flagInScope|flagScopeAlways) == 0 {
		m.detachObject(s)
	}
}

// ObjectInScope marks obj as visible to this connection for the current
// tick. Objects seen for the first time get a slot and are sent in full.
func (m *Manager) ObjectInScope(obj NetObject) {
	if !m.scoping || !m.ghostFrom || obj == nil {
		return
	}
	if s, ok := m.lookup[obj]; ok {
		m.slots[s].flags |= flagInScope
		return
	}
	m.addGhost(obj, flagInScope)
}

// ObjectLocalScopeAlways keeps obj in scope until ObjectLocalClearAlways,
// regardless of the scope query.
func (m *Manager) ObjectLocalScopeAlways(obj NetObject) {
	if !m.ghostFrom || obj == nil {
		return
	}
	if s, ok := m.lookup[obj]; ok {
		m.slots[s].flags |= flagScopeAlways
		return
	}
	m.addGhost(obj, flagInScope|flagScopeAlways)
}

// ObjectLocalClearAlways returns obj to normal scoping.
func (m *Manager) ObjectLocalClearAlways(obj NetObject) {
	if !m.ghostFrom {
		return
	}
	if s, ok := m.lookup[obj]; ok {
		m.slots[s].flags &^= flagScopeAlways
	}
}

func (m *Manager) addGhost(obj NetObject, flags uint8) {
	class := obj.ClassName()
	if _, ok := m.reg.ID(class); !ok {
		m.lastErr = fmt.Errorf("%s: %w", class, registry.ErrUnknownClass)
		if !m.refused[class] {
			if m.refused == nil {
				m.refused = make(map[string]bool)
			}
			m.refused[class] = true
			logrus.WithFields(logrus.Fields{
				"function": "addGhost",
				"address":  m.conn.Address().String(),
				"class":    class,
			}).Error("Object class not registered, object not scoped")
		}
		return
	}
	if m.freeIndex >= MaxGhostCount {
		logrus.WithFields(logrus.Fields{
			"function": "addGhost",
			"address":  m.conn.Address().String(),
			"class":    obj.ClassName(),
		}).Warn("Ghost slots exhausted, object not scoped")
		return
	}
	s := m.array[m.freeIndex]
	m.pushFreeToZero(s)
	g := &m.slots[s]
	g.obj = obj
	g.flags = flagNotYetGhosted | flags
	g.skipCount = 0
	g.lastUpdate = nil
	g.parked = 0
	g.objRefPos = obj.netObject().addRef(m, s)
	g.mask = allDirty
	m.pushNonZero(s)
	m.lookup[obj] = s
}

// detachObject unbinds the object from its slot and schedules a kill.
func (m *Manager) detachObject(s int32) {
	g := &m.slots[s]
	g.flags |= flagKillGhost
	g.parked = 0
	if g.mask == 0 {
		g.mask = allDirty
		m.pushNonZero(s)
	}
	if g.obj != nil {
		g.obj.netObject().removeRef(g.objRefPos)
		delete(m.lookup, g.obj)
		g.obj = nil
	}
}

// freeSlot returns a ghost slot to the free zone.
func (m *Manager) freeSlot(s int32) {
	g := &m.slots[s]
	if g.arrayIndex < m.zeroUpdateIndex {
		g.mask = 0
		m.pushToZero(s)
	}
	if g.obj != nil {
		g.obj.netObject().removeRef(g.objRefPos)
		delete(m.lookup, g.obj)
		g.obj = nil
	}
	g.flags = 0
	g.parked = 0
	g.lastUpdate = nil
	m.pushZeroToFree(s)
}

// clearGhostInfo detaches every object and frees every slot. Refs still in
// flight belong to the previous epoch and are ignored when notified.
func (m *Manager) clearGhostInfo() {
	if m.slots == nil {
		return
	}
	for _, g := range m.slots {
		if g.obj != nil {
			g.obj.netObject().removeRef(g.objRefPos)
		}
	}
	clear(m.lookup)
	m.resetArray()
	m.epoch++
}

// deleteLocalGhosts destroys every replica received from the peer.
func (m *Manager) deleteLocalGhosts() {
	for i, obj := range m.local {
		if obj == nil {
			continue
		}
		if r, ok := obj.(GhostRemover); ok {
			r.OnGhostRemove()
		}
		m.local[i] = nil
	}
}

// ActivateGhosting starts replicating objects to the peer. Scope queries
// run from now on; updates flow once the peer confirms it is ready.
func (m *Manager) ActivateGhosting() error {
	if !m.ghostFrom {
		return ErrNotGhosting
	}
	ch := event.ChannelOf(m.conn)
	if ch == nil {
		return ErrNoEventChannel
	}
	m.ghostingSeq++
	m.clearGhostInfo()
	m.scoping = true
	logrus.WithFields(logrus.Fields{
		"function": "ActivateGhosting",
		"address":  m.conn.Address().String(),
		"sequence": m.ghostingSeq,
	}).Info("Ghosting activated")
	return ch.Post(&startGhosting{seq: m.ghostingSeq})
}

// ResetGhosting stops replicating, tells the peer to delete its ghosts and
// frees every slot.
func (m *Manager) ResetGhosting() error {
	if !m.ghostFrom {
		return ErrNotGhosting
	}
	m.ghosting = false
	m.scoping = false
	var err error
	if ch := event.ChannelOf(m.conn); ch != nil {
		err = ch.Post(&endGhosting{})
	} else {
		err = ErrNoEventChannel
	}
	m.ghostingSeq++
	m.clearGhostInfo()
	logrus.WithFields(logrus.Fields{
		"function": "ResetGhosting",
		"address":  m.conn.Address().String(),
	}).Info("Ghosting reset")
	return err
}

func (m *Manager) listener() GhostingListener {
	if h := m.conn.Handler(); h != nil {
		if l, ok := h.(GhostingListener); ok {
			return l
		}
	}
	return nil
}

// GhostIndex returns the ghost id of a source object on this connection, or
// -1 if the peer does not have it yet.
func (m *Manager) GhostIndex(obj NetObject) int32 {
	if m.lookup == nil {
		return -1
	}
	s, ok := m.lookup[obj]
	if !ok || m.slots[s].flags&flagNotAvailable != 0 {
		return -1
	}
	return s
}

// IsGhostAvailable reports whether the peer holds an acknowledged replica
// of obj.
func (m *Manager) IsGhostAvailable(obj NetObject) bool {
	return m.GhostIndex(obj) >= 0
}

// ResolveGhost returns the replica with the given id, or nil.
func (m *Manager) ResolveGhost(id int32) NetObject {
	if id < 0 || id >= MaxGhostCount || m.local == nil {
		return nil
	}
	return m.local[id]
}

// ResolveGhostParent returns the source object sent under the given id, or
// nil.
func (m *Manager) ResolveGhostParent(id int32) NetObject {
	if id < 0 || id >= MaxGhostCount || m.slots == nil {
		return nil
	}
	return m.slots[id].obj
}
