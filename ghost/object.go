package ghost

import (
	"github.com/opd-ai/ghostlink/bitstream"
)

// NetObject is an object that can be replicated to remote hosts. Types
// implement it by embedding Object and adding the update and scope hooks.
type NetObject interface {
	// ClassName must match the name the type is registered under.
	ClassName() string
	// PackUpdate writes the state selected by mask and returns the bits that
	// are still dirty, which must be a subset of mask.
	PackUpdate(m *Manager, mask uint32, bs *bitstream.BitStream) uint32
	UnpackUpdate(m *Manager, bs *bitstream.BitStream) error
	// UpdatePriority scores how urgently this object needs an update for the
	// connection whose scope object is scope.
	UpdatePriority(scope NetObject, mask uint32, skips int) float32
	// PerformScopeQuery runs on the connection's scope object once per tick
	// and calls ObjectInScope for everything the connection should see.
	PerformScopeQuery(m *Manager)

	netObject() *Object
}

// GhostAdder is implemented by objects that act when their ghost is created
// on the receiving side. An error rejects the packet.
type GhostAdder interface {
	OnGhostAdd(m *Manager) error
}

// GhostRemover is implemented by objects that act when their ghost is
// destroyed on the receiving side.
type GhostRemover interface {
	OnGhostRemove()
}

// GhostAvailableNotifier is implemented by source objects that want to know
// when the remote host has acknowledged their initial update.
type GhostAvailableNotifier interface {
	OnGhostAvailable(m *Manager)
}

// objectRef points at one ghost slot of one manager.
type objectRef struct {
	m    *Manager
	slot int32
}

// Object is embedded by every NetObject. On the source side it tracks the
// ghost slots that replicate the object, one per connection that scopes
// it. On the receiving side it records which manager owns the ghost.
type Object struct {
	refs []objectRef

	isGhost  bool
	netIndex int32
	owner    *Manager
}

func (o *Object) netObject() *Object { return o }

// SetMaskBits marks the given state bits dirty on every connection that
// replicates the object.
func (o *Object) SetMaskBits(mask uint32) {
	for _, r := range o.refs {
		r.m.orMask(r.slot, mask)
	}
}

// ClearMaskBits clears dirty state bits on every connection.
func (o *Object) ClearMaskBits(mask uint32) {
	// a cleared ghost may detach and swap-remove its ref
	for i := len(o.refs) - 1; i >= 0; i-- {
		r := o.refs[i]
		r.m.clearMask(r.slot, mask)
	}
}

// GhostCount returns the number of connections currently replicating the
// object.
func (o *Object) GhostCount() int { return len(o.refs) }

// Detach stops replicating the object everywhere, scheduling a kill on
// every connection. Call it when the object is destroyed.
func (o *Object) Detach() {
	for len(o.refs) > 0 {
		r := o.refs[len(o.refs)-1]
		r.m.detachObject(r.slot)
	}
}

// IsGhost reports whether this object is a replica created by a Manager.
func (o *Object) IsGhost() bool { return o.isGhost }

// NetIndex returns the ghost id of a replica, or -1 for source objects.
func (o *Object) NetIndex() int32 {
	if !o.isGhost {
		return -1
	}
	return o.netIndex
}

// GhostManager returns the manager that created this replica.
func (o *Object) GhostManager() *Manager { return o.owner }

// UpdatePriority is the default priority: the longer an object has waited,
// the more urgent it is.
func (o *Object) UpdatePriority(_ NetObject, _ uint32, skips int) float32 {
	return float32(skips) * 0.1
}

func (o *Object) addRef(m *Manager, slot int32) int {
	o.refs = append(o.refs, objectRef{m: m, slot: slot})
	return len(o.refs) - 1
}

// removeRef swap-removes the ref at pos and fixes the moved ref's position.
func (o *Object) removeRef(pos int) {
	last := len(o.refs) - 1
	if pos != last {
		moved := o.refs[last]
		o.refs[pos] = moved
		moved.m.slots[moved.slot].objRefPos = pos
	}
	o.refs[last] = objectRef{}
	o.refs = o.refs[:last]
}
