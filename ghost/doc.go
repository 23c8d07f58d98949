// Package ghost replicates objects from one side of a connection to the
// other.
//
// A Manager is a connection layer. On the sending side each object that the
// connection's scope object reports through ObjectInScope gets a ghost slot;
// state changes flagged with SetMaskBits are packed by PackUpdate, highest
// UpdatePriority first, until the packet is full. Bits carried by a lost
// packet become dirty again unless a later packet already resent them.
// Objects that leave scope are killed on the remote side.
//
// The receiving side creates replicas through an object registry, so both
// peers must register the same classes in the same order; the handshake
// compares registry checksums and rejects a mismatch.
//
//	objects := registry.New[ghost.NetObject]("game")
//	objects.MustRegister("game.Ship", 0, func() ghost.NetObject { return &Ship{} })
//
//	events := event.NewRegistry("game")
//	ghost.RegisterEvents(events)
//	event.NewChannel(conn, events)
//
//	m := ghost.NewManager(conn, objects)
//	m.SetGhostFrom(true)
//	m.SetScopeObject(player)
//	err := m.ActivateGhosting()
//
// The Manager must be added after the event channel, which carries the
// messages that start and stop ghosting. A side that ghosts from must face a
// peer that ghosts to.
package ghost
