// Package registry provides explicitly constructed class tables that map
// stable numeric ids to constructors.
//
// Replicated objects and events are created on the receiving side from a
// class id read off the wire. Each application builds its tables once at
// startup and injects them into the connection layers:
//
//	objects := registry.New[ghost.NetObject]("objects")
//	shipID := objects.MustRegister("Ship", 0, func() ghost.NetObject { return &Ship{} })
//
// Ids follow registration order. CRC lets two peers confirm they built the
// same table before any ids are exchanged.
package registry
