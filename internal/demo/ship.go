package demo

import (
	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/ghost"
)

// ShipClass is the replicated ship's class name.
const ShipClass = "ghostlink.Ship"

// Ship state bits.
const (
	PositionMask = 1 << iota
	NameMask
	ScoreMask

	InitialMask = PositionMask | NameMask | ScoreMask
)

// positionScale is the precision positions are quantized to.
const positionScale = 0.01

// Ship is a player's vessel. On the server it lives in a World; on clients
// it is a replica created by the ghost manager.
type Ship struct {
	ghost.Object
	Name     string
	Position bitstream.Point3F
	Velocity bitstream.Point3F
	Score    uint32

	world  *World
	player *Player
}

// ClassName implements ghost.NetObject.
func (s *Ship) ClassName() string { return ShipClass }

// PackUpdate implements ghost.NetObject.
func (s *Ship) PackUpdate(_ *ghost.Manager, mask uint32, bs *bitstream.BitStream) uint32 {
	if bs.WriteFlag(mask&PositionMask != 0) {
		bs.WritePointCompressed(s.Position, positionScale)
		bs.WritePointCompressed(s.Velocity, positionScale)
	}
	if bs.WriteFlag(mask&NameMask != 0) {
		bs.WriteString(s.Name)
	}
	if bs.WriteFlag(mask&ScoreMask != 0) {
		bs.WriteUint32(s.Score)
	}
	return 0
}

// UnpackUpdate implements ghost.NetObject.
func (s *Ship) UnpackUpdate(_ *ghost.Manager, bs *bitstream.BitStream) error {
	if bs.ReadFlag() {
		s.Position = bs.ReadPointCompressed(positionScale)
		s.Velocity = bs.ReadPointCompressed(positionScale)
	}
	if bs.ReadFlag() {
		s.Name = bs.ReadString()
	}
	if bs.ReadFlag() {
		s.Score = bs.ReadUint32()
	}
	return nil
}

// UpdatePriority favors the viewer's own ship, then nearby ships, then
// ships that have waited longest.
func (s *Ship) UpdatePriority(scope ghost.NetObject, _ uint32, skips int) float32 {
	viewer, ok := scope.(*Ship)
	if !ok {
		return s.Object.UpdatePriority(scope, 0, skips)
	}
	if viewer == s {
		return 10
	}
	dist := s.Position.Sub(viewer.Position).Len()
	return 1/(1+dist/100) + float32(skips)*0.1
}

// PerformScopeQuery scopes every ship within the world's scope radius,
// including this one.
func (s *Ship) PerformScopeQuery(m *ghost.Manager) {
	if s.world == nil {
		return
	}
	for _, other := range s.world.inScope(s.Position) {
		m.ObjectInScope(other)
	}
}

// OnGhostAdd records the replica with the client player.
func (s *Ship) OnGhostAdd(m *ghost.Manager) error {
	p, ok := m.Connection().Handler().(*Player)
	if !ok {
		return nil
	}
	s.player = p
	p.replicas[s] = struct{}{}
	return nil
}

// OnGhostRemove forgets the replica.
func (s *Ship) OnGhostRemove() {
	if s.player != nil {
		delete(s.player.replicas, s)
	}
}
