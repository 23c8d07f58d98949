package demo

import (
	"slices"
	"time"

	"github.com/opd-ai/ghostlink/bitstream"
)

// DefaultScopeRadius is how far a player sees.
const DefaultScopeRadius = 500

// World is the authoritative set of ships on the server. It is owned by the
// goroutine that drives the network interface.
type World struct {
	ScopeRadius float32
	ships       []*Ship
}

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{ScopeRadius: DefaultScopeRadius}
}

// Spawn adds a ship at pos.
func (w *World) Spawn(name string, pos bitstream.Point3F) *Ship {
	s := &Ship{Name: name, Position: pos, world: w}
	w.ships = append(w.ships, s)
	return s
}

// Remove takes s out of the world and kills its ghosts.
func (w *World) Remove(s *Ship) {
	if i := slices.Index(w.ships, s); i >= 0 {
		w.ships = slices.Delete(w.ships, i, i+1)
	}
	s.Detach()
}

// Ships returns the ships in spawn order.
func (w *World) Ships() []*Ship { return w.ships }

// Tick moves every ship by its velocity and flags the moved ones dirty.
func (w *World) Tick(dt time.Duration) {
	secs := float32(dt.Seconds())
	for _, s := range w.ships {
		if s.Velocity == (bitstream.Point3F{}) {
			continue
		}
		s.Position = s.Position.Add(bitstream.Point3F{
			X: s.Velocity.X * secs,
			Y: s.Velocity.Y * secs,
			Z: s.Velocity.Z * secs,
		})
		s.SetMaskBits(PositionMask)
	}
}

// inScope returns the ships within the scope radius of center.
func (w *World) inScope(center bitstream.Point3F) []*Ship {
	var out []*Ship
	for _, s := range w.ships {
		if s.Position.Sub(center).Len() <= w.ScopeRadius {
			out = append(out, s)
		}
	}
	return out
}
