package bitstream

import "math"

// Point3F is a three component float vector.
type Point3F struct {
	X, Y, Z float32
}

// Sub returns p - q.
func (p Point3F) Sub(q Point3F) Point3F {
	return Point3F{p.X - q.X, p.Y - q.Y, p.Z - q.Z}
}

// Add returns p + q.
func (p Point3F) Add(q Point3F) Point3F {
	return Point3F{p.X + q.X, p.Y + q.Y, p.Z + q.Z}
}

// Len returns the euclidean length of p.
func (p Point3F) Len() float32 {
	return float32(math.Sqrt(float64(p.X*p.X + p.Y*p.Y + p.Z*p.Z)))
}

// WriteFloat32 writes the raw IEEE bits of f.
func (b *BitStream) WriteFloat32(f float32) { b.WriteInt(math.Float32bits(f), 32) }

// ReadFloat32 reads a raw IEEE float.
func (b *BitStream) ReadFloat32() float32 { return math.Float32frombits(b.ReadInt(32)) }

// WriteFloat writes f in [0, 1] quantized to bitCount bits.
func (b *BitStream) WriteFloat(f float32, bitCount int) {
	b.WriteInt(uint32(f*float32(uint32(1)<<uint(bitCount)-1)+0.5), bitCount)
}

// ReadFloat reads a value written with WriteFloat.
func (b *BitStream) ReadFloat(bitCount int) float32 {
	return float32(b.ReadInt(bitCount)) / float32(uint32(1)<<uint(bitCount)-1)
}

// WriteSignedFloat writes f in [-1, 1] quantized to bitCount bits.
func (b *BitStream) WriteSignedFloat(f float32, bitCount int) {
	b.WriteSignedInt(int32(f*float32(int32(1)<<uint(bitCount-1)-1)), bitCount)
}

// ReadSignedFloat reads a value written with WriteSignedFloat.
func (b *BitStream) ReadSignedFloat(bitCount int) float32 {
	return float32(b.ReadSignedInt(bitCount)) / float32(int32(1)<<uint(bitCount-1)-1)
}

// WriteNormalVector writes a unit vector as two angles. phi uses bitCount+1
// bits and theta uses bitCount bits.
func (b *BitStream) WriteNormalVector(v Point3F, bitCount int) {
	phi := math.Atan2(float64(v.Y), float64(v.X)) / math.Pi
	theta := math.Atan2(float64(v.Z), math.Sqrt(float64(v.X*v.X+v.Y*v.Y))) / (math.Pi / 2.0)
	b.WriteSignedFloat(float32(phi), bitCount+1)
	b.WriteSignedFloat(float32(theta), bitCount)
}

// ReadNormalVector reads a vector written with WriteNormalVector.
func (b *BitStream) ReadNormalVector(bitCount int) Point3F {
	phi := float64(b.ReadSignedFloat(bitCount+1)) * math.Pi
	theta := float64(b.ReadSignedFloat(bitCount)) * (math.Pi / 2.0)
	return Point3F{
		X: float32(math.Sin(phi) * math.Cos(theta)),
		Y: float32(math.Cos(phi) * math.Cos(theta)),
		Z: float32(math.Sin(theta)),
	}
}

// WriteNormalVectorZ writes a unit vector as its z component and the angle
// of its xy projection. Vectors within 1/zBitCount of a pole collapse to a
// flag and a sign bit.
func (b *BitStream) WriteNormalVectorZ(v Point3F, angleBitCount, zBitCount int) {
	if b.WriteFlag(math.Abs(float64(v.Z)) >= 1.0-1.0/float64(zBitCount)) {
		b.WriteFlag(v.Z < 0)
		return
	}
	b.WriteSignedFloat(v.Z, zBitCount)
	b.WriteSignedFloat(float32(math.Atan2(float64(v.Y), float64(v.X))/(2*math.Pi)), angleBitCount)
}

// ReadNormalVectorZ reads a vector written with WriteNormalVectorZ.
func (b *BitStream) ReadNormalVectorZ(angleBitCount, zBitCount int) Point3F {
	if b.ReadFlag() {
		if b.ReadFlag() {
			return Point3F{Z: -1}
		}
		return Point3F{Z: 1}
	}
	z := float64(b.ReadSignedFloat(zBitCount))
	angle := 2 * math.Pi * float64(b.ReadSignedFloat(angleBitCount))
	mult := math.Sqrt(1.0 - z*z)
	return Point3F{
		X: float32(mult * math.Cos(angle)),
		Y: float32(mult * math.Sin(angle)),
		Z: float32(z),
	}
}

// SetPointCompression enables compression of points relative to ref.
func (b *BitStream) SetPointCompression(ref Point3F) {
	b.compressRelative = true
	b.compressPoint = ref
}

// ClearPointCompression disables relative point compression.
func (b *BitStream) ClearPointCompression() { b.compressRelative = false }

// compressed point tiers, indexed by the 2-bit type tag
var pointTierBits = [3]int{16, 18, 20}

// WritePointCompressed writes p quantized by scale. With point compression
// enabled, points near the reference are written as 16, 18 or 20-bit signed
// offsets; everything else is written as three raw floats.
func (b *BitStream) WritePointCompressed(p Point3F, scale float32) {
	if !b.compressRelative {
		b.WriteFloat32(p.X)
		b.WriteFloat32(p.Y)
		b.WriteFloat32(p.Z)
		return
	}
	invScale := 1 / scale
	diff := p.Sub(b.compressPoint)
	dist := diff.Len() * invScale

	var tier uint32 = 3
	switch {
	case dist < float32(1<<15):
		tier = 0
	case dist < float32(1<<17):
		tier = 1
	case dist < float32(1<<19):
		tier = 2
	}
	b.WriteInt(tier, 2)
	if tier == 3 {
		b.WriteFloat32(p.X)
		b.WriteFloat32(p.Y)
		b.WriteFloat32(p.Z)
		return
	}
	n := pointTierBits[tier]
	b.WriteSignedInt(int32(diff.X*invScale), n)
	b.WriteSignedInt(int32(diff.Y*invScale), n)
	b.WriteSignedInt(int32(diff.Z*invScale), n)
}

// ReadPointCompressed reads a point written with WritePointCompressed. The
// reader must use the same reference point and scale.
func (b *BitStream) ReadPointCompressed(scale float32) Point3F {
	if !b.compressRelative {
		return Point3F{b.ReadFloat32(), b.ReadFloat32(), b.ReadFloat32()}
	}
	tier := b.ReadInt(2)
	if tier == 3 {
		return Point3F{b.ReadFloat32(), b.ReadFloat32(), b.ReadFloat32()}
	}
	n := pointTierBits[tier]
	diff := Point3F{
		X: float32(b.ReadSignedInt(n)) * scale,
		Y: float32(b.ReadSignedInt(n)) * scale,
		Z: float32(b.ReadSignedInt(n)) * scale,
	}
	return b.compressPoint.Add(diff)
}
