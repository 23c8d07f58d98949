// Package bitstream implements the bit-level wire codec used by every
// ghostlink packet.
//
// A [BitStream] wraps a byte buffer with a cursor measured in bits. Values are
// packed least-significant bit first and multi-byte integers are written in
// little-endian order, so a stream produced on any host decodes identically
// on any other.
//
// # Streams
//
//	bs := bitstream.New(0)            // growable, for building packets
//	bs.WriteFlag(true)
//	bs.WriteRangedU32(37, 0, 63)      // 6 bits
//	bs.WriteString("player/ship")
//
//	rs := bitstream.NewReader(datagram) // fixed, for parsing
//	if rs.ReadFlag() { ... }
//
// [NewPacketStream] returns the fixed 1500 byte stream used for outgoing
// datagrams. [BitStream.IsFull] compares the cursor against the preferred
// packet size so layers can stop writing before the datagram would fragment.
//
// # Errors
//
// Overflowing a fixed stream sets a sticky error flag instead of panicking.
// Reads return zero while the flag is set. Writers that speculatively append
// a record roll back with [BitStream.SetBitPosition] and [BitStream.ClearError].
//
// # Lossy encodings
//
// Floats, unit vectors and points have quantized encodings; see
// [BitStream.WriteFloat], [BitStream.WriteNormalVector],
// [BitStream.WriteNormalVectorZ] and [BitStream.WritePointCompressed].
//
// # Integrity
//
// [BitStream.HashAndEncrypt] appends a truncated SHA-256 digest and encrypts a
// suffix of the buffer with a [Cipher]; [BitStream.DecryptAndCheckHash]
// reverses it.
package bitstream
