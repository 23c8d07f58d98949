package bitstream

import (
	"encoding/binary"
	"math/bits"

	"github.com/opd-ai/ghostlink/limits"
)

// ResizePad is the number of extra bytes allocated whenever a growable stream
// has to be enlarged to fit a write.
const ResizePad = 1500

// BitStream is a byte buffer with a bit-granular cursor. Bits are packed
// least-significant first within each byte and multi-byte integers are
// serialized little-endian, independent of the host byte order.
//
// Any read past the read limit, or write past the write limit of a fixed
// stream, sets a sticky error flag. While the flag is set reads return zero
// and writes are ignored; ClearError resets it.
type BitStream struct {
	buf            []byte
	bitNum         int
	maxReadBitNum  int
	maxWriteBitNum int
	targetBytes    int
	growable       bool
	err            bool

	compressRelative bool
	compressPoint    Point3F

	stringBuffer string
	strings      StringCodec
}

// New returns a growable stream with an initial capacity of size bytes.
// Writes past the capacity enlarge the buffer.
func New(size int) *BitStream {
	b := &BitStream{
		buf:      make([]byte, size),
		growable: true,
	}
	b.targetBytes = size
	b.SetMaxSizes(size, size)
	b.Reset()
	return b
}

// NewReader returns a fixed-size stream positioned at the start of data.
// The stream reads and writes data in place.
func NewReader(data []byte) *BitStream {
	b := &BitStream{buf: data}
	b.targetBytes = len(data)
	b.SetMaxSizes(len(data), len(data))
	b.Reset()
	return b
}

// NewPacketStream returns a fixed stream backed by a buffer of
// limits.MaxPacketDataSize bytes. IsFull reports when more than targetSize
// bytes have been written; writes past MaxPacketDataSize set the error flag.
func NewPacketStream(targetSize int) *BitStream {
	if targetSize <= 0 || targetSize > limits.MaxPacketDataSize {
		targetSize = limits.MaxPacketDataSize
	}
	b := &BitStream{buf: make([]byte, limits.MaxPacketDataSize)}
	b.targetBytes = targetSize
	b.SetMaxSizes(targetSize, limits.MaxPacketDataSize)
	b.Reset()
	return b
}

// SetMaxSizes sets the read and write limits in bytes.
func (b *BitStream) SetMaxSizes(maxReadBytes, maxWriteBytes int) {
	b.maxReadBitNum = maxReadBytes << 3
	b.maxWriteBitNum = maxWriteBytes << 3
}

// SetMaxBitSizes sets the read and write limits in bits.
func (b *BitStream) SetMaxBitSizes(maxReadBits, maxWriteBits int) {
	b.maxReadBitNum = maxReadBits
	b.maxWriteBitNum = maxWriteBits
}

// Reset rewinds the cursor, clears the error flag, point compression and the
// front-coding string buffer.
func (b *BitStream) Reset() {
	b.bitNum = 0
	b.err = false
	b.compressRelative = false
	b.stringBuffer = ""
}

// SetStringCodec installs the collaborator used by WriteString and ReadString.
// A nil codec selects RawStringCodec.
func (b *BitStream) SetStringCodec(codec StringCodec) {
	b.strings = codec
}

// ClearStringBuffer forgets the previous string so the next string is not front-coded.
func (b *BitStream) ClearStringBuffer() { b.stringBuffer = "" }

// ClearError resets the sticky error flag.
func (b *BitStream) ClearError() { b.err = false }

// IsValid reports whether no operation has overflowed since the last ClearError.
func (b *BitStream) IsValid() bool { return !b.err }

// IsFull reports whether the cursor has moved past the target packet size.
func (b *BitStream) IsFull() bool { return b.bitNum > b.targetBytes<<3 }

// Buffer returns the whole underlying buffer.
func (b *BitStream) Buffer() []byte { return b.buf }

// Bytes returns the buffer up to the current byte position.
func (b *BitStream) Bytes() []byte { return b.buf[:b.BytePosition()] }

// BufferSize returns the length of the underlying buffer in bytes.
func (b *BitStream) BufferSize() int { return len(b.buf) }

// BitPosition returns the cursor in bits.
func (b *BitStream) BitPosition() int { return b.bitNum }

// SetBitPosition moves the cursor.
func (b *BitStream) SetBitPosition(pos int) { b.bitNum = pos }

// AdvanceBitPosition moves the cursor forward by n bits.
func (b *BitStream) AdvanceBitPosition(n int) { b.bitNum += n }

// BytePosition returns the number of bytes touched by the cursor, rounded up.
func (b *BitStream) BytePosition() int { return (b.bitNum + 7) >> 3 }

// SetBytePosition moves the cursor to a byte boundary.
func (b *BitStream) SetBytePosition(pos int) { b.bitNum = pos << 3 }

// MaxReadBitPosition returns the read limit in bits.
func (b *BitStream) MaxReadBitPosition() int { return b.maxReadBitNum }

// BitSpaceAvailable returns the number of bits that can be written before the
// write limit is reached.
func (b *BitStream) BitSpaceAvailable() int { return b.maxWriteBitNum - b.bitNum }

// ZeroToByteBoundary writes zero bits up to the next byte boundary.
func (b *BitStream) ZeroToByteBoundary() {
	if b.bitNum&7 != 0 {
		b.WriteInt(0, 8-(b.bitNum&7))
	}
}

func (b *BitStream) resizeBits(newBits int) bool {
	if !b.growable {
		b.err = true
		return false
	}
	newSize := ((b.maxWriteBitNum + newBits + 7) >> 3) + ResizePad
	if newSize > len(b.buf) {
		grown := make([]byte, newSize)
		copy(grown, b.buf)
		b.buf = grown
	}
	b.maxReadBitNum = newSize << 3
	b.maxWriteBitNum = newSize << 3
	return true
}

// writeBits copies bitCount bits from src into the stream at the cursor.
func (b *BitStream) writeBits(bitCount int, src []byte) bool {
	if bitCount == 0 {
		return true
	}
	if b.err {
		return false
	}
	if bitCount+b.bitNum > b.maxWriteBitNum {
		if !b.resizeBits(bitCount + b.bitNum - b.maxWriteBitNum) {
			return false
		}
	}

	upShift := uint(b.bitNum & 7)
	downShift := 8 - upShift
	di := b.bitNum >> 3
	si := 0

	// the whole write lands in the first destination byte
	if int(downShift) >= bitCount {
		mask := byte(((1 << uint(bitCount)) - 1) << upShift)
		b.buf[di] = (b.buf[di] &^ mask) | ((src[0] << upShift) & mask)
		b.bitNum += bitCount
		return true
	}

	if upShift == 0 {
		b.bitNum += bitCount
		for ; bitCount >= 8; bitCount -= 8 {
			b.buf[di] = src[si]
			di++
			si++
		}
		if bitCount > 0 {
			mask := byte((1 << uint(bitCount)) - 1)
			b.buf[di] = (src[si] & mask) | (b.buf[di] &^ mask)
		}
		return true
	}

	destByte := b.buf[di] & (byte(0xFF) >> downShift)
	lastMask := byte(0xFF) >> (7 - uint((b.bitNum+bitCount-1)&7))

	b.bitNum += bitCount

	for ; bitCount >= 8; bitCount -= 8 {
		sourceByte := src[si]
		si++
		b.buf[di] = destByte | (sourceByte << upShift)
		di++
		destByte = sourceByte >> downShift
	}
	if bitCount == 0 {
		b.buf[di] = (b.buf[di] &^ lastMask) | (destByte & lastMask)
		return true
	}
	if bitCount <= int(downShift) {
		b.buf[di] = (b.buf[di] &^ lastMask) | ((destByte | (src[si] << upShift)) & lastMask)
		return true
	}
	sourceByte := src[si]
	b.buf[di] = destByte | (sourceByte << upShift)
	di++
	b.buf[di] = (b.buf[di] &^ lastMask) | ((sourceByte >> downShift) & lastMask)
	return true
}

// readBits copies bitCount bits at the cursor into dst. dst must hold at
// least (bitCount+7)/8 bytes.
func (b *BitStream) readBits(bitCount int, dst []byte) bool {
	if bitCount == 0 {
		return true
	}
	if b.err || bitCount+b.bitNum > b.maxReadBitNum {
		b.err = true
		return false
	}

	si := b.bitNum >> 3
	byteCount := (bitCount + 7) >> 3
	downShift := uint(b.bitNum & 7)
	upShift := 8 - downShift

	if downShift == 0 {
		copy(dst[:byteCount], b.buf[si:si+byteCount])
		b.bitNum += bitCount
		return true
	}

	di := 0
	sourceByte := b.buf[si] >> downShift
	b.bitNum += bitCount

	for ; bitCount >= 8; bitCount -= 8 {
		si++
		nextByte := b.buf[si]
		dst[di] = sourceByte | (nextByte << upShift)
		di++
		sourceByte = nextByte >> downShift
	}
	if bitCount > 0 {
		if bitCount <= int(upShift) {
			dst[di] = sourceByte
			return true
		}
		si++
		dst[di] = sourceByte | (b.buf[si] << upShift)
	}
	return true
}

// WriteBytes writes raw bytes at the cursor, which need not be byte aligned.
func (b *BitStream) WriteBytes(data []byte) bool {
	return b.writeBits(len(data)<<3, data)
}

// ReadBytes reads len(dst) raw bytes at the cursor.
func (b *BitStream) ReadBytes(dst []byte) bool {
	if !b.readBits(len(dst)<<3, dst) {
		for i := range dst {
			dst[i] = 0
		}
		return false
	}
	return true
}

// WriteFlag writes a single bit and returns val, so callers can write
// `if bs.WriteFlag(cond) { ... }`.
func (b *BitStream) WriteFlag(val bool) bool {
	if b.err {
		return val
	}
	if b.bitNum+1 > b.maxWriteBitNum {
		if !b.resizeBits(1) {
			return val
		}
	}
	mask := byte(1) << uint(b.bitNum&7)
	if val {
		b.buf[b.bitNum>>3] |= mask
	} else {
		b.buf[b.bitNum>>3] &^= mask
	}
	b.bitNum++
	return val
}

// ReadFlag reads a single bit.
func (b *BitStream) ReadFlag() bool {
	if b.err || b.bitNum >= b.maxReadBitNum {
		b.err = true
		return false
	}
	mask := byte(1) << uint(b.bitNum&7)
	ret := b.buf[b.bitNum>>3]&mask != 0
	b.bitNum++
	return ret
}

// WriteInt writes the low bitCount bits (1-32) of val.
func (b *BitStream) WriteInt(val uint32, bitCount int) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], val)
	b.writeBits(bitCount, tmp[:])
}

// ReadInt reads a bitCount-bit (1-32) unsigned value.
func (b *BitStream) ReadInt(bitCount int) uint32 {
	var tmp [4]byte
	if !b.readBits(bitCount, tmp[:]) {
		return 0
	}
	ret := binary.LittleEndian.Uint32(tmp[:])
	if bitCount == 32 {
		return ret
	}
	return ret & ((1 << uint(bitCount)) - 1)
}

// WriteInt64 writes the low bitCount bits (1-64) of val.
func (b *BitStream) WriteInt64(val uint64, bitCount int) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], val)
	b.writeBits(bitCount, tmp[:])
}

// ReadInt64 reads a bitCount-bit (1-64) unsigned value.
func (b *BitStream) ReadInt64(bitCount int) uint64 {
	var tmp [8]byte
	if !b.readBits(bitCount, tmp[:]) {
		return 0
	}
	ret := binary.LittleEndian.Uint64(tmp[:])
	if bitCount == 64 {
		return ret
	}
	return ret & ((uint64(1) << uint(bitCount)) - 1)
}

// WriteIntAt overwrites bitCount bits at bitPosition without moving the cursor.
func (b *BitStream) WriteIntAt(val uint32, bitCount, bitPosition int) {
	cur := b.bitNum
	b.bitNum = bitPosition
	b.WriteInt(val, bitCount)
	b.bitNum = cur
}

// WriteSignedInt writes a two's complement value in bitCount bits.
func (b *BitStream) WriteSignedInt(val int32, bitCount int) {
	b.WriteInt(uint32(val), bitCount)
}

// ReadSignedInt reads a bitCount-bit two's complement value, sign-extending it.
func (b *BitStream) ReadSignedInt(bitCount int) int32 {
	shift := uint(32 - bitCount)
	return int32(b.ReadInt(bitCount)<<shift) >> shift
}

// WriteUint8 writes a full byte.
func (b *BitStream) WriteUint8(v uint8) { b.WriteInt(uint32(v), 8) }

// ReadUint8 reads a full byte.
func (b *BitStream) ReadUint8() uint8 { return uint8(b.ReadInt(8)) }

// WriteUint16 writes a 16-bit value.
func (b *BitStream) WriteUint16(v uint16) { b.WriteInt(uint32(v), 16) }

// ReadUint16 reads a 16-bit value.
func (b *BitStream) ReadUint16() uint16 { return uint16(b.ReadInt(16)) }

// WriteUint32 writes a 32-bit value.
func (b *BitStream) WriteUint32(v uint32) { b.WriteInt(v, 32) }

// ReadUint32 reads a 32-bit value.
func (b *BitStream) ReadUint32() uint32 { return b.ReadInt(32) }

// NextBinLog2 returns the number of bits needed to represent n distinct values.
func NextBinLog2(n uint32) int {
	if n == 0 {
		return 32
	}
	return bits.Len32(n - 1)
}

// WriteRangedU32 writes a value in [rangeStart, rangeEnd] using the minimum
// number of bits that can represent the range.
func (b *BitStream) WriteRangedU32(value, rangeStart, rangeEnd uint32) {
	rangeBits := NextBinLog2(rangeEnd - rangeStart + 1)
	b.WriteInt(value-rangeStart, rangeBits)
}

// ReadRangedU32 reads a value written with WriteRangedU32.
func (b *BitStream) ReadRangedU32(rangeStart, rangeEnd uint32) uint32 {
	rangeBits := NextBinLog2(rangeEnd - rangeStart + 1)
	return b.ReadInt(rangeBits) + rangeStart
}

// WriteEnum writes a value in [0, enumRange).
func (b *BitStream) WriteEnum(value, enumRange uint32) {
	b.WriteInt(value, NextBinLog2(enumRange))
}

// ReadEnum reads a value in [0, enumRange).
func (b *BitStream) ReadEnum(enumRange uint32) uint32 {
	return b.ReadInt(NextBinLog2(enumRange))
}

// WriteByteBuffer writes up to limits.MaxByteBufferSize bytes with a 10-bit length prefix.
func (b *BitStream) WriteByteBuffer(data []byte) error {
	if len(data) > limits.MaxByteBufferSize {
		return ErrBufferTooLarge
	}
	b.WriteInt(uint32(len(data)), 10)
	b.WriteBytes(data)
	return nil
}

// ReadByteBuffer reads a buffer written with WriteByteBuffer.
func (b *BitStream) ReadByteBuffer() []byte {
	size := b.ReadInt(10)
	data := make([]byte, size)
	b.ReadBytes(data)
	return data
}
