package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/ghostlink/bitstream"
)

// NonceSize is the size of a handshake nonce in bytes.
const NonceSize = 8

// Nonce is a random value that identifies one side of a handshake.
type Nonce [NonceSize]byte

// GenerateNonce returns a fresh random nonce.
func GenerateNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return n, nil
}

// Write appends the nonce to bs.
func (n Nonce) Write(bs *bitstream.BitStream) {
	bs.WriteBytes(n[:])
}

// ReadNonce reads a nonce from bs.
func ReadNonce(bs *bitstream.BitStream) Nonce {
	var n Nonce
	bs.ReadBytes(n[:])
	return n
}

// Uint64 returns the nonce as a big-endian integer, used for hashing.
func (n Nonce) Uint64() uint64 {
	return binary.BigEndian.Uint64(n[:])
}

// String returns the hex encoding of the nonce.
func (n Nonce) String() string {
	return fmt.Sprintf("%x", n[:])
}

// RandomUint32 returns a uniformly random 32-bit value from the system CSPRNG.
func RandomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails if the OS entropy source is broken
		panic(fmt.Sprintf("crypto/rand failure: %v", err))
	}
	return binary.LittleEndian.Uint32(b[:])
}

// RandomBytes fills a new slice of n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
