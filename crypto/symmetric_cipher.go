package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

const (
	// SymmetricKeySize is the AES-128 key length.
	SymmetricKeySize = 16
	// SymmetricBlockSize is the AES block and IV length.
	SymmetricBlockSize = aes.BlockSize
)

// SymmetricCipher is AES-128 in counter mode. SetupCounter rebases the
// counter block on the IV plus four per-packet values, so every packet gets
// its own keystream while both ends only share key and IV.
type SymmetricCipher struct {
	block  cipher.Block
	iv     [SymmetricBlockSize]byte
	stream cipher.Stream
}

// NewSymmetricCipher returns a cipher for a 16-byte key and 16-byte IV.
func NewSymmetricCipher(key, iv []byte) (*SymmetricCipher, error) {
	if len(key) != SymmetricKeySize || len(iv) != SymmetricBlockSize {
		return nil, ErrInvalidCipherKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	c := &SymmetricCipher{block: block}
	copy(c.iv[:], iv)
	c.stream = cipher.NewCTR(block, c.iv[:])
	return c, nil
}

// NewSymmetricCipherFromSecret builds a cipher from SharedSecretSize bytes of
// key material laid out as key then IV. Any other length yields a cipher
// with an all-zero key and IV, which will fail every digest check against a
// correctly keyed peer.
func NewSymmetricCipherFromSecret(secret []byte) *SymmetricCipher {
	key := make([]byte, SymmetricKeySize)
	iv := make([]byte, SymmetricBlockSize)
	if len(secret) == SharedSecretSize {
		copy(key, secret[:SymmetricKeySize])
		copy(iv, secret[SymmetricKeySize:])
	}
	// lengths are fixed above, so construction cannot fail
	c, _ := NewSymmetricCipher(key, iv)
	return c
}

// SetupCounter resets the keystream to start at IV + (v1, v2, v3, v4), each
// added to the corresponding little-endian 32-bit word of the IV.
func (c *SymmetricCipher) SetupCounter(v1, v2, v3, v4 uint32) {
	var counter [SymmetricBlockSize]byte
	for i, v := range [4]uint32{v1, v2, v3, v4} {
		word := binary.LittleEndian.Uint32(c.iv[i*4:])
		binary.LittleEndian.PutUint32(counter[i*4:], word+v)
	}
	c.stream = cipher.NewCTR(c.block, counter[:])
}

// Encrypt encrypts buf in place, continuing the current keystream.
func (c *SymmetricCipher) Encrypt(buf []byte) {
	c.stream.XORKeyStream(buf, buf)
}

// Decrypt decrypts buf in place, continuing the current keystream.
func (c *SymmetricCipher) Decrypt(buf []byte) {
	c.stream.XORKeyStream(buf, buf)
}
