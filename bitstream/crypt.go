package bitstream

import (
	"crypto/sha256"
	"crypto/subtle"
)

// Cipher transforms a byte range in place. Encrypt and Decrypt must be
// inverses when both ends share key and counter state.
type Cipher interface {
	Encrypt(buf []byte)
	Decrypt(buf []byte)
}

// HashAndEncrypt appends the first digestSize bytes of the SHA-256 digest of
// everything written so far, then encrypts the stream from byte offset
// through the end of the digest. The cursor is left after the digest.
func (b *BitStream) HashAndEncrypt(digestSize, offset int, c Cipher) error {
	if digestSize <= 0 || digestSize > sha256.Size {
		return ErrInvalidDigestSize
	}
	digestStart := b.BytePosition()
	b.SetBytePosition(digestStart)
	sum := sha256.Sum256(b.buf[:digestStart])
	b.WriteBytes(sum[:digestSize])
	if !b.IsValid() {
		return ErrBufferTooLarge
	}
	c.Encrypt(b.buf[offset:b.BytePosition()])
	return nil
}

// DecryptAndCheckHash decrypts the buffer from byte offset to its end and
// verifies the trailing digest. On success the digest is truncated from the
// readable region.
func (b *BitStream) DecryptAndCheckHash(digestSize, offset int, c Cipher) error {
	if digestSize <= 0 || digestSize > sha256.Size {
		return ErrInvalidDigestSize
	}
	bufferSize := b.maxReadBitNum >> 3
	if bufferSize > len(b.buf) {
		bufferSize = len(b.buf)
	}
	if bufferSize < offset+digestSize {
		b.err = true
		return ErrHashMismatch
	}
	c.Decrypt(b.buf[offset:bufferSize])

	hashStart := bufferSize - digestSize
	sum := sha256.Sum256(b.buf[:hashStart])
	if subtle.ConstantTimeCompare(sum[:digestSize], b.buf[hashStart:bufferSize]) != 1 {
		return ErrHashMismatch
	}
	b.maxReadBitNum = hashStart << 3
	return nil
}
