package bitstream

import "errors"

var (
	// ErrBufferTooLarge is returned when a length-prefixed buffer exceeds limits.MaxByteBufferSize.
	ErrBufferTooLarge = errors.New("byte buffer exceeds maximum size")
	// ErrHashMismatch is returned when a decrypted packet fails its digest check.
	ErrHashMismatch = errors.New("packet digest mismatch")
	// ErrInvalidDigestSize is returned for digest lengths outside 1..32 bytes.
	ErrInvalidDigestSize = errors.New("invalid digest size")
)
