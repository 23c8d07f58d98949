package crypto

import "errors"

var (
	// ErrInvalidKey is returned when key material cannot be parsed or used.
	ErrInvalidKey = errors.New("invalid key")
	// ErrNoPrivateKey is returned when a private-key operation is attempted on a public key.
	ErrNoPrivateKey = errors.New("key has no private component")
	// ErrInvalidCertificate is returned when a certificate is malformed.
	ErrInvalidCertificate = errors.New("invalid certificate")
	// ErrInvalidCipherKey is returned when a symmetric key or IV has the wrong length.
	ErrInvalidCipherKey = errors.New("invalid symmetric key length")
)
