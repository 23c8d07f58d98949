package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites data with zeros. It returns an error if data is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	// keep the overwrite from being optimized away
	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)

	return nil
}

// ZeroBytes erases the contents of a byte slice containing sensitive data,
// ignoring the error from SecureWipe.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKey erases the private half of an asymmetric key. The key can no longer
// sign or compute shared secrets afterwards.
func WipeKey(k *AsymmetricKey) error {
	if k == nil {
		return errors.New("cannot wipe nil key")
	}
	ZeroBytes(k.dhPrivate[:])
	ZeroBytes(k.signPrivate)
	k.hasPrivate = false
	return nil
}
