// Package crypto implements the cryptographic collaborators used by the
// ghostlink handshake and by encrypted connections.
//
// Nothing here is a new primitive. The package wraps X25519 (through
// github.com/flynn/noise and golang.org/x/crypto/curve25519), HKDF-SHA256,
// Ed25519 and AES-128-CTR behind the small contract the transport needs.
//
// # Core Types
//
//   - [Nonce]: 8 random bytes identifying one side of a handshake
//   - [AsymmetricKey]: X25519 exchange key with an Ed25519 signing key derived from the same seed
//   - [SymmetricCipher]: AES-128-CTR with a per-packet counter reset
//   - [Certificate]: a payload and public key signed by an authority
//
// # Key Exchange
//
//	local, _ := crypto.GenerateAsymmetricKey()
//	secret, err := local.ComputeSharedSecretKey(remotePublic)
//	if err != nil {
//	    return err
//	}
//	c := crypto.NewSymmetricCipherFromSecret(secret)
//
// The shared secret is SharedSecretSize bytes: a 16-byte AES key followed by
// a 16-byte IV.
//
// # Packet Encryption
//
// Established connections key a [SymmetricCipher] with a random session key
// and IV, then call SetupCounter with the packet's sequence numbers before
// each packet so no two packets share a keystream:
//
//	c.SetupCounter(seq, ack, packetType, 0)
//	stream.HashAndEncrypt(5, 3, c)
//
// # Time
//
// [TimeProvider] abstracts the clock for every time-dependent component.
// [ManualTimeProvider] is a clock that only moves when advanced.
//
// # Secure Memory
//
// [ZeroBytes] and [WipeKey] overwrite secrets once they are no longer needed.
package crypto
