package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/opd-ai/ghostlink/bitstream"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of an X25519 key.
const KeySize = 32

// SharedSecretSize is the length of the key material returned by
// ComputeSharedSecretKey: a symmetric key followed by an IV.
const SharedSecretSize = SymmetricKeySize + SymmetricBlockSize

// KeyType tags exported key material.
type KeyType byte

const (
	// KeyTypePublic marks an exported public key.
	KeyTypePublic KeyType = iota
	// KeyTypePrivate marks an exported private key.
	KeyTypePrivate
)

const sharedSecretInfo = "ghostlink shared secret"

// AsymmetricKey is an X25519 key pair used for key exchange, paired with an
// Ed25519 key derived from the same seed for signatures.
type AsymmetricKey struct {
	dhPublic    [KeySize]byte
	dhPrivate   [KeySize]byte
	signPublic  ed25519.PublicKey
	signPrivate ed25519.PrivateKey
	hasPrivate  bool
}

// GenerateAsymmetricKey creates a new random key pair.
func GenerateAsymmetricKey() (*AsymmetricKey, error) {
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return FromPrivateKey(kp.Private)
}

// FromPrivateKey rebuilds a key pair from a 32-byte private key.
func FromPrivateKey(private []byte) (*AsymmetricKey, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("private key is %d bytes: %w", len(private), ErrInvalidKey)
	}
	var zero [KeySize]byte
	if subtle.ConstantTimeCompare(private, zero[:]) == 1 {
		return nil, fmt.Errorf("private key is all zeros: %w", ErrInvalidKey)
	}

	pub, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	k := &AsymmetricKey{hasPrivate: true}
	copy(k.dhPrivate[:], private)
	copy(k.dhPublic[:], pub)
	k.signPrivate = ed25519.NewKeyFromSeed(private)
	k.signPublic = k.signPrivate.Public().(ed25519.PublicKey)
	return k, nil
}

// HasPrivateKey reports whether k can sign and compute shared secrets.
func (k *AsymmetricKey) HasPrivateKey() bool { return k.hasPrivate }

// KeySize returns the size of the exchange key in bytes.
func (k *AsymmetricKey) KeySize() int { return KeySize }

// PublicKeyBytes exports the public half: a type byte, the X25519 key and the
// Ed25519 verification key.
func (k *AsymmetricKey) PublicKeyBytes() []byte {
	out := make([]byte, 0, 1+KeySize+ed25519.PublicKeySize)
	out = append(out, byte(KeyTypePublic))
	out = append(out, k.dhPublic[:]...)
	out = append(out, k.signPublic...)
	return out
}

// PrivateKeyBytes exports the private key tagged with KeyTypePrivate.
func (k *AsymmetricKey) PrivateKeyBytes() ([]byte, error) {
	if !k.hasPrivate {
		return nil, ErrNoPrivateKey
	}
	out := make([]byte, 0, 1+KeySize)
	out = append(out, byte(KeyTypePrivate))
	out = append(out, k.dhPrivate[:]...)
	return out, nil
}

// PublicKey returns a copy of k without the private half.
func (k *AsymmetricKey) PublicKey() *AsymmetricKey {
	return &AsymmetricKey{
		dhPublic:   k.dhPublic,
		signPublic: append(ed25519.PublicKey(nil), k.signPublic...),
	}
}

// ImportKey parses key material produced by PublicKeyBytes or PrivateKeyBytes.
func ImportKey(data []byte) (*AsymmetricKey, error) {
	if len(data) == 0 {
		return nil, ErrInvalidKey
	}
	switch KeyType(data[0]) {
	case KeyTypePublic:
		if len(data) != 1+KeySize+ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key is %d bytes: %w", len(data), ErrInvalidKey)
		}
		k := &AsymmetricKey{}
		copy(k.dhPublic[:], data[1:1+KeySize])
		k.signPublic = append(ed25519.PublicKey(nil), data[1+KeySize:]...)
		return k, nil
	case KeyTypePrivate:
		return FromPrivateKey(data[1:])
	default:
		return nil, fmt.Errorf("unknown key type %d: %w", data[0], ErrInvalidKey)
	}
}

// Write appends the public key to bs as a length-prefixed buffer.
func (k *AsymmetricKey) Write(bs *bitstream.BitStream) {
	// the public export is far below the byte buffer limit
	_ = bs.WriteByteBuffer(k.PublicKeyBytes())
}

// ReadAsymmetricKey reads a public key written with Write.
func ReadAsymmetricKey(bs *bitstream.BitStream) (*AsymmetricKey, error) {
	data := bs.ReadByteBuffer()
	if !bs.IsValid() {
		return nil, ErrInvalidKey
	}
	return ImportKey(data)
}

// Equal reports whether both keys have the same public half.
func (k *AsymmetricKey) Equal(other *AsymmetricKey) bool {
	if other == nil {
		return false
	}
	return k.dhPublic == other.dhPublic && k.signPublic.Equal(other.signPublic)
}

// ComputeSharedSecretKey runs X25519 between k's private key and remote's
// public key and expands the result with HKDF-SHA256 into SharedSecretSize
// bytes of key material.
func (k *AsymmetricKey) ComputeSharedSecretKey(remote *AsymmetricKey) ([]byte, error) {
	if !k.hasPrivate {
		return nil, ErrNoPrivateKey
	}
	if remote == nil {
		return nil, ErrInvalidKey
	}

	secret, err := noise.DH25519.DH(k.dhPrivate[:], remote.dhPublic[:])
	if err != nil {
		NewLogger("ComputeSharedSecretKey").WithError(err, "x25519").Error("Key exchange failed")
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	defer ZeroBytes(secret)

	out := make([]byte, SharedSecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sharedSecretInfo)), out); err != nil {
		return nil, fmt.Errorf("failed to expand shared secret: %w", err)
	}

	NewLogger("ComputeSharedSecretKey").
		WithFields(SecureFieldHash(remote.dhPublic[:], "peer_key")).
		Debug("Shared secret derived")
	return out, nil
}

// HashAndSign signs the SHA-256 digest of data.
func (k *AsymmetricKey) HashAndSign(data []byte) ([]byte, error) {
	if !k.hasPrivate {
		return nil, ErrNoPrivateKey
	}
	digest := sha256.Sum256(data)
	return ed25519.Sign(k.signPrivate, digest[:]), nil
}

// VerifySignature checks a signature produced by HashAndSign.
func (k *AsymmetricKey) VerifySignature(data, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize || len(k.signPublic) != ed25519.PublicKeySize {
		return false
	}
	digest := sha256.Sum256(data)
	return ed25519.Verify(k.signPublic, digest[:], signature)
}
