package crypto

import (
	"fmt"

	"github.com/opd-ai/ghostlink/bitstream"
)

// Certificate binds an application payload to a public key under the
// signature of an authority key.
type Certificate struct {
	Payload   []byte
	PublicKey *AsymmetricKey
	Signature []byte
	valid     bool
}

func certificateSigningBytes(payload []byte, key *AsymmetricKey) []byte {
	pub := key.PublicKeyBytes()
	out := make([]byte, 0, 2+len(payload)+len(pub))
	out = append(out, byte(len(payload)), byte(len(payload)>>8))
	out = append(out, payload...)
	out = append(out, pub...)
	return out
}

// NewCertificate signs payload and key with authority.
func NewCertificate(payload []byte, key, authority *AsymmetricKey) (*Certificate, error) {
	if key == nil || authority == nil {
		return nil, ErrInvalidKey
	}
	sig, err := authority.HashAndSign(certificateSigningBytes(payload, key))
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	return &Certificate{
		Payload:   append([]byte(nil), payload...),
		PublicKey: key.PublicKey(),
		Signature: sig,
		valid:     true,
	}, nil
}

// IsValid reports whether the certificate parsed correctly. It does not
// check the signature; see Validate.
func (c *Certificate) IsValid() bool { return c != nil && c.valid }

// Validate checks the certificate signature against the authority's public key.
func (c *Certificate) Validate(authority *AsymmetricKey) bool {
	if !c.IsValid() || authority == nil {
		return false
	}
	return authority.VerifySignature(certificateSigningBytes(c.Payload, c.PublicKey), c.Signature)
}

// Write appends the certificate to bs as three length-prefixed buffers.
func (c *Certificate) Write(bs *bitstream.BitStream) error {
	if err := bs.WriteByteBuffer(c.Payload); err != nil {
		return fmt.Errorf("certificate payload: %w", err)
	}
	c.PublicKey.Write(bs)
	return bs.WriteByteBuffer(c.Signature)
}

// ReadCertificate reads a certificate written with Write. A malformed
// certificate is returned with IsValid false alongside the error.
func ReadCertificate(bs *bitstream.BitStream) (*Certificate, error) {
	c := &Certificate{}
	c.Payload = bs.ReadByteBuffer()
	key, err := ReadAsymmetricKey(bs)
	if err != nil {
		return c, fmt.Errorf("certificate key: %w", ErrInvalidCertificate)
	}
	c.PublicKey = key
	c.Signature = bs.ReadByteBuffer()
	if !bs.IsValid() || len(c.Signature) == 0 {
		return c, ErrInvalidCertificate
	}
	c.valid = true
	return c, nil
}
