// Package limits provides centralized packet size limits for the ghostlink protocol.
// This ensures consistent validation across the codec, connection and dispatcher layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacketDataSize is the largest datagram sent or received through a socket.
	MaxPacketDataSize = 1500

	// MaxPreferredPacketDataSize is the size the event and ghost layers try to stay under
	// so that packets are not fragmented by the IP layer on common paths.
	MaxPreferredPacketDataSize = 576

	// MinimumPaddingBits is the headroom kept free at the end of a data packet for the
	// terminating flags and the encrypted message signature.
	MinimumPaddingBits = 128

	// MaxByteBufferSize is the largest byte buffer that can be written with a 10-bit
	// length prefix.
	MaxByteBufferSize = 1023

	// MaxFragmentedEventSize bounds the reassembly buffer for fragmented events.
	MaxFragmentedEventSize = 256 * 1024

	// MessageSignatureBytes is the number of SHA-256 digest bytes appended to an
	// authenticated packet.
	MessageSignatureBytes = 5
)

var (
	// ErrPacketEmpty indicates an empty datagram was provided
	ErrPacketEmpty = errors.New("empty packet")

	// ErrPacketTooLarge indicates a datagram exceeds the maximum size
	ErrPacketTooLarge = errors.New("packet too large")
)

// PreferredPacketBits returns the bit position that payload writers should not cross.
func PreferredPacketBits() int {
	return MaxPreferredPacketDataSize*8 - MinimumPaddingBits
}

// AbsolutePacketBits returns the bit position that no packet may ever cross.
func AbsolutePacketBits() int {
	return MaxPacketDataSize*8 - MinimumPaddingBits
}

// ValidatePacketSize validates a datagram against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidatePacketSize(packet []byte, maxSize int) error {
	if len(packet) == 0 {
		return ErrPacketEmpty
	}
	if len(packet) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPacketTooLarge, len(packet), maxSize)
	}
	return nil
}

// ValidateDatagram validates a datagram against MaxPacketDataSize.
func ValidateDatagram(packet []byte) error {
	if len(packet) == 0 {
		return ErrPacketEmpty
	}
	if len(packet) > MaxPacketDataSize {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrPacketTooLarge, len(packet), MaxPacketDataSize)
	}
	return nil
}
