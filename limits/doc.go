// Package limits provides centralized packet size constants and validation functions
// for the ghostlink protocol.
//
// # Size Hierarchy
//
//   - MaxPacketDataSize (1500 bytes): the largest datagram the dispatcher will send or
//     accept. Receive buffers are allocated at this size.
//
//   - MaxPreferredPacketDataSize (576 bytes): the soft ceiling used by the event and ghost
//     layers when filling a data packet. Records that would cross
//     PreferredPacketBits are rolled back and deferred to a later packet.
//
//   - MinimumPaddingBits (128 bits): headroom reserved for trailing flags and the
//     message signature.
//
// # Validation Functions
//
//	if err := limits.ValidateDatagram(data); err != nil {
//	    // ErrPacketEmpty or ErrPacketTooLarge
//	}
package limits
