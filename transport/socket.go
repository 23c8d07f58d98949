package transport

import (
	"errors"
	"net/netip"

	"github.com/opd-ai/ghostlink/limits"
)

var (
	// ErrWouldBlock is returned by RecvFrom when no datagram is waiting.
	ErrWouldBlock = errors.New("no datagram available")
	// ErrClosed is returned when using a closed socket.
	ErrClosed = errors.New("socket closed")
	// ErrAddressInUse is returned when binding an address that is taken.
	ErrAddressInUse = errors.New("address already in use")
)

// Socket is a non-blocking datagram socket. Implementations must not block
// in SendTo or RecvFrom.
type Socket interface {
	SendTo(addr netip.AddrPort, data []byte) error
	// RecvFrom copies the next datagram into buf. It returns ErrWouldBlock
	// when nothing is waiting.
	RecvFrom(buf []byte) (int, netip.AddrPort, error)
	LocalAddr() netip.AddrPort
	Close() error
}

// datagram is a received packet waiting to be read.
type datagram struct {
	from netip.AddrPort
	data []byte
}

// ReceiveBufferSize is large enough for any datagram the protocol sends.
const ReceiveBufferSize = limits.MaxPacketDataSize
