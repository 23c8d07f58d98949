package transport

import (
	"fmt"
	"net/netip"
	"sync"
)

// Network is an in-memory datagram network. Sockets bound on it exchange
// datagrams through per-socket queues, which makes dispatcher tests
// independent of the host network stack.
type Network struct {
	mu       sync.Mutex
	sockets  map[netip.AddrPort]*LoopbackSocket
	nextPort uint16
	// Filter, when set, is asked about every datagram; returning false
	// drops it.
	Filter func(from, to netip.AddrPort, data []byte) bool
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		sockets:  make(map[netip.AddrPort]*LoopbackSocket),
		nextPort: 40000,
	}
}

// Listen binds a socket. A zero port picks a free one.
func (n *Network) Listen(addr netip.AddrPort) (*LoopbackSocket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if addr.Port() == 0 {
		for {
			n.nextPort++
			candidate := netip.AddrPortFrom(addr.Addr(), n.nextPort)
			if _, taken := n.sockets[candidate]; !taken {
				addr = candidate
				break
			}
		}
	}
	if _, taken := n.sockets[addr]; taken {
		return nil, fmt.Errorf("%s: %w", addr, ErrAddressInUse)
	}
	s := &LoopbackSocket{net: n, addr: addr}
	n.sockets[addr] = s
	return s, nil
}

func (n *Network) deliver(from, to netip.AddrPort, data []byte) {
	n.mu.Lock()
	dst := n.sockets[to]
	filter := n.Filter
	n.mu.Unlock()

	if dst == nil {
		return
	}
	if filter != nil && !filter(from, to, data) {
		return
	}
	dst.push(datagram{from: from, data: append([]byte(nil), data...)})
}

// LoopbackSocket is a Socket on a Network.
type LoopbackSocket struct {
	net    *Network
	addr   netip.AddrPort
	mu     sync.Mutex
	queue  []datagram
	closed bool
	sent   int
}

// SendTo implements Socket. Datagrams to unbound addresses vanish.
func (s *LoopbackSocket) SendTo(addr netip.AddrPort, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.sent++
	s.mu.Unlock()
	s.net.deliver(s.addr, addr, data)
	return nil
}

// RecvFrom implements Socket.
func (s *LoopbackSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, netip.AddrPort{}, ErrClosed
	}
	if len(s.queue) == 0 {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	d := s.queue[0]
	s.queue[0] = datagram{}
	s.queue = s.queue[1:]
	return copy(buf, d.data), d.from, nil
}

// LocalAddr implements Socket.
func (s *LoopbackSocket) LocalAddr() netip.AddrPort { return s.addr }

// Pending returns the number of datagrams waiting to be read.
func (s *LoopbackSocket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Sent returns the number of datagrams sent from this socket.
func (s *LoopbackSocket) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Close unbinds the socket.
func (s *LoopbackSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.net.mu.Lock()
	delete(s.net.sockets, s.addr)
	s.net.mu.Unlock()
	return nil
}

func (s *LoopbackSocket) push(d datagram) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.queue = append(s.queue, d)
	}
}
