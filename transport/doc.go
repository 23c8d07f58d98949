// Package transport provides the datagram sockets the network interface
// reads from and writes to.
//
// # Sockets
//
// Socket is deliberately small: send a datagram, poll for one, report the
// bound address. RecvFrom never blocks; it returns ErrWouldBlock when the
// queue is empty, so the owner can drain the socket from its own tick loop.
//
//	sock, err := transport.ListenUDP(":28000")
//	if err != nil {
//	    return err
//	}
//	defer sock.Close()
//
// UDPSocket runs one reader goroutine that moves datagrams from the kernel
// into a bounded queue. Datagrams arriving while the queue is full are
// counted by Dropped and discarded.
//
// # Loopback
//
// Network is an in-memory datagram network for tests and simulations. Its
// Filter hook can drop or inspect any datagram in flight:
//
//	n := transport.NewNetwork()
//	a, _ := n.Listen(netip.MustParseAddrPort("10.0.0.1:1000"))
//	b, _ := n.Listen(netip.MustParseAddrPort("10.0.0.2:1000"))
//	n.Filter = func(from, to netip.AddrPort, data []byte) bool {
//	    return data[0]&0x80 != 0 // data packets only
//	}
package transport
