// Package netif dispatches datagrams between a socket and the connections
// that live on it, and runs the connection handshake.
//
// An Interface owns one transport.Socket. Datagrams with the data bit set
// in their first byte go to the established connection for the sender's
// address. Every other datagram starts with a PacketType byte: types below
// FirstInfoPacketType are handshake packets, the rest go to the
// InfoHandler.
//
// # Handshake
//
// A client sends a challenge request carrying its nonce. The server answers
// with a client identity token bound to the client's address, its current
// puzzle nonce and difficulty, and, when asked, its public key or
// certificate. The client solves the puzzle and sends a connect request;
// with key exchange the session key and the request body are sealed under
// the shared secret. The server checks the token and the solution before
// creating a connection of the requested class, then answers with an
// accept or a reject.
//
// Arranged connections skip the puzzle. Both peers receive the same nonces
// and secret from a third party and exchange punch packets until one gets
// through, after which the initiator sends the connect request.
//
// # Driving
//
// The Interface is single-threaded. Call CheckIncomingPackets and
// ProcessConnections from one goroutine, or let Run do it:
//
//	sock, err := transport.ListenUDP(":28000")
//	if err != nil {
//		return err
//	}
//	ifc, err := netif.New(sock, netif.Options{Classes: classes})
//	if err != nil {
//		return err
//	}
//	defer ifc.Close()
//	return ifc.Run(ctx, 10*time.Millisecond)
package netif
