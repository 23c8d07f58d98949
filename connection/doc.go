// Package connection implements the per-peer packet stream: sequence
// numbering, acknowledgment tracking, rate control, keepalive and the
// handshake state that the dispatcher drives.
//
// Every data packet starts with a 3-byte header carrying the packet type, a
// windowed send sequence and the highest sequence received from the peer,
// followed by an ack mask for the last 32 packets and a coarse send delay
// used for round trip estimation. Each data packet sent queues a
// PacketNotify; when a later header acknowledges or skips it, the notify is
// resolved in send order and handed back to the layers that wrote into the
// packet.
//
// # Layers
//
// A Connection carries no payload of its own. Layers such as the event
// channel and the ghost manager register with AddLayer and are called in
// registration order to write, read and resolve their section of each
// packet:
//
//	conn := connection.New("GameConnection", handler)
//	events := event.NewChannel(conn, eventClasses)
//	ghosts := ghost.NewManager(conn, objectClasses)
//
// # Rate control
//
// Fixed mode negotiates a packet period and a byte budget from both sides'
// limits. Adaptive mode runs slow start then additive increase on a
// congestion window between 2 and 30 packets, shrinking it on every loss.
//
// # Errors
//
// ProcessPacket returns errors for which IsDatagramError is true when a
// datagram is malformed, outside the window or fails its digest. Those only
// discard the datagram. Any other error came from a layer and the owner is
// expected to disconnect with ReasonError.
package connection
