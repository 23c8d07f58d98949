// Package linksim connects two connections back to back for deterministic
// tests of the packet layers.
//
// A Link acts as the connection.Owner of both sides. Outgoing datagrams wait
// in the sending endpoint's outbox until the test flushes them, delivers a
// chosen subset, or drops them, and every attempt lands in a delivery log:
//
//	link := linksim.New(nil, client, server)
//	link.Establish()
//	client.CheckPacketSend(true)
//	link.A.DeliverOnly(0) // deliver the first datagram, drop the rest
//	delivered, dropped := link.Stats()
//
// Time only moves when the test advances link.Clock.
package linksim
