// Package event delivers discrete messages over a connection.
//
// A Channel is a connection layer with three send queues. Unguaranteed
// events are sent once. Guaranteed events are resent until acknowledged.
// GuaranteedOrdered events carry a sequence number, are resent into their
// original position when a packet is lost and are processed by the receiver
// strictly in post order. Events too large for one packet can be posted as
// GuaranteedOrderedFragmented; they are packed once and travel as ordered
// parts of 512 bytes that the receiver reassembles.
//
// Event types are created on the receiving side through a registry built
// with NewRegistry, which already contains the channel's internal classes:
//
//	events := event.NewRegistry("game")
//	events.MustRegister("game.Chat", 0, func() event.Event { return &Chat{} })
//
//	ch := event.NewChannel(conn, events)
//	err := ch.Post(&Chat{Text: "hello"})
//
// During the handshake both peers exchange their class counts and settle on
// the smaller one, which must end on a version boundary of the larger table.
//
// An event that does not fit in an otherwise empty packet is dropped,
// reported undelivered and recorded as ErrPacketTooBig, available from Err.
package event
