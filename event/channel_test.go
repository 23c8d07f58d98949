package event

import (
	"bytes"
	"testing"
	"time"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/linksim"
	"github.com/opd-ai/ghostlink/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	processed []string
	blobs     [][]byte
	delivered map[string]bool
	notified  int
	sent      int
}

type textEvent struct {
	class string
	g     Guarantee
	dir   Direction
	Text  string
	rec   *recorder
}

func (e *textEvent) ClassName() string    { return e.class }
func (e *textEvent) Guarantee() Guarantee { return e.g }
func (e *textEvent) Direction() Direction { return e.dir }

func (e *textEvent) Pack(_ *connection.Connection, bs *bitstream.BitStream) {
	bs.WriteString(e.Text)
}

func (e *textEvent) Unpack(_ *connection.Connection, bs *bitstream.BitStream) error {
	e.Text = bs.ReadString()
	return nil
}

func (e *textEvent) Process(*connection.Connection) {
	e.rec.processed = append(e.rec.processed, e.Text)
}

func (e *textEvent) NotifyPosted(*connection.Connection) {}
func (e *textEvent) NotifySent(*connection.Connection)   { e.rec.sent++ }

func (e *textEvent) NotifyDelivered(_ *connection.Connection, ok bool) {
	e.rec.delivered[e.Text] = ok
	e.rec.notified++
}

type blobEvent struct {
	g    Guarantee
	Name string
	Data []byte
	rec  *recorder
}

func (e *blobEvent) ClassName() string    { return "test.Blob" }
func (e *blobEvent) Guarantee() Guarantee { return e.g }

func (e *blobEvent) Pack(_ *connection.Connection, bs *bitstream.BitStream) {
	bs.WriteString(e.Name)
	bs.WriteInt(uint32(len(e.Data)), 20)
	bs.WriteBytes(e.Data)
}

func (e *blobEvent) Unpack(_ *connection.Connection, bs *bitstream.BitStream) error {
	e.Name = bs.ReadString()
	n := bs.ReadInt(20)
	if n > 1<<19 {
		return ErrInvalidEvent
	}
	e.Data = make([]byte, n)
	bs.ReadBytes(e.Data)
	return nil
}

func (e *blobEvent) Process(*connection.Connection) {
	e.rec.processed = append(e.rec.processed, e.Name)
	e.rec.blobs = append(e.rec.blobs, e.Data)
}

func (e *blobEvent) NotifyPosted(*connection.Connection) {}
func (e *blobEvent) NotifySent(*connection.Connection)   {}

func (e *blobEvent) NotifyDelivered(_ *connection.Connection, ok bool) {
	e.rec.delivered[e.Name] = ok
	e.rec.notified++
}

type side struct {
	conn *connection.Connection
	ch   *Channel
	rec  *recorder
	reg  *registry.Registry[Event]
}

func newTestRegistry(rec *recorder) *registry.Registry[Event] {
	reg := NewRegistry("test")
	reg.MustRegister("test.Unreliable", 0, func() Event { return &textEvent{class: "test.Unreliable", rec: rec} })
	reg.MustRegister("test.Reliable", 0, func() Event { return &textEvent{class: "test.Reliable", rec: rec} })
	reg.MustRegister("test.Ordered", 0, func() Event { return &textEvent{class: "test.Ordered", rec: rec} })
	reg.MustRegister("test.Blob", 0, func() Event { return &blobEvent{rec: rec} })
	reg.MustRegister("test.ClientOnly", 0, func() Event {
		return &textEvent{class: "test.ClientOnly", dir: DirClientToServer, rec: rec}
	})
	return reg
}

func newSide() *side {
	rec := &recorder{delivered: make(map[string]bool)}
	reg := newTestRegistry(rec)
	conn := connection.New("test", nil)
	return &side{conn: conn, ch: NewChannel(conn, reg), rec: rec, reg: reg}
}

func newLinkedPair(t *testing.T) (*linksim.Link, *side, *side) {
	t.Helper()
	a, b := newSide(), newSide()
	link := linksim.New(nil, a.conn, b.conn)
	link.Establish()
	return link, a, b
}

func (s *side) text(class string, g Guarantee, text string) *textEvent {
	return &textEvent{class: class, g: g, Text: text, rec: s.rec}
}

// step moves time forward and lets A then B send and deliver.
func step(t *testing.T, link *linksim.Link) {
	t.Helper()
	link.Clock.Advance(time.Second)
	link.A.Send()
	require.NoError(t, link.A.Flush())
	link.B.Send()
	require.NoError(t, link.B.Flush())
}

func TestUnorderedEventsDelivered(t *testing.T) {
	link, a, b := newLinkedPair(t)
	require.NoError(t, a.ch.Post(a.text("test.Unreliable", Unguaranteed, "u1")))
	require.NoError(t, a.ch.Post(a.text("test.Reliable", Guaranteed, "g1")))

	step(t, link)
	assert.Equal(t, []string{"u1", "g1"}, b.rec.processed)
	assert.Equal(t, map[string]bool{"u1": true, "g1": true}, a.rec.delivered)
	assert.Equal(t, 2, a.rec.sent)
}

func TestOrderedEventsSurviveDrop(t *testing.T) {
	link, a, b := newLinkedPair(t)

	require.NoError(t, a.ch.Post(a.text("test.Ordered", GuaranteedOrdered, "A")))
	link.A.Send()
	require.NoError(t, a.ch.Post(a.text("test.Ordered", GuaranteedOrdered, "B")))
	link.A.Send()
	require.Equal(t, 2, link.A.Pending())

	// the packet carrying A is lost, B arrives first and waits
	require.NoError(t, link.A.DeliverOnly(1))
	assert.Empty(t, b.rec.processed)

	link.B.Send()
	require.NoError(t, link.B.Flush())
	_, ordered := a.ch.QueueLengths()
	assert.Equal(t, 1, ordered, "A is queued again")
	assert.Empty(t, a.rec.delivered, "B is acked but waits for A")

	step(t, link)
	assert.Equal(t, []string{"A", "B"}, b.rec.processed)

	step(t, link)
	assert.Equal(t, map[string]bool{"A": true, "B": true}, a.rec.delivered)
}

func TestGuaranteedEventResentAfterDrop(t *testing.T) {
	link, a, b := newLinkedPair(t)
	require.NoError(t, a.ch.Post(a.text("test.Reliable", Guaranteed, "g")))
	link.A.Send()
	link.A.DropAll()

	require.NoError(t, a.ch.Post(a.text("test.Unreliable", Unguaranteed, "u")))
	step(t, link)
	assert.Equal(t, []string{"u"}, b.rec.processed)

	step(t, link)
	assert.Equal(t, []string{"u", "g"}, b.rec.processed)
	step(t, link)
	assert.True(t, a.rec.delivered["g"])
}

func TestUnguaranteedEventReportedLost(t *testing.T) {
	link, a, b := newLinkedPair(t)
	require.NoError(t, a.ch.Post(a.text("test.Unreliable", Unguaranteed, "lost")))
	link.A.Send()
	link.A.DropAll()

	require.NoError(t, a.ch.Post(a.text("test.Unreliable", Unguaranteed, "kept")))
	step(t, link)

	assert.Equal(t, []string{"kept"}, b.rec.processed)
	assert.False(t, a.rec.delivered["lost"])
	assert.True(t, a.rec.delivered["kept"])
}

func TestOrderedSendWindow(t *testing.T) {
	s := newSide()
	for i := 0; i < 200; i++ {
		require.NoError(t, s.ch.Post(s.text("test.Ordered", GuaranteedOrdered, "")))
	}

	total := 0
	for i := 0; i < 50; i++ {
		pkt := &connection.OutgoingPacket{Stream: bitstream.NewPacketStream(1500)}
		sent, _ := s.ch.WritePacket(pkt).([]*note)
		total += len(sent)
	}
	assert.Equal(t, orderedWindow, total)
	_, ordered := s.ch.QueueLengths()
	assert.Equal(t, 200-orderedWindow, ordered)
}

func TestCloseReportsEverythingUndelivered(t *testing.T) {
	link, a, _ := newLinkedPair(t)
	require.NoError(t, a.ch.Post(a.text("test.Unreliable", Unguaranteed, "u")))
	require.NoError(t, a.ch.Post(a.text("test.Reliable", Guaranteed, "g")))
	require.NoError(t, a.ch.Post(a.text("test.Ordered", GuaranteedOrdered, "o1")))
	link.A.Send()
	require.NoError(t, a.ch.Post(a.text("test.Ordered", GuaranteedOrdered, "o2")))

	a.conn.Close()

	assert.Equal(t, 4, a.rec.notified)
	for name, ok := range a.rec.delivered {
		assert.False(t, ok, name)
	}
	unordered, ordered := a.ch.QueueLengths()
	assert.Zero(t, unordered)
	assert.Zero(t, ordered)
}

func TestFragmentedEvent(t *testing.T) {
	link, a, b := newLinkedPair(t)
	payload := bytes.Repeat([]byte("ghostlink-"), 300)
	require.NoError(t, a.ch.Post(&blobEvent{g: GuaranteedOrderedFragmented, Name: "big", Data: payload, rec: a.rec}))
	require.NoError(t, a.ch.Post(a.text("test.Ordered", GuaranteedOrdered, "after")))

	for i := 0; i < 20 && len(b.rec.processed) < 2; i++ {
		step(t, link)
	}
	require.Equal(t, []string{"big", "after"}, b.rec.processed)
	assert.Equal(t, payload, b.rec.blobs[0])

	for i := 0; i < 3; i++ {
		step(t, link)
	}
	assert.True(t, a.rec.delivered["big"])
	assert.True(t, a.rec.delivered["after"])
}

func TestFragmentedEventSizeLimit(t *testing.T) {
	s := newSide()
	huge := make([]byte, 300*1024)
	err := s.ch.Post(&blobEvent{g: GuaranteedOrderedFragmented, Name: "huge", Data: huge, rec: s.rec})
	assert.ErrorIs(t, err, ErrPacketTooBig)
}

func TestOversizedEventSentAlone(t *testing.T) {
	link, a, b := newLinkedPair(t)
	require.NoError(t, a.ch.Post(&blobEvent{g: Guaranteed, Name: "wide", Data: make([]byte, 1200), rec: a.rec}))
	require.NoError(t, a.ch.Post(a.text("test.Reliable", Guaranteed, "next")))

	link.A.Send()
	require.NoError(t, link.A.Flush())
	assert.Equal(t, []string{"wide"}, b.rec.processed)
	assert.NoError(t, a.ch.Err())

	step(t, link)
	assert.Equal(t, []string{"wide", "next"}, b.rec.processed)
}

func TestOversizedEventDropped(t *testing.T) {
	link, a, b := newLinkedPair(t)
	require.NoError(t, a.ch.Post(&blobEvent{g: GuaranteedOrdered, Name: "huge", Data: make([]byte, 1600), rec: a.rec}))
	require.NoError(t, a.ch.Post(a.text("test.Ordered", GuaranteedOrdered, "after")))

	for i := 0; i < 4; i++ {
		step(t, link)
	}
	assert.ErrorIs(t, a.ch.Err(), ErrPacketTooBig)
	assert.False(t, a.rec.delivered["huge"])
	assert.Equal(t, []string{"after"}, b.rec.processed)
	assert.True(t, a.rec.delivered["after"])
}

func TestPostValidation(t *testing.T) {
	_, a, b := newLinkedPair(t)

	err := a.ch.Post(&textEvent{class: "test.Missing", rec: a.rec})
	assert.ErrorIs(t, err, registry.ErrUnknownClass)

	// b accepted the connection, so it is the server side
	err = b.ch.Post(&textEvent{class: "test.ClientOnly", dir: DirClientToServer, rec: b.rec})
	assert.ErrorIs(t, err, ErrWrongDirection)
	assert.NoError(t, a.ch.Post(&textEvent{class: "test.ClientOnly", dir: DirClientToServer, rec: a.rec}))

	a.ch.classCount = 2
	err = a.ch.Post(a.text("test.Ordered", GuaranteedOrdered, "x"))
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestClassCountNegotiation(t *testing.T) {
	versioned := func() *registry.Registry[Event] {
		reg := NewRegistry("test")
		rec := &recorder{delivered: map[string]bool{}}
		reg.MustRegister("v0.A", 0, func() Event { return &textEvent{class: "v0.A", rec: rec} })
		reg.MustRegister("v1.B", 1, func() Event { return &textEvent{class: "v1.B", rec: rec} })
		reg.MustRegister("v1.C", 1, func() Event { return &textEvent{class: "v1.C", rec: rec} })
		return reg
	}

	tests := []struct {
		name    string
		remote  uint32
		want    uint32
		wantErr bool
	}{
		{"same table", 4, 4, false},
		{"newer peer", 9, 4, false},
		{"older peer on version border", 2, 2, false},
		{"older peer mid version", 3, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewChannel(connection.New("test", nil), versioned())
			bs := bitstream.New(16)
			bs.WriteUint32(tt.remote)
			bs.SetBitPosition(0)

			err := server.ReadConnectRequest(bs)
			if tt.wantErr {
				reason, _ := connection.TerminationReasonOf(err)
				assert.Equal(t, connection.ReasonIncompatibleRPCCounts, reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, server.ClassCount())

			accept := bitstream.New(16)
			server.WriteConnectAccept(accept)
			accept.SetBitPosition(0)
			client := NewChannel(connection.New("test", nil), versioned())
			assert.NoError(t, client.ReadConnectAccept(accept))
			assert.Equal(t, tt.want, client.ClassCount())
		})
	}
}

func TestClientRejectsLargerAcceptedCount(t *testing.T) {
	client := newSide()
	bs := bitstream.New(16)
	bs.WriteUint32(client.reg.Count() + 1)
	bs.SetBitPosition(0)
	err := client.ch.ReadConnectAccept(bs)
	reason, _ := connection.TerminationReasonOf(err)
	assert.Equal(t, connection.ReasonIncompatibleRPCCounts, reason)
}

func TestChannelOf(t *testing.T) {
	s := newSide()
	assert.Same(t, s.ch, ChannelOf(s.conn))
	assert.Nil(t, ChannelOf(connection.New("bare", nil)))
}

func TestDebugObjectSizes(t *testing.T) {
	link, a, b := newLinkedPair(t)
	a.conn.Params().DebugObjectSizes = true
	b.conn.Params().DebugObjectSizes = true
	require.NoError(t, a.ch.Post(a.text("test.Ordered", GuaranteedOrdered, "checked")))
	step(t, link)
	assert.Equal(t, []string{"checked"}, b.rec.processed)
}
