package netif

import (
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/crypto"
	"github.com/opd-ai/ghostlink/event"
	"github.com/opd-ai/ghostlink/registry"
	"github.com/opd-ai/ghostlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClass = "test.Conn"

var (
	serverAddr = netip.MustParseAddrPort("10.0.0.1:28000")
	clientAddr = netip.MustParseAddrPort("10.0.0.2:5000")
)

type recorder struct {
	connection.BaseHandler
	established    []*connection.Connection
	terminated     []connection.TerminationReason
	connectFailed  []connection.TerminationReason
	messages       []string
	rejectRequest  error
	rejectKeys     bool
	seenCert       *crypto.Certificate
	processedChats []string
}

func (r *recorder) OnConnectionEstablished(c *connection.Connection) {
	r.established = append(r.established, c)
}

func (r *recorder) OnConnectionTerminated(_ *connection.Connection, reason connection.TerminationReason, msg string) {
	r.terminated = append(r.terminated, reason)
	r.messages = append(r.messages, msg)
}

func (r *recorder) OnConnectTerminated(_ *connection.Connection, reason connection.TerminationReason, msg string) {
	r.connectFailed = append(r.connectFailed, reason)
	r.messages = append(r.messages, msg)
}

func (r *recorder) ReadConnectRequest(*connection.Connection, *bitstream.BitStream) error {
	return r.rejectRequest
}

func (r *recorder) ValidatePublicKey(*connection.Connection, *crypto.AsymmetricKey, bool) bool {
	return !r.rejectKeys
}

func (r *recorder) ValidateCertificate(_ *connection.Connection, cert *crypto.Certificate, _ bool) bool {
	r.seenCert = cert
	return !r.rejectKeys
}

type chatEvent struct {
	Text string
	rec  *recorder
}

func (e *chatEvent) ClassName() string           { return "test.Chat" }
func (e *chatEvent) Guarantee() event.Guarantee  { return event.GuaranteedOrdered }
func (e *chatEvent) Process(*connection.Connection) {
	e.rec.processedChats = append(e.rec.processedChats, e.Text)
}

func (e *chatEvent) Pack(_ *connection.Connection, bs *bitstream.BitStream) {
	bs.WriteString(e.Text)
}

func (e *chatEvent) Unpack(_ *connection.Connection, bs *bitstream.BitStream) error {
	e.Text = bs.ReadString()
	return nil
}

func eventRegistry(rec *recorder) *registry.Registry[event.Event] {
	reg := event.NewRegistry("test")
	reg.MustRegister("test.Chat", 0, func() event.Event { return &chatEvent{rec: rec} })
	return reg
}

// newConn builds a connection of testClass with an event channel.
func newConn(rec *recorder) *connection.Connection {
	c := connection.New(testClass, rec)
	event.NewChannel(c, eventRegistry(rec))
	return c
}

func connectionClasses(rec *recorder) *registry.Registry[*connection.Connection] {
	classes := registry.New[*connection.Connection]("test")
	classes.MustRegister(testClass, 0, func() *connection.Connection { return newConn(rec) })
	return classes
}

type env struct {
	t         *testing.T
	clock     *crypto.ManualTimeProvider
	net       *transport.Network
	server    *Interface
	client    *Interface
	serverRec *recorder
	clientRec *recorder
	conn      *connection.Connection
}

func newEnv(t *testing.T, serverOpts, clientOpts Options) *env {
	t.Helper()
	e := &env{
		t:         t,
		clock:     crypto.NewManualTimeProvider(time.Unix(1_700_000_000, 0)),
		net:       transport.NewNetwork(),
		serverRec: &recorder{},
		clientRec: &recorder{},
	}
	ss, err := e.net.Listen(serverAddr)
	require.NoError(t, err)
	cs, err := e.net.Listen(clientAddr)
	require.NoError(t, err)

	serverOpts.TimeProvider = e.clock
	if serverOpts.Classes == nil {
		serverOpts.Classes = connectionClasses(e.serverRec)
	}
	if serverOpts.PuzzleDifficulty == 0 {
		serverOpts.PuzzleDifficulty = 4
	}
	clientOpts.TimeProvider = e.clock

	e.server, err = New(ss, serverOpts)
	require.NoError(t, err)
	e.client, err = New(cs, clientOpts)
	require.NoError(t, err)
	e.conn = newConn(e.clientRec)
	return e
}

func (e *env) tick() {
	e.clock.Advance(10 * time.Millisecond)
	e.server.CheckIncomingPackets()
	e.server.ProcessConnections()
	e.client.CheckIncomingPackets()
	e.client.ProcessConnections()
}

func (e *env) run(d time.Duration) {
	for end := e.clock.Now().Add(d); e.clock.Now().Before(end); {
		e.tick()
	}
}

func (e *env) connect(keyExchange, certificate bool) {
	e.t.Helper()
	require.NoError(e.t, e.client.Connect(e.conn, serverAddr, keyExchange, certificate))
	e.run(200 * time.Millisecond)
}

func (e *env) serverConn() *connection.Connection {
	return e.server.FindConnection(clientAddr)
}

func TestHandshakeEstablishesConnection(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.connect(false, false)

	require.Equal(t, connection.Connected, e.conn.State())
	sc := e.serverConn()
	require.NotNil(t, sc)
	assert.Equal(t, connection.Connected, sc.State())

	assert.Equal(t, e.conn.InitialSendSequence(), sc.InitialRecvSequence())
	assert.Equal(t, sc.InitialSendSequence(), e.conn.InitialRecvSequence())
	assert.True(t, e.conn.IsConnectionToServer())
	assert.False(t, sc.IsConnectionToServer())
	assert.False(t, e.conn.IsEncrypted())

	assert.Len(t, e.clientRec.established, 1)
	assert.Len(t, e.serverRec.established, 1)
	assert.Equal(t, 0, e.client.PendingCount())
	assert.Same(t, e.conn, e.client.FindConnection(serverAddr))
	assert.Len(t, e.server.Connections(), 1)
}

func TestEventsFlowAfterHandshake(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.connect(false, false)
	require.Equal(t, connection.Connected, e.conn.State())

	ch := event.ChannelOf(e.conn)
	require.NotNil(t, ch)
	require.NoError(t, ch.Post(&chatEvent{Text: "hello"}))
	require.NoError(t, ch.Post(&chatEvent{Text: "world"}))
	e.run(500 * time.Millisecond)

	assert.Equal(t, []string{"hello", "world"}, e.serverRec.processedChats)
}

func TestEncryptedHandshake(t *testing.T) {
	key, err := crypto.GenerateAsymmetricKey()
	require.NoError(t, err)
	e := newEnv(t, Options{PrivateKey: key}, Options{})
	e.connect(true, false)

	require.Equal(t, connection.Connected, e.conn.State())
	sc := e.serverConn()
	require.NotNil(t, sc)
	assert.True(t, e.conn.IsEncrypted())
	assert.True(t, sc.IsEncrypted())
	assert.True(t, e.conn.Params().PublicKey.Equal(key.PublicKey()))

	require.NoError(t, event.ChannelOf(sc).Post(&chatEvent{Text: "sealed"}))
	e.run(500 * time.Millisecond)
	assert.Equal(t, []string{"sealed"}, e.clientRec.processedChats)
}

func TestKeyExchangeWithoutServerKeyFallsBackToPlaintext(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.connect(true, false)
	require.Equal(t, connection.Connected, e.conn.State())
	assert.False(t, e.conn.IsEncrypted())
}

func TestRequiredKeyExchange(t *testing.T) {
	_, err := New(&transport.LoopbackSocket{}, Options{RequiresKeyExchange: true})
	assert.ErrorIs(t, err, ErrNoPrivateKey)

	key, err := crypto.GenerateAsymmetricKey()
	require.NoError(t, err)
	e := newEnv(t, Options{PrivateKey: key, RequiresKeyExchange: true}, Options{})
	e.connect(false, false)

	require.Equal(t, connection.Connected, e.conn.State())
	assert.True(t, e.conn.IsEncrypted(), "server forces encryption")
}

func TestCertificateExchange(t *testing.T) {
	authority, err := crypto.GenerateAsymmetricKey()
	require.NoError(t, err)
	serverKey, err := crypto.GenerateAsymmetricKey()
	require.NoError(t, err)
	cert, err := crypto.NewCertificate([]byte("game.example"), serverKey, authority)
	require.NoError(t, err)

	e := newEnv(t, Options{PrivateKey: serverKey, Certificate: cert}, Options{})
	e.connect(true, true)

	require.Equal(t, connection.Connected, e.conn.State())
	require.NotNil(t, e.clientRec.seenCert)
	assert.True(t, e.clientRec.seenCert.Validate(authority))
	assert.Equal(t, []byte("game.example"), e.clientRec.seenCert.Payload)
	assert.True(t, e.conn.IsEncrypted())
}

func TestRejectedServerKeyTimesOut(t *testing.T) {
	key, err := crypto.GenerateAsymmetricKey()
	require.NoError(t, err)
	e := newEnv(t, Options{PrivateKey: key}, Options{})
	e.clientRec.rejectKeys = true
	require.NoError(t, e.client.Connect(e.conn, serverAddr, true, false))
	e.run(30 * time.Second)

	assert.Equal(t, connection.ConnectTimedOut, e.conn.State())
	assert.Equal(t, []connection.TerminationReason{connection.ReasonTimedOut}, e.clientRec.connectFailed)
	assert.Nil(t, e.serverConn())
}

func TestChallengeTimeout(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	require.NoError(t, e.client.Connect(e.conn, netip.MustParseAddrPort("10.9.9.9:1"), false, false))
	e.run(10 * time.Second)
	assert.Equal(t, connection.AwaitingChallengeResponse, e.conn.State(), "still retrying")
	assert.Equal(t, 1, e.client.PendingCount())

	e.run(20 * time.Second)
	assert.Equal(t, connection.ConnectTimedOut, e.conn.State())
	assert.Equal(t, 0, e.client.PendingCount())
	assert.Equal(t, []connection.TerminationReason{connection.ReasonTimedOut}, e.clientRec.connectFailed)
	assert.True(t, e.conn.IsClosed())
}

func TestConnectTwice(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	require.NoError(t, e.client.Connect(e.conn, serverAddr, false, false))
	assert.ErrorIs(t, e.client.Connect(e.conn, serverAddr, false, false), ErrAlreadyStarted)
}

// stepUntilRequest delivers the challenge and its response but stops before
// the server reads the connect request.
func (e *env) stepUntilRequest() {
	e.server.CheckIncomingPackets()
	e.client.CheckIncomingPackets()
}

func TestPuzzleRejectRetriesOnce(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	require.NoError(t, e.client.Connect(e.conn, serverAddr, false, false))

	e.stepUntilRequest()
	require.Equal(t, connection.AwaitingConnectResponse, e.conn.State())
	firstNonce := e.conn.Params().Nonce
	e.server.Puzzles().SetDifficulty(5)

	e.server.CheckIncomingPackets() // reject: difficulty changed
	e.client.CheckIncomingPackets() // retry with a fresh nonce
	assert.True(t, e.conn.Params().PuzzleRetried)
	assert.NotEqual(t, firstNonce, e.conn.Params().Nonce)

	e.run(200 * time.Millisecond)
	assert.Equal(t, connection.Connected, e.conn.State())
	assert.Empty(t, e.clientRec.connectFailed)
}

func TestPuzzleRejectedTwice(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	require.NoError(t, e.client.Connect(e.conn, serverAddr, false, false))

	e.stepUntilRequest()
	e.server.Puzzles().SetDifficulty(5)
	e.server.CheckIncomingPackets()
	e.client.CheckIncomingPackets()

	e.stepUntilRequest()
	e.server.Puzzles().SetDifficulty(6)
	e.server.CheckIncomingPackets()
	e.client.CheckIncomingPackets()

	assert.Equal(t, connection.ConnectRejected, e.conn.State())
	assert.Equal(t, []connection.TerminationReason{connection.ReasonPuzzle}, e.clientRec.connectFailed)
	assert.Equal(t, 0, e.client.PendingCount())
}

func TestApplicationRejectsConnection(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.serverRec.rejectRequest = connection.Reject(connection.ReasonRejectedByApp, "server full")
	e.connect(false, false)

	assert.Equal(t, connection.ConnectRejected, e.conn.State())
	assert.Equal(t, []connection.TerminationReason{connection.ReasonRejectedByApp}, e.clientRec.connectFailed)
	assert.Contains(t, e.clientRec.messages, "server full")
	assert.Nil(t, e.serverConn())
	assert.Empty(t, e.serverRec.established)
}

func TestUnknownConnectionClass(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.conn = connection.New("test.Other", e.clientRec)
	e.connect(false, false)

	assert.Equal(t, connection.ConnectRejected, e.conn.State())
	assert.Equal(t, []connection.TerminationReason{connection.ReasonError}, e.clientRec.connectFailed)
}

func TestEventClassMismatchRejects(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.conn = connection.New(testClass, e.clientRec)
	reg := eventRegistry(e.clientRec)
	reg.MustRegister("test.Extra", 0, func() event.Event { return &chatEvent{rec: e.clientRec} })
	event.NewChannel(e.conn, reg)
	e.connect(false, false)

	assert.Equal(t, connection.ConnectRejected, e.conn.State())
	assert.Equal(t, []connection.TerminationReason{connection.ReasonIncompatibleRPCCounts}, e.clientRec.connectFailed)
}

func TestLostAcceptIsResent(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	dropped := 0
	e.net.Filter = func(_, _ netip.AddrPort, data []byte) bool {
		if data[0] == byte(ConnectAccept) && dropped == 0 {
			dropped++
			return false
		}
		return true
	}
	e.connect(false, false)
	require.Equal(t, 1, dropped)
	assert.Equal(t, connection.AwaitingConnectResponse, e.conn.State())
	require.NotNil(t, e.serverConn(), "server already established")

	e.run(5 * time.Second)
	assert.Equal(t, connection.Connected, e.conn.State())
	assert.Len(t, e.serverRec.established, 1, "the retry must not create a second connection")
}

func TestDisconnect(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "encrypted"}[encrypted], func(t *testing.T) {
			var opts Options
			if encrypted {
				key, err := crypto.GenerateAsymmetricKey()
				require.NoError(t, err)
				opts.PrivateKey = key
			}
			e := newEnv(t, opts, Options{})
			e.connect(encrypted, false)
			require.Equal(t, connection.Connected, e.conn.State())

			e.conn.Disconnect(connection.ReasonSelfDisconnect, "bye")
			assert.Equal(t, connection.Disconnected, e.conn.State())
			assert.True(t, e.conn.IsClosed())
			assert.Nil(t, e.client.FindConnection(serverAddr))

			e.tick()
			assert.Equal(t, []connection.TerminationReason{connection.ReasonSelfDisconnect}, e.serverRec.terminated)
			assert.Contains(t, e.serverRec.messages, "bye")
			assert.Nil(t, e.serverConn())
		})
	}
}

func TestForgedDisconnectIgnored(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.connect(false, false)
	sc := e.serverConn()
	require.NotNil(t, sc)

	bs := newHandshakePacket(Disconnect)
	crypto.Nonce{1, 2, 3}.Write(bs)
	sc.Params().ServerNonce.Write(bs)
	bs.WriteEnum(uint32(connection.ReasonShutdown), uint32(connection.ReasonCount))
	bs.WriteString("forged")
	err := e.server.handleDisconnect(clientAddr, bitstream.NewReader(bs.Bytes()[1:]))
	assert.ErrorIs(t, err, ErrNonceMismatch)
	assert.NotNil(t, e.serverConn())
}

func TestIdleConnectionTimesOut(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.connect(false, false)
	require.NotNil(t, e.serverConn())

	// the client vanishes without a word
	e.net.Filter = func(from, _ netip.AddrPort, _ []byte) bool { return from != clientAddr }
	for end := e.clock.Now().Add(60 * time.Second); e.clock.Now().Before(end); {
		e.clock.Advance(100 * time.Millisecond)
		e.server.ProcessConnections()
	}
	assert.Nil(t, e.serverConn())
	assert.Equal(t, []connection.TerminationReason{connection.ReasonTimedOut}, e.serverRec.terminated)
}

func TestKeepaliveHoldsConnection(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.connect(false, false)
	for end := e.clock.Now().Add(60 * time.Second); e.clock.Now().Before(end); {
		e.clock.Advance(100 * time.Millisecond)
		e.server.CheckIncomingPackets()
		e.server.ProcessConnections()
		e.client.CheckIncomingPackets()
		e.client.ProcessConnections()
	}
	assert.Equal(t, connection.Connected, e.conn.State())
	assert.NotNil(t, e.serverConn())
}

func TestCloseShutsDownConnections(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.connect(false, false)
	require.NotNil(t, e.serverConn())

	require.NoError(t, e.server.Close())
	e.client.CheckIncomingPackets()
	assert.Equal(t, []connection.TerminationReason{connection.ReasonShutdown}, e.clientRec.terminated)
	assert.Equal(t, connection.Disconnected, e.conn.State())
}

func TestRefusesConnections(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.server.SetAllowsConnections(false)
	assert.False(t, e.server.AllowsConnections())
	e.connect(false, false)
	assert.Equal(t, connection.AwaitingChallengeResponse, e.conn.State())
}

func TestChallengeRateLimit(t *testing.T) {
	e := newEnv(t, Options{ChallengeRate: 1, ChallengeBurst: 1}, Options{})
	probe, err := e.net.Listen(netip.MustParseAddrPort("10.0.0.3:7000"))
	require.NoError(t, err)

	challenge := func() {
		bs := newHandshakePacket(ConnectChallengeRequest)
		crypto.Nonce{9}.Write(bs)
		bs.WriteFlag(false)
		bs.WriteFlag(false)
		require.NoError(t, probe.SendTo(serverAddr, bs.Bytes()))
	}
	for n := 0; n < 3; n++ {
		challenge()
	}
	e.server.CheckIncomingPackets()
	assert.Equal(t, 1, probe.Pending(), "burst of one")

	e.clock.Advance(1100 * time.Millisecond)
	challenge()
	e.server.CheckIncomingPackets()
	assert.Equal(t, 2, probe.Pending(), "token refilled")
}

func TestConnectRequestWithWrongIdentity(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	bs := newHandshakePacket(ConnectRequest)
	crypto.Nonce{1}.Write(bs)
	e.server.Puzzles().CurrentNonce().Write(bs)
	bs.WriteUint32(e.server.clientIdentity(clientAddr, crypto.Nonce{1}) + 1)
	bs.WriteUint32(e.server.Puzzles().Difficulty())
	bs.WriteUint32(0)

	err := e.server.handleConnectRequest(clientAddr, bitstream.NewReader(bs.Bytes()[1:]))
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestClientIdentityBindsAddress(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	n := crypto.Nonce{4, 5, 6}
	id := e.server.clientIdentity(clientAddr, n)
	assert.Equal(t, id, e.server.clientIdentity(clientAddr, n))
	assert.NotEqual(t, id, e.server.clientIdentity(netip.MustParseAddrPort("10.0.0.2:5001"), n))
	assert.NotEqual(t, id, e.server.clientIdentity(clientAddr, crypto.Nonce{4, 5, 7}))
	assert.NotEqual(t, id, e.client.clientIdentity(clientAddr, n), "per-interface secret")
}

func TestMalformedHandshakeDropped(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	probe, err := e.net.Listen(netip.MustParseAddrPort("10.0.0.3:7000"))
	require.NoError(t, err)
	require.NoError(t, probe.SendTo(serverAddr, []byte{byte(ConnectChallengeRequest), 1, 2}))
	require.NoError(t, probe.SendTo(serverAddr, []byte{byte(ConnectRequest)}))
	require.NoError(t, probe.SendTo(serverAddr, []byte{0x80, 0, 0}))
	assert.NotPanics(t, e.server.CheckIncomingPackets)
	assert.Equal(t, 0, probe.Pending())
}

type infoRecorder struct {
	types []PacketType
	texts []string
}

func (r *infoRecorder) HandleInfoPacket(_ netip.AddrPort, t PacketType, bs *bitstream.BitStream) {
	r.types = append(r.types, t)
	r.texts = append(r.texts, bs.ReadString())
}

func TestInfoPackets(t *testing.T) {
	info := &infoRecorder{}
	e := newEnv(t, Options{InfoHandler: info}, Options{})

	err := e.client.SendInfoPacket(serverAddr, FirstInfoPacketType+2, func(bs *bitstream.BitStream) {
		bs.WriteString("status?")
	})
	require.NoError(t, err)
	e.server.CheckIncomingPackets()
	assert.Equal(t, []PacketType{FirstInfoPacketType + 2}, info.types)
	assert.Equal(t, []string{"status?"}, info.texts)

	assert.ErrorIs(t, e.client.SendInfoPacket(serverAddr, Punch, nil), ErrUnknownPacketType)
}

func TestReceiveLatency(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.connect(false, false)
	sc := e.serverConn()
	require.NotNil(t, sc)
	sc.SetSimulatedNetwork(connection.SimulatedNetwork{RecvLatency: 300 * time.Millisecond})

	require.NoError(t, event.ChannelOf(e.conn).Post(&chatEvent{Text: "late"}))
	e.run(150 * time.Millisecond)
	assert.Empty(t, e.serverRec.processedChats)

	e.run(400 * time.Millisecond)
	assert.Equal(t, []string{"late"}, e.serverRec.processedChats)
}

func TestSendLatency(t *testing.T) {
	e := newEnv(t, Options{}, Options{})
	e.connect(false, false)
	e.conn.SetSimulatedNetwork(connection.SimulatedNetwork{SendLatency: 300 * time.Millisecond})

	require.NoError(t, event.ChannelOf(e.conn).Post(&chatEvent{Text: "slow"}))
	e.run(150 * time.Millisecond)
	assert.Empty(t, e.serverRec.processedChats)
	assert.Positive(t, e.client.delayed.len())

	e.run(400 * time.Millisecond)
	assert.Equal(t, []string{"slow"}, e.serverRec.processedChats)
}

func TestPacketTypeNames(t *testing.T) {
	assert.Equal(t, "ConnectAccept", ConnectAccept.String())
	assert.Equal(t, "Info", (FirstInfoPacketType + 1).String())
}
