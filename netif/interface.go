package netif

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/crypto"
	"github.com/opd-ai/ghostlink/metrics"
	"github.com/opd-ai/ghostlink/puzzle"
	"github.com/opd-ai/ghostlink/registry"
	"github.com/opd-ai/ghostlink/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// InfoHandler receives packets whose type byte is FirstInfoPacketType or
// above, such as server queries from a lobby.
type InfoHandler interface {
	HandleInfoPacket(from netip.AddrPort, packetType PacketType, bs *bitstream.BitStream)
}

// Options configures an Interface. The zero value accepts unencrypted
// connections of no class; set Classes to accept incoming connections.
type Options struct {
	// TimeProvider drives every timer. Nil selects the default provider.
	TimeProvider crypto.TimeProvider
	// Classes builds incoming connections from the class name in the
	// connect request.
	Classes *registry.Registry[*connection.Connection]
	// PrivateKey enables key exchange. Without it, clients asking for
	// encryption get an unencrypted connection.
	PrivateKey *crypto.AsymmetricKey
	// Certificate is sent instead of the bare public key to clients that
	// request one.
	Certificate *crypto.Certificate
	// RequiresKeyExchange forces every connection to be encrypted.
	RequiresKeyExchange bool
	// DebugObjectSizes asks peers to bracket each ghost update with its
	// size for verification.
	DebugObjectSizes bool
	// ChallengeRate limits accepted challenge requests per second. Zero
	// disables the limit.
	ChallengeRate float64
	// ChallengeBurst is the limiter bucket size; it defaults to 1.
	ChallengeBurst int
	// PuzzleDifficulty overrides the initial puzzle difficulty when
	// non-zero.
	PuzzleDifficulty uint32
	InfoHandler      InfoHandler
	Metrics          *metrics.Metrics
}

// Interface owns a socket and every connection that talks through it. It
// runs the connection handshake, routes data packets to established
// connections, and drives their timers.
//
// An Interface is not safe for concurrent use. CheckIncomingPackets and
// ProcessConnections must be called from one goroutine, which then owns all
// of the interface's connections.
type Interface struct {
	sock    transport.Socket
	clock   crypto.TimeProvider
	puzzles *puzzle.Manager
	classes *registry.Registry[*connection.Connection]

	table   *connTable
	pending []*connection.Connection
	delayed delayQueue

	privateKey          *crypto.AsymmetricKey
	certificate         *crypto.Certificate
	requiresKeyExchange bool
	debugObjectSizes    bool
	allowConnections    bool
	randomHashData      [randomHashDataSize]byte

	limiter          *rate.Limiter
	info             InfoHandler
	metrics          *metrics.Metrics
	lastTimeoutCheck time.Time
	recvBuf          []byte
}

// New creates an interface on sock. Incoming connections are allowed.
func New(sock transport.Socket, opts Options) (*Interface, error) {
	if sock == nil {
		return nil, errors.New("netif: nil socket")
	}
	clock := crypto.ProviderOrDefault(opts.TimeProvider)
	puzzles, err := puzzle.NewManagerWithTimeProvider(clock)
	if err != nil {
		return nil, fmt.Errorf("create puzzle manager: %w", err)
	}
	if opts.PuzzleDifficulty != 0 {
		puzzles.SetDifficulty(opts.PuzzleDifficulty)
	}
	if opts.RequiresKeyExchange && opts.PrivateKey == nil {
		return nil, fmt.Errorf("require key exchange: %w", ErrNoPrivateKey)
	}

	i := &Interface{
		sock:                sock,
		clock:               clock,
		puzzles:             puzzles,
		classes:             opts.Classes,
		table:               newConnTable(),
		privateKey:          opts.PrivateKey,
		certificate:         opts.Certificate,
		requiresKeyExchange: opts.RequiresKeyExchange,
		debugObjectSizes:    opts.DebugObjectSizes,
		allowConnections:    true,
		info:                opts.InfoHandler,
		metrics:             opts.Metrics,
		lastTimeoutCheck:    clock.Now(),
		recvBuf:             make([]byte, transport.ReceiveBufferSize),
	}
	secret, err := crypto.RandomBytes(randomHashDataSize)
	if err != nil {
		return nil, fmt.Errorf("create identity secret: %w", err)
	}
	copy(i.randomHashData[:], secret)

	if opts.ChallengeRate > 0 {
		burst := opts.ChallengeBurst
		if burst < 1 {
			burst = 1
		}
		i.limiter = rate.NewLimiter(rate.Limit(opts.ChallengeRate), burst)
	}
	i.metrics.SetPuzzleDifficulty(puzzles.Difficulty())

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"address":    sock.LocalAddr().String(),
		"encryption": opts.PrivateKey != nil,
		"required":   opts.RequiresKeyExchange,
	}).Info("Network interface created")
	return i, nil
}

// Now implements connection.Owner.
func (i *Interface) Now() time.Time { return i.clock.Now() }

// LocalAddr returns the socket address.
func (i *Interface) LocalAddr() netip.AddrPort { return i.sock.LocalAddr() }

// Puzzles returns the interface's puzzle manager.
func (i *Interface) Puzzles() *puzzle.Manager { return i.puzzles }

// SetAllowsConnections controls whether challenge and connect requests
// are answered.
func (i *Interface) SetAllowsConnections(allow bool) { i.allowConnections = allow }

// AllowsConnections reports whether incoming connections are accepted.
func (i *Interface) AllowsConnections() bool { return i.allowConnections }

// FindConnection returns the established connection to addr, or nil.
func (i *Interface) FindConnection(addr netip.AddrPort) *connection.Connection {
	return i.table.find(addr)
}

// Connections returns the established connections.
func (i *Interface) Connections() []*connection.Connection { return i.table.connections() }

// PendingCount returns the number of connections still in the handshake.
func (i *Interface) PendingCount() int { return len(i.pending) }

// SendTo implements connection.Owner.
func (i *Interface) SendTo(addr netip.AddrPort, data []byte) error {
	if err := i.sock.SendTo(addr, data); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	i.metrics.PacketSent(len(data))
	return nil
}

// SendToDelayed implements connection.Owner.
func (i *Interface) SendToDelayed(addr netip.AddrPort, data []byte, delay time.Duration) {
	i.delayed.push(delayedPacket{
		releaseAt: i.clock.Now().Add(delay),
		addr:      addr,
		data:      append([]byte(nil), data...),
	})
}

func (i *Interface) sendStream(addr netip.AddrPort, bs *bitstream.BitStream) {
	if err := i.SendTo(addr, bs.Bytes()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendStream",
			"address":  addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to send handshake packet")
	}
}

// CheckIncomingPackets reads every waiting datagram and dispatches it.
func (i *Interface) CheckIncomingPackets() {
	for {
		n, from, err := i.sock.RecvFrom(i.recvBuf)
		if err != nil {
			if !errors.Is(err, transport.ErrWouldBlock) && !errors.Is(err, transport.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "CheckIncomingPackets",
					"error":    err.Error(),
				}).Warn("Socket receive failed")
			}
			return
		}
		if n == 0 {
			continue
		}
		i.processPacket(from, i.recvBuf[:n])
	}
}

func (i *Interface) processPacket(from netip.AddrPort, data []byte) {
	if data[0]&dataPacketBit != 0 {
		i.metrics.PacketReceived(metrics.KindData, len(data))
		c := i.table.find(from)
		if c == nil {
			return
		}
		if latency := c.SimulatedNetwork().RecvLatency; latency > 0 {
			i.delayed.push(delayedPacket{
				releaseAt: i.clock.Now().Add(latency),
				addr:      from,
				data:      append([]byte(nil), data...),
				receiveTo: c,
			})
			return
		}
		i.deliverToConnection(c, data)
		return
	}

	bs := bitstream.NewReader(data)
	t := PacketType(bs.ReadUint8())
	if t >= FirstInfoPacketType {
		i.metrics.PacketReceived(metrics.KindInfo, len(data))
		if i.info != nil {
			i.info.HandleInfoPacket(from, t, bs)
		}
		return
	}
	i.metrics.PacketReceived(metrics.KindHandshake, len(data))

	if err := i.handleHandshake(from, t, bs); err != nil {
		if errors.Is(err, ErrMalformedHandshake) || errors.Is(err, ErrCryptoCheck) {
			i.metrics.MalformedPacket()
		}
		logrus.WithFields(logrus.Fields{
			"function": "processPacket",
			"address":  from.String(),
			"type":     t.String(),
			"error":    err.Error(),
		}).Debug("Handshake packet dropped")
	}
}

func (i *Interface) handleHandshake(from netip.AddrPort, t PacketType, bs *bitstream.BitStream) error {
	switch t {
	case ConnectChallengeRequest:
		return i.handleChallengeRequest(from, bs)
	case ConnectChallengeResponse:
		return i.handleChallengeResponse(from, bs)
	case ConnectRequest:
		return i.handleConnectRequest(from, bs)
	case ConnectReject:
		return i.handleConnectReject(from, bs)
	case ConnectAccept:
		return i.handleConnectAccept(from, bs)
	case Disconnect:
		return i.handleDisconnect(from, bs)
	case Punch:
		return i.handlePunch(from, bs)
	case ArrangedConnectRequest:
		return i.handleArrangedConnectRequest(from, bs)
	}
	return fmt.Errorf("%w: %d", ErrUnknownPacketType, t)
}

// deliverToConnection runs the connection's packet decoder. Malformed
// datagrams are dropped; a layer error ends the connection.
func (i *Interface) deliverToConnection(c *connection.Connection, data []byte) {
	err := c.ProcessPacket(bitstream.NewReader(data))
	if err == nil {
		return
	}
	if connection.IsDatagramError(err) {
		i.metrics.MalformedPacket()
		logrus.WithFields(logrus.Fields{
			"function": "deliverToConnection",
			"address":  c.Address().String(),
			"error":    err.Error(),
		}).Debug("Datagram discarded")
		return
	}
	if errors.Is(err, connection.ErrClosed) {
		return
	}
	reason, msg := connection.TerminationReasonOf(err)
	logrus.WithFields(logrus.Fields{
		"function": "deliverToConnection",
		"address":  c.Address().String(),
		"error":    err.Error(),
	}).Warn("Connection protocol error")
	i.Disconnect(c, reason, msg)
}

// ProcessConnections releases delayed packets, lets every connection send,
// runs handshake retries and keepalive checks every TimeoutCheckInterval,
// and spends one time slice on a pending puzzle.
func (i *Interface) ProcessConnections() {
	now := i.clock.Now()
	i.puzzles.Tick()
	i.releaseDelayed(now)

	for _, c := range i.table.connections() {
		c.CheckPacketSend(false)
	}

	if now.Sub(i.lastTimeoutCheck) > TimeoutCheckInterval {
		i.checkPendingTimeouts(now)
		i.lastTimeoutCheck = now
		i.checkConnectionTimeouts()
	}

	for _, c := range i.pending {
		if c.State() == connection.ComputingPuzzleSolution {
			i.continuePuzzleSolution(c)
			break
		}
	}
	i.metrics.SetConnectionCounts(i.table.len(), len(i.pending))
}

func (i *Interface) releaseDelayed(now time.Time) {
	for {
		p, ok := i.delayed.popDue(now)
		if !ok {
			return
		}
		if p.receiveTo != nil {
			i.metrics.PacketReceived(metrics.KindDelayed, len(p.data))
			if !p.receiveTo.IsClosed() {
				i.deliverToConnection(p.receiveTo, p.data)
			}
			continue
		}
		if err := i.SendTo(p.addr, p.data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "releaseDelayed",
				"address":  p.addr.String(),
				"error":    err.Error(),
			}).Warn("Failed to send delayed packet")
		}
	}
}

func (i *Interface) checkPendingTimeouts(now time.Time) {
	for _, c := range slices.Clone(i.pending) {
		p := c.Params()
		since := now.Sub(p.LastSendTime)
		switch c.State() {
		case connection.AwaitingChallengeResponse:
			if since > ChallengeRetryTime {
				if p.SendCount > ChallengeRetryCount {
					i.connectTimedOut(c)
				} else {
					i.sendChallengeRequest(c)
				}
			}
		case connection.AwaitingConnectResponse:
			if since > ConnectRetryTime {
				switch {
				case p.SendCount > ConnectRetryCount:
					i.connectTimedOut(c)
				case p.IsArranged:
					i.sendArrangedConnectRequest(c)
				default:
					i.sendConnectRequest(c)
				}
			}
		case connection.SendingPunchPackets:
			if since > PunchRetryTime {
				if p.SendCount > PunchRetryCount {
					i.connectTimedOut(c)
				} else {
					i.sendPunchPackets(c)
				}
			}
		case connection.ComputingPuzzleSolution:
			if since > PuzzleSolutionTimeout {
				i.connectTimedOut(c)
			}
		}
	}
}

func (i *Interface) connectTimedOut(c *connection.Connection) {
	logrus.WithFields(logrus.Fields{
		"function": "connectTimedOut",
		"address":  c.Address().String(),
		"state":    c.State().String(),
	}).Info("Connection attempt timed out")
	c.SetState(connection.ConnectTimedOut)
	i.removePending(c)
	c.Handler().OnConnectTerminated(c, connection.ReasonTimedOut, "Timeout")
	c.Close()
}

func (i *Interface) checkConnectionTimeouts() {
	for _, c := range i.table.connections() {
		if c.CheckTimeout() {
			c.SetState(connection.TimedOut)
			i.terminate(c, connection.ReasonTimedOut, "Timeout")
			continue
		}
		i.metrics.ObserveRoundTripTime(c.RoundTripTime().Seconds())
	}
}

// terminate removes an established connection after it ended.
func (i *Interface) terminate(c *connection.Connection, reason connection.TerminationReason, msg string) {
	i.removeConnection(c)
	i.metrics.ConnectionTerminated(reason.String())
	logrus.WithFields(logrus.Fields{
		"function": "terminate",
		"address":  c.Address().String(),
		"reason":   reason.String(),
		"message":  msg,
	}).Info("Connection terminated")
	c.Handler().OnConnectionTerminated(c, reason, msg)
	c.Close()
}

// Disconnect ends c. A pending connection is abandoned; an established one
// tells the peer why before it is removed. It implements connection.Owner.
func (i *Interface) Disconnect(c *connection.Connection, reason connection.TerminationReason, msg string) {
	switch c.State() {
	case connection.NotConnected, connection.AwaitingChallengeResponse,
		connection.AwaitingConnectResponse, connection.SendingPunchPackets,
		connection.ComputingPuzzleSolution:
		i.removePending(c)
		c.Handler().OnConnectTerminated(c, reason, msg)
		c.Close()
	case connection.Connected:
		c.SetState(connection.Disconnected)
		i.sendDisconnectPacket(c, reason, msg)
		i.terminate(c, reason, msg)
	}
}

// Close disconnects every connection with ReasonShutdown and closes the
// socket.
func (i *Interface) Close() error {
	for _, c := range slices.Clone(i.pending) {
		i.Disconnect(c, connection.ReasonShutdown, "Shutdown")
	}
	for _, c := range i.table.connections() {
		i.Disconnect(c, connection.ReasonShutdown, "Shutdown")
	}
	return i.sock.Close()
}

// Run calls CheckIncomingPackets and ProcessConnections every tick until
// ctx is done, then closes the interface.
func (i *Interface) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := i.Close(); err != nil {
				return fmt.Errorf("close interface: %w", err)
			}
			return ctx.Err()
		case <-ticker.C:
			i.CheckIncomingPackets()
			i.ProcessConnections()
		}
	}
}

func (i *Interface) addPending(c *connection.Connection) {
	i.pending = append(i.pending, c)
	c.Params().SendCount = 0
}

func (i *Interface) removePending(c *connection.Connection) {
	if idx := slices.Index(i.pending, c); idx >= 0 {
		i.pending = slices.Delete(i.pending, idx, idx+1)
	}
}

func (i *Interface) findPending(addr netip.AddrPort) *connection.Connection {
	for _, c := range i.pending {
		if c.Address() == addr {
			return c
		}
	}
	return nil
}

func (i *Interface) addConnection(c *connection.Connection) {
	i.table.add(c)
	i.metrics.ConnectionEstablished()
}

func (i *Interface) removeConnection(c *connection.Connection) {
	i.table.remove(c)
}

// clientIdentity derives the token a client must echo in its connect
// request. It binds the request to the address that received the
// challenge.
func (i *Interface) clientIdentity(addr netip.AddrPort, nonce crypto.Nonce) uint32 {
	h := sha256.New()
	var port [2]byte
	binary.LittleEndian.PutUint16(port[:], addr.Port())
	h.Write(port[:])
	ip := addr.Addr().As16()
	h.Write(ip[:])
	h.Write(nonce[:])
	h.Write(i.randomHashData[:])
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint32(sum[:4])
}
