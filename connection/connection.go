package connection

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/crypto"
	"github.com/opd-ai/ghostlink/limits"
	"github.com/sirupsen/logrus"
)

// Rate is one side's fixed rate limits. Bandwidths are bytes per second,
// periods are milliseconds between packets.
type Rate struct {
	MaxRecvBandwidth    uint32
	MaxSendBandwidth    uint32
	MinPacketRecvPeriod uint32
	MinPacketSendPeriod uint32
}

// DefaultRate is the fixed rate a new connection starts with.
var DefaultRate = Rate{
	MaxRecvBandwidth:    DefaultFixedBandwidth,
	MaxSendBandwidth:    DefaultFixedBandwidth,
	MinPacketRecvPeriod: DefaultFixedSendPeriod,
	MinPacketSendPeriod: DefaultFixedSendPeriod,
}

// SimulatedNetwork injects loss and latency for testing. Loss values are
// probabilities in [0, 1].
type SimulatedNetwork struct {
	SendLoss    float32
	RecvLoss    float32
	SendLatency time.Duration
	RecvLatency time.Duration
}

// PacketNotify records one sent data packet until it is acked or dropped.
type PacketNotify struct {
	Sequence    uint32
	SendTime    time.Time
	rateChanged bool
	attachments []any
}

// Connection is one end of a packet stream to a remote host. It numbers
// packets, tracks which were acknowledged, limits the send rate and hands
// the packet body to its layers.
//
// A Connection is not safe for concurrent use; it is driven by its owning
// dispatcher from a single goroutine.
type Connection struct {
	className string
	handler   Handler
	owner     Owner
	addr      netip.AddrPort
	state     State
	params    Parameters
	layers    []Layer
	cipher    PacketCipher
	toServer  bool
	closed    bool

	initialSendSeq     uint32
	initialRecvSeq     uint32
	lastSendSeq        uint32
	highestAckedSeq    uint32
	lastSeqRecvd       uint32
	lastRecvAckAck     uint32
	lastSeqRecvdAtSend [MaxPacketWindowSize]uint32
	ackMask            uint32

	notifies             []*PacketNotify
	highestAckedSendTime time.Time

	localRate        Rate
	remoteRate       Rate
	localRateChanged bool
	sendPeriod       uint32
	sendSize         int
	adaptive         bool
	remoteAdaptive   bool
	cwnd             float32
	ssthresh         float32
	lastSeqRecvdAck  uint32
	lastAckTime      time.Time

	roundTripTime      float32
	sendDelayCredit    int64
	lastUpdateTime     time.Time
	lastPacketRecvTime time.Time
	lastPingSendTime   time.Time
	pingSendCount      int
	pingTimeout        time.Duration
	pingRetryCount     int

	sim SimulatedNetwork
}

// New creates an unconnected connection. className names the connection
// type in the connect request so the accepting side can build a matching
// one. A nil handler is replaced with BaseHandler.
func New(className string, handler Handler) *Connection {
	if handler == nil {
		handler = BaseHandler{}
	}
	c := &Connection{
		className:        className,
		handler:          handler,
		state:            NotConnected,
		initialSendSeq:   crypto.RandomUint32(),
		localRate:        DefaultRate,
		remoteRate:       DefaultRate,
		localRateChanged: true,
		cwnd:             initialCongestionWindow,
		ssthresh:         initialSlowStartThresh,
		pingTimeout:      DefaultPingTimeout,
		pingRetryCount:   DefaultPingRetryCount,
	}
	c.lastSendSeq = c.initialSendSeq
	c.highestAckedSeq = c.initialSendSeq
	if n, err := crypto.GenerateNonce(); err == nil {
		c.params.Nonce = n
	}
	c.computeNegotiatedRate()
	return c
}

// AddLayer appends a packet layer. Layers must be added before the
// connection starts sending.
func (c *Connection) AddLayer(l Layer) {
	c.layers = append(c.layers, l)
}

// Layers returns the registered layers in packet order.
func (c *Connection) Layers() []Layer { return c.layers }

// ClassName returns the connection type name sent in the connect request.
func (c *Connection) ClassName() string { return c.className }

// Handler returns the application callbacks.
func (c *Connection) Handler() Handler { return c.handler }

// SetOwner attaches the connection to its dispatcher.
func (c *Connection) SetOwner(o Owner) { c.owner = o }

// Owner returns the dispatcher the connection is attached to.
func (c *Connection) Owner() Owner { return c.owner }

// Address returns the remote address.
func (c *Connection) Address() netip.AddrPort { return c.addr }

// SetAddress sets the remote address.
func (c *Connection) SetAddress(addr netip.AddrPort) { c.addr = addr }

// State returns the lifecycle state.
func (c *Connection) State() State { return c.state }

// SetState moves the connection to s.
func (c *Connection) SetState(s State) {
	if c.state == s {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "SetState",
		"address":  c.addr.String(),
		"from":     c.state.String(),
		"to":       s.String(),
	}).Debug("Connection state change")
	c.state = s
}

// Params returns the handshake parameters.
func (c *Connection) Params() *Parameters { return &c.params }

// IsInitiator reports whether this side started the handshake.
func (c *Connection) IsInitiator() bool { return c.params.IsInitiator }

// IsConnectionToServer reports whether this side initiated an established
// connection.
func (c *Connection) IsConnectionToServer() bool { return c.toServer }

// IsClosed reports whether Close has run.
func (c *Connection) IsClosed() bool { return c.closed }

// InitialSendSequence returns the sequence number this side started at.
func (c *Connection) InitialSendSequence() uint32 { return c.initialSendSeq }

// InitialRecvSequence returns the remote side's starting sequence number.
func (c *Connection) InitialRecvSequence() uint32 { return c.initialRecvSeq }

// SetInitialRecvSequence records the remote side's starting sequence
// number, learned during the handshake.
func (c *Connection) SetInitialRecvSequence(seq uint32) {
	c.initialRecvSeq = seq
	c.lastSeqRecvd = seq
	c.lastRecvAckAck = seq
	c.lastSeqRecvdAck = seq
}

// LastSendSequence returns the sequence number of the last data packet sent.
func (c *Connection) LastSendSequence() uint32 { return c.lastSendSeq }

// HighestAckedSequence returns the highest sequence the peer has acknowledged.
func (c *Connection) HighestAckedSequence() uint32 { return c.highestAckedSeq }

// SetPacketCipher enables packet encryption. Pass nil to disable it.
func (c *Connection) SetPacketCipher(pc PacketCipher) { c.cipher = pc }

// IsEncrypted reports whether packets are encrypted.
func (c *Connection) IsEncrypted() bool { return c.cipher != nil }

// RoundTripTime returns the smoothed round trip estimate.
func (c *Connection) RoundTripTime() time.Duration {
	return time.Duration(c.roundTripTime * float32(time.Millisecond))
}

// CongestionWindow returns the adaptive window and slow start threshold.
func (c *Connection) CongestionWindow() (cwnd, ssthresh float32) {
	return c.cwnd, c.ssthresh
}

// PendingNotifies returns the number of data packets awaiting ack or drop.
func (c *Connection) PendingNotifies() int { return len(c.notifies) }

// SetSimulatedNetwork configures simulated loss and latency.
func (c *Connection) SetSimulatedNetwork(sim SimulatedNetwork) { c.sim = sim }

// SimulatedNetwork returns the simulated loss and latency settings.
func (c *Connection) SimulatedNetwork() SimulatedNetwork { return c.sim }

// SetPingTimeouts overrides the fixed rate keepalive interval and retries.
func (c *Connection) SetPingTimeouts(timeout time.Duration, retries int) {
	c.pingTimeout = timeout
	c.pingRetryCount = retries
}

// SetAdaptive switches the connection to adaptive congestion control.
func (c *Connection) SetAdaptive() {
	c.adaptive = true
	c.localRateChanged = true
}

// IsAdaptive reports whether adaptive congestion control is in use.
func (c *Connection) IsAdaptive() bool { return c.adaptive }

// SetFixedRateParameters switches to fixed rate control with the given limits.
func (c *Connection) SetFixedRateParameters(r Rate) {
	c.adaptive = false
	c.localRate = r
	c.localRateChanged = true
	c.computeNegotiatedRate()
}

// NegotiatedRate returns the packet period and byte budget currently in use.
func (c *Connection) NegotiatedRate() (period time.Duration, size int) {
	return time.Duration(c.sendPeriod) * time.Millisecond, c.sendSize
}

func (c *Connection) computeNegotiatedRate() {
	c.sendPeriod = max(c.localRate.MinPacketSendPeriod, c.remoteRate.MinPacketRecvPeriod)
	bandwidth := min(c.localRate.MaxSendBandwidth, c.remoteRate.MaxRecvBandwidth)
	c.sendSize = int(uint64(bandwidth) * uint64(c.sendPeriod) / 1000)
	if c.sendSize > limits.MaxPacketDataSize {
		c.sendSize = limits.MaxPacketDataSize
	}
}

func (c *Connection) now() time.Time {
	return c.owner.Now()
}

// WriteConnectRequest appends every layer's and the handler's connect
// request data.
func (c *Connection) WriteConnectRequest(bs *bitstream.BitStream) {
	for _, l := range c.layers {
		if h, ok := l.(HandshakeLayer); ok {
			h.WriteConnectRequest(bs)
		}
	}
	c.handler.WriteConnectRequest(c, bs)
}

// ReadConnectRequest reads what WriteConnectRequest wrote. A non-nil error
// rejects the connection.
func (c *Connection) ReadConnectRequest(bs *bitstream.BitStream) error {
	for _, l := range c.layers {
		if h, ok := l.(HandshakeLayer); ok {
			if err := h.ReadConnectRequest(bs); err != nil {
				return err
			}
		}
	}
	if !bs.IsValid() {
		return Reject(ReasonError, "truncated connect request")
	}
	return c.handler.ReadConnectRequest(c, bs)
}

// WriteConnectAccept appends every layer's and the handler's connect
// accept data.
func (c *Connection) WriteConnectAccept(bs *bitstream.BitStream) {
	for _, l := range c.layers {
		if h, ok := l.(HandshakeLayer); ok {
			h.WriteConnectAccept(bs)
		}
	}
	c.handler.WriteConnectAccept(c, bs)
}

// ReadConnectAccept reads what WriteConnectAccept wrote.
func (c *Connection) ReadConnectAccept(bs *bitstream.BitStream) error {
	for _, l := range c.layers {
		if h, ok := l.(HandshakeLayer); ok {
			if err := h.ReadConnectAccept(bs); err != nil {
				return err
			}
		}
	}
	if !bs.IsValid() {
		return Reject(ReasonError, "truncated connect accept")
	}
	return c.handler.ReadConnectAccept(c, bs)
}

// Establish marks the connection connected and runs the establishment
// callbacks of layers and handler.
func (c *Connection) Establish() {
	c.SetState(Connected)
	c.toServer = c.params.IsInitiator
	for _, l := range c.layers {
		if e, ok := l.(EstablishedLayer); ok {
			e.ConnectionEstablished()
		}
	}
	c.handler.OnConnectionEstablished(c)
}

// Disconnect asks the owner to end the connection and tell the peer why.
func (c *Connection) Disconnect(reason TerminationReason, msg string) {
	if c.owner != nil {
		c.owner.Disconnect(c, reason, msg)
		return
	}
	c.SetState(Disconnected)
	c.Close()
}

// Close reports every in-flight packet as dropped, in send order, then
// lets each layer release what it still holds. Close is idempotent.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	for len(c.notifies) > 0 {
		c.handleNotify(false)
	}
	for _, l := range c.layers {
		l.ConnectionClosed()
	}
	c.closed = true
	c.params.Wipe()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"address":  c.addr.String(),
		"state":    c.state.String(),
	}).Debug("Connection closed")
}

// ProcessPacket decodes a data, ping or ack packet received from the peer.
// Datagram errors (see IsDatagramError) leave the connection untouched
// except for acknowledgment state already applied; any other error comes
// from a layer and means the peer sent something semantically invalid.
func (c *Connection) ProcessPacket(bs *bitstream.BitStream) error {
	if c.closed {
		return ErrClosed
	}
	if c.sim.RecvLoss > 0 && randFloat() < c.sim.RecvLoss {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessPacket",
			"address":  c.addr.String(),
		}).Debug("Simulated receive drop")
		return nil
	}

	isData, err := c.readPacketHeader(bs)
	if err != nil || !isData {
		return err
	}
	c.lastPacketRecvTime = c.now()

	c.readPacketRateInfo(bs)
	for _, l := range c.layers {
		if !bs.IsValid() {
			break
		}
		if err := l.ReadPacket(bs); err != nil {
			return fmt.Errorf("read packet from %s: %w", c.addr, err)
		}
	}
	if !bs.IsValid() {
		return fmt.Errorf("%w: truncated packet body", ErrMalformedPacket)
	}
	return nil
}
