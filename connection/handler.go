package connection

import (
	"net/netip"
	"time"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/crypto"
)

// Owner is the dispatcher a connection belongs to. It owns the socket, the
// clock and the delayed packet queue.
type Owner interface {
	Now() time.Time
	SendTo(addr netip.AddrPort, data []byte) error
	SendToDelayed(addr netip.AddrPort, data []byte, delay time.Duration)
	Disconnect(c *Connection, reason TerminationReason, msg string)
}

// PacketCipher encrypts connection packets. SetupCounter is called before
// every packet with the packet's sequence numbers and type.
type PacketCipher interface {
	bitstream.Cipher
	SetupCounter(v1, v2, v3, v4 uint32)
}

// OutgoingPacket is the data packet being composed by the layers.
type OutgoingPacket struct {
	Stream *bitstream.BitStream
	// Records counts complete records written by earlier layers.
	Records int
}

// Layer adds a section to every data packet. Layers run in registration
// order for writing, reading and notifications.
type Layer interface {
	PrepareWritePacket()
	IsDataToTransmit() bool
	// WritePacket writes the layer's section and returns the bookkeeping
	// to hand back on PacketReceived or PacketDropped.
	WritePacket(pkt *OutgoingPacket) any
	ReadPacket(bs *bitstream.BitStream) error
	PacketReceived(attachment any)
	PacketDropped(attachment any)
	// ConnectionClosed runs once, after every outstanding packet has been
	// reported dropped.
	ConnectionClosed()
}

// HandshakeLayer is implemented by layers that exchange data in the connect
// request and accept.
type HandshakeLayer interface {
	WriteConnectRequest(bs *bitstream.BitStream)
	ReadConnectRequest(bs *bitstream.BitStream) error
	WriteConnectAccept(bs *bitstream.BitStream)
	ReadConnectAccept(bs *bitstream.BitStream) error
}

// EstablishedLayer is implemented by layers that act on connection
// establishment.
type EstablishedLayer interface {
	ConnectionEstablished()
}

// Handler receives connection lifecycle callbacks and may add application
// data to the handshake. Read methods reject the handshake by returning an
// error; a *TerminationError selects the reason sent to the peer.
type Handler interface {
	OnConnectionEstablished(c *Connection)
	OnConnectionTerminated(c *Connection, reason TerminationReason, msg string)
	OnConnectTerminated(c *Connection, reason TerminationReason, msg string)
	WriteConnectRequest(c *Connection, bs *bitstream.BitStream)
	ReadConnectRequest(c *Connection, bs *bitstream.BitStream) error
	WriteConnectAccept(c *Connection, bs *bitstream.BitStream)
	ReadConnectAccept(c *Connection, bs *bitstream.BitStream) error
	ValidatePublicKey(c *Connection, key *crypto.AsymmetricKey, isInitiator bool) bool
	ValidateCertificate(c *Connection, cert *crypto.Certificate, isInitiator bool) bool
}

// BaseHandler implements Handler with no-ops that accept everything. Embed
// it to override only what you need.
type BaseHandler struct{}

func (BaseHandler) OnConnectionEstablished(*Connection)                             {}
func (BaseHandler) OnConnectionTerminated(*Connection, TerminationReason, string)   {}
func (BaseHandler) OnConnectTerminated(*Connection, TerminationReason, string)      {}
func (BaseHandler) WriteConnectRequest(*Connection, *bitstream.BitStream)           {}
func (BaseHandler) ReadConnectRequest(*Connection, *bitstream.BitStream) error      { return nil }
func (BaseHandler) WriteConnectAccept(*Connection, *bitstream.BitStream)            {}
func (BaseHandler) ReadConnectAccept(*Connection, *bitstream.BitStream) error       { return nil }
func (BaseHandler) ValidatePublicKey(*Connection, *crypto.AsymmetricKey, bool) bool { return true }
func (BaseHandler) ValidateCertificate(*Connection, *crypto.Certificate, bool) bool { return true }

// Parameters holds the handshake state of a connection. It is filled in by
// the dispatcher and mostly discarded once the connection is established.
type Parameters struct {
	IsInitiator        bool
	IsArranged         bool
	PuzzleRetried      bool
	RequestKeyExchange bool
	RequestCertificate bool
	UsingCrypto        bool
	DebugObjectSizes   bool

	Nonce            crypto.Nonce
	ServerNonce      crypto.Nonce
	PuzzleDifficulty uint32
	PuzzleSolution   uint32
	ClientIdentity   uint32

	PublicKey    *crypto.AsymmetricKey
	PrivateKey   *crypto.AsymmetricKey
	Certificate  *crypto.Certificate
	SharedSecret []byte
	SymmetricKey []byte
	InitVector   []byte

	ArrangedSecret    []byte
	PossibleAddresses []netip.AddrPort

	// SendCount and LastSendTime drive handshake retries.
	SendCount    int
	LastSendTime time.Time
}

// Wipe clears key material that is no longer needed after the handshake.
func (p *Parameters) Wipe() {
	crypto.ZeroBytes(p.SharedSecret)
	crypto.ZeroBytes(p.SymmetricKey)
	crypto.ZeroBytes(p.ArrangedSecret)
	p.SharedSecret = nil
	p.SymmetricKey = nil
	p.ArrangedSecret = nil
	p.InitVector = nil
	p.PossibleAddresses = nil
}
