package netif

import (
	"fmt"
	"net/netip"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/crypto"
	"github.com/opd-ai/ghostlink/limits"
	"github.com/opd-ai/ghostlink/puzzle"
	"github.com/opd-ai/ghostlink/registry"
	"github.com/sirupsen/logrus"
)

const signatureBytes = connection.MessageSignatureBytes

func newHandshakePacket(t PacketType) *bitstream.BitStream {
	bs := bitstream.NewPacketStream(limits.MaxPacketDataSize)
	bs.WriteUint8(uint8(t))
	return bs
}

// alignToByte moves the cursor to the next byte boundary and returns the
// byte offset, where an encrypted region can start.
func alignToByte(bs *bitstream.BitStream) int {
	pos := bs.BytePosition()
	bs.SetBytePosition(pos)
	return pos
}

func malformed(what string) error {
	return fmt.Errorf("%w: truncated %s", ErrMalformedHandshake, what)
}

// Connect starts the handshake with the server at addr. Progress is
// reported through the connection's handler.
func (i *Interface) Connect(c *connection.Connection, addr netip.AddrPort, requestKeyExchange, requestCertificate bool) error {
	if c.State() != connection.NotConnected {
		return ErrAlreadyStarted
	}
	p := c.Params()
	p.IsInitiator = true
	p.RequestKeyExchange = requestKeyExchange
	p.RequestCertificate = requestCertificate
	p.DebugObjectSizes = i.debugObjectSizes
	c.SetAddress(addr)
	c.SetOwner(i)

	if old := i.table.find(addr); old != nil {
		i.Disconnect(old, connection.ReasonSelfDisconnect, "Reconnecting")
	}
	i.addPending(c)
	c.SetState(connection.AwaitingChallengeResponse)

	logrus.WithFields(logrus.Fields{
		"function":     "Connect",
		"address":      addr.String(),
		"class":        c.ClassName(),
		"key_exchange": requestKeyExchange,
	}).Info("Connecting")
	i.sendChallengeRequest(c)
	return nil
}

func (i *Interface) markSent(c *connection.Connection) {
	p := c.Params()
	p.SendCount++
	p.LastSendTime = i.clock.Now()
}

func (i *Interface) sendChallengeRequest(c *connection.Connection) {
	p := c.Params()
	bs := newHandshakePacket(ConnectChallengeRequest)
	p.Nonce.Write(bs)
	bs.WriteFlag(p.RequestKeyExchange)
	bs.WriteFlag(p.RequestCertificate)
	i.markSent(c)
	i.sendStream(c.Address(), bs)
}

func (i *Interface) handleChallengeRequest(from netip.AddrPort, bs *bitstream.BitStream) error {
	if !i.allowConnections {
		return ErrConnectionsRefused
	}
	clientNonce := crypto.ReadNonce(bs)
	wantsKeyExchange := bs.ReadFlag()
	wantsCertificate := bs.ReadFlag()
	if !bs.IsValid() {
		return malformed("challenge request")
	}
	if i.limiter != nil && !i.limiter.AllowN(i.clock.Now(), 1) {
		i.metrics.ChallengeThrottled()
		return ErrThrottled
	}
	i.sendChallengeResponse(from, clientNonce, wantsKeyExchange, wantsCertificate)
	return nil
}

// writeLocalKey writes the key exchange section offered to a peer: a flag,
// then either the certificate or the bare public key.
func (i *Interface) writeLocalKey(bs *bitstream.BitStream, wantsKeyExchange, wantsCertificate bool) {
	if !bs.WriteFlag(i.requiresKeyExchange || (wantsKeyExchange && i.privateKey != nil)) {
		return
	}
	if bs.WriteFlag(wantsCertificate && i.certificate != nil) {
		if err := i.certificate.Write(bs); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "writeLocalKey",
				"error":    err.Error(),
			}).Error("Failed to write certificate")
		}
		return
	}
	i.privateKey.PublicKey().Write(bs)
}

func (i *Interface) sendChallengeResponse(addr netip.AddrPort, clientNonce crypto.Nonce, wantsKeyExchange, wantsCertificate bool) {
	bs := newHandshakePacket(ConnectChallengeResponse)
	clientNonce.Write(bs)
	bs.WriteUint32(i.clientIdentity(addr, clientNonce))
	i.puzzles.CurrentNonce().Write(bs)
	bs.WriteUint32(i.puzzles.Difficulty())
	i.writeLocalKey(bs, wantsKeyExchange, wantsCertificate)
	i.sendStream(addr, bs)
}

func (i *Interface) handleChallengeResponse(from netip.AddrPort, bs *bitstream.BitStream) error {
	c := i.findPending(from)
	if c == nil || c.State() != connection.AwaitingChallengeResponse {
		return ErrNoPendingConnection
	}
	p := c.Params()
	if crypto.ReadNonce(bs) != p.Nonce {
		return ErrNonceMismatch
	}
	identity := bs.ReadUint32()
	serverNonce := crypto.ReadNonce(bs)
	difficulty := bs.ReadUint32()
	if !bs.IsValid() {
		return malformed("challenge response")
	}
	if difficulty > puzzle.MaxDifficulty {
		return fmt.Errorf("%w: %d bits", ErrDifficultyTooHigh, difficulty)
	}
	p.ClientIdentity = identity
	p.ServerNonce = serverNonce
	p.PuzzleDifficulty = difficulty

	if bs.ReadFlag() {
		if err := i.readRemoteKey(c, bs); err != nil {
			return err
		}
		if err := i.setupKeyExchange(c); err != nil {
			return err
		}
	}

	c.SetState(connection.ComputingPuzzleSolution)
	p.SendCount = 0
	p.PuzzleSolution = 0
	p.LastSendTime = i.clock.Now()
	i.continuePuzzleSolution(c)
	return nil
}

// readRemoteKey reads the section written by writeLocalKey after its flag
// and asks the handler to approve the key.
func (i *Interface) readRemoteKey(c *connection.Connection, bs *bitstream.BitStream) error {
	p := c.Params()
	if bs.ReadFlag() {
		cert, err := crypto.ReadCertificate(bs)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
		}
		if !c.Handler().ValidateCertificate(c, cert, true) {
			return ErrKeyRejected
		}
		p.Certificate = cert
		p.PublicKey = cert.PublicKey
		return nil
	}
	key, err := crypto.ReadAsymmetricKey(bs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	if !c.Handler().ValidatePublicKey(c, key, true) {
		return ErrKeyRejected
	}
	p.PublicKey = key
	return nil
}

// setupKeyExchange derives the shared secret with the remote public key
// and picks the session key the initiator sends under it.
func (i *Interface) setupKeyExchange(c *connection.Connection) error {
	p := c.Params()
	p.PrivateKey = i.privateKey
	if p.PrivateKey == nil {
		key, err := crypto.GenerateAsymmetricKey()
		if err != nil {
			return fmt.Errorf("generate connection key: %w", err)
		}
		p.PrivateKey = key
	}
	secret, err := p.PrivateKey.ComputeSharedSecretKey(p.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyRejected, err)
	}
	symmetricKey, err := crypto.RandomBytes(crypto.SymmetricKeySize)
	if err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}
	p.SharedSecret = secret
	p.SymmetricKey = symmetricKey
	p.UsingCrypto = true
	return nil
}

func (i *Interface) continuePuzzleSolution(c *connection.Connection) {
	p := c.Params()
	solution, solved := puzzle.Solve(i.clock, p.PuzzleSolution, p.Nonce, p.ServerNonce, p.PuzzleDifficulty, p.ClientIdentity)
	p.PuzzleSolution = solution
	if !solved {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":   "continuePuzzleSolution",
		"address":    c.Address().String(),
		"difficulty": p.PuzzleDifficulty,
		"elapsed":    i.clock.Since(p.LastSendTime).String(),
	}).Debug("Client puzzle solved")
	c.SetState(connection.AwaitingConnectResponse)
	i.sendConnectRequest(c)
}

func (i *Interface) sendConnectRequest(c *connection.Connection) {
	p := c.Params()
	bs := newHandshakePacket(ConnectRequest)
	p.Nonce.Write(bs)
	p.ServerNonce.Write(bs)
	bs.WriteUint32(p.ClientIdentity)
	bs.WriteUint32(p.PuzzleDifficulty)
	bs.WriteUint32(p.PuzzleSolution)

	encryptPos := 0
	if bs.WriteFlag(p.UsingCrypto) {
		p.PrivateKey.PublicKey().Write(bs)
		encryptPos = alignToByte(bs)
		bs.WriteBytes(p.SymmetricKey)
	}
	bs.WriteFlag(p.DebugObjectSizes)
	bs.WriteUint32(c.InitialSendSequence())
	bs.WriteString(c.ClassName())
	c.WriteConnectRequest(bs)

	if encryptPos > 0 {
		if err := bs.HashAndEncrypt(signatureBytes, encryptPos, crypto.NewSymmetricCipherFromSecret(p.SharedSecret)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendConnectRequest",
				"address":  c.Address().String(),
				"error":    err.Error(),
			}).Error("Failed to seal connect request")
			return
		}
	}
	i.markSent(c)
	i.sendStream(c.Address(), bs)
}

func (i *Interface) createConnection(className string) (*connection.Connection, error) {
	if i.classes == nil {
		return nil, fmt.Errorf("%q: %w", className, registry.ErrUnknownClass)
	}
	c, err := i.classes.CreateByName(className)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%q: constructor returned nil: %w", className, registry.ErrUnknownClass)
	}
	return c, nil
}

func (i *Interface) handleConnectRequest(from netip.AddrPort, bs *bitstream.BitStream) error {
	if !i.allowConnections {
		return ErrConnectionsRefused
	}
	var p connection.Parameters
	p.Nonce = crypto.ReadNonce(bs)
	p.ServerNonce = crypto.ReadNonce(bs)
	p.ClientIdentity = bs.ReadUint32()
	p.PuzzleDifficulty = bs.ReadUint32()
	p.PuzzleSolution = bs.ReadUint32()
	if !bs.IsValid() {
		return malformed("connect request")
	}
	if p.ClientIdentity != i.clientIdentity(from, p.Nonce) {
		return ErrIdentityMismatch
	}

	// the accept was lost; the client is retrying
	existing := i.table.find(from)
	if existing != nil {
		ep := existing.Params()
		if ep.Nonce == p.Nonce && ep.ServerNonce == p.ServerNonce {
			i.sendConnectAccept(existing)
			return nil
		}
	}

	if code := i.puzzles.CheckSolution(p.PuzzleSolution, p.Nonce, p.ServerNonce, p.PuzzleDifficulty, p.ClientIdentity); code != puzzle.Success {
		i.sendConnectReject(&p, from, connection.ReasonPuzzle, code.String())
		return nil
	}

	if bs.ReadFlag() {
		if i.privateKey == nil {
			return ErrNoPrivateKey
		}
		key, err := crypto.ReadAsymmetricKey(bs)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
		}
		decryptPos := alignToByte(bs)
		secret, err := i.privateKey.ComputeSharedSecretKey(key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrKeyRejected, err)
		}
		if err := bs.DecryptAndCheckHash(signatureBytes, decryptPos, crypto.NewSymmetricCipherFromSecret(secret)); err != nil {
			return fmt.Errorf("%w: %v", ErrCryptoCheck, err)
		}
		symmetricKey := make([]byte, crypto.SymmetricKeySize)
		bs.ReadBytes(symmetricKey)
		iv, err := crypto.RandomBytes(crypto.SymmetricBlockSize)
		if err != nil {
			return fmt.Errorf("generate session IV: %w", err)
		}
		p.UsingCrypto = true
		p.PublicKey = key
		p.PrivateKey = i.privateKey
		p.SharedSecret = secret
		p.SymmetricKey = symmetricKey
		p.InitVector = iv
	} else if i.requiresKeyExchange {
		i.sendConnectReject(&p, from, connection.ReasonKeyExchange, "Encryption required")
		return nil
	}

	p.DebugObjectSizes = bs.ReadFlag()
	connectSequence := bs.ReadUint32()
	className := bs.ReadString()
	if !bs.IsValid() {
		return malformed("connect request")
	}

	if existing != nil {
		i.Disconnect(existing, connection.ReasonSelfDisconnect, "New connection")
	}

	c, err := i.createConnection(className)
	if err != nil {
		i.sendConnectReject(&p, from, connection.ReasonError, "Unknown connection class")
		return err
	}
	*c.Params() = p
	c.SetAddress(from)
	c.SetOwner(i)
	c.SetInitialRecvSequence(connectSequence)
	if p.UsingCrypto {
		cipher, err := crypto.NewSymmetricCipher(p.SymmetricKey, p.InitVector)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCryptoCheck, err)
		}
		c.SetPacketCipher(cipher)
	}

	if err := c.ReadConnectRequest(bs); err != nil {
		reason, msg := connection.TerminationReasonOf(err)
		i.sendConnectReject(&p, from, reason, msg)
		c.Close()
		return nil
	}

	i.addConnection(c)
	c.Establish()
	logrus.WithFields(logrus.Fields{
		"function":  "handleConnectRequest",
		"address":   from.String(),
		"class":     className,
		"encrypted": p.UsingCrypto,
	}).Info("Connection accepted")
	i.sendConnectAccept(c)
	return nil
}

func (i *Interface) sendConnectAccept(c *connection.Connection) {
	p := c.Params()
	bs := newHandshakePacket(ConnectAccept)
	p.Nonce.Write(bs)
	p.ServerNonce.Write(bs)
	encryptPos := alignToByte(bs)
	bs.WriteUint32(c.InitialSendSequence())
	c.WriteConnectAccept(bs)

	if p.UsingCrypto {
		bs.WriteBytes(p.InitVector)
		if err := bs.HashAndEncrypt(signatureBytes, encryptPos, crypto.NewSymmetricCipherFromSecret(p.SharedSecret)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendConnectAccept",
				"address":  c.Address().String(),
				"error":    err.Error(),
			}).Error("Failed to seal connect accept")
			return
		}
	}
	i.sendStream(c.Address(), bs)
}

func (i *Interface) handleConnectAccept(from netip.AddrPort, bs *bitstream.BitStream) error {
	nonce := crypto.ReadNonce(bs)
	serverNonce := crypto.ReadNonce(bs)
	decryptPos := alignToByte(bs)

	c := i.findPending(from)
	if c == nil || c.State() != connection.AwaitingConnectResponse {
		return ErrNoPendingConnection
	}
	p := c.Params()
	if p.Nonce != nonce || p.ServerNonce != serverNonce {
		return ErrNonceMismatch
	}
	if p.UsingCrypto {
		if err := bs.DecryptAndCheckHash(signatureBytes, decryptPos, crypto.NewSymmetricCipherFromSecret(p.SharedSecret)); err != nil {
			return fmt.Errorf("%w: %v", ErrCryptoCheck, err)
		}
	}
	recvSequence := bs.ReadUint32()
	if !bs.IsValid() {
		return malformed("connect accept")
	}
	c.SetInitialRecvSequence(recvSequence)

	if err := c.ReadConnectAccept(bs); err != nil {
		reason, msg := connection.TerminationReasonOf(err)
		c.SetState(connection.ConnectRejected)
		i.removePending(c)
		c.Handler().OnConnectTerminated(c, reason, msg)
		c.Close()
		return nil
	}

	if p.UsingCrypto {
		iv := make([]byte, crypto.SymmetricBlockSize)
		bs.ReadBytes(iv)
		if !bs.IsValid() {
			return malformed("connect accept")
		}
		cipher, err := crypto.NewSymmetricCipher(p.SymmetricKey, iv)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCryptoCheck, err)
		}
		p.InitVector = iv
		c.SetPacketCipher(cipher)
	}

	i.removePending(c)
	i.addConnection(c)
	c.Establish()
	logrus.WithFields(logrus.Fields{
		"function":  "handleConnectAccept",
		"address":   from.String(),
		"encrypted": p.UsingCrypto,
	}).Info("Connection established")
	return nil
}

func (i *Interface) sendConnectReject(p *connection.Parameters, addr netip.AddrPort, reason connection.TerminationReason, msg string) {
	bs := newHandshakePacket(ConnectReject)
	p.Nonce.Write(bs)
	p.ServerNonce.Write(bs)
	bs.WriteEnum(uint32(reason), uint32(connection.ReasonCount))
	bs.WriteString(msg)
	i.metrics.HandshakeRejected(reason.String())
	logrus.WithFields(logrus.Fields{
		"function": "sendConnectReject",
		"address":  addr.String(),
		"reason":   reason.String(),
		"message":  msg,
	}).Info("Rejecting connection")
	i.sendStream(addr, bs)
}

func (i *Interface) handleConnectReject(from netip.AddrPort, bs *bitstream.BitStream) error {
	nonce := crypto.ReadNonce(bs)
	serverNonce := crypto.ReadNonce(bs)

	c := i.findPending(from)
	if c == nil {
		return ErrNoPendingConnection
	}
	if s := c.State(); s != connection.AwaitingChallengeResponse && s != connection.AwaitingConnectResponse {
		return ErrNoPendingConnection
	}
	p := c.Params()
	if p.Nonce != nonce || p.ServerNonce != serverNonce {
		return ErrNonceMismatch
	}
	reason := connection.TerminationReason(bs.ReadEnum(uint32(connection.ReasonCount)))
	msg := bs.ReadString()
	if !bs.IsValid() {
		return malformed("connect reject")
	}

	if reason == connection.ReasonPuzzle && !p.PuzzleRetried {
		// one retry with a fresh nonce, in case the server nonce rotated
		// while we were solving
		fresh, err := crypto.GenerateNonce()
		if err != nil {
			return fmt.Errorf("generate nonce: %w", err)
		}
		p.PuzzleRetried = true
		p.Nonce = fresh
		p.SendCount = 0
		c.SetState(connection.AwaitingChallengeResponse)
		logrus.WithFields(logrus.Fields{
			"function": "handleConnectReject",
			"address":  from.String(),
			"message":  msg,
		}).Info("Puzzle rejected, retrying challenge")
		i.sendChallengeRequest(c)
		return nil
	}

	c.SetState(connection.ConnectRejected)
	i.removePending(c)
	logrus.WithFields(logrus.Fields{
		"function": "handleConnectReject",
		"address":  from.String(),
		"reason":   reason.String(),
		"message":  msg,
	}).Info("Connection rejected")
	c.Handler().OnConnectTerminated(c, reason, msg)
	c.Close()
	return nil
}

func (i *Interface) sendDisconnectPacket(c *connection.Connection, reason connection.TerminationReason, msg string) {
	p := c.Params()
	bs := newHandshakePacket(Disconnect)
	p.Nonce.Write(bs)
	p.ServerNonce.Write(bs)
	encryptPos := alignToByte(bs)
	bs.WriteEnum(uint32(reason), uint32(connection.ReasonCount))
	bs.WriteString(msg)
	if p.UsingCrypto {
		if err := bs.HashAndEncrypt(signatureBytes, encryptPos, crypto.NewSymmetricCipherFromSecret(p.SharedSecret)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendDisconnectPacket",
				"address":  c.Address().String(),
				"error":    err.Error(),
			}).Error("Failed to seal disconnect")
			return
		}
	}
	i.sendStream(c.Address(), bs)
}

func (i *Interface) handleDisconnect(from netip.AddrPort, bs *bitstream.BitStream) error {
	c := i.table.find(from)
	if c == nil {
		return ErrNoConnection
	}
	p := c.Params()
	if crypto.ReadNonce(bs) != p.Nonce || crypto.ReadNonce(bs) != p.ServerNonce {
		return ErrNonceMismatch
	}
	decryptPos := alignToByte(bs)
	if p.UsingCrypto {
		if err := bs.DecryptAndCheckHash(signatureBytes, decryptPos, crypto.NewSymmetricCipherFromSecret(p.SharedSecret)); err != nil {
			return fmt.Errorf("%w: %v", ErrCryptoCheck, err)
		}
	}
	reason := connection.TerminationReason(bs.ReadEnum(uint32(connection.ReasonCount)))
	msg := bs.ReadString()
	if !bs.IsValid() {
		return malformed("disconnect")
	}
	c.SetState(connection.Disconnected)
	i.terminate(c, reason, msg)
	return nil
}

// SendInfoPacket sends a connectionless packet of type t, which must be
// FirstInfoPacketType or above. write fills in the payload.
func (i *Interface) SendInfoPacket(addr netip.AddrPort, t PacketType, write func(bs *bitstream.BitStream)) error {
	if t < FirstInfoPacketType {
		return fmt.Errorf("%w: %d is a handshake type", ErrUnknownPacketType, t)
	}
	bs := newHandshakePacket(t)
	if write != nil {
		write(bs)
	}
	if !bs.IsValid() {
		return limits.ErrPacketTooLarge
	}
	return i.SendTo(addr, bs.Bytes())
}
