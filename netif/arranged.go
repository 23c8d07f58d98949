package netif

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/crypto"
	"github.com/sirupsen/logrus"
)

// Arrangement describes a connection negotiated through a third party,
// typically a master server, that handed both peers the same nonces and
// secret along with each other's candidate addresses.
type Arrangement struct {
	// Addresses are the remote host's candidate addresses. Punches go to
	// all of them.
	Addresses   []netip.AddrPort
	Nonce       crypto.Nonce
	ServerNonce crypto.Nonce
	// Secret seals the punch and connect packets; it must be
	// crypto.SharedSecretSize bytes.
	Secret []byte
	// Initiator is true on exactly one side. The initiator sends the
	// connect request once a punch gets through.
	Initiator          bool
	RequestKeyExchange bool
	RequestCertificate bool
}

// ConnectArranged starts punching through to the remote host described by
// a. Both peers must call it at roughly the same time.
func (i *Interface) ConnectArranged(c *connection.Connection, a Arrangement) error {
	if c.State() != connection.NotConnected {
		return ErrAlreadyStarted
	}
	if len(a.Addresses) == 0 {
		return fmt.Errorf("%w: no candidate addresses", ErrInvalidArrangement)
	}
	if len(a.Secret) != crypto.SharedSecretSize {
		return fmt.Errorf("%w: secret is %d bytes, want %d", ErrInvalidArrangement, len(a.Secret), crypto.SharedSecretSize)
	}

	p := c.Params()
	p.IsArranged = true
	p.IsInitiator = a.Initiator
	p.Nonce = a.Nonce
	p.ServerNonce = a.ServerNonce
	p.ArrangedSecret = slices.Clone(a.Secret)
	p.PossibleAddresses = slices.Clone(a.Addresses)
	p.RequestKeyExchange = a.RequestKeyExchange
	p.RequestCertificate = a.RequestCertificate
	p.DebugObjectSizes = i.debugObjectSizes
	c.SetAddress(a.Addresses[0])
	c.SetOwner(i)

	i.addPending(c)
	c.SetState(connection.SendingPunchPackets)
	logrus.WithFields(logrus.Fields{
		"function":   "ConnectArranged",
		"candidates": len(a.Addresses),
		"initiator":  a.Initiator,
	}).Info("Starting arranged connection")
	i.sendPunchPackets(c)
	return nil
}

func (i *Interface) sendPunchPackets(c *connection.Connection) {
	p := c.Params()
	bs := newHandshakePacket(Punch)
	if p.IsInitiator {
		p.Nonce.Write(bs)
	} else {
		p.ServerNonce.Write(bs)
	}
	encryptPos := alignToByte(bs)
	if p.IsInitiator {
		p.ServerNonce.Write(bs)
	} else {
		p.Nonce.Write(bs)
		i.writeLocalKey(bs, p.RequestKeyExchange, p.RequestCertificate)
	}
	if err := bs.HashAndEncrypt(signatureBytes, encryptPos, crypto.NewSymmetricCipherFromSecret(p.ArrangedSecret)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendPunchPackets",
			"error":    err.Error(),
		}).Error("Failed to seal punch packet")
		return
	}
	for _, addr := range p.PossibleAddresses {
		i.sendStream(addr, bs)
	}
	i.markSent(c)
}

func sameHost(addrs []netip.AddrPort, from netip.AddrPort) bool {
	return slices.ContainsFunc(addrs, func(a netip.AddrPort) bool {
		return a.Addr() == from.Addr()
	})
}

// matchPunch finds the pending arranged connection a punch belongs to. A
// punch from a known host on an unknown port adds that port to the
// candidates, since a NAT may have remapped it.
func (i *Interface) matchPunch(from netip.AddrPort, first crypto.Nonce) *connection.Connection {
	for _, c := range i.pending {
		p := c.Params()
		if c.State() != connection.SendingPunchPackets {
			continue
		}
		if (p.IsInitiator && first != p.ServerNonce) || (!p.IsInitiator && first != p.Nonce) {
			continue
		}
		if slices.Contains(p.PossibleAddresses, from) {
			if p.IsInitiator {
				return c
			}
			continue
		}
		if !sameHost(p.PossibleAddresses, from) {
			continue
		}
		if len(p.PossibleAddresses) < MaxPossibleAddresses {
			p.PossibleAddresses = append(p.PossibleAddresses, from)
		}
		if p.IsInitiator {
			return c
		}
	}
	return nil
}

func (i *Interface) handlePunch(from netip.AddrPort, bs *bitstream.BitStream) error {
	first := crypto.ReadNonce(bs)
	if !bs.IsValid() {
		return malformed("punch")
	}
	c := i.matchPunch(from, first)
	if c == nil {
		return ErrNoPendingConnection
	}
	p := c.Params()
	if err := bs.DecryptAndCheckHash(signatureBytes, bs.BytePosition(), crypto.NewSymmetricCipherFromSecret(p.ArrangedSecret)); err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoCheck, err)
	}
	if crypto.ReadNonce(bs) != p.Nonce {
		return ErrNonceMismatch
	}
	if bs.ReadFlag() {
		if err := i.readRemoteKey(c, bs); err != nil {
			return err
		}
		if err := i.setupKeyExchange(c); err != nil {
			return err
		}
	}
	if !bs.IsValid() {
		return malformed("punch")
	}

	c.SetAddress(from)
	c.SetState(connection.AwaitingConnectResponse)
	p.SendCount = 0
	logrus.WithFields(logrus.Fields{
		"function": "handlePunch",
		"address":  from.String(),
	}).Info("Punch matched, sending arranged connect request")
	i.sendArrangedConnectRequest(c)
	return nil
}

func (i *Interface) sendArrangedConnectRequest(c *connection.Connection) {
	p := c.Params()
	bs := newHandshakePacket(ArrangedConnectRequest)
	p.Nonce.Write(bs)
	encryptPos := alignToByte(bs)
	p.ServerNonce.Write(bs)

	innerPos := 0
	if bs.WriteFlag(p.UsingCrypto) {
		p.PrivateKey.PublicKey().Write(bs)
		innerPos = alignToByte(bs)
		bs.WriteBytes(p.SymmetricKey)
	}
	bs.WriteFlag(p.DebugObjectSizes)
	bs.WriteUint32(c.InitialSendSequence())
	c.WriteConnectRequest(bs)

	if innerPos > 0 {
		if err := bs.HashAndEncrypt(signatureBytes, innerPos, crypto.NewSymmetricCipherFromSecret(p.SharedSecret)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendArrangedConnectRequest",
				"error":    err.Error(),
			}).Error("Failed to seal session key")
			return
		}
	}
	if err := bs.HashAndEncrypt(signatureBytes, encryptPos, crypto.NewSymmetricCipherFromSecret(p.ArrangedSecret)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendArrangedConnectRequest",
			"error":    err.Error(),
		}).Error("Failed to seal arranged connect request")
		return
	}
	i.markSent(c)
	i.sendStream(c.Address(), bs)
}

func (i *Interface) handleArrangedConnectRequest(from netip.AddrPort, bs *bitstream.BitStream) error {
	nonce := crypto.ReadNonce(bs)
	if !bs.IsValid() {
		return malformed("arranged connect request")
	}

	old := i.table.find(from)
	if old != nil && old.Params().Nonce == nonce {
		i.sendConnectAccept(old)
		return nil
	}

	var c *connection.Connection
	for _, candidate := range i.pending {
		p := candidate.Params()
		if candidate.State() != connection.SendingPunchPackets || p.IsInitiator || p.Nonce != nonce {
			continue
		}
		if sameHost(p.PossibleAddresses, from) {
			c = candidate
			break
		}
	}
	if c == nil {
		return ErrNoPendingConnection
	}
	p := c.Params()
	if err := bs.DecryptAndCheckHash(signatureBytes, bs.BytePosition(), crypto.NewSymmetricCipherFromSecret(p.ArrangedSecret)); err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoCheck, err)
	}
	if crypto.ReadNonce(bs) != p.ServerNonce {
		return ErrNonceMismatch
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
	}
	p.DebugObjectSizes = bs.ReadFlag()
	connectSequence := bs.ReadUint32()
	if !bs.IsValid() {
		return malformed("arranged connect request")
	}

	if old != nil {
		i.Disconnect(old, connection.ReasonSelfDisconnect, "")
	}
	c.SetAddress(from)
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
		i.sendConnectReject(p, from, reason, msg)
		c.SetState(connection.ConnectRejected)
		i.removePending(c)
		c.Handler().OnConnectTerminated(c, reason, msg)
		c.Close()
		return nil
	}

	i.removePending(c)
	i.addConnection(c)
	c.Establish()
	logrus.WithFields(logrus.Fields{
		"function":  "handleArrangedConnectRequest",
		"address":   from.String(),
		"encrypted": p.UsingCrypto,
	}).Info("Arranged connection accepted")
	i.sendConnectAccept(c)
	return nil
}
