package connection

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/limits"
	"github.com/sirupsen/logrus"
)

func randFloat() float32 { return rand.Float32() }

func millis(d time.Duration) int64 { return d.Milliseconds() }

// sendDelay returns the milliseconds since the last data packet arrived,
// capped to what the header can carry.
func (c *Connection) sendDelay() uint32 {
	if c.lastPacketRecvTime.IsZero() {
		return maxSendDelay
	}
	d := millis(c.now().Sub(c.lastPacketRecvTime))
	if d > maxSendDelay {
		return maxSendDelay
	}
	if d < 0 {
		return 0
	}
	return uint32(d)
}

// writePacketHeader writes the 3-byte clear header followed by the ack
// mask and send delay, which fall inside the encrypted region.
func (c *Connection) writePacketHeader(bs *bitstream.BitStream, t PacketType) {
	ackByteCount := (c.lastSeqRecvd - c.lastRecvAckAck + 7) >> 3
	if ackByteCount > MaxAckByteCount {
		ackByteCount = MaxAckByteCount
	}
	if t == DataPacket {
		c.lastSendSeq++
	}

	bs.WriteInt(uint32(t), 2)
	bs.WriteInt(c.lastSendSeq, 5)
	bs.WriteFlag(true)
	bs.WriteInt(c.lastSendSeq>>5, SequenceNumberBitSize-5)
	bs.WriteInt(c.lastSeqRecvd, AckSequenceNumberBitSize)

	bs.WriteRangedU32(ackByteCount, 0, MaxAckByteCount)
	if ackByteCount > 0 {
		bs.WriteInt(c.ackMask, int(ackByteCount)*8)
	}
	bs.WriteInt(c.sendDelay()>>3, 8)

	// a resent header must not advance what the peer believes we received
	if t == DataPacket {
		c.lastSeqRecvdAtSend[c.lastSendSeq&packetWindowMask] = c.lastSeqRecvd
	}
}

// readPacketHeader validates and applies a packet header. It reports true
// when the packet is a new data packet whose body should be read.
func (c *Connection) readPacketHeader(bs *bitstream.BitStream) (bool, error) {
	pkType := PacketType(bs.ReadInt(2))
	pkSeq := bs.ReadInt(5)
	bs.ReadFlag()
	pkSeq |= bs.ReadInt(SequenceNumberBitSize-5) << 5
	pkHighestAck := bs.ReadInt(AckSequenceNumberBitSize)

	if !bs.IsValid() {
		return false, fmt.Errorf("%w: short header", ErrMalformedPacket)
	}
	if pkType >= invalidPacketType {
		return false, fmt.Errorf("%w: packet type %d", ErrMalformedPacket, pkType)
	}

	pkSeq |= c.lastSeqRecvd & sequenceNumberMask
	if pkSeq < c.lastSeqRecvd {
		pkSeq += sequenceNumberWindow
	}
	if pkSeq-c.lastSeqRecvd > MaxPacketWindowSize-1 {
		return false, fmt.Errorf("%w: sequence %d after %d", ErrOutOfWindow, pkSeq, c.lastSeqRecvd)
	}

	pkHighestAck |= c.highestAckedSeq & ackSequenceNumberMask
	if pkHighestAck < c.highestAckedSeq {
		pkHighestAck += ackSequenceNumberWindow
	}
	if pkHighestAck > c.lastSendSeq {
		return false, fmt.Errorf("%w: ack %d beyond sent %d", ErrOutOfWindow, pkHighestAck, c.lastSendSeq)
	}

	if c.cipher != nil {
		c.cipher.SetupCounter(pkSeq, pkHighestAck, uint32(pkType), 0)
		if err := bs.DecryptAndCheckHash(MessageSignatureBytes, PacketHeaderByteSize, c.cipher); err != nil {
			return false, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
	}

	ackByteCount := bs.ReadRangedU32(0, MaxAckByteCount)
	if ackByteCount > MaxAckByteCount {
		return false, fmt.Errorf("%w: ack byte count %d", ErrMalformedPacket, ackByteCount)
	}
	var pkAckMask uint32
	if ackByteCount > 0 {
		pkAckMask = bs.ReadInt(int(ackByteCount) * 8)
	}
	pkSendDelay := (bs.ReadInt(8) << 3) + 4
	if !bs.IsValid() {
		return false, fmt.Errorf("%w: short ack block", ErrMalformedPacket)
	}

	// shift the ack mask up by the packet delta, which nacks everything
	// skipped; the low bit is set only for data packets
	shift := pkSeq - c.lastSeqRecvd
	var low uint32
	if pkType == DataPacket {
		low = 1
	}
	c.ackMask = c.ackMask<<shift | low

	now := c.now()
	notifyCount := pkHighestAck - c.highestAckedSeq
	for i := uint32(0); i < notifyCount; i++ {
		notifyIndex := c.highestAckedSeq + i + 1
		bit := pkHighestAck - notifyIndex
		delivered := bit < 32 && pkAckMask&(1<<bit) != 0

		c.highestAckedSendTime = time.Time{}
		c.handleNotify(delivered)

		if !c.highestAckedSendTime.IsZero() {
			sample := float32(millis(now.Sub(c.highestAckedSendTime)) - int64(pkSendDelay))
			c.roundTripTime = c.roundTripTime*0.9 + sample*0.1
			if c.roundTripTime < 0 {
				c.roundTripTime = 0
			}
		}
		if delivered {
			c.lastRecvAckAck = c.lastSeqRecvdAtSend[notifyIndex&packetWindowMask]
		}
	}
	// the peer knows more about its window than we do
	if pkSeq-c.lastRecvAckAck > MaxPacketWindowSize {
		c.lastRecvAckAck = pkSeq - MaxPacketWindowSize
	}
	c.highestAckedSeq = pkHighestAck

	c.keepAlive()

	prevLastSequence := c.lastSeqRecvd
	c.lastSeqRecvd = pkSeq

	if pkType == PingPacket {
		c.sendAckPacket()
	}
	return prevLastSequence != pkSeq && pkType == DataPacket, nil
}

func (c *Connection) writePacketRateInfo(bs *bitstream.BitStream, note *PacketNotify) {
	note.rateChanged = c.localRateChanged
	c.localRateChanged = false
	if bs.WriteFlag(note.rateChanged) {
		if !bs.WriteFlag(c.adaptive) {
			bs.WriteRangedU32(c.localRate.MaxRecvBandwidth, 0, MaxFixedBandwidth)
			bs.WriteRangedU32(c.localRate.MaxSendBandwidth, 0, MaxFixedBandwidth)
			bs.WriteRangedU32(c.localRate.MinPacketRecvPeriod, 1, MaxFixedSendPeriod)
			bs.WriteRangedU32(c.localRate.MinPacketSendPeriod, 1, MaxFixedSendPeriod)
		}
	}
}

func (c *Connection) readPacketRateInfo(bs *bitstream.BitStream) {
	if !bs.ReadFlag() {
		return
	}
	if bs.ReadFlag() {
		c.remoteAdaptive = true
		return
	}
	c.remoteRate.MaxRecvBandwidth = bs.ReadRangedU32(0, MaxFixedBandwidth)
	c.remoteRate.MaxSendBandwidth = bs.ReadRangedU32(0, MaxFixedBandwidth)
	c.remoteRate.MinPacketRecvPeriod = bs.ReadRangedU32(1, MaxFixedSendPeriod)
	c.remoteRate.MinPacketSendPeriod = bs.ReadRangedU32(1, MaxFixedSendPeriod)
	if bs.IsValid() {
		c.computeNegotiatedRate()
	}
}

// writeRawPacket writes a complete packet of type t. Data packets queue a
// notify and carry the layer sections.
func (c *Connection) writeRawPacket(bs *bitstream.BitStream, t PacketType) {
	c.writePacketHeader(bs, t)
	if t == DataPacket {
		note := &PacketNotify{
			Sequence:    c.lastSendSeq,
			SendTime:    c.now(),
			attachments: make([]any, len(c.layers)),
		}
		c.notifies = append(c.notifies, note)

		c.writePacketRateInfo(bs, note)
		pkt := &OutgoingPacket{Stream: bs}
		for i, l := range c.layers {
			note.attachments[i] = l.WritePacket(pkt)
		}
	}
	if c.cipher != nil {
		c.cipher.SetupCounter(c.lastSendSeq, c.lastSeqRecvd, uint32(t), 0)
		if err := bs.HashAndEncrypt(MessageSignatureBytes, PacketHeaderByteSize, c.cipher); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "writeRawPacket",
				"address":  c.addr.String(),
				"error":    err.Error(),
			}).Error("Failed to encrypt packet")
		}
	}
}

// handleNotify resolves the oldest in-flight packet.
func (c *Connection) handleNotify(delivered bool) {
	if len(c.notifies) == 0 {
		return
	}
	note := c.notifies[0]
	c.notifies[0] = nil
	c.notifies = c.notifies[1:]

	if note.rateChanged && !delivered {
		c.localRateChanged = true
	}

	if delivered {
		c.highestAckedSendTime = note.SendTime
		if c.adaptive {
			if c.cwnd < c.ssthresh {
				c.cwnd++
			} else if c.cwnd < maxCongestionWindow {
				c.cwnd += 1 / c.cwnd
			}
			if c.cwnd > maxCongestionWindow {
				c.cwnd = maxCongestionWindow
			}
		}
		for i, l := range c.layers {
			l.PacketReceived(note.attachments[i])
		}
		return
	}

	if c.adaptive {
		c.ssthresh = max(minCongestionWindow, c.ssthresh*0.5)
		c.cwnd = max(minCongestionWindow, c.cwnd-1)
	}
	for i, l := range c.layers {
		l.PacketDropped(note.attachments[i])
	}
}

func (c *Connection) windowFull() bool {
	outstanding := c.lastSendSeq - c.highestAckedSeq
	if outstanding >= MaxPacketWindowSize-2 {
		return true
	}
	return c.adaptive && float32(outstanding) >= c.cwnd
}

// hasUnackedSentPackets reports whether any data packet is awaiting ack.
func (c *Connection) hasUnackedSentPackets() bool {
	return c.lastSendSeq != c.highestAckedSeq
}

// CheckPacketSend sends a data packet if the rate allows and there is data
// or acknowledgments to send. force skips the fixed rate check.
func (c *Connection) CheckPacketSend(force bool) {
	if c.closed {
		return
	}
	now := c.now()
	if !force && !c.adaptive {
		elapsed := millis(now.Sub(c.lastUpdateTime))
		if c.lastUpdateTime.IsZero() {
			elapsed = int64(c.sendPeriod)
		}
		if elapsed+c.sendDelayCredit < int64(c.sendPeriod) {
			return
		}
		c.sendDelayCredit = elapsed + c.sendDelayCredit - int64(c.sendPeriod)
		if c.sendDelayCredit > maxSendDelayCredit {
			c.sendDelayCredit = maxSendDelayCredit
		}
	}

	for _, l := range c.layers {
		l.PrepareWritePacket()
	}
	if c.windowFull() || !c.isDataToTransmit() {
		c.maybeSendAck(now)
		return
	}

	bs := bitstream.NewPacketStream(c.sendSize)
	c.lastUpdateTime = now
	c.writeRawPacket(bs, DataPacket)
	c.sendPacket(bs)
}

// maybeSendAck acks received data when there is nothing else to send, once
// enough packets or time have accumulated. Fixed rate connections get here
// only when their send period allows a packet.
func (c *Connection) maybeSendAck(now time.Time) {
	if c.lastSeqRecvdAck == c.lastSeqRecvd {
		return
	}
	ackDelta := int32(c.lastSeqRecvd - c.lastSeqRecvdAck)
	deltaT := float32(millis(now.Sub(c.lastAckTime)))
	if c.lastAckTime.IsZero() {
		deltaT = 1000
	}
	score := float32(ackDelta) / 4 * deltaT / 200
	if score > 1 || float32(ackDelta) > 0.75*MaxPacketWindowSize {
		c.lastSeqRecvdAck = c.lastSeqRecvd
		c.lastAckTime = now
		c.sendAckPacket()
	}
}

func (c *Connection) isDataToTransmit() bool {
	// a changed rate must reach the peer even with no layer data
	if c.localRateChanged {
		return true
	}
	for _, l := range c.layers {
		if l.IsDataToTransmit() {
			return true
		}
	}
	return false
}

// CheckTimeout sends keepalive pings and reports true once the peer has
// failed to answer for the allowed number of retries.
func (c *Connection) CheckTimeout() bool {
	now := c.now()
	if c.lastPingSendTime.IsZero() {
		c.lastPingSendTime = now
	}

	timeout := c.pingTimeout
	retries := c.pingRetryCount
	if c.adaptive {
		if c.hasUnackedSentPackets() {
			timeout = AdaptiveUnackedSentPingTimeout
		} else {
			retries = AdaptivePingRetryCount
			if c.pingSendCount == 0 {
				timeout = AdaptiveInitialPingTimeout
			}
		}
	}

	if now.Sub(c.lastPingSendTime) > timeout {
		if c.pingSendCount >= retries {
			return true
		}
		c.lastPingSendTime = now
		c.pingSendCount++
		c.sendPingPacket()
	}
	return false
}

func (c *Connection) keepAlive() {
	c.lastPingSendTime = time.Time{}
	c.pingSendCount = 0
}

func (c *Connection) sendPingPacket() {
	bs := bitstream.NewPacketStream(limits.MaxPacketDataSize)
	c.writeRawPacket(bs, PingPacket)
	c.sendPacket(bs)
}

func (c *Connection) sendAckPacket() {
	bs := bitstream.NewPacketStream(limits.MaxPacketDataSize)
	c.writeRawPacket(bs, AckPacket)
	c.sendPacket(bs)
}

func (c *Connection) sendPacket(bs *bitstream.BitStream) {
	if c.owner == nil {
		return
	}
	if c.sim.SendLoss > 0 && randFloat() < c.sim.SendLoss {
		logrus.WithFields(logrus.Fields{
			"function": "sendPacket",
			"address":  c.addr.String(),
			"sequence": c.lastSendSeq,
		}).Debug("Simulated send drop")
		return
	}
	data := append([]byte(nil), bs.Bytes()...)
	if c.sim.SendLatency > 0 {
		c.owner.SendToDelayed(c.addr, data, c.sim.SendLatency)
		return
	}
	if err := c.owner.SendTo(c.addr, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendPacket",
			"address":  c.addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to send packet")
	}
}
