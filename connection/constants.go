package connection

import (
	"time"

	"github.com/opd-ai/ghostlink/limits"
)

const (
	// MaxPacketWindowSize is the number of packets that may be in flight.
	MaxPacketWindowSize = 32
	packetWindowMask    = MaxPacketWindowSize - 1

	// SequenceNumberBitSize is the width of the send sequence on the wire.
	SequenceNumberBitSize = 11
	sequenceNumberWindow  = 1 << SequenceNumberBitSize
	sequenceNumberMask    = ^uint32(sequenceNumberWindow - 1)

	// AckSequenceNumberBitSize is the width of the acknowledged sequence on the wire.
	AckSequenceNumberBitSize = 10
	ackSequenceNumberWindow  = 1 << AckSequenceNumberBitSize
	ackSequenceNumberMask    = ^uint32(ackSequenceNumberWindow - 1)

	// MaxAckByteCount is the largest ack mask carried in a header.
	MaxAckByteCount = MaxPacketWindowSize >> 3

	// PacketHeaderBitSize covers type, sequence, marker and ack fields.
	PacketHeaderBitSize = 2 + SequenceNumberBitSize + 1 + AckSequenceNumberBitSize

	// PacketHeaderByteSize is where encryption starts in a data packet.
	PacketHeaderByteSize = (PacketHeaderBitSize + 7) >> 3

	// MessageSignatureBytes is the truncated digest appended to encrypted packets.
	MessageSignatureBytes = limits.MessageSignatureBytes
)

// Fixed rate defaults and limits. Bandwidth is in bytes per second and
// periods in milliseconds.
const (
	DefaultFixedBandwidth  = 2500
	DefaultFixedSendPeriod = 96
	MaxFixedBandwidth      = 65535
	MaxFixedSendPeriod     = 2047
)

// Keepalive timing.
const (
	DefaultPingTimeout             = 5000 * time.Millisecond
	DefaultPingRetryCount          = 5
	AdaptiveInitialPingTimeout     = 60000 * time.Millisecond
	AdaptivePingRetryCount         = 4
	AdaptiveUnackedSentPingTimeout = 3000 * time.Millisecond
)

const (
	initialCongestionWindow = 2
	initialSlowStartThresh  = 30
	minCongestionWindow     = 2
	maxCongestionWindow     = MaxPacketWindowSize - 2
	maxSendDelayCredit      = 1000
	maxSendDelay            = 2047
)

// PacketType is the 2-bit type field of a connection packet header.
type PacketType uint32

const (
	DataPacket PacketType = iota
	PingPacket
	AckPacket
	invalidPacketType
)

func (t PacketType) String() string {
	switch t {
	case DataPacket:
		return "data"
	case PingPacket:
		return "ping"
	case AckPacket:
		return "ack"
	default:
		return "invalid"
	}
}

// State is the connection lifecycle state.
type State int

const (
	NotConnected State = iota
	AwaitingChallengeResponse
	SendingPunchPackets
	ComputingPuzzleSolution
	AwaitingConnectResponse
	ConnectTimedOut
	ConnectRejected
	Connected
	Disconnected
	TimedOut
)

var stateNames = [...]string{
	NotConnected:              "NotConnected",
	AwaitingChallengeResponse: "AwaitingChallengeResponse",
	SendingPunchPackets:       "SendingPunchPackets",
	ComputingPuzzleSolution:   "ComputingPuzzleSolution",
	AwaitingConnectResponse:   "AwaitingConnectResponse",
	ConnectTimedOut:           "ConnectTimedOut",
	ConnectRejected:           "ConnectRejected",
	Connected:                 "Connected",
	Disconnected:              "Disconnected",
	TimedOut:                  "TimedOut",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case ConnectTimedOut, ConnectRejected, Disconnected, TimedOut:
		return true
	}
	return false
}

// TerminationReason is the machine readable cause of a disconnect or a
// rejected handshake. It is enum-encoded on the wire.
type TerminationReason uint32

const (
	ReasonTimedOut TerminationReason = iota
	ReasonPuzzle
	ReasonKeyExchange
	ReasonInvalidCRC
	ReasonSelfDisconnect
	ReasonShutdown
	ReasonError
	ReasonUnknown
	ReasonIncompatibleRPCCounts
	ReasonRejectedByApp

	// ReasonCount is the enum range used on the wire.
	ReasonCount
)

var reasonNames = [...]string{
	ReasonTimedOut:              "timed out",
	ReasonPuzzle:                "puzzle",
	ReasonKeyExchange:           "key exchange",
	ReasonInvalidCRC:            "invalid CRC",
	ReasonSelfDisconnect:        "self disconnect",
	ReasonShutdown:              "shutdown",
	ReasonError:                 "error",
	ReasonUnknown:               "unknown",
	ReasonIncompatibleRPCCounts: "incompatible RPC counts",
	ReasonRejectedByApp:         "rejected by application",
}

func (r TerminationReason) String() string {
	if int(r) >= len(reasonNames) {
		return "invalid reason"
	}
	return reasonNames[r]
}
