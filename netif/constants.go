package netif

import "time"

// PacketType is the first byte of a handshake or info packet. Data packets
// have the high bit of their first byte set and carry no type byte.
type PacketType uint8

const (
	ConnectChallengeRequest PacketType = iota
	ConnectChallengeResponse
	ConnectRequest
	ConnectReject
	ConnectAccept
	Disconnect
	Punch
	ArrangedConnectRequest

	// FirstInfoPacketType is the lowest type handed to the InfoHandler.
	FirstInfoPacketType
)

var packetTypeNames = [...]string{
	ConnectChallengeRequest:  "ConnectChallengeRequest",
	ConnectChallengeResponse: "ConnectChallengeResponse",
	ConnectRequest:           "ConnectRequest",
	ConnectReject:            "ConnectReject",
	ConnectAccept:            "ConnectAccept",
	Disconnect:               "Disconnect",
	Punch:                    "Punch",
	ArrangedConnectRequest:   "ArrangedConnectRequest",
}

func (t PacketType) String() string {
	if int(t) < len(packetTypeNames) {
		return packetTypeNames[t]
	}
	return "Info"
}

// dataPacketBit marks a connection data, ping or ack packet.
const dataPacketBit = 0x80

// Handshake retry schedule.
const (
	ChallengeRetryCount = 4
	ChallengeRetryTime  = 2500 * time.Millisecond

	ConnectRetryCount = 4
	ConnectRetryTime  = 2500 * time.Millisecond

	PunchRetryCount = 6
	PunchRetryTime  = 2500 * time.Millisecond

	// PuzzleSolutionTimeout bounds the time spent solving a server puzzle.
	PuzzleSolutionTimeout = 30 * time.Second

	// TimeoutCheckInterval is how often pending retries and connection
	// keepalives are checked.
	TimeoutCheckInterval = 1500 * time.Millisecond
)

// MaxPossibleAddresses caps the candidate list of an arranged connection
// when punches arrive from unlisted ports.
const MaxPossibleAddresses = 5

// randomHashDataSize is the size of the per-interface secret mixed into
// client identity tokens.
const randomHashDataSize = 12
