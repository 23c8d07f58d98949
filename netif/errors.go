package netif

import "errors"

// Handshake packets that fail these checks are dropped; the errors surface
// in debug logs and tests.
var (
	ErrUnknownPacketType   = errors.New("unknown packet type")
	ErrMalformedHandshake  = errors.New("malformed handshake packet")
	ErrNoPendingConnection = errors.New("no matching pending connection")
	ErrNoConnection        = errors.New("no matching connection")
	ErrNonceMismatch       = errors.New("nonce mismatch")
	ErrIdentityMismatch    = errors.New("client identity token mismatch")
	ErrCryptoCheck         = errors.New("handshake failed crypto check")
	ErrKeyRejected         = errors.New("remote key or certificate rejected")
	ErrNoPrivateKey        = errors.New("key exchange requested without a private key")
	ErrDifficultyTooHigh   = errors.New("puzzle difficulty too high")
	ErrConnectionsRefused  = errors.New("interface does not accept connections")
	ErrThrottled           = errors.New("challenge request throttled")

	// ErrAlreadyStarted is returned when connecting a connection that is
	// not in the NotConnected state.
	ErrAlreadyStarted = errors.New("connection already started")
	// ErrInvalidArrangement is returned for arranged connections with no
	// candidate addresses or a malformed secret.
	ErrInvalidArrangement = errors.New("invalid arranged connection parameters")
)
