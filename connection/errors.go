package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPacket is returned when a packet ran past the end of its
	// data or failed a field check. The datagram is discarded.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrOutOfWindow is returned for a packet whose sequence or ack is
	// outside the current window. The datagram is discarded.
	ErrOutOfWindow = errors.New("packet outside sequence window")
	// ErrCryptoFailure is returned when a packet digest does not match.
	ErrCryptoFailure = errors.New("packet failed crypto check")
	// ErrClosed is returned when using a connection after Close.
	ErrClosed = errors.New("connection closed")
)

// IsDatagramError reports whether err only invalidates a single datagram.
// Such errors never affect the connection itself.
func IsDatagramError(err error) bool {
	return errors.Is(err, ErrMalformedPacket) ||
		errors.Is(err, ErrOutOfWindow) ||
		errors.Is(err, ErrCryptoFailure)
}

// TerminationError rejects a handshake or ends a connection with a reason
// that is reported to the remote host.
type TerminationError struct {
	Reason  TerminationReason
	Message string
}

// Reject returns a TerminationError for reason with a formatted message.
func Reject(reason TerminationReason, format string, args ...interface{}) *TerminationError {
	return &TerminationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (e *TerminationError) Error() string {
	if e.Message == "" {
		return e.Reason.String()
	}
	return e.Reason.String() + ": " + e.Message
}

// TerminationReasonOf extracts the reason and message carried by err. Errors
// that are not a TerminationError map to ReasonRejectedByApp.
func TerminationReasonOf(err error) (TerminationReason, string) {
	var te *TerminationError
	if errors.As(err, &te) {
		return te.Reason, te.Message
	}
	return ReasonRejectedByApp, err.Error()
}
