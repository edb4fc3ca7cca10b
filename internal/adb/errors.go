package adb

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol errors.
type ErrorKind int

const (
	// KindMalformedHeader indicates a short header or a magic/command mismatch.
	KindMalformedHeader ErrorKind = iota
	// KindUnexpectedResponse indicates a well-formed message the current state does not allow.
	KindUnexpectedResponse
	// KindChecksumMismatch indicates a payload whose sum disagrees with its header.
	KindChecksumMismatch
	// KindTransport indicates the bulk transfer itself failed or was cut short.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedHeader:
		return "malformed header"
	case KindUnexpectedResponse:
		return "unexpected response"
	case KindChecksumMismatch:
		return "checksum mismatch"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// ProtocolError is returned for every framing or sequencing failure.
// Protocol errors are terminal for the current handshake: a desynchronized stream
// cannot be repaired by resending the same bytes.
type ProtocolError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("adb %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("adb %s: %s", e.Kind, e.Msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *ProtocolError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

var (
	// ErrHandshakeFailed is returned by Connect once the handshake has failed.
	// A new transport attempt is required.
	ErrHandshakeFailed = errors.New("adb: handshake failed")
	// ErrNotConnected is returned by stream operations before the handshake completes.
	ErrNotConnected = errors.New("adb: not connected")
	// ErrRejected is wrapped when the device refuses a stream or a connection.
	ErrRejected = errors.New("adb: rejected by device")
)
