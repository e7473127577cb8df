package qmp

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol errors. Typed errors below match these with errors.Is.
var (
	ErrMalformedFrame         = errors.New("qmp: malformed frame")
	ErrUnrecognizedMessage    = errors.New("qmp: unrecognized message")
	ErrProtocolSequence       = errors.New("qmp: protocol sequence violation")
	ErrUnsupportedCapability  = errors.New("qmp: unsupported capability")
	ErrNegotiationRejected    = errors.New("qmp: capabilities negotiation rejected")
	ErrDuplicateCorrelationID = errors.New("qmp: duplicate correlation id")
	ErrUnknownCorrelationID   = errors.New("qmp: unknown correlation id")
	ErrSessionNotReady        = errors.New("qmp: session not ready")
	ErrConnectionClosed       = errors.New("qmp: connection closed")
	ErrTransport              = errors.New("qmp: transport error")
)

// Error is returned when QEMU answers a command with an error reply.
type Error struct {
	Class       string `json:"class"`
	Description string `json:"desc"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("QMP error [%s]: %s", e.Class, e.Description)
}

// FrameError reports a record that is not valid JSON.
type FrameError struct {
	Line []byte
}

func (e *FrameError) Error() string {
	line := string(e.Line)
	if len(line) > 64 {
		line = line[:64] + "..."
	}
	return fmt.Sprintf("qmp: malformed frame %q", line)
}

func (e *FrameError) Is(target error) bool { return target == ErrMalformedFrame }

// CapabilityError is returned when a requested capability was not
// advertised in the server greeting.
type CapabilityError struct {
	Requested  []string
	Advertised []string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("qmp: unsupported capability %s (server offers [%s])",
		strings.Join(e.Requested, ","), strings.Join(e.Advertised, ","))
}

func (e *CapabilityError) Is(target error) bool { return target == ErrUnsupportedCapability }

// NegotiationError wraps the error reply QEMU sent to qmp_capabilities.
type NegotiationError struct {
	Err *Error
}

func (e *NegotiationError) Error() string {
	return "qmp: capabilities negotiation rejected: " + e.Err.Error()
}

func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiationRejected }

func (e *NegotiationError) Unwrap() error { return e.Err }

// SequenceError reports a well-formed message that is illegal in the
// current session state.
type SequenceError struct {
	State State
	Kind  MessageKind
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("qmp: unexpected %s while %s", e.Kind, e.State)
}

func (e *SequenceError) Is(target error) bool { return target == ErrProtocolSequence }

// CorrelationError reports a correlation bookkeeping anomaly. Kind is
// either ErrDuplicateCorrelationID or ErrUnknownCorrelationID.
type CorrelationError struct {
	ID   string
	Kind error
}

func (e *CorrelationError) Error() string {
	if e.ID == "" {
		return e.Kind.Error() + " (none)"
	}
	return e.Kind.Error() + " " + e.ID
}

func (e *CorrelationError) Is(target error) bool { return target == e.Kind }

// TransportError wraps a failure of the underlying byte stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("qmp: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

// ClosedError is delivered to every pending and later call once a session
// has shut down. Cause is the reason, nil after a plain Close.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return ErrConnectionClosed.Error()
	}
	return ErrConnectionClosed.Error() + ": " + e.Cause.Error()
}

func (e *ClosedError) Is(target error) bool { return target == ErrConnectionClosed }

func (e *ClosedError) Unwrap() error { return e.Cause }
