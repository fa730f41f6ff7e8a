package a2abus

import (
	"errors"
	"fmt"
)

var (
	ErrBusClosed                   = errors.New("a2abus: bus closed")
	ErrSocketClosed                = errors.New("a2abus: socket closed")
	ErrProtocolViolation           = errors.New("a2abus: protocol violation")
	ErrEndpointInUse               = errors.New("a2abus: endpoint already bound")
	ErrNoTransportConfigured       = errors.New("a2abus: no transport configured")
	ErrObserverPoolShutdownTimeout = errors.New("a2abus: observer pool shutdown timeout")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// Error kinds carried in the payload of error-typed replies.
const (
	KindMalformedEnvelope = "malformed_envelope"
	KindDispatch          = "dispatch_error"
	KindHandlerExecution  = "handler_error"
)

// ValidationError reports an envelope that cannot be constructed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("a2abus: invalid envelope: %s %s", e.Field, e.Reason)
}

// MalformedEnvelopeError reports wire data that does not decode into an Envelope.
type MalformedEnvelopeError struct {
	Field  string
	Reason string
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("a2abus: malformed envelope: %s", e.Reason)
	}
	return fmt.Sprintf("a2abus: malformed envelope: %s %s", e.Field, e.Reason)
}

// DispatchError reports a request whose type has no registered handler.
// The reply loop converts it into an error reply; callers never see it returned.
type DispatchError struct {
	MsgType string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("No handler for msg_type: %s", e.MsgType)
}

// HandlerExecutionError wraps a failure (or recovered panic) raised by a handler.
type HandlerExecutionError struct {
	MsgType string
	Err     error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler for msg_type %s failed: %v", e.MsgType, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// TransportError is a connection-level failure. It is fatal to the loop that hit it.
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("a2abus: transport %s on %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// errorPayload renders err as the payload of an error-typed reply.
func errorPayload(kind, msgType string, err error) Payload {
	p := Payload{
		"error": err.Error(),
		"kind":  kind,
	}
	if msgType != "" {
		p["msg_type"] = msgType
	}
	return p
}
