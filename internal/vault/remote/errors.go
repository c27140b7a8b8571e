package remote

import (
	"errors"
	"fmt"
	"slices"
)

// Errors raised on the client side of a remote call.
var (
	// ErrClient marks a programming error in how the client called the
	// service. It halts a commit drain.
	ErrClient = errors.New("client error")

	// ErrValidation is returned when an item fails local validation before
	// it is sent.
	ErrValidation = errors.New("item validation failed")

	// ErrSerialization is returned when an item cannot be encoded or a
	// response cannot be decoded.
	ErrSerialization = errors.New("serialization failed")
)

// FaultCode distinguishes the faults reported by the service.
type FaultCode int

const (
	FaultNotFound FaultCode = iota + 1
	FaultVersionMismatch
	FaultAccessDenied
	FaultInvalidRequest
	FaultServerError
	// FaultInvalidPayload is raised when the service rejects a stored item's
	// payload on update, typically after a schema change.
	FaultInvalidPayload
)

func (c FaultCode) String() string {
	switch c {
	case FaultNotFound:
		return "not found"
	case FaultVersionMismatch:
		return "version mismatch"
	case FaultAccessDenied:
		return "access denied"
	case FaultInvalidRequest:
		return "invalid request"
	case FaultServerError:
		return "server error"
	case FaultInvalidPayload:
		return "invalid payload"
	default:
		return fmt.Sprintf("fault(%d)", int(c))
	}
}

// ServerFault is an error reported by the service itself.
type ServerFault struct {
	Code    FaultCode
	Message string
}

// Fault returns a ServerFault with a formatted message.
func Fault(code FaultCode, format string, args ...any) *ServerFault {
	return &ServerFault{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (f *ServerFault) Error() string {
	if f.Message == "" {
		return "server fault: " + f.Code.String()
	}
	return fmt.Sprintf("server fault: %s: %s", f.Code, f.Message)
}

// FaultCodeOf returns the fault code carried by err, if any.
func FaultCodeOf(err error) (FaultCode, bool) {
	var f *ServerFault
	if errors.As(err, &f) {
		return f.Code, true
	}
	return 0, false
}

// IsFault reports whether err is a ServerFault with one of codes.
func IsFault(err error, codes ...FaultCode) bool {
	code, ok := FaultCodeOf(err)
	return ok && slices.Contains(codes, code)
}

// TransportKind classifies failures below the service: the network or the
// HTTP layer.
type TransportKind int

const (
	TransportUnknown TransportKind = iota
	TransportConnection
	TransportTimeout
	TransportCanceled
	TransportMessageTooLarge
)

func (k TransportKind) String() string {
	switch k {
	case TransportConnection:
		return "connection"
	case TransportTimeout:
		return "timeout"
	case TransportCanceled:
		return "canceled"
	case TransportMessageTooLarge:
		return "message too large"
	default:
		return "unknown"
	}
}

// TransportError is a failure to reach the service or to exchange a message
// with it.
type TransportError struct {
	Kind TransportKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AsTransport returns the TransportError in err's chain, if any.
func AsTransport(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
