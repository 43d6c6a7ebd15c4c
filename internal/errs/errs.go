// Package errs implements the error taxonomy shared by every protocol
// engine: TransportError, ProtocolError, DeviceError, FormatError,
// UnsupportedFeatureError, and Cancelled (spec §7).
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for programmatic handling. Session-fatal
// kinds (Transport, Protocol) should cause the caller to disconnect;
// operation-fatal kinds (Device, Format, Unsupported) leave the session
// usable for a retry or a different operation.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindDevice
	KindFormat
	KindUnsupported
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindDevice:
		return "device"
	case KindFormat:
		return "format"
	case KindUnsupported:
		return "unsupported"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind should disconnect the
// transport before returning to the caller.
func (k Kind) Fatal() bool {
	return k == KindTransport || k == KindProtocol
}

// Error is the machine-readable error value returned by every engine
// operation. Component is one of "fastboot", "mtk.brom", "mtk.da",
// "sprd.fdl", "ota".
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(component string, kind Kind, message string) *Error {
	return &Error{Component: component, Kind: kind, Message: message}
}

func Wrap(component string, kind Kind, message string, err error) *Error {
	return &Error{Component: component, Kind: kind, Message: message, Err: err}
}

// ErrCancelled is the sentinel returned by operations that observed a
// cancellation handle being set. Use errors.Is(err, ErrCancelled).
var ErrCancelled = errors.New("operation cancelled")

func Cancelled(component string) *Error {
	return &Error{Component: component, Kind: KindCancelled, Message: "cancelled", Err: ErrCancelled}
}

// Is allows errors.Is(err, someErrsError) to compare by Kind alone
// (Component and Message are ignored) when the sentinel itself isn't
// shared, matching Go's common pattern of comparable error values for
// kind checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
