// Package transport implements the byte-stream abstraction every
// protocol engine drives: USB-bulk, serial, and (for the OTA engine
// only) HTTP range requests. Implementations are a closed set behind
// one interface per spec §4.1/§9 — no plugin registry, no dynamic
// dispatch beyond the three concrete variants.
package transport

import (
	"context"
	"errors"
	"time"

	"flashkit/internal/errs"
)

// ErrEndOfStream is returned by Recv when a zero-length read occurs on
// an otherwise healthy transport. It is always session-fatal.
var ErrEndOfStream = errors.New("transport: end of stream")

// Transport is the blocking byte-stream contract every protocol engine
// is built on. All operations take a mandatory timeout (via context
// deadline or an explicit argument); a timeout is recoverable, a
// zero-length read is not.
type Transport interface {
	// Connect establishes the underlying channel.
	Connect(ctx context.Context) error

	// Disconnect releases the channel. Safe to call more than once.
	Disconnect() error

	// Send writes the full buffer, looping internally until every byte
	// is accepted or an error occurs. Partial sends are never reported
	// as success.
	Send(ctx context.Context, buf []byte) (int, error)

	// Recv reads up to len(buf) bytes, blocking until at least one byte
	// arrives, the timeout elapses, or the stream ends.
	Recv(ctx context.Context, buf []byte, timeout time.Duration) (int, error)
}

// Identity names a transport endpoint for re-enumeration matching
// (spec §4.1 "identity is by device path or newly appearing serial
// port with matching VID/PID class").
type Identity struct {
	VendorID  uint16
	ProductID uint16
	DevPath   string
}

func wrapIOErr(component string, err error) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(component, errs.KindTransport, "transport i/o failed", err)
}
