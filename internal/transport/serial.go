package transport

import (
	"context"
	"time"

	"github.com/tarm/serial"

	"flashkit/internal/errs"
)

// Serial is a Transport over a COM/tty device, used by the MediaTek
// BROM/DA and Spreadtrum FDL clients when the device is not addressed
// directly over USB bulk endpoints.
type Serial struct {
	Name     string
	Baud     int
	ReadSize int // size of the scratch buffer used by blocking reads

	port *serial.Port
}

func NewSerial(name string, baud int) *Serial {
	return &Serial{Name: name, Baud: baud, ReadSize: 4096}
}

func (s *Serial) Connect(ctx context.Context) error {
	cfg := &serial.Config{
		Name:        s.Name,
		Baud:        s.Baud,
		ReadTimeout: 100 * time.Millisecond,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return errs.Wrap("transport.serial", errs.KindTransport, "open port "+s.Name, err)
	}
	s.port = port
	return nil
}

func (s *Serial) Disconnect() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	if err != nil {
		return errs.Wrap("transport.serial", errs.KindTransport, "close port", err)
	}
	return nil
}

func (s *Serial) Send(ctx context.Context, buf []byte) (int, error) {
	if s.port == nil {
		return 0, errs.New("transport.serial", errs.KindTransport, "not connected")
	}
	sent := 0
	for sent < len(buf) {
		if err := ctx.Err(); err != nil {
			return sent, errs.Wrap("transport.serial", errs.KindCancelled, "send cancelled", err)
		}
		n, err := s.port.Write(buf[sent:])
		if err != nil {
			return sent, errs.Wrap("transport.serial", errs.KindTransport, "write failed", err)
		}
		if n == 0 {
			return sent, errs.New("transport.serial", errs.KindTransport, "zero-length write")
		}
		sent += n
	}
	return sent, nil
}

// Recv polls the port with short per-read timeouts (tarm/serial has no
// per-call deadline) until data arrives, the caller-supplied timeout
// elapses, or the context is cancelled.
func (s *Serial) Recv(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if s.port == nil {
		return 0, errs.New("transport.serial", errs.KindTransport, "not connected")
	}
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return 0, errs.Wrap("transport.serial", errs.KindCancelled, "recv cancelled", err)
		}
		n, err := s.port.Read(buf)
		if err != nil {
			return n, errs.Wrap("transport.serial", errs.KindTransport, "read failed", err)
		}
		if n > 0 {
			return n, nil
		}
		if time.Now().After(deadline) {
			return 0, errs.New("transport.serial", errs.KindTransport, "read timeout")
		}
	}
}
