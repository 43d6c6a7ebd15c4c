package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"flashkit/internal/errs"
)

// UsbBulk is a Transport backed by a pair of USB bulk endpoints,
// adapted from the direct-gousb ASIC transport: claim the interface,
// open IN/OUT endpoints, read/write with a context deadline.
type UsbBulk struct {
	Identity Identity
	EpOut    uint8
	EpIn     uint8
	Config   int
	IfaceNum int
	AltNum   int

	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
	claimed bool
}

// NewUsbBulk builds a USB-bulk transport for the given VID/PID and
// endpoint addresses. Config/IfaceNum/AltNum default to 1/0/0 when zero.
func NewUsbBulk(id Identity, epOut, epIn uint8) *UsbBulk {
	return &UsbBulk{Identity: id, EpOut: epOut, EpIn: epIn, Config: 1}
}

func (u *UsbBulk) Connect(ctx context.Context) error {
	gctx := gousb.NewContext()

	dev, err := gctx.OpenDeviceWithVIDPID(gousb.ID(u.Identity.VendorID), gousb.ID(u.Identity.ProductID))
	if err != nil {
		gctx.Close()
		return errs.Wrap("transport.usb", errs.KindTransport, "open device", err)
	}
	if dev == nil {
		gctx.Close()
		return errs.New("transport.usb", errs.KindTransport,
			fmt.Sprintf("device not found (VID:0x%04x PID:0x%04x)", u.Identity.VendorID, u.Identity.ProductID))
	}

	cfgNum := u.Config
	if cfgNum == 0 {
		cfgNum = 1
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		gctx.Close()
		return errs.Wrap("transport.usb", errs.KindTransport, "set config", err)
	}

	intf, err := cfg.Interface(u.IfaceNum, u.AltNum)
	if err != nil {
		cfg.Close()
		dev.Close()
		gctx.Close()
		return errs.Wrap("transport.usb", errs.KindTransport, "claim interface", err)
	}

	epOut, err := intf.OutEndpoint(int(u.EpOut))
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		gctx.Close()
		return errs.Wrap("transport.usb", errs.KindTransport, "open OUT endpoint", err)
	}

	epIn, err := intf.InEndpoint(int(u.EpIn))
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		gctx.Close()
		return errs.Wrap("transport.usb", errs.KindTransport, "open IN endpoint", err)
	}

	u.ctx, u.dev, u.cfg, u.intf, u.epOut, u.epIn = gctx, dev, cfg, intf, epOut, epIn
	u.claimed = true
	return nil
}

func (u *UsbBulk) Disconnect() error {
	if u.intf != nil {
		u.intf.Close()
		u.intf = nil
	}
	if u.cfg != nil {
		u.cfg.Close()
		u.cfg = nil
	}
	if u.dev != nil {
		u.dev.Close()
		u.dev = nil
	}
	if u.ctx != nil {
		u.ctx.Close()
		u.ctx = nil
	}
	u.claimed = false
	return nil
}

// release drops just the interface claim, keeping the device context
// open, used by Reconnector across MediaTek DA1 re-enumeration where
// the whole USB device disappears and must be reopened from scratch
// anyway — so release here really means "prepare to reopen".
func (u *UsbBulk) release() {
	if u.intf != nil {
		u.intf.Close()
		u.intf = nil
	}
	u.epOut, u.epIn = nil, nil
	u.claimed = false
}

func (u *UsbBulk) Send(ctx context.Context, buf []byte) (int, error) {
	if u.epOut == nil {
		return 0, errs.New("transport.usb", errs.KindTransport, "not connected")
	}
	sent := 0
	for sent < len(buf) {
		if err := ctx.Err(); err != nil {
			return sent, errs.Wrap("transport.usb", errs.KindCancelled, "send cancelled", err)
		}
		n, err := u.epOut.Write(buf[sent:])
		if err != nil {
			return sent, errs.Wrap("transport.usb", errs.KindTransport, "write failed", err)
		}
		if n == 0 {
			return sent, errs.New("transport.usb", errs.KindTransport, "zero-length write")
		}
		sent += n
	}
	return sent, nil
}

func (u *UsbBulk) Recv(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if u.epIn == nil {
		return 0, errs.New("transport.usb", errs.KindTransport, "not connected")
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := u.epIn.ReadContext(cctx, buf)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return n, errs.Wrap("transport.usb", errs.KindTransport, "read timeout", err)
		}
		return n, errs.Wrap("transport.usb", errs.KindTransport, "read failed", err)
	}
	if n == 0 {
		return 0, errs.Wrap("transport.usb", errs.KindTransport, "end of stream", ErrEndOfStream)
	}
	return n, nil
}
