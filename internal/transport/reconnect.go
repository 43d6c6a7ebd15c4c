package transport

import (
	"context"
	"time"

	"github.com/google/gousb"

	"flashkit/internal/errs"
)

// DefaultReenumerationTimeout is the default window in which a new
// endpoint matching the prior identity must appear after MediaTek DA1
// upload causes the device to re-enumerate (spec §4.1/§4.4).
const DefaultReenumerationTimeout = 15 * time.Second

// Reconnector drives "release current handle, poll for a new matching
// endpoint, rebind" after a device-initiated re-enumeration.
type Reconnector struct {
	PollInterval time.Duration
}

func NewReconnector() *Reconnector {
	return &Reconnector{PollInterval: 200 * time.Millisecond}
}

// Rewait releases u's current claim and polls until a device matching
// u.Identity reappears (typically under a new bus/address pair), then
// reconnects u to it. Returns an error if the timeout elapses first.
func (r *Reconnector) Rewait(ctx context.Context, u *UsbBulk, timeout time.Duration) error {
	u.release()
	if u.dev != nil {
		u.dev.Close()
		u.dev = nil
	}

	deadline := time.Now().Add(timeout)
	interval := r.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return errs.Cancelled("transport.usb")
		}
		if found, err := probe(u.ctx, u.Identity); err == nil && found {
			return u.Connect(ctx)
		}
		select {
		case <-ctx.Done():
			return errs.Cancelled("transport.usb")
		case <-time.After(interval):
		}
	}
	return errs.New("transport.usb", errs.KindTransport, "device did not re-enumerate within timeout")
}

func probe(ctx *gousb.Context, id Identity) (bool, error) {
	if ctx == nil {
		ctx = gousb.NewContext()
		defer ctx.Close()
	}
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(id.VendorID), gousb.ID(id.ProductID))
	if err != nil {
		return false, err
	}
	if dev == nil {
		return false, nil
	}
	dev.Close()
	return true, nil
}
