package ch559boot

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

type usbTransport struct {
	vendor  gousb.ID
	product gousb.ID
	timeout time.Duration

	ctx  *gousb.Context
	dev  *gousb.Device
	done func()
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// NewUSBTransport creates a transport that talks to the bootloader through
// the bulk endpoints of the first USB device matching vendor and product.
func NewUSBTransport(vendor, product uint16, timeout time.Duration) Transport {
	return &usbTransport{
		vendor:  gousb.ID(vendor),
		product: gousb.ID(product),
		timeout: timeout,
	}
}

func (t *usbTransport) Open(ctx context.Context) (err error) {
	t.ctx = gousb.NewContext()
	defer func() {
		if err != nil {
			t.Close()
		}
	}()

	t.dev, err = t.ctx.OpenDeviceWithVIDPID(t.vendor, t.product)
	if err != nil {
		return errors.Wrapf(ErrTransport, "failed to open %s:%s: %v", t.vendor, t.product, err)
	}
	if t.dev == nil {
		return errors.Wrapf(ErrDeviceNotFound, "no USB device %s:%s", t.vendor, t.product)
	}
	setAutoDetach(t.dev)

	intf, done, err := t.dev.DefaultInterface()
	if err != nil {
		return errors.Wrapf(ErrTransport, "failed to claim the interface: %v", err)
	}
	t.done = done

	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			t.in, err = intf.InEndpoint(ep.Number)
		} else {
			t.out, err = intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			return errors.Wrapf(ErrTransport, "failed to open endpoint %s: %v", ep.Address, err)
		}
	}
	if t.in == nil || t.out == nil {
		return errors.Wrap(ErrTransport, "failed to detect bulk endpoints")
	}
	pkgLog.Debugf("opened USB device %s:%s", t.vendor, t.product)
	return nil
}

type autoDetacher interface {
	SetAutoDetach(bool) error
}

// setAutoDetach asks libusb to detach a kernel driver bound to the interface.
// Platforms without kernel drivers report ErrorNotSupported, which is ignored.
func setAutoDetach(d autoDetacher) {
	if err := d.SetAutoDetach(true); err != nil {
		pkgLog.Debugf("kernel driver auto detach unavailable: %v", err)
	}
}

func (t *usbTransport) Close() error {
	if t.done != nil {
		t.done()
		t.done = nil
	}
	t.in, t.out = nil, nil
	var err error
	if t.dev != nil {
		err = t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		if cerr := t.ctx.Close(); err == nil {
			err = cerr
		}
		t.ctx = nil
	}
	return err
}

func (t *usbTransport) Send(ctx context.Context, frame []byte) error {
	if t.out == nil {
		return errors.Wrap(ErrTransport, "not open")
	}
	wctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	n, err := t.out.WriteContext(wctx, frame)
	if err != nil {
		return usbError(ctx, "bulk write", err)
	}
	if n != len(frame) {
		return errors.Wrapf(ErrTransport, "short bulk write of %d/%d bytes", n, len(frame))
	}
	return nil
}

func (t *usbTransport) Receive(ctx context.Context, buf []byte) (int, error) {
	if t.in == nil {
		return 0, errors.Wrap(ErrTransport, "not open")
	}
	rctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	n, err := t.in.ReadContext(rctx, buf)
	if err != nil {
		return 0, usbError(ctx, "bulk read", err)
	}
	return n, nil
}

// usbError maps a libusb failure onto the package errors. A cancelled parent
// context wins over the per-transfer deadline.
func usbError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return errors.Wrapf(ErrCancelled, "%s: %v", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gousb.TransferTimedOut) ||
		errors.Is(err, gousb.TransferCancelled) ||
		errors.Is(err, gousb.ErrorTimeout) {
		return errors.Wrapf(ErrTimeout, "%s: %v", op, err)
	}
	return errors.Wrapf(ErrTransport, "%s: %v", op, err)
}
