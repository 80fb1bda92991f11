package ch559boot

import "context"

// The Transport interface moves whole frames to and from the bootloader.
// Session owns a Transport exclusively between Connect and Close.
type Transport interface {
	// Open connects to the device. It returns an error wrapping
	// ErrDeviceNotFound when no bootloader is present.
	Open(ctx context.Context) error
	Close() error
	// Send writes one request frame.
	Send(ctx context.Context, frame []byte) error
	// Receive reads one reply frame into buf and returns its length. It returns
	// an error wrapping ErrTimeout when the device did not answer in time.
	Receive(ctx context.Context, buf []byte) (int, error)
}
