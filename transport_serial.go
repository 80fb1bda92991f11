package ch559boot

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// UART frames are wrapped in a two byte header and a trailing sum of the frame.
var (
	serialRequestHeader  = [2]byte{0x57, 0xAB}
	serialResponseHeader = [2]byte{0x55, 0xAA}
)

// serialPort is the part of *serial.Port the transport uses.
type serialPort interface {
	io.ReadWriteCloser
	Flush() error
}

type serialTransport struct {
	portConfig serial.Config
	port       serialPort
}

// NewSerialTransport creates a transport using the UART bootloader on the
// given serial port.
func NewSerialTransport(port string, baud int, timeout time.Duration) Transport {
	t := new(serialTransport)

	t.portConfig.Name = port
	t.portConfig.Baud = baud
	t.portConfig.ReadTimeout = timeout

	return t
}

func (t *serialTransport) Open(ctx context.Context) error {
	port, err := serial.OpenPort(&t.portConfig)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrDeviceNotFound, "no serial port %s", t.portConfig.Name)
		}
		return errors.Wrapf(ErrTransport, "failed to open %s: %v", t.portConfig.Name, err)
	}
	// On Linux with USB serial ports, in order for flush to work properly
	// we need to delay a little before flushing to make sure that any
	// received data has made its way up the driver stack.
	time.Sleep(time.Millisecond * 100)
	port.Flush()
	t.port = port
	pkgLog.Debugf("opened serial port %s at %d baud", t.portConfig.Name, t.portConfig.Baud)
	return nil
}

func (t *serialTransport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *serialTransport) Send(ctx context.Context, frame []byte) error {
	if t.port == nil {
		return errors.Wrap(ErrTransport, "not open")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrCancelled, err.Error())
	}
	// Drop what is left of a reply that arrived after its read timed out, so
	// a resent request is not answered by the stale one.
	if err := t.port.Flush(); err != nil {
		return errors.Wrapf(ErrTransport, "serial flush: %v", err)
	}
	if _, err := t.port.Write(encodeSerialFrame(frame)); err != nil {
		return errors.Wrapf(ErrTransport, "serial write: %v", err)
	}
	return nil
}

func (t *serialTransport) Receive(ctx context.Context, buf []byte) (int, error) {
	if t.port == nil {
		return 0, errors.Wrap(ErrTransport, "not open")
	}
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(ErrCancelled, err.Error())
	}
	return readSerialFrame(t.port, buf)
}

func sum8(b []byte) byte {
	var s byte
	for _, v := range b {
		s += v
	}
	return s
}

func encodeSerialFrame(frame []byte) []byte {
	b := make([]byte, 0, len(frame)+3)
	b = append(b, serialRequestHeader[:]...)
	b = append(b, frame...)
	return append(b, sum8(frame))
}

// recv reads exactly len(buf) bytes. The port returns no data once its read
// timeout expires.
func recv(r io.Reader, buf []byte) error {
	for got := 0; got < len(buf); {
		n, err := r.Read(buf[got:])
		if n == 0 && (err == nil || err == io.EOF) {
			return errors.Wrapf(ErrTimeout, "received %d of %d bytes", got, len(buf))
		}
		if err != nil && err != io.EOF {
			return errors.Wrapf(ErrTransport, "serial read: %v", err)
		}
		got += n
	}
	return nil
}

// readSerialFrame reads one framed reply and copies the inner frame into buf.
func readSerialFrame(r io.Reader, buf []byte) (int, error) {
	var header [2]byte
	if err := recv(r, header[:]); err != nil {
		return 0, err
	}
	if header != serialResponseHeader {
		return 0, errors.Wrapf(ErrMalformedResponse, "bad header % X", header[:])
	}
	if len(buf) < headerLength {
		return 0, errors.Wrap(ErrMalformedResponse, "receive buffer too small")
	}
	if err := recv(r, buf[:headerLength]); err != nil {
		return 0, err
	}
	n := headerLength + int(binary.LittleEndian.Uint16(buf[2:]))
	if n > len(buf) {
		return 0, errors.Wrapf(ErrMalformedResponse, "frame of %d bytes exceeds %d", n, len(buf))
	}
	if err := recv(r, buf[headerLength:n]); err != nil {
		return 0, err
	}
	var sum [1]byte
	if err := recv(r, sum[:]); err != nil {
		return 0, err
	}
	if sum[0] != sum8(buf[:n]) {
		return 0, errors.Wrapf(ErrMalformedResponse, "checksum %02X, expected %02X", sum[0], sum8(buf[:n]))
	}
	return n, nil
}
