package ch559boot

import (
	"context"

	"github.com/pkg/errors"
)

// State is the position of a Session in the bootloader handshake.
type State int

const (
	Disconnected State = iota
	Connected
	Identified
	InOperation
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Identified:
		return "identified"
	case InOperation:
		return "in operation"
	default:
		return "invalid"
	}
}

const supportedVersionMajor = 2

// ProgressFunc receives the number of bytes processed and the total after
// every chunk of a chunked operation.
type ProgressFunc func(done, total int)

// Options holds programming options.
type Options struct {
	// Fullfill pads images written or compared to the full region size with
	// bytes from Fill instead of leaving the flash erased.
	Fullfill bool
	// Seed for the fill bytes. A seed is picked from the clock when nil;
	// Session.Seed reports the one in use.
	Seed *uint64
	// Progress is called after every chunk. Optional.
	Progress ProgressFunc
}

// Session is a connection to one CH559 bootloader. Operations run strictly
// one at a time; a Session must not be used from several goroutines.
type Session struct {
	transport Transport
	profile   Profile
	options   Options
	seed      uint64
	state     State
	info      DeviceInfo
}

// NewSession creates a session that reaches the device through transport.
func NewSession(transport Transport, profile Profile, options Options) *Session {
	s := &Session{
		transport: transport,
		profile:   profile,
		options:   options,
	}
	if options.Seed != nil {
		s.seed = *options.Seed
	} else {
		s.seed = NewSeed()
	}
	return s
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Info returns the identity negotiated by Identify.
func (s *Session) Info() DeviceInfo { return s.info }

// Seed returns the fill seed used by this session.
func (s *Session) Seed() uint64 { return s.seed }

// Connect opens the transport.
func (s *Session) Connect(ctx context.Context) error {
	if s.state != Disconnected {
		return errors.Errorf("connect: session is %s", s.state)
	}
	if err := s.transport.Open(ctx); err != nil {
		return transportError(err)
	}
	s.state = Connected
	return nil
}

// Close releases the transport. It is safe to call in any state.
func (s *Session) Close() error {
	if s.state == Disconnected {
		return nil
	}
	s.state = Disconnected
	return s.transport.Close()
}

// Identify detects the chip, reads the bootloader version and sends the key
// that unlocks writes. Any failure closes the session.
func (s *Session) Identify(ctx context.Context) (DeviceInfo, error) {
	if s.state != Connected {
		return DeviceInfo{}, errors.Errorf("identify: session is %s", s.state)
	}

	resp, err := s.transact(ctx, NewDetectCommand())
	if err != nil {
		return DeviceInfo{}, errors.Wrap(err, "detect")
	}
	if resp.Status != ChipID {
		return DeviceInfo{}, s.fail(errors.Wrapf(ErrProtocolMismatch, "detect returned chip id %02X", resp.Status))
	}

	resp, err = s.transact(ctx, NewIdentifyCommand())
	if err != nil {
		return DeviceInfo{}, errors.Wrap(err, "identify")
	}
	info, err := ParseIdentifyResponse(resp)
	if err != nil {
		return DeviceInfo{}, s.fail(err)
	}
	info.ChipID = ChipID
	if info.VersionMajor != supportedVersionMajor {
		return DeviceInfo{}, s.fail(errors.Wrapf(ErrProtocolMismatch, "unsupported bootloader v%s", info.Version()))
	}

	resp, err = s.transact(ctx, NewKeyCommand(info.KeySum))
	if err != nil {
		return DeviceInfo{}, errors.Wrap(err, "key")
	}
	if resp.Status != info.ChipID {
		return DeviceInfo{}, s.fail(errors.Wrapf(ErrProtocolMismatch, "key rejected with %02X", resp.Status))
	}

	s.info = info
	s.state = Identified
	pkgLog.Debugf("CH559 found (bootloader v%s)", info.Version())
	return info, nil
}

// EraseProgram erases the program flash.
func (s *Session) EraseProgram(ctx context.Context) error {
	return s.erase(ctx, "erase", NewEraseCommand())
}

// EraseData erases the data flash.
func (s *Session) EraseData(ctx context.Context) error {
	return s.erase(ctx, "erase data", NewEraseDataCommand())
}

func (s *Session) erase(ctx context.Context, op string, cmd Command) error {
	if err := s.begin(op); err != nil {
		return err
	}
	defer s.end()

	resp, err := s.transact(ctx, cmd)
	if err != nil {
		return errors.Wrap(err, op)
	}
	if resp.Status != StatusSuccess {
		return errors.Wrapf(ErrEraseFailed, "%s: status %02X", op, resp.Status)
	}
	pkgLog.Debugf("%s: complete", op)
	return nil
}

// WriteProgram writes image to the start of the program flash. The flash must
// have been erased.
func (s *Session) WriteProgram(ctx context.Context, image []byte) error {
	return s.transfer(ctx, "write", Program, image, func(off int, chunk []byte) (Command, error) {
		return NewWriteCommand(uint16(off), chunk, s.info.ChipID), ErrWriteFailed
	})
}

// CompareProgram asks the bootloader to compare image with the program flash.
// The bootloader cannot read program flash back, so a mismatch is reported
// at the offset of the first chunk that differs.
func (s *Session) CompareProgram(ctx context.Context, image []byte) error {
	return s.transfer(ctx, "compare", Program, image, func(off int, chunk []byte) (Command, error) {
		return NewVerifyCommand(uint16(off), chunk, s.info.ChipID), ErrCompareMismatch
	})
}

// WriteData writes image to the start of the data flash. The flash must have
// been erased.
func (s *Session) WriteData(ctx context.Context, image []byte) error {
	return s.transfer(ctx, "write data", Data, image, func(off int, chunk []byte) (Command, error) {
		return NewWriteDataCommand(uint16(off), chunk, s.info.ChipID), ErrWriteFailed
	})
}

// ReadData returns the content of the whole data flash.
func (s *Session) ReadData(ctx context.Context) ([]byte, error) {
	if err := s.begin("read data"); err != nil {
		return nil, err
	}
	defer s.end()
	return s.readData(ctx, "read data", s.profile.DataSize)
}

// CompareData reads the data flash and compares it with image, reporting the
// offset of the first differing byte.
func (s *Session) CompareData(ctx context.Context, image []byte) error {
	const op = "compare data"
	if err := s.begin(op); err != nil {
		return err
	}
	defer s.end()

	ref, err := s.prepare(Data, image)
	if err != nil {
		return errors.Wrap(err, op)
	}
	got, err := s.readData(ctx, op, len(ref))
	if err != nil {
		return err
	}
	for i := range ref {
		if ref[i] != got[i] {
			return offsetError(op, i, errors.Wrapf(ErrCompareMismatch, "expected %02X read %02X", ref[i], got[i]))
		}
	}
	return nil
}

// SetBootConfig writes BOOT_CFG[15:8].
func (s *Session) SetBootConfig(ctx context.Context, config byte) error {
	const op = "write config"
	if err := s.begin(op); err != nil {
		return err
	}
	defer s.end()

	resp, err := s.transact(ctx, NewWriteConfigCommand(config))
	if err != nil {
		return errors.Wrap(err, op)
	}
	if resp.Status != StatusSuccess {
		return errors.Wrapf(ErrConfigWriteFailed, "status %02X", resp.Status)
	}
	return nil
}

// Boot leaves the bootloader and starts the application. The device drops off
// the bus without answering, so the session is closed afterwards.
func (s *Session) Boot(ctx context.Context) error {
	if err := s.begin("boot"); err != nil {
		return err
	}
	err := s.transport.Send(ctx, NewBootCommand().GetBytes())
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "boot")
}

func (s *Session) begin(op string) error {
	switch s.state {
	case Identified:
		s.state = InOperation
		return nil
	case InOperation:
		return errors.Errorf("%s: another operation is in progress", op)
	default:
		return errors.Wrapf(ErrNotIdentified, "%s refused, session is %s", op, s.state)
	}
}

func (s *Session) end() {
	if s.state == InOperation {
		s.state = Identified
	}
}

// prepare checks that image fits the region and pads it when requested.
func (s *Session) prepare(r Region, image []byte) ([]byte, error) {
	if capacity := s.profile.Capacity(r); len(image) > capacity {
		return nil, errors.Wrapf(ErrOutOfRange, "image of %d bytes is too large for %s flash (%d)", len(image), r, capacity)
	}
	if r == Program && len(image) > s.profile.ProgramSize {
		pkgLog.Warnf("code will run over data region as image is larger than %04X", s.profile.ProgramSize)
	}
	if s.options.Fullfill {
		return Pad(image, s.profile.FillSize(r, len(image)), s.seed), nil
	}
	return image, nil
}

func (s *Session) transfer(ctx context.Context, op string, r Region, image []byte, build func(int, []byte) (Command, error)) error {
	if err := s.begin(op); err != nil {
		return err
	}
	defer s.end()

	buf, err := s.prepare(r, image)
	if err != nil {
		return errors.Wrap(err, op)
	}
	chunks, err := Split(buf, 0, s.profile.Capacity(r), s.profile.ChunkSize)
	if err != nil {
		return errors.Wrap(err, op)
	}

	done := 0
	for off, chunk := range chunks {
		if err := s.checkCancel(ctx); err != nil {
			return offsetError(op, off, err)
		}
		cmd, failure := build(off, chunk)
		resp, err := s.transact(ctx, cmd)
		if err != nil {
			return offsetError(op, off, err)
		}
		if resp.Status != StatusSuccess {
			return offsetError(op, off, errors.Wrapf(failure, "status %02X", resp.Status))
		}
		done += len(chunk)
		s.progress(done, len(buf))
	}
	pkgLog.Debugf("%s: %d bytes to %s flash", op, len(buf), r)
	return nil
}

func (s *Session) readData(ctx context.Context, op string, length int) ([]byte, error) {
	spans, err := Spans(0, length, s.profile.DataSize, s.profile.ChunkSize)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	out := make([]byte, 0, length)
	for off, n := range spans {
		if err := s.checkCancel(ctx); err != nil {
			return nil, offsetError(op, off, err)
		}
		resp, err := s.transact(ctx, NewReadDataCommand(uint16(off), uint8(n)))
		if err != nil {
			return nil, offsetError(op, off, err)
		}
		if resp.Status != StatusSuccess || len(resp.Data) != n {
			return nil, offsetError(op, off, errors.Wrapf(ErrReadFailed, "status %02X with %d bytes", resp.Status, len(resp.Data)))
		}
		out = append(out, resp.Data...)
		s.progress(len(out), length)
	}
	return out, nil
}

func (s *Session) progress(done, total int) {
	if s.options.Progress != nil {
		s.options.Progress(done, total)
	}
}

func (s *Session) checkCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return s.fail(errors.Wrap(ErrCancelled, err.Error()))
	}
	return nil
}

// transact performs one request/reply round trip. A request whose reply does
// not arrive in time is sent once more; any other failure, including a second
// timeout, closes the session.
func (s *Session) transact(ctx context.Context, cmd Command) (Response, error) {
	frame := cmd.GetBytes()
	if len(frame) > MaxPacketSize {
		return Response{}, errors.Wrapf(ErrOutOfRange, "frame of %d bytes", len(frame))
	}
	buf := make([]byte, MaxPacketSize)
	for retried := false; ; retried = true {
		if err := s.transport.Send(ctx, frame); err != nil {
			return Response{}, s.fail(transportError(err))
		}
		n, err := s.transport.Receive(ctx, buf)
		if err != nil {
			if errors.Is(err, ErrTimeout) && !retried {
				pkgLog.Warnf("no reply to command %02X, retrying", cmd.Command)
				continue
			}
			return Response{}, s.fail(transportError(err))
		}
		resp, err := ParseResponse(cmd.Command, buf[:n])
		if err != nil {
			return Response{}, s.fail(err)
		}
		return resp, nil
	}
}

// fail closes the session after an unrecoverable error and returns err.
func (s *Session) fail(err error) error {
	if cerr := s.Close(); cerr != nil {
		pkgLog.Debugf("close after failure: %v", cerr)
	}
	return err
}

// transportError wraps errors from Transport implementations that do not use
// the package errors.
func transportError(err error) error {
	for _, known := range []error{ErrDeviceNotFound, ErrTransport, ErrTimeout, ErrMalformedResponse, ErrCancelled} {
		if errors.Is(err, known) {
			return err
		}
	}
	return errors.Wrap(ErrTransport, err.Error())
}
