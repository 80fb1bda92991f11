package ch559boot

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
)

const simFlashSize = 0x10000

// simDevice emulates a CH559 bootloader behind the Transport interface. Program
// and data flash share one address space with data flash at 0xF000.
type simDevice struct {
	chipID  byte
	version [3]byte
	key     [4]byte
	flash   []byte
	bootCfg byte
	keySet  bool
	booted  bool

	opened  int
	closed  int
	openErr error

	// reject forces a status byte for a command.
	reject map[uint8]byte
	// rejectAddress forces a write failure at one address, -1 disables it.
	rejectAddress int
	// drops is the number of replies to dropCommand that are lost.
	dropCommand uint8
	drops       int

	frames  [][]byte
	pending []byte
}

func newSimDevice() *simDevice {
	d := &simDevice{
		chipID:        ChipID,
		version:       [3]byte{2, 4, 0},
		key:           [4]byte{0x12, 0x34, 0x56, 0x78},
		flash:         bytes.Repeat([]byte{0xFF}, simFlashSize),
		reject:        map[uint8]byte{},
		rejectAddress: -1,
	}
	return d
}

func (d *simDevice) Open(ctx context.Context) error {
	if d.openErr != nil {
		return d.openErr
	}
	d.opened++
	return nil
}

func (d *simDevice) Close() error {
	d.closed++
	return nil
}

func (d *simDevice) Send(ctx context.Context, frame []byte) error {
	d.frames = append(d.frames, append([]byte(nil), frame...))
	d.pending = d.handle(frame)
	return nil
}

func (d *simDevice) Receive(ctx context.Context, buf []byte) (int, error) {
	resp := d.pending
	d.pending = nil
	if resp == nil {
		return 0, errors.Wrap(ErrTimeout, "no reply")
	}
	if resp[0] == d.dropCommand && d.drops > 0 {
		d.drops--
		return 0, errors.Wrap(ErrTimeout, "reply dropped")
	}
	return copy(buf, resp), nil
}

// sent returns the frames of one command.
func (d *simDevice) sent(command uint8) [][]byte {
	var out [][]byte
	for _, f := range d.frames {
		if f[0] == command {
			out = append(out, f)
		}
	}
	return out
}

func (d *simDevice) data() []byte {
	return d.flash[0xF000:]
}

func simReply(command, status byte, data []byte) []byte {
	b := []byte{command, 0x00, 0x00, 0x00, status, 0x00}
	binary.LittleEndian.PutUint16(b[2:], uint16(2+len(data)))
	return append(b, data...)
}

func (d *simDevice) status(command, ok byte) []byte {
	if s, found := d.reject[command]; found {
		return simReply(command, s, nil)
	}
	return simReply(command, ok, nil)
}

func (d *simDevice) handle(frame []byte) []byte {
	command := frame[0]
	switch command {
	case commandDetect:
		return simReply(command, d.chipID, nil)

	case commandReadConfig:
		data := make([]byte, 24)
		copy(data[13:], d.version[:])
		copy(data[16:], d.key[:])
		return simReply(command, 0x00, data)

	case commandKey:
		sum := d.key[0] + d.key[1] + d.key[2] + d.key[3]
		if frame[3] != sum {
			return simReply(command, 0xFE, nil)
		}
		d.keySet = true
		return d.status(command, d.chipID)

	case commandErase:
		for i := 0; i < 0xF000; i++ {
			d.flash[i] = 0xFF
		}
		return d.status(command, 0x00)

	case commandEraseData:
		for i := 0xF000; i < simFlashSize; i++ {
			d.flash[i] = 0xFF
		}
		return d.status(command, 0x00)

	case commandWrite, commandWriteData, commandVerify:
		raw := int(binary.LittleEndian.Uint16(frame[3:]))
		address := raw
		if command == commandWriteData {
			address += 0xF000
		}
		n := int(frame[7])
		payload := append([]byte(nil), frame[8:8+n]...)
		applyKey(payload, d.chipID)
		if !d.keySet {
			return simReply(command, 0xFE, nil)
		}
		if command == commandVerify {
			for i, b := range payload {
				if address+i < simFlashSize && d.flash[address+i] != b {
					return simReply(command, 0xF5, nil)
				}
			}
			return d.status(command, 0x00)
		}
		if raw == d.rejectAddress {
			return simReply(command, 0xFE, nil)
		}
		for i, b := range payload {
			if address+i < simFlashSize {
				d.flash[address+i] = b
			}
		}
		return d.status(command, 0x00)

	case commandReadData:
		offset := int(binary.LittleEndian.Uint16(frame[3:]))
		n := int(frame[7])
		if s, found := d.reject[command]; found {
			return simReply(command, s, nil)
		}
		return simReply(command, 0x00, d.flash[0xF000+offset:0xF000+offset+n])

	case commandWriteConfig:
		d.bootCfg = frame[14]
		return d.status(command, 0x00)

	case commandReset:
		d.booted = true
		return nil
	}
	return simReply(command, 0xFE, nil)
}
