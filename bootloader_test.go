package ch559boot

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestCommandFrames(t *testing.T) {
	key := append([]byte{0xA3, 0x30, 0x00}, bytes.Repeat([]byte{0x14}, 0x30)...)
	detect := append([]byte{0xA1, 0x12, 0x00, 0x59, 0x11}, "MCU ISP & WCH.CN"...)

	tests := []struct {
		name    string
		command Command
		frame   []byte
		resp    int
	}{
		{"detect", NewDetectCommand(), detect, 6},
		{"identify", NewIdentifyCommand(), []byte{0xA7, 0x02, 0x00, 0x1F, 0x00}, 30},
		{"key", NewKeyCommand(0x14), key, 6},
		{"erase", NewEraseCommand(), []byte{0xA4, 0x01, 0x00, 0x3C}, 6},
		{"erase data", NewEraseDataCommand(), []byte{0xA9, 0x00, 0x00, 0x00}, 6},
		{"read data", NewReadDataCommand(0x0238, 0x38), []byte{0xAB, 0x00, 0x00, 0x38, 0x02, 0x00, 0x00, 0x38}, 6 + 0x38},
		{"config", NewWriteConfigCommand(0x4E), []byte{
			0xA8, 0x0E, 0x00, 0x07, 0x00, 0xFF, 0xFF, 0xFF, 0xFF,
			0x03, 0x00, 0x00, 0x00, 0xFF, 0x4E, 0x00, 0x00,
		}, 6},
		{"boot", NewBootCommand(), []byte{0xA2, 0x01, 0x00, 0x01}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.command.GetBytes(); !bytes.Equal(got, tt.frame) {
				t.Errorf("frame = % X, want % X", got, tt.frame)
			}
			if got := tt.command.GetResponseLength(); got != tt.resp {
				t.Errorf("response length = %d, want %d", got, tt.resp)
			}
		})
	}
}

func TestWriteCommandPadding(t *testing.T) {
	c := NewWriteCommand(0x0100, []byte{1, 2, 3}, ChipID)
	want := []byte{
		0xA5, 0x0D, 0x00, 0x00, 0x01, 0x00, 0x00, 0x08,
		0x01, 0x02, 0x03, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF ^ ChipID,
	}
	if got := c.GetBytes(); !bytes.Equal(got, want) {
		t.Errorf("frame = % X, want % X", got, want)
	}
}

func TestTransferCommandKeying(t *testing.T) {
	data := make([]byte, ChunkSize)
	for i := range data {
		data[i] = byte(i)
	}
	for _, c := range []Command{
		NewWriteCommand(0x1234, data, ChipID),
		NewWriteDataCommand(0x1234, data, ChipID),
		NewVerifyCommand(0x1234, data, ChipID),
	} {
		frame := c.GetBytes()
		if len(frame) != 8+ChunkSize || len(frame) > MaxPacketSize {
			t.Fatalf("%02X: frame length %d", c.Command, len(frame))
		}
		if int(c.Length) != 5+ChunkSize {
			t.Errorf("%02X: length field %d", c.Command, c.Length)
		}
		if frame[3] != 0x34 || frame[4] != 0x12 || frame[7] != ChunkSize {
			t.Errorf("%02X: header % X", c.Command, frame[:8])
		}
		payload := append([]byte(nil), frame[8:]...)
		for i := range payload {
			want := data[i]
			if i%8 == 7 {
				want ^= ChipID
			}
			if payload[i] != want {
				t.Fatalf("%02X: payload[%d] = %02X, want %02X", c.Command, i, payload[i], want)
			}
		}
		applyKey(payload, ChipID)
		if !bytes.Equal(payload, data) {
			t.Errorf("%02X: applyKey is not its own inverse", c.Command)
		}
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name   string
		frame  []byte
		status byte
		data   []byte
		err    error
	}{
		{"status", []byte{0xA4, 0x00, 0x02, 0x00, 0x00, 0x00}, 0x00, []byte{}, nil},
		{"with data", []byte{0xA4, 0x00, 0x04, 0x00, 0xF5, 0x00, 0xAA, 0xBB}, 0xF5, []byte{0xAA, 0xBB}, nil},
		{"short", []byte{0xA4, 0x00, 0x02, 0x00, 0x00}, 0, nil, ErrMalformedResponse},
		{"empty", nil, 0, nil, ErrMalformedResponse},
		{"wrong echo", []byte{0xA5, 0x00, 0x02, 0x00, 0x00, 0x00}, 0, nil, ErrMalformedResponse},
		{"length mismatch", []byte{0xA4, 0x00, 0x03, 0x00, 0x00, 0x00}, 0, nil, ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseResponse(commandErase, tt.frame)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("error = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if resp.Command != commandErase || resp.Status != tt.status || !bytes.Equal(resp.Data, tt.data) {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestParseIdentifyResponse(t *testing.T) {
	frame := make([]byte, 30)
	frame[0] = commandReadConfig
	frame[2] = 26
	copy(frame[19:], []byte{2, 4, 0, 0x12, 0x34, 0x56, 0x78})

	resp, err := ParseResponse(commandReadConfig, frame)
	if err != nil {
		t.Fatal(err)
	}
	info, err := ParseIdentifyResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	if info.Version() != "2.40" {
		t.Errorf("version = %s, want 2.40", info.Version())
	}
	if info.KeySum != 0x14 {
		t.Errorf("key sum = %02X, want 14", info.KeySum)
	}

	resp.Data = resp.Data[:10]
	if _, err := ParseIdentifyResponse(resp); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("short reply error = %v", err)
	}
}
