// Package ch559boot implements the WCH CH559 bootloader protocol used to program
// the program flash and data flash of the chip over USB or UART.
//
// The package contains two main components: the command codec and Session.
// The codec builds request frames and parses the fixed-layout replies of the
// individual bootloader commands. Session drives a device through the
// detect, identify and key exchange sequence and then provides the high level
// erase, write, read and compare operations. It uses a provided Transport to
// communicate with the device.
//
// Also included is a command line tool, found in the cmd/ch559boot directory,
// that serves as both an example on how to use the library and a fully functional
// host program to flash devices.
package ch559boot

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	commandDetect      = 0xA1
	commandReset       = 0xA2
	commandKey         = 0xA3
	commandErase       = 0xA4
	commandWrite       = 0xA5
	commandVerify      = 0xA6
	commandReadConfig  = 0xA7
	commandWriteConfig = 0xA8
	commandEraseData   = 0xA9
	commandWriteData   = 0xAA
	commandReadData    = 0xAB
)

const (
	// MaxPacketSize is the largest frame the bootloader accepts or sends.
	MaxPacketSize = 64
	// ChunkSize is the largest data payload of a single write, verify or read.
	ChunkSize = 0x38

	// ChipID is the identifier a CH559 returns to the detect command.
	ChipID = 0x59

	// StatusSuccess is the status byte of an accepted command.
	StatusSuccess = 0x00

	headerLength       = 4
	minResponseLength  = 6
	respLengthStatus   = 6
	respLengthIdentify = 30
	identifyMask       = 0x1F
	configMask         = 0x07
	keyLength          = 0x30
	writeHeaderLength  = 5
	writeAlignment     = 8
	eraseBlocks        = 60
	bootConfigIndex    = 11
)

var detectSignature = []byte("MCU ISP & WCH.CN")

// Command represents a bootloader request.
type Command struct {
	Command uint8
	// Length is the value of the length field. The bootloader does not always
	// expect it to match len(Data).
	Length uint16
	Data   []byte
	// Response length including the header.
	responseLength int
}

// GetBytes returns a byte slice containing the frame for the command.
func (c Command) GetBytes() []byte {
	b := make([]byte, 3, 3+len(c.Data))
	b[0] = c.Command
	binary.LittleEndian.PutUint16(b[1:], c.Length)
	return append(b, c.Data...)
}

// GetResponseLength returns the expected number of response bytes. Zero means
// the command is not answered.
func (c Command) GetResponseLength() int {
	return c.responseLength
}

func newCommand(command uint8, data []byte, responseLength int) Command {
	return Command{
		Command:        command,
		Length:         uint16(len(data)),
		Data:           data,
		responseLength: responseLength,
	}
}

// NewDetectCommand returns the representation of the Detect command.
func NewDetectCommand() Command {
	data := append([]byte{ChipID, 0x11}, detectSignature...)
	return newCommand(commandDetect, data, respLengthStatus)
}

// NewIdentifyCommand returns the representation of the read config command
// used to fetch the bootloader version and key material.
func NewIdentifyCommand() Command {
	return newCommand(commandReadConfig, []byte{identifyMask, 0x00}, respLengthIdentify)
}

// NewKeyCommand returns the representation of the key command. The bootloader
// derives its write key from the bytes sent here.
func NewKeyCommand(sum byte) Command {
	data := make([]byte, keyLength)
	for i := range data {
		data[i] = sum
	}
	return newCommand(commandKey, data, respLengthStatus)
}

// NewEraseCommand returns the representation of the program flash erase command.
func NewEraseCommand() Command {
	return newCommand(commandErase, []byte{eraseBlocks}, respLengthStatus)
}

// NewEraseDataCommand returns the representation of the data flash erase command.
func NewEraseDataCommand() Command {
	c := newCommand(commandEraseData, []byte{0x00}, respLengthStatus)
	c.Length = 0
	return c
}

func newTransferCommand(command uint8, address uint16, data []byte, chipID byte) Command {
	n := (len(data) + writeAlignment - 1) &^ (writeAlignment - 1)
	b := make([]byte, writeHeaderLength, writeHeaderLength+n)
	binary.LittleEndian.PutUint16(b, address)
	b[4] = byte(n)
	b = append(b, data...)
	for len(b) < writeHeaderLength+n {
		b = append(b, 0xFF)
	}
	applyKey(b[writeHeaderLength:], chipID)
	return newCommand(command, b, respLengthStatus)
}

// NewWriteCommand returns the representation of the program flash write command.
// Data is padded with 0xFF to a multiple of 8 bytes and keyed with chipID.
func NewWriteCommand(address uint16, data []byte, chipID byte) Command {
	return newTransferCommand(commandWrite, address, data, chipID)
}

// NewWriteDataCommand returns the representation of the data flash write
// command. The address is an offset into the data flash.
func NewWriteDataCommand(offset uint16, data []byte, chipID byte) Command {
	return newTransferCommand(commandWriteData, offset, data, chipID)
}

// NewVerifyCommand returns the representation of the verify command. The
// bootloader compares data with the flash content at address and reports the
// result in the status byte.
func NewVerifyCommand(address uint16, data []byte, chipID byte) Command {
	return newTransferCommand(commandVerify, address, data, chipID)
}

// NewReadDataCommand returns the representation of the data flash read command.
func NewReadDataCommand(offset uint16, length uint8) Command {
	b := make([]byte, writeHeaderLength)
	binary.LittleEndian.PutUint16(b, offset)
	b[4] = length
	c := newCommand(commandReadData, b, minResponseLength+int(length))
	c.Length = 0
	return c
}

// NewWriteConfigCommand returns the representation of the config write command
// setting BOOT_CFG[15:8] to bootConfig.
func NewWriteConfigCommand(bootConfig byte) Command {
	data := []byte{
		configMask, 0x00,
		0xFF, 0xFF, 0xFF, 0xFF,
		0x03, 0x00, 0x00, 0x00,
		0xFF, 0x00, 0x00, 0x00,
	}
	data[bootConfigIndex] = bootConfig
	return newCommand(commandWriteConfig, data, respLengthStatus)
}

// NewBootCommand returns the representation of the reset command that leaves
// the bootloader and runs the application. It is not answered.
func NewBootCommand() Command {
	return newCommand(commandReset, []byte{0x01}, 0)
}

// applyKey XORs every eighth byte with the chip id. It is its own inverse.
func applyKey(data []byte, chipID byte) {
	for i := writeAlignment - 1; i < len(data); i += writeAlignment {
		data[i] ^= chipID
	}
}

// Response holds a decoded reply frame.
type Response struct {
	Command uint8
	Status  byte
	Data    []byte
}

// ParseResponse decodes a reply to command. The frame must echo the command
// id and its length field must match the frame size.
func ParseResponse(command uint8, frame []byte) (Response, error) {
	if len(frame) < minResponseLength {
		return Response{}, errors.Wrapf(ErrMalformedResponse, "short frame of %d bytes", len(frame))
	}
	if frame[0] != command {
		return Response{}, errors.Wrapf(ErrMalformedResponse, "got reply to %02X, expected %02X", frame[0], command)
	}
	length := int(binary.LittleEndian.Uint16(frame[2:]))
	if headerLength+length != len(frame) {
		return Response{}, errors.Wrapf(ErrMalformedResponse, "length field %d does not match %d byte frame", length, len(frame))
	}
	return Response{
		Command: frame[0],
		Status:  frame[4],
		Data:    frame[minResponseLength:],
	}, nil
}

// DeviceInfo holds the results of the detect and identify commands.
type DeviceInfo struct {
	ChipID       byte
	VersionMajor int
	VersionMinor int
	// KeySum seeds the key command.
	KeySum byte
}

// Version returns the bootloader version the way WCH tools print it, e.g. 2.40.
func (i DeviceInfo) Version() string {
	return fmt.Sprintf("%d.%02d", i.VersionMajor, i.VersionMinor)
}

// ParseIdentifyResponse extracts the bootloader version and key sum.
func ParseIdentifyResponse(resp Response) (DeviceInfo, error) {
	if len(resp.Data) != respLengthIdentify-minResponseLength {
		return DeviceInfo{}, errors.Wrapf(ErrMalformedResponse, "identify reply carries %d bytes", len(resp.Data))
	}
	// Version digits sit at frame offsets 19..21, key bytes at 22..25.
	v := resp.Data[13:16]
	k := resp.Data[16:20]
	return DeviceInfo{
		VersionMajor: int(v[0]),
		VersionMinor: int(v[1])*10 + int(v[2]),
		KeySum:       k[0] + k[1] + k[2] + k[3],
	}, nil
}
