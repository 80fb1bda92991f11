package ch559boot

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// IsHexFile reports whether name should be treated as Intel HEX.
func IsHexFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".hex", ".ihx":
		return true
	}
	return false
}

// LoadHexImage parses Intel HEX data and returns it as a flat image starting
// at base. Gaps between segments are filled with 0xFF, the erased flash value.
func LoadHexImage(r io.Reader, base uint32) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, err
	}

	var end uint32
	for _, segment := range mem.GetDataSegments() {
		if segment.Address < base {
			return nil, errors.Wrapf(ErrOutOfRange, "segment at %X is below %X", segment.Address, base)
		}
		if e := segment.Address + uint32(len(segment.Data)); e > end {
			end = e
		}
		pkgLog.Debugf("loaded segment at %X length %v", segment.Address, len(segment.Data))
	}
	if end <= base {
		return []byte{}, nil
	}
	if end > 0x10000 {
		return nil, errors.Wrapf(ErrOutOfRange, "image ends at %X", end)
	}
	return mem.ToBinary(base, end-base, 0xFF), nil
}

// DumpHexImage writes data located at base as Intel HEX.
func DumpHexImage(w io.Writer, data []byte, base uint32) error {
	mem := gohex.NewMemory()
	if err := mem.AddBinary(base, data); err != nil {
		return err
	}
	return mem.DumpIntelHex(w, 16)
}
