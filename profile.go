package ch559boot

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Region selects one of the two independently erasable flash areas.
type Region int

const (
	Program Region = iota
	Data
)

func (r Region) String() string {
	switch r {
	case Program:
		return "program"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Profile defines how to reach the bootloader and the memory layout of the chip.
type Profile struct {
	VendorID  uint16        `yaml:"vendor_id"`
	ProductID uint16        `yaml:"product_id"`
	Timeout   time.Duration `yaml:"timeout"`

	// ProgramSize is the program flash below the data flash. Images up to
	// ProgramLimit are accepted but overwrite the data flash.
	ProgramSize  int    `yaml:"program_size"`
	ProgramLimit int    `yaml:"program_limit"`
	DataAddress  uint16 `yaml:"data_address"`
	DataSize     int    `yaml:"data_size"`
	ChunkSize    int    `yaml:"chunk_size"`
}

// DefaultProfile returns the CH559 profile.
func DefaultProfile() Profile {
	return Profile{
		VendorID:     0x4348,
		ProductID:    0x55E0,
		Timeout:      time.Second,
		ProgramSize:  0xF000,
		ProgramLimit: 0xF400,
		DataAddress:  0xF000,
		DataSize:     0x400,
		ChunkSize:    ChunkSize,
	}
}

// LoadProfile reads a YAML profile. Fields missing from r keep their
// DefaultProfile values.
func LoadProfile(r io.Reader) (Profile, error) {
	p := DefaultProfile()
	b, err := io.ReadAll(r)
	if err != nil {
		return Profile{}, err
	}
	if err := yaml.UnmarshalStrict(b, &p); err != nil {
		return Profile{}, errors.Wrap(err, "failed to parse profile")
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks the profile for values the protocol cannot express.
func (p Profile) Validate() error {
	switch {
	case p.ChunkSize <= 0 || p.ChunkSize > ChunkSize:
		return errors.Errorf("chunk size must be between 1 and %d", ChunkSize)
	case p.ProgramSize <= 0 || p.ProgramLimit < p.ProgramSize:
		return errors.New("program limit must not be below the program size")
	case p.ProgramLimit > 0x10000:
		return errors.New("program limit exceeds the 16-bit address space")
	case p.DataSize <= 0 || int(p.DataAddress)+p.DataSize > 0x10000:
		return errors.New("data flash exceeds the 16-bit address space")
	case p.Timeout <= 0:
		return errors.New("timeout must be positive")
	}
	return nil
}

// Capacity returns the largest image accepted for a region.
func (p Profile) Capacity(r Region) int {
	if r == Program {
		return p.ProgramLimit
	}
	return p.DataSize
}

// FillSize returns the size an image of n bytes is padded to when the unused
// area of the region is filled.
func (p Profile) FillSize(r Region, n int) int {
	if r == Program && n <= p.ProgramSize {
		return p.ProgramSize
	}
	return p.Capacity(r)
}

// Marshal renders the profile as YAML.
func (p Profile) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}
