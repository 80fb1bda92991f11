package ch559boot

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLoadProfile(t *testing.T) {
	p, err := LoadProfile(strings.NewReader("timeout: 2s\nchunk_size: 32\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultProfile()
	want.Timeout = 2 * time.Second
	want.ChunkSize = 32
	if p != want {
		t.Errorf("profile = %+v, want %+v", p, want)
	}
}

func TestLoadProfileErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "baud: 9600\n"},
		{"not yaml", "timeout: [\n"},
		{"chunk too large", "chunk_size: 64\n"},
		{"limit below size", "program_limit: 0x8000\n"},
		{"data past end", "data_address: 0xFF00\n"},
		{"zero timeout", "timeout: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadProfile(strings.NewReader(tt.yaml)); err == nil {
				t.Error("profile accepted")
			}
		})
	}
}

func TestProfileMarshal(t *testing.T) {
	b, err := DefaultProfile().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfile(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if p != DefaultProfile() {
		t.Errorf("profile = %+v", p)
	}
}

func TestProfileRegions(t *testing.T) {
	p := DefaultProfile()
	tests := []struct {
		region   Region
		n        int
		capacity int
		fill     int
	}{
		{Program, 0x100, 0xF400, 0xF000},
		{Program, 0xF000, 0xF400, 0xF000},
		{Program, 0xF001, 0xF400, 0xF400},
		{Data, 0x10, 0x400, 0x400},
	}
	for _, tt := range tests {
		if got := p.Capacity(tt.region); got != tt.capacity {
			t.Errorf("%s capacity = %X, want %X", tt.region, got, tt.capacity)
		}
		if got := p.FillSize(tt.region, tt.n); got != tt.fill {
			t.Errorf("%s fill size for %X = %X, want %X", tt.region, tt.n, got, tt.fill)
		}
	}
}
