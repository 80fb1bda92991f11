package ch559boot

import (
	"math/rand/v2"
	"time"
)

// fillStream is the second PCG word; the seed supplies the first.
const fillStream = 0x43483535392d6666

// Fill returns n pseudo-random bytes derived from seed. The output depends on
// nothing but seed and n.
func Fill(seed uint64, n int) []byte {
	b := make([]byte, n)
	src := rand.NewPCG(seed, fillStream)
	for i := 0; i < n; i += 8 {
		v := src.Uint64()
		for j := i; j < n && j < i+8; j++ {
			b[j] = byte(v)
			v >>= 8
		}
	}
	return b
}

// Pad returns a copy of buf extended to size bytes with Fill(seed). If buf is
// already size bytes or longer it is copied unchanged.
func Pad(buf []byte, size int, seed uint64) []byte {
	if len(buf) >= size {
		return append([]byte(nil), buf...)
	}
	out := make([]byte, size)
	copy(out, buf)
	copy(out[len(buf):], Fill(seed, size-len(buf)))
	return out
}

// NewSeed picks a fill seed for runs that did not specify one.
func NewSeed() uint64 {
	return uint64(time.Now().UnixNano())
}
