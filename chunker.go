package ch559boot

import (
	"iter"

	"github.com/pkg/errors"
)

func checkRange(start, length, capacity, size int) error {
	if size <= 0 {
		return errors.Errorf("invalid chunk size %d", size)
	}
	if start < 0 || length < 0 || start+length > capacity {
		return errors.Wrapf(ErrOutOfRange, "%d bytes at %04X exceed the %04X byte region", length, start, capacity)
	}
	return nil
}

// Split validates that buf fits into a region of capacity bytes when placed
// at start, and returns the sequence of (offset, chunk) pairs to send. Every
// chunk is size bytes long except possibly the last one. The sequence may be
// ranged over any number of times.
func Split(buf []byte, start, capacity, size int) (iter.Seq2[int, []byte], error) {
	if err := checkRange(start, len(buf), capacity, size); err != nil {
		return nil, err
	}
	return func(yield func(int, []byte) bool) {
		for off := 0; off < len(buf); off += size {
			end := min(off+size, len(buf))
			if !yield(start+off, buf[off:end:end]) {
				return
			}
		}
	}, nil
}

// Spans is the read side of Split. It returns the sequence of (offset, size)
// requests covering length bytes from start. Payloads received for each span
// are concatenated in order by the caller.
func Spans(start, length, capacity, size int) (iter.Seq2[int, int], error) {
	if err := checkRange(start, length, capacity, size); err != nil {
		return nil, err
	}
	return func(yield func(int, int) bool) {
		for off := 0; off < length; off += size {
			if !yield(start+off, min(size, length-off)) {
				return
			}
		}
	}, nil
}
