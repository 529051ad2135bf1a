package storage

import (
	"errors"
)

const (
	SegmentSize     = 1 << 30 // 1 GiB
	DefaultPageSize = 1 << 12 // 4,096
	MinPageSize     = 1 << 9  // 512
	MaxPageSize     = 1 << 15 // 32,768; slot offsets are uint16
	HeaderSize      = 12      // pageNo, lower, upper, live, reserved
	SlotSize        = 6       // offset, length, state
)

const (
	FileMode0644 = 0o644
	FileMode0755 = 0o755
)

var (
	ErrPageNotFound = errors.New("storage: page not found")
	ErrWrongSize    = errors.New("storage: buffer size != page size")
	ErrBadPageSize  = errors.New("storage: page size out of range")
)

// ValidPageSize reports whether n can be used as a page size.
func ValidPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize
}
