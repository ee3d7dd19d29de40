package shm

import (
	"errors"
	"unsafe"
)

var (
	// ErrOutOfBounds reports an access outside the mapped region.
	ErrOutOfBounds = errors.New("shm: offset out of bounds")
	// ErrMisaligned reports a region that cannot host aligned atomics.
	ErrMisaligned = errors.New("shm: region not 8-byte aligned")
	// ErrBadMagic reports a mapping that is not a progress segment.
	ErrBadMagic = errors.New("shm: bad segment magic")
	// ErrBadVersion reports a segment written by an incompatible build.
	ErrBadVersion = errors.New("shm: unsupported segment version")
	// ErrTooSmall reports a region shorter than its declared layout.
	ErrTooSmall = errors.New("shm: region too small")
)

// Provider supplies the raw byte region a Segment operates on. The region
// must stay valid until Close and must start on an 8-byte boundary.
type Provider interface {
	Bytes() []byte
	Close() error
}

type memProvider struct {
	words []uint64
	data  []byte
}

// NewMemory returns a process-local provider of at least size bytes. It
// backs single-process runs and tests; cross-process segments use the
// file provider. The region is allocated as 64-bit words so atomics stay
// naturally aligned.
func NewMemory(size int) Provider {
	if size < 8 {
		size = 8
	}
	words := make([]uint64, (size+7)/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return &memProvider{words: words, data: data}
}

func (m *memProvider) Bytes() []byte { return m.data }

func (m *memProvider) Close() error { return nil }
