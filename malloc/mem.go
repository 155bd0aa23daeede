package malloc

import (
	"errors"
	"unsafe"
)

// DefaultHeapLimit is the default reservation backing a Mem (20MB).
const DefaultHeapLimit = 20 << 20

// ErrNoMem is returned by Sbrk when the reserved region is exhausted.
var ErrNoMem = errors.New("malloc: sbrk: out of memory")

// Mem is the sbrk-style extender backing an Allocator. It reserves a fixed
// byte region up front and grows the usable heap monotonically by advancing
// a brk offset, so block addresses stay stable for the life of the heap.
type Mem struct {
	buf []byte
	brk int
}

// NewMem reserves a region of `limit` bytes. A non-positive limit reserves
// DefaultHeapLimit.
func NewMem(limit int) *Mem {
	if limit <= 0 {
		limit = DefaultHeapLimit
	}
	return &Mem{buf: make([]byte, limit)}
}

// Sbrk grows the heap by incr bytes and returns the offset of the first byte
// of the added region.
func (m *Mem) Sbrk(incr int) (int, error) {
	if incr < 0 || m.brk+incr > len(m.buf) {
		return 0, ErrNoMem
	}
	old := m.brk
	m.brk += incr
	return old, nil
}

// HeapLo returns the offset of the first heap byte.
func (m *Mem) HeapLo() int { return 0 }

// HeapHi returns the offset of the last heap byte, or -1 before the first Sbrk.
func (m *Mem) HeapHi() int { return m.brk - 1 }

// Size returns the current heap size in bytes.
func (m *Mem) Size() int { return m.brk }

func (m *Mem) base() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(m.buf))
}
