// Package bufview provides bounds-checked little- and big-endian reads
// over a borrowed byte slice. Every exported reader here treats its
// buffer as untrusted: an out-of-range read returns an error instead of
// panicking, so callers higher up the stack (the trie, the literal
// table, the AC automaton, the data-value codec) can turn a bad offset
// into a CorruptData error rather than a crash.
package bufview

import "fmt"

// ErrOutOfBounds is returned when a read would touch bytes outside the view.
var ErrOutOfBounds = fmt.Errorf("bufview: read out of bounds")

// View is a read-only window onto a borrowed byte slice. It never copies
// the underlying bytes; all returned strings/byte slices alias it.
type View struct {
	buf []byte
}

// New wraps buf in a View. buf is borrowed, not copied.
func New(buf []byte) View {
	return View{buf: buf}
}

// Len returns the number of bytes in the view.
func (v View) Len() int { return len(v.buf) }

// Bytes returns the full underlying slice. Callers must not retain it past
// the lifetime of the owning mmap.
func (v View) Bytes() []byte { return v.buf }

func (v View) check(off, n int) error {
	if off < 0 || n < 0 || off+n < off || off+n > len(v.buf) {
		return fmt.Errorf("%w: offset %d len %d (view size %d)", ErrOutOfBounds, off, n, len(v.buf))
	}
	return nil
}

// Slice returns v.buf[off:off+n], bounds-checked.
func (v View) Slice(off, n int) ([]byte, error) {
	if err := v.check(off, n); err != nil {
		return nil, err
	}
	return v.buf[off : off+n], nil
}

// Byte reads a single byte at off.
func (v View) Byte(off int) (byte, error) {
	if err := v.check(off, 1); err != nil {
		return 0, err
	}
	return v.buf[off], nil
}

// Uint16 reads a little-endian uint16 at off.
func (v View) Uint16(off int) (uint16, error) {
	b, err := v.Slice(off, 2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// Uint32 reads a little-endian uint32 at off.
func (v View) Uint32(off int) (uint32, error) {
	b, err := v.Slice(off, 4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// Uint64 reads a little-endian uint64 at off.
func (v View) Uint64(off int) (uint64, error) {
	b, err := v.Slice(off, 8)
	if err != nil {
		return 0, err
	}
	var u uint64
	for i := 7; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	return u, nil
}

// BEUint32 reads a big-endian uint32 at off. Used by the data-value codec,
// whose control-byte-addressed integers and floats are big-endian (spec
// §4.2), distinct from every other section's little-endian fixed fields.
func (v View) BEUint32(off int) (uint32, error) {
	b, err := v.Slice(off, 4)
	if err != nil {
		return 0, err
	}
	return uint32(b[3]) | uint32(b[2])<<8 | uint32(b[1])<<16 | uint32(b[0])<<24, nil
}

// BEUint64 reads a big-endian uint64 at off.
func (v View) BEUint64(off int) (uint64, error) {
	b, err := v.Slice(off, 8)
	if err != nil {
		return 0, err
	}
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return u, nil
}
