// Package dataval implements the typed Data Value codec described in
// spec §4.2: a control-byte encoding over booleans, sized integers,
// floats, strings, byte strings, arrays and string-keyed maps, with
// in-section pointers and deduplication by content hash.
//
// The in-memory representation is github.com/maxmind/mmdbwriter/mmdbtype's
// DataType union, since that is already the data model the file format
// is wire-compatible with (spec §3 and SPEC_FULL.md §3); dataval only
// supplies the encode/decode routines, not mmdbwriter's own file writer.
package dataval

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/maxmind/mmdbwriter/mmdbtype"

	"github.com/sjzar/ioclookup/internal/bufview"
)

// Primary type tags occupying the top 3 bits of a control byte.
const (
	typeExtended = 0
	typePointer  = 1
	typeString   = 2
	typeFloat64  = 3
	typeBytes    = 4
	typeUint16   = 5
	typeUint32   = 6
	typeMap      = 7
)

// Extended type tags (ctrl top bits == typeExtended); the second byte plus
// 7 gives one of these.
const (
	extInt32  = 8
	extUint64 = 9
	// extUint128 = 10 // not supported: spec caps integers at 16/32/64 bits.
	extArray = 11
	// extContainer  = 12 // cache-container marker, builder never emits it.
	// extEndMarker  = 13 // end-of-data marker, builder never emits it.
	extBool  = 14
	extFloat = 15
)

// maxValueBytes bounds the total encoded size of any single value (spec:
// "total value size by a fixed cap (>=16 MiB)").
const maxValueBytes = 16 << 20

// maxDepth bounds array/map nesting (spec: ">=64").
const maxDepth = 64

// maxPointerHops caps pointer-chase length; exceeding it is treated as a
// cycle (spec §4.2, §9).
const maxPointerHops = 1024

// Codec decodes Data Values out of a borrowed data-section byte range.
type Codec struct {
	view      bufview.View
	checkUTF8 bool
}

// New wraps a data-section byte slice. checkUTF8 enables per-read UTF-8
// validation of decoded strings; trusted-mode readers pass false.
func New(section []byte, checkUTF8 bool) Codec {
	return Codec{view: bufview.New(section), checkUTF8: checkUTF8}
}

// Decode reads the value beginning at offset off.
func (c Codec) Decode(off int) (mmdbtype.DataType, error) {
	return c.decode(off, 0, 0)
}

// DecodeWithEnd reads the value beginning at offset off and also returns
// the offset immediately following its encoding, so a caller walking a
// sequence of top-level values (e.g. the metadata map followed by
// extension sections) knows where the next one starts.
func (c Codec) DecodeWithEnd(off int) (mmdbtype.DataType, int, error) {
	return c.decodeAt(off, 0, 0)
}

func (c Codec) decode(off, depth, hops int) (mmdbtype.DataType, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("dataval: nesting exceeds max depth %d at offset %d", maxDepth, off)
	}

	actualType, size, payloadOff, err := c.readControl(off)
	if err != nil {
		return nil, err
	}

	switch actualType {
	case typePointer:
		target, err := c.readPointerTarget(size)
		if err != nil {
			return nil, err
		}
		if hops >= maxPointerHops {
			return nil, fmt.Errorf("dataval: pointer chase exceeded %d hops at offset %d (likely cycle)", maxPointerHops, off)
		}
		if target >= off {
			return nil, fmt.Errorf("dataval: pointer at offset %d targets %d, which is not strictly earlier", off, target)
		}
		return c.decode(target, depth, hops+1)

	case typeString:
		return c.readString(payloadOff, size)

	case typeFloat64:
		return c.readFloat64(payloadOff, size)

	case typeBytes:
		return c.readBytes(payloadOff, size)

	case typeUint16:
		return c.readUint(payloadOff, size, 16)

	case typeUint32:
		return c.readUint(payloadOff, size, 32)

	case typeMap:
		v, _, err := c.readMap(payloadOff, size, depth, hops)
		return v, err

	case extInt32:
		return c.readInt32(payloadOff, size)

	case extUint64:
		return c.readUint(payloadOff, size, 64)

	case extArray:
		v, _, err := c.readArray(payloadOff, size, depth, hops)
		return v, err

	case extBool:
		return mmdbtype.Bool(size != 0), nil

	case extFloat:
		return c.readFloat32(payloadOff, size)

	default:
		return nil, fmt.Errorf("dataval: unsupported or reserved type tag %d at offset %d", actualType, off)
	}
}

// readControl parses the control byte(s) at off and returns the resolved
// type tag, declared size, and the offset of the payload that follows.
func (c Codec) readControl(off int) (actualType, size, payloadOff int, err error) {
	ctrl, err := c.view.Byte(off)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("dataval: read control byte: %w", err)
	}
	off++

	primary := int(ctrl >> 5)
	sizeField := int(ctrl & 0x1F)

	if primary == typePointer {
		// Pointer control bytes use their own 2-bit size-variant scheme,
		// not the 29/30/31 escape ladder used by every other type.
		variant := (sizeField >> 3) & 0x3
		lead := sizeField & 0x7
		switch variant {
		case 0:
			b, err := c.view.Byte(off)
			if err != nil {
				return 0, 0, 0, err
			}
			return typePointer, (lead << 8) | int(b), off + 1, nil
		case 1:
			b, err := c.view.Slice(off, 2)
			if err != nil {
				return 0, 0, 0, err
			}
			v := (lead << 16) | int(b[0])<<8 | int(b[1])
			return typePointer, v + 2048, off + 2, nil
		case 2:
			b, err := c.view.Slice(off, 3)
			if err != nil {
				return 0, 0, 0, err
			}
			v := (lead << 24) | int(b[0])<<16 | int(b[1])<<8 | int(b[2])
			return typePointer, v + 526336, off + 3, nil
		default:
			v, err := c.view.BEUint32(off)
			if err != nil {
				return 0, 0, 0, err
			}
			return typePointer, int(v), off + 4, nil
		}
	}

	actualType = primary
	if primary == typeExtended {
		extByte, err := c.view.Byte(off)
		if err != nil {
			return 0, 0, 0, err
		}
		off++
		actualType = int(extByte) + 7
	}

	size, off, err = c.readSize(sizeField, off)
	if err != nil {
		return 0, 0, 0, err
	}
	if size > maxValueBytes {
		return 0, 0, 0, fmt.Errorf("dataval: value size %d exceeds cap %d", size, maxValueBytes)
	}
	return actualType, size, off, nil
}

// readSize resolves the 29/30/31 escape ladder for non-pointer types.
func (c Codec) readSize(sizeField, off int) (size, newOff int, err error) {
	switch {
	case sizeField < 29:
		return sizeField, off, nil
	case sizeField == 29:
		b, err := c.view.Byte(off)
		if err != nil {
			return 0, 0, err
		}
		return 29 + int(b), off + 1, nil
	case sizeField == 30:
		b, err := c.view.Slice(off, 2)
		if err != nil {
			return 0, 0, err
		}
		return 285 + int(binary.BigEndian.Uint16(b)), off + 2, nil
	default: // 31
		b, err := c.view.Slice(off, 3)
		if err != nil {
			return 0, 0, err
		}
		v := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
		return 65821 + v, off + 3, nil
	}
}

func (c Codec) readPointerTarget(size int) (int, error) {
	return size, nil
}

func (c Codec) readString(off, size int) (mmdbtype.DataType, error) {
	b, err := c.view.Slice(off, size)
	if err != nil {
		return nil, err
	}
	if c.checkUTF8 && !isValidUTF8(b) {
		return nil, fmt.Errorf("dataval: invalid UTF-8 string at offset %d", off)
	}
	s := make([]byte, len(b))
	copy(s, b)
	return mmdbtype.String(s), nil
}

func (c Codec) readBytes(off, size int) (mmdbtype.DataType, error) {
	b, err := c.view.Slice(off, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return mmdbtype.Bytes(out), nil
}

func (c Codec) readUint(off, size, bits int) (mmdbtype.DataType, error) {
	if size > bits/8 {
		return nil, fmt.Errorf("dataval: uint%d payload too large (%d bytes)", bits, size)
	}
	b, err := c.view.Slice(off, size)
	if err != nil {
		return nil, err
	}
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	switch bits {
	case 16:
		return mmdbtype.Uint16(v), nil
	case 32:
		return mmdbtype.Uint32(v), nil
	default:
		return mmdbtype.Uint64(v), nil
	}
}

func (c Codec) readInt32(off, size int) (mmdbtype.DataType, error) {
	if size > 4 {
		return nil, fmt.Errorf("dataval: int32 payload too large (%d bytes)", size)
	}
	b, err := c.view.Slice(off, size)
	if err != nil {
		return nil, err
	}
	var v int32
	for _, by := range b {
		v = v<<8 | int32(by)
	}
	return mmdbtype.Int32(v), nil
}

func (c Codec) readFloat64(off, size int) (mmdbtype.DataType, error) {
	if size != 8 {
		return nil, fmt.Errorf("dataval: float64 must be 8 bytes, got %d", size)
	}
	v, err := c.view.BEUint64(off)
	if err != nil {
		return nil, err
	}
	return mmdbtype.Float64(math.Float64frombits(v)), nil
}

func (c Codec) readFloat32(off, size int) (mmdbtype.DataType, error) {
	if size != 4 {
		return nil, fmt.Errorf("dataval: float32 must be 4 bytes, got %d", size)
	}
	v, err := c.view.BEUint32(off)
	if err != nil {
		return nil, err
	}
	return mmdbtype.Float32(math.Float32frombits(v)), nil
}

// readArray decodes n sequential values starting at off, returning the
// offset immediately following the last one (containers are variable
// length, so this can only be known by walking every element).
func (c Codec) readArray(off, n, depth, hops int) (mmdbtype.DataType, int, error) {
	out := make(mmdbtype.Slice, 0, n)
	cur := off
	for i := 0; i < n; i++ {
		v, next, err := c.decodeAt(cur, depth+1, hops)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
		cur = next
	}
	return out, cur, nil
}

// readMap decodes n sequential (string-key, value) pairs starting at off,
// returning the offset immediately following the last value.
func (c Codec) readMap(off, n, depth, hops int) (mmdbtype.DataType, int, error) {
	out := make(mmdbtype.Map, n)
	cur := off
	for i := 0; i < n; i++ {
		keyVal, next, err := c.decodeAt(cur, depth+1, hops)
		if err != nil {
			return nil, 0, err
		}
		key, ok := keyVal.(mmdbtype.String)
		if !ok {
			return nil, 0, fmt.Errorf("dataval: map key at offset %d is not a string", cur)
		}
		cur = next

		val, next, err := c.decodeAt(cur, depth+1, hops)
		if err != nil {
			return nil, 0, err
		}
		out[string(key)] = val
		cur = next
	}
	return out, cur, nil
}

// decodeAt decodes the value at off and also returns the offset immediately
// following it, for sequential container decoding. Pointers are followed
// but do not advance the sequential cursor past the pointer's own size.
func (c Codec) decodeAt(off, depth, hops int) (mmdbtype.DataType, int, error) {
	actualType, size, payloadOff, err := c.readControl(off)
	if err != nil {
		return nil, 0, err
	}
	if actualType == typePointer {
		target := size
		if hops >= maxPointerHops {
			return nil, 0, fmt.Errorf("dataval: pointer chase exceeded %d hops at offset %d", maxPointerHops, off)
		}
		if target >= off {
			return nil, 0, fmt.Errorf("dataval: pointer at offset %d targets %d, which is not strictly earlier", off, target)
		}
		v, err := c.decode(target, depth, hops+1)
		return v, payloadOff, err
	}

	switch actualType {
	case typeMap:
		return c.readMap(payloadOff, size, depth, hops)
	case extArray:
		return c.readArray(payloadOff, size, depth, hops)
	default:
		v, err := c.decodeValueBody(actualType, payloadOff, size)
		if err != nil {
			return nil, 0, err
		}
		return v, payloadOff + size, nil
	}
}

func (c Codec) decodeValueBody(actualType, payloadOff, size int) (mmdbtype.DataType, error) {
	switch actualType {
	case typeString:
		return c.readString(payloadOff, size)
	case typeFloat64:
		return c.readFloat64(payloadOff, size)
	case typeBytes:
		return c.readBytes(payloadOff, size)
	case typeUint16:
		return c.readUint(payloadOff, size, 16)
	case typeUint32:
		return c.readUint(payloadOff, size, 32)
	case extInt32:
		return c.readInt32(payloadOff, size)
	case extUint64:
		return c.readUint(payloadOff, size, 64)
	case extBool:
		return mmdbtype.Bool(size != 0), nil
	case extFloat:
		return c.readFloat32(payloadOff, size)
	default:
		return nil, fmt.Errorf("dataval: unsupported or reserved type tag %d", actualType)
	}
}

func isValidUTF8(b []byte) bool {
	i := 0
	for i < len(b) {
		c := b[i]
		switch {
		case c < 0x80:
			i++
		case c&0xE0 == 0xC0:
			if i+1 >= len(b) || b[i+1]&0xC0 != 0x80 {
				return false
			}
			i += 2
		case c&0xF0 == 0xE0:
			if i+2 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 {
				return false
			}
			i += 3
		case c&0xF8 == 0xF0:
			if i+3 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 || b[i+3]&0xC0 != 0x80 {
				return false
			}
			i += 4
		default:
			return false
		}
	}
	return true
}

// ---- Builder ----

// Builder assembles a data section, deduplicating values by a content hash
// over their encoded form (spec §4.2, §4.8.1).
type Builder struct {
	buf    []byte
	byHash map[uint64][]int // content hash -> offsets of candidate encodings
}

// NewBuilder returns an empty data-section builder.
func NewBuilder() *Builder {
	return &Builder{byHash: make(map[uint64][]int)}
}

// Put encodes v, deduplicating against any value already written with an
// identical encoding, and returns its offset within the section.
func (b *Builder) Put(v mmdbtype.DataType) (int, error) {
	enc, err := b.encode(v)
	if err != nil {
		return 0, err
	}

	h := xxhash.Sum64(enc)
	for _, off := range b.byHash[h] {
		if end := off + len(enc); end <= len(b.buf) && bytesEqual(b.buf[off:end], enc) {
			return off, nil
		}
	}

	off := len(b.buf)
	b.buf = append(b.buf, enc...)
	b.byHash[h] = append(b.byHash[h], off)
	return off, nil
}

// Bytes returns the assembled data section.
func (b *Builder) Bytes() []byte { return b.buf }

func bytesEqual(a, c []byte) bool {
	if len(a) != len(c) {
		return false
	}
	for i := range a {
		if a[i] != c[i] {
			return false
		}
	}
	return true
}

func (b *Builder) encode(v mmdbtype.DataType) ([]byte, error) {
	switch t := v.(type) {
	case mmdbtype.String:
		return encodeSized(typeString, []byte(t)), nil
	case mmdbtype.Bytes:
		return encodeSized(typeBytes, []byte(t)), nil
	case mmdbtype.Uint16:
		return encodeUint(typeUint16, uint64(t), 2), nil
	case mmdbtype.Uint32:
		return encodeUint(typeUint32, uint64(t), 4), nil
	case mmdbtype.Uint64:
		return encodeExtUint(extUint64, uint64(t), 8), nil
	case mmdbtype.Int32:
		return encodeExtUint(extInt32, uint64(uint32(t)), 4), nil
	case mmdbtype.Bool:
		val := 0
		if t {
			val = 1
		}
		return encodeControlOnly(extBool, val), nil
	case mmdbtype.Float64:
		var payload [8]byte
		binary.BigEndian.PutUint64(payload[:], math.Float64bits(float64(t)))
		return append(encodeHeader(typeFloat64, 8), payload[:]...), nil
	case mmdbtype.Float32:
		var payload [4]byte
		binary.BigEndian.PutUint32(payload[:], math.Float32bits(float32(t)))
		return append(encodeHeader(extFloat, 4), payload[:]...), nil
	case mmdbtype.Slice:
		out := encodeHeader(extArray, len(t))
		for _, el := range t {
			enc, err := b.encode(el)
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)
		}
		return out, nil
	case mmdbtype.Map:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := encodeHeader(typeMap, len(t))
		for _, k := range keys {
			out = append(out, encodeSized(typeString, []byte(k))...)
			enc, err := b.encode(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("dataval: unsupported mmdbtype.DataType %T", v)
	}
}

// encodeHeader writes a control byte sequence for (actualType, size)
// without any payload, handling the extended-type second byte when needed.
func encodeHeader(actualType, size int) []byte {
	if actualType <= 7 {
		return sizeHeaderBytes(actualType, size)
	}
	// Extended type byte comes right after the control byte, before any
	// size-extension bytes, matching readControl's read order.
	hdr := sizeHeaderBytes(typeExtended, size)
	out := []byte{hdr[0], byte(actualType - 7)}
	return append(out, hdr[1:]...)
}

func sizeHeaderBytes(primary, size int) []byte {
	switch {
	case size <= 28:
		return []byte{byte(primary<<5) | byte(size)}
	case size <= 284:
		return []byte{byte(primary<<5) | 29, byte(size - 29)}
	case size <= 65820:
		rem := size - 285
		return []byte{byte(primary<<5) | 30, byte(rem >> 8), byte(rem)}
	default:
		rem := size - 65821
		return []byte{byte(primary<<5) | 31, byte(rem >> 16), byte(rem >> 8), byte(rem)}
	}
}

func encodeSized(primary int, payload []byte) []byte {
	out := encodeHeader(primary, len(payload))
	return append(out, payload...)
}

func encodeUint(primary int, v uint64, maxBytes int) []byte {
	payload := trimmedBigEndian(v, maxBytes)
	return encodeSized(primary, payload)
}

func encodeExtUint(extType int, v uint64, maxBytes int) []byte {
	payload := trimmedBigEndian(v, maxBytes)
	out := encodeHeader(extType, len(payload))
	return append(out, payload...)
}

func encodeControlOnly(extType, size int) []byte {
	return encodeHeader(extType, size)
}

// trimmedBigEndian encodes v in maxBytes big-endian bytes, then trims
// leading zero bytes (MMDB-style minimal-length integer encoding).
func trimmedBigEndian(v uint64, maxBytes int) []byte {
	full := make([]byte, maxBytes)
	for i := maxBytes - 1; i >= 0; i-- {
		full[i] = byte(v)
		v >>= 8
	}
	i := 0
	for i < len(full)-1 && full[i] == 0 {
		i++
	}
	return full[i:]
}
