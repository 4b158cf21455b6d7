package litmap

import (
	"encoding/binary"
	"strings"
)

// Builder accumulates exact-string keys mapped to data-section offsets and
// serializes them into the on-disk open-addressed layout.
type Builder struct {
	insensitive bool
	seed        uint32
	entries     map[string]int // key -> data offset; map dedups automatically
	order       []string
}

// NewBuilder returns an empty literal-table builder. seed salts the table's
// hash so two databases built from the same keys don't share probe
// sequences.
func NewBuilder(insensitive bool, seed uint32) *Builder {
	return &Builder{insensitive: insensitive, seed: seed, entries: make(map[string]int)}
}

// Add records key -> dataOffset. Case-insensitive builders store the
// lowercased form, matching Reader's query-time lowercasing.
func (b *Builder) Add(key string, dataOffset int) {
	if b.insensitive {
		key = strings.ToLower(key)
	}
	if _, exists := b.entries[key]; !exists {
		b.order = append(b.order, key)
	}
	b.entries[key] = dataOffset
}

// Len returns the number of distinct keys added.
func (b *Builder) Len() int { return len(b.entries) }

// Build serializes the table. tableSize is the next power of two such that
// the load factor stays at or below 0.75.
func (b *Builder) Build() []byte {
	n := len(b.entries)
	tableSize := uint32(1)
	for float64(n) > float64(tableSize)*0.75 {
		tableSize <<= 1
	}
	if tableSize == 0 {
		tableSize = 1
	}

	slots := make([]slotRec, tableSize)
	for i := range slots {
		slots[i].keyOff = sentinelKeyOffset
	}

	var pool []byte
	poolOffsets := make(map[string]uint32, n)

	mask := tableSize - 1
	for _, key := range b.order {
		dataOff := b.entries[key]
		keyBytes := []byte(key)
		h := hash(b.seed, keyBytes)

		poolOff, ok := poolOffsets[key]
		if !ok {
			poolOff = uint32(len(pool))
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(keyBytes)))
			pool = append(pool, lenBuf[:]...)
			pool = append(pool, keyBytes...)
			poolOffsets[key] = poolOff
		}

		idx := uint32(h) & mask
		for slots[idx].keyOff != sentinelKeyOffset {
			idx = (idx + 1) & mask
		}
		slots[idx] = slotRec{hash: h, keyOff: poolOff, dataOff: uint32(dataOff)}
	}

	out := make([]byte, headerSize)
	copy(out[0:4], Magic)
	binary.LittleEndian.PutUint16(out[4:6], version)
	binary.LittleEndian.PutUint32(out[6:10], uint32(n))
	binary.LittleEndian.PutUint32(out[10:14], tableSize)
	binary.LittleEndian.PutUint32(out[14:18], b.seed)

	for _, s := range slots {
		var rec [slotSize]byte
		binary.LittleEndian.PutUint64(rec[0:8], s.hash)
		binary.LittleEndian.PutUint32(rec[8:12], s.keyOff)
		binary.LittleEndian.PutUint32(rec[12:16], s.dataOff)
		out = append(out, rec[:]...)
	}
	out = append(out, pool...)
	return out
}

type slotRec struct {
	hash    uint64
	keyOff  uint32
	dataOff uint32
}
