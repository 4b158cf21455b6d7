// Package litmap implements the open-addressed literal hash table of
// spec §4.4: O(1) exact-string lookup with linear probing, backed by a
// fast non-cryptographic hash, and optional case-insensitive matching
// folded at build time and query time.
package litmap

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/sjzar/ioclookup/internal/bufview"
)

// Magic identifies the on-disk literal hash table section.
const Magic = "LHSH"

const headerSize = 4 + 2 + 4 + 4 + 4 // magic + version + count + tableSize + seed
const slotSize = 8 + 4 + 4           // hash:u64, key_offset:u32, data_offset:u32

// sentinelKeyOffset marks an empty slot.
const sentinelKeyOffset = 0xFFFFFFFF

const version = 1

// hash computes the table's lookup hash, salted by seed so a hostile input
// set can't be engineered (offline) to collide against a fixed hash.
func hash(seed uint32, key []byte) uint64 {
	var buf [4]byte
	buf[0] = byte(seed)
	buf[1] = byte(seed >> 8)
	buf[2] = byte(seed >> 16)
	buf[3] = byte(seed >> 24)
	d := xxhash.New()
	d.Write(buf[:])
	d.Write(key)
	return d.Sum64()
}

// Reader answers exact-match lookups against a serialized literal table.
type Reader struct {
	view        bufview.View
	entryCount  uint32
	tableSize   uint32
	seed        uint32
	slotsOff    int
	poolOff     int
	insensitive bool
}

// New wraps a literal-table section. insensitive must match the value the
// builder was constructed with (also recorded in file metadata).
func New(section []byte, insensitive bool) (*Reader, error) {
	v := bufview.New(section)
	magic, err := v.Slice(0, 4)
	if err != nil {
		return nil, err
	}
	if string(magic) != Magic {
		return nil, fmt.Errorf("litmap: bad magic %q", magic)
	}
	ver, err := v.Uint16(4)
	if err != nil {
		return nil, err
	}
	if ver != version {
		return nil, fmt.Errorf("litmap: unsupported version %d", ver)
	}
	count, err := v.Uint32(6)
	if err != nil {
		return nil, err
	}
	tableSize, err := v.Uint32(10)
	if err != nil {
		return nil, err
	}
	if tableSize == 0 || tableSize&(tableSize-1) != 0 {
		return nil, fmt.Errorf("litmap: table size %d is not a power of two", tableSize)
	}
	if float64(count) > float64(tableSize)*0.75 {
		return nil, fmt.Errorf("litmap: load factor exceeds 0.75 (%d entries in %d slots)", count, tableSize)
	}
	seed, err := v.Uint32(14)
	if err != nil {
		return nil, err
	}

	slotsOff := headerSize
	slotsBytes := int(tableSize) * slotSize
	if _, err := v.Slice(slotsOff, slotsBytes); err != nil {
		return nil, fmt.Errorf("litmap: slot table out of bounds: %w", err)
	}

	return &Reader{
		view:        v,
		entryCount:  count,
		tableSize:   tableSize,
		seed:        seed,
		slotsOff:    slotsOff,
		poolOff:     slotsOff + slotsBytes,
		insensitive: insensitive,
	}, nil
}

func (r *Reader) slot(i uint32) (h uint64, keyOff, dataOff uint32, err error) {
	off := r.slotsOff + int(i)*slotSize
	h, err = r.view.Uint64(off)
	if err != nil {
		return
	}
	keyOff, err = r.view.Uint32(off + 8)
	if err != nil {
		return
	}
	dataOff, err = r.view.Uint32(off + 12)
	return
}

func (r *Reader) poolString(off uint32) (string, error) {
	n, err := r.view.Uint32(r.poolOff + int(off))
	if err != nil {
		return "", err
	}
	b, err := r.view.Slice(r.poolOff+int(off)+4, int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Lookup returns the data-section offset for query, if present.
func (r *Reader) Lookup(query string) (dataOffset int, found bool, err error) {
	if r.insensitive {
		query = strings.ToLower(query)
	}
	key := []byte(query)
	h := hash(r.seed, key)
	mask := r.tableSize - 1

	for probe := uint32(0); probe < r.tableSize; probe++ {
		idx := (uint32(h) + probe) & mask
		slotHash, keyOff, dataOff, err := r.slot(idx)
		if err != nil {
			return 0, false, err
		}
		if keyOff == sentinelKeyOffset {
			return 0, false, nil // empty slot: miss
		}
		if slotHash != h {
			continue
		}
		stored, err := r.poolString(keyOff)
		if err != nil {
			return 0, false, err
		}
		if stored == query {
			return int(dataOff), true, nil
		}
	}
	return 0, false, nil
}

// Len returns the number of entries stored.
func (r *Reader) Len() int { return int(r.entryCount) }

// Each iterates every occupied slot, for validation and diagnostics.
func (r *Reader) Each(fn func(key string, dataOffset int) error) error {
	for i := uint32(0); i < r.tableSize; i++ {
		_, keyOff, dataOff, err := r.slot(i)
		if err != nil {
			return err
		}
		if keyOff == sentinelKeyOffset {
			continue
		}
		key, err := r.poolString(keyOff)
		if err != nil {
			return err
		}
		if err := fn(key, int(dataOff)); err != nil {
			return err
		}
	}
	return nil
}
