package dbfile

import (
	"encoding/binary"
	"fmt"

	"github.com/sjzar/ioclookup/internal/bufview"
)

// paraglobMagic identifies the sub-header introducing the pattern engine's
// sections, nested inside the MMDB_PATTERN extension marker.
const paraglobMagic = "PARAGLOB"

const paraglobVersion = 2

const endiannessLE = 0

// paraglobHeaderSize: magic(8) + version(4) + endianness(1) + match_mode(1)
// + reserved(2) + acLen(4) + globTableLen(4) + litPatMapLen(4).
const paraglobHeaderSize = 8 + 4 + 1 + 1 + 2 + 4 + 4 + 4

// Paraglob locates the three sub-sections nested under the MMDB_PATTERN
// extension marker: the AC automaton, the glob pattern table, and the
// literal-ID -> pattern-ID multimap.
type Paraglob struct {
	MatchMode uint8
	AC        []byte
	GlobTable []byte
	LitPatMap []byte
}

// paraglobBodyLen returns the total byte length of the PARAGLOB sub-header
// plus its three sub-sections, letting a caller skip past the whole
// extension without fully parsing it.
func paraglobBodyLen(section []byte) (int, error) {
	v := bufview.New(section)
	magic, err := v.Slice(0, 8)
	if err != nil {
		return 0, err
	}
	if string(magic) != paraglobMagic {
		return 0, fmt.Errorf("dbfile: bad PARAGLOB magic %q", magic)
	}
	version, err := v.Uint32(8)
	if err != nil {
		return 0, err
	}
	if version != paraglobVersion {
		return 0, fmt.Errorf("dbfile: unsupported PARAGLOB version %d", version)
	}
	acLen, err := v.Uint32(16)
	if err != nil {
		return 0, err
	}
	globLen, err := v.Uint32(20)
	if err != nil {
		return 0, err
	}
	litPatLen, err := v.Uint32(24)
	if err != nil {
		return 0, err
	}
	return paraglobHeaderSize + int(acLen) + int(globLen) + int(litPatLen), nil
}

// ParseParaglob parses the PARAGLOB sub-header and locates its sections
// within section (the bytes immediately after the MMDB_PATTERN marker).
func ParseParaglob(section []byte) (*Paraglob, error) {
	v := bufview.New(section)
	magic, err := v.Slice(0, 8)
	if err != nil {
		return nil, err
	}
	if string(magic) != paraglobMagic {
		return nil, fmt.Errorf("dbfile: bad PARAGLOB magic %q", magic)
	}
	version, err := v.Uint32(8)
	if err != nil {
		return nil, err
	}
	if version != paraglobVersion {
		return nil, fmt.Errorf("dbfile: unsupported PARAGLOB version %d", version)
	}
	endianness, err := v.Byte(12)
	if err != nil {
		return nil, err
	}
	if endianness != endiannessLE {
		return nil, fmt.Errorf("dbfile: unsupported PARAGLOB endianness marker %d", endianness)
	}
	matchMode, err := v.Byte(13)
	if err != nil {
		return nil, err
	}
	acLen, err := v.Uint32(16)
	if err != nil {
		return nil, err
	}
	globLen, err := v.Uint32(20)
	if err != nil {
		return nil, err
	}
	litPatLen, err := v.Uint32(24)
	if err != nil {
		return nil, err
	}

	off := paraglobHeaderSize
	ac, err := v.Slice(off, int(acLen))
	if err != nil {
		return nil, fmt.Errorf("dbfile: AC sub-section: %w", err)
	}
	off += int(acLen)
	glob, err := v.Slice(off, int(globLen))
	if err != nil {
		return nil, fmt.Errorf("dbfile: glob table sub-section: %w", err)
	}
	off += int(globLen)
	litPat, err := v.Slice(off, int(litPatLen))
	if err != nil {
		return nil, fmt.Errorf("dbfile: literal-pattern map sub-section: %w", err)
	}

	return &Paraglob{MatchMode: matchMode, AC: ac, GlobTable: glob, LitPatMap: litPat}, nil
}

// BuildParaglob assembles the PARAGLOB sub-header and its three
// sub-sections into a single contiguous buffer.
func BuildParaglob(matchMode uint8, ac, globTable, litPatMap []byte) []byte {
	out := make([]byte, paraglobHeaderSize)
	copy(out[0:8], paraglobMagic)
	binary.LittleEndian.PutUint32(out[8:12], paraglobVersion)
	out[12] = endiannessLE
	out[13] = matchMode
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(ac)))
	binary.LittleEndian.PutUint32(out[20:24], uint32(len(globTable)))
	binary.LittleEndian.PutUint32(out[24:28], uint32(len(litPatMap)))
	out = append(out, ac...)
	out = append(out, globTable...)
	out = append(out, litPatMap...)
	return out
}

// GlobEntry describes one compiled pattern: its original source text (so
// the verifier can re-match it) and the data-section offset its matches
// resolve to.
type GlobEntry struct {
	Pattern    string
	DataOffset uint32
}

const globEntrySize = 1 + 3 + 4 + 4 // type byte + pad + pattern_offset + data_offset

// ParseGlobTable decodes the glob pattern table (spec §6.1: "each entry:
// type byte, original-pattern string offset").
func ParseGlobTable(section []byte) ([]GlobEntry, error) {
	v := bufview.New(section)
	count, err := v.Uint32(0)
	if err != nil {
		return nil, err
	}
	entries := make([]GlobEntry, count)
	poolOff := 4 + int(count)*globEntrySize
	for i := uint32(0); i < count; i++ {
		base := 4 + int(i)*globEntrySize
		patOff, err := v.Uint32(base + 4)
		if err != nil {
			return nil, err
		}
		dataOff, err := v.Uint32(base + 8)
		if err != nil {
			return nil, err
		}
		strLen, err := v.Uint32(poolOff + int(patOff))
		if err != nil {
			return nil, err
		}
		strBytes, err := v.Slice(poolOff+int(patOff)+4, int(strLen))
		if err != nil {
			return nil, err
		}
		entries[i] = GlobEntry{Pattern: string(strBytes), DataOffset: dataOff}
	}
	return entries, nil
}

// BuildGlobTable serializes entries (indexed by pattern ID, i.e.
// entries[i] is pattern ID i) into the on-disk glob pattern table layout.
func BuildGlobTable(entries []GlobEntry) []byte {
	header := make([]byte, 4+len(entries)*globEntrySize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(entries)))

	var pool []byte
	poolOffsets := make([]uint32, len(entries))
	for i, e := range entries {
		poolOffsets[i] = uint32(len(pool))
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(e.Pattern)))
		pool = append(pool, lenBuf[:]...)
		pool = append(pool, []byte(e.Pattern)...)
	}
	for i, e := range entries {
		base := 4 + i*globEntrySize
		// byte 0: reserved pattern-kind tag, currently always 0 (plain glob).
		binary.LittleEndian.PutUint32(header[base+4:base+8], poolOffsets[i])
		binary.LittleEndian.PutUint32(header[base+8:base+12], e.DataOffset)
	}
	return append(header, pool...)
}

const litPatMapEntrySize = 2 + 2 + 4 // pattern_count(u16) + pad(u16) + pool_offset(u32)

// ParseLitPatMap decodes the literal-ID -> pattern-ID multimap. Literal IDs
// are sequential and assigned by the database builder, so the map is a direct
// array indexed by literal ID rather than a hash table.
func ParseLitPatMap(section []byte) ([][]uint32, error) {
	v := bufview.New(section)
	count, err := v.Uint32(0)
	if err != nil {
		return nil, err
	}
	out := make([][]uint32, count)
	poolOff := 4 + int(count)*litPatMapEntrySize
	for i := uint32(0); i < count; i++ {
		base := 4 + int(i)*litPatMapEntrySize
		patCount, err := v.Uint16(base)
		if err != nil {
			return nil, err
		}
		off, err := v.Uint32(base + 4)
		if err != nil {
			return nil, err
		}
		ids := make([]uint32, patCount)
		for j := uint16(0); j < patCount; j++ {
			id, err := v.Uint32(poolOff + int(off) + int(j)*4)
			if err != nil {
				return nil, err
			}
			ids[j] = id
		}
		out[i] = ids
	}
	return out, nil
}

// BuildLitPatMap serializes literalToPatterns (indexed by literal ID) into
// the on-disk multimap layout.
func BuildLitPatMap(literalToPatterns [][]uint32) []byte {
	header := make([]byte, 4+len(literalToPatterns)*litPatMapEntrySize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(literalToPatterns)))

	var pool []byte
	for i, ids := range literalToPatterns {
		base := 4 + i*litPatMapEntrySize
		binary.LittleEndian.PutUint16(header[base:base+2], uint16(len(ids)))
		binary.LittleEndian.PutUint32(header[base+4:base+8], uint32(len(pool)))
		for _, id := range ids {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], id)
			pool = append(pool, buf[:]...)
		}
	}
	return append(header, pool...)
}
