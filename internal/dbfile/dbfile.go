// Package dbfile implements the on-disk section layout of spec §4.1 and
// §6.1: an MMDB-compatible metadata map located by a backward marker scan,
// with custom "MMDB_PATTERN" and "LHSH" extension sections appended after
// it so that a legacy MMDB reader (which stops at the metadata marker)
// still opens the file without error.
package dbfile

import (
	"bytes"
	"fmt"

	"github.com/maxmind/mmdbwriter/mmdbtype"

	"github.com/sjzar/ioclookup/internal/dataval"
)

// metadataMarker is the fixed byte sequence MMDB readers scan backwards
// for to locate the metadata map.
var metadataMarker = []byte("\xAB\xCD\xEFMaxMind.com")

// markerScanWindow bounds how far from EOF the metadata marker is sought,
// so a corrupt or non-MMDB file fails fast instead of scanning gigabytes.
const markerScanWindow = 128 * 1024

// patternMarker introduces the PARAGLOB extension section; padded to 16
// bytes total so it is distinguishable from the shorter LHSH marker at a
// glance when dumping a file in a hex viewer.
var patternMarker = append([]byte("MMDB_PATTERN"), 0, 0, 0, 0)

// litMarker introduces the literal hash table extension section.
var litMarker = []byte("LHSH")

const recordSizeBits = 28
const bytesPerTrieNode = recordSizeBits * 2 / 8
const dataSectionSeparatorSize = 16

// Metadata mirrors the keys spec §4.1 requires in the metadata map.
type Metadata struct {
	NodeCount     uint32
	RecordSize    uint16
	IPVersion     uint16
	DatabaseType  string
	BuildEpoch    uint64
	Description   string
	MatchMode     uint16 // 0 = case-sensitive, 1 = case-insensitive
	BinaryVersion uint16
}

const (
	MatchModeSensitive   = 0
	MatchModeInsensitive = 1
)

// Encode serializes m as an MMDB-style data-section map, the form the
// metadata marker is always followed by.
func (m Metadata) Encode() []byte {
	b := dataval.NewBuilder()
	val := mmdbtype.Map{
		"node_count":     mmdbtype.Uint32(m.NodeCount),
		"record_size":    mmdbtype.Uint16(m.RecordSize),
		"ip_version":     mmdbtype.Uint16(m.IPVersion),
		"database_type":  mmdbtype.String(m.DatabaseType),
		"build_epoch":    mmdbtype.Uint64(m.BuildEpoch),
		"description":    mmdbtype.String(m.Description),
		"match_mode":     mmdbtype.Uint16(m.MatchMode),
		"binary_version": mmdbtype.Uint16(m.BinaryVersion),
	}
	if _, err := b.Put(val); err != nil {
		// Encode operates on well-formed builder-constructed scalars and
		// maps only; a failure here means the codec itself is broken.
		panic(fmt.Sprintf("dbfile: metadata encode: %v", err))
	}
	return b.Bytes()
}

func decodeMetadata(section []byte) (Metadata, error) {
	c := dataval.New(section, true)
	v, _, err := c.DecodeWithEnd(0)
	if err != nil {
		return Metadata{}, fmt.Errorf("dbfile: decoding metadata map: %w", err)
	}
	m, ok := v.(mmdbtype.Map)
	if !ok {
		return Metadata{}, fmt.Errorf("dbfile: metadata value is not a map")
	}

	var out Metadata
	getUint32 := func(key string) uint32 {
		if u, ok := m[key].(mmdbtype.Uint32); ok {
			return uint32(u)
		}
		return 0
	}
	getUint16 := func(key string) uint16 {
		if u, ok := m[key].(mmdbtype.Uint16); ok {
			return uint16(u)
		}
		return 0
	}
	getUint64 := func(key string) uint64 {
		if u, ok := m[key].(mmdbtype.Uint64); ok {
			return uint64(u)
		}
		return 0
	}
	getString := func(key string) string {
		if s, ok := m[key].(mmdbtype.String); ok {
			return string(s)
		}
		return ""
	}

	out.NodeCount = getUint32("node_count")
	out.RecordSize = getUint16("record_size")
	out.IPVersion = getUint16("ip_version")
	out.DatabaseType = getString("database_type")
	out.BuildEpoch = getUint64("build_epoch")
	out.Description = getString("description")
	out.MatchMode = getUint16("match_mode")
	out.BinaryVersion = getUint16("binary_version")

	if out.RecordSize != 0 && out.RecordSize != recordSizeBits {
		return Metadata{}, fmt.Errorf("dbfile: unsupported record_size %d", out.RecordSize)
	}
	return out, nil
}

// Layout locates every section of an opened database without copying any
// bytes; every field below is a sub-slice of the original buffer.
type Layout struct {
	Raw []byte

	Metadata Metadata

	IPTrie      []byte // nil if absent
	DataSection []byte

	Pattern     []byte // PARAGLOB sub-buffer, nil if absent
	LiteralHash []byte // LHSH sub-buffer, nil if absent
}

// Open locates and validates the structural layout of buf (Standard-level
// checks only: marker presence, offsets within bounds, section sizes
// consistent with the metadata). It does not walk the trie, the AC
// automaton, or chase data-section pointers -- that is Strict/Audit's job.
func Open(buf []byte) (*Layout, error) {
	scanStart := 0
	if len(buf) > markerScanWindow {
		scanStart = len(buf) - markerScanWindow
	}
	idx := bytes.LastIndex(buf[scanStart:], metadataMarker)
	if idx == -1 {
		return nil, fmt.Errorf("dbfile: metadata marker not found within %d bytes of EOF", markerScanWindow)
	}
	markerStart := scanStart + idx
	metadataStart := markerStart + len(metadataMarker)

	meta, err := decodeMetadata(buf[metadataStart:])
	if err != nil {
		return nil, err
	}

	// A 16-byte zero separator always sits between the trie and the data
	// section (spec §6.1, matching the MMDB convention iptrie.Reader's
	// data-offset arithmetic assumes: record - node_count - 16).
	trieLen := int(meta.NodeCount) * bytesPerTrieNode
	dataStart := trieLen + dataSectionSeparatorSize
	if dataStart > markerStart {
		return nil, fmt.Errorf("dbfile: trie+separator (%d bytes) overruns metadata marker at %d", dataStart, markerStart)
	}

	l := &Layout{
		Raw:      buf,
		Metadata: meta,
	}
	if meta.NodeCount > 0 {
		l.IPTrie = buf[0:trieLen]
	}
	l.DataSection = buf[dataStart:markerStart]

	// Extensions follow the metadata map; find where the map's encoding
	// ends by re-decoding its length, then look for each marker in turn.
	c := dataval.New(buf[metadataStart:], true)
	_, mapEnd, err := c.DecodeWithEnd(0)
	if err != nil {
		return nil, fmt.Errorf("dbfile: %w", err)
	}
	cursor := metadataStart + mapEnd

	if bytes.HasPrefix(buf[cursor:], patternMarker) {
		patBody := buf[cursor+len(patternMarker):]
		bodyLen, err := paraglobBodyLen(patBody)
		if err != nil {
			return nil, err
		}
		if bodyLen > len(patBody) {
			return nil, fmt.Errorf("dbfile: PARAGLOB section (%d bytes) overruns file (%d bytes left)", bodyLen, len(patBody))
		}
		l.Pattern = patBody[:bodyLen]
		cursor += len(patternMarker) + bodyLen
	}
	if bytes.HasPrefix(buf[cursor:], litMarker) {
		l.LiteralHash = buf[cursor+len(litMarker):]
	}

	return l, nil
}
