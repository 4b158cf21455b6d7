// Package ioclookup implements a compact, read-mostly indicator database:
// IP/CIDR, exact string, and glob-pattern keys resolved against typed data
// over a single memory-mapped file. See internal/dbfile for the on-disk
// layout and internal/iptrie, internal/litmap, internal/ac, internal/glob
// for the three query engines this package routes between.
package ioclookup

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/edsrzf/mmap-go"
	"github.com/maxmind/mmdbwriter/mmdbtype"

	"github.com/sjzar/ioclookup/internal/ac"
	"github.com/sjzar/ioclookup/internal/dataval"
	"github.com/sjzar/ioclookup/internal/dbfile"
	"github.com/sjzar/ioclookup/internal/glob"
	"github.com/sjzar/ioclookup/internal/iptrie"
	"github.com/sjzar/ioclookup/internal/litmap"
	"github.com/sjzar/ioclookup/internal/lrucache"
)

// ResultKind classifies what a lookup matched, mirroring the router's
// tagged variant (spec §4.6).
type ResultKind int

const (
	// ResultNotFound means no engine matched the query. Not an error.
	ResultNotFound ResultKind = iota
	// ResultIP means the query matched an IP trie entry.
	ResultIP
	// ResultExactString means the query matched a literal table entry.
	ResultExactString
	// ResultPattern means the query matched one or more glob patterns.
	ResultPattern
)

func (k ResultKind) String() string {
	switch k {
	case ResultIP:
		return "ip"
	case ResultExactString:
		return "exact"
	case ResultPattern:
		return "pattern"
	default:
		return "not_found"
	}
}

// Result is the outcome of a single lookup. Zero value is ResultNotFound.
type Result struct {
	Kind ResultKind

	// Data holds the associated value for ResultIP and ResultExactString.
	Data mmdbtype.DataType
	// PrefixLen is the matched prefix length, valid only for ResultIP.
	PrefixLen int

	// PatternIDs and PatternData are valid only for ResultPattern, and are
	// parallel: PatternData[i] is the data for PatternIDs[i].
	PatternIDs  []uint32
	PatternData []mmdbtype.DataType
}

// Found reports whether the lookup matched anything.
func (r Result) Found() bool { return r.Kind != ResultNotFound }

// compiledGlob pairs a compiled pattern with the data-section offset its
// match resolves to; globEntries is indexed by pattern ID.
type compiledGlob struct {
	pattern    *glob.Pattern
	dataOffset uint32
}

// Database is an opened, read-only indicator database. It is safe for
// concurrent use by multiple goroutines; the only mutable state is the
// optional LRU cache, which guards its own shards (spec §5, §9).
type Database struct {
	raw    []byte
	mapped mmap.MMap

	layout      *dbfile.Layout
	insensitive bool

	data dataval.Codec
	trie *iptrie.Reader
	lit  *litmap.Reader
	ac   *ac.Reader

	globEntries []compiledGlob
	litPatMap   [][]uint32

	cache *lrucache.Cache[Result]
}

// Open memory-maps path and validates it (Strict by default; see
// WithValidation) before returning. Any validation error rejects the file.
func Open(path string, opts ...OpenOption) (*Database, error) {
	cfg := defaultOpenConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return open(path, cfg, false)
}

// OpenTrusted memory-maps path and skips validation entirely, including
// per-read UTF-8 checks. Only safe for files whose provenance is already
// trusted (spec §4.7, "Trusted mode").
func OpenTrusted(path string, opts ...OpenOption) (*Database, error) {
	cfg := defaultOpenConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return open(path, cfg, true)
}

func open(path string, cfg openConfig, trusted bool) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() == 0 {
		return nil, &InvalidFormatError{Reason: "file is empty"}
	}

	var raw []byte
	var mapped mmap.MMap
	if cfg.useMmap {
		// Mirrors oschwald/maxminddb-golang's Open: prefer mmap, fall back
		// to a full read if the platform or filesystem doesn't support it.
		mapped, err = mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			raw, err = readFull(f, stat.Size())
			if err != nil {
				return nil, err
			}
		} else {
			raw = []byte(mapped)
		}
	} else {
		raw, err = readFull(f, stat.Size())
		if err != nil {
			return nil, err
		}
	}

	db, err := newFromBytes(raw, trusted)
	if err != nil {
		if mapped != nil {
			_ = mapped.Unmap()
		}
		return nil, err
	}
	db.mapped = mapped

	if !trusted {
		report := db.Validate(cfg.validation)
		if report.HasErrors() {
			_ = db.Close()
			return nil, &InvalidFormatError{Reason: "validation failed: " + report.Summary()}
		}
	}

	if cfg.cacheSize > 0 {
		db.cache = lrucache.New[Result](cfg.cacheSize)
	}
	return db, nil
}

func readFull(f *os.File, size int64) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func newFromBytes(raw []byte, trusted bool) (*Database, error) {
	layout, err := dbfile.Open(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	db := &Database{
		raw:         raw,
		layout:      layout,
		insensitive: layout.Metadata.MatchMode == dbfile.MatchModeInsensitive,
		data:        dataval.New(layout.DataSection, !trusted),
	}

	if layout.IPTrie != nil {
		tr, err := iptrie.New(layout.IPTrie, layout.Metadata.NodeCount, layout.Metadata.IPVersion == 4)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		db.trie = tr
	}

	if layout.LiteralHash != nil {
		lr, err := litmap.New(layout.LiteralHash, db.insensitive)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		db.lit = lr
	}

	if layout.Pattern != nil {
		pg, err := dbfile.ParseParaglob(layout.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		db.ac = ac.New(pg.AC)

		entries, err := dbfile.ParseGlobTable(pg.GlobTable)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		db.globEntries = make([]compiledGlob, len(entries))
		for i, e := range entries {
			p, err := glob.Compile(e.Pattern)
			if err != nil {
				return nil, &PatternErrorDetail{Pattern: e.Pattern, Reason: err.Error()}
			}
			db.globEntries[i] = compiledGlob{pattern: p, dataOffset: e.DataOffset}
		}

		litPat, err := dbfile.ParseLitPatMap(pg.LitPatMap)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		db.litPatMap = litPat
	}

	return db, nil
}

// Close unmaps the underlying file. The Database must not be used
// afterward.
func (db *Database) Close() error {
	if db.mapped != nil {
		err := db.mapped.Unmap()
		db.mapped = nil
		db.raw = nil
		return err
	}
	db.raw = nil
	return nil
}

// Lookup resolves addr against the IP trie directly, skipping the text
// classification step -- the typed fast path mirroring
// maxminddb-golang's Lookup(netip.Addr).
func (db *Database) Lookup(addr netip.Addr) (Result, error) {
	if db.raw == nil {
		return Result{}, ErrClosed
	}
	if db.cache != nil {
		key := "ip:" + addr.String()
		if cached, ok := db.cache.Get(key); ok {
			return cached, nil
		}
		res, err := db.lookupIP(addr)
		if err == nil {
			db.cache.Add(key, res)
		}
		return res, err
	}
	return db.lookupIP(addr)
}

func (db *Database) lookupIP(addr netip.Addr) (Result, error) {
	if db.trie == nil {
		return Result{}, nil
	}
	res, err := db.trie.Lookup(addr)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	if !res.Found {
		return Result{}, nil
	}
	v, err := db.data.Decode(res.DataOffset)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return Result{Kind: ResultIP, Data: v, PrefixLen: res.PrefixLen}, nil
}

// LookupString runs the full query router of spec §4.6: a query that parses
// as an IP address goes to the trie (a CIDR string does not, and is looked
// up as text); otherwise the literal table is tried first
// (cheaper and more specific than a pattern scan), then the AC+glob
// engine.
func (db *Database) LookupString(query string) (Result, error) {
	if db.raw == nil {
		return Result{}, ErrClosed
	}

	if addr, err := netip.ParseAddr(query); err == nil {
		return db.Lookup(addr)
	}

	normalized := query
	if db.insensitive {
		normalized = strings.ToLower(query)
	}

	if db.cache != nil {
		if cached, ok := db.cache.Get(normalized); ok {
			return cached, nil
		}
		res, err := db.routeText(normalized)
		if err == nil {
			db.cache.Add(normalized, res)
		}
		return res, err
	}
	return db.routeText(normalized)
}

func (db *Database) routeText(normalized string) (Result, error) {
	if db.lit != nil {
		off, found, err := db.lit.Lookup(normalized)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		if found {
			v, err := db.data.Decode(off)
			if err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrCorruptData, err)
			}
			return Result{Kind: ResultExactString, Data: v}, nil
		}
	}

	if db.ac != nil {
		ids, err := db.scanPatterns(normalized)
		if err != nil {
			return Result{}, err
		}
		if len(ids) > 0 {
			data := make([]mmdbtype.DataType, len(ids))
			for i, id := range ids {
				v, err := db.data.Decode(int(db.globEntries[id].dataOffset))
				if err != nil {
					return Result{}, fmt.Errorf("%w: %v", ErrCorruptData, err)
				}
				data[i] = v
			}
			return Result{Kind: ResultPattern, PatternIDs: ids, PatternData: data}, nil
		}
	}

	return Result{}, nil
}

// scanPatterns runs the two-stage AC+glob match of spec §4.5: the AC scan
// yields candidate literal IDs, each literal maps to a set of candidate
// pattern IDs, and every candidate is re-verified against the full query
// by the glob matcher before being confirmed.
func (db *Database) scanPatterns(normalized string) ([]uint32, error) {
	literalHits := make(map[uint32]bool)
	if err := db.ac.Scan([]byte(normalized), func(_ int, id uint32) error {
		literalHits[id] = true
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}

	candidates := make(map[uint32]bool)
	for lit := range literalHits {
		if int(lit) >= len(db.litPatMap) {
			continue
		}
		for _, pid := range db.litPatMap[lit] {
			candidates[pid] = true
		}
	}

	var matched []uint32
	for pid := range candidates {
		if int(pid) >= len(db.globEntries) {
			continue
		}
		if db.globEntries[pid].pattern.Match(normalized) {
			matched = append(matched, pid)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
	return matched, nil
}

// Network pairs a prefix discovered by Networks with its resolved data.
type Network struct {
	Prefix netip.Prefix
	Data   mmdbtype.DataType
}

// Networks enumerates every IP entry in the trie, for diagnostics and for
// Audit validation's cross-check against an independent MMDB reader
// (mirrors oschwald/maxminddb-golang's Networks()).
func (db *Database) Networks() ([]Network, error) {
	if db.trie == nil {
		return nil, nil
	}
	ipv4Only := db.layout.Metadata.IPVersion == 4

	var out []Network
	err := db.trie.Networks(func(rec iptrie.NetworkRecord) error {
		prefix, err := networkRecordPrefix(rec, ipv4Only)
		if err != nil {
			return err
		}
		v, err := db.data.Decode(rec.DataOffset)
		if err != nil {
			return err
		}
		out = append(out, Network{Prefix: prefix, Data: v})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return out, nil
}

func networkRecordPrefix(rec iptrie.NetworkRecord, ipv4Only bool) (netip.Prefix, error) {
	if ipv4Only {
		var a4 [4]byte
		copy(a4[:], rec.Path[:4])
		return netip.PrefixFrom(netip.AddrFrom4(a4), rec.PrefixLen), nil
	}
	// A dual-stack tree stores IPv4 entries behind 96 leading zero bits
	// (see iptrie.Builder.Insert); report those as IPv4 prefixes.
	if rec.PrefixLen >= 96 && [12]byte(rec.Path[:12]) == [12]byte{} {
		var a4 [4]byte
		copy(a4[:], rec.Path[12:])
		return netip.PrefixFrom(netip.AddrFrom4(a4), rec.PrefixLen-96), nil
	}
	return netip.PrefixFrom(netip.AddrFrom16(rec.Path), rec.PrefixLen), nil
}

// ValueAs extracts a typed Go value out of an mmdbtype.DataType result,
// for callers that know their data's schema ahead of time.
func ValueAs[T mmdbtype.DataType](v mmdbtype.DataType) (T, bool) {
	t, ok := v.(T)
	return t, ok
}
