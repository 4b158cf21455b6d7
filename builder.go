package ioclookup

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/netip"
	"os"
	"strings"

	"github.com/google/renameio"
	"github.com/maxmind/mmdbwriter/mmdbtype"
	"github.com/miekg/dns"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/sjzar/ioclookup/internal/ac"
	"github.com/sjzar/ioclookup/internal/dataval"
	"github.com/sjzar/ioclookup/internal/dbfile"
	"github.com/sjzar/ioclookup/internal/glob"
	"github.com/sjzar/ioclookup/internal/iptrie"
	"github.com/sjzar/ioclookup/internal/litmap"
)

var buildLog = logrus.StandardLogger()

type entryKind int

const (
	entryAuto entryKind = iota
	entryIP
	entryLiteral
	entryGlob
)

// Builder accumulates (key, data) entries and assembles them into a single
// immutable database file (spec §4.8). It is single-owner: Build/WriteFile
// consume it, matching §5's "builder is exclusive" resource policy.
type Builder struct {
	cfg builderConfig

	data *dataval.Builder
	trie *iptrie.Builder
	lit  *litmap.Builder
	ac   *ac.Builder

	globPatterns []dbfile.GlobEntry // index = pattern ID
	literalOf    map[string]uint32  // literal text -> literal ID, deduped across patterns
	litPatMap    [][]uint32         // index = literal ID

	hasIP      bool
	hasLiteral bool
	hasGlob    bool
}

// NewBuilder returns an empty builder. match_mode (spec §6.2) is set via
// WithCaseInsensitive.
func NewBuilder(opts ...BuilderOption) *Builder {
	cfg := defaultBuilderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Builder{
		cfg:       cfg,
		data:      dataval.NewBuilder(),
		trie:      iptrie.NewBuilder(),
		lit:       litmap.NewBuilder(cfg.matchMode == dbfile.MatchModeInsensitive, randomSeed()),
		ac:        ac.NewBuilder(),
		literalOf: make(map[string]uint32),
	}
}

func randomSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform's entropy source is gone;
		// a predictable seed is still a functioning table, just without the
		// anti-collision property, so degrade rather than fail the build.
		return 0x9e3779b9
	}
	return binary.LittleEndian.Uint32(b[:])
}

// AddIP inserts an IP address or CIDR prefix (spec §4.3). A bare address is
// treated as a /32 or /128.
func (b *Builder) AddIP(key string, data mmdbtype.DataType) error {
	prefix, err := parsePrefixOrAddr(key)
	if err != nil {
		return &InvalidEntryError{Key: key, Reason: err.Error()}
	}
	off, err := b.data.Put(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := b.trie.Insert(prefix, off); err != nil {
		return &InvalidEntryError{Key: key, Reason: err.Error()}
	}
	b.hasIP = true
	return nil
}

// AddLiteral inserts an exact-match string key (spec §4.4).
func (b *Builder) AddLiteral(key string, data mmdbtype.DataType) error {
	norm, err := b.normalizeDomainish(key)
	if err != nil {
		return &InvalidEntryError{Key: key, Reason: err.Error()}
	}
	off, err := b.data.Put(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	b.lit.Add(norm, off)
	b.hasLiteral = true
	return nil
}

// AddGlob inserts a wildcard pattern (spec §4.5). The pattern must contain
// at least one non-wildcard run of characters: that run is what anchors it
// in the AC automaton, and a pattern the automaton can never point to for a
// query it would otherwise match on is only reachable by scanning every
// glob against every query, defeating the two-stage engine's purpose.
func (b *Builder) AddGlob(pattern string, data mmdbtype.DataType) error {
	// NFC-normalize before anything else: the same glyph can arrive as
	// either a precomposed or a decomposed code point sequence, and
	// without folding them to one form first a literal run extracted
	// below could fail to anchor a query that's visually identical but
	// differently composed. This is normalization, not case folding --
	// the latter remains out of scope beyond ASCII (spec.md).
	normalized := norm.NFC.String(pattern)
	if b.cfg.matchMode == dbfile.MatchModeInsensitive {
		normalized = strings.ToLower(normalized)
	}
	if b.cfg.validateIDNA {
		ascii, err := idna.ToASCII(normalized)
		if err != nil {
			return &PatternErrorDetail{Pattern: pattern, Reason: "idna: " + err.Error()}
		}
		normalized = ascii
	}
	if _, err := dnsIsDomainishOK(normalized, b.cfg.validateDNS); err != nil {
		return &PatternErrorDetail{Pattern: pattern, Reason: err.Error()}
	}

	compiled, err := glob.Compile(normalized)
	if err != nil {
		return &PatternErrorDetail{Pattern: pattern, Reason: err.Error()}
	}
	literals := compiled.Literals()
	if len(literals) == 0 {
		return &PatternErrorDetail{Pattern: pattern, Reason: "pattern has no literal run to anchor it in the AC automaton"}
	}

	off, err := b.data.Put(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	patternID := uint32(len(b.globPatterns))
	b.globPatterns = append(b.globPatterns, dbfile.GlobEntry{Pattern: normalized, DataOffset: uint32(off)})
	for _, lit := range literals {
		b.internLiteral(lit, patternID)
	}
	b.hasGlob = true
	return nil
}

func (b *Builder) internLiteral(literal string, patternID uint32) {
	litID, ok := b.literalOf[literal]
	if !ok {
		litID = uint32(len(b.literalOf))
		b.literalOf[literal] = litID
		b.ac.AddLiteral(literal, litID)
		b.litPatMap = append(b.litPatMap, nil)
	}
	b.litPatMap[litID] = append(b.litPatMap[litID], patternID)
}

// AddEntry auto-classifies key (spec §4.8): an explicit "ip:"/"literal:"/
// "glob:" prefix overrides classification and is stripped before storage;
// otherwise a value netip can parse is an IP, a value containing a glob
// metacharacter is a pattern, and everything else is a literal.
func (b *Builder) AddEntry(key string, data mmdbtype.DataType) error {
	stripped, kind, explicit := stripKindPrefix(key)
	if !explicit {
		kind = autoClassify(stripped)
	}
	switch kind {
	case entryIP:
		return b.AddIP(stripped, data)
	case entryGlob:
		return b.AddGlob(stripped, data)
	default:
		return b.AddLiteral(stripped, data)
	}
}

func stripKindPrefix(raw string) (key string, kind entryKind, explicit bool) {
	switch {
	case strings.HasPrefix(raw, "ip:"):
		return raw[len("ip:"):], entryIP, true
	case strings.HasPrefix(raw, "literal:"):
		return raw[len("literal:"):], entryLiteral, true
	case strings.HasPrefix(raw, "glob:"):
		return raw[len("glob:"):], entryGlob, true
	default:
		return raw, entryAuto, false
	}
}

func autoClassify(key string) entryKind {
	if _, err := parsePrefixOrAddr(key); err == nil {
		return entryIP
	}
	if strings.ContainsAny(key, "*?[") {
		return entryGlob
	}
	return entryLiteral
}

func parsePrefixOrAddr(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// normalizeDomainish applies Unicode normalization plus the IDN→ASCII
// and domain-name validation options (spec §4.8) to a literal key. NFC
// normalization always runs, unconditionally: it collapses precomposed
// and decomposed forms of the same glyph to one representation so two
// spellings of a visually identical key land on the same literal-table
// entry, which is a prerequisite for exact matching to behave sanely at
// all, not an opt-in feature. IDNA and DNS validation remain opt-in --
// most indicator keys aren't domain names at all (hashes, opaque
// tokens), and forcing those rules onto them would reject perfectly
// valid entries.
func (b *Builder) normalizeDomainish(key string) (string, error) {
	out := norm.NFC.String(key)
	if b.cfg.validateIDNA {
		ascii, err := idna.ToASCII(out)
		if err != nil {
			return "", fmt.Errorf("idna: %w", err)
		}
		out = ascii
	}
	if _, err := dnsIsDomainishOK(out, b.cfg.validateDNS); err != nil {
		return "", err
	}
	return out, nil
}

func dnsIsDomainishOK(key string, enabled bool) (bool, error) {
	if !enabled {
		return true, nil
	}
	if _, ok := dns.IsDomainName(key); !ok {
		return false, fmt.Errorf("dns: %q is not a valid domain name", key)
	}
	return true, nil
}

// wireEntry is the msgpack wire shape LoadEntries decodes: a generic
// ingestion path for streams of (key, data) pairs (spec §4.8's add_entry),
// not a format-specific feed importer.
type wireEntry struct {
	Key  string      `msgpack:"key"`
	Data interface{} `msgpack:"data"`
}

// LoadEntries decodes a stream of msgpack-encoded wireEntry values from r,
// calling AddEntry for each. Decoding stops cleanly at EOF.
func (b *Builder) LoadEntries(r io.Reader) error {
	dec := msgpack.NewDecoder(r)
	for {
		var e wireEntry
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%w: msgpack decode: %v", ErrInvalidEntry, err)
		}
		data, err := nativeToDataType(e.Data)
		if err != nil {
			return &InvalidEntryError{Key: e.Key, Reason: err.Error()}
		}
		if err := b.AddEntry(e.Key, data); err != nil {
			return err
		}
	}
}

// nativeToDataType converts a msgpack-decoded native Go value (map, slice,
// string, number, bool) into the mmdbtype.DataType union the core stores.
func nativeToDataType(v interface{}) (mmdbtype.DataType, error) {
	switch t := v.(type) {
	case string:
		return mmdbtype.String(t), nil
	case []byte:
		return mmdbtype.Bytes(t), nil
	case bool:
		return mmdbtype.Bool(t), nil
	case int64:
		if t < math.MinInt32 || t > math.MaxInt32 {
			return nil, fmt.Errorf("integer %d out of int32 range", t)
		}
		return mmdbtype.Int32(int32(t)), nil
	case uint64:
		return mmdbtype.Uint64(t), nil
	case float32:
		return mmdbtype.Float32(t), nil
	case float64:
		return mmdbtype.Float64(t), nil
	case map[string]interface{}:
		out := make(mmdbtype.Map, len(t))
		for k, vv := range t {
			cv, err := nativeToDataType(vv)
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil
	case []interface{}:
		out := make(mmdbtype.Slice, len(t))
		for i, vv := range t {
			cv, err := nativeToDataType(vv)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	case nil:
		return mmdbtype.Bytes(nil), nil
	default:
		return nil, fmt.Errorf("unsupported data value type %T", v)
	}
}

// Build assembles the final file bytes (spec §4.8 steps 1-6). The trie,
// literal table, and AC+glob sections are already populated incrementally
// by Add*; what remains is independent per-section serialization, which
// runs concurrently.
func (b *Builder) Build() ([]byte, error) {
	bar := b.newProgressBar(4)
	defer bar.Close()

	var trieBytes, litBytes, acBytes, globTableBytes, litPatMapBytes []byte

	g := new(errgroup.Group)
	g.Go(func() error {
		if b.hasIP {
			trieBytes = b.trie.Build()
		}
		return bar.Add(1)
	})
	g.Go(func() error {
		if b.hasLiteral {
			litBytes = b.lit.Build()
		}
		return bar.Add(1)
	})
	g.Go(func() error {
		if b.hasGlob {
			acBytes = b.ac.Build()
			globTableBytes = dbfile.BuildGlobTable(b.globPatterns)
			litPatMapBytes = dbfile.BuildLitPatMap(b.litPatMap)
		}
		return bar.Add(1)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var patternBytes []byte
	if b.hasGlob {
		patternBytes = dbfile.BuildParaglob(uint8(b.cfg.matchMode), acBytes, globTableBytes, litPatMapBytes)
	}

	nodeCount := uint32(0)
	if b.hasIP {
		nodeCount = uint32(b.trie.NodeCount())
	}

	asm := dbfile.Assembler{
		Metadata: dbfile.Metadata{
			NodeCount:    nodeCount,
			RecordSize:   iptrie.RecordSize,
			IPVersion:    6, // dual-stack builder (see DESIGN.md); ip_version always records 6
			DatabaseType: "ioclookup",
			MatchMode:    b.cfg.matchMode,
		},
		IPTrie:      trieBytes,
		DataSection: b.data.Bytes(),
		Pattern:     patternBytes,
		LiteralHash: litBytes,
	}
	out := asm.Build()
	_ = bar.Add(1)
	buildLog.WithFields(logrus.Fields{
		"ip_entries":      nodeCount,
		"literal_entries": b.lit.Len(),
		"pattern_entries": len(b.globPatterns),
		"bytes":           len(out),
	}).Debug("ioclookup: build complete")
	return out, nil
}

// WriteFile builds and atomically writes the database to path: write to a
// temp file on the same filesystem as path, fsync, rename over the target (spec
// §4.8 step 7), then mark it read-only.
func (b *Builder) WriteFile(path string) error {
	data, err := b.Build()
	if err != nil {
		return err
	}
	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(data); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return os.Chmod(path, 0o444)
}

func (b *Builder) newProgressBar(total int) *progressbar.ProgressBar {
	if !b.cfg.withProgress {
		return progressbar.NewOptions(total, progressbar.OptionSetWriter(io.Discard))
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("building database"),
		progressbar.OptionSetWriter(os.Stderr),
	)
}
