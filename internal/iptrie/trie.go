// Package iptrie implements the binary IP trie of spec §4.3: two records
// per node, longest-prefix match, with the insertion-order-independence
// fix that forbids a later, less-specific prefix from ever overwriting a
// more-specific one already recorded deeper in the tree.
package iptrie

import (
	"fmt"
	"net/netip"

	"github.com/sjzar/ioclookup/internal/bufview"
)

// RecordSize is the number of bits used to store each of a node's two
// records. 28 bits (two records packed into 7 bytes) matches the MMDB
// convention this format is compatible with.
const RecordSize = 28

const bytesPerNode = RecordSize * 2 / 8 // 7

// MaxDepthV4 and MaxDepthV6 bound trie traversal (spec §3 invariants).
const (
	MaxDepthV4 = 32
	MaxDepthV6 = 128
)

// Reader answers longest-prefix-match queries against a serialized trie.
type Reader struct {
	view      bufview.View
	nodeCount uint32
	ipv4Start uint32
	ipv4Depth int
}

// New wraps the trie section. nodeCount is taken from the file metadata.
// ipv4Only must match the database's ip_version metadata: an IPv4-only
// tree's root directly represents the 32-bit address space (spec §4.3,
// "IPv4-only databases store only the 32-bit tree"), so unlike a
// dual-stack tree it is never preceded by 96 levels of IPv4-mapped zero
// padding -- walking those 96 levels anyway would descend into real data
// nodes and resolve every IPv4 address to the same, wrong record.
func New(section []byte, nodeCount uint32, ipv4Only bool) (*Reader, error) {
	if uint64(nodeCount)*uint64(bytesPerNode) > uint64(len(section)) {
		return nil, fmt.Errorf("iptrie: section too small for %d nodes", nodeCount)
	}
	r := &Reader{view: bufview.New(section), nodeCount: nodeCount}
	r.locateIPv4Start(ipv4Only)
	return r, nil
}

// locateIPv4Start walks 96 zero bits from the root, as spec §4.3 requires
// for IPv4-mapped lookups in an IPv6-capable trie. An IPv4-only tree skips
// the walk entirely: the root already is the start of the 32-bit tree, at
// bit offset 96 of the address's 128-bit (IPv4-mapped) form.
func (r *Reader) locateIPv4Start(ipv4Only bool) {
	if ipv4Only {
		r.ipv4Start = 0
		r.ipv4Depth = 96
		return
	}
	node := uint32(0)
	depth := 0
	for ; depth < 96 && node < r.nodeCount; depth++ {
		rec, err := r.record(node, 0)
		if err != nil {
			break
		}
		node = rec
	}
	r.ipv4Start = node
	r.ipv4Depth = depth
}

// record reads bit-th record (0 or 1) of node.
func (r *Reader) record(node uint32, bit int) (uint32, error) {
	base := int(node) * bytesPerNode
	if bit == 0 {
		b, err := r.view.Slice(base, 4)
		if err != nil {
			return 0, err
		}
		hi, err := r.view.Byte(base + 3)
		if err != nil {
			return 0, err
		}
		return (uint32(hi)&0xF0)<<20 | uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
	}
	b, err := r.view.Slice(base+4, 3)
	if err != nil {
		return 0, err
	}
	lo, err := r.view.Byte(base + 3)
	if err != nil {
		return 0, err
	}
	return (uint32(lo)&0x0F)<<24 | uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

// Result describes what a Lookup found.
type Result struct {
	// DataOffset is an offset into the data section. Valid only if Found.
	DataOffset int
	// PrefixLen is the length, in bits, of the matched prefix: the depth
	// of the data record reached, counted in IPv4 bits for an IPv4 address.
	PrefixLen int
	Found     bool
}

// Lookup walks addr's bits from the root, returning the first data record
// encountered -- which by construction (see Builder) is the most specific
// one covering addr.
func (r *Reader) Lookup(addr netip.Addr) (Result, error) {
	a16 := addr.As16()
	node := uint32(0)
	bitStart := 0
	maxDepth := MaxDepthV6

	if addr.Is4() || addr.Is4In6() {
		node = r.ipv4Start
		bitStart = r.ipv4Depth
		maxDepth = r.ipv4Depth + MaxDepthV4
	}

	depth := bitStart
	for ; depth < maxDepth; depth++ {
		if node >= r.nodeCount {
			// Either an empty leaf (node == nodeCount) or a data record
			// (node > nodeCount); either way traversal stops here.
			break
		}
		byteIdx := depth / 8
		bitPos := 7 - uint(depth%8)
		bit := (a16[byteIdx] >> bitPos) & 1

		next, err := r.record(node, int(bit))
		if err != nil {
			return Result{}, fmt.Errorf("iptrie: read record at node %d depth %d: %w", node, depth, err)
		}
		node = next
	}

	switch {
	case node == r.nodeCount:
		return Result{Found: false}, nil
	case node > r.nodeCount:
		off := int(node) - int(r.nodeCount) - 16
		if off < 0 {
			return Result{}, fmt.Errorf("iptrie: negative data offset resolved from node %d", node)
		}
		prefixLen := depth
		if addr.Is4() || addr.Is4In6() {
			prefixLen = depth - 96
			if prefixLen < 0 {
				prefixLen = 0
			}
		}
		return Result{Found: true, DataOffset: off, PrefixLen: prefixLen}, nil
	default:
		return Result{}, fmt.Errorf("iptrie: traversal stalled on interior node %d", node)
	}
}

// Walk invokes fn for every node visited in a depth-first traversal
// starting at the root, used by Strict validation to detect cycles and
// unreachable-or-malformed records without performing an actual lookup.
// fn receives the node index and current depth; returning an error aborts
// the walk, which Walk then propagates.
func (r *Reader) Walk(fn func(node uint32, depth int) error) error {
	visited := make(map[uint32]bool)
	return r.walk(0, 0, visited, fn)
}

func (r *Reader) walk(node uint32, depth int, visited map[uint32]bool, fn func(uint32, int) error) error {
	if node >= r.nodeCount {
		return nil // leaf or data record, nothing further to traverse
	}
	if depth > MaxDepthV6 {
		return fmt.Errorf("iptrie: traversal exceeded max depth %d at node %d (cycle?)", MaxDepthV6, node)
	}
	if visited[node] {
		return fmt.Errorf("iptrie: cycle detected revisiting node %d", node)
	}
	visited[node] = true

	if err := fn(node, depth); err != nil {
		return err
	}
	for bit := 0; bit < 2; bit++ {
		child, err := r.record(node, bit)
		if err != nil {
			return err
		}
		if err := r.walk(child, depth+1, visited, fn); err != nil {
			return err
		}
	}
	return nil
}

// NodeCount returns the number of nodes in the trie.
func (r *Reader) NodeCount() uint32 { return r.nodeCount }

// NetworkRecord describes one data record found during a full trie walk:
// the raw path of bits taken from the root (MSB-first, packed starting at
// Path[0]) and how many of those bits are significant, plus the
// data-section offset the record resolves to. Path is always a full
// 128-bit buffer regardless of IP version; translating it into a
// netip.Prefix is the caller's job, since that depends on whether the
// tree is IPv4-only or dual-stack (§4.3) -- information this package
// never carries on its own, only New's caller does.
type NetworkRecord struct {
	Path       [16]byte
	PrefixLen  int
	DataOffset int
}

// Networks performs a full depth-first traversal of the trie, invoking fn
// once for every data record reached. Used by Database.Networks and by
// Audit validation's independent cross-check against an upstream MMDB
// reader.
func (r *Reader) Networks(fn func(NetworkRecord) error) error {
	var path [16]byte
	return r.walkNetworks(0, 0, path, fn)
}

func (r *Reader) walkNetworks(node uint32, depth int, path [16]byte, fn func(NetworkRecord) error) error {
	if depth > MaxDepthV6 {
		return fmt.Errorf("iptrie: traversal exceeded max depth %d at node %d (cycle?)", MaxDepthV6, node)
	}
	switch {
	case node == r.nodeCount:
		return nil // empty leaf
	case node > r.nodeCount:
		off := int(node) - int(r.nodeCount) - 16
		if off < 0 {
			return fmt.Errorf("iptrie: negative data offset resolved from node %d", node)
		}
		return fn(NetworkRecord{Path: path, PrefixLen: depth, DataOffset: off})
	default:
		for bit := 0; bit < 2; bit++ {
			next, err := r.record(node, bit)
			if err != nil {
				return err
			}
			childPath := path
			if bit == 1 {
				byteIdx := depth / 8
				bitPos := 7 - uint(depth%8)
				childPath[byteIdx] |= 1 << bitPos
			}
			if err := r.walkNetworks(next, depth+1, childPath, fn); err != nil {
				return err
			}
		}
		return nil
	}
}
