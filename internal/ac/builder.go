package ac

import (
	"encoding/binary"
	"sort"
)

type trieNode struct {
	children   map[byte]*trieNode
	fail       *trieNode
	literalIDs []uint32 // literals that end exactly at this node
	output     []uint32 // literalIDs closure-propagated along failure links
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[byte]*trieNode)}
}

// Builder constructs an Aho-Corasick automaton from a set of literal byte
// strings, each identified by the caller-assigned literal ID under which
// AC's Scan will report a match.
type Builder struct {
	root *trieNode
}

// NewBuilder returns an empty automaton builder.
func NewBuilder() *Builder {
	return &Builder{root: newTrieNode()}
}

// AddLiteral inserts literal into the trie, tagging its terminal node with
// literalID. The same literal may be added multiple times with different
// IDs when several patterns share it.
func (b *Builder) AddLiteral(literal string, literalID uint32) {
	node := b.root
	for i := 0; i < len(literal); i++ {
		c := literal[i]
		child, ok := node.children[c]
		if !ok {
			child = newTrieNode()
			node.children[c] = child
		}
		node = child
	}
	node.literalIDs = append(node.literalIDs, literalID)
}

// Build computes failure links and output closures, then serializes the
// automaton into the fixed ONE/SPARSE/DENSE node encoding.
func (b *Builder) Build() []byte {
	order := b.computeFailureLinks()
	return b.serialize(order)
}

// computeFailureLinks runs the standard BFS failure-link construction and
// returns nodes in BFS order (root first), which doubles as the layout
// order used by serialize.
func (b *Builder) computeFailureLinks() []*trieNode {
	var order []*trieNode
	var queue []*trieNode

	b.root.fail = b.root
	order = append(order, b.root)

	// Children of root fail to root.
	for _, c := range sortedKeys(b.root.children) {
		child := b.root.children[c]
		child.fail = b.root
		queue = append(queue, child)
	}

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		order = append(order, u)
		u.output = append(append([]uint32{}, u.literalIDs...), u.fail.output...)

		for _, c := range sortedKeys(u.children) {
			v := u.children[c]
			f := u.fail
			for f != b.root {
				if next, ok := f.children[c]; ok {
					v.fail = next
					break
				}
				f = f.fail
			}
			if v.fail == nil {
				if next, ok := b.root.children[c]; ok && next != v {
					v.fail = next
				} else {
					v.fail = b.root
				}
			}
			queue = append(queue, v)
		}
	}
	return order
}

func sortedKeys(m map[byte]*trieNode) []byte {
	keys := make([]byte, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// serialize lays nodes out in BFS order (so offset 0 is always the root),
// computing each node's byte size from its edge count before any offsets
// are known, then encoding with resolved offsets in a second pass.
func (b *Builder) serialize(order []*trieNode) []byte {
	kinds := make([]stateKind, len(order))
	for i, n := range order {
		switch {
		case len(n.children) >= 9:
			kinds[i] = kindDense
		case len(n.children) >= 2:
			kinds[i] = kindSparse
		default:
			kinds[i] = kindOne
		}
	}

	// First pass: assign each node's offset and its patterns-array offset
	// within the trailing patterns blob.
	offsets := make([]int, len(order))
	patOffsets := make([]int, len(order))
	nodeOff := 0
	patOff := 0
	for i, n := range order {
		offsets[i] = nodeOff
		patOffsets[i] = patOff
		nodeOff += nodeSize(kinds[i], len(n.children))
		patOff += len(n.output) * 4
	}
	nodesEnd := nodeOff
	indexOf := make(map[*trieNode]int, len(order))
	for i, n := range order {
		indexOf[n] = i
	}

	out := make([]byte, nodesEnd+patOff)
	for i, n := range order {
		off := offsets[i]
		kind := kinds[i]
		out[off] = byte(kind)
		binary.LittleEndian.PutUint32(out[off+1:off+5], uint32(offsets[indexOf[n.fail]]))
		binary.LittleEndian.PutUint16(out[off+5:off+7], uint16(len(n.output)))
		binary.LittleEndian.PutUint32(out[off+7:off+11], uint32(nodesEnd+patOffsets[i]))

		body := off + headerSize
		switch kind {
		case kindOne:
			if len(n.children) == 1 {
				for c, child := range n.children {
					out[body] = c
					binary.LittleEndian.PutUint32(out[body+1:body+5], uint32(offsets[indexOf[child]]))
				}
			} else {
				// no edges: leave edge byte zero, target stays noTarget (0)
			}

		case kindSparse:
			cs := sortedKeys(n.children)
			binary.LittleEndian.PutUint16(out[body:body+2], uint16(len(cs)))
			base := body + 2
			for j, c := range cs {
				e := base + j*sparseEdgeSize
				out[e] = c
				binary.LittleEndian.PutUint32(out[e+1:e+5], uint32(offsets[indexOf[n.children[c]]]))
			}

		case kindDense:
			for c, child := range n.children {
				e := body + int(c)*4
				binary.LittleEndian.PutUint32(out[e:e+4], uint32(offsets[indexOf[child]]))
			}
		}

		pbase := nodesEnd + patOffsets[i]
		for j, id := range n.output {
			binary.LittleEndian.PutUint32(out[pbase+j*4:pbase+j*4+4], id)
		}
	}
	return out
}
