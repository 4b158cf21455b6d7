// Package ac implements the Aho-Corasick automaton of spec §4.5: a
// multi-pattern literal scanner with three per-node edge encodings (ONE,
// SPARSE, DENSE) chosen by fan-out, and failure links chased at scan time
// rather than precomputed into a fully dense goto table -- so hot states
// stay small.
package ac

import (
	"fmt"

	"github.com/sjzar/ioclookup/internal/bufview"
)

type stateKind uint8

const (
	kindOne stateKind = iota
	kindSparse
	kindDense
)

// noTarget marks an absent transition/failure target. Offset 0 is always
// the root node, which is never itself any other node's child, so it is
// safe to reuse as the sentinel.
const noTarget = 0

const headerSize = 1 + 4 + 2 + 4 // kind, failure_offset, pattern_count, patterns_offset
const oneEdgeSize = 1 + 4        // byte, target_offset
const sparseEdgeSize = 1 + 4     // byte, target_offset
const denseTableSize = 256 * 4   // 256 target offsets

// Reader scans text against a serialized automaton, emitting the literal
// IDs recognized at each position.
type Reader struct {
	view bufview.View
}

// New wraps a serialized AC section.
func New(section []byte) *Reader {
	return &Reader{view: bufview.New(section)}
}

type nodeHeader struct {
	kind           stateKind
	failureOffset  uint32
	patternCount   uint16
	patternsOffset uint32
}

func (r *Reader) header(off int) (nodeHeader, error) {
	k, err := r.view.Byte(off)
	if err != nil {
		return nodeHeader{}, err
	}
	failOff, err := r.view.Uint32(off + 1)
	if err != nil {
		return nodeHeader{}, err
	}
	cnt, err := r.view.Uint16(off + 5)
	if err != nil {
		return nodeHeader{}, err
	}
	patOff, err := r.view.Uint32(off + 7)
	if err != nil {
		return nodeHeader{}, err
	}
	return nodeHeader{kind: stateKind(k), failureOffset: failOff, patternCount: cnt, patternsOffset: patOff}, nil
}

// transition returns the target offset for byte ch from the node at off,
// or noTarget if the node has no such edge.
func (r *Reader) transition(off int, h nodeHeader, ch byte) (uint32, error) {
	body := off + headerSize
	switch h.kind {
	case kindOne:
		edgeByte, err := r.view.Byte(body)
		if err != nil {
			return noTarget, err
		}
		target, err := r.view.Uint32(body + 1)
		if err != nil {
			return noTarget, err
		}
		if target != noTarget && edgeByte == ch {
			return target, nil
		}
		return noTarget, nil

	case kindSparse:
		count, err := r.view.Uint16(body)
		if err != nil {
			return noTarget, err
		}
		base := body + 2
		// Edges are sorted by byte at build time; scan until we pass ch.
		for i := 0; i < int(count); i++ {
			b, err := r.view.Byte(base + i*sparseEdgeSize)
			if err != nil {
				return noTarget, err
			}
			if b == ch {
				return r.view.Uint32(base + i*sparseEdgeSize + 1)
			}
			if b > ch {
				break
			}
		}
		return noTarget, nil

	case kindDense:
		target, err := r.view.Uint32(body + int(ch)*4)
		if err != nil {
			return noTarget, err
		}
		return target, nil

	default:
		return noTarget, fmt.Errorf("ac: unknown state kind %d at offset %d", h.kind, off)
	}
}

func (r *Reader) patterns(h nodeHeader, emit func(literalID uint32) error) error {
	for i := uint16(0); i < h.patternCount; i++ {
		id, err := r.view.Uint32(int(h.patternsOffset) + int(i)*4)
		if err != nil {
			return err
		}
		if err := emit(id); err != nil {
			return err
		}
	}
	return nil
}

// Scan walks text once, invoking emit for every literal ID recognized
// ending at each byte position. It chases failure links without ever
// breaking the outer loop early -- a scan that stopped outer iteration
// while chasing failures would silently drop overlapping matches.
func (r *Reader) Scan(text []byte, emit func(pos int, literalID uint32) error) error {
	state := 0
	for pos, ch := range text {
		for {
			h, err := r.header(state)
			if err != nil {
				return err
			}
			target, err := r.transition(state, h, ch)
			if err != nil {
				return err
			}
			if target != noTarget {
				state = int(target)
				break
			}
			if state == 0 {
				break // root has no edge for ch: stay at root, consume ch
			}
			state = int(h.failureOffset)
		}

		h, err := r.header(state)
		if err != nil {
			return err
		}
		if err := r.patterns(h, func(id uint32) error { return emit(pos, id) }); err != nil {
			return err
		}
	}
	return nil
}

// children returns the target offsets of every populated edge out of the
// node at off, for traversal; it does not follow failure links.
func (r *Reader) children(off int, h nodeHeader) ([]int, error) {
	body := off + headerSize
	var out []int
	switch h.kind {
	case kindOne:
		target, err := r.view.Uint32(body + 1)
		if err != nil {
			return nil, err
		}
		if target != noTarget {
			out = append(out, int(target))
		}

	case kindSparse:
		count, err := r.view.Uint16(body)
		if err != nil {
			return nil, err
		}
		base := body + 2
		for i := 0; i < int(count); i++ {
			target, err := r.view.Uint32(base + i*sparseEdgeSize + 1)
			if err != nil {
				return nil, err
			}
			if target != noTarget {
				out = append(out, int(target))
			}
		}

	case kindDense:
		for ch := 0; ch < 256; ch++ {
			target, err := r.view.Uint32(body + ch*4)
			if err != nil {
				return nil, err
			}
			if target != noTarget {
				out = append(out, int(target))
			}
		}

	default:
		return nil, fmt.Errorf("ac: unknown state kind %d at offset %d", h.kind, off)
	}
	return out, nil
}

// Walk visits every state reachable from the root via goto edges (a
// bounded BFS, since a malformed edge table could otherwise point back
// at an ancestor and loop forever) and, for each one, confirms its
// failure-link chain reaches the root within a bounded number of hops.
// Scan's own failure-chase loop has no visited-set or hop cap of its
// own -- it trusts the file already passed this check -- so a state
// whose failure links cycle without ever reaching the root would
// otherwise hang Scan at query time instead of being rejected at Open.
// fn is invoked once per reachable state offset.
func (r *Reader) Walk(fn func(offset int) error) error {
	visited := map[int]bool{0: true}
	queue := []int{0}
	headers := make(map[int]nodeHeader, 1)

	for len(queue) > 0 {
		off := queue[0]
		queue = queue[1:]

		h, err := r.header(off)
		if err != nil {
			return err
		}
		headers[off] = h

		if err := fn(off); err != nil {
			return err
		}

		children, err := r.children(off, h)
		if err != nil {
			return err
		}
		for _, c := range children {
			if !visited[c] {
				visited[c] = true
				queue = append(queue, c)
			}
		}
	}

	// A chain that hasn't reached the root within one hop per reachable
	// state must be cycling among them instead.
	hopCap := len(headers) + 1
	for off, h := range headers {
		if err := r.checkFailureChain(off, h, hopCap); err != nil {
			return err
		}
	}
	return nil
}

// checkFailureChain follows off's failure links until it reaches the
// root (offset 0), which Scan special-cases and never chases past, or
// until hopCap hops have elapsed without doing so.
func (r *Reader) checkFailureChain(off int, h nodeHeader, hopCap int) error {
	if off == 0 {
		return nil
	}
	cur := h
	for hops := 0; ; hops++ {
		if cur.failureOffset == 0 {
			return nil
		}
		if hops >= hopCap {
			return fmt.Errorf("ac: failure chain from state %d did not reach the root within %d hops (cycle?)", off, hopCap)
		}
		next, err := r.header(int(cur.failureOffset))
		if err != nil {
			return err
		}
		cur = next
	}
}

// nodeSize returns the serialized byte size of a node with the given kind
// and edge count, shared by the builder's offset bookkeeping.
func nodeSize(kind stateKind, edgeCount int) int {
	switch kind {
	case kindOne:
		return headerSize + oneEdgeSize
	case kindSparse:
		return headerSize + 2 + edgeCount*sparseEdgeSize
	case kindDense:
		return headerSize + denseTableSize
	default:
		return headerSize
	}
}
