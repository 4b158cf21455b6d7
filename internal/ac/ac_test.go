package ac

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildAndOpen(t *testing.T, literals map[string]uint32) *Reader {
	t.Helper()
	b := NewBuilder()
	for lit, id := range literals {
		b.AddLiteral(lit, id)
	}
	return New(b.Build())
}

func scanAll(t *testing.T, r *Reader, text string) map[uint32][]int {
	t.Helper()
	hits := make(map[uint32][]int)
	err := r.Scan([]byte(text), func(pos int, id uint32) error {
		hits[id] = append(hits[id], pos)
		return nil
	})
	require.NoError(t, err)
	return hits
}

func TestSingleLiteralMatch(t *testing.T) {
	r := buildAndOpen(t, map[string]uint32{"abc": 1})
	hits := scanAll(t, r, "xxabcyy")
	require.Contains(t, hits, uint32(1))
	assert.Equal(t, []int{4}, hits[1]) // position of the 'c' that completes "abc"
}

func TestOverlappingLiteralsNoEarlyExit(t *testing.T) {
	// "abc" and "bcd" overlap in "abcd": both must be reported, exercising
	// the failure-link chase that must not terminate scanning early.
	r := buildAndOpen(t, map[string]uint32{"abc": 1, "bcd": 2})
	hits := scanAll(t, r, "abcd")
	assert.Contains(t, hits, uint32(1))
	assert.Contains(t, hits, uint32(2))
}

func TestSharedSuffixFailureLinks(t *testing.T) {
	// Classic AC textbook case: "he", "she", "his", "hers" against
	// "ushers" should report all four matches via failure-link traversal.
	r := buildAndOpen(t, map[string]uint32{"he": 1, "she": 2, "his": 3, "hers": 4})
	hits := scanAll(t, r, "ushers")
	assert.Contains(t, hits, uint32(1)) // "he" inside "shers"
	assert.Contains(t, hits, uint32(2)) // "she"
	assert.Contains(t, hits, uint32(4)) // "hers"
	assert.NotContains(t, hits, uint32(3))
}

func TestNoMatch(t *testing.T) {
	r := buildAndOpen(t, map[string]uint32{"zzz": 1})
	hits := scanAll(t, r, "abcdefg")
	assert.Empty(t, hits)
}

func TestWalkAcceptsWellFormedAutomaton(t *testing.T) {
	r := buildAndOpen(t, map[string]uint32{"he": 1, "she": 2, "his": 3, "hers": 4})
	visited := 0
	require.NoError(t, r.Walk(func(int) error {
		visited++
		return nil
	}))
	assert.Greater(t, visited, 1)
}

// TestWalkDetectsFailureCycle hand-assembles two kindOne states whose
// failure link never reaches the root, the shape a hostile builder could
// produce and that Scan's own failure-chase loop has no defense against.
func TestWalkDetectsFailureCycle(t *testing.T) {
	buf := make([]byte, 32)

	// State 0 (root): one edge on 'a' to the state at offset 16.
	buf[0] = byte(kindOne)
	binary.LittleEndian.PutUint32(buf[1:5], 0)
	binary.LittleEndian.PutUint16(buf[5:7], 0)
	binary.LittleEndian.PutUint32(buf[7:11], 0)
	buf[11] = 'a'
	binary.LittleEndian.PutUint32(buf[12:16], 16)

	// State at offset 16: failure link points back at itself, so it never
	// reaches the root.
	buf[16] = byte(kindOne)
	binary.LittleEndian.PutUint32(buf[17:21], 16)
	binary.LittleEndian.PutUint16(buf[21:23], 0)
	binary.LittleEndian.PutUint32(buf[23:27], 0)
	buf[27] = 0
	binary.LittleEndian.PutUint32(buf[28:32], noTarget)

	r := New(buf)
	err := r.Walk(func(int) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestManyLiteralsForceDenseNode(t *testing.T) {
	// Root will have 10 distinct first-byte edges, forcing a DENSE
	// encoding; exercise that every one of them is still reachable.
	literals := map[string]uint32{}
	var id uint32
	for c := byte('a'); c < byte('a'+10); c++ {
		literals[string(c)+"x"] = id
		id++
	}
	r := buildAndOpen(t, literals)
	for c := byte('a'); c < byte('a'+10); c++ {
		hits := scanAll(t, r, string(c)+"x")
		assert.NotEmpty(t, hits, "expected a match for %q", string(c)+"x")
	}
}
