package glob

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, pattern string) *Pattern {
	t.Helper()
	p, err := Compile(pattern)
	require.NoError(t, err)
	return p
}

func TestLiteralAndWildcards(t *testing.T) {
	assert.True(t, mustCompile(t, "*.example.com").Match("sub.example.com"))
	assert.False(t, mustCompile(t, "*.example.com").Match("example.com"))
	assert.True(t, mustCompile(t, "api?.example.com").Match("api1.example.com"))
	assert.False(t, mustCompile(t, "api?.example.com").Match("api12.example.com"))
}

func TestCharacterClasses(t *testing.T) {
	assert.True(t, mustCompile(t, "host[0-9].example.com").Match("host5.example.com"))
	assert.False(t, mustCompile(t, "host[0-9].example.com").Match("hostx.example.com"))
	assert.True(t, mustCompile(t, "host[!0-9].example.com").Match("hostx.example.com"))
	assert.False(t, mustCompile(t, "host[!0-9].example.com").Match("host5.example.com"))
	assert.True(t, mustCompile(t, "[abc]bc").Match("abc"))
}

func TestOverlappingPatterns(t *testing.T) {
	// Both of two overlapping globs must independently report a match
	// against the same text -- no early-exit bug shared between them.
	p1 := mustCompile(t, "abc*")
	p2 := mustCompile(t, "*bcd")
	assert.True(t, p1.Match("abcd"))
	assert.True(t, p2.Match("abcd"))
}

func TestUTF8StarSafety(t *testing.T) {
	p := mustCompile(t, `*4**4\4**4\*`)
	text := "4x4" + string(rune(0x017B)) + "4y4*" // contains 'Ż' (2-byte UTF-8 rune)
	assert.NotPanics(t, func() {
		p.Match(text)
	})
}

func TestBacktrackingBudgetBounded(t *testing.T) {
	// "*a*b*c*...*p*" against a long non-matching string must return
	// quickly rather than exploring exponentially many star placements.
	var sb strings.Builder
	for c := 'a'; c <= 'p'; c++ {
		sb.WriteRune('*')
		sb.WriteRune(c)
	}
	sb.WriteRune('*')
	p := mustCompile(t, sb.String())

	nonMatching := strings.Repeat("z", 200)
	done := make(chan bool, 1)
	go func() { done <- p.Match(nonMatching) }()
	select {
	case matched := <-done:
		assert.False(t, matched)
	case <-time.After(time.Second):
		t.Fatal("Match did not return within the backtracking budget")
	}
}

func TestCaseSensitivity(t *testing.T) {
	// The matcher itself is case-sensitive; case-insensitivity is a
	// build/query-time normalization applied before Match is called.
	p := mustCompile(t, "*.Example.Com")
	assert.True(t, p.Match("sub.Example.Com"))
	assert.False(t, p.Match("sub.example.com"))
}
