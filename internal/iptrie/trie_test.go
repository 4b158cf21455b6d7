package iptrie

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildAndOpen(t *testing.T, b *Builder) *Reader {
	t.Helper()
	bytes := b.Build()
	r, err := New(bytes, uint32(b.NodeCount()), false)
	require.NoError(t, err)
	return r
}

func TestLongestPrefixMatch(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Insert(netip.MustParsePrefix("10.0.0.0/8"), 100))
	require.NoError(t, b.Insert(netip.MustParsePrefix("10.1.2.3/32"), 200))

	r := buildAndOpen(t, b)

	res, err := r.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 200, res.DataOffset)

	res, err = r.Lookup(netip.MustParseAddr("10.9.9.9"))
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 100, res.DataOffset)

	res, err = r.Lookup(netip.MustParseAddr("192.0.2.1"))
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestInsertionOrderIndependence(t *testing.T) {
	specific := netip.MustParsePrefix("192.0.2.1/32")
	broad := netip.MustParsePrefix("192.0.2.0/24")

	// specific first, then broad
	b1 := NewBuilder()
	require.NoError(t, b1.Insert(specific, 1))
	require.NoError(t, b1.Insert(broad, 2))
	r1 := buildAndOpen(t, b1)

	res, err := r1.Lookup(netip.MustParseAddr("192.0.2.1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.DataOffset)
	res, err = r1.Lookup(netip.MustParseAddr("192.0.2.5"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.DataOffset)

	// broad first, then specific -- must yield identical results
	b2 := NewBuilder()
	require.NoError(t, b2.Insert(broad, 2))
	require.NoError(t, b2.Insert(specific, 1))
	r2 := buildAndOpen(t, b2)

	res, err = r2.Lookup(netip.MustParseAddr("192.0.2.1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.DataOffset)
	res, err = r2.Lookup(netip.MustParseAddr("192.0.2.5"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.DataOffset)
}

func TestIPv6LongestPrefix(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Insert(netip.MustParsePrefix("2001:db8::/32"), 1))
	require.NoError(t, b.Insert(netip.MustParsePrefix("2001:db8::1/128"), 2))

	r := buildAndOpen(t, b)

	res, err := r.Lookup(netip.MustParseAddr("2001:db8::1"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.DataOffset)

	res, err = r.Lookup(netip.MustParseAddr("2001:db8::2"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.DataOffset)

	res, err = r.Lookup(netip.MustParseAddr("2001:db9::1"))
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestIPv4OnlyTreeSkipsMappedPrefixWalk(t *testing.T) {
	// A v4-only builder inserts directly at the root, with no 96 bits of
	// IPv4-mapped padding; New must be told so via ipv4Only=true, or every
	// address resolves to whatever the all-zero-bit path happens to hit.
	b := NewBuilder()
	b.IPv4Only = true
	require.NoError(t, b.Insert(netip.MustParsePrefix("10.0.0.0/8"), 1))
	require.NoError(t, b.Insert(netip.MustParsePrefix("192.0.2.0/24"), 2))

	bytes := b.Build()
	r, err := New(bytes, uint32(b.NodeCount()), true)
	require.NoError(t, err)

	res, err := r.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, 1, res.DataOffset)

	res, err = r.Lookup(netip.MustParseAddr("192.0.2.5"))
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, 2, res.DataOffset)

	res, err = r.Lookup(netip.MustParseAddr("8.8.8.8"))
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestWalkDetectsWellFormedTree(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Insert(netip.MustParsePrefix("10.0.0.0/8"), 1))
	require.NoError(t, b.Insert(netip.MustParsePrefix("10.1.0.0/16"), 2))
	r := buildAndOpen(t, b)

	visited := 0
	err := r.Walk(func(node uint32, depth int) error {
		visited++
		return nil
	})
	require.NoError(t, err)
	assert.Greater(t, visited, 0)
}
