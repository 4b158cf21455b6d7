package litmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactLookupCaseSensitive(t *testing.T) {
	b := NewBuilder(false, 0xC0FFEE)
	b.Add("api.example.com", 10)
	b.Add("evil.example.net", 20)

	r, err := New(b.Build(), false)
	require.NoError(t, err)

	off, found, err := r.Lookup("api.example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 10, off)

	_, found, err = r.Lookup("API.example.com")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = r.Lookup("nope.example.com")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExactLookupCaseInsensitive(t *testing.T) {
	b := NewBuilder(true, 1)
	b.Add("Sub.Example.Com", 42)

	r, err := New(b.Build(), true)
	require.NoError(t, err)

	for _, q := range []string{"sub.example.com", "SUB.EXAMPLE.COM", "Sub.Example.Com"} {
		off, found, err := r.Lookup(q)
		require.NoError(t, err)
		assert.True(t, found, q)
		assert.Equal(t, 42, off)
	}
}

func TestDeduplicatesSameKey(t *testing.T) {
	b := NewBuilder(false, 1)
	b.Add("dup.example.com", 1)
	b.Add("dup.example.com", 2)
	assert.Equal(t, 1, b.Len())

	r, err := New(b.Build(), false)
	require.NoError(t, err)
	off, found, err := r.Lookup("dup.example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, off, "second Add should win")
}

func TestManyKeysLoadFactor(t *testing.T) {
	b := NewBuilder(false, 7)
	for i := 0; i < 1000; i++ {
		b.Add(keyFor(i), i)
	}
	r, err := New(b.Build(), false)
	require.NoError(t, err)
	assert.Equal(t, 1000, r.Len())

	for i := 0; i < 1000; i++ {
		off, found, err := r.Lookup(keyFor(i))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, i, off)
	}
}

func keyFor(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%26]) + string(letters[(i/26)%26]) + string(letters[(i/676)%26]) + ".example.com"
}
