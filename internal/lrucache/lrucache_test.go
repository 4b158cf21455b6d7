package lrucache

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledCacheIsNilAndSafe(t *testing.T) {
	c := New[string](0)
	assert.Nil(t, c)

	v, ok := c.Get("anything")
	assert.False(t, ok)
	assert.Equal(t, "", v)

	c.Add("anything", "value") // must not panic on a nil receiver
	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestAddAndGetRoundTrip(t *testing.T) {
	c := New[int](64)
	require.NotNil(t, c)

	c.Add("example.com", 42)
	v, ok := c.Get("example.com")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Get("missing.com")
	assert.False(t, ok)
}

func TestPurgeClearsAllShards(t *testing.T) {
	c := New[int](shardCount * 4)
	for i := 0; i < shardCount*4; i++ {
		c.Add("key"+strconv.Itoa(i), i)
	}
	require.Greater(t, c.Len(), 0)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestEvictsUnderCapacityPerShard(t *testing.T) {
	// A capacity of 1 still rounds each shard up to at least one entry, so
	// the cache as a whole holds at most shardCount entries and evicts
	// beyond that rather than growing unbounded.
	c := New[int](1)
	for i := 0; i < shardCount*10; i++ {
		c.Add("key"+strconv.Itoa(i), i)
	}
	assert.LessOrEqual(t, c.Len(), shardCount)
}

func TestConcurrentAccessIsRaceFree(t *testing.T) {
	c := New[int](256)
	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := strconv.Itoa(g*1000 + i)
				c.Add(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
}
