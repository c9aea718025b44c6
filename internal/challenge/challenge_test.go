package challenge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueThenConsumeSucceedsOnce(t *testing.T) {
	idx := New(time.Minute, 1000)
	defer idx.Close()

	nonce, err := idx.Issue()
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	assert.True(t, idx.Consume(nonce), "first consume should succeed")
	assert.False(t, idx.Consume(nonce), "replay of the same nonce must fail")
}

func TestConsumeUnknownNonceFails(t *testing.T) {
	idx := New(time.Minute, 1000)
	defer idx.Close()

	assert.False(t, idx.Consume("0000000000000000000000000000000000000000000000000000000000000000"))
}

func TestConsumeOutsideFreshnessWindowFails(t *testing.T) {
	idx := New(10*time.Millisecond, 1000)
	defer idx.Close()

	nonce, err := idx.Issue()
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)
	assert.False(t, idx.Consume(nonce), "a nonce past its freshness window must not be consumable")
}

func TestLenTracksOutstandingNonces(t *testing.T) {
	idx := New(time.Minute, 1000)
	defer idx.Close()

	for i := 0; i < 5; i++ {
		_, err := idx.Issue()
		require.NoError(t, err)
	}
	assert.Equal(t, 5, idx.Len())
}

func TestEvictOldestCapsShardGrowth(t *testing.T) {
	// A tiny capacity forces evictOldest on every Issue past the first
	// couple of entries in a shard, so Len never grows unbounded.
	idx := New(time.Minute, shardCount)
	defer idx.Close()

	for i := 0; i < 500; i++ {
		_, err := idx.Issue()
		require.NoError(t, err)
	}
	assert.Less(t, idx.Len(), 500, "eviction should have kept the index well under the issue count")
}
