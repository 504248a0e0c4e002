package fec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceShards(k int, size int) [][]byte {
	out := make([][]byte, k)
	for i := range out {
		b := make([]byte, size)
		for j := range b {
			b[j] = byte((i*7 + j) % 256)
		}
		out[i] = b
	}
	return out
}

func TestEncodeDecodeRecoversExactly(t *testing.T) {
	c := New()
	k, repair := 4, 2
	src := sourceShards(k, 512)
	enc, err := c.Encode(src, repair)
	require.NoError(t, err)
	require.Len(t, enc, repair)

	all := append(append([][]byte{}, src...), enc...)
	present := make([]bool, k+repair)
	// drop 2 of the k source shards, leaving exactly k present (2 source + 2 parity).
	present[0] = false
	present[1] = false
	for i := 2; i < k+repair; i++ {
		present[i] = true
	}
	got, err := c.Decode(k, all, present)
	require.NoError(t, err)
	for i := 0; i < k; i++ {
		assert.True(t, bytes.Equal(src[i], got[i]), "shard %d mismatch", i)
	}
}

func TestDecodeUndecodableWithTooFewShards(t *testing.T) {
	c := New()
	k, repair := 4, 2
	src := sourceShards(k, 64)
	enc, err := c.Encode(src, repair)
	require.NoError(t, err)
	all := append(append([][]byte{}, src...), enc...)
	present := make([]bool, k+repair)
	present[0] = true
	present[1] = true
	// only 2 of 4 needed present
	_, err = c.Decode(k, all, present)
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestEncodeRejectsBadParams(t *testing.T) {
	c := New()
	_, err := c.Encode(nil, 1)
	assert.ErrorIs(t, err, ErrBadParams)
	_, err = c.Encode(sourceShards(MaxGroupSize+1, 8), 1)
	assert.ErrorIs(t, err, ErrBadParams)
}

// TestLaterRoundRepairIsCompatibleWithEarlierRound exercises the
// fixed-per-k parameter table design: round 1's single repair shard and a
// round 2's additional repair shard come from the same matrix, so any mix
// of source + repair-from-either-round that reaches k present decodes
// correctly even though no single Encode call produced all of them.
func TestLaterRoundRepairIsCompatibleWithEarlierRound(t *testing.T) {
	c := New()
	k := 4
	src := sourceShards(k, 128)

	round1, err := c.Encode(src, 1)
	require.NoError(t, err)
	round2, err := c.Encode(src, 2)
	require.NoError(t, err)
	require.Equal(t, round1[0], round2[0]) // shared prefix from the same matrix

	total := MaxGroupSize - k
	shards := make([][]byte, k+total)
	present := make([]bool, k+total)
	shards[0], present[0] = src[0], true
	shards[1], present[1] = src[1], true
	shards[k], present[k] = round1[0], true       // round 1's repair shard
	shards[k+1], present[k+1] = round2[1], true    // round 2's second repair shard

	got, err := c.Decode(k, shards, present)
	require.NoError(t, err)
	for i := 0; i < k; i++ {
		assert.True(t, bytes.Equal(src[i], got[i]), "shard %d mismatch", i)
	}
}

func TestCacheReusesEncoder(t *testing.T) {
	cache := NewCache()
	e1, err := cache.get(4, 2)
	require.NoError(t, err)
	e2, err := cache.get(4, 2)
	require.NoError(t, err)
	assert.Same(t, e1, e2)
}
