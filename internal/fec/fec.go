// Package fec is the VDM FEC Codec (C5): a systematic Vandermonde MDS code
// over GF(256), built on github.com/klauspost/reedsolomon the way
// xtaci/kcp-go's FEC layer does (see the kcptun/kcp-go manifests in the
// retrieval pack) rather than hand-rolling Galois-field arithmetic.
package fec

import (
	"errors"

	"github.com/klauspost/reedsolomon"
)

// MaxGroupSize is the per-k parameter table's fixed total (source+repair)
// shard count (§4.5 "parameter tables"): every group with k source packets
// reserves MaxGroupSize-k repair-shard "slots" in one fixed Vandermonde
// matrix, whether or not a given round actually transmits all of them.
// Fixing the matrix per k this way — rather than per (k, shards actually
// sent) — is what lets a receiver reconstruct correctly from ANY k of the
// shards a multi-round sender has handed out so far, without the wire
// format needing to carry a separate "total repair count" field.
const MaxGroupSize = 10

var (
	// ErrUndecodable is returned when fewer than k of n shards are present.
	ErrUndecodable = errors.New("fec: undecodable, fewer than k shards present")
	ErrBadParams   = errors.New("fec: invalid k/repair parameters")
)

// Codec encodes/decodes FEC groups against the fixed per-k parameter
// table described above. It holds no state between calls beyond the
// encoder Cache, which memoizes the derived Vandermonde matrix per k.
type Codec struct {
	cache *Cache
}

// New returns a Codec backed by a fresh encoder cache.
func New() *Codec {
	return &Codec{cache: NewCache()}
}

func maxParityFor(k int) int { return MaxGroupSize - k }

// padded returns a copy of shards padded with zeros to the longest shard's
// length, plus that length.
func padded(shards [][]byte) ([][]byte, int) {
	max := 0
	for _, s := range shards {
		if len(s) > max {
			max = len(s)
		}
	}
	out := make([][]byte, len(shards))
	for i, s := range shards {
		if len(s) == max {
			out[i] = s
			continue
		}
		b := make([]byte, max)
		copy(b, s)
		out[i] = b
	}
	return out, max
}

// Encode produces numRepair encoded (parity) shards from k source shards,
// as the prefix of the k-fixed parameter table's full repair-shard space
// (§4.5). Source shards need not be pre-padded. numRepair must not exceed
// MaxGroupSize-k; a later round may request a larger numRepair than an
// earlier one and will get back a superset sharing the same leading
// shards, since both draw from the same fixed matrix.
func (c *Codec) Encode(source [][]byte, numRepair int) ([][]byte, error) {
	k := len(source)
	if k < 1 || k >= MaxGroupSize || numRepair < 0 || numRepair > maxParityFor(k) {
		return nil, ErrBadParams
	}
	if numRepair == 0 {
		return nil, nil
	}
	maxParity := maxParityFor(k)
	enc, err := c.cache.get(k, maxParity)
	if err != nil {
		return nil, err
	}
	padSrc, shardLen := padded(source)
	full := make([][]byte, k+maxParity)
	copy(full, padSrc)
	for i := k; i < k+maxParity; i++ {
		full[i] = make([]byte, shardLen)
	}
	if err := enc.Encode(full); err != nil {
		return nil, err
	}
	return full[k : k+numRepair], nil
}

// Decode attempts to regenerate missing source shards from whatever
// subset of the k-fixed parameter table's shard space is present. shards
// and present describe the group-index-ordered shards seen so far (source
// indices [0,k), repair indices [k, k+maxParityFor(k))); both may be
// shorter than the table's full width — slots beyond what's been observed
// are treated as absent. Fewer than k present shards is ErrUndecodable
// (§4.5).
func (c *Codec) Decode(k int, shards [][]byte, present []bool) ([][]byte, error) {
	if k < 1 || k >= MaxGroupSize || len(shards) != len(present) {
		return nil, ErrBadParams
	}
	maxParity := maxParityFor(k)
	total := k + maxParity
	if len(shards) > total {
		return nil, ErrBadParams
	}

	have := 0
	shardLen := 0
	for i, ok := range present {
		if !ok {
			continue
		}
		have++
		if len(shards[i]) > shardLen {
			shardLen = len(shards[i])
		}
	}
	if have < k {
		return nil, ErrUndecodable
	}

	// work[i] stays nil for every absent slot — including parity indices
	// this call never saw — so Reconstruct knows exactly what to fill in
	// rather than mistaking a zero-padded placeholder for real data.
	work := make([][]byte, total)
	for i, ok := range present {
		if !ok {
			continue
		}
		if len(shards[i]) == shardLen {
			work[i] = shards[i]
			continue
		}
		b := make([]byte, shardLen)
		copy(b, shards[i])
		work[i] = b
	}
	if maxParity == 0 {
		return work[:k], nil
	}
	enc, err := c.cache.get(k, maxParity)
	if err != nil {
		return nil, err
	}
	if err := enc.Reconstruct(work); err != nil {
		return nil, ErrUndecodable
	}
	return work[:k], nil
}

// Cache memoizes reedsolomon.Encoder instances by (k, parity) so repeated
// groups of the same k reuse the derived Vandermonde matrix.
type Cache struct {
	encoders map[[2]int]reedsolomon.Encoder
}

func NewCache() *Cache {
	return &Cache{encoders: make(map[[2]int]reedsolomon.Encoder)}
}

func (c *Cache) get(k, parity int) (reedsolomon.Encoder, error) {
	key := [2]int{k, parity}
	if enc, ok := c.encoders[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(k, parity)
	if err != nil {
		return nil, err
	}
	c.encoders[key] = enc
	return enc, nil
}
