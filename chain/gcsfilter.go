// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// GCSFilter is a Filter backed by a BIP 158 Golomb-coded set.  The set is
// keyed by the hash of the block it commits to.
type GCSFilter struct {
	filter *gcs.Filter
	key    [gcs.KeySize]byte
}

// NewGCSFilter wraps a decoded filter for the given block.
func NewGCSFilter(blockHash chainhash.Hash, filter *gcs.Filter) *GCSFilter {
	return &GCSFilter{
		filter: filter,
		key:    builder.DeriveKey(&blockHash),
	}
}

// ParseGCSFilter decodes a serialized regular filter, element count
// included, for the given block.
func ParseGCSFilter(blockHash chainhash.Hash, b []byte) (*GCSFilter, error) {
	filter, err := gcs.FromNBytes(builder.DefaultP, builder.DefaultM, b)
	if err != nil {
		return nil, err
	}
	return NewGCSFilter(blockHash, filter), nil
}

// N returns the number of elements committed to.
func (f *GCSFilter) N() uint32 {
	return f.filter.N()
}

// MatchAny returns whether any target may be in the set.
func (f *GCSFilter) MatchAny(targets [][]byte) (bool, error) {
	if len(targets) == 0 || f.filter.N() == 0 {
		return false, nil
	}
	return f.filter.MatchAny(f.key, targets)
}

// Match returns the indices of the targets that may be in the set.
func (f *GCSFilter) Match(targets [][]byte) ([]int, error) {
	if f.filter.N() == 0 {
		return nil, nil
	}

	var hits []int
	for i, target := range targets {
		ok, err := f.filter.Match(f.key, target)
		if err != nil {
			return nil, err
		}
		if ok {
			hits = append(hits, i)
		}
	}
	return hits, nil
}
