// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletscan/keys"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrBlockNotFound is returned by oracles asked about a block they do not
// know.
var ErrBlockNotFound = errors.New("block not found")

// BackEnds returns a list of the available back ends.
func BackEnds() []string {
	return []string{
		"btcd",
		"neutrino",
	}
}

// HeaderOracle reports the canonical chain.
type HeaderOracle interface {
	// BestBlock returns the tip of the canonical chain.
	BestBlock() (keys.BlockStamp, error)

	// HashAtHeight returns the canonical block hash at height.
	HashAtHeight(height int32) (chainhash.Hash, error)

	// LoadHeader returns the header of any known block, canonical or
	// not.
	LoadHeader(hash chainhash.Hash) (*wire.BlockHeader, error)
}

// Filter is a probabilistic per-block set of scripts.  Matches may be false
// positives; a miss is definitive.
type Filter interface {
	// MatchAny returns whether any target may be in the block.
	MatchAny(targets [][]byte) (bool, error)

	// Match returns the indices of the targets that may be in the block.
	Match(targets [][]byte) ([]int, error)
}

// FilterOracle supplies compact filters.
type FilterOracle interface {
	// LoadFilter returns the filter of the given type for a block, or
	// None if it is not available yet.
	LoadFilter(filterType wire.FilterType,
		hash chainhash.Hash) fn.Option[Filter]
}

// BlockResult is the outcome of a block request.
type BlockResult struct {
	Hash chainhash.Hash
	Raw  []byte
	Err  error
}

// BlockOracle downloads full blocks.
type BlockOracle interface {
	// RequestBlock starts downloading a block.  The returned channel
	// receives exactly one result and is then closed.
	RequestBlock(ctx context.Context, hash chainhash.Hash) <-chan BlockResult
}

// Interface is a chain backend able to serve a wallet scanner.
type Interface interface {
	HeaderOracle
	FilterOracle
	BlockOracle

	Start() error
	Stop()
	WaitForShutdown()
	BackEnd() string
}
