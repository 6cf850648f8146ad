// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletscan/txcodec"
)

// MatchKind says how a transaction touched a pattern.
type MatchKind uint8

const (
	// OutPointCreated means the transaction creates the watched
	// outpoint.
	OutPointCreated MatchKind = iota

	// OutPointSpent means one of the transaction's inputs spends the
	// watched outpoint.
	OutPointSpent

	// ScriptMatch means one of the transaction's outputs pays to the
	// watched script.
	ScriptMatch
)

// String returns the MatchKind as a human-readable name.
func (k MatchKind) String() string {
	switch k {
	case OutPointCreated:
		return "created"
	case OutPointSpent:
		return "spent"
	case ScriptMatch:
		return "script"
	}
	return "unknown"
}

// Match is a transaction of a block that touches a watched pattern.
// Pattern indexes the outpoint slice for outpoint matches and the script
// slice for script matches.
type Match struct {
	Filter  wire.FilterType
	TxHash  chainhash.Hash
	TxIndex int
	Kind    MatchKind
	Pattern int
}

// BlockFilterer holds the patterns a block is matched against.  A
// BlockFilterer is built once per block and is not safe for concurrent use.
type BlockFilterer struct {
	filterType wire.FilterType

	outPoints map[wire.OutPoint][]int
	scripts   map[string][]int

	// Matches collects the results of every FilterBlock call.
	Matches []Match
}

// NewBlockFilterer indexes the watched outpoints and scripts.  Duplicate
// patterns are kept so every pattern index gets its own match.
func NewBlockFilterer(filterType wire.FilterType, outPoints []wire.OutPoint,
	scripts [][]byte) *BlockFilterer {

	bf := &BlockFilterer{
		filterType: filterType,
		outPoints:  make(map[wire.OutPoint][]int, len(outPoints)),
		scripts:    make(map[string][]int, len(scripts)),
	}
	for i, op := range outPoints {
		bf.outPoints[op] = append(bf.outPoints[op], i)
	}
	for i, script := range scripts {
		key := string(script)
		bf.scripts[key] = append(bf.scripts[key], i)
	}
	return bf
}

// Empty returns whether there is nothing to match.
func (bf *BlockFilterer) Empty() bool {
	return len(bf.outPoints) == 0 && len(bf.scripts) == 0
}

// FilterBlock matches every transaction of the block and returns whether
// any matched.
func (bf *BlockFilterer) FilterBlock(block *txcodec.Block) bool {
	if bf.Empty() {
		return false
	}

	var hasRelevantTxns bool
	for i, tx := range block.Transactions {
		if bf.FilterTx(i, tx) {
			hasRelevantTxns = true
		}
	}
	return hasRelevantTxns
}

type matchKey struct {
	kind    MatchKind
	pattern int
}

// FilterTx appends every pattern the transaction touches to Matches.  A
// pattern is reported at most once per transaction and kind, even when
// several inputs or outputs hit it.
func (bf *BlockFilterer) FilterTx(txIndex int, tx *txcodec.Transaction) bool {
	var (
		txHash chainhash.Hash
		seen   = make(map[matchKey]struct{})
		start  = len(bf.Matches)
	)
	if len(bf.outPoints) > 0 || len(bf.scripts) > 0 {
		txHash = tx.Hash()
	}

	record := func(kind MatchKind, patterns []int) {
		for _, p := range patterns {
			key := matchKey{kind: kind, pattern: p}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			bf.Matches = append(bf.Matches, Match{
				Filter:  bf.filterType,
				TxHash:  txHash,
				TxIndex: txIndex,
				Kind:    kind,
				Pattern: p,
			})
		}
	}

	if len(bf.outPoints) > 0 {
		for i := range tx.TxOut {
			op := wire.OutPoint{Hash: txHash, Index: uint32(i)}
			record(OutPointCreated, bf.outPoints[op])
		}
		for _, in := range tx.TxIn {
			record(OutPointSpent, bf.outPoints[in.PreviousOutPoint])
		}
	}

	if len(bf.scripts) > 0 {
		for _, out := range tx.TxOut {
			record(ScriptMatch, bf.scripts[string(out.PkScript)])
		}
	}

	return len(bf.Matches) > start
}

// FindMatches returns every (transaction, pattern) pair of the block in
// transaction order.  With no patterns it returns nil without looking at
// the block.
func FindMatches(filterType wire.FilterType, outPoints []wire.OutPoint,
	scripts [][]byte, block *txcodec.Block) []Match {

	if len(outPoints) == 0 && len(scripts) == 0 {
		return nil
	}

	bf := NewBlockFilterer(filterType, outPoints, scripts)
	bf.FilterBlock(block)
	return bf.Matches
}
