// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chaintest provides an in-memory chain backend for scanner tests.
// Blocks carry real BIP 158 style filters over their output scripts and the
// scripts of the outputs they spend.
package chaintest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletscan/chain"
	"github.com/btcsuite/walletscan/keys"
	"github.com/btcsuite/walletscan/txcodec"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var genesisTime = time.Unix(1231006505, 0)

// Harness is an in-memory chain implementing chain.Interface.  Height zero
// holds a genesis block.  It is safe for concurrent use.
type Harness struct {
	mu sync.Mutex

	blocks  map[chainhash.Hash]*txcodec.Block
	heights map[chainhash.Hash]int32
	filters map[chainhash.Hash]*gcs.Filter
	main    []chainhash.Hash

	// scripts maps every output ever mined to its script so spends can be
	// committed to in filters.
	scripts map[wire.OutPoint][]byte

	withheld map[chainhash.Hash]struct{}
	failures map[chainhash.Hash]int
	corrupt  map[chainhash.Hash]int

	filterLoads int
	requests    []chainhash.Hash
	nonce       uint32
}

var _ chain.Interface = (*Harness)(nil)

// NewHarness returns a chain holding only a genesis block.
func NewHarness() *Harness {
	h := &Harness{
		blocks:   make(map[chainhash.Hash]*txcodec.Block),
		heights:  make(map[chainhash.Hash]int32),
		filters:  make(map[chainhash.Hash]*gcs.Filter),
		scripts:  make(map[wire.OutPoint][]byte),
		withheld: make(map[chainhash.Hash]struct{}),
		failures: make(map[chainhash.Hash]int),
		corrupt:  make(map[chainhash.Hash]int),
	}
	h.mu.Lock()
	h.connectLocked(nil)
	h.mu.Unlock()
	return h
}

// coinbase returns a unique transaction with a null previous outpoint.
func coinbase(height int32, nonce uint32) *txcodec.Transaction {
	sigScript := binary.LittleEndian.AppendUint32(nil, uint32(height))
	sigScript = binary.LittleEndian.AppendUint32(sigScript, nonce)
	return txcodec.NewTransaction(1,
		[]*txcodec.TxIn{{
			PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
			SignatureScript:  sigScript,
			Sequence:         wire.MaxTxInSequenceNum,
		}},
		[]*txcodec.TxOut{{
			Value:    50 * 1e8,
			PkScript: []byte{txscript.OP_TRUE},
		}},
		0,
	)
}

func (h *Harness) connectLocked(txs []*txcodec.Transaction) keys.BlockStamp {
	height := int32(len(h.main))
	h.nonce++

	var prev chainhash.Hash
	if height > 0 {
		prev = h.main[height-1]
	}

	all := append([]*txcodec.Transaction{coinbase(height, h.nonce)}, txs...)

	// The harness does not validate merkle roots; committing to the
	// transaction ids keeps block hashes unique per content.
	var ids []byte
	for _, tx := range all {
		txHash := tx.Hash()
		ids = append(ids, txHash[:]...)
	}

	blk := &txcodec.Block{
		Header: wire.BlockHeader{
			Version:    4,
			PrevBlock:  prev,
			MerkleRoot: chainhash.DoubleHashH(ids),
			Timestamp:  genesisTime.Add(time.Duration(height) * 10 * time.Minute),
			Bits:       0x207fffff,
			Nonce:      h.nonce,
		},
		Transactions: all,
	}
	hash := blk.Hash()

	// Filters commit to every non-empty output script and to the scripts
	// of spent outputs.
	var elems [][]byte
	for _, tx := range all {
		for _, out := range tx.TxOut {
			if len(out.PkScript) > 0 &&
				out.PkScript[0] != txscript.OP_RETURN {

				elems = append(elems, out.PkScript)
			}
		}
		for _, in := range tx.TxIn {
			if script, ok := h.scripts[in.PreviousOutPoint]; ok {
				elems = append(elems, script)
			}
		}
	}
	for _, tx := range all {
		txHash := tx.Hash()
		for i, out := range tx.TxOut {
			op := wire.OutPoint{Hash: txHash, Index: uint32(i)}
			h.scripts[op] = out.PkScript
		}
	}

	filter, err := gcs.BuildGCSFilter(
		builder.DefaultP, builder.DefaultM, builder.DeriveKey(&hash),
		elems,
	)
	if err != nil {
		panic(fmt.Sprintf("build filter: %v", err))
	}

	h.blocks[hash] = blk
	h.heights[hash] = height
	h.filters[hash] = filter
	h.main = append(h.main, hash)

	return keys.BlockStamp{Height: height, Hash: hash}
}

// AddBlock mines a block with the given transactions after a coinbase.
func (h *Harness) AddBlock(txs ...*txcodec.Transaction) keys.BlockStamp {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.connectLocked(txs)
}

// AddBlocks mines n blocks holding only a coinbase.
func (h *Harness) AddBlocks(n int) keys.BlockStamp {
	h.mu.Lock()
	defer h.mu.Unlock()

	var tip keys.BlockStamp
	for i := 0; i < n; i++ {
		tip = h.connectLocked(nil)
	}
	return tip
}

// Reorg disconnects every block above forkHeight and mines n empty blocks
// in their place.  Disconnected blocks stay loadable by hash.
func (h *Harness) Reorg(forkHeight int32, n int) keys.BlockStamp {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.main = h.main[:forkHeight+1]

	var tip keys.BlockStamp
	for i := 0; i < n; i++ {
		tip = h.connectLocked(nil)
	}
	return tip
}

// Block returns the block at height on the main chain.
func (h *Harness) Block(height int32) *txcodec.Block {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.blocks[h.main[height]]
}

// WithholdFilter makes the filter of a block unavailable.
func (h *Harness) WithholdFilter(hash chainhash.Hash) {
	h.mu.Lock()
	h.withheld[hash] = struct{}{}
	h.mu.Unlock()
}

// ReleaseFilter makes a withheld filter available again.
func (h *Harness) ReleaseFilter(hash chainhash.Hash) {
	h.mu.Lock()
	delete(h.withheld, hash)
	h.mu.Unlock()
}

// FailBlock makes the next n requests for a block fail.
func (h *Harness) FailBlock(hash chainhash.Hash, n int) {
	h.mu.Lock()
	h.failures[hash] += n
	h.mu.Unlock()
}

// CorruptBlock makes the next n requests for a block return truncated
// bytes.
func (h *Harness) CorruptBlock(hash chainhash.Hash, n int) {
	h.mu.Lock()
	h.corrupt[hash] += n
	h.mu.Unlock()
}

// Requests returns the hashes of every block requested so far, in request
// order.
func (h *Harness) Requests() []chainhash.Hash {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]chainhash.Hash(nil), h.requests...)
}

// FilterLoads returns the number of filters served.
func (h *Harness) FilterLoads() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.filterLoads
}

// Start is a no-op.
func (h *Harness) Start() error { return nil }

// Stop is a no-op.
func (h *Harness) Stop() {}

// WaitForShutdown is a no-op.
func (h *Harness) WaitForShutdown() {}

// BackEnd returns the name of the driver.
func (h *Harness) BackEnd() string { return "harness" }

// BestBlock returns the main chain tip.
func (h *Harness) BestBlock() (keys.BlockStamp, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	height := int32(len(h.main) - 1)
	return keys.BlockStamp{Height: height, Hash: h.main[height]}, nil
}

// HashAtHeight returns the main chain hash at height.
func (h *Harness) HashAtHeight(height int32) (chainhash.Hash, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if height < 0 || int(height) >= len(h.main) {
		return chainhash.Hash{}, fmt.Errorf("height %d: %w", height,
			chain.ErrBlockNotFound)
	}
	return h.main[height], nil
}

// LoadHeader returns the header of any block ever mined.
func (h *Harness) LoadHeader(hash chainhash.Hash) (*wire.BlockHeader, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	blk, ok := h.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("%v: %w", hash, chain.ErrBlockNotFound)
	}
	hdr := blk.Header
	return &hdr, nil
}

// LoadFilter returns the regular filter of a block unless it is withheld.
func (h *Harness) LoadFilter(filterType wire.FilterType,
	hash chainhash.Hash) fn.Option[chain.Filter] {

	h.mu.Lock()
	defer h.mu.Unlock()

	if filterType != wire.GCSFilterRegular {
		return fn.None[chain.Filter]()
	}
	if _, ok := h.withheld[hash]; ok {
		return fn.None[chain.Filter]()
	}
	filter, ok := h.filters[hash]
	if !ok {
		return fn.None[chain.Filter]()
	}

	h.filterLoads++
	return fn.Some[chain.Filter](chain.NewGCSFilter(hash, filter))
}

// RequestBlock resolves immediately with the serialized block or an
// injected failure.
func (h *Harness) RequestBlock(_ context.Context,
	hash chainhash.Hash) <-chan chain.BlockResult {

	h.mu.Lock()
	defer h.mu.Unlock()

	h.requests = append(h.requests, hash)
	result := make(chan chain.BlockResult, 1)
	defer close(result)

	res := chain.BlockResult{Hash: hash}
	blk, ok := h.blocks[hash]
	switch {
	case !ok:
		res.Err = chain.ErrBlockNotFound

	case h.failures[hash] > 0:
		h.failures[hash]--
		res.Err = fmt.Errorf("injected failure for %v", hash)

	case h.corrupt[hash] > 0:
		h.corrupt[hash]--
		raw, err := blk.Encode()
		res.Raw, res.Err = raw[:len(raw)/2], err

	default:
		res.Raw, res.Err = blk.Encode()
	}

	result <- res
	return result
}
