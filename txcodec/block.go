// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txcodec

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderSize is the size of an encoded block header.
const HeaderSize = 80

// minTxSize is the smallest possible encoded transaction: version (4), one
// minimal input, one minimal output, both counts (2) and lock time (4).
const minTxSize = 4 + 1 + minTxInSize + 1 + minTxOutSize + 4

// Block is a decoded block.
type Block struct {
	Header       wire.BlockHeader
	Transactions []*Transaction
}

// Hash returns the block hash, the double SHA-256 of the header.
func (b *Block) Hash() chainhash.Hash {
	return b.Header.BlockHash()
}

// Encode returns the wire serialization of the block.
func (b *Block) Encode() ([]byte, error) {
	var hdr bytes.Buffer
	hdr.Grow(HeaderSize)
	if err := b.Header.Serialize(&hdr); err != nil {
		return nil, fmt.Errorf("serialize header: %w", err)
	}

	out := hdr.Bytes()
	out = AppendCompactSize(out, uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		out = append(out, tx.Encode()...)
	}
	return out, nil
}

// DecodeBlock decodes a block: an 80 byte header, a compact size transaction
// count and that many transactions.  Any failure aborts the decode; a partial
// block is never returned.
func DecodeBlock(b []byte) (*Block, error) {
	r := reader{buf: b}

	hdrBytes, err := r.take(HeaderSize, "header")
	if err != nil {
		return nil, err
	}

	var blk Block
	if err := blk.Header.Deserialize(bytes.NewReader(hdrBytes)); err != nil {
		return nil, codecError(ErrInvalidBlock, "header", err.Error())
	}

	numTx, err := r.count("transaction count")
	if err != nil {
		return nil, err
	}
	if numTx == 0 {
		return nil, codecError(ErrInvalidBlock, "transaction count",
			"block has no transactions")
	}

	blk.Transactions = make([]*Transaction, 0, r.capFor(numTx, minTxSize))
	for i := 0; i < numTx; i++ {
		tx, err := r.transaction()
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		blk.Transactions = append(blk.Transactions, tx)
	}

	return &blk, nil
}
