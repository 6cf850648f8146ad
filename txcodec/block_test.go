// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txcodec

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testBlock(t *testing.T) *Block {
	t.Helper()

	recv, err := DecodeTransaction(tstRecvSerializedTx)
	require.NoError(t, err)

	return &Block{
		Header: wire.BlockHeader{
			Version:    4,
			PrevBlock:  chainhash.DoubleHashH([]byte("parent")),
			MerkleRoot: chainhash.DoubleHashH([]byte("merkle")),
			Timestamp:  time.Unix(1500000000, 0),
			Bits:       0x1d00ffff,
			Nonce:      42,
		},
		Transactions: []*Transaction{recv, testWitnessTx()},
	}
}

func encodeBlock(t *testing.T, blk *Block) []byte {
	t.Helper()

	raw, err := blk.Encode()
	require.NoError(t, err)
	return raw
}

func TestBlockRoundTrip(t *testing.T) {
	t.Parallel()

	blk := testBlock(t)
	raw := encodeBlock(t, blk)

	decoded, err := DecodeBlock(raw)
	require.NoError(t, err)
	require.Equal(t, blk.Hash(), decoded.Hash())
	require.Equal(t, raw, encodeBlock(t, decoded))
	require.Len(t, decoded.Transactions, 2)

	var msgBlock wire.MsgBlock
	require.NoError(t, msgBlock.Deserialize(bytes.NewReader(raw)))
	require.Equal(t, msgBlock.BlockHash(), decoded.Hash())
	require.Len(t, msgBlock.Transactions, len(decoded.Transactions))
	for i, msgTx := range msgBlock.Transactions {
		require.Equal(t, msgTx.TxHash(), decoded.Transactions[i].Hash())
		require.Equal(t, msgTx.WitnessHash(),
			decoded.Transactions[i].WitnessHash())
	}

	require.Equal(t, *tstRecvTxHash, decoded.Transactions[0].Hash())
}

func TestDecodeBlockNoTransactions(t *testing.T) {
	t.Parallel()

	blk := testBlock(t)
	raw := encodeBlock(t, blk)[:HeaderSize]
	raw = append(raw, 0x00)

	_, err := DecodeBlock(raw)
	require.True(t, IsInvalid(err), "%v", err)

	var cerr Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrInvalidBlock, cerr.Code)
}

// TestDecodeTruncatedBlock ensures no prefix of a valid block decodes and no
// partial block is returned.
func TestDecodeTruncatedBlock(t *testing.T) {
	t.Parallel()

	raw := encodeBlock(t, testBlock(t))
	for i := 0; i < len(raw); i++ {
		blk, err := DecodeBlock(raw[:i])
		require.Nil(t, blk)
		require.Error(t, err, "cut at %d", i)
		if i <= HeaderSize {
			require.True(t, IsTruncated(err), "cut at %d: %v", i, err)
		}
	}
}

// TestDecodeBlockBadTransaction ensures an error inside a transaction names
// its position and keeps the codec error reachable.
func TestDecodeBlockBadTransaction(t *testing.T) {
	t.Parallel()

	blk := testBlock(t)
	raw := encodeBlock(t, blk)

	// Overwrite the second transaction's version and witness marker with
	// a version followed by a zero input count and no flag.
	second := HeaderSize + 1 + len(tstRecvSerializedTx)
	raw[second+4] = 0x00
	raw[second+5] = 0x00

	_, err := DecodeBlock(raw)
	require.Error(t, err)
	require.Contains(t, err.Error(), "transaction 1")
	require.True(t, IsInvalid(err), "%v", err)
}
