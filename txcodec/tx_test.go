// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txcodec

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

// A mainnet transaction paying to two pay-to-pubkey-hash outputs.
//
// 61d3696de4c888730cbe06b0ad8ecb6d72d6108e893895aa9bc067bd7eba3fad
var (
	tstRecvSerializedTx, _ = hex.DecodeString("010000000114d9ff358894c486b4ae11c2a8cf7851b1df64c53d2e511278eff17c22fb7373000000008c493046022100995447baec31ee9f6d4ec0e05cb2a44f6b817a99d5f6de167d1c75354a946410022100c9ffc23b64d770b0e01e7ff4d25fbc2f1ca8091053078a247905c39fce3760b601410458b8e267add3c1e374cf40f1de02b59213a82e1d84c2b94096e22e2f09387009c96debe1d0bcb2356ffdcf65d2a83d4b34e72c62eccd8490dbf2110167783b2bffffffff0280969800000000001976a914479ed307831d0ac19ebc5f63de7d5f1a430ddb9d88ac38bfaa00000000001976a914dadf9e3484f28b385ddeaa6c575c0c0d18e9788a88ac00000000")
	tstRecvTxHash, _       = chainhash.NewHashFromStr("61d3696de4c888730cbe06b0ad8ecb6d72d6108e893895aa9bc067bd7eba3fad")
)

// requireSameAsWire decodes raw with the wire package and checks every
// field against tx.
func requireSameAsWire(t *testing.T, raw []byte, tx *Transaction) {
	t.Helper()

	var msgTx wire.MsgTx
	require.NoError(t, msgTx.Deserialize(bytes.NewReader(raw)))

	require.Equal(t, msgTx.Version, tx.Version)
	require.Equal(t, msgTx.LockTime, tx.LockTime)
	require.Len(t, tx.TxIn, len(msgTx.TxIn))
	require.Len(t, tx.TxOut, len(msgTx.TxOut))
	for i, in := range msgTx.TxIn {
		require.Equal(t, in.PreviousOutPoint, tx.TxIn[i].PreviousOutPoint)
		require.Equal(t, in.SignatureScript, tx.TxIn[i].SignatureScript)
		require.Equal(t, in.Sequence, tx.TxIn[i].Sequence)
		require.Equal(t, len(in.Witness), len(tx.TxIn[i].Witness))
		for j, item := range in.Witness {
			require.Equal(t, item, tx.TxIn[i].Witness[j])
		}
	}
	for i, out := range msgTx.TxOut {
		require.Equal(t, out.Value, tx.TxOut[i].Value)
		require.Equal(t, out.PkScript, tx.TxOut[i].PkScript)
	}
	require.Equal(t, msgTx.TxHash(), tx.Hash())
	require.Equal(t, msgTx.WitnessHash(), tx.WitnessHash())
}

func TestDecodeMainnetTransaction(t *testing.T) {
	t.Parallel()

	tx, err := DecodeTransaction(tstRecvSerializedTx)
	require.NoError(t, err)

	require.Equal(t, *tstRecvTxHash, tx.Hash())
	require.Equal(t, len(tstRecvSerializedTx), tx.SerializeSize())
	require.Equal(t, tstRecvSerializedTx, tx.Encode())
	require.Equal(t, int64(10000000), tx.TxOut[0].Value)
	requireSameAsWire(t, tstRecvSerializedTx, tx)

	// The id is cached; asking twice returns the same value.
	require.Equal(t, tx.Hash(), tx.Hash())
}

// TestDecodeIgnoresTrailingBytes ensures the decoder only consumes the
// transaction and reports the consumed length.
func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	t.Parallel()

	buf := append(append([]byte{}, tstRecvSerializedTx...), 0xde, 0xad)
	tx, err := DecodeTransaction(buf)
	require.NoError(t, err)
	require.Equal(t, len(tstRecvSerializedTx), tx.SerializeSize())
	require.Equal(t, *tstRecvTxHash, tx.Hash())
}

// TestDecodeTruncatedTransaction cuts a valid transaction at every offset and
// expects a truncation error each time, never a panic.
func TestDecodeTruncatedTransaction(t *testing.T) {
	t.Parallel()

	for i := 0; i < len(tstRecvSerializedTx); i++ {
		tx, err := DecodeTransaction(tstRecvSerializedTx[:i])
		require.Nil(t, tx)
		require.True(t, IsTruncated(err), "cut at %d: %v", i, err)
	}
}

func testWitnessTx() *Transaction {
	prev := chainhash.DoubleHashH([]byte("prev"))
	return NewTransaction(2,
		[]*TxIn{
			{
				PreviousOutPoint: wire.OutPoint{Hash: prev, Index: 1},
				Sequence:         wire.MaxTxInSequenceNum,
				Witness: [][]byte{
					bytes.Repeat([]byte{0x30}, 71),
					bytes.Repeat([]byte{0x02}, 33),
				},
			},
			{
				PreviousOutPoint: wire.OutPoint{Hash: prev, Index: 2},
				SignatureScript:  []byte{0x51},
				Sequence:         7,
			},
		},
		[]*TxOut{
			{Value: 5000, PkScript: bytes.Repeat([]byte{0x00}, 22)},
			{Value: 1, PkScript: nil},
		},
		500000,
	)
}

func TestWitnessRoundTrip(t *testing.T) {
	t.Parallel()

	orig := testWitnessTx()
	raw := orig.Encode()

	tx, err := DecodeTransaction(raw)
	require.NoError(t, err, spew.Sdump(raw))
	require.True(t, tx.HasWitness())
	require.Equal(t, raw, tx.Encode())
	require.Equal(t, orig.Hash(), tx.Hash())
	require.NotEqual(t, tx.Hash(), tx.WitnessHash())
	requireSameAsWire(t, raw, tx)

	for i := 0; i < len(raw); i++ {
		_, err := DecodeTransaction(raw[:i])
		require.Error(t, err, "cut at %d", i)
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	t.Parallel()

	orig := testWitnessTx()
	for _, in := range orig.TxIn {
		in.Witness = nil
	}
	raw := orig.Encode()

	tx, err := DecodeTransaction(raw)
	require.NoError(t, err)
	require.False(t, tx.HasWitness())
	require.Equal(t, orig.Version, tx.Version)
	require.Equal(t, orig.LockTime, tx.LockTime)
	require.Len(t, tx.TxIn, 2)
	require.Len(t, tx.TxOut, 2)
	for i := range orig.TxIn {
		require.Equal(t, orig.TxIn[i].PreviousOutPoint,
			tx.TxIn[i].PreviousOutPoint)
		require.Equal(t, orig.TxIn[i].Sequence, tx.TxIn[i].Sequence)
		require.Equal(t, len(orig.TxIn[i].SignatureScript),
			len(tx.TxIn[i].SignatureScript))
	}
	for i := range orig.TxOut {
		require.Equal(t, orig.TxOut[i].Value, tx.TxOut[i].Value)
		require.Equal(t, len(orig.TxOut[i].PkScript),
			len(tx.TxOut[i].PkScript))
	}
	require.Equal(t, orig.Hash(), tx.Hash())
	require.Equal(t, tx.Hash(), tx.WitnessHash())
	requireSameAsWire(t, raw, tx)
}

func TestDecodeInvalidTransaction(t *testing.T) {
	t.Parallel()

	// Version followed by a zero input count and no witness flag.
	noInputs := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	_, err := DecodeTransaction(noInputs)
	require.True(t, IsInvalid(err), "%v", err)
	require.False(t, IsTruncated(err))

	// A transaction with inputs but no outputs.
	noOutputs := testWitnessTx()
	noOutputs.TxOut = nil
	for _, in := range noOutputs.TxIn {
		in.Witness = nil
	}
	_, err = DecodeTransaction(noOutputs.Encode())
	require.True(t, IsInvalid(err), "%v", err)

	var cerr Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrInvalidTransaction, cerr.Code)
	require.Equal(t, "output count", cerr.Field)
}

// TestDecodeEmptyWitnessFlag ensures a witness serialization carrying no
// witness items is rejected.
func TestDecodeEmptyWitnessFlag(t *testing.T) {
	t.Parallel()

	orig := testWitnessTx()
	for _, in := range orig.TxIn {
		in.Witness = nil
	}
	legacy := orig.Encode()

	var raw []byte
	raw = append(raw, legacy[:4]...)
	raw = append(raw, 0x00, 0x01)
	raw = append(raw, legacy[4:len(legacy)-4]...)
	for range orig.TxIn {
		raw = append(raw, 0x00)
	}
	raw = append(raw, legacy[len(legacy)-4:]...)

	var msg wire.MsgTx
	require.Error(t, msg.Deserialize(bytes.NewReader(raw)))

	_, err := DecodeTransaction(raw)
	require.True(t, IsInvalid(err), "%v", err)

	var cerr Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrInvalidTransaction, cerr.Code)
	require.Equal(t, "witness count", cerr.Field)
}

// TestDecodeHostileCount ensures an enormous declared count is rejected as
// truncation without attempting to allocate for it.
func TestDecodeHostileCount(t *testing.T) {
	t.Parallel()

	raw := []byte{0x01, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0x7f}
	_, err := DecodeTransaction(raw)
	require.True(t, IsTruncated(err), "%v", err)

	var cerr Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "input count", cerr.Field)
}

func TestTruncatedFieldNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cut   int
		field string
	}{
		{cut: 2, field: "version"},
		{cut: 4, field: "input count"},
		{cut: 20, field: "outpoint"},
		{cut: 41, field: "script length"},
		{cut: 60, field: "script bytes"},
		{cut: len(tstRecvSerializedTx) - 4, field: "lock time"},
	}
	for _, test := range tests {
		_, err := DecodeTransaction(tstRecvSerializedTx[:test.cut])

		var cerr Error
		require.ErrorAs(t, err, &cerr, "cut %d", test.cut)
		require.Equal(t, ErrTruncatedInput, cerr.Code)
		require.Equal(t, test.field, cerr.Field, "cut %d", test.cut)
	}
}
