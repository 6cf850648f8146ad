// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaintest

import (
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletscan/txcodec"
)

var fundingCounter atomic.Uint32

// Output is an amount paid to a script.
type Output struct {
	Script []byte
	Value  int64
}

// PayTo returns a transaction spending an unrelated outpoint and paying the
// given outputs.
func PayTo(outputs ...Output) *txcodec.Transaction {
	n := fundingCounter.Add(1)
	prev := chainhash.DoubleHashH([]byte{byte(n >> 24), byte(n >> 16),
		byte(n >> 8), byte(n)})
	return Spend([]wire.OutPoint{{Hash: prev, Index: 0}}, outputs...)
}

// Spend returns a transaction spending the given outpoints.  An
// anyone-can-spend change output is added when no outputs are given so the
// transaction stays valid.
func Spend(prevOuts []wire.OutPoint, outputs ...Output) *txcodec.Transaction {
	txIn := make([]*txcodec.TxIn, 0, len(prevOuts))
	for _, op := range prevOuts {
		txIn = append(txIn, &txcodec.TxIn{
			PreviousOutPoint: op,
			SignatureScript:  []byte{txscript.OP_TRUE},
			Sequence:         wire.MaxTxInSequenceNum,
		})
	}

	if len(outputs) == 0 {
		outputs = []Output{{Script: []byte{txscript.OP_TRUE}, Value: 1}}
	}
	txOut := make([]*txcodec.TxOut, 0, len(outputs))
	for _, out := range outputs {
		txOut = append(txOut, &txcodec.TxOut{
			Value:    out.Value,
			PkScript: out.Script,
		})
	}

	return txcodec.NewTransaction(2, txIn, txOut, 0)
}
