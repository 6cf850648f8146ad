// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txcodec

import (
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// minTxInSize is the smallest possible encoded input: outpoint (36),
	// empty script length (1) and sequence (4).
	minTxInSize = 36 + 1 + 4

	// minTxOutSize is the smallest possible encoded output: value (8) and
	// empty script length (1).
	minTxOutSize = 8 + 1

	// witnessMarker and witnessFlag follow the version of a transaction
	// serialized with witness data.
	witnessMarker = 0x00
	witnessFlag   = 0x01
)

// TxIn is a decoded transaction input.
type TxIn struct {
	PreviousOutPoint wire.OutPoint
	SignatureScript  []byte
	Sequence         uint32
	Witness          [][]byte
}

// TxOut is a decoded transaction output.
type TxOut struct {
	Value    int64
	PkScript []byte
}

// Transaction is a decoded transaction.  A Transaction returned by
// DecodeTransaction or DecodeBlock references the buffer it was decoded from
// and must be treated as immutable.
type Transaction struct {
	Version  int32
	TxIn     []*TxIn
	TxOut    []*TxOut
	LockTime uint32

	// raw is the exact byte range consumed while decoding, or nil for
	// transactions built in memory.
	raw []byte

	hashOnce sync.Once
	hash     chainhash.Hash
}

// NewTransaction builds a transaction from its parts.  The returned
// transaction is not validated; Encode followed by DecodeTransaction applies
// the same checks as any other wire data.
func NewTransaction(version int32, txIn []*TxIn, txOut []*TxOut,
	lockTime uint32) *Transaction {

	return &Transaction{
		Version:  version,
		TxIn:     txIn,
		TxOut:    txOut,
		LockTime: lockTime,
	}
}

// HasWitness returns whether any input carries witness data.
func (tx *Transaction) HasWitness() bool {
	for _, in := range tx.TxIn {
		if len(in.Witness) > 0 {
			return true
		}
	}
	return false
}

// Hash returns the transaction id: the double SHA-256 of the transaction
// serialized without witness data.  For decoded legacy transactions this is
// the digest of the exact bytes consumed.  The value is computed once.
func (tx *Transaction) Hash() chainhash.Hash {
	tx.hashOnce.Do(func() {
		if tx.raw != nil && !tx.HasWitness() {
			tx.hash = chainhash.DoubleHashH(tx.raw)
			return
		}
		tx.hash = chainhash.DoubleHashH(tx.encode(nil, false))
	})
	return tx.hash
}

// WitnessHash returns the double SHA-256 of the full serialization,
// including witness data when present.
func (tx *Transaction) WitnessHash() chainhash.Hash {
	if tx.raw != nil {
		return chainhash.DoubleHashH(tx.raw)
	}
	return chainhash.DoubleHashH(tx.Encode())
}

// SerializeSize returns the number of bytes of the full serialization.
func (tx *Transaction) SerializeSize() int {
	if tx.raw != nil {
		return len(tx.raw)
	}
	return len(tx.Encode())
}

// Encode returns the wire serialization of the transaction, with witness
// data if any input has it.
func (tx *Transaction) Encode() []byte {
	if tx.raw != nil {
		b := make([]byte, len(tx.raw))
		copy(b, tx.raw)
		return b
	}
	return tx.encode(nil, tx.HasWitness())
}

func (tx *Transaction) encode(b []byte, witness bool) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(tx.Version))
	if witness {
		b = append(b, witnessMarker, witnessFlag)
	}

	b = AppendCompactSize(b, uint64(len(tx.TxIn)))
	for _, in := range tx.TxIn {
		b = append(b, in.PreviousOutPoint.Hash[:]...)
		b = binary.LittleEndian.AppendUint32(b, in.PreviousOutPoint.Index)
		b = AppendCompactSize(b, uint64(len(in.SignatureScript)))
		b = append(b, in.SignatureScript...)
		b = binary.LittleEndian.AppendUint32(b, in.Sequence)
	}

	b = AppendCompactSize(b, uint64(len(tx.TxOut)))
	for _, out := range tx.TxOut {
		b = binary.LittleEndian.AppendUint64(b, uint64(out.Value))
		b = AppendCompactSize(b, uint64(len(out.PkScript)))
		b = append(b, out.PkScript...)
	}

	if witness {
		for _, in := range tx.TxIn {
			b = AppendCompactSize(b, uint64(len(in.Witness)))
			for _, item := range in.Witness {
				b = AppendCompactSize(b, uint64(len(item)))
				b = append(b, item...)
			}
		}
	}

	return binary.LittleEndian.AppendUint32(b, tx.LockTime)
}

// DecodeTransaction decodes a single transaction from the start of b.  Bytes
// after the transaction are ignored; use SerializeSize to learn how many
// were consumed.
func DecodeTransaction(b []byte) (*Transaction, error) {
	r := reader{buf: b}
	return r.transaction()
}

// reader consumes a buffer front to back.  expected is the total number of
// bytes the decode has committed to reading; it is advanced before every
// read and checked against the buffer length so a read never runs past the
// end of the buffer.
type reader struct {
	buf      []byte
	expected int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.expected
}

func (r *reader) take(n int, field string) ([]byte, error) {
	start := r.expected
	if n < 0 || n > r.remaining() {
		return nil, truncated(field, start+n, len(r.buf))
	}
	r.expected += n
	return r.buf[start:r.expected], nil
}

func (r *reader) uint32(field string) (uint32, error) {
	b, err := r.take(4, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) compactSize(field string) (uint64, error) {
	val, n, err := decodeCompactSize(r.buf[r.expected:], field)
	if err != nil {
		return 0, err
	}
	r.expected += n
	return val, nil
}

// count reads a compact size used as an element count.  Each element needs
// at least one byte, so a count larger than the remaining buffer is
// reported as truncation before anything is allocated for it.
func (r *reader) count(field string) (int, error) {
	n, err := r.compactSize(field)
	if err != nil {
		return 0, err
	}
	if n > uint64(r.remaining()) {
		need := len(r.buf) + 1
		if n <= uint64(len(r.buf)) {
			need = r.expected + int(n)
		}
		return 0, truncated(field, need, len(r.buf))
	}
	return int(n), nil
}

// capFor bounds the capacity preallocated for n elements of at least
// minSize bytes by what the remaining buffer could possibly hold.
func (r *reader) capFor(n, minSize int) int {
	if limit := r.remaining()/minSize + 1; n > limit {
		return limit
	}
	return n
}

// bytes reads a compact size length prefix followed by that many bytes.
func (r *reader) bytes(lenField, field string) ([]byte, error) {
	n, err := r.compactSize(lenField)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.remaining()) {
		need := len(r.buf) + 1
		if n <= uint64(len(r.buf)) {
			need = r.expected + int(n)
		}
		return nil, truncated(field, need, len(r.buf))
	}
	return r.take(int(n), field)
}

func (r *reader) transaction() (*Transaction, error) {
	start := r.expected

	version, err := r.uint32("version")
	if err != nil {
		return nil, err
	}

	numIn, err := r.count("input count")
	if err != nil {
		return nil, err
	}

	// A zero input count is only legal as the marker of a witness
	// serialization, in which case the flag and the real count follow.
	var witness bool
	if numIn == 0 {
		if r.remaining() < 1 || r.buf[r.expected] != witnessFlag {
			return nil, codecError(ErrInvalidTransaction,
				"input count", "transaction has no inputs")
		}
		r.expected++
		witness = true

		numIn, err = r.count("input count")
		if err != nil {
			return nil, err
		}
		if numIn == 0 {
			return nil, codecError(ErrInvalidTransaction,
				"input count", "transaction has no inputs")
		}
	}

	txIn := make([]*TxIn, 0, r.capFor(numIn, minTxInSize))
	for i := 0; i < numIn; i++ {
		in, err := r.txIn()
		if err != nil {
			return nil, err
		}
		txIn = append(txIn, in)
	}

	numOut, err := r.count("output count")
	if err != nil {
		return nil, err
	}
	if numOut == 0 {
		return nil, codecError(ErrInvalidTransaction, "output count",
			"transaction has no outputs")
	}

	txOut := make([]*TxOut, 0, r.capFor(numOut, minTxOutSize))
	for i := 0; i < numOut; i++ {
		out, err := r.txOut()
		if err != nil {
			return nil, err
		}
		txOut = append(txOut, out)
	}

	if witness {
		var items int
		for _, in := range txIn {
			in.Witness, err = r.witness()
			if err != nil {
				return nil, err
			}
			items += len(in.Witness)
		}

		// The txid of a flagged transaction is taken over its
		// stripped encoding, so a flag without witness data would
		// give it two serializations.
		if items == 0 {
			return nil, codecError(ErrInvalidTransaction,
				"witness count", "witness flag set but "+
					"transaction has no witnesses")
		}
	}

	lockTime, err := r.uint32("lock time")
	if err != nil {
		return nil, err
	}

	return &Transaction{
		Version:  int32(version),
		TxIn:     txIn,
		TxOut:    txOut,
		LockTime: lockTime,
		raw:      r.buf[start:r.expected],
	}, nil
}

func (r *reader) txIn() (*TxIn, error) {
	op, err := r.take(chainhash.HashSize+4, "outpoint")
	if err != nil {
		return nil, err
	}

	var in TxIn
	copy(in.PreviousOutPoint.Hash[:], op[:chainhash.HashSize])
	in.PreviousOutPoint.Index = binary.LittleEndian.Uint32(
		op[chainhash.HashSize:],
	)

	in.SignatureScript, err = r.bytes("script length", "script bytes")
	if err != nil {
		return nil, err
	}

	in.Sequence, err = r.uint32("sequence")
	if err != nil {
		return nil, err
	}

	return &in, nil
}

func (r *reader) txOut() (*TxOut, error) {
	v, err := r.take(8, "value")
	if err != nil {
		return nil, err
	}

	pkScript, err := r.bytes("pk script length", "pk script bytes")
	if err != nil {
		return nil, err
	}

	return &TxOut{
		Value:    int64(binary.LittleEndian.Uint64(v)),
		PkScript: pkScript,
	}, nil
}

func (r *reader) witness() ([][]byte, error) {
	n, err := r.count("witness count")
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	items := make([][]byte, 0, r.capFor(n, 1))
	for i := 0; i < n; i++ {
		item, err := r.bytes("witness item length", "witness item")
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
