// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package utxoindex

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletscan/keys"
	"google.golang.org/protobuf/encoding/protowire"
)

// Record ties an output to the wallet key that owns it.
type Record struct {
	OutPoint wire.OutPoint
	Key      keys.KeyRef
	Amount   btcutil.Amount
	Block    keys.BlockStamp
	Received time.Time
}

// Big endian is the preferred key byte order so records sort by outpoint.
var byteOrder = binary.BigEndian

// Record field numbers.  Numbers are never reused.
const (
	fieldAccount  protowire.Number = 1
	fieldSubchain protowire.Number = 2
	fieldIndex    protowire.Number = 3
	fieldAmount   protowire.Number = 4
	fieldHeight   protowire.Number = 5
	fieldHash     protowire.Number = 6
	fieldReceived protowire.Number = 7
)

// canonicalOutPoint returns the 36 byte database key of an outpoint.
func canonicalOutPoint(op *wire.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.Hash[:])
	byteOrder.PutUint32(k[32:36], op.Index)
	return k
}

func readCanonicalOutPoint(k []byte, op *wire.OutPoint) error {
	if len(k) != 36 {
		return indexError(ErrData, fmt.Sprintf("outpoint key is %d "+
			"bytes, expected 36", len(k)), nil)
	}
	copy(op.Hash[:], k[:32])
	op.Index = byteOrder.Uint32(k[32:36])
	return nil
}

// encodeRecord serializes everything but the outpoint, which is the key.
func encodeRecord(r *Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldAccount, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Key.Account[:])
	b = protowire.AppendTag(b, fieldSubchain, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Key.Subchain))
	b = protowire.AppendTag(b, fieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Key.Index))
	b = protowire.AppendTag(b, fieldAmount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Amount))
	b = protowire.AppendTag(b, fieldHeight, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.Block.Height)))
	b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Block.Hash[:])
	if !r.Received.IsZero() {
		b = protowire.AppendTag(b, fieldReceived, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Received.UnixNano()))
	}
	return b
}

func decodeHash(field string, v []byte, h *chainhash.Hash) error {
	if len(v) != chainhash.HashSize {
		return indexError(ErrData, fmt.Sprintf("%s is %d bytes", field,
			len(v)), nil)
	}
	copy(h[:], v)
	return nil
}

// decodeRecord parses a serialized record.  Unknown fields are skipped.
func decodeRecord(k, v []byte) (Record, error) {
	var r Record
	if err := readCanonicalOutPoint(k, &r.OutPoint); err != nil {
		return r, err
	}

	for len(v) > 0 {
		num, typ, n := protowire.ConsumeTag(v)
		if n < 0 {
			return r, indexError(ErrData, "malformed record tag",
				protowire.ParseError(n))
		}
		v = v[n:]

		switch {
		case num == fieldAccount && typ == protowire.BytesType,
			num == fieldHash && typ == protowire.BytesType:

			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return r, indexError(ErrData, "malformed hash",
					protowire.ParseError(n))
			}
			v = v[n:]

			dst, field := &r.Key.Account, "account"
			if num == fieldHash {
				dst, field = &r.Block.Hash, "block hash"
			}
			if err := decodeHash(field, val, dst); err != nil {
				return r, err
			}

		case typ == protowire.VarintType && num >= fieldSubchain &&
			num <= fieldReceived:

			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return r, indexError(ErrData, "malformed varint",
					protowire.ParseError(n))
			}
			v = v[n:]

			switch num {
			case fieldSubchain:
				r.Key.Subchain = keys.Subchain(val)
			case fieldIndex:
				r.Key.Index = uint32(val)
			case fieldAmount:
				r.Amount = btcutil.Amount(val)
			case fieldHeight:
				r.Block.Height = int32(protowire.DecodeZigZag(val))
			case fieldReceived:
				r.Received = time.Unix(0, int64(val))
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, v)
			if n < 0 {
				return r, indexError(ErrData, "malformed field",
					protowire.ParseError(n))
			}
			v = v[n:]
		}
	}

	return r, nil
}
