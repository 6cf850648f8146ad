// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletscan/keys"
	"github.com/btcsuite/walletscan/scriptclass"
	"github.com/lightningnetwork/lnd/fn/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// scanStateNamespaceKey is the top level bucket holding one nested
	// bucket per subchain, keyed by account id and subchain.
	scanStateNamespaceKey = []byte("scanstate")

	cursorKey     = []byte("cursor")
	watchedBucket = []byte("watched")

	errCorruptState = errors.New("corrupt scan state")
)

// Cursor is the progress of a subchain scan.
type Cursor struct {
	// NextIndex is the first derivation index not yet indexed.
	NextIndex uint32

	// LastScanned is the highest block whose filter was tested, or None
	// if nothing was scanned.
	LastScanned fn.Option[keys.BlockStamp]
}

// LastIndexed returns the highest indexed derivation index.
func (c Cursor) LastIndexed() fn.Option[uint32] {
	if c.NextIndex == 0 {
		return fn.None[uint32]()
	}
	return fn.Some(c.NextIndex - 1)
}

// String describes the indexing and scan progress.
func (c Cursor) String() string {
	scanned := fn.MapOption(func(bs keys.BlockStamp) string {
		return bs.String()
	})(c.LastScanned).UnwrapOr("none")
	return fmt.Sprintf("next index %d, last scanned %s", c.NextIndex,
		scanned)
}

// Cursor field numbers.
const (
	fieldNextIndex     protowire.Number = 1
	fieldScannedHeight protowire.Number = 2
	fieldScannedHash   protowire.Number = 3
)

// Watched element field numbers.
const (
	fieldElement  protowire.Number = 1
	fieldTemplate protowire.Number = 1
	fieldScript   protowire.Number = 2
)

func encodeCursor(c Cursor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldNextIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.NextIndex))
	c.LastScanned.WhenSome(func(bs keys.BlockStamp) {
		b = protowire.AppendTag(b, fieldScannedHeight,
			protowire.VarintType)
		b = protowire.AppendVarint(b,
			protowire.EncodeZigZag(int64(bs.Height)))
		b = protowire.AppendTag(b, fieldScannedHash,
			protowire.BytesType)
		b = protowire.AppendBytes(b, bs.Hash[:])
	})
	return b
}

func decodeCursor(b []byte) (Cursor, error) {
	var (
		c         Cursor
		scanned   keys.BlockStamp
		hasHeight bool
		hasHash   bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldNextIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			b = b[n:]
			c.NextIndex = uint32(v)

		case num == fieldScannedHeight && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			b = b[n:]
			scanned.Height = int32(protowire.DecodeZigZag(v))
			hasHeight = true

		case num == fieldScannedHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			b = b[n:]
			if len(v) != chainhash.HashSize {
				return c, fmt.Errorf("%w: scanned hash is %d "+
					"bytes", errCorruptState, len(v))
			}
			copy(scanned.Hash[:], v)
			hasHash = true

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if hasHeight && hasHash {
		c.LastScanned = fn.Some(scanned)
	}
	return c, nil
}

func encodeWatched(elems []scriptclass.Watched) []byte {
	var b []byte
	for _, e := range elems {
		var m []byte
		m = protowire.AppendTag(m, fieldTemplate, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(e.Template))
		m = protowire.AppendTag(m, fieldScript, protowire.BytesType)
		m = protowire.AppendBytes(m, e.Script)

		b = protowire.AppendTag(b, fieldElement, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func decodeWatchedElement(m []byte) (scriptclass.Watched, error) {
	var e scriptclass.Watched
	for len(m) > 0 {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		m = m[n:]

		switch {
		case num == fieldTemplate && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			m = m[n:]
			e.Template = scriptclass.Template(v)

		case num == fieldScript && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			m = m[n:]
			e.Script = append([]byte(nil), v...)

		default:
			n := protowire.ConsumeFieldValue(num, typ, m)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			m = m[n:]
		}
	}
	return e, nil
}

func decodeWatched(b []byte) ([]scriptclass.Watched, error) {
	var elems []scriptclass.Watched
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num != fieldElement || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		m, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		e, err := decodeWatchedElement(m)
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	return elems, nil
}

// subchainKey returns the bucket key of a subchain.
func subchainKey(account keys.AccountID, sub keys.Subchain) []byte {
	k := make([]byte, chainhash.HashSize+1)
	copy(k, account[:])
	k[chainhash.HashSize] = byte(sub)
	return k
}

func indexKey(index uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], index)
	return k[:]
}

// StateStore persists scan cursors and watched elements.
type StateStore struct {
	db walletdb.DB
}

// NewStateStore creates the scan state bucket if needed.
func NewStateStore(db walletdb.DB) (*StateStore, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(scanStateNamespaceKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &StateStore{db: db}, nil
}

// Load returns the saved cursor and watched elements of a subchain.  A
// subchain never saved loads as a zero cursor with no elements.
func (s *StateStore) Load(account keys.AccountID,
	sub keys.Subchain) (Cursor, map[uint32][]scriptclass.Watched, error) {

	var (
		cursor  Cursor
		watched = make(map[uint32][]scriptclass.Watched)
	)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(scanStateNamespaceKey)
		b := ns.NestedReadBucket(subchainKey(account, sub))
		if b == nil {
			return nil
		}

		if v := b.Get(cursorKey); v != nil {
			var err error
			cursor, err = decodeCursor(v)
			if err != nil {
				return fmt.Errorf("cursor: %w", err)
			}
		}

		wb := b.NestedReadBucket(watchedBucket)
		if wb == nil {
			return nil
		}
		return wb.ForEach(func(k, v []byte) error {
			if len(k) != 4 {
				return fmt.Errorf("%w: index key is %d bytes",
					errCorruptState, len(k))
			}
			elems, err := decodeWatched(v)
			if err != nil {
				return fmt.Errorf("index %d: %w",
					binary.BigEndian.Uint32(k), err)
			}
			watched[binary.BigEndian.Uint32(k)] = elems
			return nil
		})
	})
	return cursor, watched, err
}

// Save writes a subchain's cursor together with newly watched elements in
// one transaction.
func (s *StateStore) Save(account keys.AccountID, sub keys.Subchain,
	cursor Cursor, added map[uint32][]scriptclass.Watched) error {

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(scanStateNamespaceKey)
		b, err := ns.CreateBucketIfNotExists(subchainKey(account, sub))
		if err != nil {
			return err
		}
		if err := b.Put(cursorKey, encodeCursor(cursor)); err != nil {
			return err
		}
		if len(added) == 0 {
			return nil
		}

		wb, err := b.CreateBucketIfNotExists(watchedBucket)
		if err != nil {
			return err
		}
		for index, elems := range added {
			err := wb.Put(indexKey(index), encodeWatched(elems))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetScanState clears the last scanned block of every saved subchain so
// the next scan starts from the beginning of the chain.  Watched elements
// and derivation progress are kept.  It returns the number of subchains
// reset.
func ResetScanState(tx walletdb.ReadWriteTx) (int, error) {
	ns := tx.ReadWriteBucket(scanStateNamespaceKey)
	if ns == nil {
		return 0, nil
	}

	var subchains [][]byte
	err := ns.ForEach(func(k, v []byte) error {
		// Only nested buckets are stored at the top level.
		if v == nil {
			subchains = append(subchains, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, k := range subchains {
		b := ns.NestedReadWriteBucket(k)
		cursor := Cursor{}
		if v := b.Get(cursorKey); v != nil {
			cursor, err = decodeCursor(v)
			if err != nil {
				return 0, fmt.Errorf("cursor %x: %w", k, err)
			}
		}
		cursor.LastScanned = fn.None[keys.BlockStamp]()
		if err := b.Put(cursorKey, encodeCursor(cursor)); err != nil {
			return 0, err
		}
	}
	return len(subchains), nil
}
