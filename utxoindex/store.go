// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package utxoindex maps wallet outputs to the keys that own them.  Received
// and spent outputs are kept in two independent ledgers so spend history
// stays queryable.
package utxoindex

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletscan/keys"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// namespaceKey is the top level bucket of the index.
	namespaceKey = []byte("utxoindex")

	bucketUnspent = []byte("u")
	bucketSpent   = []byte("s")
)

// Config holds the dependencies of a Store.
type Config struct {
	// DB persists the index.  A nil DB keeps the index in memory only.
	DB walletdb.DB

	// Clock stamps records that arrive without a receive time.
	Clock clock.Clock
}

// Store is the UTXO index.  All methods are safe for concurrent use;
// Associate is serialized.
type Store struct {
	db    walletdb.DB
	clock clock.Clock

	mu      sync.RWMutex
	unspent map[wire.OutPoint]Record
	spent   map[wire.OutPoint]Record
}

// Open loads the index from cfg.DB, creating its buckets on first use.
func Open(cfg Config) (*Store, error) {
	s := &Store{
		db:      cfg.DB,
		clock:   cfg.Clock,
		unspent: make(map[wire.OutPoint]Record),
		spent:   make(map[wire.OutPoint]Record),
	}
	if s.clock == nil {
		s.clock = clock.NewDefaultClock()
	}
	if s.db == nil {
		return s, nil
	}

	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(namespaceKey)
		if err != nil {
			return err
		}
		if _, err := ns.CreateBucketIfNotExists(bucketUnspent); err != nil {
			return err
		}
		_, err = ns.CreateBucketIfNotExists(bucketSpent)
		return err
	})
	if err != nil {
		return nil, indexError(ErrDatabase, "create buckets", err)
	}

	err = walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		if err := loadBucket(ns.NestedReadBucket(bucketUnspent),
			s.unspent); err != nil {

			return err
		}
		return loadBucket(ns.NestedReadBucket(bucketSpent), s.spent)
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Loaded UTXO index: %d unspent, %d spent records",
		len(s.unspent), len(s.spent))

	return s, nil
}

func loadBucket(b walletdb.ReadBucket, m map[wire.OutPoint]Record) error {
	return b.ForEach(func(k, v []byte) error {
		r, err := decodeRecord(k, v)
		if err != nil {
			return err
		}
		m[r.OutPoint] = r
		return nil
	})
}

// validate checks every association precondition without touching the
// index.
func (s *Store) validate(unspent, spent []Record) error {
	created := make(map[wire.OutPoint]struct{}, len(unspent))
	for i := range unspent {
		r := &unspent[i]
		if _, ok := created[r.OutPoint]; ok {
			return indexError(ErrDuplicateOutPoint, fmt.Sprintf(
				"outpoint %v received twice in batch",
				r.OutPoint), nil)
		}
		created[r.OutPoint] = struct{}{}

		if r.Amount <= 0 {
			return indexError(ErrInvalidAmount, fmt.Sprintf(
				"outpoint %v has amount %v", r.OutPoint,
				r.Amount), nil)
		}
	}

	seen := make(map[wire.OutPoint]struct{}, len(spent))
	for i := range spent {
		r := &spent[i]
		if _, ok := seen[r.OutPoint]; ok {
			return indexError(ErrDuplicateOutPoint, fmt.Sprintf(
				"outpoint %v spent twice in batch",
				r.OutPoint), nil)
		}
		seen[r.OutPoint] = struct{}{}

		if r.Amount <= 0 {
			return indexError(ErrInvalidAmount, fmt.Sprintf(
				"outpoint %v has amount %v", r.OutPoint,
				r.Amount), nil)
		}

		_, known := s.unspent[r.OutPoint]
		_, sameBatch := created[r.OutPoint]
		if !known && !sameBatch {
			return indexError(ErrUnknownSpend, fmt.Sprintf(
				"outpoint %v spent but never received",
				r.OutPoint), nil)
		}
	}

	return nil
}

// Associate records a batch of received and spent outputs atomically.
// When any precondition fails the whole batch is rejected and nothing is
// written.  Re-associating a record already in the index replaces it.
func (s *Store) Associate(unspent, spent []Record) error {
	if len(unspent) == 0 && len(spent) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validate(unspent, spent); err != nil {
		return err
	}

	now := s.clock.Now()
	stamp := func(batch []Record) []Record {
		out := make([]Record, len(batch))
		copy(out, batch)
		for i := range out {
			if out[i].Received.IsZero() {
				out[i].Received = now
			}
		}
		return out
	}
	unspent, spent = stamp(unspent), stamp(spent)

	if s.db != nil {
		err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
			ns := tx.ReadWriteBucket(namespaceKey)
			if err := putRecords(
				ns.NestedReadWriteBucket(bucketUnspent), unspent,
			); err != nil {
				return err
			}
			return putRecords(
				ns.NestedReadWriteBucket(bucketSpent), spent,
			)
		})
		if err != nil {
			return indexError(ErrDatabase, "associate", err)
		}
	}

	for _, r := range unspent {
		s.unspent[r.OutPoint] = r
	}
	for _, r := range spent {
		s.spent[r.OutPoint] = r
	}

	log.Debugf("Associated %d received and %d spent outputs",
		len(unspent), len(spent))

	return nil
}

func putRecords(b walletdb.ReadWriteBucket, records []Record) error {
	for i := range records {
		r := &records[i]
		if err := b.Put(canonicalOutPoint(&r.OutPoint),
			encodeRecord(r)); err != nil {

			return err
		}
	}
	return nil
}

// LookupUTXO returns the received record of an outpoint.
func (s *Store) LookupUTXO(op wire.OutPoint) fn.Option[Record] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.unspent[op]; ok {
		return fn.Some(r)
	}
	return fn.None[Record]()
}

// LookupSpent returns the spent record of an outpoint.
func (s *Store) LookupSpent(op wire.OutPoint) fn.Option[Record] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.spent[op]; ok {
		return fn.Some(r)
	}
	return fn.None[Record]()
}

// IsSpent returns whether an outpoint has a spent record.
func (s *Store) IsSpent(op wire.OutPoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.spent[op]
	return ok
}

// Rollback removes every record mined above height from both ledgers and
// returns how many were removed.  It reverses the effect of blocks a reorg
// disconnected.
func (s *Store) Rollback(height int32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unspent, spent []wire.OutPoint
	for op, r := range s.unspent {
		if r.Block.Height > height {
			unspent = append(unspent, op)
		}
	}
	for op, r := range s.spent {
		if r.Block.Height > height {
			spent = append(spent, op)
		}
	}
	if len(unspent) == 0 && len(spent) == 0 {
		return 0, nil
	}

	if s.db != nil {
		err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
			ns := tx.ReadWriteBucket(namespaceKey)
			u := ns.NestedReadWriteBucket(bucketUnspent)
			for i := range unspent {
				if err := u.Delete(canonicalOutPoint(&unspent[i])); err != nil {
					return err
				}
			}
			sp := ns.NestedReadWriteBucket(bucketSpent)
			for i := range spent {
				if err := sp.Delete(canonicalOutPoint(&spent[i])); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, indexError(ErrDatabase, "rollback", err)
		}
	}

	for _, op := range unspent {
		delete(s.unspent, op)
	}
	for _, op := range spent {
		delete(s.spent, op)
	}

	log.Infof("Rolled back %d received and %d spent outputs above "+
		"height %d", len(unspent), len(spent), height)

	return len(unspent) + len(spent), nil
}

// Filter selects records.
type Filter func(Record) bool

// ByAccount selects the records of one account.
func ByAccount(id keys.AccountID) Filter {
	return func(r Record) bool {
		return r.Key.Account == id
	}
}

// ByAccounts selects the records of any of the given accounts.
func ByAccounts(ids ...keys.AccountID) Filter {
	set := make(map[keys.AccountID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(r Record) bool {
		_, ok := set[r.Key.Account]
		return ok
	}
}

// Unspent returns the received outputs matching filter that have no spent
// record, ordered by height then outpoint.  A nil filter selects all.
func (s *Store) Unspent(filter Filter) []Record {
	s.mu.RLock()
	var out []Record
	for op, r := range s.unspent {
		if _, ok := s.spent[op]; ok {
			continue
		}
		if filter == nil || filter(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Block.Height != b.Block.Height {
			return a.Block.Height < b.Block.Height
		}
		if c := bytes.Compare(a.OutPoint.Hash[:], b.OutPoint.Hash[:]); c != 0 {
			return c < 0
		}
		return a.OutPoint.Index < b.OutPoint.Index
	})
	return out
}

// Balance sums the unspent outputs matching filter.
func (s *Store) Balance(filter Filter) btcutil.Amount {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total btcutil.Amount
	for op, r := range s.unspent {
		if _, ok := s.spent[op]; ok {
			continue
		}
		if filter == nil || filter(r) {
			total += r.Amount
		}
	}
	return total
}

// OutPoints returns the outpoints of the unspent outputs matching filter.
func (s *Store) OutPoints(filter Filter) []wire.OutPoint {
	records := s.Unspent(filter)
	ops := make([]wire.OutPoint, len(records))
	for i, r := range records {
		ops[i] = r.OutPoint
	}
	return ops
}

// Drop removes every record of the index stored in db.  It must not be
// called while a Store is open on db.
func Drop(tx walletdb.ReadWriteTx) error {
	err := tx.DeleteTopLevelBucket(namespaceKey)
	if err != nil && !errors.Is(err, walletdb.ErrBucketNotFound) {
		return indexError(ErrDatabase, "drop index", err)
	}
	return nil
}
