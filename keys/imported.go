// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ImportedKeys is a Deriver over individually imported public keys.  Keys
// are indexed in import order.
type ImportedKeys struct {
	id AccountID

	mu   sync.RWMutex
	keys []importedKey
}

type importedKey struct {
	key          *btcec.PublicKey
	uncompressed bool
}

// NewImportedKeys returns an empty set of imported keys.
func NewImportedKeys(id AccountID) *ImportedKeys {
	return &ImportedKeys{id: id}
}

// ID returns the account the keys belong to.
func (k *ImportedKeys) ID() AccountID {
	return k.id
}

// Import appends a key and returns its index.
func (k *ImportedKeys) Import(key *btcec.PublicKey) uint32 {
	return k.add(importedKey{key: key})
}

// ImportUncompressed appends a key that was used in its uncompressed
// serialization and returns its index.
func (k *ImportedKeys) ImportUncompressed(key *btcec.PublicKey) uint32 {
	return k.add(importedKey{key: key, uncompressed: true})
}

func (k *ImportedKeys) add(key importedKey) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.keys = append(k.keys, key)
	return uint32(len(k.keys) - 1)
}

// IsUncompressed returns whether the key at index was imported
// uncompressed.
func (k *ImportedKeys) IsUncompressed(sub Subchain, index uint32) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return sub == Imported && int(index) < len(k.keys) &&
		k.keys[index].uncompressed
}

// LastGeneratedIndex returns the index of the most recent import.
func (k *ImportedKeys) LastGeneratedIndex(sub Subchain) fn.Option[uint32] {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if sub != Imported || len(k.keys) == 0 {
		return fn.None[uint32]()
	}
	return fn.Some(uint32(len(k.keys) - 1))
}

// BalanceElement returns the imported key at index.
func (k *ImportedKeys) BalanceElement(sub Subchain,
	index uint32) (*btcec.PublicKey, error) {

	k.mu.RLock()
	defer k.mu.RUnlock()

	if sub != Imported {
		return nil, ErrUnknownSubchain
	}
	if int(index) >= len(k.keys) {
		return nil, ErrInvalidChild
	}
	return k.keys[index].key, nil
}
