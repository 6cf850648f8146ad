// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/walletscan/keys"
	"github.com/btcsuite/walletscan/utxoindex"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrAccountNotFound is returned when no tree holds an account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when adding an account id that is
	// already in use.
	ErrAccountExists = errors.New("account already exists")

	// ErrNotImported is returned when importing a key into an account
	// that does not hold imported keys.
	ErrNotImported = errors.New("account does not hold imported keys")
)

// AccountKind is the way an account derives its keys.
type AccountKind uint8

const (
	// AccountHD derives keys from an extended public key.
	AccountHD AccountKind = iota

	// AccountImported holds individually imported keys.
	AccountImported

	// AccountPaymentCode holds keys shared with a payment code
	// counterparty.
	AccountPaymentCode
)

// String returns the AccountKind as a human-readable name.
func (k AccountKind) String() string {
	switch k {
	case AccountHD:
		return "hd"
	case AccountImported:
		return "imported"
	case AccountPaymentCode:
		return "payment code"
	}
	return "unknown"
}

// Account is a set of keys scanned for on one chain, with one scan state
// per subchain.
type Account struct {
	id      keys.AccountID
	kind    AccountKind
	nym     keys.NymID
	deriver keys.Deriver
	index   *utxoindex.Store
	scanner *Scanner

	states []*SubchainState
}

// ID returns the account id.
func (a *Account) ID() keys.AccountID {
	return a.id
}

// Kind returns how the account derives keys.
func (a *Account) Kind() AccountKind {
	return a.kind
}

// Nym returns the owner of the tree holding the account.
func (a *Account) Nym() keys.NymID {
	return a.nym
}

// Deriver returns the account's key source.
func (a *Account) Deriver() keys.Deriver {
	return a.deriver
}

// State returns the scan state of a subchain.
func (a *Account) State(sub keys.Subchain) fn.Option[*SubchainState] {
	for _, s := range a.states {
		if s.Subchain() == sub {
			return fn.Some(s)
		}
	}
	return fn.None[*SubchainState]()
}

// Statuses returns the scan status of every subchain.
func (a *Account) Statuses() []Status {
	statuses := make([]Status, len(a.states))
	for i, s := range a.states {
		statuses[i] = s.Status()
	}
	return statuses
}

// Balance returns the sum of the account's unspent outputs.
func (a *Account) Balance() btcutil.Amount {
	return a.index.Balance(utxoindex.ByAccount(a.id))
}

// Unspent returns the account's unspent outputs.
func (a *Account) Unspent() []utxoindex.Record {
	return a.index.Unspent(utxoindex.ByAccount(a.id))
}

// Import adds a key to an imported account, rescans the chain for it from
// the start and wakes the scanner.  It returns the key's index.
func (a *Account) Import(key *btcec.PublicKey) (uint32, error) {
	return a.importKey(func(imported *keys.ImportedKeys) uint32 {
		return imported.Import(key)
	})
}

// ImportUncompressed is like Import for a key whose uncompressed
// serialization was used.  Payments to both serializations are found.
func (a *Account) ImportUncompressed(key *btcec.PublicKey) (uint32, error) {
	return a.importKey(func(imported *keys.ImportedKeys) uint32 {
		return imported.ImportUncompressed(key)
	})
}

func (a *Account) importKey(add func(*keys.ImportedKeys) uint32) (uint32,
	error) {

	imported, ok := a.deriver.(*keys.ImportedKeys)
	if !ok {
		return 0, ErrNotImported
	}

	index := add(imported)
	log.Infof("Imported key %d into account %v", index, a.id)

	for _, s := range a.states {
		s.RequestRescan(fn.None[keys.BlockStamp]())
	}

	if a.scanner != nil {
		a.scanner.Notify()
	}
	return index, nil
}

func (a *Account) stop() {
	for _, s := range a.states {
		s.Stop()
	}
}
