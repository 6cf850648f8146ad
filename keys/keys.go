// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keys describes the wallet keys a scanner watches: subchains, key
// references and the derivers that supply public keys for each index.
package keys

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrInvalidChild is returned by BalanceElement for an index whose
	// key cannot be derived.  Callers skip the index.
	ErrInvalidChild = errors.New("index derives an invalid key")

	// ErrUnknownSubchain is returned when a deriver is asked about a
	// subchain it does not own.
	ErrUnknownSubchain = errors.New("unknown subchain")
)

// Subchain is a derivation branch of an account that is scanned on its
// own.
type Subchain uint8

const (
	// External is the receive branch of an HD account.
	External Subchain = iota

	// Internal is the change branch of an HD account.
	Internal

	// Imported holds individually imported keys.
	Imported

	// Incoming holds keys a payment code counterparty pays to.
	Incoming

	// Outgoing holds keys this wallet pays to a payment code
	// counterparty with, watched for change and notifications.
	Outgoing
)

var subchainStrs = [...]string{
	External: "external",
	Internal: "internal",
	Imported: "imported",
	Incoming: "incoming",
	Outgoing: "outgoing",
}

// String returns the Subchain as a human-readable name.
func (s Subchain) String() string {
	if int(s) < len(subchainStrs) {
		return subchainStrs[s]
	}
	return fmt.Sprintf("Subchain(%d)", s)
}

// AccountID identifies an account across trees.
type AccountID = chainhash.Hash

// NymID identifies the owner of a balance tree.
type NymID string

// KeyRef identifies the key that owns an output.
type KeyRef struct {
	Account  AccountID
	Subchain Subchain
	Index    uint32
}

// String returns the key path as account/subchain/index.
func (k KeyRef) String() string {
	return fmt.Sprintf("%v/%v/%d", k.Account, k.Subchain, k.Index)
}

// BlockStamp is a block position on the chain.
type BlockStamp struct {
	Height int32
	Hash   chainhash.Hash
}

// String returns the height and hash of the block.
func (b BlockStamp) String() string {
	return fmt.Sprintf("%d (%v)", b.Height, b.Hash)
}

// Deriver supplies the public keys of an account.
type Deriver interface {
	// LastGeneratedIndex returns the highest index the account has
	// generated for the subchain, or None if it has generated none.
	LastGeneratedIndex(sub Subchain) fn.Option[uint32]

	// BalanceElement returns the public key at index.  It returns
	// ErrInvalidChild for indices that have no valid key.
	BalanceElement(sub Subchain, index uint32) (*btcec.PublicKey, error)
}

// FoundReporter is implemented by derivers that extend their lookahead
// once a key is seen on chain.
type FoundReporter interface {
	ReportFound(sub Subchain, index uint32)
}

// UncompressedReporter is implemented by derivers whose keys may have been
// used in their uncompressed serialization.
type UncompressedReporter interface {
	IsUncompressed(sub Subchain, index uint32) bool
}
