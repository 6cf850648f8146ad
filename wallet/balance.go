// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletscan/chain"
	"github.com/btcsuite/walletscan/keys"
	"github.com/btcsuite/walletscan/utxoindex"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Config holds the per-chain dependencies of a balance list.
type Config struct {
	Chain       chain.Interface
	ChainParams *chaincfg.Params
	Index       *utxoindex.Store

	// Filters overrides the filter oracle of Chain, typically with a
	// chain.FilterCache.  Optional.
	Filters chain.FilterOracle

	// Scanner receives the subchains of new accounts.  Optional.
	Scanner *Scanner

	// Store persists scan progress.  Optional.
	Store *StateStore

	// Metrics is optional.
	Metrics *Metrics

	FilterType   wire.FilterType
	BatchSize    int32
	RescanWindow int32
}

// chainContext is shared by every tree of a list.  It records which nym
// owns each account so lookups resolve through the list rather than
// through pointers back up the hierarchy.
type chainContext struct {
	cfg Config

	mu     sync.Mutex
	owners map[keys.AccountID]keys.NymID
}

func (c *chainContext) claim(id keys.AccountID, nym keys.NymID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, ok := c.owners[id]; ok {
		return fmt.Errorf("%w: %v owned by %q", ErrAccountExists, id,
			owner)
	}
	c.owners[id] = nym
	return nil
}

func (c *chainContext) release(id keys.AccountID) {
	c.mu.Lock()
	delete(c.owners, id)
	c.mu.Unlock()
}

func (c *chainContext) owner(id keys.AccountID) fn.Option[keys.NymID] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if nym, ok := c.owners[id]; ok {
		return fn.Some(nym)
	}
	return fn.None[keys.NymID]()
}

// nodeRef locates an account within a tree's groups.
type nodeRef struct {
	kind  AccountKind
	index int
}

// BalanceTree holds the accounts of one nym on one chain, grouped by
// kind.
type BalanceTree struct {
	nym    keys.NymID
	shared *chainContext

	mu          sync.RWMutex
	hd          []*Account
	imported    []*Account
	paymentCode []*Account
	accounts    map[keys.AccountID]nodeRef
}

func newBalanceTree(nym keys.NymID, shared *chainContext) *BalanceTree {
	return &BalanceTree{
		nym:      nym,
		shared:   shared,
		accounts: make(map[keys.AccountID]nodeRef),
	}
}

// Nym returns the owner of the tree.
func (t *BalanceTree) Nym() keys.NymID {
	return t.nym
}

func (t *BalanceTree) group(kind AccountKind) *[]*Account {
	switch kind {
	case AccountImported:
		return &t.imported
	case AccountPaymentCode:
		return &t.paymentCode
	default:
		return &t.hd
	}
}

// addAccount creates the subchain states of a new account and hands them
// to the scanner.
func (t *BalanceTree) addAccount(id keys.AccountID, kind AccountKind,
	deriver keys.Deriver, subchains []keys.Subchain) (*Account, error) {

	if err := t.shared.claim(id, t.nym); err != nil {
		return nil, err
	}

	cfg := t.shared.cfg
	filters := cfg.Filters
	if filters == nil {
		filters = cfg.Chain
	}
	acct := &Account{
		id:      id,
		kind:    kind,
		nym:     t.nym,
		deriver: deriver,
		index:   cfg.Index,
		scanner: cfg.Scanner,
	}
	for _, sub := range subchains {
		state, err := NewSubchainState(SubchainConfig{
			Account:      id,
			Subchain:     sub,
			Deriver:      deriver,
			Headers:      cfg.Chain,
			Filters:      filters,
			Blocks:       cfg.Chain,
			Index:        cfg.Index,
			Store:        cfg.Store,
			Metrics:      cfg.Metrics,
			FilterType:   cfg.FilterType,
			BatchSize:    cfg.BatchSize,
			RescanWindow: cfg.RescanWindow,
		})
		if err != nil {
			acct.stop()
			t.shared.release(id)
			return nil, err
		}
		acct.states = append(acct.states, state)
	}

	if cfg.Scanner != nil {
		for i, state := range acct.states {
			if err := cfg.Scanner.Register(state); err != nil {
				for _, s := range acct.states[i:] {
					s.Stop()
				}
				t.shared.release(id)
				return nil, err
			}
		}
	}

	t.mu.Lock()
	group := t.group(kind)
	*group = append(*group, acct)
	t.accounts[id] = nodeRef{kind: kind, index: len(*group) - 1}
	t.mu.Unlock()

	log.Infof("Added %v account %v to nym %q", kind, id, t.nym)
	return acct, nil
}

// AddHDAccount adds an account scanning the external and internal
// branches of an extended public key.
func (t *BalanceTree) AddHDAccount(xpub string,
	lookahead uint32) (*Account, error) {

	if lookahead == 0 {
		lookahead = keys.DefaultLookahead
	}
	deriver, err := keys.ParseHDAccount(xpub, t.shared.cfg.ChainParams,
		lookahead)
	if err != nil {
		return nil, err
	}
	return t.addAccount(deriver.ID(), AccountHD, deriver,
		deriver.Subchains())
}

// AddHDAccountKey is like AddHDAccount for a parsed key.
func (t *BalanceTree) AddHDAccountKey(key *hdkeychain.ExtendedKey,
	lookahead uint32) (*Account, error) {

	if lookahead == 0 {
		lookahead = keys.DefaultLookahead
	}
	deriver, err := keys.NewHDAccount(key, lookahead)
	if err != nil {
		return nil, err
	}
	return t.addAccount(deriver.ID(), AccountHD, deriver,
		deriver.Subchains())
}

// AddImportedAccount adds an empty account for imported keys.
func (t *BalanceTree) AddImportedAccount(id keys.AccountID) (*Account, error) {
	return t.addAccount(id, AccountImported, keys.NewImportedKeys(id),
		[]keys.Subchain{keys.Imported})
}

// AddPaymentCodeAccount adds the keys shared with one payment code
// counterparty.  derive performs the key agreement.
func (t *BalanceTree) AddPaymentCodeAccount(id keys.AccountID,
	derive keys.DeriveFunc, lookahead uint32) (*Account, error) {

	if lookahead == 0 {
		lookahead = keys.DefaultLookahead
	}
	deriver := keys.NewPaymentCodeChannel(id, derive, lookahead)
	return t.addAccount(id, AccountPaymentCode, deriver,
		deriver.Subchains())
}

// Account returns an account of the tree.
func (t *BalanceTree) Account(id keys.AccountID) fn.Option[*Account] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ref, ok := t.accounts[id]
	if !ok {
		return fn.None[*Account]()
	}
	return fn.Some((*t.group(ref.kind))[ref.index])
}

// Accounts returns the HD, imported and payment code accounts in the order
// they were added.
func (t *BalanceTree) Accounts() []*Account {
	t.mu.RLock()
	defer t.mu.RUnlock()

	accts := make([]*Account, 0, len(t.accounts))
	accts = append(accts, t.hd...)
	accts = append(accts, t.imported...)
	accts = append(accts, t.paymentCode...)
	return accts
}

// Balance returns the sum of the unspent outputs of every account.
func (t *BalanceTree) Balance() btcutil.Amount {
	t.mu.RLock()
	ids := make([]keys.AccountID, 0, len(t.accounts))
	for id := range t.accounts {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	if len(ids) == 0 {
		return 0
	}
	return t.shared.cfg.Index.Balance(utxoindex.ByAccounts(ids...))
}

// BalanceList holds the balance trees of every nym on one chain.
type BalanceList struct {
	shared *chainContext

	mu    sync.RWMutex
	trees []*BalanceTree
	nyms  map[keys.NymID]int
}

// NewBalanceList returns an empty list.
func NewBalanceList(cfg Config) (*BalanceList, error) {
	switch {
	case cfg.Chain == nil:
		return nil, errors.New("balance list requires a chain")
	case cfg.Index == nil:
		return nil, errors.New("balance list requires a UTXO index")
	case cfg.ChainParams == nil:
		return nil, errors.New("balance list requires chain params")
	}

	return &BalanceList{
		shared: &chainContext{
			cfg:    cfg,
			owners: make(map[keys.AccountID]keys.NymID),
		},
		nyms: make(map[keys.NymID]int),
	}, nil
}

// Tree returns the tree of a nym, creating it on first use.
func (l *BalanceList) Tree(nym keys.NymID) *BalanceTree {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i, ok := l.nyms[nym]; ok {
		return l.trees[i]
	}

	tree := newBalanceTree(nym, l.shared)
	l.trees = append(l.trees, tree)
	l.nyms[nym] = len(l.trees) - 1
	return tree
}

// LookupTree returns the tree of a nym if it exists.
func (l *BalanceList) LookupTree(nym keys.NymID) fn.Option[*BalanceTree] {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if i, ok := l.nyms[nym]; ok {
		return fn.Some(l.trees[i])
	}
	return fn.None[*BalanceTree]()
}

// Nyms returns every nym with a tree, sorted.
func (l *BalanceList) Nyms() []keys.NymID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	nyms := make([]keys.NymID, 0, len(l.nyms))
	for nym := range l.nyms {
		nyms = append(nyms, nym)
	}
	sort.Slice(nyms, func(i, j int) bool { return nyms[i] < nyms[j] })
	return nyms
}

// Account finds an account in any tree.
func (l *BalanceList) Account(id keys.AccountID) fn.Option[*Account] {
	return fn.FlatMapOption(func(nym keys.NymID) fn.Option[*Account] {
		return fn.FlatMapOption(func(t *BalanceTree) fn.Option[*Account] {
			return t.Account(id)
		})(l.LookupTree(nym))
	})(l.shared.owner(id))
}

// AccountBalance returns the balance of an account.
func (l *BalanceList) AccountBalance(id keys.AccountID) (btcutil.Amount, error) {
	acct, err := l.Account(id).UnwrapOrErr(ErrAccountNotFound)
	if err != nil {
		return 0, err
	}
	return acct.Balance(), nil
}

// NymBalance returns the balance of every account of a nym.
func (l *BalanceList) NymBalance(nym keys.NymID) btcutil.Amount {
	return fn.MapOptionZ(l.LookupTree(nym), func(t *BalanceTree) btcutil.Amount {
		return t.Balance()
	})
}

// TotalBalance returns the balance of every account on the chain.
func (l *BalanceList) TotalBalance() btcutil.Amount {
	l.mu.RLock()
	trees := append([]*BalanceTree(nil), l.trees...)
	l.mu.RUnlock()

	var total btcutil.Amount
	for _, t := range trees {
		total += t.Balance()
	}
	return total
}

// LookupUTXO returns the index record of an output.
func (l *BalanceList) LookupUTXO(op wire.OutPoint) fn.Option[utxoindex.Record] {
	return l.shared.cfg.Index.LookupUTXO(op)
}
