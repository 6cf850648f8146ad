// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultLookahead is the number of unused keys kept derived past the last
// key found on chain.
const DefaultLookahead = 20

// DeriveFunc derives the public key at index of a subchain.
type DeriveFunc func(sub Subchain, index uint32) (*btcec.PublicKey, error)

// Lookahead is a Deriver that generates keys a fixed window past the last
// one reported found, per subchain.
type Lookahead struct {
	id     AccountID
	derive DeriveFunc

	mu       sync.Mutex
	branches map[Subchain]*branchState
	keys     map[KeyRef]*btcec.PublicKey
}

// NewLookahead returns a deriver for the given subchains.
func NewLookahead(id AccountID, derive DeriveFunc, window uint32,
	subchains ...Subchain) *Lookahead {

	l := &Lookahead{
		id:       id,
		derive:   derive,
		branches: make(map[Subchain]*branchState, len(subchains)),
		keys:     make(map[KeyRef]*btcec.PublicKey),
	}
	for _, sub := range subchains {
		l.branches[sub] = newBranchState(window)
	}
	return l
}

// ID returns the account the keys belong to.
func (l *Lookahead) ID() AccountID {
	return l.id
}

// Subchains returns the subchains the deriver owns in ascending order.
func (l *Lookahead) Subchains() []Subchain {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := make([]Subchain, 0, len(l.branches))
	for sub := Subchain(0); int(sub) < len(subchainStrs); sub++ {
		if _, ok := l.branches[sub]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

// LastGeneratedIndex extends the subchain's horizon if needed and returns
// its highest index.
func (l *Lookahead) LastGeneratedIndex(sub Subchain) fn.Option[uint32] {
	l.mu.Lock()
	defer l.mu.Unlock()

	branch, ok := l.branches[sub]
	if !ok {
		return fn.None[uint32]()
	}
	branch.extendHorizon()
	if branch.horizon == 0 {
		return fn.None[uint32]()
	}
	return fn.Some(branch.horizon - 1)
}

// BalanceElement derives, or returns the cached, key at index.  An invalid
// child grows the horizon by one so the window keeps its size.
func (l *Lookahead) BalanceElement(sub Subchain,
	index uint32) (*btcec.PublicKey, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	branch, ok := l.branches[sub]
	if !ok {
		return nil, ErrUnknownSubchain
	}

	ref := KeyRef{Account: l.id, Subchain: sub, Index: index}
	if key, ok := l.keys[ref]; ok {
		return key, nil
	}

	key, err := l.derive(sub, index)
	switch {
	case errors.Is(err, ErrInvalidChild),
		errors.Is(err, hdkeychain.ErrInvalidChild):

		branch.markInvalidChild(index)
		return nil, ErrInvalidChild

	case err != nil:
		return nil, err
	}

	l.keys[ref] = key
	return key, nil
}

// ReportFound records that the key at index was seen on chain.
func (l *Lookahead) ReportFound(sub Subchain, index uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if branch, ok := l.branches[sub]; ok {
		branch.reportFound(index)
	}
}

// NextUnfound returns one past the highest index reported found.
func (l *Lookahead) NextUnfound(sub Subchain) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if branch, ok := l.branches[sub]; ok {
		return branch.nextUnfound
	}
	return 0
}

// NewHDAccount returns a deriver for the external and internal branches of
// an extended public account key.
func NewHDAccount(acctKey *hdkeychain.ExtendedKey,
	window uint32) (*Lookahead, error) {

	if acctKey.IsPrivate() {
		var err error
		acctKey, err = acctKey.Neuter()
		if err != nil {
			return nil, err
		}
	}

	var (
		branchMu   sync.Mutex
		branchKeys = make(map[Subchain]*hdkeychain.ExtendedKey, 2)
	)
	derive := func(sub Subchain, index uint32) (*btcec.PublicKey, error) {
		var branch uint32
		switch sub {
		case External:
			branch = 0
		case Internal:
			branch = 1
		default:
			return nil, ErrUnknownSubchain
		}

		branchMu.Lock()
		branchKey, ok := branchKeys[sub]
		if !ok {
			var err error
			branchKey, err = acctKey.Derive(branch)
			if err != nil {
				branchMu.Unlock()
				return nil, err
			}
			branchKeys[sub] = branchKey
		}
		branchMu.Unlock()

		child, err := branchKey.Derive(index)
		if err != nil {
			return nil, err
		}
		return child.ECPubKey()
	}

	id := chainhash.HashH([]byte(acctKey.String()))
	return NewLookahead(id, derive, window, External, Internal), nil
}

// ParseHDAccount parses an extended public key for the given network.
func ParseHDAccount(xpub string, params *chaincfg.Params,
	window uint32) (*Lookahead, error) {

	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, err
	}
	if !key.IsForNet(params) {
		return nil, errors.New("extended key is for a different network")
	}
	return NewHDAccount(key, window)
}

// NewPaymentCodeChannel returns a deriver for the keys shared with one
// payment code counterparty.  The key agreement itself is supplied by
// derive.
func NewPaymentCodeChannel(id AccountID, derive DeriveFunc,
	window uint32) *Lookahead {

	return NewLookahead(id, derive, window, Incoming, Outgoing)
}
