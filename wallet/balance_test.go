// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletscan/chain/chaintest"
	"github.com/btcsuite/walletscan/keys"
	"github.com/btcsuite/walletscan/scriptclass"
	"github.com/btcsuite/walletscan/utxoindex"
	"github.com/stretchr/testify/require"
)

// testAccountKey returns a regtest account extended public key.
func testAccountKey(t *testing.T, seedByte byte) *hdkeychain.ExtendedKey {
	t.Helper()

	seed := bytes.Repeat([]byte{seedByte}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	acct, err := master.Derive(hdkeychain.HardenedKeyStart)
	require.NoError(t, err)
	pub, err := acct.Neuter()
	require.NoError(t, err)
	return pub
}

// externalKey derives the key at index of the external branch.
func externalKey(t *testing.T, acct *hdkeychain.ExtendedKey,
	index uint32) *btcec.PublicKey {

	t.Helper()

	branch, err := acct.Derive(0)
	require.NoError(t, err)
	child, err := branch.Derive(index)
	require.NoError(t, err)
	pub, err := child.ECPubKey()
	require.NoError(t, err)
	return pub
}

// p2pkhScript returns the pay-to-pubkey-hash script of a key.
func p2pkhScript(t *testing.T, pub *btcec.PublicKey) []byte {
	t.Helper()

	script, err := scriptclass.PayToPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()),
	)
	require.NoError(t, err)
	return script
}

func newTestList(t *testing.T,
	scanner *Scanner) (*BalanceList, *chaintest.Harness, *utxoindex.Store) {

	t.Helper()

	index, err := utxoindex.Open(utxoindex.Config{})
	require.NoError(t, err)
	harness := chaintest.NewHarness()

	list, err := NewBalanceList(Config{
		Chain:       harness,
		ChainParams: &chaincfg.RegressionNetParams,
		Index:       index,
		Scanner:     scanner,
		FilterType:  wire.GCSFilterRegular,
	})
	require.NoError(t, err)
	return list, harness, index
}

func TestNewBalanceListRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewBalanceList(Config{})
	require.Error(t, err)

	_, err = NewBalanceList(Config{Chain: chaintest.NewHarness()})
	require.Error(t, err)
}

func TestBalanceListTrees(t *testing.T) {
	t.Parallel()

	list, _, _ := newTestList(t, nil)

	require.True(t, list.LookupTree("alice").IsNone())
	require.Empty(t, list.Nyms())
	require.Zero(t, list.NymBalance("alice"))

	bob := list.Tree("bob")
	alice := list.Tree("alice")
	require.Same(t, bob, list.Tree("bob"))
	require.Same(t, alice, list.LookupTree("alice").UnwrapOrFail(t))
	require.Equal(t, []keys.NymID{"alice", "bob"}, list.Nyms())
	require.Equal(t, keys.NymID("bob"), bob.Nym())
}

func TestBalanceListAccounts(t *testing.T) {
	t.Parallel()

	list, _, _ := newTestList(t, nil)
	key := testAccountKey(t, 0x01)

	alice := list.Tree("alice")
	hd, err := alice.AddHDAccount(key.String(), 5)
	require.NoError(t, err)
	require.Equal(t, AccountHD, hd.Kind())
	require.Equal(t, keys.NymID("alice"), hd.Nym())
	require.True(t, hd.State(keys.External).IsSome())
	require.True(t, hd.State(keys.Internal).IsSome())
	require.True(t, hd.State(keys.Imported).IsNone())
	t.Cleanup(hd.stop)

	// The same key cannot be added twice, even by another nym.
	_, err = list.Tree("bob").AddHDAccountKey(key, 5)
	require.ErrorIs(t, err, ErrAccountExists)

	importedID := keys.AccountID{0x77}
	imported, err := list.Tree("bob").AddImportedAccount(importedID)
	require.NoError(t, err)
	t.Cleanup(imported.stop)

	// Lookups resolve across trees.
	require.Same(t, hd, list.Account(hd.ID()).UnwrapOrFail(t))
	require.Same(t, imported, list.Account(importedID).UnwrapOrFail(t))
	require.True(t, alice.Account(importedID).IsNone())
	require.True(t, list.Account(keys.AccountID{0x78}).IsNone())

	_, err = list.AccountBalance(keys.AccountID{0x78})
	require.ErrorIs(t, err, ErrAccountNotFound)

	require.Equal(t, []*Account{hd}, alice.Accounts())

	// Only imported accounts take keys.
	_, err = hd.Import(externalKey(t, key, 0))
	require.ErrorIs(t, err, ErrNotImported)
	_, err = hd.ImportUncompressed(externalKey(t, key, 0))
	require.ErrorIs(t, err, ErrNotImported)
}

func TestBalanceListBalances(t *testing.T) {
	t.Parallel()

	list, _, index := newTestList(t, nil)

	hd, err := list.Tree("alice").AddHDAccountKey(testAccountKey(t, 0x02), 5)
	require.NoError(t, err)
	t.Cleanup(hd.stop)
	paymentCode, err := list.Tree("alice").AddPaymentCodeAccount(
		keys.AccountID{0x10},
		func(_ keys.Subchain, i uint32) (*btcec.PublicKey, error) {
			return testKey(i)
		}, 0,
	)
	require.NoError(t, err)
	t.Cleanup(paymentCode.stop)
	require.Equal(t, AccountPaymentCode, paymentCode.Kind())
	imported, err := list.Tree("bob").AddImportedAccount(keys.AccountID{0x20})
	require.NoError(t, err)
	t.Cleanup(imported.stop)

	record := func(b byte, acct keys.AccountID, sub keys.Subchain,
		amt btcutil.Amount) utxoindex.Record {

		return utxoindex.Record{
			OutPoint: wire.OutPoint{Hash: [32]byte{b}},
			Key:      keys.KeyRef{Account: acct, Subchain: sub},
			Amount:   amt,
			Block:    keys.BlockStamp{Height: 1},
		}
	}
	spent := record(4, hd.ID(), keys.External, 50)
	require.NoError(t, index.Associate([]utxoindex.Record{
		record(1, hd.ID(), keys.External, 1000),
		record(2, hd.ID(), keys.Internal, 200),
		record(3, paymentCode.ID(), keys.Incoming, 30),
		record(5, imported.ID(), keys.Imported, 4),
		spent,
	}, []utxoindex.Record{spent}))

	require.Equal(t, btcutil.Amount(1200), hd.Balance())
	require.Len(t, hd.Unspent(), 2)

	bal, err := list.AccountBalance(paymentCode.ID())
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(30), bal)

	require.Equal(t, btcutil.Amount(1230), list.NymBalance("alice"))
	require.Equal(t, btcutil.Amount(4), list.NymBalance("bob"))
	require.Equal(t, btcutil.Amount(1234), list.TotalBalance())

	rec := list.LookupUTXO(wire.OutPoint{Hash: [32]byte{3}}).UnwrapOrFail(t)
	require.Equal(t, paymentCode.ID(), rec.Key.Account)
}

func TestScannerFindsPayments(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	index, err := utxoindex.Open(utxoindex.Config{})
	require.NoError(t, err)
	harness := chaintest.NewHarness()
	harness.AddBlocks(3)

	scanner := NewScanner(ScannerConfig{
		Headers:      harness,
		Index:        index,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, scanner.Start(ctx))

	list, err := NewBalanceList(Config{
		Chain:       harness,
		ChainParams: &chaincfg.RegressionNetParams,
		Index:       index,
		Scanner:     scanner,
		FilterType:  wire.GCSFilterRegular,
	})
	require.NoError(t, err)

	// An account added while the scanner runs is picked up at once.
	acctKey := testAccountKey(t, 0x03)
	hd, err := list.Tree("alice").AddHDAccountKey(acctKey, 5)
	require.NoError(t, err)

	tx := chaintest.PayTo(chaintest.Output{
		Script: p2pkhScript(t, externalKey(t, acctKey, 0)),
		Value:  12000,
	})
	harness.AddBlock(tx)
	harness.AddBlocks(2)
	scanner.Notify()

	received := wire.OutPoint{Hash: tx.Hash(), Index: 0}
	require.Eventually(t, func() bool {
		return list.LookupUTXO(received).IsSome()
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, btcutil.Amount(12000), hd.Balance())

	// Keys imported later are scanned for from the start of the chain.
	imported, err := list.Tree("bob").AddImportedAccount(keys.AccountID{0x30})
	require.NoError(t, err)

	pub, err := testKey(77)
	require.NoError(t, err)
	tx = chaintest.PayTo(chaintest.Output{
		Script: p2pkhScript(t, pub),
		Value:  3000,
	})
	harness.AddBlock(tx)
	harness.AddBlocks(1)

	index77, err := imported.Import(pub)
	require.NoError(t, err)
	require.Zero(t, index77)

	received = wire.OutPoint{Hash: tx.Hash(), Index: 0}
	require.Eventually(t, func() bool {
		return list.LookupUTXO(received).IsSome()
	}, 10*time.Second, 10*time.Millisecond)

	rec := list.LookupUTXO(received).UnwrapOrFail(t)
	require.Equal(t, keys.KeyRef{
		Account:  keys.AccountID{0x30},
		Subchain: keys.Imported,
		Index:    0,
	}, rec.Key)
	require.Equal(t, btcutil.Amount(15000), list.TotalBalance())
	require.Len(t, scanner.Statuses(), 3)

	require.NoError(t, scanner.Stop())
	require.NoError(t, scanner.Stop())

	_, err = list.Tree("carol").AddImportedAccount(keys.AccountID{0x40})
	require.ErrorIs(t, err, ErrScannerStopped)
	require.True(t, list.Account(keys.AccountID{0x40}).IsNone())
}

func TestAccountKindString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hd", AccountHD.String())
	require.Equal(t, "imported", AccountImported.String())
	require.Equal(t, "payment code", AccountPaymentCode.String())
	require.Equal(t, "unknown", AccountKind(99).String())
}
