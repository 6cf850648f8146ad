// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/walletscan/chain"
	"github.com/btcsuite/walletscan/chain/chaintest"
	"github.com/btcsuite/walletscan/keys"
	"github.com/btcsuite/walletscan/scriptclass"
	"github.com/btcsuite/walletscan/utxoindex"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var testAccount = keys.AccountID{0x01, 0x02, 0x03}

// testKey returns a deterministic public key per index.
func testKey(index uint32) (*btcec.PublicKey, error) {
	var secret [32]byte
	secret[0] = 0x42
	secret[28] = byte(index >> 24)
	secret[29] = byte(index >> 16)
	secret[30] = byte(index >> 8)
	secret[31] = byte(index)
	_, pub := btcec.PrivKeyFromBytes(secret[:])
	return pub, nil
}

// p2pkh returns the pay-to-pubkey-hash script of a test key.
func p2pkh(t *testing.T, index uint32) []byte {
	t.Helper()

	pub, err := testKey(index)
	require.NoError(t, err)
	return p2pkhScript(t, pub)
}

type testEnv struct {
	t       *testing.T
	ctx     context.Context
	chain   *chaintest.Harness
	index   *utxoindex.Store
	deriver *keys.Lookahead
	state   *SubchainState
}

func newTestEnv(t *testing.T, window uint32,
	modify func(*SubchainConfig)) *testEnv {

	t.Helper()

	index, err := utxoindex.Open(utxoindex.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	env := &testEnv{
		t:     t,
		ctx:   ctx,
		chain: chaintest.NewHarness(),
		index: index,
		deriver: keys.NewLookahead(testAccount, func(_ keys.Subchain,
			i uint32) (*btcec.PublicKey, error) {

			return testKey(i)
		}, window, keys.External),
	}

	cfg := SubchainConfig{
		Account:    testAccount,
		Subchain:   keys.External,
		Deriver:    env.deriver,
		Headers:    env.chain,
		Filters:    env.chain,
		Blocks:     env.chain,
		Index:      index,
		FilterType: wire.GCSFilterRegular,
	}
	if modify != nil {
		modify(&cfg)
	}

	env.state, err = NewSubchainState(cfg)
	require.NoError(t, err)
	t.Cleanup(env.state.Stop)

	return env
}

// pay mines a block paying value to the test key at index and returns the
// new output.
func (e *testEnv) pay(index uint32, value int64) (wire.OutPoint,
	keys.BlockStamp) {

	tx := chaintest.PayTo(chaintest.Output{
		Script: p2pkh(e.t, index),
		Value:  value,
	})
	stamp := e.chain.AddBlock(tx)
	return wire.OutPoint{Hash: tx.Hash(), Index: 0}, stamp
}

// drain processes every in-flight block.
func (e *testEnv) drain() {
	e.t.Helper()

	for {
		ok, err := e.state.ProcessWait(e.ctx)
		require.NoError(e.t, err)
		if !ok {
			return
		}
	}
}

// settle runs scan cycles until nothing changes.
func (e *testEnv) settle() {
	e.t.Helper()

	for i := 0; i < 20; i++ {
		before := e.state.Cursor()

		_, err := e.state.Index()
		require.NoError(e.t, err)
		_, err = e.state.Scan(e.ctx)
		require.NoError(e.t, err)
		e.state.RequestBlocks(e.ctx)
		e.drain()

		if e.state.Cursor() == before && len(e.state.Queue()) == 0 {
			return
		}
	}
	e.t.Fatalf("scan did not settle: %v", spew.Sdump(e.state.Status()))
}

func lastScanned(t *testing.T, s *SubchainState) keys.BlockStamp {
	t.Helper()
	return s.Cursor().LastScanned.UnwrapOrFail(t)
}

func TestIndexIsAdditive(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 5, nil)

	n, err := env.state.Index()
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 5, env.state.Watched().Len())
	require.Equal(t, uint32(4),
		env.state.Cursor().LastIndexed().UnwrapOrFail(t))

	scripts, refs := env.state.Watched().Targets()
	require.Len(t, scripts, 20)
	require.Equal(t, ElementRef{Index: 0, Template: scriptclass.TemplateP2PK},
		refs[0])
	require.Equal(t, p2pkh(t, 0), scripts[1])

	// Nothing new to derive leaves the map as it was.
	n, err = env.state.Index()
	require.NoError(t, err)
	require.Zero(t, n)

	again, _ := env.state.Watched().Targets()
	require.Equal(t, scripts, again)

	// Finding a key extends the window.
	env.deriver.ReportFound(keys.External, 2)
	n, err = env.state.Index()
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7},
		env.state.Watched().Indices())
}

func TestIndexSkipsInvalidChild(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 3, func(cfg *SubchainConfig) {
		cfg.Deriver = keys.NewLookahead(testAccount, func(_ keys.Subchain,
			i uint32) (*btcec.PublicKey, error) {

			if i == 1 {
				return nil, keys.ErrInvalidChild
			}
			return testKey(i)
		}, 3, keys.External)
	})

	n, err := env.state.Index()
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []uint32{0, 2}, env.state.Watched().Indices())

	// The invalid child widened the window by one.
	n, err = env.state.Index()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uint32{0, 2, 3}, env.state.Watched().Indices())
}

func TestScanEndToEnd(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	env := newTestEnv(t, 10, func(cfg *SubchainConfig) {
		cfg.Metrics = metrics
	})

	env.chain.AddBlocks(1)
	coin, block2 := env.pay(0, 5000)
	env.chain.AddBlocks(1)

	_, err := env.state.Index()
	require.NoError(t, err)

	queued, err := env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queued)
	require.Equal(t, []chainhash.Hash{block2.Hash}, env.state.Queue())
	require.Equal(t, int32(3), lastScanned(t, env.state).Height)
	require.Equal(t, PhaseScanning, env.state.Status().Phase)

	// Scanning again before the block arrives does not queue it twice.
	queued, err = env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Zero(t, queued)

	require.Equal(t, 1, env.state.RequestBlocks(env.ctx))
	require.Empty(t, env.state.Queue())
	require.Equal(t, 1, env.state.Status().InFlight)

	ok, err := env.state.ProcessWait(env.ctx)
	require.NoError(t, err)
	require.True(t, ok)

	rec := env.index.LookupUTXO(coin).UnwrapOrFail(t)
	require.Equal(t, keys.KeyRef{
		Account:  testAccount,
		Subchain: keys.External,
		Index:    0,
	}, rec.Key)
	require.Equal(t, btcutil.Amount(5000), rec.Amount)
	require.Equal(t, block2, rec.Block)

	// The find rewinds the scan and widens the lookahead.
	require.True(t, env.state.Cursor().LastScanned.IsNone())
	require.Equal(t, uint32(1), env.deriver.NextUnfound(keys.External))

	// Rescanning the tested range requests nothing new.
	requests := len(env.chain.Requests())
	queued, err = env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Zero(t, queued)
	require.Len(t, env.chain.Requests(), requests)
	require.Equal(t, int32(3), lastScanned(t, env.state).Height)
	require.False(t, env.state.Status().Stalled())

	require.Equal(t, 1.0, testutil.ToFloat64(
		metrics.blocksProcessed.WithLabelValues("external")))
	require.Equal(t, 1.0, testutil.ToFloat64(
		metrics.outputsFound.WithLabelValues("external", "received")))
	require.Equal(t, 3.0, testutil.ToFloat64(
		metrics.scanHeight.WithLabelValues(
			testAccount.String()[:16], "external")))
}

func TestScanStopsAtMissingFilter(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 5, nil)

	env.chain.AddBlocks(2)
	withheld := env.chain.AddBlocks(1)
	_, paid := env.pay(1, 1000)
	env.chain.AddBlocks(1)
	env.chain.WithholdFilter(withheld.Hash)

	_, err := env.state.Index()
	require.NoError(t, err)

	queued, err := env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Zero(t, queued)
	require.Equal(t, int32(2), lastScanned(t, env.state).Height)

	status := env.state.Status()
	require.True(t, status.Stalled())
	require.Equal(t, int32(3), status.AwaitingFilter.UnwrapOrFail(t))
	require.True(t, strings.Contains(status.String(), "awaiting filter"))

	// Nothing moves while the filter is missing.
	queued, err = env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Zero(t, queued)
	require.Equal(t, int32(2), lastScanned(t, env.state).Height)

	env.chain.ReleaseFilter(withheld.Hash)
	queued, err = env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queued)
	require.Equal(t, []chainhash.Hash{paid.Hash}, env.state.Queue())
	require.Equal(t, int32(5), lastScanned(t, env.state).Height)
	require.True(t, env.state.Status().AwaitingFilter.IsNone())
}

func TestScanBatchSize(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 2, func(cfg *SubchainConfig) {
		cfg.BatchSize = 4
	})
	env.chain.AddBlocks(10)

	_, err := env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Equal(t, int32(4), lastScanned(t, env.state).Height)

	_, err = env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Equal(t, int32(8), lastScanned(t, env.state).Height)

	_, err = env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Equal(t, int32(10), lastScanned(t, env.state).Height)
}

func TestScanHonorsCancel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 2, nil)
	env.chain.AddBlocks(5)

	ctx, cancel := context.WithCancel(env.ctx)
	cancel()

	_, err := env.state.Scan(ctx)
	require.NoError(t, err)
	require.True(t, env.state.Cursor().LastScanned.IsNone())
}

func TestProcessRetriesFailedBlock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 5, nil)
	coin, paid := env.pay(0, 2500)
	env.chain.FailBlock(paid.Hash, 1)
	env.chain.CorruptBlock(paid.Hash, 1)

	_, err := env.state.Index()
	require.NoError(t, err)
	_, err = env.state.Scan(env.ctx)
	require.NoError(t, err)

	// Download failure, then truncated bytes: both requeue the block.
	for i := 0; i < 2; i++ {
		require.Equal(t, 1, env.state.RequestBlocks(env.ctx))
		env.drain()
		require.Equal(t, []chainhash.Hash{paid.Hash}, env.state.Queue())
		require.True(t, env.index.LookupUTXO(coin).IsNone())
	}

	require.Equal(t, 1, env.state.RequestBlocks(env.ctx))
	env.drain()
	require.Empty(t, env.state.Queue())
	require.True(t, env.index.LookupUTXO(coin).IsSome())
	require.Len(t, env.chain.Requests(), 3)
}

func TestFailedBlockRequeuedAtFront(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 1, nil)
	queued := chainhash.Hash{0x01}
	failed := chainhash.Hash{0x02}

	env.state.mu.Lock()
	env.state.queue = []chainhash.Hash{queued}
	env.state.pending[queued] = 7
	env.state.pending[failed] = 5
	env.state.inFlight = 1
	gen := env.state.gen
	env.state.mu.Unlock()

	err := env.state.handleArrival(env.ctx, arrival{
		gen:    gen,
		hash:   failed,
		result: chain.BlockResult{Hash: failed, Err: errors.New("gone")},
	})
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{failed, queued}, env.state.Queue())
	require.Zero(t, env.state.Status().InFlight)
}

func TestProcessDetectsSpend(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 5, nil)
	env.chain.AddBlocks(1)
	coin, _ := env.pay(3, 8000)
	env.chain.AddBlocks(1)
	spendStamp := env.chain.AddBlock(chaintest.Spend([]wire.OutPoint{coin}))
	env.chain.AddBlocks(1)

	env.settle()

	spent := env.index.LookupSpent(coin).UnwrapOrFail(t)
	require.Equal(t, spendStamp, spent.Block)
	require.Equal(t, btcutil.Amount(8000), spent.Amount)
	require.True(t, env.index.LookupUTXO(coin).IsSome())
	require.Zero(t, env.index.Balance(nil))
	require.Equal(t, int32(5), lastScanned(t, env.state).Height)
}

func TestProcessSameBlockSpend(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 5, nil)
	fund := chaintest.PayTo(chaintest.Output{
		Script: p2pkh(t, 0), Value: 4000,
	})
	coin := wire.OutPoint{Hash: fund.Hash(), Index: 0}
	spend := chaintest.Spend([]wire.OutPoint{coin}, chaintest.Output{
		Script: p2pkh(t, 1), Value: 3000,
	})
	stamp := env.chain.AddBlock(fund, spend)

	env.settle()

	require.Equal(t, stamp, env.index.LookupSpent(coin).UnwrapOrFail(t).Block)
	change := wire.OutPoint{Hash: spend.Hash(), Index: 0}
	rec := env.index.LookupUTXO(change).UnwrapOrFail(t)
	require.Equal(t, uint32(1), rec.Key.Index)
	require.Equal(t, btcutil.Amount(3000), env.index.Balance(nil))
}

func TestProcessFindsLaterKeys(t *testing.T) {
	t.Parallel()

	// Key 4 is outside the initial window of 3 and only becomes
	// watched once key 2 is found.
	env := newTestEnv(t, 3, nil)
	late, _ := env.pay(4, 700)
	env.chain.AddBlocks(2)
	early, _ := env.pay(2, 900)

	env.settle()

	require.True(t, env.index.LookupUTXO(early).IsSome())
	require.True(t, env.index.LookupUTXO(late).IsSome())
	require.Equal(t, btcutil.Amount(1600), env.index.Balance(nil))
}

func TestReorgRollsBackCursor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 5, nil)
	env.chain.AddBlocks(69)
	kept, _ := env.pay(0, 1000)
	env.chain.AddBlocks(24)
	orphaned, orphanStamp := env.pay(1, 2000)
	env.chain.AddBlocks(5)

	env.settle()
	require.Equal(t, int32(100), lastScanned(t, env.state).Height)
	require.True(t, env.index.LookupUTXO(orphaned).IsSome())

	// A new block paying key 2 is queued but not fetched.
	_, err := env.state.Index()
	require.NoError(t, err)
	pending, _ := env.pay(2, 3000)
	_, err = env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Len(t, env.state.Queue(), 1)

	branch, err := env.chain.HashAtHeight(80)
	require.NoError(t, err)
	env.chain.Reorg(80, 25)

	d := newDriver(env.state, env.chain, env.index, time.Second)
	require.NoError(t, d.checkReorg())

	require.Equal(t, keys.BlockStamp{Height: 80, Hash: branch},
		lastScanned(t, env.state))
	require.Empty(t, env.state.Queue())
	require.Equal(t, PhaseReorg, env.state.Status().Phase)

	// Records of disconnected blocks are gone.
	require.True(t, env.index.LookupUTXO(orphaned).IsNone())
	require.True(t, env.index.LookupUTXO(pending).IsNone())
	require.True(t, env.index.LookupUTXO(kept).IsSome())
	require.Equal(t, int32(95), orphanStamp.Height)

	// The chain is consistent again.
	require.NoError(t, d.checkReorg())
	require.Equal(t, int32(80), lastScanned(t, env.state).Height)

	env.settle()
	require.Equal(t, int32(105), lastScanned(t, env.state).Height)
	require.Equal(t, btcutil.Amount(1000), env.index.Balance(nil))
}

func TestReorgDropsInFlightBlocks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 5, nil)
	env.chain.AddBlocks(3)
	coin, _ := env.pay(0, 1000)

	_, err := env.state.Index()
	require.NoError(t, err)
	_, err = env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, env.state.RequestBlocks(env.ctx))

	require.NoError(t, env.state.Reorg(fn.Some(keys.BlockStamp{
		Height: 2,
	})))
	require.Zero(t, env.state.Status().InFlight)
	require.Equal(t, int32(2), lastScanned(t, env.state).Height)

	require.Eventually(t, func() bool {
		ok, err := env.state.Process(env.ctx)
		return ok && err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, env.index.LookupUTXO(coin).IsNone())

	// An unknown branch point clears the cursor.
	require.NoError(t, env.state.Reorg(fn.None[keys.BlockStamp]()))
	require.True(t, env.state.Cursor().LastScanned.IsNone())
}

func TestStatePersistence(t *testing.T) {
	t.Parallel()

	db, err := walletdb.Create(
		"bdb", filepath.Join(t.TempDir(), "scan.db"), true,
		10*time.Second, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStateStore(db)
	require.NoError(t, err)

	env := newTestEnv(t, 4, func(cfg *SubchainConfig) {
		cfg.Store = store
	})
	env.chain.AddBlocks(6)

	_, err = env.state.Index()
	require.NoError(t, err)
	_, err = env.state.Scan(env.ctx)
	require.NoError(t, err)
	env.state.Stop()

	restored, err := NewSubchainState(SubchainConfig{
		Account:    testAccount,
		Subchain:   keys.External,
		Deriver:    env.deriver,
		Headers:    env.chain,
		Filters:    env.chain,
		Blocks:     env.chain,
		Index:      env.index,
		Store:      store,
		FilterType: wire.GCSFilterRegular,
	})
	require.NoError(t, err)
	defer restored.Stop()

	require.Equal(t, env.state.Cursor(), restored.Cursor())
	require.Equal(t, int32(6), lastScanned(t, restored).Height)

	want, _ := env.state.Watched().Targets()
	got, _ := restored.Watched().Targets()
	require.Equal(t, want, got)

	n, err := restored.Index()
	require.NoError(t, err)
	require.Zero(t, n)

	// Other subchains start empty.
	cursor, watched, err := store.Load(testAccount, keys.Internal)
	require.NoError(t, err)
	require.Equal(t, Cursor{}, cursor)
	require.Empty(t, watched)
}

func TestRestartRequeuesUnprocessedBlocks(t *testing.T) {
	t.Parallel()

	db, err := walletdb.Create(
		"bdb", filepath.Join(t.TempDir(), "scan.db"), true,
		10*time.Second, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStateStore(db)
	require.NoError(t, err)

	env := newTestEnv(t, 4, func(cfg *SubchainConfig) {
		cfg.Store = store
	})
	first := env.chain.AddBlocks(1)
	coin, paid := env.pay(1, 5000)
	env.chain.AddBlocks(1)

	_, err = env.state.Index()
	require.NoError(t, err)
	n, err := env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []chainhash.Hash{paid.Hash}, env.state.Queue())
	require.Equal(t, int32(3), lastScanned(t, env.state).Height)

	// Stop before the queued block is fetched.
	env.state.Stop()

	cursor, _, err := store.Load(testAccount, keys.External)
	require.NoError(t, err)
	require.Equal(t, first, cursor.LastScanned.UnwrapOrFail(t))

	restored, err := NewSubchainState(SubchainConfig{
		Account:    testAccount,
		Subchain:   keys.External,
		Deriver:    env.deriver,
		Headers:    env.chain,
		Filters:    env.chain,
		Blocks:     env.chain,
		Index:      env.index,
		Store:      store,
		FilterType: wire.GCSFilterRegular,
	})
	require.NoError(t, err)
	t.Cleanup(restored.Stop)

	again := &testEnv{
		t:       t,
		ctx:     env.ctx,
		chain:   env.chain,
		index:   env.index,
		deriver: env.deriver,
		state:   restored,
	}
	again.settle()

	rec := env.index.LookupUTXO(coin).UnwrapOrFail(t)
	require.Equal(t, btcutil.Amount(5000), rec.Amount)
	require.Equal(t, paid, rec.Block)

	cursor, _, err = store.Load(testAccount, keys.External)
	require.NoError(t, err)
	require.Equal(t, int32(3), cursor.LastScanned.UnwrapOrFail(t).Height)
}

func TestRequestRescanAfterImport(t *testing.T) {
	t.Parallel()

	imported := keys.NewImportedKeys(testAccount)
	env := newTestEnv(t, 0, func(cfg *SubchainConfig) {
		cfg.Subchain = keys.Imported
		cfg.Deriver = imported
	})

	coin, paid := env.pay(5, 6000)
	env.chain.AddBlocks(3)

	env.settle()
	require.Equal(t, int32(4), lastScanned(t, env.state).Height)
	require.Zero(t, env.state.Watched().Len())

	pub, err := testKey(5)
	require.NoError(t, err)
	require.Zero(t, imported.Import(pub))

	// A deeper request wins over a shallower one.
	env.state.RequestRescan(fn.Some(keys.BlockStamp{Height: 3}))
	env.state.RequestRescan(fn.None[keys.BlockStamp]())
	env.state.RequestRescan(fn.Some(keys.BlockStamp{Height: 2}))

	n, err := env.state.Index()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, env.state.Cursor().LastScanned.IsNone())

	queued, err := env.state.Scan(env.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queued)
	require.Equal(t, []chainhash.Hash{paid.Hash}, env.state.Queue())

	env.settle()
	rec := env.index.LookupUTXO(coin).UnwrapOrFail(t)
	require.Equal(t, keys.Imported, rec.Key.Subchain)
	require.Zero(t, rec.Key.Index)
}

func TestImportUncompressedKey(t *testing.T) {
	t.Parallel()

	imported := keys.NewImportedKeys(testAccount)
	env := newTestEnv(t, 0, func(cfg *SubchainConfig) {
		cfg.Subchain = keys.Imported
		cfg.Deriver = imported
	})

	pub, err := testKey(8)
	require.NoError(t, err)
	legacy, err := scriptclass.PayToPubKeyHash(
		btcutil.Hash160(pub.SerializeUncompressed()),
	)
	require.NoError(t, err)

	oldTx := chaintest.PayTo(chaintest.Output{Script: legacy, Value: 7000})
	env.chain.AddBlock(oldTx)
	newCoin, _ := env.pay(8, 2000)
	env.chain.AddBlocks(2)

	require.Zero(t, imported.ImportUncompressed(pub))
	env.settle()

	require.Equal(t, 1, env.state.Watched().Len())
	require.Len(t, env.state.Watched().Get(0), 6)

	oldCoin := wire.OutPoint{Hash: oldTx.Hash(), Index: 0}
	rec := env.index.LookupUTXO(oldCoin).UnwrapOrFail(t)
	require.Equal(t, btcutil.Amount(7000), rec.Amount)
	require.True(t, env.index.LookupUTXO(newCoin).IsSome())
	require.Equal(t, btcutil.Amount(9000),
		env.index.Balance(utxoindex.ByAccount(testAccount)))
}
