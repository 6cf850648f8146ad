// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/walletscan/chain"
	"github.com/btcsuite/walletscan/keys"
	"github.com/btcsuite/walletscan/utxoindex"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultPollInterval is how often an idle driver checks for new blocks.
const DefaultPollInterval = 5 * time.Second

// driver runs the scan cycle of one subchain.
type driver struct {
	state   *SubchainState
	headers chain.HeaderOracle
	index   *utxoindex.Store
	poll    time.Duration
	wake    chan struct{}
}

func newDriver(state *SubchainState, headers chain.HeaderOracle,
	index *utxoindex.Store, poll time.Duration) *driver {

	return &driver{
		state:   state,
		headers: headers,
		index:   index,
		poll:    poll,
		wake:    make(chan struct{}, 1),
	}
}

// notify wakes the driver without blocking.
func (d *driver) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// run cycles until ctx is done.  Any error it returns is fatal to the
// scanner.
func (d *driver) run(ctx context.Context) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		if err := d.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Criticalf("Subchain %s stopped: %v", d.state.name, err)
			return err
		}

		select {
		case <-ctx.Done():
			return nil

		case <-d.wake:
		case <-ticker.C:

		case a := <-d.state.arrivalChan():
			if err := d.state.handleArrival(ctx, a); err != nil {
				log.Criticalf("Subchain %s stopped: %v",
					d.state.name, err)
				return err
			}
		}
	}
}

// cycle runs the scan steps until the cursor stops moving.
func (d *driver) cycle(ctx context.Context) error {
	defer d.state.idle()

	for ctx.Err() == nil {
		if err := d.checkReorg(); err != nil {
			return err
		}
		if _, err := d.state.Index(); err != nil {
			return err
		}

		before := d.state.Cursor()
		if _, err := d.state.Scan(ctx); err != nil {
			return err
		}
		d.state.RequestBlocks(ctx)

		for {
			ok, err := d.state.Process(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}

		if d.state.Cursor() == before {
			return nil
		}
	}
	return nil
}

// checkReorg rewinds the subchain when its last scanned block left the
// canonical chain.
func (d *driver) checkReorg() error {
	last := d.state.Cursor().LastScanned
	if last.IsNone() {
		return nil
	}
	scanned := last.UnsafeFromSome()

	hash, err := d.headers.HashAtHeight(scanned.Height)
	if err == nil && hash == scanned.Hash {
		return nil
	}

	branch := findBranch(d.headers, scanned)
	cut := int32(-1)
	branch.WhenSome(func(bs keys.BlockStamp) {
		cut = bs.Height
	})

	log.Infof("Subchain %s: block %v left the main chain, rewinding to "+
		"height %d", d.state.name, scanned, cut)

	if err := d.state.Reorg(branch); err != nil {
		return err
	}
	n, err := d.index.Rollback(cut)
	if err != nil {
		return fmt.Errorf("rollback index: %w", err)
	}
	if n > 0 {
		log.Infof("Removed %d index records above height %d", n, cut)
	}
	return nil
}

// findBranch walks back from an orphaned block to the last block it shares
// with the main chain.
func findBranch(headers chain.HeaderOracle,
	orphan keys.BlockStamp) fn.Option[keys.BlockStamp] {

	hash, height := orphan.Hash, orphan.Height
	for height > 0 {
		header, err := headers.LoadHeader(hash)
		if err != nil {
			log.Warnf("Unable to load header %v: %v", hash, err)
			return fn.None[keys.BlockStamp]()
		}
		hash, height = header.PrevBlock, height-1

		mainHash, err := headers.HashAtHeight(height)
		if err == nil && mainHash == hash {
			return fn.Some(keys.BlockStamp{Height: height, Hash: hash})
		}
	}
	return fn.None[keys.BlockStamp]()
}
