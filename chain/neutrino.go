// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletscan/keys"
	"github.com/lightninglabs/neutrino"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// NeutrinoClient is an implementation of the chain.Interface interface
// backed by a light client syncing headers and filters over the p2p
// network.
type NeutrinoClient struct {
	CS *neutrino.ChainService

	chainParams *chaincfg.Params

	quit      chan struct{}
	wg        sync.WaitGroup
	started   bool
	clientMtx sync.Mutex
}

var _ Interface = (*NeutrinoClient)(nil)

// NewNeutrinoClient creates a new NeutrinoClient struct with a backing
// ChainService.
func NewNeutrinoClient(chainParams *chaincfg.Params,
	chainService *neutrino.ChainService) *NeutrinoClient {

	return &NeutrinoClient{
		CS:          chainService,
		chainParams: chainParams,
		quit:        make(chan struct{}),
	}
}

// BackEnd returns the name of the driver.
func (s *NeutrinoClient) BackEnd() string {
	return "neutrino"
}

// Start starts the underlying chain service.
func (s *NeutrinoClient) Start() error {
	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()

	if s.started {
		return nil
	}
	if err := s.CS.Start(); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Stop stops the chain service and fails pending block requests.
func (s *NeutrinoClient) Stop() {
	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()

	if !s.started {
		return
	}
	close(s.quit)
	if err := s.CS.Stop(); err != nil {
		log.Errorf("Unable to stop chain service: %v", err)
	}
	s.started = false
}

// WaitForShutdown blocks until all block requests have returned.
func (s *NeutrinoClient) WaitForShutdown() {
	s.wg.Wait()
}

// BestBlock returns the tip of the synced header chain.
func (s *NeutrinoClient) BestBlock() (keys.BlockStamp, error) {
	chainTip, err := s.CS.BestBlock()
	if err != nil {
		return keys.BlockStamp{}, err
	}
	return keys.BlockStamp{Height: chainTip.Height, Hash: chainTip.Hash}, nil
}

// HashAtHeight returns the hash of the header at height.
func (s *NeutrinoClient) HashAtHeight(height int32) (chainhash.Hash, error) {
	hash, err := s.CS.GetBlockHash(int64(height))
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *hash, nil
}

// LoadHeader returns the header with the given hash.
func (s *NeutrinoClient) LoadHeader(
	hash chainhash.Hash) (*wire.BlockHeader, error) {

	return s.CS.GetBlockHeader(&hash)
}

// LoadFilter fetches the filter from the local filter store or, failing
// that, from peers.  Any failure is reported as a missing filter so the
// scan retries later from the same height.
func (s *NeutrinoClient) LoadFilter(filterType wire.FilterType,
	hash chainhash.Hash) fn.Option[Filter] {

	filter, err := s.CS.GetCFilter(hash, filterType)
	if err != nil {
		log.Debugf("Filter for block %v not available: %v", hash, err)
		return fn.None[Filter]()
	}
	if filter == nil {
		return fn.None[Filter]()
	}
	return fn.Some[Filter](NewGCSFilter(hash, filter))
}

// RequestBlock fetches a block from peers in the background.
func (s *NeutrinoClient) RequestBlock(ctx context.Context,
	hash chainhash.Hash) <-chan BlockResult {

	result := make(chan BlockResult, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(result)

		res := BlockResult{Hash: hash}
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			result <- res
			return
		case <-s.quit:
			res.Err = ErrClientShutdown
			result <- res
			return
		default:
		}

		block, err := s.CS.GetBlock(hash)
		if err != nil {
			res.Err = err
			result <- res
			return
		}
		res.Raw, res.Err = block.Bytes()
		result <- res
	}()

	return result
}
