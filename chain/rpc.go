// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletscan/keys"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrClientShutdown is returned for requests made after a client was
// stopped.
var ErrClientShutdown = errors.New("client is shutting down")

// RPCClient represents a persistent client connection to a bitcoin RPC
// server for information regarding the current best block chain.
type RPCClient struct {
	*rpcclient.Client
	connConfig  *rpcclient.ConnConfig // Work around unexported field
	chainParams *chaincfg.Params

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	quitMtx sync.Mutex
}

var _ Interface = (*RPCClient)(nil)

// NewRPCClient creates a client connection to the server described by the
// connect string.  Requests are made over HTTP POST; the scanner polls for
// new headers and filters so no notifications are needed.
func NewRPCClient(chainParams *chaincfg.Params, connect, user, pass string,
	certs []byte, disableTLS bool) (*RPCClient, error) {

	client := &RPCClient{
		connConfig: &rpcclient.ConnConfig{
			Host:         connect,
			User:         user,
			Pass:         pass,
			Certificates: certs,
			DisableTLS:   disableTLS,
			HTTPPostMode: true,
		},
		chainParams: chainParams,
		quit:        make(chan struct{}),
	}
	rpcClient, err := rpcclient.New(client.connConfig, nil)
	if err != nil {
		return nil, err
	}
	client.Client = rpcClient
	return client, nil
}

// BackEnd returns the name of the driver.
func (c *RPCClient) BackEnd() string {
	return "btcd"
}

// Start verifies the server is on the expected network.
func (c *RPCClient) Start() error {
	net, err := c.GetCurrentNet()
	if err != nil {
		return err
	}
	if net != c.chainParams.Net {
		return errors.New("mismatched networks")
	}

	c.quitMtx.Lock()
	c.started = true
	c.quitMtx.Unlock()
	return nil
}

// Stop disconnects the client and fails pending block requests.
func (c *RPCClient) Stop() {
	c.quitMtx.Lock()
	defer c.quitMtx.Unlock()

	select {
	case <-c.quit:
	default:
		close(c.quit)
		c.Client.Shutdown()
	}
}

// WaitForShutdown blocks until the client goroutines are stopped and
// connection to the server is lost.
func (c *RPCClient) WaitForShutdown() {
	c.Client.WaitForShutdown()
	c.wg.Wait()
}

// BestBlock returns the server's best block.
func (c *RPCClient) BestBlock() (keys.BlockStamp, error) {
	hash, height, err := c.GetBestBlock()
	if err != nil {
		return keys.BlockStamp{}, err
	}
	return keys.BlockStamp{Height: height, Hash: *hash}, nil
}

// HashAtHeight returns the main chain hash at height.
func (c *RPCClient) HashAtHeight(height int32) (chainhash.Hash, error) {
	hash, err := c.GetBlockHash(int64(height))
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *hash, nil
}

// LoadHeader returns the header with the given hash.
func (c *RPCClient) LoadHeader(hash chainhash.Hash) (*wire.BlockHeader, error) {
	return c.GetBlockHeader(&hash)
}

// LoadFilter asks the server for a committed filter.  Servers without the
// filter index, and blocks the index has not reached, report no filter.
func (c *RPCClient) LoadFilter(filterType wire.FilterType,
	hash chainhash.Hash) fn.Option[Filter] {

	msg, err := c.GetCFilter(&hash, filterType)
	if err != nil {
		log.Debugf("Filter for block %v not available: %v", hash, err)
		return fn.None[Filter]()
	}

	filter, err := ParseGCSFilter(hash, msg.Data)
	if err != nil {
		log.Warnf("Invalid filter for block %v: %v", hash, err)
		return fn.None[Filter]()
	}
	return fn.Some[Filter](filter)
}

// RequestBlock issues an asynchronous getblock for the raw serialized
// block.
func (c *RPCClient) RequestBlock(ctx context.Context,
	hash chainhash.Hash) <-chan BlockResult {

	result := make(chan BlockResult, 1)

	hashParam, err := json.Marshal(hash.String())
	if err != nil {
		result <- BlockResult{Hash: hash, Err: err}
		close(result)
		return result
	}
	verbosity, err := json.Marshal(0)
	if err != nil {
		result <- BlockResult{Hash: hash, Err: err}
		close(result)
		return result
	}
	future := c.RawRequestAsync(
		"getblock", []json.RawMessage{hashParam, verbosity},
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(result)

		res := BlockResult{Hash: hash}
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			result <- res
			return
		case <-c.quit:
			res.Err = ErrClientShutdown
			result <- res
			return
		default:
		}

		reply, err := future.Receive()
		if err != nil {
			res.Err = err
			result <- res
			return
		}

		var blockHex string
		if err := json.Unmarshal(reply, &blockHex); err != nil {
			res.Err = err
			result <- res
			return
		}
		res.Raw, res.Err = hex.DecodeString(blockHex)
		result <- res
	}()

	return result
}
