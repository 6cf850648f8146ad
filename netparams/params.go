// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// RPCClientPort is the default btcd RPC port.
	RPCClientPort string
}

// MainNetParams contains parameters specific to scanning the main network
// (wire.MainNet).
var MainNetParams = Params{
	Params:        &chaincfg.MainNetParams,
	RPCClientPort: "8334",
}

// TestNet3Params contains parameters specific to the test network (version
// 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:        &chaincfg.TestNet3Params,
	RPCClientPort: "18334",
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params:        &chaincfg.SimNetParams,
	RPCClientPort: "18556",
}

// SigNetParams contains parameters specific to the default signet.
var SigNetParams = Params{
	Params:        &chaincfg.SigNetParams,
	RPCClientPort: "38334",
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params:        &chaincfg.RegressionNetParams,
	RPCClientPort: "18334",
}

var byName = map[string]*Params{
	MainNetParams.Name:       &MainNetParams,
	TestNet3Params.Name:      &TestNet3Params,
	SimNetParams.Name:        &SimNetParams,
	SigNetParams.Name:        &SigNetParams,
	RegressionNetParams.Name: &RegressionNetParams,
}

// ByName returns the parameters of a network by its chaincfg name, such as
// "mainnet" or "testnet3".
func ByName(name string) (*Params, error) {
	params, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", name)
	}
	return params, nil
}
