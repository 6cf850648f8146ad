// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		net  wire.BitcoinNet
		port string
	}{
		{"mainnet", wire.MainNet, "8334"},
		{"testnet3", wire.TestNet3, "18334"},
		{"simnet", wire.SimNet, "18556"},
		{"regtest", wire.TestNet, "18334"},
	}
	for _, test := range tests {
		params, err := ByName(test.name)
		require.NoError(t, err, test.name)
		require.Equal(t, test.net, params.Net, test.name)
		require.Equal(t, test.port, params.RPCClientPort, test.name)
	}

	_, err := ByName("nonet")
	require.Error(t, err)
}
