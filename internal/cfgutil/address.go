// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"net"

	"github.com/btcsuite/walletscan/netparams"
)

// defaultRPCHost is dialed when no btcd RPC address is configured.
const defaultRPCHost = "localhost"

// withPort returns addr as host:port, using port when addr names only a
// host.  A malformed host reports the error of the original address.
func withPort(addr, port string) (string, error) {
	host, p, err := net.SplitHostPort(addr)
	if err == nil {
		return net.JoinHostPort(host, p), nil
	}

	joined := net.JoinHostPort(addr, port)
	if _, _, err2 := net.SplitHostPort(joined); err2 != nil {
		return "", err
	}
	return joined, nil
}

// RPCAddress returns the btcd RPC address to dial on the network.  An empty
// addr selects localhost, and the network's RPC port is added when addr
// has none.
func RPCAddress(addr string, params *netparams.Params) (string, error) {
	if addr == "" {
		addr = defaultRPCHost
	}
	return withPort(addr, params.RPCClientPort)
}

// PeerAddresses returns the neutrino peer addresses with the network's p2p
// port added where missing.  Duplicates after normalization are dropped
// and the first occurrence keeps its position.
func PeerAddresses(addrs []string, params *netparams.Params) ([]string,
	error) {

	peers := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		peer, err := withPort(addr, params.DefaultPort)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}
		peers = append(peers, peer)
	}
	return peers, nil
}
