// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultFilterCacheSize is the number of filters kept by a FilterCache.
const DefaultFilterCacheSize = 1000

type filterCacheKey struct {
	filterType wire.FilterType
	hash       chainhash.Hash
}

type cachedFilter struct {
	Filter
}

// Size counts every filter as one element.
func (c *cachedFilter) Size() (uint64, error) {
	return 1, nil
}

// FilterCache keeps recently loaded filters in front of another
// FilterOracle.  Missing filters are not cached so they are asked for again.
type FilterCache struct {
	oracle FilterOracle
	cache  *lru.Cache[filterCacheKey, *cachedFilter]
}

// NewFilterCache returns a cache holding up to capacity filters.
func NewFilterCache(oracle FilterOracle, capacity uint64) *FilterCache {
	return &FilterCache{
		oracle: oracle,
		cache:  lru.NewCache[filterCacheKey, *cachedFilter](capacity),
	}
}

// LoadFilter returns the cached filter or loads it from the backing
// oracle.
func (c *FilterCache) LoadFilter(filterType wire.FilterType,
	hash chainhash.Hash) fn.Option[Filter] {

	key := filterCacheKey{filterType: filterType, hash: hash}
	if cached, err := c.cache.Get(key); err == nil {
		return fn.Some(cached.Filter)
	}

	filter := c.oracle.LoadFilter(filterType, hash)
	filter.WhenSome(func(f Filter) {
		if _, err := c.cache.Put(key, &cachedFilter{f}); err != nil {
			log.Warnf("Unable to cache filter for %v: %v", hash, err)
		}
	})
	return filter
}

// Len returns the number of cached filters.
func (c *FilterCache) Len() int {
	return c.cache.Len()
}
