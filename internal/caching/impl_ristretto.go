// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const (
	joinedHostsCache = byte(iota + 1)
)

// NewRistrettoCache creates the shared ristretto instance and carves it into
// typed partitions.
func NewRistrettoCache(maxCost int64, maxAge time.Duration, enableMetrics bool) *Caches {
	if maxCost <= 0 {
		maxCost = DefaultMaxCost
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxCost / 1024 * 10),
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     enableMetrics,
	})
	if err != nil {
		panic(err)
	}
	return &Caches{
		JoinedHosts: &RistrettoCachePartition[string, []spec.ServerName]{
			cache:  cache,
			prefix: joinedHostsCache,
			maxAge: maxAge,
		},
	}
}

// RistrettoCachePartition is one keyspace of the shared cache. The prefix
// byte keeps partitions from colliding on equal keys.
type RistrettoCachePartition[K comparable, V any] struct {
	cache  *ristretto.Cache
	prefix byte
	maxAge time.Duration
}

func (c *RistrettoCachePartition[K, V]) key(key K) string {
	return fmt.Sprintf("%c%v", c.prefix, key)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	c.cache.SetWithTTL(c.key(key), value, 1, c.maxAge)
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	v, ok := c.cache.Get(c.key(key))
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return value, ok
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	c.cache.Del(c.key(key))
}
