// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package arc implements a reference, in-memory stand-in for the adaptive
// replacement cache that the dbuf layer sits on top of. The dbuf package
// takes this concrete *Cache type directly (there is no interface to
// implement instead); this implementation gives the dbuf package (and its
// tests) a concrete, usable ARC to drive.
//
// The eviction policy is CLOCK-Pro, sharded to reduce contention, with
// reference-counted values so a value stays pinned for as long as any
// caller holds a reference even if the clock hands sweep past it.
package arc

import (
	"context"
)

// key is the constraint satisfied by cache keys: comparable, plus a way to
// pick a shard.
type key interface {
	comparable
	Shard(numShards int) int
}

type initFn[K key, V any] func(ctx context.Context, k K, ref ref[K, V]) error
type releaseFn[V any] func(*V)

// ref is handed to initFn so a value can be populated in place.
type ref[K key, V any] struct {
	shard *shard[K, V]
	value *entry[V]
}

// Value returns a pointer to the value being initialized.
func (r ref[K, V]) Value() *V { return &r.value.v }

// genericCache is a sharded, reference-counted, CLOCK-Pro cache from
// comparable keys to arbitrary values.
type genericCache[K key, V any] struct {
	shards []shard[K, V]
}

func newGenericCache[K key, V any](
	capacity, numShards int, initFn initFn[K, V], releaseFn releaseFn[V],
) *genericCache[K, V] {
	c := &genericCache[K, V]{shards: make([]shard[K, V], numShards)}
	shardCapacity := (capacity + numShards - 1) / numShards
	for i := range c.shards {
		c.shards[i].Init(shardCapacity, initFn, releaseFn)
	}
	return c
}

func (c *genericCache[K, V]) getShard(k K) *shard[K, V] {
	return &c.shards[k.Shard(len(c.shards))]
}

// findOrCreate returns a handle on the value for k, creating and
// initializing it via initFn if it is not already cached.
func (c *genericCache[K, V]) findOrCreate(ctx context.Context, k K) (*V, func(), error) {
	s := c.getShard(k)
	v := s.findOrCreate(ctx, k)
	if v.err != nil {
		s.unref(v)
		return nil, nil, v.err
	}
	return &v.v, func() { s.unref(v) }, nil
}

func (c *genericCache[K, V]) evict(k K) {
	c.getShard(k).evict(k)
}

func (c *genericCache[K, V]) close() {
	for i := range c.shards {
		c.shards[i].close()
	}
}

// CacheMetrics reports aggregate hit/miss counters across all shards.
type CacheMetrics struct {
	Hits, Misses int64
	HotOrCold    int64
	Test         int64
}

func (c *genericCache[K, V]) metrics() CacheMetrics {
	var m CacheMetrics
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		m.HotOrCold += int64(s.mu.sizeHot + s.mu.sizeCold)
		m.Test += int64(s.mu.sizeTest)
		s.mu.RUnlock()
		m.Hits += s.hits.Load()
		m.Misses += s.misses.Load()
	}
	return m
}
