// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"github.com/dbuf-project/dbuf/internal/arc"
)

// Table is the dbuf layer's top-level handle: the hash index, its
// underlying cache collaborator, and the background sync manager. One
// Table exists per pool; its lifecycle is owned by the enclosing module
// (spec.md §9's "Global state" design note).
type Table struct {
	opts    *Options
	ht      *hashTable
	cache   *arc.Cache
	metrics *Metrics
	sync    *syncManager
}

// Open creates a Table backed by cache, ready to serve Hold calls.
func Open(cache *arc.Cache, opts *Options) *Table {
	if opts == nil {
		opts = &Options{}
	}
	opts.EnsureDefaults()
	opts.EventListener.EnsureDefaults()
	t := &Table{
		opts:    opts,
		ht:      newHashTable(opts.HashStripes, opts.HashInitialCapacityPerStripe),
		cache:   cache,
		metrics: newMetrics(),
	}
	t.sync = newSyncManager(t, opts.SyncWorkers, opts.SyncBytesPerSecond)
	return t
}

// Metrics returns the table's metrics. The returned pointer is stable for
// the table's lifetime.
func (t *Table) Metrics() *Metrics { return t.metrics }

// Close shuts down the table's background sync workers.
func (t *Table) Close() {
	t.sync.close()
	t.ht.close()
}
