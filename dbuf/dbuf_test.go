// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"github.com/dbuf-project/dbuf/internal/arc"
	"github.com/dbuf-project/dbuf/internal/dnode"
)

// newTestTable builds a Table over a small in-memory cache, for tests that
// don't care about cache capacity or sync pacing.
func newTestTable() (*Table, *arc.Cache) {
	cache := arc.New(64, 2)
	table := Open(cache, &Options{SyncWorkers: 0})
	return table, cache
}

// newTestDnode builds a single-level dnode (no indirects), suitable for
// tests that only exercise leaf/bonus/spill dbufs.
func newTestDnode(dataset string, object uint64) *dnode.Dnode {
	return dnode.New(dataset, object, 1, nil)
}
