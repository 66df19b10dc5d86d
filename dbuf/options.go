// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"github.com/dbuf-project/dbuf/internal/base"
)

// Options configures a Table. Unlike a full LSM engine's options surface,
// this is scoped to dbuf's own knobs: logging and tracing, hash table
// sizing, sync pacing, and sync worker count. The underlying ARC and dnode
// collaborators have their own, separately configured options.
type Options struct {
	// Logger receives diagnostic output. Defaults to base.DefaultLogger.
	Logger base.Logger

	// EventListener receives structured trace callbacks for state
	// transitions, dirty-record lifecycle, and sync completion. Defaults
	// to a no-op listener.
	EventListener *EventListener

	// HashStripes is the striping factor for the hash index's bucket
	// mutexes (spec.md §4.1's DBUF_MUTEXES). Defaults to DefaultStripes.
	HashStripes int

	// HashInitialCapacityPerStripe sizes each stripe's swiss.Map on
	// creation.
	HashInitialCapacityPerStripe int

	// SyncBytesPerSecond paces the sync path's write issuance, mirroring
	// the teacher's TargetByteDeletionRate/deletion pacer. Zero disables
	// pacing.
	SyncBytesPerSecond int

	// SyncWorkers is the number of background goroutines draining the
	// sync manager's job queue.
	SyncWorkers int
}

// EnsureDefaults fills in zero-valued fields with defaults, returning o
// for chaining.
func (o *Options) EnsureDefaults() *Options {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	if o.EventListener == nil {
		o.EventListener = &EventListener{}
	}
	if o.HashStripes <= 0 {
		o.HashStripes = DefaultStripes
	}
	if o.HashInitialCapacityPerStripe <= 0 {
		o.HashInitialCapacityPerStripe = 64
	}
	if o.SyncWorkers <= 0 {
		o.SyncWorkers = 1
	}
	return o
}
