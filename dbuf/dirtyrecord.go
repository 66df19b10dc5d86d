// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"sync"

	"github.com/dbuf-project/dbuf/internal/arc"
	"github.com/dbuf-project/dbuf/internal/txg"
)

// OverrideInfo marks a leaf dirty record as an immediate/synchronous write:
// the caller has already obtained a block pointer out-of-band (e.g. via a
// dmu_sync-style path) and the sync path must reuse it rather than allocate
// a fresh one.
type OverrideInfo struct {
	BlockPointer arc.BlockPointer
	// NopwriteCandidate marks the override as eligible for nopwrite
	// revalidation: if the ARC still holds the exact content unmodified
	// and released, the sync path may skip the write entirely.
	NopwriteCandidate bool
}

// DirtyRecord is the per-TXG record of an in-progress modification to a
// dbuf. Leaf records carry write-range metadata and a data buffer; indirect
// records carry a child list instead. Which shape applies is determined by
// the owning dbuf's level (0 is leaf).
type DirtyRecord struct {
	dbuf *Dbuf
	txg  txg.Number

	// mu guards fields below for an indirect record's child list, and a
	// leaf record's override/deferredWrite. It is a distinct lock from
	// the dbuf mutex per spec.md §5's lock order (parent indirect
	// dirty-record mutex sits between the hash bucket mutex and the dbuf
	// mutex).
	mu sync.Mutex

	// Leaf-only.
	data          *arc.Buf
	ranges        []WriteRange
	override      *OverrideInfo
	deferredWrite func()

	// Indirect-only.
	children []*DirtyRecord

	// dataPending is set once this record has been handed to the sync
	// path (spec.md §3's data_pending, tracked per-record here rather
	// than only as the dbuf's oldest pointer, so syncerSplitLocked can check it
	// without racing the dbuf's own bookkeeping).
	dataPending bool
}

func newDirtyRecord(d *Dbuf, t txg.Number) *DirtyRecord {
	return &DirtyRecord{dbuf: d, txg: t}
}

// Txg returns the transaction group this record belongs to.
func (dr *DirtyRecord) Txg() txg.Number { return dr.txg }

// Data returns the record's leaf buffer, or nil for an indirect record.
func (dr *DirtyRecord) Data() *arc.Buf { return dr.data }

// Ranges returns a copy of the record's write ranges.
func (dr *DirtyRecord) Ranges() []WriteRange {
	out := make([]WriteRange, len(dr.ranges))
	copy(out, dr.ranges)
	return out
}

// addChild links a child indirect/leaf dirty record into this (indirect)
// record's child list, guarded by dr.mu per spec.md §4.4's "Dirty parent"
// rule.
func (dr *DirtyRecord) addChild(child *DirtyRecord) {
	dr.mu.Lock()
	dr.children = append(dr.children, child)
	dr.mu.Unlock()
}

func (dr *DirtyRecord) removeChild(child *DirtyRecord) {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	for i, c := range dr.children {
		if c == child {
			dr.children = append(dr.children[:i], dr.children[i+1:]...)
			return
		}
	}
}

func (dr *DirtyRecord) childSnapshot() []*DirtyRecord {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	out := make([]*DirtyRecord, len(dr.children))
	copy(out, dr.children)
	return out
}
