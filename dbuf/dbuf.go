// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"sync"

	"github.com/dbuf-project/dbuf/internal/arc"
	"github.com/dbuf-project/dbuf/internal/dnode"
	"github.com/dbuf-project/dbuf/internal/txg"
)

// Dbuf is a single cache entry: the per-block frontend buffer, its dirty
// pipeline, and the state bits governing concurrent access to both.
// Exactly one Dbuf exists per live (dataset, object, level, block-id)
// tuple; it is created on first Hold and destroyed once its hold count
// returns to zero and it is deemed non-cacheable or duplicate (spec.md
// §3, §4.2).
type Dbuf struct {
	Key
	blockSize uint64

	// mu and cond together implement spec.md §4.6's db_changed: any
	// transition readers or fillers block on is signaled through cond.
	mu   sync.Mutex
	cond sync.Cond

	state     State
	holdCount int32

	// frontend is the live cache buffer, valid when state has CACHED or
	// is mid-fill. It is nil in UNCACHED/NOFILL and for indirect dbufs,
	// which keep their logical content in childPointers instead (see
	// ChildPointer/SetChildPointer); the sync path encodes that array
	// with arc.EncodeBlockPointers only to have bytes to write for the
	// indirect block.
	frontend      *arc.Buf
	childPointers []arc.BlockPointer

	// dirty is newest-first, strictly decreasing by TXG (invariant 2).
	dirty []*DirtyRecord
	// dataPending is the oldest dirty record already handed to the sync
	// path, if any.
	dataPending *DirtyRecord

	// freedInFlight is set by FreeRange when it races an active filler;
	// the filler observes it in FillDone (spec.md §8 scenario 3).
	freedInFlight bool

	parent   *Dbuf
	dn       *dnode.Dnode
	blockPtr arc.BlockPointer
	hasPtr   bool

	user *userRecord

	table *Table
}

func newDbuf(tbl *Table, key Key, blockSize uint64, dn *dnode.Dnode, parent *Dbuf) *Dbuf {
	d := &Dbuf{
		Key:       key,
		blockSize: blockSize,
		dn:        dn,
		parent:    parent,
		table:     tbl,
	}
	d.cond.L = &d.mu
	return d
}

// State returns the dbuf's current state bits. The caller must hold no
// lock; the value may be stale the instant it is observed. The dbuf's
// mutex is not exported, so no caller can hold the state stable across
// the read.
func (d *Dbuf) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// BlockSize returns the dbuf's logical block size.
func (d *Dbuf) BlockSize() uint64 { return d.blockSize }

// HoldCount returns the current hold count.
func (d *Dbuf) HoldCount() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.holdCount
}

// DirtyCount returns the number of outstanding dirty records.
func (d *Dbuf) DirtyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dirty)
}

// IsLeaf reports whether this dbuf is a level-0 data block. Bonus and
// spill dbufs are also treated as leaves: they carry byte content and no
// children.
func (d *Dbuf) IsLeaf() bool { return d.Level == 0 || d.BlockID.IsReserved() }

// syncReason reports which BackgroundErrorReason a failed write-out of d
// should be attributed to.
func (d *Dbuf) syncReason() BackgroundErrorReason {
	if d.IsLeaf() {
		return BgLeafSync
	}
	return BgIndirectSync
}

// dirtyRecordForTxg returns the dirty record for t, if any. The caller
// must hold d.mu.
func (d *Dbuf) dirtyRecordForTxg(t txg.Number) *DirtyRecord {
	for _, dr := range d.dirty {
		if dr.txg == t {
			return dr
		}
	}
	return nil
}

// insertDirtyRecord inserts dr keeping d.dirty strictly decreasing by TXG.
// The caller must hold d.mu.
func (d *Dbuf) insertDirtyRecord(dr *DirtyRecord) {
	i := 0
	for i < len(d.dirty) && d.dirty[i].txg > dr.txg {
		i++
	}
	d.dirty = append(d.dirty, nil)
	copy(d.dirty[i+1:], d.dirty[i:])
	d.dirty[i] = dr
}

// removeDirtyRecord removes dr from d.dirty. The caller must hold d.mu.
func (d *Dbuf) removeDirtyRecord(dr *DirtyRecord) {
	for i, r := range d.dirty {
		if r == dr {
			d.dirty = append(d.dirty[:i], d.dirty[i+1:]...)
			return
		}
	}
}

// oldestDirty returns the dirty record with the smallest TXG, i.e. the
// next one eligible for data_pending. The caller must hold d.mu.
func (d *Dbuf) oldestDirty() *DirtyRecord {
	if len(d.dirty) == 0 {
		return nil
	}
	return d.dirty[len(d.dirty)-1]
}

// ChildPointer returns the block pointer this indirect dbuf holds for
// blockID at level-1. The caller must hold d.mu (or read it via a
// consistent snapshot taken under mu).
func (d *Dbuf) ChildPointer(blockID BlockID) (arc.BlockPointer, bool) {
	idx := uint64(blockID)
	if idx >= uint64(len(d.childPointers)) {
		return arc.BlockPointer{}, false
	}
	return d.childPointers[idx], true
}

// SetChildPointer installs bp as the pointer for blockID. The caller must
// hold d.mu.
func (d *Dbuf) SetChildPointer(blockID BlockID, bp arc.BlockPointer) {
	idx := uint64(blockID)
	if idx >= uint64(len(d.childPointers)) {
		grown := make([]arc.BlockPointer, idx+1)
		copy(grown, d.childPointers)
		d.childPointers = grown
	}
	d.childPointers[idx] = bp
}

// BlockPointer returns the dbuf's own block pointer, i.e. the pointer the
// parent (or the dnode, for a top-level dbuf) holds for this dbuf's
// coordinates. Invariant 6 requires the parent be held and stable while
// this is read; callers obtain that by holding a parent hold across the
// call.
func (d *Dbuf) BlockPointer() (arc.BlockPointer, bool) {
	if d.parent != nil {
		d.parent.mu.Lock()
		defer d.parent.mu.Unlock()
		return d.parent.ChildPointer(d.BlockID)
	}
	d.dn.RLockStruct()
	defer d.dn.RUnlockStruct()
	switch d.BlockID {
	case BonusBlockID:
		return d.dn.BonusBlockPointer()
	case SpillBlockID:
		return d.dn.SpillBlockPointer()
	default:
		return d.dn.BlockPointerAt(uint64(d.BlockID))
	}
}
