// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package dnode defines the minimal object-descriptor contract the dbuf
// package consumes from the object layer. A full dnode carries a great
// deal more (bonus type, indirection-level history, block size changes);
// this package exposes only the slice spec.md §6 names: a
// lifetime-guarded phys-pointer accessor, the struct rwlock that stabilizes
// nlevels/blkptr across a hold, the dbufs mutex guarding the per-object
// dbuf list, and the per-txg dirty-record list.
package dnode

import (
	"sync"

	"github.com/dbuf-project/dbuf/internal/arc"
	"github.com/dbuf-project/dbuf/internal/txg"
)

// BlockPointer is an alias for the ARC's block pointer type: the object
// descriptor stores exactly what it hands to and receives from the
// underlying cache, so there is no separate on-disk representation here
// (the on-disk block pointer format is explicitly out of scope).
type BlockPointer = arc.BlockPointer

// DirtyRecord is the minimal shape a dnode-level dirty record must expose
// to dbuf's free_range and sync-path bookkeeping. The dnode package itself
// does not interpret the contents; it is a typed list element.
type DirtyRecord struct {
	Txg txg.Number
}

// DefaultFanout is the number of child block pointers held by one
// indirect block when a dnode does not specify its own.
const DefaultFanout = 128

// Dnode is an object descriptor: the thing a hold(dn, blkid) call is made
// against. Its exported methods are the entire surface dbuf is allowed to
// touch; everything else about object layout (bonus type, indirection
// policy, space accounting) is out of scope.
type Dnode struct {
	Object  uint64
	Dataset string
	// Fanout is the number of level-(n-1) blocks addressed by one
	// level-n indirect block.
	Fanout int

	// structLock stabilizes NLevels and the top-level BlockPointer array
	// across a hold: a hold must not observe nlevels or a block pointer
	// slot changing out from under it mid-traversal.
	structLock sync.RWMutex
	nLevels    int
	blkptrs    []BlockPointer
	bonusPtr   BlockPointer
	hasBonus   bool
	spillPtr   BlockPointer
	hasSpill   bool
	spillSize  uint64

	// dbufsMu guards the per-object list of live dbufs, walked by
	// free_range and by the eviction sweep.
	dbufsMu sync.Mutex
	dbufs   []DbufRef

	// dirtyMu guards dirtyRecords; it is a separate lock from dbufsMu
	// because the sync path walks dirty records under a different
	// acquisition order than the free_range path walks dbufs.
	dirtyMu       sync.Mutex
	dirtyRecords  [txg.ConcurrentStates][]*DirtyRecord
}

// DbufRef is the minimal handle dnode needs to enumerate live dbufs
// without importing the dbuf package (which imports dnode): a coordinate
// plus an opaque back-reference the caller can type-assert.
type DbufRef struct {
	Level   int
	BlockID uint64
	Ref     any
}

// New creates a dnode for the given dataset/object with an initial
// indirection depth and top-level block pointer array.
func New(dataset string, object uint64, nLevels int, blkptrs []BlockPointer) *Dnode {
	return &Dnode{
		Dataset: dataset,
		Object:  object,
		Fanout:  DefaultFanout,
		nLevels: nLevels,
		blkptrs: blkptrs,
	}
}

// RLockStruct acquires the struct rwlock for reading, stabilizing NLevels
// and BlockPointerAt against concurrent resize/relocation.
func (dn *Dnode) RLockStruct()   { dn.structLock.RLock() }
func (dn *Dnode) RUnlockStruct() { dn.structLock.RUnlock() }

// LockStruct acquires the struct rwlock for writing, e.g. when growing
// NLevels during a hold_level on a block-id beyond the current indirection
// depth.
func (dn *Dnode) LockStruct()   { dn.structLock.Lock() }
func (dn *Dnode) UnlockStruct() { dn.structLock.Unlock() }

// NLevels returns the object's current indirection depth. The caller must
// hold at least RLockStruct.
func (dn *Dnode) NLevels() int { return dn.nLevels }

// GrowLevels sets the object's indirection depth to n. It only records the
// new depth; existing top-level block pointers are not moved under a new
// indirect. The caller must hold LockStruct.
func (dn *Dnode) GrowLevels(n int) { dn.nLevels = n }

// BlockPointerAt returns the top-level block pointer for blockID, and false
// if none has been published for it (including slots that exist only
// because a higher block-id was published).
// The caller must hold at least RLockStruct; the returned value is a copy
// and safe to use after the lock is released ("lifetime guard" in
// spec.md's terms — the dbuf layer is forbidden from holding a pointer
// into the dnode's array past the unlock).
func (dn *Dnode) BlockPointerAt(blockID uint64) (BlockPointer, bool) {
	if blockID >= uint64(len(dn.blkptrs)) {
		return BlockPointer{}, false
	}
	bp := dn.blkptrs[blockID]
	if bp == (BlockPointer{}) {
		return BlockPointer{}, false
	}
	return bp, true
}

// SetBlockPointerAt installs bp as the top-level block pointer for
// blockID, growing the array if necessary. The caller must hold
// LockStruct.
func (dn *Dnode) SetBlockPointerAt(blockID uint64, bp BlockPointer) {
	if blockID >= uint64(len(dn.blkptrs)) {
		grown := make([]BlockPointer, blockID+1)
		copy(grown, dn.blkptrs)
		dn.blkptrs = grown
	}
	dn.blkptrs[blockID] = bp
}

// BonusBlockPointer returns the dnode's bonus-region block pointer, if one
// has ever been published. The caller must hold at least RLockStruct.
func (dn *Dnode) BonusBlockPointer() (BlockPointer, bool) { return dn.bonusPtr, dn.hasBonus }

// SetBonusBlockPointer installs bp as the bonus-region block pointer. The
// caller must hold LockStruct.
func (dn *Dnode) SetBonusBlockPointer(bp BlockPointer) {
	dn.bonusPtr, dn.hasBonus = bp, true
}

// SpillBlockPointer returns the dnode's spill-region block pointer, if one
// has ever been published. The caller must hold at least RLockStruct.
func (dn *Dnode) SpillBlockPointer() (BlockPointer, bool) { return dn.spillPtr, dn.hasSpill }

// SetSpillBlockPointer installs bp as the spill-region block pointer. The
// caller must hold LockStruct.
func (dn *Dnode) SetSpillBlockPointer(bp BlockPointer) {
	dn.spillPtr, dn.hasSpill = bp, true
}

// ClearSpillBlockPointer removes the spill-region block pointer entirely,
// used by rm_spill.
func (dn *Dnode) ClearSpillBlockPointer() {
	dn.spillPtr, dn.hasSpill = BlockPointer{}, false
}

// SpillSize returns the currently declared size of the spill region. The
// caller must hold at least RLockStruct.
func (dn *Dnode) SpillSize() uint64 { return dn.spillSize }

// SetSpillSize declares the spill region's size. The caller must hold
// LockStruct.
func (dn *Dnode) SetSpillSize(size uint64) { dn.spillSize = size }

// AddDbuf registers a live dbuf under the object's dbufs list.
func (dn *Dnode) AddDbuf(ref DbufRef) {
	dn.dbufsMu.Lock()
	dn.dbufs = append(dn.dbufs, ref)
	dn.dbufsMu.Unlock()
}

// RemoveDbuf unregisters a dbuf previously added with AddDbuf.
func (dn *Dnode) RemoveDbuf(level int, blockID uint64) {
	dn.dbufsMu.Lock()
	defer dn.dbufsMu.Unlock()
	for i, d := range dn.dbufs {
		if d.Level == level && d.BlockID == blockID {
			dn.dbufs = append(dn.dbufs[:i], dn.dbufs[i+1:]...)
			return
		}
	}
}

// ForEachDbuf invokes f for every currently-registered dbuf, holding
// dbufsMu for the duration. f must not call back into AddDbuf/RemoveDbuf.
func (dn *Dnode) ForEachDbuf(f func(DbufRef)) {
	dn.dbufsMu.Lock()
	defer dn.dbufsMu.Unlock()
	for _, d := range dn.dbufs {
		f(d)
	}
}

// AddDirtyRecord appends a dirty record to the slot for txg%ConcurrentStates.
func (dn *Dnode) AddDirtyRecord(t txg.Number, rec *DirtyRecord) {
	slot := txg.Slot(t)
	dn.dirtyMu.Lock()
	dn.dirtyRecords[slot] = append(dn.dirtyRecords[slot], rec)
	dn.dirtyMu.Unlock()
}

// TakeDirtyRecords removes and returns all dirty records queued for txg,
// for the syncing path to drain.
func (dn *Dnode) TakeDirtyRecords(t txg.Number) []*DirtyRecord {
	slot := txg.Slot(t)
	dn.dirtyMu.Lock()
	defer dn.dirtyMu.Unlock()
	recs := dn.dirtyRecords[slot]
	dn.dirtyRecords[slot] = nil
	return recs
}
