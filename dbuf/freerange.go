// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"github.com/dbuf-project/dbuf/internal/dnode"
	"github.com/dbuf-project/dbuf/internal/txg"
)

// FreeRange implements spec.md §4.5/§8 scenario 3's free path: every live
// dbuf for object dn at level 0 whose block-id falls in [startBlkID,
// endBlkID) is marked hole-bound for tg, discarding any in-flight fill it
// raced (freedInFlight), and every level-1 indirect covering that range is
// force-dirtied so the hole propagates to its parent on sync even if no
// other write touches it (SPEC_FULL.md's supplemented force-dirty
// behavior, grounded on dbuf.c's dbuf_free_range forcing dnode_dirty on the
// containing indirect).
func (t *Table) FreeRange(dn *dnode.Dnode, tg txg.Number, startBlkID, endBlkID BlockID) error {
	dn.ForEachDbuf(func(ref dnode.DbufRef) {
		if ref.Level != 0 {
			return
		}
		d, ok := ref.Ref.(*Dbuf)
		if !ok || d.BlockID < startBlkID || d.BlockID >= endBlkID {
			return
		}
		t.freeDbuf(d, tg)
	})

	dn.ForEachDbuf(func(ref dnode.DbufRef) {
		if ref.Level != 1 {
			return
		}
		d, ok := ref.Ref.(*Dbuf)
		if !ok {
			return
		}
		fanout := dn.Fanout
		if fanout <= 0 {
			fanout = dnode.DefaultFanout
		}
		lo := d.BlockID * BlockID(fanout)
		hi := lo + BlockID(fanout)
		if hi <= startBlkID || lo >= endBlkID {
			return
		}
		if _, err := t.WillDirty(d, tg); err != nil {
			// Best-effort: a dbuf racing eviction simply does not need
			// force-dirtying, since it carries no pointers to propagate.
			return
		}
	})
	return nil
}

// freeDbuf marks a single leaf dbuf as freed for tg: its content becomes a
// hole, any in-flight fill is told to discard its result in FillDone, and
// a full-range dirty record records the hole so sync writes nothing.
func (t *Table) freeDbuf(d *Dbuf, tg txg.Number) {
	d.mu.Lock()
	if d.state.has(StateFill) {
		d.freedInFlight = true
		d.mu.Unlock()
		return
	}
	from := d.state
	d.frontend = nil
	d.state = (d.state &^ StatePartial) | StateCached
	to := d.state
	d.mu.Unlock()

	t.opts.EventListener.StateTransition(StateTransitionInfo{Key: d.Key, From: from, To: to})

	dr, err := t.WillDirty(d, tg)
	if err != nil {
		return
	}
	dr.mu.Lock()
	dr.data = nil
	dr.ranges = []WriteRange{{Start: 0, End: d.blockSize}}
	dr.mu.Unlock()
}
