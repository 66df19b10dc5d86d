// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"context"

	"github.com/dbuf-project/dbuf/internal/dnode"
	"github.com/dbuf-project/dbuf/internal/txg"
)

// HoldBonus implements spec.md §4.8's bonus-buffer access: the embedded,
// fixed-size region inside the object descriptor, addressed at
// BonusBlockID. It is always a leaf, always a top-level hold (it has no
// parent indirect), and bonusSize is fixed for the dnode's lifetime.
func (t *Table) HoldBonus(ctx context.Context, dn *dnode.Dnode, bonusSize uint64) (*Dbuf, error) {
	return t.Hold(ctx, dn, 0, BonusBlockID, bonusSize, false)
}

// HoldSpill implements spec.md §4.8's spill-buffer access: the overflow
// region attached to the object descriptor, used once content no longer
// fits in the bonus area. Unlike the bonus region, the spill region's size
// can change over the dnode's lifetime via SetSpillBlockSize.
func (t *Table) HoldSpill(ctx context.Context, dn *dnode.Dnode) (*Dbuf, error) {
	dn.RLockStruct()
	size := dn.SpillSize()
	dn.RUnlockStruct()
	if size == 0 {
		return nil, ErrNotFound
	}
	return t.Hold(ctx, dn, 0, SpillBlockID, size, false)
}

// SetSpillBlockSize declares the spill region's size (spec.md §12.5's
// spill_set_blksz). It is only valid to grow or shrink the spill region
// while no spill dbuf is held, since changing the size underneath a live
// hold would invalidate the hold's notion of its own block size.
func (t *Table) SetSpillBlockSize(dn *dnode.Dnode, size uint64) error {
	key := Key{Dataset: dn.Dataset, Object: dn.Object, Level: 0, BlockID: SpillBlockID}
	if d := t.ht.lookup(key); d != nil {
		held := d.holdCount > 0
		d.mu.Unlock()
		if held {
			return ErrNotSupported
		}
	}
	dn.LockStruct()
	dn.SetSpillSize(size)
	dn.UnlockStruct()
	return nil
}

// RemoveSpill implements spec.md §12.5's rm_spill: it frees the spill
// region's content for tg and clears the dnode's declared spill size and
// published pointer, the same way FreeRange frees a leaf data block.
func (t *Table) RemoveSpill(ctx context.Context, dn *dnode.Dnode, tg txg.Number) error {
	d, err := t.HoldSpill(ctx, dn)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	defer t.Rele(d)

	t.freeDbuf(d, tg)

	dn.LockStruct()
	dn.ClearSpillBlockPointer()
	dn.SetSpillSize(0)
	dn.UnlockStruct()
	return nil
}
