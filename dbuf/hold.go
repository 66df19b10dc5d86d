// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"context"

	"github.com/dbuf-project/dbuf/internal/arc"
	"github.com/dbuf-project/dbuf/internal/dnode"
)

func parentBlockID(id BlockID, fanout int) BlockID {
	return id / BlockID(fanout)
}

// Hold implements spec.md §4.2's hold(dataset, object, level, block-id,
// tag): it looks the dbuf up via the hash index, creating and linking it
// (recursively holding its parent indirect) on a miss. The returned dbuf's
// mutex is not held.
//
// blockSize is the logical size of the leaf/indirect content at this
// coordinate; the on-disk block-pointer format that would normally carry
// this is out of scope, so the caller (the object layer, in a full system)
// supplies it directly.
func (t *Table) Hold(
	ctx context.Context, dn *dnode.Dnode, level int, blockID BlockID, blockSize uint64, failSparse bool,
) (*Dbuf, error) {
	key := Key{Dataset: dn.Dataset, Object: dn.Object, Level: level, BlockID: blockID}

	if d := t.ht.lookup(key); d != nil {
		defer d.mu.Unlock()
		d.holdCount++
		return d, nil
	}

	var parent *Dbuf
	if !blockID.IsReserved() {
		dn.RLockStruct()
		isTop := level >= dn.NLevels()-1
		dn.RUnlockStruct()
		if !isTop {
			fanout := dn.Fanout
			if fanout <= 0 {
				fanout = dnode.DefaultFanout
			}
			var err error
			parent, err = t.Hold(ctx, dn, level+1, parentBlockID(blockID, fanout), blockSize, false)
			if err != nil {
				return nil, err
			}
		}
	}

	candidate := newDbuf(t, key, blockSize, dn, parent)

	if !blockID.IsReserved() {
		bp, ok := candidate.BlockPointer()
		if ok && bp.IsHole && failSparse {
			if parent != nil {
				t.Rele(parent)
			}
			return nil, ErrNotFound
		}
		candidate.blockPtr, candidate.hasPtr = bp, ok
	}

	d := t.ht.insert(candidate)
	if d != candidate && parent != nil {
		// Lost the race to create this dbuf; the winner already holds
		// its own parent reference, so drop ours.
		t.Rele(parent)
	}
	defer d.mu.Unlock()
	d.holdCount++

	if d == candidate {
		dn.AddDbuf(dnode.DbufRef{Level: level, BlockID: uint64(blockID), Ref: d})
	}
	return d, nil
}

// Rele implements spec.md §4.2's rele(dbuf, tag): decrement the hold count
// and, on reaching zero, apply eviction policy.
func (t *Table) Rele(d *Dbuf) {
	d.mu.Lock()
	d.holdCount--
	if d.holdCount < 0 {
		panic("dbuf: rele without matching hold")
	}
	if d.holdCount > 0 {
		d.mu.Unlock()
		return
	}

	cacheable := d.state.Exclusive() == StateCached && len(d.dirty) == 0
	var duplicate bool
	if cacheable && d.hasPtr && !d.blockPtr.IsHole {
		duplicate = t.cache.RemoveRef(context.Background(), d.blockPtr)
	}
	if !cacheable || duplicate {
		d.state |= StateEvicting
		d.mu.Unlock()
		t.evict(d)
		return
	}
	d.mu.Unlock()
}

// evict finalizes teardown of a dbuf in EVICTING, removing it from the
// hash index, releasing its parent hold, and draining any user-eviction
// callback outside all dbuf mutexes (spec.md §4.7).
func (t *Table) evict(d *Dbuf) {
	t.ht.remove(d)

	d.mu.Lock()
	var cb func(any)
	var old any
	if d.user != nil {
		cb, old = d.user.evictFn, d.user.old
		d.user = nil
	}
	parent := d.parent
	d.mu.Unlock()

	if cb != nil {
		cb(old)
		t.metrics.UserEvicts.Add(1)
		t.opts.EventListener.UserEvicted(UserEvictedInfo{Key: d.Key, Old: old})
	}
	if parent != nil {
		t.Rele(parent)
	}
	if dn := d.dn; dn != nil {
		dn.RemoveDbuf(d.Level, uint64(d.BlockID))
	}
}

// LoanBuffer hands out the dbuf's live frontend for a zero-copy fill,
// per spec.md §12.1 (dbuf_loan_arcbuf). The caller must own FILL before
// calling this and must call ReturnBuffer before releasing FILL.
func (t *Table) LoanBuffer(d *Dbuf) *arc.Buf {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := d.frontend
	d.frontend = nil
	return buf
}

// ReturnBuffer returns a buffer previously obtained via LoanBuffer,
// reinstalling it as the dbuf's frontend.
func (t *Table) ReturnBuffer(d *Dbuf, buf *arc.Buf) {
	t.cache.ReturnBuf(buf)
	d.mu.Lock()
	d.frontend = buf
	d.mu.Unlock()
}
