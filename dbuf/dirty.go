// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"github.com/dbuf-project/dbuf/internal/arc"
	"github.com/dbuf-project/dbuf/internal/dnode"
	"github.com/dbuf-project/dbuf/internal/txg"
)

// WillDirty implements spec.md §4.4's core dirtying discipline: it returns
// the dirty record for txg tg on d, creating one (and recursively dirtying
// the parent indirect, or the dnode itself at the top) if this is the
// dbuf's first dirty for tg.
func (t *Table) WillDirty(d *Dbuf, tg txg.Number) (*DirtyRecord, error) {
	d.mu.Lock()
	if d.state.has(StateEvicting) {
		d.mu.Unlock()
		return nil, ErrNotFound
	}
	if dr := d.dirtyRecordForTxg(tg); dr != nil {
		d.mu.Unlock()
		return dr, nil
	}

	t.syncerSplitLocked(d)

	dr := newDirtyRecord(d, tg)
	if d.IsLeaf() {
		dr.data = d.frontend
	}
	d.insertDirtyRecord(dr)

	parent, dn, key := d.parent, d.dn, d.Key
	d.mu.Unlock()

	t.metrics.IncDirty(d.blockSize)

	if parent != nil {
		pdr, err := t.WillDirty(parent, tg)
		if err != nil {
			return nil, err
		}
		pdr.addChild(dr)
	} else if dn != nil {
		// No parent indirect: either a top-level block pointer held
		// directly by the dnode, or a bonus/spill dbuf. Either way the
		// dnode itself must join the txg's dirty set.
		dn.AddDirtyRecord(tg, &dnode.DirtyRecord{Txg: tg})
	}

	t.opts.EventListener.DirtyRecordCreated(DirtyRecordInfo{Key: key, Txg: tg})
	return dr, nil
}

// syncerSplitLocked implements the copy-on-write split spec.md §9's design
// note describes: if the dbuf's frontend buffer is the same object an
// older, already-queued-for-sync dirty record is writing out, a brand new
// dirty record must not share it — the in-flight write needs a stable
// buffer, and new writes need a mutable one. The caller must hold d.mu.
func (t *Table) syncerSplitLocked(d *Dbuf) {
	if d.frontend == nil {
		return
	}
	old := d.oldestDirty()
	if old == nil {
		return
	}
	old.mu.Lock()
	shared := old.dataPending && old.data == d.frontend
	old.mu.Unlock()
	if !shared {
		return
	}
	d.frontend = d.frontend.Clone()
}

func sumRanges(rs []WriteRange) uint64 {
	var total uint64
	for _, r := range rs {
		total += r.size()
	}
	return total
}

// WillDirtyRange implements spec.md §4.4's partial-write accumulation: it
// dirties d for tg if necessary, then merges [start, end) into the leaf
// dirty record's write ranges, updating PARTIAL accordingly.
func (t *Table) WillDirtyRange(d *Dbuf, tg txg.Number, start, end uint64) (*DirtyRecord, error) {
	dr, err := t.WillDirty(d, tg)
	if err != nil {
		return nil, err
	}

	dr.mu.Lock()
	before := sumRanges(dr.ranges)
	dr.ranges = mergeRange(dr.ranges, start, end)
	after := sumRanges(dr.ranges)
	nowComplete := coversFullBlock(dr.ranges, d.blockSize)
	dr.mu.Unlock()

	d.mu.Lock()
	if nowComplete {
		d.state &^= StatePartial
	} else {
		d.state |= StatePartial
	}
	d.mu.Unlock()

	if delta := after - before; delta > 0 {
		t.metrics.DirtyRangesInFlight.Add(1)
		t.metrics.DirtyRangesTotal.Add(1)
	}
	t.opts.EventListener.RangeMerged(RangeMergedInfo{
		Key: d.Key, Txg: tg, Start: start, End: end, NowComplete: nowComplete,
	})
	return dr, nil
}

// WillFill implements spec.md §4.4's fill discipline: it dirties d for tg
// and grants this caller exclusive FILL ownership, blocking if another
// filler currently holds it.
func (t *Table) WillFill(d *Dbuf, tg txg.Number) (*DirtyRecord, error) {
	dr, err := t.WillDirty(d, tg)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	for d.state.has(StateFill) {
		d.cond.Wait()
	}
	from := d.state
	d.state |= StateFill
	to := d.state
	d.mu.Unlock()
	t.opts.EventListener.StateTransition(StateTransitionInfo{Key: d.Key, From: from, To: to})
	return dr, nil
}

// WillNotFill releases FILL ownership without having completed a fill,
// e.g. on an error path after WillFill. It wakes any blocked filler.
func (t *Table) WillNotFill(d *Dbuf) {
	d.mu.Lock()
	from := d.state
	d.state &^= StateFill
	to := d.state
	d.cond.Broadcast()
	d.mu.Unlock()
	t.opts.EventListener.StateTransition(StateTransitionInfo{Key: d.Key, From: from, To: to})
}

// FillDone implements spec.md §4.4's fill completion: the caller has
// written the dbuf's entire block (typically via LoanBuffer/ReturnBuffer),
// so the whole range is marked dirty and complete, FILL is released, and
// the dbuf becomes CACHED. If FreeRange raced this fill (spec.md §8
// scenario 3), the free wins: the freshly-filled content is discarded and
// the dirty record is repointed at a hole, the same nil-data/full-range
// convention freeDbuf uses, so the hole still gets synced for tg rather
// than silently dropped from the txg's sync set.
func (t *Table) FillDone(d *Dbuf, tg txg.Number) error {
	dr, err := t.WillDirtyRange(d, tg, 0, d.blockSize)
	if err != nil {
		return err
	}

	d.mu.Lock()
	from := d.state
	d.state &^= StateFill
	d.state |= StateCached
	freed := d.freedInFlight
	d.freedInFlight = false
	to := d.state
	d.cond.Broadcast()
	d.mu.Unlock()

	t.opts.EventListener.StateTransition(StateTransitionInfo{Key: d.Key, From: from, To: to})

	if freed {
		dr.mu.Lock()
		dr.data = nil
		dr.ranges = []WriteRange{{Start: 0, End: d.blockSize}}
		dr.mu.Unlock()

		d.mu.Lock()
		d.frontend = nil
		d.state = (d.state &^ StatePartial) | StateCached
		d.mu.Unlock()
	}
	return nil
}

// AssignArcBuf implements spec.md §12.1's dbuf_assign_arcbuf: the caller
// supplies a complete, already-filled buffer for the whole block, skipping
// RMW entirely. This is the fast path a zero-copy writer uses after
// LoanBuffer.
func (t *Table) AssignArcBuf(d *Dbuf, tg txg.Number, buf *arc.Buf) (*DirtyRecord, error) {
	dr, err := t.WillDirty(d, tg)
	if err != nil {
		return nil, err
	}

	dr.mu.Lock()
	dr.data = buf
	dr.ranges = []WriteRange{{Start: 0, End: d.blockSize}}
	dr.mu.Unlock()

	d.mu.Lock()
	from := d.state
	d.frontend = buf
	d.state = (d.state &^ (StatePartial | StateFill)) | StateCached
	to := d.state
	d.cond.Broadcast()
	d.mu.Unlock()

	t.opts.EventListener.StateTransition(StateTransitionInfo{Key: d.Key, From: from, To: to})
	return dr, nil
}
