// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"context"

	"github.com/dbuf-project/dbuf/internal/arc"
	"github.com/dbuf-project/dbuf/internal/base"
)

// mergeAllRanges folds add into base via mergeRange one range at a time.
func mergeAllRanges(base []WriteRange, add []WriteRange) []WriteRange {
	for _, r := range add {
		base = mergeRange(base, r.Start, r.End)
	}
	return base
}

// Read implements spec.md §4.3/§4.6's read path: a CACHED dbuf returns its
// frontend content directly; an UNCACHED dbuf issues a read through the
// ARC and resolves the result against any write ranges that landed in the
// frontend while the read was in flight (the RMW inverse-merge spec.md §9
// names explicitly). A read that fails after dirty bytes were already
// committed into a provisional frontend degrades to a zero-fill substitute
// for the holes rather than losing the dirty bytes themselves, counted via
// Metrics.DirtyWritesLost. A failed read with no dirty bytes to preserve
// returns the dbuf to UNCACHED and reports ErrIO, as does a read of a NOFILL
// dbuf. A dbuf with no published
// block pointer, and a CACHED dbuf whose frontend was freed, read as a hole
// (all zeros).
func (t *Table) Read(ctx context.Context, d *Dbuf) ([]byte, error) {
	d.mu.Lock()
	if d.state.Exclusive() == StateCached && !d.state.has(StateRead) {
		if d.frontend != nil {
			data := append([]byte(nil), d.frontend.Data()...)
			d.mu.Unlock()
			return data, nil
		}
		// Freed: the whole block is a hole, whatever pointer was published
		// before the free.
		data := make([]byte, d.blockSize)
		d.mu.Unlock()
		return data, nil
	}
	if d.state.has(StateRead) {
		for d.state.has(StateRead) {
			d.cond.Wait()
		}
		d.mu.Unlock()
		return t.Read(ctx, d)
	}
	if d.state.Exclusive() == StateNoFill {
		d.mu.Unlock()
		return nil, ErrIO
	}
	// With no published pointer the block has never been written: it is a
	// hole, read through the same completion path as a real read.
	bp := d.blockPtr
	if !d.hasPtr {
		bp = arc.HolePointer(uint32(d.blockSize))
	}
	from := d.state
	d.state |= StateRead
	to := d.state
	d.mu.Unlock()
	t.opts.EventListener.StateTransition(StateTransitionInfo{Key: d.Key, From: from, To: to})

	sw := base.MakeStopwatch()
	buf, future, _ := t.cache.Read(ctx, bp, arc.PrioritySync, arc.ReadFlags{})
	var err error
	if future != nil {
		buf, err = future.Wait()
	}

	d.mu.Lock()
	holeRead := bp.IsHole
	dirtyLost := false
	if err != nil && (len(d.dirty) == 0 || d.frontend == nil) {
		from2 := d.state
		d.state &^= StateRead
		to2 := d.state
		d.cond.Broadcast()
		d.mu.Unlock()
		t.opts.EventListener.StateTransition(StateTransitionInfo{Key: d.Key, From: from2, To: to2})
		return nil, ErrIO
	}
	if err != nil {
		dirtyLost = true
		t.metrics.DirtyWritesLost.Add(1)
		t.opts.Logger.Infof("dbuf %v: read failed, resolving against zero-fill: %v", d.Key, err)
		buf = t.cache.Alloc(int(d.blockSize), arc.ContentData)
	}

	if d.frontend != nil {
		var ranges []WriteRange
		for _, dr := range d.dirty {
			dr.mu.Lock()
			ranges = mergeAllRanges(ranges, dr.ranges)
			dr.mu.Unlock()
		}
		frontendData := d.frontend.Data()
		for _, r := range ranges {
			end := r.End
			if end > uint64(len(buf.Data())) {
				end = uint64(len(buf.Data()))
			}
			if end > uint64(len(frontendData)) {
				end = uint64(len(frontendData))
			}
			if r.Start < end {
				copy(buf.Data()[r.Start:end], frontendData[r.Start:end])
			}
		}
	}

	d.frontend = buf
	from2 := d.state
	d.state = (d.state &^ (StateRead | StatePartial)) | StateCached
	to2 := d.state
	d.cond.Broadcast()
	d.mu.Unlock()

	elapsed := sw.Stop()
	t.metrics.RecordResolveLatency(elapsed)
	t.metrics.ResolvesCompleted.Add(1)
	t.opts.EventListener.StateTransition(StateTransitionInfo{Key: d.Key, From: from2, To: to2})
	t.opts.EventListener.Resolved(ResolvedInfo{
		Key: d.Key, DirtyLost: dirtyLost, HoleRead: holeRead, ResolveNanos: elapsed.Nanoseconds(),
	})

	data := append([]byte(nil), buf.Data()...)
	return data, nil
}
