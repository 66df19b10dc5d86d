// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"context"

	"github.com/dbuf-project/dbuf/internal/arc"
	"github.com/dbuf-project/dbuf/internal/base"
	"github.com/dbuf-project/dbuf/internal/txg"
)

// Sync implements spec.md §4.5's sync-path write-out for a single dbuf's
// dirty record at tg: leaf and bonus/spill records resolve any outstanding
// holes and write their buffer through the ARC; indirect records first sync
// each child that has a record at tg and then publish a pointer
// summarizing the child array. Either way the resulting block pointer is
// published into the parent indirect's child slot or the dnode's own
// pointer storage, and the dirty record is retired. Sync waits while the
// dbuf has FILL set, so a record is never written out mid-fill.
func (t *Table) Sync(ctx context.Context, d *Dbuf, tg txg.Number) error {
	d.mu.Lock()
	for d.state.has(StateFill) {
		d.cond.Wait()
	}
	dr := d.dirtyRecordForTxg(tg)
	if dr == nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if d.IsLeaf() {
		return t.syncLeaf(ctx, d, dr, tg)
	}
	return t.syncIndirect(ctx, d, dr, tg)
}

func (t *Table) syncLeaf(ctx context.Context, d *Dbuf, dr *DirtyRecord, tg txg.Number) error {
	dr.mu.Lock()
	override := dr.override
	buf := dr.data
	ranges := append([]WriteRange(nil), dr.ranges...)
	dr.mu.Unlock()

	if override != nil {
		if override.NopwriteCandidate && buf != nil && t.cache.Released(buf) && t.cache.Frozen(buf) {
			t.metrics.OverrideDeferredResolves.Add(1)
			return t.finishSync(d, dr, tg, override.BlockPointer, nil)
		}
		t.metrics.OverrideDeferredWriteZios.Add(1)
		return t.writeAndFinish(ctx, d, dr, tg, buf)
	}

	if !coversFullBlock(ranges, d.blockSize) {
		t.metrics.SyncerDeferredResolves.Add(1)
		resolved, err := t.resolveForSync(ctx, d, buf, ranges)
		if err != nil {
			return err
		}
		// The merged block replaces the partial frontend when that buffer
		// is still the frontend and no other txg's record shares it.
		d.mu.Lock()
		if buf != nil && d.frontend == buf && len(d.dirty) == 1 {
			d.frontend = resolved
			d.state &^= StatePartial
		}
		d.mu.Unlock()
		buf = resolved
		t.metrics.SyncerDeferredWriteZios.Add(1)
	}

	if buf == nil {
		buf = t.cache.Alloc(int(d.blockSize), arc.ContentData)
	}
	return t.writeAndFinish(ctx, d, dr, tg, buf)
}

// resolveForSync fills in the holes of a partially-written leaf buffer by
// reading the dbuf's previously-published content, mirroring Read's
// inverse-merge but scoped to exactly the bytes the sync needs.
func (t *Table) resolveForSync(
	ctx context.Context, d *Dbuf, partial *arc.Buf, ranges []WriteRange,
) (*arc.Buf, error) {
	sw := base.MakeStopwatch()
	d.mu.Lock()
	bp, hasPtr := d.blockPtr, d.hasPtr
	d.mu.Unlock()

	full := t.cache.Alloc(int(d.blockSize), arc.ContentData)
	if hasPtr && !bp.IsHole {
		readBuf, future, _ := t.cache.Read(ctx, bp, arc.PriorityAsync, arc.ReadFlags{})
		var err error
		if future != nil {
			readBuf, err = future.Wait()
		}
		if err != nil {
			t.metrics.DirtyWritesLost.Add(1)
			bgErr := newBackgroundError(d.Key, BgResolve, SeverityDurabilityLoss, err)
			t.opts.Logger.Infof("dbuf %v: sync resolve read failed, zero-filling holes: %v", d.Key, bgErr)
		} else {
			copy(full.Data(), readBuf.Data())
		}
	}
	if partial != nil {
		for _, r := range ranges {
			copy(full.Data()[r.Start:r.End], partial.Data()[r.Start:r.End])
		}
	}

	t.metrics.RecordResolveLatency(sw.Stop())
	t.metrics.ResolvesCompleted.Add(1)
	t.opts.EventListener.Resolved(ResolvedInfo{
		Key: d.Key, ResolveNanos: sw.Stop().Nanoseconds(),
	})
	return full, nil
}

func (t *Table) writeAndFinish(
	ctx context.Context, d *Dbuf, dr *DirtyRecord, tg txg.Number, buf *arc.Buf,
) error {
	dr.mu.Lock()
	dr.dataPending = true
	dr.mu.Unlock()
	d.mu.Lock()
	d.dataPending = dr
	d.mu.Unlock()

	buf.Freeze()
	var publishedBP arc.BlockPointer
	wh := t.cache.Write(ctx, buf,
		func(bp arc.BlockPointer) { publishedBP = bp },
		nil,
	)
	if err := wh.Wait(); err != nil {
		// The dirty record stays queued; the write is recoverable and a
		// future sync pass retries it.
		return newBackgroundError(d.Key, d.syncReason(), SeverityRecoverable, err)
	}
	return t.finishSync(d, dr, tg, publishedBP, nil)
}

func (t *Table) syncIndirect(ctx context.Context, d *Dbuf, dr *DirtyRecord, tg txg.Number) error {
	children := dr.childSnapshot()
	for _, c := range children {
		if err := t.Sync(ctx, c.dbuf, tg); err != nil {
			return err
		}
	}

	dr.mu.Lock()
	dr.dataPending = true
	dr.mu.Unlock()

	d.mu.Lock()
	snapshot := append([]arc.BlockPointer(nil), d.childPointers...)
	d.dataPending = dr
	d.mu.Unlock()

	buf := t.cache.Alloc(len(snapshot)*arc.BlockPointerEncodedSize, arc.ContentMetadata)
	arc.EncodeBlockPointers(buf.Data(), snapshot)
	buf.Freeze()

	var publishedBP arc.BlockPointer
	wh := t.cache.Write(ctx, buf, func(bp arc.BlockPointer) { publishedBP = bp }, nil)
	if err := wh.Wait(); err != nil {
		return newBackgroundError(d.Key, BgIndirectSync, SeverityRecoverable, err)
	}
	return t.finishSync(d, dr, tg, publishedBP, nil)
}

// finishSync retires dr, publishes bp into the structure that addresses d,
// and fires the sync-completed trace hook.
func (t *Table) finishSync(d *Dbuf, dr *DirtyRecord, tg txg.Number, bp arc.BlockPointer, err error) error {
	t.publishPointer(d, bp)

	d.mu.Lock()
	d.removeDirtyRecord(dr)
	if d.dataPending == dr {
		d.dataPending = nil
	}
	size := d.blockSize
	d.mu.Unlock()

	t.metrics.DecDirty(size)
	t.opts.EventListener.DirtyRecordDestroyed(DirtyRecordInfo{Key: d.Key, Txg: tg})
	t.opts.EventListener.SyncCompleted(SyncCompletedInfo{
		Key: d.Key, Txg: tg, Err: err, Size: int(bp.LogicalSize),
	})
	return err
}

// publishPointer installs bp as the pointer through which d is addressed:
// the parent indirect's child slot, the dnode's bonus/spill storage, or the
// dnode's top-level block pointer array.
func (t *Table) publishPointer(d *Dbuf, bp arc.BlockPointer) {
	d.mu.Lock()
	parent := d.parent
	dn := d.dn
	blockID := d.BlockID
	d.blockPtr, d.hasPtr = bp, true
	d.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.SetChildPointer(blockID, bp)
		parent.mu.Unlock()
		return
	}
	if dn == nil {
		return
	}
	dn.LockStruct()
	switch blockID {
	case BonusBlockID:
		dn.SetBonusBlockPointer(bp)
	case SpillBlockID:
		dn.SetSpillBlockPointer(bp)
	default:
		dn.SetBlockPointerAt(uint64(blockID), bp)
	}
	dn.UnlockStruct()
}
