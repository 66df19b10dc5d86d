// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbuf-project/dbuf/internal/arc"
	"github.com/dbuf-project/dbuf/internal/dnode"
)

func TestSyncLeafPublishesPointerIntoDnode(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 8, false)
	require.NoError(t, err)
	defer table.Rele(d)

	buf := cache.LoanBuf(8, 0)
	copy(buf.Data(), []byte("payload1"))
	table.ReturnBuffer(d, buf)
	require.NoError(t, table.FillDone(d, 1))
	require.NoError(t, table.Sync(context.Background(), d, 1))

	require.Equal(t, 0, d.DirtyCount())
	dn.RLockStruct()
	bp, ok := dn.BlockPointerAt(0)
	dn.RUnlockStruct()
	require.True(t, ok)
	require.False(t, bp.IsHole)
}

func TestSyncIndirectAggregatesChildren(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := dnode.New("ds", 1, 2, nil)

	leaf, err := table.Hold(context.Background(), dn, 0, BlockID(0), 8, false)
	require.NoError(t, err)
	defer table.Rele(leaf)

	buf := cache.LoanBuf(8, 0)
	copy(buf.Data(), []byte("indirect"))
	table.ReturnBuffer(leaf, buf)
	require.NoError(t, table.FillDone(leaf, 1))

	// Sync bottom-up: the leaf first, then its parent indirect.
	require.NoError(t, table.Sync(context.Background(), leaf, 1))
	require.NoError(t, table.Sync(context.Background(), leaf.parent, 1))

	require.Equal(t, 0, leaf.parent.DirtyCount())
	bp, ok := leaf.BlockPointer()
	require.True(t, ok)
	require.False(t, bp.IsHole)
}

func TestSyncNopwriteSkipsWriteWhenReleasedAndFrozen(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 8, false)
	require.NoError(t, err)
	defer table.Rele(d)

	// A prior out-of-band write already produced this exact content under
	// its own block pointer; the caller supplies it as an override and
	// marks it nopwrite-eligible once it is released and frozen.
	known := cache.Alloc(8, 0)
	copy(known.Data(), []byte("override"))
	cache.Release(known)
	known.Freeze()

	dr, err := table.WillDirtyRange(d, 1, 0, 8)
	require.NoError(t, err)
	dr.mu.Lock()
	dr.data = known
	dr.override = &OverrideInfo{BlockPointer: arc.BlockPointer{LogicalSize: 8}, NopwriteCandidate: true}
	dr.mu.Unlock()

	before := table.Metrics().OverrideDeferredResolves.Load()
	require.NoError(t, table.Sync(context.Background(), d, 1))
	require.Equal(t, before+1, table.Metrics().OverrideDeferredResolves.Load())
	require.Equal(t, 0, d.DirtyCount())

	bp, ok := d.BlockPointer()
	require.True(t, ok)
	require.EqualValues(t, 8, bp.LogicalSize)
}

func TestSyncDeferredResolveFillsHoles(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 8, false)
	require.NoError(t, err)
	defer table.Rele(d)

	buf := cache.LoanBuf(8, 0)
	copy(buf.Data(), []byte("full1234"))
	table.ReturnBuffer(d, buf)
	require.NoError(t, table.FillDone(d, 1))
	require.NoError(t, table.Sync(context.Background(), d, 1))

	// Overwrite only the first 4 bytes for the next txg, leaving the sync
	// path to resolve the remaining 4 from the previously published block.
	buf2 := cache.LoanBuf(8, 0)
	copy(buf2.Data(), []byte("NEW!"))
	table.ReturnBuffer(d, buf2)
	_, err = table.WillDirtyRange(d, 2, 0, 4)
	require.NoError(t, err)

	before := table.Metrics().SyncerDeferredResolves.Load()
	require.NoError(t, table.Sync(context.Background(), d, 2))
	require.Equal(t, before+1, table.Metrics().SyncerDeferredResolves.Load())

	data, err := table.Read(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, []byte("NEW!1234"), data)
}
