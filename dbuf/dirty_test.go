// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbuf-project/dbuf/internal/dnode"
)

func TestWillDirtyCreatesOneRecordPerTxg(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)
	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 16, false)
	require.NoError(t, err)
	defer table.Rele(d)

	dr1, err := table.WillDirty(d, 1)
	require.NoError(t, err)
	dr1Again, err := table.WillDirty(d, 1)
	require.NoError(t, err)
	require.Same(t, dr1, dr1Again)

	dr2, err := table.WillDirty(d, 2)
	require.NoError(t, err)
	require.NotSame(t, dr1, dr2)
	require.Equal(t, 2, d.DirtyCount())
}

func TestWillDirtyPropagatesToParentIndirect(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := dnode.New("ds", 1, 2, nil)
	leaf, err := table.Hold(context.Background(), dn, 0, BlockID(5), 16, false)
	require.NoError(t, err)
	defer table.Rele(leaf)

	_, err = table.WillDirty(leaf, 1)
	require.NoError(t, err)
	require.Equal(t, 1, leaf.parent.DirtyCount())
}

func TestWillDirtyRangeTracksPartial(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)
	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 100, false)
	require.NoError(t, err)
	defer table.Rele(d)

	_, err = table.WillDirtyRange(d, 1, 0, 50)
	require.NoError(t, err)
	require.True(t, d.State().has(StatePartial))

	_, err = table.WillDirtyRange(d, 1, 50, 100)
	require.NoError(t, err)
	require.False(t, d.State().has(StatePartial))
}

func TestWillFillBlocksConcurrentFiller(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)
	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 16, false)
	require.NoError(t, err)
	defer table.Rele(d)

	_, err = table.WillFill(d, 1)
	require.NoError(t, err)
	require.True(t, d.State().has(StateFill))

	done := make(chan struct{})
	go func() {
		_, err := table.WillFill(d, 1)
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second WillFill should have blocked while FILL is held")
	default:
	}

	table.WillNotFill(d)
	<-done
}

func TestFillDoneMarksCachedAndComplete(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)
	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 16, false)
	require.NoError(t, err)
	defer table.Rele(d)

	_, err = table.WillFill(d, 1)
	require.NoError(t, err)
	buf := cache.LoanBuf(16, 0)
	table.ReturnBuffer(d, buf)

	require.NoError(t, table.FillDone(d, 1))
	require.Equal(t, StateCached, d.State())
}

func TestFillDoneDiscardsWhenFreedInFlight(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)
	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 16, false)
	require.NoError(t, err)
	defer table.Rele(d)

	_, err = table.WillFill(d, 1)
	require.NoError(t, err)

	// A concurrent FreeRange races the in-flight fill.
	require.NoError(t, table.FreeRange(dn, 1, BlockID(0), BlockID(1)))
	require.True(t, d.freedInFlight)

	buf := cache.LoanBuf(16, 0)
	copy(buf.Data(), []byte("not a hole, free!"))
	table.ReturnBuffer(d, buf)
	require.NoError(t, table.FillDone(d, 1))

	// The free wins: the dbuf goes back to CACHED (not UNCACHED) holding a
	// hole, and the dirty record for tg=1 survives so Sync still retires
	// it as a hole rather than dropping the free from the txg entirely.
	require.Equal(t, StateCached, d.State())
	require.Equal(t, 1, d.DirtyCount())

	data, err := table.Read(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16), data)

	require.NoError(t, table.Sync(context.Background(), d, 1))
	require.Equal(t, 0, d.DirtyCount())
}

func TestAssignArcBufSkipsRMW(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)
	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 8, false)
	require.NoError(t, err)
	defer table.Rele(d)

	buf := cache.Alloc(8, 0)
	copy(buf.Data(), []byte("deadbeef"))
	dr, err := table.AssignArcBuf(d, 1, buf)
	require.NoError(t, err)
	require.Same(t, buf, dr.Data())
	require.Equal(t, StateCached, d.State())
	require.Equal(t, []WriteRange{{0, 8}}, dr.Ranges())
}

// TestSyncerSplitClonesFrontendWhenSyncInFlight exercises the COW split a
// new writer must take when the dbuf's current frontend is the exact
// buffer an older dirty record has already handed to the sync path
// (dataPending). The sync's buffer must stay untouched by the new write,
// so the new writer gets its own clone while the pending record keeps the
// original.
func TestSyncerSplitClonesFrontendWhenSyncInFlight(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)
	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 8, false)
	require.NoError(t, err)
	defer table.Rele(d)

	buf := cache.LoanBuf(8, 0)
	copy(buf.Data(), []byte("original"))
	table.ReturnBuffer(d, buf)
	require.NoError(t, table.FillDone(d, 1))

	dr1 := d.dirty[0]
	require.Same(t, buf, dr1.Data())
	originalFrontend := d.frontend

	// Simulate the sync path having picked this record up without
	// actually running Sync, so the record's buffer is still reachable
	// for the assertions below.
	dr1.mu.Lock()
	dr1.dataPending = true
	dr1.mu.Unlock()

	// A new writer dirties the dbuf for the next txg. WillDirty must
	// split the frontend before handing out a dirty record, since the
	// frontend is still the pending sync's buffer.
	_, err = table.WillDirty(d, 2)
	require.NoError(t, err)

	require.NotSame(t, originalFrontend, d.frontend)
	require.Equal(t, originalFrontend.Data(), d.frontend.Data())
	require.Same(t, originalFrontend, dr1.Data())
}
