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

func TestHoldReturnsSameDbufForSameKey(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	d1, err := table.Hold(context.Background(), dn, 0, BlockID(5), 4096, false)
	require.NoError(t, err)
	d2, err := table.Hold(context.Background(), dn, 0, BlockID(5), 4096, false)
	require.NoError(t, err)
	require.Same(t, d1, d2)
	require.EqualValues(t, 2, d1.HoldCount())

	table.Rele(d1)
	table.Rele(d2)
}

func TestHoldRecursesToParentIndirect(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := dnode.New("ds", 1, 2, nil) // two levels: leaves + one indirect root

	leaf, err := table.Hold(context.Background(), dn, 0, BlockID(3), 4096, false)
	require.NoError(t, err)
	require.NotNil(t, leaf.parent)
	require.Equal(t, 1, leaf.parent.Level)
	require.Equal(t, BlockID(0), leaf.parent.BlockID) // 3 / DefaultFanout(128) == 0

	table.Rele(leaf)
}

func TestHoldBonusAndSpillHaveNoParent(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := dnode.New("ds", 1, 3, nil)

	bonus, err := table.HoldBonus(context.Background(), dn, 256)
	require.NoError(t, err)
	require.Nil(t, bonus.parent)
	require.True(t, bonus.IsLeaf())
	table.Rele(bonus)

	require.NoError(t, table.SetSpillBlockSize(dn, 128))
	spill, err := table.HoldSpill(context.Background(), dn)
	require.NoError(t, err)
	require.Nil(t, spill.parent)
	require.True(t, spill.IsLeaf())
	table.Rele(spill)
}

func TestReleEvictsNonCacheableDbuf(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 4096, false)
	require.NoError(t, err)
	table.Rele(d)

	// A brand new hold never wrote anything; it's UNCACHED, not
	// cacheable, so Rele must have torn it down rather than keeping it
	// warm in the hash table.
	d2, err := table.Hold(context.Background(), dn, 0, BlockID(0), 4096, false)
	require.NoError(t, err)
	require.NotSame(t, d, d2)
	table.Rele(d2)
}

func TestReleWithoutMatchingHoldPanics(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 4096, false)
	require.NoError(t, err)
	table.Rele(d)

	require.Panics(t, func() { table.Rele(d) })
}

func TestLoanAndReturnBuffer(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	d, err := table.Hold(context.Background(), dn, 0, BlockID(0), 16, false)
	require.NoError(t, err)

	buf := cache.LoanBuf(16, 0)
	copy(buf.Data(), []byte("0123456789abcdef"))
	table.ReturnBuffer(d, buf)
	require.Equal(t, []byte("0123456789abcdef"), d.frontend.Data())

	loaned := table.LoanBuffer(d)
	require.Same(t, buf, loaned)
	require.Nil(t, d.frontend)
	table.ReturnBuffer(d, loaned)

	table.Rele(d)
}
