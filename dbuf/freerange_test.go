// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeRangeMarksLeavesAsHoles(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	d, err := table.Hold(context.Background(), dn, 0, BlockID(2), 16, false)
	require.NoError(t, err)
	defer table.Rele(d)

	buf := cache.LoanBuf(16, 0)
	table.ReturnBuffer(d, buf)
	require.NoError(t, table.FillDone(d, 1))
	require.Equal(t, StateCached, d.State())

	require.NoError(t, table.FreeRange(dn, 2, BlockID(0), BlockID(10)))

	require.Nil(t, d.frontend)
	require.Equal(t, StateCached, d.State())
	dr := d.dirtyRecordForTxg(2)
	require.NotNil(t, dr)
	require.Equal(t, []WriteRange{{0, 16}}, dr.Ranges())
}

func TestFreeRangeIgnoresBlocksOutsideRange(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	d, err := table.Hold(context.Background(), dn, 0, BlockID(20), 16, false)
	require.NoError(t, err)
	defer table.Rele(d)

	buf := cache.LoanBuf(16, 0)
	table.ReturnBuffer(d, buf)
	require.NoError(t, table.FillDone(d, 1))

	require.NoError(t, table.FreeRange(dn, 2, BlockID(0), BlockID(10)))
	require.NotNil(t, d.frontend)
	require.Nil(t, d.dirtyRecordForTxg(2))
}
