// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHoldSpillWithoutSizeReturnsNotFound(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	_, err := table.HoldSpill(context.Background(), dn)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetSpillBlockSizeThenHold(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	require.NoError(t, table.SetSpillBlockSize(dn, 128))
	d, err := table.HoldSpill(context.Background(), dn)
	require.NoError(t, err)
	require.Equal(t, uint64(128), d.BlockSize())
	table.Rele(d)
}

func TestSetSpillBlockSizeRejectedWhileHeld(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	require.NoError(t, table.SetSpillBlockSize(dn, 128))
	d, err := table.HoldSpill(context.Background(), dn)
	require.NoError(t, err)
	defer table.Rele(d)

	require.ErrorIs(t, table.SetSpillBlockSize(dn, 256), ErrNotSupported)
}

func TestRemoveSpillClearsSizeAndContent(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)

	require.NoError(t, table.SetSpillBlockSize(dn, 16))
	d, err := table.HoldSpill(context.Background(), dn)
	require.NoError(t, err)
	buf := cache.LoanBuf(16, 0)
	table.ReturnBuffer(d, buf)
	require.NoError(t, table.FillDone(d, 1))
	table.Rele(d)

	require.NoError(t, table.RemoveSpill(context.Background(), dn, 2))
	dn.RLockStruct()
	size := dn.SpillSize()
	_, hasPtr := dn.SpillBlockPointer()
	dn.RUnlockStruct()
	require.Equal(t, uint64(0), size)
	require.False(t, hasPtr)
}

func TestRemoveSpillWithNoSpillIsNoop(t *testing.T) {
	table, cache := newTestTable()
	defer cache.Close()
	defer table.Close()
	dn := newTestDnode("ds", 1)
	require.NoError(t, table.RemoveSpill(context.Background(), dn, 1))
}
