// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountAndSize(t *testing.T) {
	var cs CountAndSize
	require.True(t, cs.IsZero())

	cs.Inc(4096)
	cs.Inc(8192)
	require.Equal(t, uint64(2), cs.Count)
	require.Equal(t, uint64(12288), cs.Bytes)

	cs.Dec(4096)
	require.Equal(t, uint64(1), cs.Count)
	require.Equal(t, uint64(8192), cs.Bytes)

	other := CountAndSize{Count: 3, Bytes: 300}
	sum := cs.Sum(other)
	require.Equal(t, uint64(4), sum.Count)
	require.Equal(t, uint64(8492), sum.Bytes)

	cs.Accumulate(other)
	require.Equal(t, sum, cs)

	cs.Deduct(other)
	require.Equal(t, uint64(1), cs.Count)
	require.Equal(t, uint64(8192), cs.Bytes)
}

func TestCountAndSizeDecUnderflowSaturatesWithoutInvariants(t *testing.T) {
	var cs CountAndSize
	cs.Dec(100)
	require.Equal(t, uint64(0), cs.Count)
	require.Equal(t, uint64(0), cs.Bytes)
}
