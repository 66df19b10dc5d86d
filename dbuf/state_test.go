// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateExclusive(t *testing.T) {
	require.Equal(t, StateCached, (StateCached | StatePartial).Exclusive())
	require.Equal(t, StateUncached, StatePartial.Exclusive())
}

func TestStateValidCombinations(t *testing.T) {
	valid := []State{
		StateUncached,
		StateCached,
		StateEvicting,
		StateNoFill,
		StateCached | StatePartial,
		StateCached | StateFill,
		StateCached | StatePartial | StateFill,
		StateCached | StateRead | StateFill,
		StateCached | StatePartial | StateRead,
		StateCached | StatePartial | StateRead | StateFill,
	}
	for _, s := range valid {
		require.Truef(t, s.Valid(), "expected %#v to be valid", s)
	}
}

func TestStateInvalidCombinations(t *testing.T) {
	// READ alone, without PARTIAL or FILL, is allowed only on an UNCACHED
	// dbuf (Read fetching a block with no frontend); a CACHED dbuf never
	// carries a bare read in flight.
	require.False(t, (StateCached | StateRead).Valid())
	// Two exclusive bits set at once is never legal.
	require.False(t, (StateCached | StateNoFill).Valid())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "UNCACHED", StateUncached.String())
	require.Equal(t, "CACHED", StateCached.String())
	require.Equal(t, "CACHED|PARTIAL|FILL", (StateCached | StatePartial | StateFill).String())
}
