// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

//go:build invariants || race

package dbuf

import (
	dbuferrors "github.com/dbuf-project/dbuf/errors"
)

// Verify checks a dbuf's internal consistency against the invariants
// spec.md §5 names: the state bitmask is one of the allowed combinations,
// the dirty-record list is strictly decreasing by TXG, a leaf's write
// ranges never exceed its block size, and FILL implies a hold is
// outstanding. It exists only in invariants/race builds; other builds do
// not define it.
func (d *Dbuf) Verify() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verifyLocked()
}

func (d *Dbuf) verifyLocked() error {
	if !d.state.Valid() {
		return dbuferrors.AssertionFailedf("dbuf %v: invalid state %#v", d.Key, d.state)
	}
	if d.state.has(StateFill) && d.holdCount == 0 {
		return dbuferrors.AssertionFailedf("dbuf %v: FILL held with no outstanding hold", d.Key)
	}

	lastTxg, haveLast := uint64(0), false
	for _, dr := range d.dirty {
		t := uint64(dr.Txg())
		if haveLast && t >= lastTxg {
			return dbuferrors.AssertionFailedf(
				"dbuf %v: dirty records not strictly decreasing by txg (%d after %d)", d.Key, t, lastTxg)
		}
		lastTxg, haveLast = t, true

		if d.IsLeaf() {
			dr.mu.Lock()
			ranges := append([]WriteRange(nil), dr.ranges...)
			dr.mu.Unlock()
			for i, r := range ranges {
				if r.Start >= r.End {
					return dbuferrors.AssertionFailedf("dbuf %v: empty or inverted range %v", d.Key, r)
				}
				if r.End > d.blockSize {
					return dbuferrors.AssertionFailedf(
						"dbuf %v: range %v exceeds block size %d", d.Key, r, d.blockSize)
				}
				if i > 0 && ranges[i-1].End >= r.Start {
					return dbuferrors.AssertionFailedf(
						"dbuf %v: ranges %v and %v are not disjoint/sorted", d.Key, ranges[i-1], r)
				}
			}
		}
	}

	if d.frontend != nil && d.frontend.Size() != int(d.blockSize) && d.state.Exclusive() == StateCached {
		return dbuferrors.AssertionFailedf("dbuf %v: frontend size %d does not match block size %d",
			d.Key, d.frontend.Size(), d.blockSize)
	}
	return nil
}
