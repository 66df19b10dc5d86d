// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import "github.com/cespare/xxhash/v2"

// BlockID identifies a block within an object at a given level. Two values
// are reserved and never refer to a true data or indirect block.
type BlockID uint64

const (
	// BonusBlockID addresses the embedded, fixed-size region inside the
	// object descriptor. It is not a real block: it has no block pointer
	// and no indirection.
	BonusBlockID BlockID = ^BlockID(0)
	// SpillBlockID addresses the overflow region attached to the object
	// descriptor, used when the bonus area is too small.
	SpillBlockID BlockID = ^BlockID(0) - 1
)

// IsReserved reports whether id is BonusBlockID or SpillBlockID.
func (id BlockID) IsReserved() bool {
	return id == BonusBlockID || id == SpillBlockID
}

// Key is the identity tuple every dbuf is uniquely keyed by: a dataset, an
// object within it, an indirection level, and a block-id within that level.
type Key struct {
	Dataset string
	Object  uint64
	Level   int
	BlockID BlockID
}

// Hash returns a 64-bit hash of the key, used by the hash index to select
// a stripe and by the underlying swiss.Map to select a bucket.
func (k Key) Hash() uint64 {
	var buf [8]byte
	d := xxhash.New()
	_, _ = d.WriteString(k.Dataset)
	putUint64(buf[:], uint64(k.Level))
	d.Write(buf[:])
	putUint64(buf[:], k.Object)
	d.Write(buf[:])
	putUint64(buf[:], uint64(k.BlockID))
	d.Write(buf[:])
	return d.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
