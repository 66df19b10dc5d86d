// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import "github.com/cockroachdb/errors"

// Sentinel errors exposed to clients, per spec.md §6/§7. All other
// failures are asserted invariants (internal/invariants, errors.go's
// InvariantError), not returned errors.
var (
	// ErrIO is returned by Read when a read fails at the ARC layer and
	// there is no outstanding dirty content to resolve against (spec.md
	// §7, taxonomy level 2), or when Read is called on a NOFILL dbuf,
	// which has no content to return.
	ErrIO = errors.New("dbuf: I/O error")

	// ErrNotFound is returned by hold when fail_sparse is requested and
	// the resolved block pointer is a hole.
	ErrNotFound = errors.New("dbuf: block not found (sparse hole)")

	// ErrNotSupported is returned by SetSpillBlockSize when the spill
	// dbuf is currently held.
	ErrNotSupported = errors.New("dbuf: operation not supported for this block-id")

	// ErrInvalidBlockID is a configuration error (spec.md §7 taxonomy
	// level 1): an operation named a block-id invalid for its context.
	// No function in this module currently returns it.
	ErrInvalidBlockID = errors.New("dbuf: invalid block-id for this operation")
)
