// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package errors holds the invariant-violation type Verify-style internal
// consistency checks raise. It is deliberately separate from the dbuf
// package's own sentinel errors (dbuf.ErrIO and friends): those are
// expected, client-facing outcomes, while InvariantError means this
// package's own bookkeeping is wrong.
package errors

import "fmt"

// InvariantError wraps errors due to internal constraint violations, e.g. a
// dbuf found in a state Valid() rejects, or a dirty record list found out
// of TXG order. It is only ever raised from invariants-build-tagged
// verification code; production builds never construct one on a hot path.
type InvariantError struct {
	Err error
}

// Unwrap the wrapped descriptive error that describes the constraint that
// got violated.
func (i InvariantError) Unwrap() error {
	return i.Err
}

func (i InvariantError) Error() string {
	return i.Err.Error()
}

// AssertionFailedf constructs an InvariantError from a formatted message,
// mirroring the teacher's errors.AssertionFailedf call sites.
func AssertionFailedf(format string, args ...interface{}) error {
	return InvariantError{Err: fmt.Errorf(format, args...)}
}
