// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package txg defines the minimal transaction-group contract the dbuf
// package consumes from the transaction layer. A real object store has a
// much larger txg subsystem (quiescing, open/quiescing/syncing states,
// throttling); this package exposes only the slice dbuf needs to drive its
// own state machine and dirty-record bookkeeping.
package txg

// Number identifies a transaction group. Transaction groups are numbered
// monotonically; TXG_CONCURRENT_STATES groups may be open or dirty at once.
type Number uint64

// ConcurrentStates is the number of transaction groups that may have
// outstanding dirty data simultaneously (open, quiescing, syncing). A
// dirty-record list is sized by this constant and indexed by
// txg % ConcurrentStates.
const ConcurrentStates = 3

// Slot reduces a txg number to its per-txg slot index, 0..ConcurrentStates-1.
// ConcurrentStates is not a power of two, so this is a true modulus, not a
// bitmask.
func Slot(t Number) int { return int(t % ConcurrentStates) }

// Handle describes a transaction context: the txg an operation runs in and
// whether that txg is syncing. The dbuf package's entry points take a txg
// Number directly and do not consume a Handle.
type Handle interface {
	// Txg returns the transaction group this handle is operating in.
	Txg() Number

	// IsSyncing reports whether Txg is currently in the syncing state,
	// i.e. whether a dirty record created under this handle must be
	// synced out before the handle's caller can proceed.
	IsSyncing() bool
}

// handle is the concrete Handle returned by NewHandle.
type handle struct {
	txg      Number
	syncing  bool
}

// NewHandle returns a Handle for txg, marked syncing or not.
func NewHandle(txg Number, syncing bool) Handle {
	return &handle{txg: txg, syncing: syncing}
}

func (h *handle) Txg() Number     { return h.txg }
func (h *handle) IsSyncing() bool { return h.syncing }
