// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"github.com/dbuf-project/dbuf/internal/base"
	"github.com/dbuf-project/dbuf/internal/txg"
)

// StateTransitionInfo describes a single dbuf state transition.
type StateTransitionInfo struct {
	Key      Key
	From, To State
}

// DirtyRecordInfo describes a dirty record's creation or destruction.
type DirtyRecordInfo struct {
	Key Key
	Txg txg.Number
}

// RangeMergedInfo describes a write range merged into a leaf dirty record.
type RangeMergedInfo struct {
	Key         Key
	Txg         txg.Number
	Start, End  uint64
	NowComplete bool
}

// ResolvedInfo describes the completion of an RMW resolve.
type ResolvedInfo struct {
	Key          Key
	Txg          txg.Number
	DirtyLost    bool
	HoleRead     bool
	ResolveNanos int64
}

// SyncCompletedInfo describes the completion of a dirty record's write-out.
type SyncCompletedInfo struct {
	Key  Key
	Txg  txg.Number
	Err  error
	Size int
}

// UserEvictedInfo describes a user-eviction callback invocation.
type UserEvictedInfo struct {
	Key Key
	Old any
}

// EventListener groups the structured trace hooks spec.md §9 requires as
// non-optional for debuggability. Every field is optional; a nil field is
// simply not invoked. All hooks are invoked outside any dbuf mutex.
type EventListener struct {
	StateTransition    func(StateTransitionInfo)
	DirtyRecordCreated  func(DirtyRecordInfo)
	DirtyRecordDestroyed func(DirtyRecordInfo)
	RangeMerged         func(RangeMergedInfo)
	Resolved            func(ResolvedInfo)
	SyncCompleted       func(SyncCompletedInfo)
	UserEvicted         func(UserEvictedInfo)
}

// EnsureDefaults replaces any nil field with a no-op, so callers never need
// a nil check before invoking a hook.
func (e *EventListener) EnsureDefaults() *EventListener {
	if e.StateTransition == nil {
		e.StateTransition = func(StateTransitionInfo) {}
	}
	if e.DirtyRecordCreated == nil {
		e.DirtyRecordCreated = func(DirtyRecordInfo) {}
	}
	if e.DirtyRecordDestroyed == nil {
		e.DirtyRecordDestroyed = func(DirtyRecordInfo) {}
	}
	if e.RangeMerged == nil {
		e.RangeMerged = func(RangeMergedInfo) {}
	}
	if e.Resolved == nil {
		e.Resolved = func(ResolvedInfo) {}
	}
	if e.SyncCompleted == nil {
		e.SyncCompleted = func(SyncCompletedInfo) {}
	}
	if e.UserEvicted == nil {
		e.UserEvicted = func(UserEvictedInfo) {}
	}
	return e
}

// MakeLoggingEventListener returns an EventListener that logs every event
// through logger, mirroring the teacher's helper of the same name.
func MakeLoggingEventListener(logger base.Logger) *EventListener {
	return &EventListener{
		StateTransition: func(i StateTransitionInfo) {
			logger.Infof("dbuf %v: %s -> %s", i.Key, i.From, i.To)
		},
		DirtyRecordCreated: func(i DirtyRecordInfo) {
			logger.Infof("dbuf %v: dirty record created for txg %d", i.Key, i.Txg)
		},
		DirtyRecordDestroyed: func(i DirtyRecordInfo) {
			logger.Infof("dbuf %v: dirty record destroyed for txg %d", i.Key, i.Txg)
		},
		RangeMerged: func(i RangeMergedInfo) {
			logger.Infof("dbuf %v: range [%d,%d) merged for txg %d (complete=%t)",
				i.Key, i.Start, i.End, i.Txg, i.NowComplete)
		},
		Resolved: func(i ResolvedInfo) {
			logger.Infof("dbuf %v: resolve completed for txg %d (lost=%t hole=%t)",
				i.Key, i.Txg, i.DirtyLost, i.HoleRead)
		},
		SyncCompleted: func(i SyncCompletedInfo) {
			logger.Infof("dbuf %v: sync completed for txg %d err=%v", i.Key, i.Txg, i.Err)
		},
		UserEvicted: func(i UserEvictedInfo) {
			logger.Infof("dbuf %v: user evicted", i.Key)
		},
	}
}
