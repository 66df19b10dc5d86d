// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

// userRecord holds the opaque user pointer and eviction callback a caller
// may attach to a dbuf (spec.md §4.7, dmu_buf_set_user/dmu_buf_update_user).
// The callback fires once, outside all dbuf mutexes, when the dbuf is
// actually torn down rather than merely uncached.
type userRecord struct {
	old     any
	evictFn func(old any)
}

// SetUser attaches user as the dbuf's opaque user pointer, with evictFn to
// be invoked (with the old value) when the dbuf is evicted. It is an error
// to call SetUser on a dbuf that already carries a user pointer; use
// ReplaceUser for that.
func (d *Dbuf) SetUser(user any, evictFn func(old any)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.user != nil {
		panic("dbuf: SetUser called on a dbuf that already has a user pointer")
	}
	d.user = &userRecord{old: user, evictFn: evictFn}
}

// GetUser returns the dbuf's current user pointer, or nil if none is set.
func (d *Dbuf) GetUser() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.user == nil {
		return nil
	}
	return d.user.old
}

// ReplaceUser atomically swaps the dbuf's user pointer, returning the old
// value without invoking the eviction callback (dmu_buf_replace_user).
func (d *Dbuf) ReplaceUser(user any, evictFn func(old any)) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	var old any
	if d.user != nil {
		old = d.user.old
	}
	d.user = &userRecord{old: user, evictFn: evictFn}
	return old
}

// RemoveUser clears the dbuf's user pointer without invoking the eviction
// callback, returning the value that was set.
func (d *Dbuf) RemoveUser() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	var old any
	if d.user != nil {
		old = d.user.old
		d.user = nil
	}
	return old
}
