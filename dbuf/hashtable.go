// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"sync"

	"github.com/cockroachdb/swiss"
)

// DefaultStripes is the default striping factor for the hash index's
// bucket mutexes (spec.md §4.1's DBUF_MUTEXES).
const DefaultStripes = 16

func keyHash(k *Key, seed uintptr) uintptr {
	return uintptr(k.Hash()) ^ seed
}

var tableOptions = []swiss.Option[Key, *Dbuf]{
	swiss.WithHash[Key, *Dbuf](keyHash),
}

// hashTable is the dbuf index of spec.md §4.1, built from open-addressing
// swiss-table maps (not chained buckets) sharded into fixed stripes, each
// independently locked.
// Lock ordering: a stripe's mutex must not be held while acquiring a
// dbuf's own mutex except momentarily during lookup, and the dbuf mutex is
// always acquired before the stripe mutex is released once a match is
// found (spec.md §5).
type hashTable struct {
	stripes []tableStripe
}

type tableStripe struct {
	mu sync.RWMutex
	m  swiss.Map[Key, *Dbuf]
}

func newHashTable(numStripes int, initialCapacityPerStripe int) *hashTable {
	if numStripes <= 0 {
		numStripes = DefaultStripes
	}
	t := &hashTable{stripes: make([]tableStripe, numStripes)}
	for i := range t.stripes {
		t.stripes[i].m.Init(initialCapacityPerStripe, tableOptions...)
	}
	return t
}

func (t *hashTable) stripeFor(k Key) *tableStripe {
	return &t.stripes[k.Hash()%uint64(len(t.stripes))]
}

// lookup returns the dbuf for k with its mutex held, unless it is
// EVICTING (treated as absent) or no entry exists.
func (t *hashTable) lookup(k Key) *Dbuf {
	s := t.stripeFor(k)
	s.mu.RLock()
	d, ok := s.m.Get(k)
	if ok {
		d.mu.Lock()
	}
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if d.state.has(StateEvicting) {
		d.mu.Unlock()
		return nil
	}
	return d
}

// insert installs candidate under its key if absent, or returns the
// pre-existing entry (discarding candidate) if one already won the race.
// The returned dbuf's mutex is held.
func (t *hashTable) insert(candidate *Dbuf) *Dbuf {
	s := t.stripeFor(candidate.Key)
	for {
		s.mu.Lock()
		existing, ok := s.m.Get(candidate.Key)
		if !ok {
			s.m.Put(candidate.Key, candidate)
			candidate.mu.Lock()
			s.mu.Unlock()
			return candidate
		}
		existing.mu.Lock()
		s.mu.Unlock()
		if !existing.state.has(StateEvicting) {
			return existing
		}
		// existing is mid-teardown and about to remove itself from the
		// table; drop our lock on it and retry rather than racing its
		// removal.
		existing.mu.Unlock()
	}
}

// remove deletes d from the table. The caller must not hold d's mutex
// (lookup and insert take the stripe mutex before the dbuf mutex),
// hold_count must be zero, and state must be EVICTING.
func (t *hashTable) remove(d *Dbuf) {
	s := t.stripeFor(d.Key)
	s.mu.Lock()
	s.m.Delete(d.Key)
	s.mu.Unlock()
}

func (t *hashTable) close() {
	for i := range t.stripes {
		t.stripes[i].m.Close()
	}
}
