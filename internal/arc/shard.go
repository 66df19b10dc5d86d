// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package arc

import (
	"context"
	"sync"
	"sync/atomic"
)

type shard[K key, V any] struct {
	hits   atomic.Int64
	misses atomic.Int64

	capacity int

	mu struct {
		sync.RWMutex
		nodes map[K]*node[K, V]

		handHot  *node[K, V]
		handCold *node[K, V]
		handTest *node[K, V]

		coldTarget int
		sizeHot    int
		sizeCold   int
		sizeTest   int
	}

	releasingCh     chan *entry[V]
	releaseLoopExit sync.WaitGroup

	initFn    initFn[K, V]
	releaseFn releaseFn[V]
}

func (s *shard[K, V]) Init(capacity int, initFn initFn[K, V], releaseFn releaseFn[V]) {
	*s = shard[K, V]{
		capacity:  capacity,
		initFn:    initFn,
		releaseFn: releaseFn,
	}
	s.mu.nodes = make(map[K]*node[K, V])
	s.mu.coldTarget = capacity
	s.releasingCh = make(chan *entry[V], 100)
	s.releaseLoopExit.Add(1)
	go s.releaseLoop()
}

func (s *shard[K, V]) releaseLoop() {
	defer s.releaseLoopExit.Done()
	for v := range s.releasingCh {
		<-v.initialized
		if v.err == nil {
			s.releaseFn(&v.v)
		}
	}
}

func (s *shard[K, V]) unref(v *entry[V]) {
	if v.refCount.Add(-1) == 0 {
		s.releasingCh <- v
	}
}

// mu must be held.
func (s *shard[K, V]) unlinkNode(n *node[K, V]) {
	delete(s.mu.nodes, n.key)

	switch n.status {
	case statusHot:
		s.mu.sizeHot--
	case statusCold:
		s.mu.sizeCold--
	case statusTest:
		s.mu.sizeTest--
	}

	if n == s.mu.handHot {
		s.mu.handHot = s.mu.handHot.prev()
	}
	if n == s.mu.handCold {
		s.mu.handCold = s.mu.handCold.prev()
	}
	if n == s.mu.handTest {
		s.mu.handTest = s.mu.handTest.prev()
	}

	if n.unlink() == n {
		s.mu.handHot = nil
		s.mu.handCold = nil
		s.mu.handTest = nil
	}
	n.links.prev = nil
	n.links.next = nil
}

func (s *shard[K, V]) clearNode(n *node[K, V]) {
	if v := n.value; v != nil {
		n.value = nil
		s.unref(v)
	}
}

// findOrCreate returns an initialized entry for key, taking a reference on
// it. The caller is responsible for releasing the reference.
func (s *shard[K, V]) findOrCreate(ctx context.Context, key K) *entry[V] {
	s.mu.RLock()
	if n := s.mu.nodes[key]; n != nil && n.value != nil {
		v := n.value
		v.refCount.Add(1)
		s.mu.RUnlock()
		n.referenced.Store(true)
		s.hits.Add(1)
		<-v.initialized
		return v
	}
	s.mu.RUnlock()

	s.mu.Lock()
	n := s.mu.nodes[key]
	switch {
	case n == nil:
		n = &node[K, V]{}
		s.addNode(n, key, statusCold)
		s.mu.sizeCold++
	case n.value != nil:
		v := n.value
		v.refCount.Add(1)
		n.referenced.Store(true)
		s.hits.Add(1)
		s.mu.Unlock()
		<-v.initialized
		return v
	default:
		s.unlinkNode(n)
		s.mu.coldTarget++
		if s.mu.coldTarget > s.capacity {
			s.mu.coldTarget = s.capacity
		}
		n.referenced.Store(false)
		s.addNode(n, key, statusHot)
		s.mu.sizeHot++
	}

	v := &entry[V]{initialized: make(chan struct{})}
	v.refCount.Store(2) // one for the shard, one for the caller
	n.value = v
	s.misses.Add(1)
	s.mu.Unlock()

	v.err = s.initFn(ctx, key, ref[K, V]{shard: s, value: v})
	if v.err != nil {
		s.mu.Lock()
		if n := s.mu.nodes[key]; n != nil && n.value == v {
			s.unlinkNode(n)
			s.clearNode(n)
		}
		s.mu.Unlock()
	}
	close(v.initialized)
	return v
}

// mu must be held.
func (s *shard[K, V]) addNode(n *node[K, V], key K, status nodeStatus) {
	n.key = key
	n.status = status

	s.evictNodes()
	s.mu.nodes[n.key] = n

	n.links.next = n
	n.links.prev = n
	if s.mu.handHot == nil {
		s.mu.handHot = n
		s.mu.handCold = n
		s.mu.handTest = n
	} else {
		s.mu.handHot.link(n)
	}
	if s.mu.handCold == s.mu.handHot {
		s.mu.handCold = s.mu.handCold.prev()
	}
}

func (s *shard[K, V]) evictNodes() {
	for s.capacity <= s.mu.sizeHot+s.mu.sizeCold && s.mu.handCold != nil {
		s.runHandCold()
	}
}

func (s *shard[K, V]) runHandCold() {
	n := s.mu.handCold
	if n.status == statusCold {
		if n.referenced.Load() {
			n.referenced.Store(false)
			n.status = statusHot
			s.mu.sizeCold--
			s.mu.sizeHot++
		} else {
			s.clearNode(n)
			n.status = statusTest
			s.mu.sizeCold--
			s.mu.sizeTest++
			for s.capacity < s.mu.sizeTest && s.mu.handTest != nil {
				s.runHandTest()
			}
		}
	}
	s.mu.handCold = s.mu.handCold.next()

	for s.capacity-s.mu.coldTarget <= s.mu.sizeHot && s.mu.handHot != nil {
		s.runHandHot()
	}
}

func (s *shard[K, V]) runHandHot() {
	if s.mu.handHot == s.mu.handTest && s.mu.handTest != nil {
		s.runHandTest()
		if s.mu.handHot == nil {
			return
		}
	}
	n := s.mu.handHot
	if n.status == statusHot {
		if n.referenced.Load() {
			n.referenced.Store(false)
		} else {
			n.status = statusCold
			s.mu.sizeHot--
			s.mu.sizeCold++
		}
	}
	s.mu.handHot = s.mu.handHot.next()
}

func (s *shard[K, V]) runHandTest() {
	if s.mu.sizeCold > 0 && s.mu.handTest == s.mu.handCold && s.mu.handCold != nil {
		s.runHandCold()
		if s.mu.handTest == nil {
			return
		}
	}
	n := s.mu.handTest
	if n.status == statusTest {
		s.mu.coldTarget--
		if s.mu.coldTarget < 0 {
			s.mu.coldTarget = 0
		}
		s.unlinkNode(n)
		s.clearNode(n)
	}
	s.mu.handTest = s.mu.handTest.next()
}

// evict drops any cached value for key. The caller must hold no outstanding
// reference on it.
func (s *shard[K, V]) evict(key K) {
	s.mu.Lock()
	n := s.mu.nodes[key]
	var v *entry[V]
	if n != nil {
		s.unlinkNode(n)
		v = n.value
	}
	s.mu.Unlock()

	if v != nil {
		if v.refCount.Add(-1) != 0 {
			panic("arc: evicted entry has outstanding references")
		}
		<-v.initialized
		if v.err == nil {
			s.releaseFn(&v.v)
		}
	}
}

func (s *shard[K, V]) close() {
	s.mu.Lock()
	for s.mu.handHot != nil {
		n := s.mu.handHot
		if v := n.value; v != nil {
			if v.refCount.Add(-1) != 0 {
				panic("arc: entry has outstanding references at close")
			}
			s.releasingCh <- v
		}
		s.unlinkNode(n)
	}
	s.mu.nodes = nil
	s.mu.handHot, s.mu.handCold, s.mu.handTest = nil, nil, nil
	s.mu.Unlock()

	close(s.releasingCh)
	s.releaseLoopExit.Wait()
}

func (s *shard[K, V]) forEachLocked(f func(n *node[K, V])) {
	if first := s.mu.handHot; first != nil {
		for n := first; ; {
			f(n)
			if n = n.next(); n == first {
				return
			}
		}
	}
}
