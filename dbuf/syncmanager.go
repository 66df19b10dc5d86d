// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"context"
	"sync"

	"github.com/dbuf-project/dbuf/internal/rate"
	"github.com/dbuf-project/dbuf/internal/txg"
)

// syncJob is one dbuf's worth of sync-path work for a single TXG.
type syncJob struct {
	dbuf *Dbuf
	txg  txg.Number
}

// syncManager drains queued sync jobs across a pool of workers, pacing
// write issuance to Options.SyncBytesPerSecond when set. It mirrors the
// teacher's background job-queue idiom: a channel plus a queued/completed
// job counter protected by a mutex and signaled through a condition
// variable, so Wait can block until the queue drains without polling.
type syncManager struct {
	t       *Table
	jobsCh  chan syncJob
	limiter *rate.Limiter

	mu struct {
		sync.Mutex
		queuedJobs    int
		completedJobs int
		cond          sync.Cond
	}

	workers sync.WaitGroup
	quit    chan struct{}
}

func newSyncManager(t *Table, numWorkers int, bytesPerSecond int) *syncManager {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	m := &syncManager{
		t:      t,
		jobsCh: make(chan syncJob, 4096),
		quit:   make(chan struct{}),
	}
	m.mu.cond.L = &m.mu.Mutex
	if bytesPerSecond > 0 {
		m.limiter = rate.NewLimiter(float64(bytesPerSecond), float64(bytesPerSecond))
	}
	m.workers.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go m.mainLoop()
	}
	return m
}

// EnqueueJob queues d's dirty record for tg to be synced by a background
// worker. It does not block on the sync itself completing; use Wait to
// block until the queue drains.
func (m *syncManager) EnqueueJob(d *Dbuf, tg txg.Number) {
	m.mu.Lock()
	m.mu.queuedJobs++
	m.mu.Unlock()

	select {
	case m.jobsCh <- syncJob{dbuf: d, txg: tg}:
	case <-m.quit:
		m.mu.Lock()
		m.mu.queuedJobs--
		m.mu.Unlock()
	}
}

func (m *syncManager) mainLoop() {
	defer m.workers.Done()
	for {
		select {
		case job, ok := <-m.jobsCh:
			if !ok {
				return
			}
			m.maybePace(job)
			if err := m.t.Sync(context.Background(), job.dbuf, job.txg); err != nil {
				m.t.opts.Logger.Infof("dbuf %v: background sync for txg %d failed: %v",
					job.dbuf.Key, job.txg, err)
			}
			m.mu.Lock()
			m.mu.completedJobs++
			m.mu.cond.Broadcast()
			m.mu.Unlock()
		case <-m.quit:
			return
		}
	}
}

// maybePace blocks briefly to keep aggregate write-out under
// Options.SyncBytesPerSecond, mirroring the teacher's deletion-pacer use of
// a token bucket sized to the job's byte cost rather than a fixed count.
func (m *syncManager) maybePace(job syncJob) {
	if m.limiter == nil {
		return
	}
	m.limiter.Wait(float64(job.dbuf.BlockSize()))
}

// Wait blocks until every job enqueued so far has completed.
func (m *syncManager) Wait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.mu.completedJobs < m.mu.queuedJobs {
		m.mu.cond.Wait()
	}
}

func (m *syncManager) close() {
	close(m.quit)
	m.workers.Wait()
}
