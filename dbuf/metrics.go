// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package dbuf

import (
	"sync"
	"sync/atomic"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dbuf-project/dbuf/metrics"
)

// Metrics collects the counters spec.md's design notes and §12's debug
// counters call out. All fields are cheap atomics, always collected; the
// original kept most of these behind a debug-only build flag, but in this
// implementation they are first-class and may optionally be exported
// through Prometheus via Collectors().
type Metrics struct {
	// DirtyWritesLost counts resolves that completed against a zero-fill
	// substitute after a transient read failure (spec.md §7 taxonomy
	// level 3).
	DirtyWritesLost atomic.Int64
	// ResolvesCompleted counts RMW resolves that ran to completion,
	// whether against real data or a zero-fill substitute.
	ResolvesCompleted atomic.Int64
	// UserEvicts counts user-eviction callbacks drained.
	UserEvicts atomic.Int64
	// DirtyRangesInFlight counts write-range merges that added bytes to a
	// leaf dirty record; nothing decrements it when records are synced or
	// freed.
	DirtyRangesInFlight atomic.Int64
	// DirtyRangesTotal is the lifetime count of write ranges ever merged
	// in.
	DirtyRangesTotal atomic.Int64
	// SyncerDeferredResolves counts sync-path leaf syncs whose write ranges
	// did not cover the whole block, so the holes were resolved from the
	// previously published content before the write was issued.
	SyncerDeferredResolves atomic.Int64
	// SyncerDeferredWriteZios counts the write I/Os actually dispatched
	// once such a deferred resolve completed.
	SyncerDeferredWriteZios atomic.Int64
	// OverrideDeferredResolves counts override (immediate-write) leaf
	// dirty records synced as a nopwrite: the buffer was released and
	// frozen, so no write was issued and the override pointer was published.
	OverrideDeferredResolves atomic.Int64
	// OverrideDeferredWriteZios counts override leaf dirty records that
	// were written out through the ARC (every override that is not a
	// nopwrite).
	OverrideDeferredWriteZios atomic.Int64

	// Dirty tracks count-and-size of all outstanding leaf dirty record
	// buffers.
	mu struct {
		sync.Mutex
		dirty metrics.CountAndSize
	}

	// resolveLatency is an HdrHistogram of RMW resolve durations in
	// nanoseconds, sampled via base.Stopwatch.
	resolveLatencyMu sync.Mutex
	resolveLatency   *hdrhistogram.Histogram
}

func newMetrics() *Metrics {
	m := &Metrics{}
	m.resolveLatency = hdrhistogram.New(0, (10 * time.Second).Nanoseconds(), 3)
	return m
}

// RecordResolveLatency adds a sample to the RMW-resolve latency histogram.
func (m *Metrics) RecordResolveLatency(d time.Duration) {
	m.resolveLatencyMu.Lock()
	_ = m.resolveLatency.RecordValue(d.Nanoseconds())
	m.resolveLatencyMu.Unlock()
}

// ResolveLatencyValueAtQuantile reports the resolve-latency distribution's
// value at the given quantile (0-100), as a time.Duration.
func (m *Metrics) ResolveLatencyValueAtQuantile(q float64) time.Duration {
	m.resolveLatencyMu.Lock()
	defer m.resolveLatencyMu.Unlock()
	return time.Duration(m.resolveLatency.ValueAtQuantile(q))
}

// IncDirty accounts a newly created leaf dirty record's buffer.
func (m *Metrics) IncDirty(size uint64) {
	m.mu.Lock()
	m.mu.dirty.Inc(size)
	m.mu.Unlock()
}

// DecDirty accounts a reclaimed leaf dirty record's buffer.
func (m *Metrics) DecDirty(size uint64) {
	m.mu.Lock()
	m.mu.dirty.Dec(size)
	m.mu.Unlock()
}

// Dirty returns the current count-and-size of outstanding dirty buffers.
func (m *Metrics) Dirty() metrics.CountAndSize {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.dirty
}

// promCollector adapts Metrics to prometheus.Collector, mirroring the
// teacher's direct use of prometheus.Histogram/Counter fields in wal.Options
// rather than a generated metrics set.
type promCollector struct {
	m *Metrics

	dirtyWritesLost   prometheus.Gauge
	resolvesCompleted prometheus.Gauge
	userEvicts        prometheus.Gauge
	dirtyRangesLive   prometheus.Gauge
	dirtyBytes        prometheus.Gauge
}

// Collectors returns a prometheus.Collector exposing m's counters, for
// embedders that want to register dbuf's metrics alongside their own.
func (m *Metrics) Collectors(namespace string) prometheus.Collector {
	return &promCollector{
		m: m,
		dirtyWritesLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dirty_writes_lost",
		}),
		resolvesCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "resolves_completed",
		}),
		userEvicts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "user_evicts",
		}),
		dirtyRangesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dirty_ranges_in_flight",
		}),
		dirtyBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dirty_bytes",
		}),
	}
}

func (c *promCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dirtyWritesLost.Desc()
	ch <- c.resolvesCompleted.Desc()
	ch <- c.userEvicts.Desc()
	ch <- c.dirtyRangesLive.Desc()
	ch <- c.dirtyBytes.Desc()
}

func (c *promCollector) Collect(ch chan<- prometheus.Metric) {
	c.dirtyWritesLost.Set(float64(c.m.DirtyWritesLost.Load()))
	c.resolvesCompleted.Set(float64(c.m.ResolvesCompleted.Load()))
	c.userEvicts.Set(float64(c.m.UserEvicts.Load()))
	c.dirtyRangesLive.Set(float64(c.m.DirtyRangesInFlight.Load()))
	c.dirtyBytes.Set(float64(c.m.Dirty().Bytes))

	ch <- c.dirtyWritesLost
	ch <- c.resolvesCompleted
	ch <- c.userEvicts
	ch <- c.dirtyRangesLive
	ch <- c.dirtyBytes
}
