// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"time"

	"github.com/cockroachdb/crlib/crtime"
)

// DeterministicResolveDurationForTesting forces Stopwatch.Stop to always
// report SlowResolveTracingThreshold, so tests that exercise the RMW resolve
// path don't flake on wall-clock timing.
func DeterministicResolveDurationForTesting() func() {
	prev := deterministicResolveDurationForTesting
	deterministicResolveDurationForTesting = true
	return func() {
		deterministicResolveDurationForTesting = prev
	}
}

var deterministicResolveDurationForTesting = false

// Stopwatch measures the wall-clock duration of a single RMW resolve or sync
// write, feeding dbuf's HdrHistogram-backed latency metric.
type Stopwatch struct {
	start crtime.Mono
}

// MakeStopwatch starts a new stopwatch.
func MakeStopwatch() Stopwatch {
	return Stopwatch{start: crtime.NowMono()}
}

// Stop returns the elapsed duration since the stopwatch was started.
func (w Stopwatch) Stop() time.Duration {
	if deterministicResolveDurationForTesting {
		return SlowResolveTracingThreshold
	}
	return w.start.Elapsed()
}

// SlowResolveTracingThreshold is the fixed duration Stop reports while
// DeterministicResolveDurationForTesting is in effect.
const SlowResolveTracingThreshold = 5 * time.Millisecond
