// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package tso

import (
	"go.uber.org/atomic"
)

// Allocator hands out process-wide unique timestamps. A timestamp is used both
// as a transaction id and as the version stamp of everything that
// transaction commits.
type Allocator struct {
	ts atomic.Uint64
}

// NewAllocator creates an allocator whose first timestamp is 1.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// NewAllocatorFrom creates an allocator whose first timestamp is last+1.
func NewAllocatorFrom(last uint64) *Allocator {
	a := &Allocator{}
	a.ts.Store(last)
	return a
}

// Next returns a timestamp greater than every timestamp returned before.
func (a *Allocator) Next() uint64 {
	ts := a.ts.Inc()
	tsoCounter.WithLabelValues("alloc").Inc()
	tsoGauge.WithLabelValues("last").Set(float64(ts))
	return ts
}

// Current returns the last allocated timestamp without allocating, 0 if none.
func (a *Allocator) Current() uint64 {
	return a.ts.Load()
}
