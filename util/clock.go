// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package util

import (
	"sync/atomic"
	"time"
)

// Clock hands out strictly increasing logical timestamps in milliseconds.
// Timestamps follow wall time while it moves forward and tick by one otherwise.
type Clock struct {
	last uint64
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewManualClock returns a clock that ignores wall time and advances by one
// on every call, starting after base.
func NewManualClock(base uint64) *Clock {
	return &Clock{last: base, now: func() time.Time { return time.UnixMilli(0) }}
}

func (c *Clock) Next() uint64 {
	for {
		last := atomic.LoadUint64(&c.last)
		next := uint64(c.now().UnixMilli())
		if next <= last {
			next = last + 1
		}
		if atomic.CompareAndSwapUint64(&c.last, last, next) {
			return next
		}
	}
}

// Last returns the most recent timestamp handed out.
func (c *Clock) Last() uint64 {
	return atomic.LoadUint64(&c.last)
}

// Observe makes sure later timestamps are greater than t. Used when
// recovering persisted timestamps.
func (c *Clock) Observe(t uint64) {
	for {
		last := atomic.LoadUint64(&c.last)
		if t <= last || atomic.CompareAndSwapUint64(&c.last, last, t) {
			return
		}
	}
}
