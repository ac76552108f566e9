// Copyright 2023 The CubeFS Authors.
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

package overflow

import (
	"sync/atomic"

	"github.com/cubefs/journaldb/metrics"
)

type State int32

const (
	StateIdle State = iota
	StateSynchronousOverflow
	StateMaintenanceSuspended
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSynchronousOverflow:
		return "synchronous_overflow"
	case StateMaintenanceSuspended:
		return "maintenance_suspended"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// gates holds the lifecycle flags of one manager. overflowAllowed is false
// exactly while the manager is in StateMaintenanceSuspended.
type gates struct {
	state                int32
	overflowAllowed      atomic.Bool
	forceOverflow        atomic.Bool
	forceCompactingMerge atomic.Bool
}

func newGates() *gates {
	g := &gates{}
	g.overflowAllowed.Store(true)
	return g
}

func (g *gates) State() State {
	return State(atomic.LoadInt32(&g.state))
}

// transit moves from one state to another and fails if the current state
// is not from. Shutdown is final.
func (g *gates) transit(from, to State) bool {
	return atomic.CompareAndSwapInt32(&g.state, int32(from), int32(to))
}

func (g *gates) shutdown() State {
	return State(atomic.SwapInt32(&g.state, int32(StateShutdown)))
}

// suspend closes the overflow gate as a maintenance cycle begins.
func (g *gates) suspend() bool {
	if !g.overflowAllowed.CompareAndSwap(true, false) {
		return false
	}
	metrics.OverflowAllowed.Set(0)
	g.transit(StateSynchronousOverflow, StateMaintenanceSuspended)
	return true
}

// resume reopens the gate once a cycle completed or timed out and consumes
// the compacting merge request that cycle served.
func (g *gates) resume() bool {
	ok := g.overflowAllowed.CompareAndSwap(false, true)
	metrics.OverflowAllowed.Set(1)
	g.forceCompactingMerge.Store(false)
	g.transit(StateMaintenanceSuspended, StateIdle)
	return ok
}
