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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldOverflow(t *testing.T) {
	cfg := DefaultConfig()
	open := GateState{OverflowAllowed: true}

	require.True(t, ShouldOverflow(JournalState{BytesWritten: 950, MaximumExtent: 1000}, open, &cfg))
	require.False(t, ShouldOverflow(JournalState{BytesWritten: 800, MaximumExtent: 1000}, open, &cfg))
	require.False(t, ShouldOverflow(JournalState{BytesWritten: 900, MaximumExtent: 1000}, open, &cfg))

	// gate closed while maintenance runs
	closed := GateState{}
	require.False(t, ShouldOverflow(JournalState{BytesWritten: 950, MaximumExtent: 1000}, closed, &cfg))

	transient := JournalState{BytesWritten: 950, MaximumExtent: 1000, Transient: true}
	require.False(t, ShouldOverflow(transient, open, &cfg))

	disabled := cfg
	disabled.OverflowEnabled = false
	require.False(t, ShouldOverflow(JournalState{BytesWritten: 950, MaximumExtent: 1000}, open, &disabled))

	limited := cfg
	limited.OverflowMaxCount = 2
	require.True(t, ShouldOverflow(JournalState{BytesWritten: 950, MaximumExtent: 1000},
		GateState{OverflowAllowed: true, SynchronousOverflowCount: 1}, &limited))
	require.False(t, ShouldOverflow(JournalState{BytesWritten: 950, MaximumExtent: 1000},
		GateState{OverflowAllowed: true, SynchronousOverflowCount: 2}, &limited))
}

func TestShouldOverflowForced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OverflowEnabled = false
	cfg.OverflowMaxCount = 1
	forced := GateState{ForceOverflow: true, SynchronousOverflowCount: 5}
	require.True(t, ShouldOverflow(JournalState{}, forced, &cfg))
	require.True(t, ShouldOverflow(JournalState{Transient: true}, forced, &cfg))
}

func TestGates(t *testing.T) {
	g := newGates()
	require.Equal(t, StateIdle, g.State())
	require.True(t, g.overflowAllowed.Load())

	require.True(t, g.transit(StateIdle, StateSynchronousOverflow))
	require.False(t, g.transit(StateIdle, StateSynchronousOverflow))

	g.forceCompactingMerge.Store(true)
	require.True(t, g.suspend())
	require.False(t, g.suspend())
	require.False(t, g.overflowAllowed.Load())
	require.Equal(t, StateMaintenanceSuspended, g.State())

	require.True(t, g.resume())
	require.False(t, g.resume())
	require.True(t, g.overflowAllowed.Load())
	require.False(t, g.forceCompactingMerge.Load())
	require.Equal(t, StateIdle, g.State())

	require.Equal(t, StateIdle, g.shutdown())
	require.Equal(t, StateShutdown, g.State())
	require.Equal(t, "shutdown", StateShutdown.String())
}
