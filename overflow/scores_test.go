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
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotDefaults(t *testing.T) {
	s := Snapshot(nil)
	require.Equal(t, .5, s.PercentCPUTime)
	require.Equal(t, float64(0), s.MajorPageFaultsPerSec)
	require.Equal(t, float64(20<<30), s.DataDirBytesFree)
	require.Equal(t, float64(10<<30), s.TmpDirBytesFree)
	require.Equal(t, s, Snapshot(StaticCounters{}))
	require.False(t, s.Overloaded(.7))
}

func TestSnapshotOverloaded(t *testing.T) {
	s := Snapshot(StaticCounters{CounterCPUPercent: .75})
	require.Equal(t, .75, s.PercentCPUTime)
	require.True(t, s.Overloaded(.7))
	require.False(t, s.Overloaded(.8))

	require.False(t, s.Overloaded(.75))

	require.False(t, Snapshot(StaticCounters{CounterMajorFaults: 21}).Overloaded(.7))
	require.False(t, Snapshot(StaticCounters{CounterDataDirFree: 1 << 30}).Overloaded(.7))
	require.False(t, Snapshot(StaticCounters{CounterTmpDirFree: 0}).Overloaded(.7))
}

func TestHostCounters(t *testing.T) {
	h := NewHostCounters(os.TempDir(), "")
	free, ok := h.Counter(CounterDataDirFree)
	require.True(t, ok)
	require.Greater(t, free, float64(0))

	_, ok = h.Counter("no/such/counter")
	require.False(t, ok)

	s := Snapshot(h)
	require.GreaterOrEqual(t, s.PercentCPUTime, float64(0))
	require.LessOrEqual(t, s.PercentCPUTime, float64(1))
}
