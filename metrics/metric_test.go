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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegistryCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "host_counter"}, []string{"path", "unit"})
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "rollovers_total"})
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "latency"})
	reg.MustRegister(gauge, counter, hist)

	gauge.WithLabelValues("host/cpu/percent", "ratio").Set(0.75)
	gauge.WithLabelValues("service/dataDir/bytesFree", "bytes").Set(1 << 30)
	counter.Add(3)
	hist.Observe(1)

	rc := RegistryCounters{Gatherer: reg}
	v, ok := rc.Counter(`host_counter{path="host/cpu/percent"}`)
	require.True(t, ok)
	require.Equal(t, 0.75, v)

	v, ok = rc.Counter("host_counter{path=service/dataDir/bytesFree, unit=bytes}")
	require.True(t, ok)
	require.Equal(t, float64(1<<30), v)

	v, ok = rc.Counter("rollovers_total")
	require.True(t, ok)
	require.Equal(t, float64(3), v)

	_, ok = rc.Counter("latency")
	require.False(t, ok)
	_, ok = rc.Counter("host_counter{path=unknown}")
	require.False(t, ok)
	_, ok = rc.Counter("missing")
	require.False(t, ok)
}

func TestDefaultRegistry(t *testing.T) {
	SynchronousOverflows.Inc()
	v, ok := RegistryCounters{Gatherer: Registry}.Counter("journaldb_overflow_synchronous_total")
	require.True(t, ok)
	require.GreaterOrEqual(t, v, float64(1))
	v, ok = RegistryCounters{Gatherer: Registry}.Counter("journaldb_overflow_allowed")
	require.True(t, ok)
	require.Equal(t, float64(1), v)
}
