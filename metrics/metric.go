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
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "journaldb"

var (
	Registry = prometheus.NewRegistry()

	SynchronousOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "overflow",
		Name:      "synchronous_total",
		Help:      "Journal rollovers performed under the write lock.",
	})
	AsynchronousOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "overflow",
		Name:      "asynchronous_total",
		Help:      "Maintenance cycles finished, skipped or timed out.",
	})
	IndexActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "overflow",
		Name:      "index_actions_total",
		Help:      "Per index overflow actions by kind and result.",
	}, []string{"action", "result"})
	OverflowAllowed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "overflow",
		Name:      "allowed",
		Help:      "1 unless a maintenance cycle is running.",
	})
	SynchronousOverflowSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "overflow",
		Name:      "synchronous_seconds",
		Help:      "Time spent holding the exclusive lock during rollover.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	SegmentBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "bytes",
		Help:      "Size of segments written by builds and merges.",
		Buckets:   prometheus.ExponentialBuckets(1<<10, 4, 12),
	})
	PurgedResources = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resource",
		Name:      "purged_total",
		Help:      "Released journals and segments deleted by the purge policy.",
	}, []string{"kind"})
	HostCounters = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "host",
		Name:      "counter",
		Help:      "Last observed host and service counters.",
	}, []string{"path"})
)

func init() {
	Registry.MustRegister(
		SynchronousOverflows,
		AsynchronousOverflows,
		IndexActions,
		OverflowAllowed,
		SynchronousOverflowSeconds,
		SegmentBytes,
		PurgedResources,
		HostCounters,
	)
	OverflowAllowed.Set(1)
}
