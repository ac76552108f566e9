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
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// RegistryCounters looks counters up in a prometheus gatherer. A path is a
// metric name optionally followed by label pairs:
//
//	journaldb_host_counter{path=host/cpu/percent}
type RegistryCounters struct {
	Gatherer prometheus.Gatherer
}

func (r RegistryCounters) Counter(path string) (float64, bool) {
	name, labels := parsePath(path)
	families, err := r.Gatherer.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !matchLabels(m.GetLabel(), labels) {
				continue
			}
			return sampleValue(mf.GetType(), m)
		}
	}
	return 0, false
}

func parsePath(path string) (string, map[string]string) {
	i := strings.IndexByte(path, '{')
	if i < 0 || !strings.HasSuffix(path, "}") {
		return path, nil
	}
	labels := make(map[string]string)
	for _, pair := range strings.Split(path[i+1:len(path)-1], ",") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			labels[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return path[:i], labels
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	for k, v := range want {
		i := sort.Search(len(pairs), func(i int) bool { return pairs[i].GetName() >= k })
		if i == len(pairs) || pairs[i].GetName() != k || pairs[i].GetValue() != v {
			return false
		}
	}
	return true
}

func sampleValue(t dto.MetricType, m *dto.Metric) (float64, bool) {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue(), true
	default:
		return 0, false
	}
}
