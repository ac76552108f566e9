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
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cubefs/journaldb/metrics"
)

// Counter paths understood by Snapshot.
const (
	CounterCPUPercent  = "host/cpu/percent"
	CounterMajorFaults = "service/major_page_faults_per_sec"
	CounterDataDirFree = "service/data_dir/bytes_free"
	CounterTmpDirFree  = "service/tmp_dir/bytes_free"
)

const (
	defaultPercentCPUTime   = .5
	defaultMajorPageFaults  = 0
	defaultDataDirBytesFree = 20 << 30
	defaultTmpDirBytesFree  = 10 << 30
)

// CounterSet looks up a named counter; ok is false when the counter is
// unavailable.
type CounterSet interface {
	Counter(path string) (float64, bool)
}

// Scores is a snapshot of the host and service load.
type Scores struct {
	PercentCPUTime        float64 `json:"percent_cpu_time"`
	MajorPageFaultsPerSec float64 `json:"major_page_faults_per_sec"`
	DataDirBytesFree      float64 `json:"data_dir_bytes_free"`
	TmpDirBytesFree       float64 `json:"tmp_dir_bytes_free"`
}

// Snapshot reads the scores, falling back to conservative defaults for any
// counter that is not available. It never fails.
func Snapshot(counters CounterSet) Scores {
	read := func(path string, def float64) float64 {
		if counters == nil {
			return def
		}
		if v, ok := counters.Counter(path); ok {
			return v
		}
		return def
	}
	return Scores{
		PercentCPUTime:        read(CounterCPUPercent, defaultPercentCPUTime),
		MajorPageFaultsPerSec: read(CounterMajorFaults, defaultMajorPageFaults),
		DataDirBytesFree:      read(CounterDataDirFree, defaultDataDirBytesFree),
		TmpDirBytesFree:       read(CounterTmpDirFree, defaultTmpDirBytesFree),
	}
}

// Overloaded reports whether this host should shed index partitions. Only
// the CPU share gates moves; the other scores are informational.
func (s Scores) Overloaded(cpuThreshold float64) bool {
	return s.PercentCPUTime > cpuThreshold
}

// StaticCounters serves fixed values.
type StaticCounters map[string]float64

func (s StaticCounters) Counter(path string) (float64, bool) {
	v, ok := s[path]
	return v, ok
}

// HostCounters samples the local host. Every value read is also published
// to the metrics registry.
type HostCounters struct {
	dataDir string
	tmpDir  string

	lock       sync.Mutex
	proc       *process.Process
	lastFaults uint64
	lastAt     time.Time
}

func NewHostCounters(dataDir, tmpDir string) *HostCounters {
	h := &HostCounters{dataDir: dataDir, tmpDir: tmpDir}
	if tmpDir == "" {
		h.tmpDir = os.TempDir()
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	}
	return h
}

func (h *HostCounters) Counter(path string) (v float64, ok bool) {
	switch path {
	case CounterCPUPercent:
		v, ok = h.cpuPercent()
	case CounterMajorFaults:
		v, ok = h.majorFaultRate()
	case CounterDataDirFree:
		v, ok = freeBytes(h.dataDir)
	case CounterTmpDirFree:
		v, ok = freeBytes(h.tmpDir)
	}
	if ok {
		metrics.HostCounters.WithLabelValues(path).Set(v)
	}
	return
}

func (h *HostCounters) cpuPercent() (float64, bool) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, false
	}
	return percents[0] / 100, true
}

// majorFaultRate needs two samples, the first call only primes it.
func (h *HostCounters) majorFaultRate() (float64, bool) {
	if h.proc == nil {
		return 0, false
	}
	stat, err := h.proc.PageFaults()
	if err != nil {
		return 0, false
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	now := time.Now()
	last, lastAt := h.lastFaults, h.lastAt
	h.lastFaults, h.lastAt = stat.MajorFaults, now
	if lastAt.IsZero() || stat.MajorFaults < last {
		return 0, false
	}
	elapsed := now.Sub(lastAt).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return float64(stat.MajorFaults-last) / elapsed, true
}

func freeBytes(path string) (float64, bool) {
	if path == "" {
		return 0, false
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, false
	}
	return float64(usage.Free), true
}
