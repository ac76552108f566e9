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
	"sort"

	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/util/limiter"
)

type PartitionStats struct {
	Name           string               `json:"name"`
	IndexName      string               `json:"index_name"`
	PartitionID    proto.PartitionID    `json:"partition_id"`
	LeftSeparator  []byte               `json:"left_separator"`
	RightSeparator []byte               `json:"right_separator"`
	Journals       int                  `json:"journals"`
	Segments       int                  `json:"segments"`
	Entries        int64                `json:"entries"`
	Bytes          int64                `json:"bytes"`
	Cause          proto.PartitionCause `json:"cause"`
}

type Stats struct {
	State         string                   `json:"state"`
	LiveJournal   proto.ResourceDescriptor `json:"live_journal"`
	BytesWritten  int64                    `json:"bytes_written"`
	MaximumExtent int64                    `json:"maximum_extent"`

	OverflowEnabled      bool `json:"overflow_enabled"`
	OverflowAllowed      bool `json:"overflow_allowed"`
	ForceOverflow        bool `json:"force_overflow"`
	ForceCompactingMerge bool `json:"force_compacting_merge"`

	SynchronousOverflowCount  int64 `json:"synchronous_overflow_count"`
	AsynchronousOverflowCount int64 `json:"asynchronous_overflow_count"`
	FailedTasks               int64 `json:"failed_tasks"`
	CancelledTasks            int64 `json:"cancelled_tasks"`

	OpenJournals      int              `json:"open_journals"`
	CachedSegments    int              `json:"cached_segments"`
	ReleasedResources int              `json:"released_resources"`
	SegmentWriter     limiter.Status   `json:"segment_writer"`
	Scores            Scores           `json:"scores"`
	Partitions        []PartitionStats `json:"partitions"`
}

func (m *Manager) Stats() Stats {
	m.lock.RLock()
	defer m.lock.RUnlock()
	live := m.liveJournal()
	st := Stats{
		State:                     m.State().String(),
		LiveJournal:               live.Descriptor(),
		BytesWritten:              live.BytesWritten(),
		MaximumExtent:             live.MaximumExtent(),
		OverflowEnabled:           m.cfg.OverflowEnabled,
		OverflowAllowed:           m.overflowAllowed.Load(),
		ForceOverflow:             m.forceOverflow.Load(),
		ForceCompactingMerge:      m.forceCompactingMerge.Load(),
		SynchronousOverflowCount:  m.syncCount.Load(),
		AsynchronousOverflowCount: m.asyncCount.Load(),
		FailedTasks:               m.failedTasks.Load(),
		CancelledTasks:            m.cancelledTasks.Load(),
		OpenJournals:              len(m.journals),
		ReleasedResources:         len(m.released),
		SegmentWriter:             m.limiter.Status(),
		Scores:                    Snapshot(m.counters),
	}
	m.segLock.Lock()
	st.CachedSegments = m.segments.Len()
	m.segLock.Unlock()
	for _, e := range m.views {
		p := e.Partition()
		st.Partitions = append(st.Partitions, PartitionStats{
			Name:           e.Name(),
			IndexName:      e.Metadata().IndexName,
			PartitionID:    p.PartitionID,
			LeftSeparator:  p.LeftSeparator,
			RightSeparator: p.RightSeparator,
			Journals:       p.JournalCount(),
			Segments:       p.SegmentCount(),
			Entries:        e.EntryCount(),
			Bytes:          e.ByteCount(),
			Cause:          p.Cause,
		})
	}
	sort.Slice(st.Partitions, func(i, j int) bool { return st.Partitions[i].Name < st.Partitions[j].Name })
	return st
}
