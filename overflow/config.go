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
	"fmt"

	apierrors "github.com/cubefs/journaldb/errors"
)

const (
	minNominalShardSize = 1 << 10

	defaultNominalShardSize         = 200 << 20
	defaultMaximumBuildSegmentBytes = 20 << 20
	defaultOverflowTimeoutMs        = 10 * 60 * 1000
	defaultSegmentCacheSize         = 64
)

// Config is validated once when the manager is created and never re-read.
type Config struct {
	DataDir string `json:"data_dir"`

	OverflowEnabled bool `json:"overflow_enabled"`
	// OverflowMaxCount caps synchronous overflows, 0 is unlimited.
	OverflowMaxCount int64 `json:"overflow_max_count"`
	// OverflowThreshold is the fraction of the journal extent that triggers a rollover.
	OverflowThreshold  float64 `json:"overflow_threshold"`
	CopyIndexThreshold int64   `json:"copy_index_threshold"`

	AccelerateSplitThreshold int     `json:"accelerate_split_threshold"`
	PercentOfSplitThreshold  float64 `json:"percent_of_split_threshold"`
	TailSplitThreshold       float64 `json:"tail_split_threshold"`

	JoinsEnabled                 bool    `json:"joins_enabled"`
	PercentOfJoinThreshold       float64 `json:"percent_of_join_threshold"`
	MinimumActiveIndexPartitions int     `json:"minimum_active_index_partitions"`

	MaximumMoves                int     `json:"maximum_moves"`
	MaximumMovesPerTarget       int     `json:"maximum_moves_per_target"`
	MaximumMovePercentOfSplit   float64 `json:"maximum_move_percent_of_split"`
	MovePercentCpuTimeThreshold float64 `json:"move_percent_cpu_time_threshold"`

	MaximumOptionalMergesPerOverflow int   `json:"maximum_optional_merges_per_overflow"`
	MaximumJournalsPerView           int   `json:"maximum_journals_per_view"`
	MaximumSegmentsPerView           int   `json:"maximum_segments_per_view"`
	MaximumBuildSegmentBytes         int64 `json:"maximum_build_segment_bytes"`
	NominalShardSize                 int64 `json:"nominal_shard_size"`

	// OverflowTimeoutMs bounds one maintenance cycle, 0 is unbounded.
	OverflowTimeoutMs int64 `json:"overflow_timeout_ms"`
	BuildPoolSize     int   `json:"build_pool_size"`
	MergePoolSize     int   `json:"merge_pool_size"`

	// ReleaseAgeMs is how long an unreferenced journal or segment is kept
	// before it is purged, 0 keeps released resources forever.
	ReleaseAgeMs     int64 `json:"release_age_ms"`
	SegmentWriteMBPS int   `json:"segment_write_mbps"`
	SegmentCacheSize int   `json:"segment_cache_size"`
}

func DefaultConfig() Config {
	return Config{
		OverflowEnabled:                  true,
		OverflowThreshold:                .9,
		CopyIndexThreshold:               1000,
		AccelerateSplitThreshold:         20,
		PercentOfSplitThreshold:          .9,
		TailSplitThreshold:               .4,
		PercentOfJoinThreshold:           .5,
		MinimumActiveIndexPartitions:     1,
		MaximumMoves:                     3,
		MaximumMovesPerTarget:            2,
		MaximumMovePercentOfSplit:        .8,
		MovePercentCpuTimeThreshold:      .7,
		MaximumOptionalMergesPerOverflow: 2,
		MaximumJournalsPerView:           3,
		MaximumSegmentsPerView:           6,
		MaximumBuildSegmentBytes:         defaultMaximumBuildSegmentBytes,
		NominalShardSize:                 defaultNominalShardSize,
		OverflowTimeoutMs:                defaultOverflowTimeoutMs,
		BuildPoolSize:                    3,
		MergePoolSize:                    1,
		SegmentCacheSize:                 defaultSegmentCacheSize,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return invalid("data_dir is empty")
	case c.OverflowMaxCount < 0:
		return invalid("overflow_max_count %d < 0", c.OverflowMaxCount)
	case c.OverflowThreshold <= 0 || c.OverflowThreshold > 1:
		return invalid("overflow_threshold %v not in (0, 1]", c.OverflowThreshold)
	case c.CopyIndexThreshold < 0:
		return invalid("copy_index_threshold %d < 0", c.CopyIndexThreshold)
	case c.AccelerateSplitThreshold < 0:
		return invalid("accelerate_split_threshold %d < 0", c.AccelerateSplitThreshold)
	case c.PercentOfSplitThreshold < 0 || c.PercentOfSplitThreshold > 2:
		return invalid("percent_of_split_threshold %v not in [0, 2]", c.PercentOfSplitThreshold)
	case c.TailSplitThreshold < 0 || c.TailSplitThreshold > 1:
		return invalid("tail_split_threshold %v not in [0, 1]", c.TailSplitThreshold)
	case c.PercentOfJoinThreshold < 0 || c.PercentOfJoinThreshold > 1:
		return invalid("percent_of_join_threshold %v not in [0, 1]", c.PercentOfJoinThreshold)
	case c.MinimumActiveIndexPartitions < 1:
		return invalid("minimum_active_index_partitions %d < 1", c.MinimumActiveIndexPartitions)
	case c.MaximumMoves < 0:
		return invalid("maximum_moves %d < 0", c.MaximumMoves)
	case c.MaximumMovesPerTarget < 0 || c.MaximumMovesPerTarget > c.MaximumMoves:
		return invalid("maximum_moves_per_target %d not in [0, %d]", c.MaximumMovesPerTarget, c.MaximumMoves)
	case c.MaximumMovePercentOfSplit < 0 || c.MaximumMovePercentOfSplit > 2:
		return invalid("maximum_move_percent_of_split %v not in [0, 2]", c.MaximumMovePercentOfSplit)
	case c.MovePercentCpuTimeThreshold < 0 || c.MovePercentCpuTimeThreshold > 1:
		return invalid("move_percent_cpu_time_threshold %v not in [0, 1]", c.MovePercentCpuTimeThreshold)
	case c.MaximumOptionalMergesPerOverflow < 0:
		return invalid("maximum_optional_merges_per_overflow %d < 0", c.MaximumOptionalMergesPerOverflow)
	case c.MaximumJournalsPerView < 2:
		return invalid("maximum_journals_per_view %d < 2", c.MaximumJournalsPerView)
	case c.MaximumSegmentsPerView < 1:
		return invalid("maximum_segments_per_view %d < 1", c.MaximumSegmentsPerView)
	case c.MaximumBuildSegmentBytes < 0:
		return invalid("maximum_build_segment_bytes %d < 0", c.MaximumBuildSegmentBytes)
	case c.NominalShardSize < minNominalShardSize:
		return invalid("nominal_shard_size %d < %d", c.NominalShardSize, minNominalShardSize)
	case c.OverflowTimeoutMs < 0:
		return invalid("overflow_timeout_ms %d < 0", c.OverflowTimeoutMs)
	case c.BuildPoolSize < 0 || c.MergePoolSize < 0:
		return invalid("pool sizes %d/%d < 0", c.BuildPoolSize, c.MergePoolSize)
	case c.ReleaseAgeMs < 0:
		return invalid("release_age_ms %d < 0", c.ReleaseAgeMs)
	case c.SegmentWriteMBPS < 0:
		return invalid("segment_write_mbps %d < 0", c.SegmentWriteMBPS)
	case c.SegmentCacheSize < 0:
		return invalid("segment_cache_size %d < 0", c.SegmentCacheSize)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{apierrors.ErrInvalidConfiguration}, args...)...)
}
