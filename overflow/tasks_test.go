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
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/journaldb/proto"
)

func TestInstallKeepsCommittedSegment(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t, func(cfg *Config) { cfg.CopyIndexThreshold = 0 })
	require.NoError(t, m.RegisterIndex(ctx, "spo", ""))
	fill(t, m, "spo", 0, 20)
	om := syncOverflow(t, m, false)

	cands := m.snapshot(om)
	require.Len(t, cands, 1)
	c := cands[0]
	defer c.release()
	p := c.md.Partition
	desc, ok, err := m.writeSegment(ctx, c.md.Name, c.older(), p.LeftSeparator, p.RightSeparator, false)
	require.NoError(t, err)
	require.True(t, ok)
	// the segment can no longer be opened once the layout is committed
	require.NoError(t, os.Truncate(desc.FilePath, 1))

	require.Error(t, m.install(ctx, c, len(c.older()), desc, ok, proto.CauseMerge))

	_, err = os.Stat(desc.FilePath)
	require.NoError(t, err)
	listed, found, err := s.dir.Lookup(ctx, desc.CreateTime, desc.UUID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, listed.Equal(desc))
	var committed *proto.PartitionMetadata
	for _, cp := range m.liveJournal().Indices() {
		if cp.Name == "spo#0" {
			committed = cp.Metadata.Partition
		}
	}
	require.NotNil(t, committed)
	require.True(t, committed.References(desc))
}

func TestInstallDiscardsUncommittedSegment(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t, func(cfg *Config) { cfg.CopyIndexThreshold = 0 })
	require.NoError(t, m.RegisterIndex(ctx, "spo", ""))
	fill(t, m, "spo", 0, 20)
	om := syncOverflow(t, m, false)

	cands := m.snapshot(om)
	require.Len(t, cands, 1)
	c := cands[0]
	defer c.release()
	p := c.md.Partition
	desc, ok, err := m.writeSegment(ctx, c.md.Name, c.older(), p.LeftSeparator, p.RightSeparator, false)
	require.NoError(t, err)
	require.True(t, ok)

	// the view moved on, nothing references the segment
	fill(t, m, "spo", 20, 21)
	syncOverflow(t, m, false)
	require.Error(t, m.install(ctx, c, len(c.older()), desc, ok, proto.CauseMerge))

	_, err = os.Stat(desc.FilePath)
	require.True(t, os.IsNotExist(err))
	_, found, err := s.dir.Lookup(ctx, desc.CreateTime, desc.UUID)
	require.NoError(t, err)
	require.False(t, found)
}
