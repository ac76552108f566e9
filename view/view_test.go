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

package view

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/journal/memory"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/util"
)

func newStructure(t *testing.T, f *memory.Factory, md *proto.IndexMetadata, clock *util.Clock) journal.Structure {
	ctx := context.Background()
	j, err := f.Create(ctx, clock.Next())
	require.NoError(t, err)
	s, err := j.LoadStructure(ctx, journal.Checkpoint{Name: md.Name, Metadata: md})
	require.NoError(t, err)
	require.NoError(t, j.Register(ctx, s))
	return s
}

func testMetadata(left, right string) *proto.IndexMetadata {
	p := &proto.PartitionMetadata{SourcePartitionID: proto.NoSourcePartition}
	if left != "" {
		p.LeftSeparator = []byte(left)
	}
	if right != "" {
		p.RightSeparator = []byte(right)
	}
	return &proto.IndexMetadata{Name: "spo#0", IndexName: "spo", Partition: p}
}

func TestViewNewestSourceWins(t *testing.T) {
	ctx := context.Background()
	clock := util.NewClock()
	f := memory.NewFactory(clock, memory.Options{})
	md := testMetadata("", "")

	oldest := newStructure(t, f, md, clock)
	older := newStructure(t, f, md, clock)
	live := newStructure(t, f, md, clock)

	require.NoError(t, oldest.Put(ctx, []byte("a"), []byte("a0")))
	require.NoError(t, oldest.Put(ctx, []byte("b"), []byte("b0")))
	require.NoError(t, oldest.Put(ctx, []byte("c"), []byte("c0")))
	require.NoError(t, older.Put(ctx, []byte("b"), []byte("b1")))
	require.NoError(t, older.Delete(ctx, []byte("c")))
	require.NoError(t, live.Put(ctx, []byte("c"), []byte("c2")))
	require.NoError(t, live.Delete(ctx, []byte("a")))
	require.NoError(t, live.Put(ctx, []byte("d"), []byte("d2")))

	v := New(md, live, older, oldest)
	require.Equal(t, 3, len(v.Sources()))
	require.Equal(t, live, v.Mutable())

	_, err := v.Get(ctx, []byte("a"))
	require.ErrorIs(t, err, apierrors.ErrKeyNotFound)
	val, err := v.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("b1"), val)
	val, err = v.Get(ctx, []byte("c"))
	require.NoError(t, err)
	require.Equal(t, []byte("c2"), val)

	var got []string
	require.NoError(t, v.Scan(ctx, nil, nil, func(k, val []byte) bool {
		got = append(got, string(k)+"="+string(val))
		return true
	}))
	require.Equal(t, []string{"b=b1", "c=c2", "d=d2"}, got)

	it, err := NewMergeIterator(ctx, v.Sources(), nil, nil, true)
	require.NoError(t, err)
	entries, err := journal.Drain(it)
	require.NoError(t, err)
	require.Equal(t, 4, len(entries))
	require.True(t, entries[0].Deleted)
	require.Equal(t, int64(8), v.EntryCount())
}

func TestViewRange(t *testing.T) {
	ctx := context.Background()
	clock := util.NewClock()
	f := memory.NewFactory(clock, memory.Options{})
	md := testMetadata("k10", "k20")
	live := newStructure(t, f, md, clock)
	v := New(md, live)

	require.ErrorIs(t, v.Put(ctx, []byte("k09"), nil), apierrors.ErrKeyOutOfRange)
	require.ErrorIs(t, v.Put(ctx, []byte("k20"), nil), apierrors.ErrKeyOutOfRange)
	require.ErrorIs(t, v.Delete(ctx, []byte("k21")), apierrors.ErrKeyOutOfRange)
	_, err := v.Get(ctx, []byte("k30"))
	require.ErrorIs(t, err, apierrors.ErrKeyOutOfRange)

	for i := 10; i < 20; i++ {
		require.NoError(t, v.Put(ctx, []byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	n := 0
	require.NoError(t, v.Scan(ctx, []byte("k00"), []byte("k99"), func(k, _ []byte) bool {
		n++
		return n < 5
	}))
	require.Equal(t, 5, n)

	n = 0
	require.NoError(t, v.Scan(ctx, []byte("k15"), nil, func(k, _ []byte) bool {
		n++
		return true
	}))
	require.Equal(t, 5, n)
	require.NoError(t, v.Scan(ctx, []byte("k19x"), []byte("k10"), func(k, _ []byte) bool {
		t.Fatal("empty range")
		return false
	}))
}
