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

package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/util"
)

func newIndexMetadata(name string) *proto.IndexMetadata {
	return &proto.IndexMetadata{
		Name:      name,
		IndexName: name,
		Partition: &proto.PartitionMetadata{SourcePartitionID: proto.NoSourcePartition},
	}
}

func newJournalWithIndex(t *testing.T, f *Factory, name string) (journal.Journal, journal.Structure) {
	ctx := context.Background()
	j, err := f.Create(ctx, f.clock.Next())
	require.NoError(t, err)
	s, err := j.LoadStructure(ctx, journal.Checkpoint{Name: name, Metadata: newIndexMetadata(name)})
	require.NoError(t, err)
	require.NoError(t, j.Register(ctx, s))
	return j, s
}

func TestStructurePutGetDelete(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(util.NewClock(), Options{MaximumExtent: 1 << 20})
	j, s := newJournalWithIndex(t, f, "spo#0")

	require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, s.Put(ctx, []byte("b"), []byte("2")))
	require.NoError(t, s.Put(ctx, []byte("a"), []byte("3")))
	require.NoError(t, s.Delete(ctx, []byte("b")))

	e, ok, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("3"), e.Value)

	e, ok, err = s.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, e.Deleted)

	require.Equal(t, int64(2), s.EntryCount())
	require.Equal(t, uint64(4), s.WriteCounter())
	require.Equal(t, journal.EntrySize([]byte("a"), []byte("3"))+journal.EntrySize([]byte("b"), nil), s.ByteCount())
	require.Equal(t, int64(4*journal.EntryOverhead+7), j.BytesWritten())
}

func TestIteratorBatches(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(util.NewClock(), Options{})
	_, s := newJournalWithIndex(t, f, "spo#0")
	n := 3*iteratorBatch + 7
	for i := 0; i < n; i++ {
		require.NoError(t, s.Put(ctx, []byte(fmt.Sprintf("k%05d", i)), []byte("v")))
	}

	it, err := s.NewIterator(ctx, nil, nil)
	require.NoError(t, err)
	entries, err := journal.Drain(it)
	require.NoError(t, err)
	require.Equal(t, n, len(entries))
	for i := range entries {
		require.Equal(t, fmt.Sprintf("k%05d", i), string(entries[i].Key))
	}

	it, err = s.NewIterator(ctx, []byte("k00010"), []byte("k00020"))
	require.NoError(t, err)
	entries, err = journal.Drain(it)
	require.NoError(t, err)
	require.Equal(t, 10, len(entries))
	require.Equal(t, "k00010", string(entries[0].Key))
}

func TestCommitAndCloseForWrites(t *testing.T) {
	ctx := context.Background()
	clock := util.NewClock()
	f := NewFactory(clock, Options{})
	j, s := newJournalWithIndex(t, f, "spo#0")

	require.Empty(t, j.Indices())
	t1, err := j.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, t1, j.LastCommitTime())
	cps := j.Indices()
	require.Equal(t, 1, len(cps))
	require.Equal(t, "spo#0", cps[0].Name)
	require.Equal(t, t1, cps[0].CommitTime)

	closeTime := clock.Next()
	require.NoError(t, j.CloseForWrites(ctx, closeTime))
	require.True(t, j.ReadOnly())
	require.Equal(t, closeTime, j.CloseTime())
	require.ErrorIs(t, s.Put(ctx, []byte("a"), nil), apierrors.ErrJournalReadOnly)
	_, err = j.Commit(ctx)
	require.ErrorIs(t, err, apierrors.ErrJournalReadOnly)
	require.Error(t, j.CloseForWrites(ctx, closeTime))

	// committed structures reload from their checkpoint
	loaded, err := j.LoadStructure(ctx, cps[0])
	require.NoError(t, err)
	require.Equal(t, s, loaded)
}

func TestRangeCopyKeepsWriteCounter(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(util.NewClock(), Options{})
	_, src := newJournalWithIndex(t, f, "spo#0")
	require.NoError(t, src.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, src.Delete(ctx, []byte("b")))

	j2, err := f.Create(ctx, f.clock.Next())
	require.NoError(t, err)
	cp := journal.CheckpointFrom(src.Checkpoint(), newIndexMetadata("spo#0"))
	dst, err := j2.LoadStructure(ctx, cp)
	require.NoError(t, err)
	require.Equal(t, uint64(2), dst.WriteCounter())

	n, err := dst.RangeCopy(ctx, src, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Equal(t, uint64(2), dst.WriteCounter())
	e, ok, err := dst.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, e.Deleted)
}

func TestRegisterAndReopen(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(util.NewClock(), Options{})
	j, s := newJournalWithIndex(t, f, "spo#0")
	require.ErrorIs(t, j.Register(ctx, s), apierrors.ErrIndexExists)

	other, _ := newJournalWithIndex(t, f, "pos#0")
	foreign, err := other.LoadStructure(ctx, journal.Checkpoint{Name: "x#0", Metadata: newIndexMetadata("x#0")})
	require.NoError(t, err)
	require.ErrorIs(t, j.Register(ctx, foreign), apierrors.ErrInvalidArgument)

	require.NoError(t, j.Drop(ctx, "spo#0"))
	require.ErrorIs(t, j.Drop(ctx, "spo#0"), apierrors.ErrIndexNotFound)

	require.NoError(t, j.Close())
	reopened, err := f.Open(ctx, j.Descriptor())
	require.NoError(t, err)
	require.Equal(t, j.Descriptor(), reopened.Descriptor())

	require.NoError(t, reopened.Destroy())
	_, err = f.Open(ctx, j.Descriptor())
	require.ErrorIs(t, err, apierrors.ErrResourceNotFound)

	transient := NewFactory(util.NewClock(), Options{Transient: true})
	tj, err := transient.Create(ctx, 1)
	require.NoError(t, err)
	require.True(t, tj.Transient())
	_, err = transient.Open(ctx, tj.Descriptor())
	require.Error(t, err)
}
