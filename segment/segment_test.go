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

package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/util"
	"github.com/cubefs/journaldb/util/limiter"
)

func writeSegment(t *testing.T, dir string, n int) proto.ResourceDescriptor {
	ctx := context.Background()
	w, err := NewWriter(ctx, 100, WriterOptions{
		Dir:             dir,
		IndexName:       "spo#0",
		ExpectedEntries: int64(n),
		Limiter:         limiter.New(limiter.Config{WriteMBPS: 64, WriteConcurrency: 1}),
	})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%05d", i*2))
		require.NoError(t, w.Add(key, []byte(fmt.Sprintf("v%d", i)), i%10 == 9))
	}
	require.Equal(t, int64(n), w.EntryCount())
	desc, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, desc.Validate())
	return desc
}

func TestSegmentWriteRead(t *testing.T) {
	ctx := context.Background()
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	n := 5000
	desc := writeSegment(t, dir, n)
	_, err = os.Stat(desc.FilePath + tmpSuffix)
	require.True(t, os.IsNotExist(err))

	s, err := Open(ctx, desc)
	require.NoError(t, err)
	defer s.Release()
	require.Equal(t, int64(n), s.EntryCount())
	require.Equal(t, "spo#0", s.IndexName())
	require.True(t, s.HasTombstone())

	e, ok, err := s.Get(ctx, []byte("k00010"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v5"), e.Value)

	e, ok, err = s.Get(ctx, []byte("k00018"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, e.Deleted)

	_, ok, err = s.Get(ctx, []byte("k00011"))
	require.NoError(t, err)
	require.False(t, ok)

	key, err := s.KeyAt(n / 2)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("k%05d", n), string(key))
	_, err = s.KeyAt(n)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)

	it, err := s.NewIterator(ctx, []byte("k00011"), []byte("k00020"))
	require.NoError(t, err)
	entries, err := journal.Drain(it)
	require.NoError(t, err)
	require.Equal(t, 4, len(entries))
	require.Equal(t, "k00012", string(entries[0].Key))

	it, err = s.NewIterator(ctx, nil, nil)
	require.NoError(t, err)
	entries, err = journal.Drain(it)
	require.NoError(t, err)
	require.Equal(t, n, len(entries))
}

func TestSegmentFinishLeavesOnlyFinalFile(t *testing.T) {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	desc := writeSegment(t, dir, 10)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Equal(t, 1, len(entries))
	require.Equal(t, filepath.Base(desc.FilePath), entries[0].Name())

	s, err := Open(context.Background(), desc)
	require.NoError(t, err)
	s.Release()

	require.NoError(t, syncDir(dir))
	require.Error(t, syncDir(filepath.Join(dir, "missing")))
}

func TestSegmentWriterRejectsUnordered(t *testing.T) {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	w, err := NewWriter(context.Background(), 1, WriterOptions{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, w.Add([]byte("b"), nil, false))
	require.ErrorIs(t, w.Add([]byte("a"), nil, false), apierrors.ErrInvalidArgument)
	require.ErrorIs(t, w.Add([]byte("b"), nil, false), apierrors.ErrInvalidArgument)
	w.Abort()

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, files)

	_, err = NewWriter(context.Background(), 0, WriterOptions{Dir: dir})
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
}

func TestSegmentCorruption(t *testing.T) {
	ctx := context.Background()
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	desc := writeSegment(t, dir, 10)
	raw, err := os.ReadFile(desc.FilePath)
	require.NoError(t, err)
	raw[len(raw)-footerSize-1] ^= 0xff
	require.NoError(t, os.WriteFile(desc.FilePath, raw, 0o644))

	_, err = Open(ctx, desc)
	require.ErrorIs(t, err, apierrors.ErrSegmentCorrupted)

	desc.FilePath = desc.FilePath + ".missing"
	_, err = Open(ctx, desc)
	require.Error(t, err)
}

func TestSegmentReleaseAfterIterator(t *testing.T) {
	ctx := context.Background()
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	desc := writeSegment(t, dir, 20)
	s, err := Open(ctx, desc)
	require.NoError(t, err)
	it, err := s.NewIterator(ctx, nil, nil)
	require.NoError(t, err)
	// the iterator keeps the mapping alive
	s.Release()
	e, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "k00000", string(e.Key))
	it.Close()
	require.NoError(t, Remove(desc))
	require.NoError(t, Remove(desc))
}
