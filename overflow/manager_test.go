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
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal/memory"
	"github.com/cubefs/journaldb/resource"
	"github.com/cubefs/journaldb/util"
)

type testStore struct {
	clock   *util.Clock
	factory *memory.Factory
	dir     *resource.Directory
}

func newTestStore(opts memory.Options) *testStore {
	clock := util.NewManualClock(100)
	if opts.MaximumExtent == 0 {
		opts.MaximumExtent = 1 << 20
	}
	return &testStore{
		clock:   clock,
		factory: memory.NewFactory(clock, opts),
		dir:     resource.NewMemoryDirectory(),
	}
}

func newTestConfig(t *testing.T) Config {
	dataDir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dataDir) })
	cfg := DefaultConfig()
	cfg.DataDir = dataDir
	cfg.CopyIndexThreshold = 10
	return cfg
}

func (s *testStore) options(cfg Config) Options {
	return Options{
		Config:    cfg,
		Clock:     s.clock,
		Factory:   s.factory,
		Directory: s.dir,
		Counters:  StaticCounters{},
	}
}

func openTestManager(t *testing.T, opts Options) *Manager {
	m, err := NewManager(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *testStore) {
	cfg := newTestConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	s := newTestStore(memory.Options{})
	return openTestManager(t, s.options(cfg)), s
}

func testKey(i int) []byte   { return []byte(fmt.Sprintf("key-%04d", i)) }
func testValue(i int) []byte { return []byte(fmt.Sprintf("value-%010d", i)) }

// fill writes keys [from, to) and commits without triggering a rollover.
func fill(t *testing.T, m *Manager, index string, from, to int) {
	ctx := context.Background()
	for i := from; i < to; i++ {
		require.NoError(t, m.Put(ctx, index, testKey(i), testValue(i)))
	}
	m.lock.RLock()
	_, err := m.liveJournal().Commit(ctx)
	m.lock.RUnlock()
	require.NoError(t, err)
}

func requireValues(t *testing.T, m *Manager, index string, from, to int) {
	ctx := context.Background()
	for i := from; i < to; i++ {
		v, err := m.Get(ctx, index, testKey(i))
		require.NoError(t, err, "key %d", i)
		require.Equal(t, testValue(i), v)
	}
	n := 0
	require.NoError(t, m.Scan(ctx, index, testKey(from), testKey(to), func(key, value []byte) bool {
		require.Equal(t, testKey(from+n), key)
		n++
		return true
	}))
	require.Equal(t, to-from, n)
}

func TestNewManager(t *testing.T) {
	m, s := newTestManager(t, nil)
	live := m.LiveJournal()
	require.Equal(t, StateIdle, m.State())
	require.True(t, m.IsOverflowEnabled())
	require.True(t, m.IsOverflowAllowed())
	require.False(t, m.ShouldOverflow())

	desc, ok, err := s.dir.Lookup(context.Background(), live.CreateTime, live.UUID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, desc.Equal(live))

	_, err = NewManager(context.Background(), Options{Config: DefaultConfig()})
	require.ErrorIs(t, err, apierrors.ErrInvalidConfiguration)
	cfg := newTestConfig(t)
	_, err = NewManager(context.Background(), Options{Config: cfg})
	require.ErrorIs(t, err, apierrors.ErrInvalidConfiguration)
}

func TestRegisterAndRoute(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	require.NoError(t, m.RegisterIndex(ctx, "spo", ""))
	require.ErrorIs(t, m.RegisterIndex(ctx, "spo", ""), apierrors.ErrIndexExists)
	require.ErrorIs(t, m.RegisterIndex(ctx, "a#b", ""), apierrors.ErrInvalidArgument)
	require.ErrorIs(t, m.RegisterIndex(ctx, "", ""), apierrors.ErrInvalidArgument)

	parts, err := m.Partitions("spo")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, "spo#0", parts[0].Name)
	require.Nil(t, parts[0].Partition.LeftSeparator)
	require.Nil(t, parts[0].Partition.RightSeparator)
	require.Len(t, parts[0].Partition.Resources, 1)
	require.True(t, parts[0].Partition.Resources[0].Equal(m.LiveJournal()))

	fill(t, m, "spo", 0, 50)
	requireValues(t, m, "spo", 0, 50)

	require.NoError(t, m.Delete(ctx, "spo", testKey(10)))
	_, err = m.Get(ctx, "spo", testKey(10))
	require.ErrorIs(t, err, apierrors.ErrKeyNotFound)

	_, err = m.Get(ctx, "pos", testKey(1))
	require.ErrorIs(t, err, apierrors.ErrIndexNotFound)
	require.ErrorIs(t, m.Put(ctx, "pos", testKey(1), nil), apierrors.ErrIndexNotFound)

	n := 0
	require.NoError(t, m.Scan(ctx, "spo", testKey(20), testKey(30), func(key, value []byte) bool {
		n++
		return n < 5
	}))
	require.Equal(t, 5, n)
}

func TestDropIndex(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	require.NoError(t, m.RegisterIndex(ctx, "spo", ""))
	fill(t, m, "spo", 0, 10)

	require.NoError(t, m.DropIndex(ctx, "spo"))
	require.ErrorIs(t, m.DropIndex(ctx, "spo"), apierrors.ErrIndexNotFound)
	_, err := m.Partitions("spo")
	require.ErrorIs(t, err, apierrors.ErrIndexNotFound)
	require.Empty(t, m.liveJournal().Indices())

	require.NoError(t, m.RegisterIndex(ctx, "spo", ""))
	_, err = m.Get(ctx, "spo", testKey(1))
	require.ErrorIs(t, err, apierrors.ErrKeyNotFound)
}

func TestCommitTriggersOverflow(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	s := newTestStore(memory.Options{MaximumExtent: 1000})
	m := openTestManager(t, s.options(cfg))
	require.NoError(t, m.RegisterIndex(ctx, "spo", ""))

	before := m.LiveJournal()
	// 20 entries of 40 bytes stay below 90% of the extent
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Put(ctx, "spo", testKey(i), testValue(i)))
	}
	_, err := m.Commit(ctx)
	require.NoError(t, err)
	require.True(t, before.Equal(m.LiveJournal()))
	require.Equal(t, int64(0), m.SynchronousOverflowCount())

	for i := 20; i < 24; i++ {
		require.NoError(t, m.Put(ctx, "spo", testKey(i), testValue(i)))
	}
	require.True(t, m.ShouldOverflow())
	_, err = m.Commit(ctx)
	require.NoError(t, err)
	require.False(t, before.Equal(m.LiveJournal()))
	require.Equal(t, int64(1), m.SynchronousOverflowCount())
	requireValues(t, m, "spo", 0, 24)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	s := newTestStore(memory.Options{})

	m := openTestManager(t, s.options(cfg))
	require.NoError(t, m.RegisterIndex(ctx, "spo", ""))
	require.NoError(t, m.RegisterIndex(ctx, "pos", ""))
	fill(t, m, "spo", 0, 100)
	fill(t, m, "pos", 0, 5)
	h, err := m.Overflow(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.NoError(t, h.Wait(ctx))
	fill(t, m, "spo", 100, 120)

	live := m.LiveJournal()
	parts, err := m.Partitions("spo")
	require.NoError(t, err)
	m.Shutdown(ctx)
	require.Equal(t, StateShutdown, m.State())
	require.ErrorIs(t, m.Put(ctx, "spo", testKey(1), nil), apierrors.ErrShutdown)

	m = openTestManager(t, s.options(cfg))
	require.True(t, live.Equal(m.LiveJournal()))
	recovered, err := m.Partitions("spo")
	require.NoError(t, err)
	require.Equal(t, parts, recovered)
	requireValues(t, m, "spo", 0, 120)
	requireValues(t, m, "pos", 0, 5)
	require.ErrorIs(t, m.RegisterIndex(ctx, "pos", ""), apierrors.ErrIndexExists)
}

func TestRecoverTransient(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	s := newTestStore(memory.Options{Transient: true})

	m := openTestManager(t, s.options(cfg))
	require.NoError(t, m.RegisterIndex(ctx, "spo", ""))
	fill(t, m, "spo", 0, 10)
	first := m.LiveJournal()
	m.Shutdown(ctx)

	m = openTestManager(t, s.options(cfg))
	require.False(t, first.Equal(m.LiveJournal()))
	_, err := m.Partitions("spo")
	require.ErrorIs(t, err, apierrors.ErrIndexNotFound)
}
