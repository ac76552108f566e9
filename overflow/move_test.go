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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/journal/memory"
	"github.com/cubefs/journaldb/proto"
)

var errTransferRefused = errors.New("transfer refused")

// stallingTarget holds Receive until released.
type stallingTarget struct {
	*Manager
	entered chan struct{}
	release chan struct{}
}

func (s *stallingTarget) Receive(ctx context.Context, md *proto.IndexMetadata, it journal.Iterator) (Transfer, error) {
	close(s.entered)
	<-s.release
	return s.Manager.Receive(ctx, md, it)
}

// refusingTransfer holds Complete until released and then gives up.
type refusingTransfer struct {
	Transfer
	entered chan struct{}
	release chan struct{}
}

func (r *refusingTransfer) Complete(ctx context.Context, delta journal.Iterator) error {
	close(r.entered)
	<-r.release
	r.Transfer.Abort(ctx)
	return errTransferRefused
}

type refusingTarget struct {
	*Manager
	tr *refusingTransfer
}

func (r *refusingTarget) Receive(ctx context.Context, md *proto.IndexMetadata, it journal.Iterator) (Transfer, error) {
	inner, err := r.Manager.Receive(ctx, md, it)
	if err != nil {
		return nil, err
	}
	r.tr.Transfer = inner
	return r.tr, nil
}

// newOverloadedManager returns a manager that moves its largest partition
// once a balancer is set.
func newOverloadedManager(t *testing.T) *Manager {
	cfg := newTestConfig(t)
	cfg.CopyIndexThreshold = 0
	s := newTestStore(memory.Options{})
	opts := s.options(cfg)
	opts.Counters = StaticCounters{CounterCPUPercent: .95}
	return openTestManager(t, opts)
}

func registerHotCold(t *testing.T, m *Manager, prefix string) {
	ctx := context.Background()
	require.NoError(t, m.RegisterIndex(ctx, prefix+"hot", ""))
	require.NoError(t, m.RegisterIndex(ctx, prefix+"cold", ""))
	fill(t, m, prefix+"hot", 0, 50)
	fill(t, m, prefix+"cold", 0, 5)
}

func TestMoveKeepsWritePathOpen(t *testing.T) {
	ctx := context.Background()
	peer, _ := newTestManager(t, nil)
	target := &stallingTarget{Manager: peer, entered: make(chan struct{}), release: make(chan struct{})}
	m := newOverloadedManager(t)
	m.balancer = StaticBalancer{target}
	registerHotCold(t, m, "")

	h, err := m.Overflow(ctx)
	require.NoError(t, err)
	<-target.entered

	done := make(chan error, 1)
	go func() {
		if err := m.Put(ctx, "cold", testKey(5), testValue(5)); err != nil {
			done <- err
			return
		}
		if err := m.Put(ctx, "hot", testKey(50), testValue(50)); err != nil {
			done <- err
			return
		}
		done <- m.Delete(ctx, "hot", testKey(0))
	}()
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		close(target.release)
		t.Fatal("writes blocked while a partition is streamed to its target")
	}
	close(target.release)

	require.NoError(t, h.Wait(ctx))
	requireTask(t, h.Result(), "hot#0", ActionMove)

	_, err = m.Partitions("hot")
	require.ErrorIs(t, err, apierrors.ErrIndexNotFound)
	requireValues(t, m, "cold", 0, 6)
	// writes made during the transfer follow the partition
	requireValues(t, peer, "hot", 1, 51)
	_, err = peer.Get(ctx, "hot", testKey(0))
	require.ErrorIs(t, err, apierrors.ErrKeyNotFound)
}

func TestMoveRefusedByTarget(t *testing.T) {
	ctx := context.Background()
	peer, _ := newTestManager(t, nil)
	tr := &refusingTransfer{entered: make(chan struct{}), release: make(chan struct{})}
	m := newOverloadedManager(t)
	m.balancer = StaticBalancer{&refusingTarget{Manager: peer, tr: tr}}
	registerHotCold(t, m, "")

	h, err := m.Overflow(ctx)
	require.NoError(t, err)
	<-tr.entered

	require.ErrorIs(t, m.Put(ctx, "hot", testKey(50), testValue(50)), apierrors.ErrMoving)
	require.ErrorIs(t, m.Delete(ctx, "hot", testKey(1)), apierrors.ErrMoving)
	require.NoError(t, m.Put(ctx, "cold", testKey(5), testValue(5)))
	v, err := m.Get(ctx, "hot", testKey(1))
	require.NoError(t, err)
	require.Equal(t, testValue(1), v)
	close(tr.release)

	require.NoError(t, h.Wait(ctx))
	r := h.Result()
	report, ok := r.Task("hot#0")
	require.True(t, ok)
	require.Equal(t, ActionMove, report.Action)
	require.Contains(t, report.Err, errTransferRefused.Error())
	require.Equal(t, 1, r.Failed)

	// the partition stays here and takes writes again
	require.NoError(t, m.Put(ctx, "hot", testKey(50), testValue(50)))
	requireValues(t, m, "hot", 0, 51)
	_, err = peer.Partitions("hot")
	require.ErrorIs(t, err, apierrors.ErrIndexNotFound)
}

func TestMoveBetweenPeers(t *testing.T) {
	ctx := context.Background()
	a, b := newOverloadedManager(t), newOverloadedManager(t)
	a.balancer = StaticBalancer{b}
	b.balancer = StaticBalancer{a}
	registerHotCold(t, a, "a-")
	registerHotCold(t, b, "b-")

	ha, err := a.Overflow(ctx)
	require.NoError(t, err)
	hb, err := b.Overflow(ctx)
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, ha.Wait(wctx))
	require.NoError(t, hb.Wait(wctx))
	requireTask(t, ha.Result(), "a-hot#0", ActionMove)
	requireTask(t, hb.Result(), "b-hot#0", ActionMove)

	requireValues(t, b, "a-hot", 0, 50)
	requireValues(t, a, "b-hot", 0, 50)
	requireValues(t, a, "a-cold", 0, 5)
	requireValues(t, b, "b-cold", 0, 5)
	_, err = a.Partitions("a-hot")
	require.ErrorIs(t, err, apierrors.ErrIndexNotFound)
}

func TestReceiveStagesUntilComplete(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	md := &proto.IndexMetadata{
		Name:      "spo#3",
		IndexName: "spo",
		Partition: &proto.PartitionMetadata{PartitionID: 3, RightSeparator: testKey(10)},
	}
	entries := []journal.Entry{{Key: testKey(0), Value: testValue(0)}, {Key: testKey(1), Value: testValue(1)}}
	tr, err := m.Receive(ctx, md, journal.NewSliceIterator(entries))
	require.NoError(t, err)

	_, err = m.Partitions("spo")
	require.ErrorIs(t, err, apierrors.ErrIndexNotFound)
	// a staged range is reserved
	_, err = m.Receive(ctx, md, journal.NewSliceIterator(nil))
	require.ErrorIs(t, err, apierrors.ErrIndexExists)

	delta := []journal.Entry{{Key: testKey(0), Deleted: true}, {Key: testKey(2), Value: testValue(2)}}
	require.NoError(t, tr.Complete(ctx, journal.NewSliceIterator(delta)))
	requireValues(t, m, "spo", 1, 3)
	_, err = m.Get(ctx, "spo", testKey(0))
	require.ErrorIs(t, err, apierrors.ErrKeyNotFound)

	parts, err := m.Partitions("spo")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, proto.CauseMove, parts[0].Partition.Cause)
	require.Equal(t, proto.PartitionID(3), parts[0].Partition.SourcePartitionID)

	md2 := &proto.IndexMetadata{
		Name:      "spo#4",
		IndexName: "spo",
		Partition: &proto.PartitionMetadata{PartitionID: 4, LeftSeparator: testKey(10)},
	}
	tr, err = m.Receive(ctx, md2, journal.NewSliceIterator(nil))
	require.NoError(t, err)
	tr.Abort(ctx)
	require.ErrorIs(t, tr.Complete(ctx, nil), apierrors.ErrViewChanged)
	parts, err = m.Partitions("spo")
	require.NoError(t, err)
	require.Len(t, parts, 1)
}
