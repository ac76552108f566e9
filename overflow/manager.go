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

// Package overflow rolls the live journal over when it fills up and keeps
// every index partition's view small through background maintenance.
package overflow

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/resource"
	"github.com/cubefs/journaldb/segment"
	"github.com/cubefs/journaldb/util"
	"github.com/cubefs/journaldb/util/limiter"
	"github.com/cubefs/journaldb/view"
)

const segmentDirName = "segments"

type Options struct {
	Config    Config
	Clock     *util.Clock
	Factory   journal.Factory
	Directory *resource.Directory
	// Counters defaults to sampling the local host.
	Counters CounterSet
	// Balancer is required for moves, without one partitions never move.
	Balancer LoadBalancer
	// Purger defaults to deleting the backing files.
	Purger Purger
}

// viewEntry is a view together with the segment references it holds.
type viewEntry struct {
	*view.View
	pinned []*segment.Segment
}

func (e *viewEntry) release() {
	for _, s := range e.pinned {
		s.Release()
	}
	e.pinned = nil
}

type liveRef struct {
	journal.Journal
}

type releasedResource struct {
	desc proto.ResourceDescriptor
	at   time.Time
}

type Manager struct {
	*gates

	cfg        Config
	clock      *util.Clock
	factory    journal.Factory
	dir        *resource.Directory
	counters   CounterSet
	balancer   LoadBalancer
	purger     Purger
	limiter    *limiter.Limiter
	segmentDir string

	syncCount      atomic.Int64
	asyncCount     atomic.Int64
	failedTasks    atomic.Int64
	cancelledTasks atomic.Int64

	// lock is shared by readers and writers and held exclusively while the
	// live journal or any view is replaced.
	lock         sync.RWMutex
	live         atomic.Pointer[liveRef]
	journals     map[uuid.UUID]journal.Journal
	views        map[string]*viewEntry
	byIndex      map[string][]*viewEntry
	partitionSeq map[string]proto.PartitionID
	released     map[uuid.UUID]releasedResource
	// moving partitions refuse writes while handed over to a target
	moving   map[string]struct{}
	incoming map[string]*transfer

	segLock   sync.Mutex
	segments  *lru.Cache[uuid.UUID, *segment.Segment]
	openGroup singleflight.Group

	buildPool *taskpool.TaskPool
	mergePool *taskpool.TaskPool
	jobs      chan *maintenanceJob
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	span := trace.SpanFromContextSafe(ctx)
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Factory == nil || opts.Directory == nil {
		return nil, fmt.Errorf("%w: journal factory and resource directory are required", apierrors.ErrInvalidConfiguration)
	}
	segmentDir := filepath.Join(cfg.DataDir, segmentDirName)
	if err := os.MkdirAll(segmentDir, 0o755); err != nil {
		return nil, errors.Info(err, "create segment dir", segmentDir)
	}
	if cfg.SegmentCacheSize == 0 {
		cfg.SegmentCacheSize = defaultSegmentCacheSize
	}
	segments, err := lru.NewWithEvict[uuid.UUID, *segment.Segment](cfg.SegmentCacheSize,
		func(_ uuid.UUID, s *segment.Segment) { s.Release() })
	if err != nil {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrInvalidConfiguration, err)
	}

	m := &Manager{
		gates:        newGates(),
		cfg:          cfg,
		clock:        opts.Clock,
		factory:      opts.Factory,
		dir:          opts.Directory,
		counters:     opts.Counters,
		balancer:     opts.Balancer,
		purger:       opts.Purger,
		limiter:      limiter.New(limiter.Config{WriteMBPS: cfg.SegmentWriteMBPS}),
		segmentDir:   segmentDir,
		journals:     make(map[uuid.UUID]journal.Journal),
		views:        make(map[string]*viewEntry),
		byIndex:      make(map[string][]*viewEntry),
		partitionSeq: make(map[string]proto.PartitionID),
		released:     make(map[uuid.UUID]releasedResource),
		moving:       make(map[string]struct{}),
		incoming:     make(map[string]*transfer),
		segments:     segments,
		jobs:         make(chan *maintenanceJob, 1),
	}
	if m.clock == nil {
		m.clock = util.NewClock()
	}
	if m.counters == nil {
		m.counters = NewHostCounters(cfg.DataDir, "")
	}
	if m.purger == nil {
		m.purger = &filePurger{m: m}
	}
	if cfg.BuildPoolSize > 0 {
		pool := taskpool.New(cfg.BuildPoolSize, cfg.BuildPoolSize)
		m.buildPool = &pool
	}
	if cfg.MergePoolSize > 0 {
		pool := taskpool.New(cfg.MergePoolSize, cfg.MergePoolSize)
		m.mergePool = &pool
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if err = m.recover(ctx); err != nil {
		m.teardown()
		return nil, err
	}
	m.wg.Add(1)
	go m.maintenanceLoop()

	live := m.liveJournal()
	span.Infof("overflow manager started, live journal %s, %d journals, %d partitions",
		live.Descriptor(), len(m.journals), len(m.views))
	return m, nil
}

func (m *Manager) liveJournal() journal.Journal {
	return m.live.Load().Journal
}

func (m *Manager) setLive(j journal.Journal) {
	m.live.Store(&liveRef{Journal: j})
}

// recover reopens every journal in the directory, the newest one as the
// live journal, and rebuilds the views declared on it.
func (m *Manager) recover(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	descs, err := m.dir.All(ctx)
	if err != nil {
		return err
	}
	var journals []proto.ResourceDescriptor
	for _, d := range descs {
		if d.Kind == proto.KindJournal {
			journals = append(journals, d)
		}
	}
	if len(journals) == 0 || m.factory.Transient() {
		return m.createFirstJournal(ctx)
	}

	opened := make([]journal.Journal, len(journals))
	g, gctx := errgroup.WithContext(ctx)
	for i := range journals {
		i := i
		g.Go(func() error {
			j, err := m.factory.Open(gctx, journals[i])
			if err != nil {
				return err
			}
			opened[i] = j
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		for _, j := range opened {
			if j != nil {
				j.Close()
			}
		}
		return err
	}
	for _, j := range opened {
		m.journals[j.Descriptor().UUID] = j
	}
	live := opened[len(opened)-1]
	if live.ReadOnly() {
		return fmt.Errorf("%w: newest journal %s is closed for writes", apierrors.ErrIllegalState, live.Descriptor())
	}
	m.setLive(live)

	for _, cp := range live.Indices() {
		s, ok := live.Index(cp.Name)
		if !ok {
			continue
		}
		md := s.Metadata()
		if md == nil || md.Partition == nil {
			span.Warnf("index %s on %s is not partitioned, skipped", cp.Name, live.Descriptor())
			continue
		}
		e, err := m.resolveView(ctx, md)
		if err != nil {
			return err
		}
		m.views[md.Name] = e
		m.observePartitionID(md.IndexName, md.Partition.PartitionID)
	}
	for name := range m.indexNames() {
		m.rebuildIndex(name)
	}

	referenced := m.referenced()
	now := time.Now()
	for _, d := range descs {
		if _, ok := referenced[d.UUID]; !ok {
			m.released[d.UUID] = releasedResource{desc: d, at: now}
		}
	}
	span.Infof("recovered %d journals, %d partitions, %d released resources",
		len(opened), len(m.views), len(m.released))
	return nil
}

func (m *Manager) createFirstJournal(ctx context.Context) error {
	t := m.clock.Next()
	j, err := m.factory.Create(ctx, t)
	if err != nil {
		return err
	}
	if _, err = j.Commit(ctx); err != nil {
		j.Destroy()
		return err
	}
	desc := j.Descriptor()
	if err = m.dir.Insert(ctx, &desc); err != nil {
		j.Destroy()
		return err
	}
	m.journals[desc.UUID] = j
	m.setLive(j)
	return nil
}

// resolveView opens the sources named by md's resources. Callers hold the
// exclusive lock or own the manager exclusively.
func (m *Manager) resolveView(ctx context.Context, md *proto.IndexMetadata) (*viewEntry, error) {
	res := md.Partition.Resources
	if len(res) == 0 || res[0].Kind != proto.KindJournal {
		return nil, fmt.Errorf("%w: %s has no mutable journal resource", apierrors.ErrIllegalState, md.Name)
	}
	mutable, err := m.structureOf(res[0], md.Name)
	if err != nil {
		return nil, err
	}
	e := &viewEntry{}
	older := make([]journal.Source, 0, len(res)-1)
	for _, r := range res[1:] {
		switch r.Kind {
		case proto.KindJournal:
			s, err := m.structureOf(r, md.Name)
			if err != nil {
				e.release()
				return nil, err
			}
			older = append(older, s)
		case proto.KindSegment:
			s, err := m.openSegment(ctx, r)
			if err != nil {
				e.release()
				return nil, err
			}
			e.pinned = append(e.pinned, s)
			older = append(older, s)
		default:
			e.release()
			return nil, fmt.Errorf("%w: %s references %s", apierrors.ErrIllegalState, md.Name, r)
		}
	}
	e.View = view.New(md, mutable, older...)
	return e, nil
}

func (m *Manager) structureOf(desc proto.ResourceDescriptor, name string) (journal.Structure, error) {
	j, ok := m.journals[desc.UUID]
	if !ok {
		return nil, fmt.Errorf("%w: journal %s", apierrors.ErrResourceNotFound, desc)
	}
	s, ok := j.Index(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", apierrors.ErrIndexNotFound, name, desc)
	}
	return s, nil
}

// openSegment returns a referenced segment. The cache holds one reference
// of its own and drops it on eviction.
func (m *Manager) openSegment(ctx context.Context, desc proto.ResourceDescriptor) (*segment.Segment, error) {
	for {
		m.segLock.Lock()
		if s, ok := m.segments.Get(desc.UUID); ok {
			s.Retain()
			m.segLock.Unlock()
			return s, nil
		}
		m.segLock.Unlock()

		_, err, _ := m.openGroup.Do(desc.UUID.String(), func() (interface{}, error) {
			m.segLock.Lock()
			cached := m.segments.Contains(desc.UUID)
			m.segLock.Unlock()
			if cached {
				return nil, nil
			}
			s, err := segment.Open(ctx, desc)
			if err != nil {
				return nil, err
			}
			m.segLock.Lock()
			m.segments.Add(desc.UUID, s)
			m.segLock.Unlock()
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
}

func (m *Manager) evictSegment(id uuid.UUID) {
	m.segLock.Lock()
	m.segments.Remove(id)
	m.segLock.Unlock()
}

func (m *Manager) indexNames() map[string]struct{} {
	names := make(map[string]struct{})
	for _, e := range m.views {
		names[e.Metadata().IndexName] = struct{}{}
	}
	return names
}

// rebuildIndex refreshes the partitions of one index ordered by separator.
func (m *Manager) rebuildIndex(indexName string) {
	var entries []*viewEntry
	for _, e := range m.views {
		if e.Metadata().IndexName == indexName {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		delete(m.byIndex, indexName)
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Partition().LeftSeparator, entries[j].Partition().LeftSeparator) < 0
	})
	m.byIndex[indexName] = entries
}

func (m *Manager) observePartitionID(indexName string, id proto.PartitionID) {
	if next, ok := m.partitionSeq[indexName]; !ok || id >= next {
		m.partitionSeq[indexName] = id + 1
	}
}

func (m *Manager) nextPartitionID(indexName string) proto.PartitionID {
	id := m.partitionSeq[indexName]
	m.partitionSeq[indexName] = id + 1
	return id
}

// referenced collects every resource some view or the live journal needs.
func (m *Manager) referenced() map[uuid.UUID]struct{} {
	refs := map[uuid.UUID]struct{}{m.liveJournal().Descriptor().UUID: {}}
	for _, e := range m.views {
		for _, r := range e.Partition().Resources {
			refs[r.UUID] = struct{}{}
		}
	}
	return refs
}

// replaceViews installs next in place of the named views, releasing the
// replaced entries and marking resources nobody references any more.
func (m *Manager) replaceViews(removed []string, next ...*viewEntry) {
	before := make(map[uuid.UUID]proto.ResourceDescriptor)
	touched := make(map[string]struct{})
	for _, name := range removed {
		e, ok := m.views[name]
		if !ok {
			continue
		}
		for _, r := range e.Partition().Resources {
			before[r.UUID] = r
		}
		touched[e.Metadata().IndexName] = struct{}{}
		delete(m.views, name)
		e.release()
	}
	for _, e := range next {
		if old, ok := m.views[e.Name()]; ok {
			for _, r := range old.Partition().Resources {
				before[r.UUID] = r
			}
			old.release()
		}
		m.views[e.Name()] = e
		touched[e.Metadata().IndexName] = struct{}{}
	}
	for name := range touched {
		m.rebuildIndex(name)
	}
	m.markReleased(before)
}

func (m *Manager) markReleased(candidates map[uuid.UUID]proto.ResourceDescriptor) {
	if len(candidates) == 0 {
		return
	}
	refs := m.referenced()
	now := time.Now()
	for id, desc := range candidates {
		if _, ok := refs[id]; ok {
			continue
		}
		if _, ok := m.released[id]; !ok {
			m.released[id] = releasedResource{desc: desc, at: now}
		}
	}
}

func (m *Manager) route(indexName string, key []byte) (*viewEntry, error) {
	entries, ok := m.byIndex[indexName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrIndexNotFound, indexName)
	}
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Partition().LeftSeparator, key) > 0
	})
	if i > 0 && entries[i-1].Partition().ContainsKey(key) {
		return entries[i-1], nil
	}
	return nil, fmt.Errorf("%w: %q in %s", apierrors.ErrKeyOutOfRange, key, indexName)
}

func (m *Manager) routeWrite(indexName string, key []byte) (*viewEntry, error) {
	e, err := m.route(indexName, key)
	if err != nil {
		return nil, err
	}
	if _, ok := m.moving[e.Name()]; ok {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrMoving, e.Name())
	}
	return e, nil
}

func (m *Manager) checkRunning() error {
	if m.State() == StateShutdown {
		return apierrors.ErrShutdown
	}
	return nil
}

// RegisterIndex declares a new index with a single partition covering the
// whole key space on the live journal. An index with an overflow handler is
// never copied forward during rollover.
func (m *Manager) RegisterIndex(ctx context.Context, name, overflowHandler string) error {
	if name == "" || strings.ContainsRune(name, '#') {
		return fmt.Errorf("%w: index name %q", apierrors.ErrInvalidArgument, name)
	}
	if err := m.checkRunning(); err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.byIndex[name]; ok {
		return fmt.Errorf("%w: %s", apierrors.ErrIndexExists, name)
	}
	live := m.liveJournal()
	id := m.nextPartitionID(name)
	md := &proto.IndexMetadata{
		Name:            proto.PartitionName(name, id),
		IndexName:       name,
		IndexUUID:       uuid.New(),
		OverflowHandler: overflowHandler,
		Partition: &proto.PartitionMetadata{
			PartitionID:       id,
			SourcePartitionID: proto.NoSourcePartition,
			Resources:         []proto.ResourceDescriptor{live.Descriptor()},
			Cause:             proto.CauseRegister,
		},
	}
	if err := m.declare(ctx, live, md, nil); err != nil {
		return err
	}
	e, err := m.resolveView(ctx, md)
	if err != nil {
		return err
	}
	m.replaceViews(nil, e)
	trace.SpanFromContextSafe(ctx).Infof("index %s registered as %s", name, md.Name)
	return nil
}

// declare registers a structure for md on the live journal, fills it from
// fill when given, and commits.
func (m *Manager) declare(ctx context.Context, live journal.Journal, md *proto.IndexMetadata, fill func(journal.Structure) error) error {
	s, err := live.LoadStructure(ctx, journal.Checkpoint{Name: md.Name, Metadata: md})
	if err != nil {
		return err
	}
	if fill != nil {
		if err = fill(s); err != nil {
			return err
		}
	}
	if err = live.Register(ctx, s); err != nil {
		return err
	}
	if _, err = live.Commit(ctx); err != nil {
		live.Drop(ctx, md.Name)
		return err
	}
	return nil
}

// DropIndex removes every partition of an index from the live journal.
// Data on older journals and segments is released for purge.
func (m *Manager) DropIndex(ctx context.Context, name string) error {
	if err := m.checkRunning(); err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	entries, ok := m.byIndex[name]
	if !ok {
		return fmt.Errorf("%w: %s", apierrors.ErrIndexNotFound, name)
	}
	live := m.liveJournal()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := live.Drop(ctx, e.Name()); err != nil {
			return err
		}
		names = append(names, e.Name())
	}
	if _, err := live.Commit(ctx); err != nil {
		return err
	}
	m.replaceViews(names)
	delete(m.partitionSeq, name)
	trace.SpanFromContextSafe(ctx).Infof("index %s dropped, %d partitions", name, len(names))
	return nil
}

func (m *Manager) Put(ctx context.Context, indexName string, key, value []byte) error {
	if err := m.checkRunning(); err != nil {
		return err
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	e, err := m.routeWrite(indexName, key)
	if err != nil {
		return err
	}
	return e.Put(ctx, key, value)
}

func (m *Manager) Delete(ctx context.Context, indexName string, key []byte) error {
	if err := m.checkRunning(); err != nil {
		return err
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	e, err := m.routeWrite(indexName, key)
	if err != nil {
		return err
	}
	return e.Delete(ctx, key)
}

func (m *Manager) Get(ctx context.Context, indexName string, key []byte) ([]byte, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	e, err := m.route(indexName, key)
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, key)
}

// Scan visits live entries of an index with from <= key < to in key order,
// across partitions, until fn returns false. A nil to is unbounded.
func (m *Manager) Scan(ctx context.Context, indexName string, from, to []byte, fn func(key, value []byte) bool) error {
	if err := m.checkRunning(); err != nil {
		return err
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	entries, ok := m.byIndex[indexName]
	if !ok {
		return fmt.Errorf("%w: %s", apierrors.ErrIndexNotFound, indexName)
	}
	stopped := false
	for _, e := range entries {
		p := e.Partition()
		if p.RightSeparator != nil && bytes.Compare(p.RightSeparator, from) <= 0 {
			continue
		}
		if to != nil && bytes.Compare(p.LeftSeparator, to) >= 0 {
			break
		}
		err := e.Scan(ctx, from, to, func(key, value []byte) bool {
			if !fn(key, value) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil || stopped {
			return err
		}
	}
	return nil
}

// Commit is the write transaction boundary: it commits the live journal
// and rolls it over when the trigger fires.
func (m *Manager) Commit(ctx context.Context) (uint64, error) {
	if err := m.checkRunning(); err != nil {
		return 0, err
	}
	m.lock.RLock()
	t, err := m.liveJournal().Commit(ctx)
	m.lock.RUnlock()
	if err != nil {
		return 0, err
	}
	// a forced rollover stays pending until the running cycle finishes
	if m.ShouldOverflow() && m.overflowAllowed.Load() {
		if _, err := m.Overflow(ctx); err != nil {
			span := trace.SpanFromContextSafe(ctx)
			switch {
			case err == apierrors.ErrOverflowNotAllowed:
				span.Debugf("overflow after commit %d deferred: %s", t, err)
			case apierrors.IsFatal(err):
				span.Errorf("overflow after commit %d failed: %s", t, err)
			default:
				span.Warnf("overflow after commit %d failed: %s", t, err)
			}
		}
	}
	return t, nil
}

// Partitions returns the metadata of every partition of an index ordered by
// key range.
func (m *Manager) Partitions(indexName string) ([]*proto.IndexMetadata, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	entries, ok := m.byIndex[indexName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrIndexNotFound, indexName)
	}
	ret := make([]*proto.IndexMetadata, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, e.Metadata().Clone())
	}
	return ret, nil
}

// LiveJournal returns the descriptor of the journal absorbing writes.
func (m *Manager) LiveJournal() proto.ResourceDescriptor {
	return m.liveJournal().Descriptor()
}

func (m *Manager) ShouldOverflow() bool {
	live := m.liveJournal()
	return ShouldOverflow(
		JournalState{
			BytesWritten:  live.BytesWritten(),
			MaximumExtent: live.MaximumExtent(),
			Transient:     live.Transient() || m.factory.Transient(),
		},
		GateState{
			ForceOverflow:            m.forceOverflow.Load(),
			OverflowAllowed:          m.overflowAllowed.Load(),
			SynchronousOverflowCount: m.syncCount.Load(),
		},
		&m.cfg)
}

func (m *Manager) SynchronousOverflowCount() int64  { return m.syncCount.Load() }
func (m *Manager) AsynchronousOverflowCount() int64 { return m.asyncCount.Load() }
func (m *Manager) IsOverflowEnabled() bool          { return m.cfg.OverflowEnabled }
func (m *Manager) IsOverflowAllowed() bool          { return m.overflowAllowed.Load() }

// ForceOverflow requests a rollover at the next eligible commit regardless
// of the journal extent. The request is consumed by that rollover.
func (m *Manager) ForceOverflow() { m.forceOverflow.Store(true) }

// ForceCompactingMerge makes the next maintenance cycle merge every view.
func (m *Manager) ForceCompactingMerge() { m.forceCompactingMerge.Store(true) }

// Shutdown interrupts any running maintenance without draining it and
// closes every journal and segment. The directory is left to its owner.
func (m *Manager) Shutdown(ctx context.Context) {
	if prev := m.gates.shutdown(); prev == StateShutdown {
		return
	}
	m.cancel()
	m.wg.Wait()
	for {
		select {
		case job := <-m.jobs:
			m.finishMaintenance(job, nil, apierrors.ErrShutdown)
			continue
		default:
		}
		break
	}
	m.teardown()
	trace.SpanFromContextSafe(ctx).Infof("overflow manager shut down")
}

func (m *Manager) teardown() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.buildPool != nil {
		m.buildPool.Close()
	}
	if m.mergePool != nil {
		m.mergePool.Close()
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	for name, e := range m.views {
		e.release()
		delete(m.views, name)
	}
	m.byIndex = make(map[string][]*viewEntry)
	m.segLock.Lock()
	m.segments.Purge()
	m.segLock.Unlock()
	for id, j := range m.journals {
		j.Close()
		delete(m.journals, id)
	}
}
