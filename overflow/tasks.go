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
	"bytes"
	"context"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/metrics"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/segment"
	"github.com/cubefs/journaldb/util"
	"github.com/cubefs/journaldb/view"
)

const cancelCheckInterval = 1024

func (m *Manager) runTask(ctx context.Context, t *task) error {
	switch t.action {
	case ActionBuild:
		return m.build(ctx, t.cand)
	case ActionMerge:
		return m.merge(ctx, t.cand)
	case ActionSplit, ActionTailSplit:
		return m.split(ctx, t)
	case ActionJoin:
		return m.join(ctx, t.cand, t.sibling)
	case ActionMove:
		return m.move(ctx, t.cand, t.target)
	default:
		return fmt.Errorf("%w: action %s", apierrors.ErrInvalidArgument, t.action)
	}
}

// writeSegment merges sources over [from, to) into a new segment file. ok
// is false when nothing was left to write. The segment is not listed in
// the directory yet.
func (m *Manager) writeSegment(ctx context.Context, name string, sources []journal.Source, from, to []byte,
	keepDeleted bool,
) (desc proto.ResourceDescriptor, ok bool, err error) {
	var expected int64
	for _, src := range sources {
		expected += src.EntryCount()
	}
	it, err := view.NewMergeIterator(ctx, sources, from, to, keepDeleted)
	if err != nil {
		return
	}
	defer it.Close()
	w, err := segment.NewWriter(ctx, m.clock.Next(), segment.WriterOptions{
		Dir:             m.segmentDir,
		IndexName:       name,
		ExpectedEntries: expected,
		Limiter:         m.limiter,
	})
	if err != nil {
		return
	}
	for n := 1; ; n++ {
		if n%cancelCheckInterval == 0 {
			if err = ctx.Err(); err != nil {
				w.Abort()
				return
			}
		}
		e, more, ierr := it.Next()
		if ierr != nil {
			w.Abort()
			return desc, false, ierr
		}
		if !more {
			break
		}
		if err = w.Add(e.Key, e.Value, e.Deleted); err != nil {
			w.Abort()
			return
		}
	}
	if err = ctx.Err(); err != nil {
		w.Abort()
		return
	}
	if w.EntryCount() == 0 {
		w.Abort()
		return desc, false, nil
	}
	if desc, err = w.Finish(); err != nil {
		return
	}
	metrics.SegmentBytes.Observe(float64(w.Size()))
	return desc, true, nil
}

// discardSegment removes a segment that never made it into a view.
func (m *Manager) discardSegment(ctx context.Context, desc proto.ResourceDescriptor, listed bool) {
	span := trace.SpanFromContextSafe(ctx)
	if listed {
		if err := m.dir.Remove(ctx, desc.CreateTime, desc.UUID); err != nil {
			span.Warnf("unlist discarded segment %s failed: %s", desc, err)
		}
	}
	if err := segment.Remove(desc); err != nil {
		span.Warnf("remove discarded segment %s failed: %s", desc, errors.Detail(err))
	}
}

// checkUnchanged verifies, under the exclusive lock, that the view c was
// taken from is still installed.
func (m *Manager) checkUnchanged(c *candidate) (*viewEntry, error) {
	e, ok := m.views[c.md.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s is gone", apierrors.ErrViewChanged, c.md.Name)
	}
	cur, want := e.Partition().Resources, c.md.Partition.Resources
	if len(cur) != len(want) {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrViewChanged, c.md.Name)
	}
	for i := range cur {
		if !cur[i].Equal(want[i]) {
			return nil, fmt.Errorf("%w: %s", apierrors.ErrViewChanged, c.md.Name)
		}
	}
	return e, nil
}

// compact replaces the n sources following the mutable structure of c by
// the segment desc, or drops them when desc is nil. committed reports
// whether the new layout reached the live journal.
func (m *Manager) compact(ctx context.Context, c *candidate, n int, desc *proto.ResourceDescriptor,
	cause proto.PartitionCause,
) (committed bool, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, err := m.checkUnchanged(c)
	if err != nil {
		return false, err
	}
	md := e.Metadata().Clone()
	res := md.Partition.Resources
	next := make([]proto.ResourceDescriptor, 0, len(res)-n+1)
	next = append(next, res[0])
	if desc != nil {
		next = append(next, *desc)
	}
	next = append(next, res[1+n:]...)
	md.Partition.Resources = next
	md.Partition.Cause = cause

	if desc != nil {
		if err = m.dir.Insert(ctx, desc); err != nil {
			return false, err
		}
	}
	mutable := e.Mutable()
	prev := mutable.Metadata()
	mutable.SetMetadata(md)
	if _, err = m.liveJournal().Commit(ctx); err != nil {
		mutable.SetMetadata(prev)
		if desc != nil {
			m.dir.Remove(ctx, desc.CreateTime, desc.UUID)
		}
		return false, err
	}
	ne, err := m.resolveView(ctx, md)
	if err != nil {
		// the new layout is durable and is picked up on restart
		trace.SpanFromContextSafe(ctx).Errorf("open view of %s after %s failed: %s", md.Name, cause, err)
		return true, err
	}
	m.replaceViews(nil, ne)
	return true, nil
}

// build turns the previous journal's structure, and as many following
// sources as fit into the build budget, into one segment.
func (m *Manager) build(ctx context.Context, c *candidate) error {
	older := c.older()
	n, total := 1, older[0].ByteCount()
	for n < len(older) && total+older[n].ByteCount() <= m.cfg.MaximumBuildSegmentBytes {
		total += older[n].ByteCount()
		n++
	}
	// tombstones must keep shadowing the sources left behind
	keepDeleted := n < len(older)
	p := c.md.Partition
	desc, ok, err := m.writeSegment(ctx, c.md.Name, older[:n], p.LeftSeparator, p.RightSeparator, keepDeleted)
	if err != nil {
		return err
	}
	return m.install(ctx, c, n, desc, ok, proto.CauseBuild)
}

// merge compacts every source behind the mutable structure into one segment.
func (m *Manager) merge(ctx context.Context, c *candidate) error {
	older := c.older()
	p := c.md.Partition
	desc, ok, err := m.writeSegment(ctx, c.md.Name, older, p.LeftSeparator, p.RightSeparator, false)
	if err != nil {
		return err
	}
	return m.install(ctx, c, len(older), desc, ok, proto.CauseMerge)
}

func (m *Manager) install(ctx context.Context, c *candidate, n int, desc proto.ResourceDescriptor, ok bool, cause proto.PartitionCause) error {
	var installed *proto.ResourceDescriptor
	if ok {
		installed = &desc
	}
	if committed, err := m.compact(ctx, c, n, installed, cause); err != nil {
		if ok && !committed {
			m.discardSegment(ctx, desc, false)
		}
		return err
	}
	trace.SpanFromContextSafe(ctx).Debugf("%s of %s replaced %d sources by %s", cause, c.md.Name, n, desc)
	return nil
}

type newPartition struct {
	md      *proto.IndexMetadata
	seg     proto.ResourceDescriptor
	hasSeg  bool
	sources []journal.Structure
}

// split divides c at separators chosen by key count, or at its tail.
func (m *Manager) split(ctx context.Context, t *task) error {
	c := t.cand
	p := c.md.Partition
	cause := proto.CauseSplit
	var seps [][]byte
	if t.action == ActionTailSplit {
		cause = proto.CauseTailSplit
		seps = [][]byte{t.tailSep}
	} else {
		var err error
		if seps, err = m.headSplitPoints(ctx, c, t.parts); err != nil {
			return err
		}
	}
	if len(seps) == 0 {
		return fmt.Errorf("%w: %s has too few keys to split", apierrors.ErrIllegalState, c.md.Name)
	}
	bounds := make([][]byte, 0, len(seps)+2)
	bounds = append(bounds, util.CloneBytes(p.LeftSeparator))
	bounds = append(bounds, seps...)
	bounds = append(bounds, util.CloneBytes(p.RightSeparator))

	parts := make([]*newPartition, 0, len(seps)+1)
	for i := 0; i+1 < len(bounds); i++ {
		np := &newPartition{
			md: &proto.IndexMetadata{
				IndexName:       c.md.IndexName,
				IndexUUID:       c.md.IndexUUID,
				OverflowHandler: c.md.OverflowHandler,
				Partition: &proto.PartitionMetadata{
					SourcePartitionID: p.PartitionID,
					LeftSeparator:     bounds[i],
					RightSeparator:    bounds[i+1],
					Cause:             cause,
				},
			},
		}
		seg, ok, err := m.writeSegment(ctx, c.md.IndexName, c.older(), bounds[i], bounds[i+1], false)
		if err != nil {
			m.discardParts(ctx, parts, false)
			return err
		}
		np.seg, np.hasSeg = seg, ok
		parts = append(parts, np)
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	e, err := m.checkUnchanged(c)
	if err != nil {
		m.discardParts(ctx, parts, false)
		return err
	}
	for _, np := range parts {
		np.sources = []journal.Structure{e.Mutable()}
	}
	if err = m.redistribute(ctx, parts, []*viewEntry{e}); err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("%s of %s into %d partitions", cause, c.md.Name, len(parts))
	return nil
}

// join fuses c with its right sibling into one partition.
func (m *Manager) join(ctx context.Context, left, right *candidate) error {
	lp, rp := left.md.Partition, right.md.Partition
	np := &newPartition{
		md: &proto.IndexMetadata{
			IndexName:       left.md.IndexName,
			IndexUUID:       left.md.IndexUUID,
			OverflowHandler: left.md.OverflowHandler,
			Partition: &proto.PartitionMetadata{
				SourcePartitionID: lp.PartitionID,
				LeftSeparator:     util.CloneBytes(lp.LeftSeparator),
				RightSeparator:    util.CloneBytes(rp.RightSeparator),
				Cause:             proto.CauseJoin,
			},
		},
	}
	sources := make([]journal.Source, 0, len(left.sources)+len(right.sources)-2)
	sources = append(sources, left.older()...)
	sources = append(sources, right.older()...)
	seg, ok, err := m.writeSegment(ctx, left.md.IndexName, sources, lp.LeftSeparator, rp.RightSeparator, false)
	if err != nil {
		return err
	}
	np.seg, np.hasSeg = seg, ok
	parts := []*newPartition{np}

	m.lock.Lock()
	defer m.lock.Unlock()
	le, err := m.checkUnchanged(left)
	if err != nil {
		m.discardParts(ctx, parts, false)
		return err
	}
	re, err := m.checkUnchanged(right)
	if err != nil {
		m.discardParts(ctx, parts, false)
		return err
	}
	np.sources = []journal.Structure{le.Mutable(), re.Mutable()}
	if err = m.redistribute(ctx, parts, []*viewEntry{le, re}); err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("joined %s and %s into %s", left.md.Name, right.md.Name, np.md.Name)
	return nil
}

// redistribute replaces the views of olds by parts on the live journal.
// Every new partition takes the live entries of its range from its
// sources and the older data from its segment. Callers hold the exclusive
// lock; on failure the live journal is restored and segments discarded.
func (m *Manager) redistribute(ctx context.Context, parts []*newPartition, olds []*viewEntry) (err error) {
	live := m.liveJournal()
	var registered []string
	listed, committed := false, false
	dropped := make([]journal.Structure, 0, len(olds))
	defer func() {
		if err == nil || committed {
			return
		}
		for _, name := range registered {
			live.Drop(ctx, name)
		}
		for _, s := range dropped {
			live.Register(ctx, s)
		}
		m.discardParts(ctx, parts, listed)
	}()

	var counter uint64
	for _, e := range olds {
		counter += e.Mutable().WriteCounter()
	}
	for _, np := range parts {
		id := m.nextPartitionID(np.md.IndexName)
		np.md.Name = proto.PartitionName(np.md.IndexName, id)
		np.md.Partition.PartitionID = id
		np.md.Partition.Resources = []proto.ResourceDescriptor{live.Descriptor()}
		if np.hasSeg {
			np.md.Partition.Resources = append(np.md.Partition.Resources, np.seg)
		}
		s, lerr := live.LoadStructure(ctx, journal.Checkpoint{Name: np.md.Name, Metadata: np.md, WriteCounter: counter})
		if lerr != nil {
			return lerr
		}
		p := np.md.Partition
		for _, src := range np.sources {
			if _, err = s.RangeCopy(ctx, src, p.LeftSeparator, p.RightSeparator); err != nil {
				return err
			}
		}
		if err = live.Register(ctx, s); err != nil {
			return err
		}
		registered = append(registered, np.md.Name)
	}
	listed = true
	for _, np := range parts {
		if !np.hasSeg {
			continue
		}
		if err = m.dir.Insert(ctx, &np.seg); err != nil {
			return err
		}
	}
	for _, e := range olds {
		if err = live.Drop(ctx, e.Name()); err != nil {
			return err
		}
		dropped = append(dropped, e.Mutable())
	}
	if _, err = live.Commit(ctx); err != nil {
		return err
	}
	committed = true

	next := make([]*viewEntry, 0, len(parts))
	for _, np := range parts {
		ne, rerr := m.resolveView(ctx, np.md)
		if rerr != nil {
			for _, built := range next {
				built.release()
			}
			// the new layout is durable and is picked up on restart
			trace.SpanFromContextSafe(ctx).Errorf("open views after redistribution failed: %s", rerr)
			return rerr
		}
		next = append(next, ne)
	}
	removed := make([]string, 0, len(olds))
	for _, e := range olds {
		removed = append(removed, e.Name())
	}
	m.replaceViews(removed, next...)
	return nil
}

func (m *Manager) discardParts(ctx context.Context, parts []*newPartition, listed bool) {
	for _, np := range parts {
		if np.hasSeg {
			m.discardSegment(ctx, np.seg, listed)
		}
	}
}

// move hands c over to target. The partition is streamed to the target
// without holding the lock; writes to it are refused only while the entries
// written meanwhile are handed over, and it is forgotten once the target has
// published it. No lock is held while calling into the target.
func (m *Manager) move(ctx context.Context, c *candidate, target Target) error {
	if t, ok := target.(*Manager); ok && t == m {
		return fmt.Errorf("%w: move %s to itself", apierrors.ErrInvalidArgument, c.md.Name)
	}
	m.lock.RLock()
	_, err := m.checkUnchanged(c)
	m.lock.RUnlock()
	if err != nil {
		return err
	}
	written := c.mutable.WriteCounter()

	p := c.md.Partition
	it, err := view.NewMergeIterator(ctx, c.sources, p.LeftSeparator, p.RightSeparator, false)
	if err != nil {
		return err
	}
	tr, err := target.Receive(ctx, c.md.Clone(), it)
	it.Close()
	if err != nil {
		return err
	}

	delta, err := m.freeze(ctx, c, written)
	if err != nil {
		tr.Abort(ctx)
		return err
	}
	var deltaIt journal.Iterator
	if delta != nil {
		deltaIt = journal.NewSliceIterator(delta)
	}
	if err = tr.Complete(ctx, deltaIt); err != nil {
		m.lock.Lock()
		delete(m.moving, c.md.Name)
		m.lock.Unlock()
		return err
	}
	return m.forget(ctx, c.md.Name, target)
}

// freeze refuses further writes to c and returns what was written to its
// mutable structure since the stream started, or nil when nothing was.
func (m *Manager) freeze(ctx context.Context, c *candidate, written uint64) ([]journal.Entry, error) {
	m.lock.Lock()
	e, err := m.checkUnchanged(c)
	if err != nil {
		m.lock.Unlock()
		return nil, err
	}
	m.moving[c.md.Name] = struct{}{}
	m.lock.Unlock()

	mutable := e.Mutable()
	if mutable.WriteCounter() == written {
		return nil, nil
	}
	delta, err := collect(ctx, mutable)
	if err != nil {
		m.lock.Lock()
		delete(m.moving, c.md.Name)
		m.lock.Unlock()
		return nil, err
	}
	return delta, nil
}

func collect(ctx context.Context, src journal.Source) ([]journal.Entry, error) {
	it, err := src.NewIterator(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	entries := make([]journal.Entry, 0)
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return entries, nil
		}
		entries = append(entries, e)
	}
}

// forget drops a partition the target has published. On failure the
// partition stays readable here but keeps refusing writes.
func (m *Manager) forget(ctx context.Context, name string, target Target) error {
	span := trace.SpanFromContextSafe(ctx)
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.views[name]
	if !ok {
		delete(m.moving, name)
		return nil
	}
	live := m.liveJournal()
	if err := live.Drop(ctx, name); err != nil {
		span.Errorf("drop %s after moving it to %s failed: %s", name, target.Name(), err)
		return err
	}
	if _, err := live.Commit(ctx); err != nil {
		live.Register(ctx, e.Mutable())
		span.Errorf("commit drop of %s moved to %s failed: %s", name, target.Name(), errors.Detail(err))
		return err
	}
	delete(m.moving, name)
	m.replaceViews([]string{name})
	span.Infof("moved %s to %s", name, target.Name())
	return nil
}

// Name identifies this manager as a move target.
func (m *Manager) Name() string {
	return m.cfg.DataDir
}

// transfer is a partition staged on the live journal of the receiving
// manager. Its structure is unregistered until Complete.
type transfer struct {
	m    *Manager
	md   *proto.IndexMetadata
	live journal.Journal
	s    journal.Structure
}

// Receive stages a partition moved from another manager under a new local
// partition id. Entries are written without holding the lock.
func (m *Manager) Receive(ctx context.Context, md *proto.IndexMetadata, it journal.Iterator) (Transfer, error) {
	if md == nil || md.Partition == nil {
		return nil, apierrors.ErrNotPartitioned
	}
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	tr, err := m.stage(ctx, md)
	if err != nil {
		return nil, err
	}
	if err = tr.apply(ctx, it); err != nil {
		tr.Abort(ctx)
		return nil, err
	}
	return tr, nil
}

func (m *Manager) stage(ctx context.Context, md *proto.IndexMetadata) (*transfer, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	p := md.Partition
	for _, e := range m.byIndex[md.IndexName] {
		if overlaps(e.Partition(), p) {
			return nil, fmt.Errorf("%w: %s overlaps %s", apierrors.ErrIndexExists, md.Name, e.Name())
		}
	}
	for _, tr := range m.incoming {
		if tr.md.IndexName == md.IndexName && overlaps(tr.md.Partition, p) {
			return nil, fmt.Errorf("%w: %s overlaps incoming %s", apierrors.ErrIndexExists, md.Name, tr.md.Name)
		}
	}
	live := m.liveJournal()
	id := m.nextPartitionID(md.IndexName)
	nmd := &proto.IndexMetadata{
		Name:            proto.PartitionName(md.IndexName, id),
		IndexName:       md.IndexName,
		IndexUUID:       md.IndexUUID,
		OverflowHandler: md.OverflowHandler,
		Partition: &proto.PartitionMetadata{
			PartitionID:       id,
			SourcePartitionID: p.PartitionID,
			LeftSeparator:     util.CloneBytes(p.LeftSeparator),
			RightSeparator:    util.CloneBytes(p.RightSeparator),
			Resources:         []proto.ResourceDescriptor{live.Descriptor()},
			Cause:             proto.CauseMove,
		},
	}
	s, err := live.LoadStructure(ctx, journal.Checkpoint{Name: nmd.Name, Metadata: nmd})
	if err != nil {
		return nil, err
	}
	tr := &transfer{m: m, md: nmd, live: live, s: s}
	m.incoming[nmd.Name] = tr
	return tr, nil
}

func (tr *transfer) apply(ctx context.Context, it journal.Iterator) error {
	for {
		e, ok, err := it.Next()
		if err != nil || !ok {
			return err
		}
		if e.Deleted {
			err = tr.s.Delete(ctx, e.Key)
		} else {
			err = tr.s.Put(ctx, e.Key, e.Value)
		}
		if err != nil {
			return err
		}
	}
}

func (tr *transfer) Complete(ctx context.Context, delta journal.Iterator) error {
	m := tr.m
	if err := m.checkRunning(); err != nil {
		tr.Abort(ctx)
		return err
	}
	if delta != nil {
		if err := tr.apply(ctx, delta); err != nil {
			tr.Abort(ctx)
			return err
		}
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	name := tr.md.Name
	if _, ok := m.incoming[name]; !ok {
		return fmt.Errorf("%w: transfer of %s was aborted", apierrors.ErrViewChanged, name)
	}
	delete(m.incoming, name)
	live := m.liveJournal()
	if live.Descriptor().UUID != tr.live.Descriptor().UUID {
		tr.discard(ctx)
		return fmt.Errorf("%w: journal rolled over while receiving %s", apierrors.ErrViewChanged, name)
	}
	if err := live.Register(ctx, tr.s); err != nil {
		tr.discard(ctx)
		return err
	}
	if _, err := live.Commit(ctx); err != nil {
		live.Drop(ctx, name)
		return err
	}
	span := trace.SpanFromContextSafe(ctx)
	ne, err := m.resolveView(ctx, tr.md)
	if err != nil {
		// the partition is durable and is picked up on restart
		span.Errorf("open view of received %s failed: %s", name, err)
		return err
	}
	m.replaceViews(nil, ne)
	span.Infof("received %s", name)
	return nil
}

func (tr *transfer) Abort(ctx context.Context) {
	m := tr.m
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.incoming[tr.md.Name]; !ok {
		return
	}
	delete(m.incoming, tr.md.Name)
	tr.discard(ctx)
}

// discard releases the staged entries; dropping an uncommitted structure
// reclaims its data.
func (tr *transfer) discard(ctx context.Context) {
	if err := tr.live.Register(ctx, tr.s); err != nil {
		return
	}
	if err := tr.live.Drop(ctx, tr.md.Name); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("discard staged %s failed: %s", tr.md.Name, err)
	}
}

func overlaps(a, b *proto.PartitionMetadata) bool {
	aBeforeB := a.RightSeparator != nil && bytes.Compare(a.RightSeparator, b.LeftSeparator) <= 0
	bBeforeA := b.RightSeparator != nil && bytes.Compare(b.RightSeparator, a.LeftSeparator) <= 0
	return !aBeforeB && !bBeforeA
}
