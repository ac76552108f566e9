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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/metrics"
	"github.com/cubefs/journaldb/proto"
)

// maxNonZeroCopy bounds how many non-empty indices one rollover copies.
const maxNonZeroCopy = 100

// Overflow rolls the live journal over and, when the rollover left work
// behind or was forced, starts a maintenance cycle. A nil handle means no
// maintenance was needed.
func (m *Manager) Overflow(ctx context.Context) (*MaintenanceHandle, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	if !m.overflowAllowed.Load() {
		return nil, apierrors.ErrOverflowNotAllowed
	}
	m.lock.Lock()
	force := m.forceOverflow.Swap(false)
	om, err := m.doSynchronousOverflow(ctx, force)
	m.lock.Unlock()
	if err != nil {
		if force {
			m.forceOverflow.Store(true)
		}
		return nil, err
	}
	return m.startMaintenance(ctx, om)
}

// doSynchronousOverflow creates the next journal and carries every index
// over to it. Callers hold the exclusive lock. On error the old journal
// stays live and the new one is destroyed.
func (m *Manager) doSynchronousOverflow(ctx context.Context, force bool) (*OverflowMetadata, error) {
	span := trace.SpanFromContextSafe(ctx)
	old := m.liveJournal()
	if old.Transient() || m.factory.Transient() {
		return nil, fmt.Errorf("%w: cannot overflow %s", apierrors.ErrTransientStore, old.Descriptor())
	}
	if !m.overflowAllowed.Load() {
		return nil, apierrors.ErrOverflowNotAllowed
	}
	if !force && !m.cfg.OverflowEnabled {
		return nil, apierrors.ErrOverflowDisabled
	}
	if !m.transit(StateIdle, StateSynchronousOverflow) {
		return nil, fmt.Errorf("%w: overflow in state %s", apierrors.ErrIllegalState, m.State())
	}
	start := time.Now()
	succeeded := false
	defer func() {
		if !succeeded {
			m.transit(StateSynchronousOverflow, StateIdle)
		}
	}()

	lastCommit, err := old.Commit(ctx)
	if err != nil {
		return nil, errors.Info(err, "commit old journal", old.Descriptor().String())
	}
	t := m.clock.Next()
	nj, err := m.factory.Create(ctx, t)
	if err != nil {
		return nil, errors.Info(err, "create journal", t)
	}
	newDesc := nj.Descriptor()
	abort := func(err error) (*OverflowMetadata, error) {
		delete(m.journals, newDesc.UUID)
		if derr := nj.Destroy(); derr != nil {
			span.Warnf("destroy aborted journal %s failed: %s", newDesc, derr)
		}
		span.Errorf("overflow of %s aborted: %s", old.Descriptor(), err)
		return nil, err
	}

	indices := old.Indices()
	om := newOverflowMetadata(old.Descriptor(), lastCommit, force, len(indices))
	om.NewJournal = newDesc
	oldDesc := old.Descriptor()
	nonZeroCopy := 0
	for _, cp := range indices {
		if cp.Metadata == nil || cp.Metadata.Partition == nil {
			return abort(fmt.Errorf("%w: %s", apierrors.ErrNotPartitioned, cp.Name))
		}
		md := cp.Metadata.Clone()
		p := md.Partition
		copyIndex := cp.EntryCount == 0 ||
			(m.cfg.CopyIndexThreshold > 0 && cp.EntryCount <= m.cfg.CopyIndexThreshold &&
				nonZeroCopy < maxNonZeroCopy &&
				md.OverflowHandler == "" &&
				!m.mandatoryMerge(p))

		action := ActionRedefine
		resources := make([]proto.ResourceDescriptor, 0, len(p.Resources)+1)
		resources = append(resources, newDesc)
		if copyIndex {
			action = ActionCopy
			for _, r := range p.Resources {
				if !r.Equal(oldDesc) {
					resources = append(resources, r)
				}
			}
		} else {
			resources = append(resources, p.Resources...)
		}
		p.Resources = resources
		p.Cause = proto.CauseOverflow

		s, err := nj.LoadStructure(ctx, journal.CheckpointFrom(cp, md))
		if err != nil {
			return abort(err)
		}
		if copyIndex && cp.EntryCount > 0 {
			src, ok := old.Index(cp.Name)
			if !ok {
				return abort(fmt.Errorf("%w: %s on %s", apierrors.ErrIndexNotFound, cp.Name, oldDesc))
			}
			if _, err = s.RangeCopy(ctx, src, nil, nil); err != nil {
				return abort(err)
			}
			nonZeroCopy++
		}
		if err = nj.Register(ctx, s); err != nil {
			return abort(err)
		}
		om.record(cp.Name, action)
		metrics.IndexActions.WithLabelValues(action.String(), "ok").Inc()
	}

	if om.FirstCommitTime, err = nj.Commit(ctx); err != nil {
		return abort(errors.Info(err, "commit new journal", newDesc.String()))
	}

	m.journals[newDesc.UUID] = nj
	next := make([]*viewEntry, 0, len(indices))
	for _, cp := range indices {
		s, _ := nj.Index(cp.Name)
		e, err := m.resolveView(ctx, s.Metadata())
		if err != nil {
			for _, built := range next {
				built.release()
			}
			return abort(err)
		}
		next = append(next, e)
	}
	if err = m.dir.Insert(ctx, &newDesc); err != nil {
		for _, built := range next {
			built.release()
		}
		return abort(err)
	}

	// cutover
	m.setLive(nj)
	removed := make([]string, 0, len(m.views))
	for name := range m.views {
		removed = append(removed, name)
	}
	m.replaceViews(removed, next...)
	m.markReleased(map[uuid.UUID]proto.ResourceDescriptor{oldDesc.UUID: oldDesc})
	if err = old.CloseForWrites(ctx, t); err != nil {
		span.Warnf("close old journal %s for writes failed: %s", oldDesc, errors.Detail(err))
	}

	om.PostProcess = om.NumRedefined > 0
	succeeded = true
	m.syncCount.Add(1)
	metrics.SynchronousOverflows.Inc()
	metrics.SynchronousOverflowSeconds.Observe(time.Since(start).Seconds())
	span.Infof("journal overflow %s -> %s at %d: %d indices, %d copied, %d redefined, cost %s",
		oldDesc, newDesc, t, om.NumIndices, om.NumCopy, om.NumRedefined, time.Since(start))

	if err = m.purgeReleased(ctx); err != nil {
		span.Warnf("purge released resources failed: %s", err)
	}
	return om, nil
}

// mandatoryMerge reports whether a view has accumulated so many sources that
// it must be compacted regardless of the optional merge budget.
func (m *Manager) mandatoryMerge(p *proto.PartitionMetadata) bool {
	return p.JournalCount() >= m.cfg.MaximumJournalsPerView ||
		p.SegmentCount() >= m.cfg.MaximumSegmentsPerView
}
