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

// Package memory keeps journals on the heap. A non-transient memory journal
// survives Close and can be reopened from the same factory, which is enough
// to exercise journal rollover without disk I/O.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/util"
)

const defaultMaximumExtent = 200 << 20

type Options struct {
	Transient     bool  `json:"transient"`
	MaximumExtent int64 `json:"maximum_extent"`
}

type Factory struct {
	clock *util.Clock
	opts  Options

	lock     sync.Mutex
	journals map[uuid.UUID]*Journal
}

func NewFactory(clock *util.Clock, opts Options) *Factory {
	if opts.MaximumExtent <= 0 {
		opts.MaximumExtent = defaultMaximumExtent
	}
	return &Factory{clock: clock, opts: opts, journals: make(map[uuid.UUID]*Journal)}
}

func (f *Factory) Transient() bool {
	return f.opts.Transient
}

func (f *Factory) Create(ctx context.Context, createTime uint64) (journal.Journal, error) {
	if createTime == 0 {
		return nil, fmt.Errorf("%w: zero create time", apierrors.ErrInvalidArgument)
	}
	id := uuid.New()
	j := &Journal{
		factory: f,
		desc: proto.ResourceDescriptor{
			UUID:       id,
			CreateTime: createTime,
			Kind:       proto.KindJournal,
			FilePath:   "mem://" + id.String(),
		},
		structures: make(map[string]*structure),
	}
	f.lock.Lock()
	f.journals[id] = j
	f.lock.Unlock()
	trace.SpanFromContextSafe(ctx).Debugf("memory journal created: %s", j.desc)
	return j, nil
}

func (f *Factory) Open(ctx context.Context, desc proto.ResourceDescriptor) (journal.Journal, error) {
	f.lock.Lock()
	j, ok := f.journals[desc.UUID]
	f.lock.Unlock()
	if !ok || f.opts.Transient {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrResourceNotFound, desc)
	}
	j.lock.Lock()
	j.closed = false
	j.lock.Unlock()
	return j, nil
}

type Journal struct {
	factory *Factory
	desc    proto.ResourceDescriptor

	lock       sync.RWMutex
	structures map[string]*structure
	committed  []journal.Checkpoint
	lastCommit uint64
	closeTime  uint64
	readOnly   bool
	closed     bool
	nextRoot   uint64

	bytesWritten int64
}

func (j *Journal) Descriptor() proto.ResourceDescriptor { return j.desc }
func (j *Journal) CreateTime() uint64                   { return j.desc.CreateTime }
func (j *Journal) MaximumExtent() int64                 { return j.factory.opts.MaximumExtent }
func (j *Journal) Transient() bool                      { return j.factory.opts.Transient }

func (j *Journal) CloseTime() uint64 {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return j.closeTime
}

func (j *Journal) LastCommitTime() uint64 {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return j.lastCommit
}

func (j *Journal) BytesWritten() int64 {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return j.bytesWritten
}

func (j *Journal) ReadOnly() bool {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return j.readOnly || j.closed
}

func (j *Journal) Indices() []journal.Checkpoint {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return append([]journal.Checkpoint(nil), j.committed...)
}

func (j *Journal) Index(name string) (journal.Structure, bool) {
	j.lock.RLock()
	defer j.lock.RUnlock()
	s, ok := j.structures[name]
	if !ok {
		return nil, false
	}
	return s, true
}

func (j *Journal) LoadStructure(ctx context.Context, cp journal.Checkpoint) (journal.Structure, error) {
	if cp.Metadata == nil {
		return nil, fmt.Errorf("%w: checkpoint %q without metadata", apierrors.ErrInvalidArgument, cp.Name)
	}
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.closed {
		return nil, apierrors.ErrJournalClosed
	}
	if cp.CommitTime != 0 {
		if s, ok := j.structures[cp.Name]; ok && s.root == cp.Root {
			return s, nil
		}
		return nil, fmt.Errorf("%w: structure %s@%d", apierrors.ErrIndexNotFound, cp.Name, cp.CommitTime)
	}
	j.nextRoot++
	return newStructure(j, j.nextRoot, cp), nil
}

func (j *Journal) Register(ctx context.Context, s journal.Structure) error {
	st, ok := s.(*structure)
	if !ok || st.j != j {
		return fmt.Errorf("%w: structure %s belongs to another journal", apierrors.ErrInvalidArgument, s.Name())
	}
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.readOnly || j.closed {
		return apierrors.ErrJournalReadOnly
	}
	if _, ok := j.structures[st.Name()]; ok {
		return fmt.Errorf("%w: %s", apierrors.ErrIndexExists, st.Name())
	}
	j.structures[st.Name()] = st
	return nil
}

func (j *Journal) Drop(ctx context.Context, name string) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.readOnly || j.closed {
		return apierrors.ErrJournalReadOnly
	}
	if _, ok := j.structures[name]; !ok {
		return fmt.Errorf("%w: %s", apierrors.ErrIndexNotFound, name)
	}
	delete(j.structures, name)
	return nil
}

func (j *Journal) Commit(ctx context.Context) (uint64, error) {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.closed {
		return 0, apierrors.ErrJournalClosed
	}
	if j.readOnly {
		return 0, apierrors.ErrJournalReadOnly
	}
	t := j.factory.clock.Next()
	committed := make([]journal.Checkpoint, 0, len(j.structures))
	for _, s := range j.structures {
		s.markCommitted(t)
		committed = append(committed, s.Checkpoint())
	}
	sortCheckpoints(committed)
	j.committed = committed
	j.lastCommit = t
	return t, nil
}

func (j *Journal) CloseForWrites(ctx context.Context, t uint64) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.readOnly {
		return fmt.Errorf("%w: already closed at %d", apierrors.ErrJournalReadOnly, j.closeTime)
	}
	j.readOnly = true
	j.closeTime = t
	return nil
}

func (j *Journal) Close() error {
	j.lock.Lock()
	j.closed = true
	j.lock.Unlock()
	return nil
}

func (j *Journal) Destroy() error {
	j.Close()
	j.factory.lock.Lock()
	delete(j.factory.journals, j.desc.UUID)
	j.factory.lock.Unlock()
	return nil
}

func (j *Journal) checkWritable() error {
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		return apierrors.ErrJournalClosed
	}
	if j.readOnly {
		return apierrors.ErrJournalReadOnly
	}
	return nil
}

func (j *Journal) addBytes(n int64) {
	j.lock.Lock()
	j.bytesWritten += n
	j.lock.Unlock()
}
