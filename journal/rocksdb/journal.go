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

// Package rocksdb stores each journal in its own rocksdb instance. Every
// structure owns a key prefix in the data column, and the catalog of
// committed checkpoints lives in the meta column.
package rocksdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cubefs/journaldb/common/kvstore"
	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/util"
)

const (
	metaCF = kvstore.CF("meta")
	dataCF = kvstore.CF("data")

	defaultMaximumExtent = 200 << 20
)

var catalogKey = []byte("catalog")

type Options struct {
	MaximumExtent int64          `json:"maximum_extent"`
	KV            kvstore.Option `json:"kv"`
}

type Factory struct {
	dir   string
	clock *util.Clock
	opts  Options
}

func NewFactory(dir string, clock *util.Clock, opts Options) *Factory {
	if opts.MaximumExtent <= 0 {
		opts.MaximumExtent = defaultMaximumExtent
	}
	opts.KV.CreateIfMissing = true
	opts.KV.ColumnFamily = []kvstore.CF{metaCF, dataCF}
	return &Factory{dir: dir, clock: clock, opts: opts}
}

func (f *Factory) Transient() bool {
	return false
}

func (f *Factory) Create(ctx context.Context, createTime uint64) (journal.Journal, error) {
	if createTime == 0 {
		return nil, fmt.Errorf("%w: zero create time", apierrors.ErrInvalidArgument)
	}
	id := uuid.New()
	desc := proto.ResourceDescriptor{
		UUID:       id,
		CreateTime: createTime,
		Kind:       proto.KindJournal,
		FilePath:   filepath.Join(f.dir, fmt.Sprintf("journal-%020d-%s", createTime, id)),
	}
	if _, err := os.Stat(desc.FilePath); err == nil {
		return nil, fmt.Errorf("%w: journal path %s exists", apierrors.ErrDuplicateKey, desc.FilePath)
	}
	kv, err := kvstore.NewKVStore(ctx, desc.FilePath, kvstore.RocksdbLsmKVType, &f.opts.KV)
	if err != nil {
		return nil, errors.Info(err, "create journal store", desc.FilePath)
	}
	j := newJournal(f, kv, journalMeta{Descriptor: desc})
	if err = j.persist(ctx); err != nil {
		j.Destroy()
		return nil, err
	}
	trace.SpanFromContextSafe(ctx).Infof("journal created: %s", desc)
	return j, nil
}

func (f *Factory) Open(ctx context.Context, desc proto.ResourceDescriptor) (journal.Journal, error) {
	if _, err := os.Stat(desc.FilePath); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apierrors.ErrResourceNotFound, desc, err)
	}
	kv, err := kvstore.NewKVStore(ctx, desc.FilePath, kvstore.RocksdbLsmKVType, &f.opts.KV)
	if err != nil {
		return nil, errors.Info(err, "open journal store", desc.FilePath)
	}
	raw, err := kv.Get(ctx, metaCF, catalogKey)
	if err != nil {
		kv.Close()
		return nil, errors.Info(err, "read journal catalog", desc.FilePath)
	}
	var meta journalMeta
	if err = msgpack.Unmarshal(raw, &meta); err != nil {
		kv.Close()
		return nil, errors.Info(err, "decode journal catalog", desc.FilePath)
	}
	if !meta.Descriptor.Equal(desc) {
		kv.Close()
		return nil, fmt.Errorf("%w: journal at %s is %s", apierrors.ErrInvalidArgument, desc.FilePath, meta.Descriptor)
	}
	j := newJournal(f, kv, meta)
	f.clock.Observe(meta.LastCommit)
	for _, cp := range meta.Checkpoints {
		s, err := j.LoadStructure(ctx, cp)
		if err != nil {
			j.Close()
			return nil, err
		}
		j.structures[cp.Name] = s.(*structure)
	}
	trace.SpanFromContextSafe(ctx).Infof("journal opened: %s, %d structures, last commit %d",
		desc, len(meta.Checkpoints), meta.LastCommit)
	return j, nil
}

// journalMeta is the persisted catalog of a journal.
type journalMeta struct {
	Descriptor   proto.ResourceDescriptor `msgpack:"descriptor"`
	Checkpoints  []journal.Checkpoint     `msgpack:"checkpoints"`
	LastCommit   uint64                   `msgpack:"last_commit"`
	CloseTime    uint64                   `msgpack:"close_time"`
	NextRoot     uint64                   `msgpack:"next_root"`
	BytesWritten int64                    `msgpack:"bytes_written"`
}

type Journal struct {
	factory *Factory
	kv      kvstore.Store

	lock       sync.RWMutex
	meta       journalMeta
	structures map[string]*structure
	closed     bool

	bytesWritten int64
}

func newJournal(f *Factory, kv kvstore.Store, meta journalMeta) *Journal {
	return &Journal{
		factory:      f,
		kv:           kv,
		meta:         meta,
		structures:   make(map[string]*structure),
		bytesWritten: meta.BytesWritten,
	}
}

func (j *Journal) Descriptor() proto.ResourceDescriptor { return j.meta.Descriptor }
func (j *Journal) CreateTime() uint64                   { return j.meta.Descriptor.CreateTime }
func (j *Journal) MaximumExtent() int64                 { return j.factory.opts.MaximumExtent }
func (j *Journal) Transient() bool                      { return false }
func (j *Journal) BytesWritten() int64                  { return atomic.LoadInt64(&j.bytesWritten) }

func (j *Journal) CloseTime() uint64 {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return j.meta.CloseTime
}

func (j *Journal) LastCommitTime() uint64 {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return j.meta.LastCommit
}

func (j *Journal) ReadOnly() bool {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return j.meta.CloseTime != 0 || j.closed
}

func (j *Journal) Indices() []journal.Checkpoint {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return append([]journal.Checkpoint(nil), j.meta.Checkpoints...)
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
		if !j.committedRoot(cp) {
			return nil, fmt.Errorf("%w: structure %s@%d", apierrors.ErrIndexNotFound, cp.Name, cp.CommitTime)
		}
		s := newStructure(j, cp.Root, cp)
		if err := s.recount(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	j.meta.NextRoot++
	return newStructure(j, j.meta.NextRoot, journal.Checkpoint{
		Name:         cp.Name,
		Metadata:     cp.Metadata,
		WriteCounter: cp.WriteCounter,
		ParentTime:   cp.ParentTime,
	}), nil
}

func (j *Journal) committedRoot(cp journal.Checkpoint) bool {
	for _, c := range j.meta.Checkpoints {
		if c.Name == cp.Name && c.Root == cp.Root {
			return true
		}
	}
	return false
}

func (j *Journal) Register(ctx context.Context, s journal.Structure) error {
	st, ok := s.(*structure)
	if !ok || st.j != j {
		return fmt.Errorf("%w: structure %s belongs to another journal", apierrors.ErrInvalidArgument, s.Name())
	}
	j.lock.Lock()
	defer j.lock.Unlock()
	if err := j.writableLocked(); err != nil {
		return err
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
	if err := j.writableLocked(); err != nil {
		return err
	}
	s, ok := j.structures[name]
	if !ok {
		return fmt.Errorf("%w: %s", apierrors.ErrIndexNotFound, name)
	}
	delete(j.structures, name)
	// committed readers may still reference the data until the next commit
	if j.committedRoot(s.Checkpoint()) {
		return nil
	}
	return s.truncate(ctx)
}

func (j *Journal) Commit(ctx context.Context) (uint64, error) {
	j.lock.Lock()
	defer j.lock.Unlock()
	if err := j.writableLocked(); err != nil {
		return 0, err
	}
	t := j.factory.clock.Next()
	live := make(map[uint64]struct{}, len(j.structures))
	cps := make([]journal.Checkpoint, 0, len(j.structures))
	for _, s := range j.structures {
		s.markCommitted(t)
		cps = append(cps, s.Checkpoint())
		live[s.root] = struct{}{}
	}
	sort.Slice(cps, func(a, b int) bool { return cps[a].Name < cps[b].Name })

	prev := j.meta
	j.meta.Checkpoints = cps
	j.meta.LastCommit = t
	j.meta.BytesWritten = atomic.LoadInt64(&j.bytesWritten)
	if err := j.persistLocked(ctx); err != nil {
		j.meta = prev
		return 0, err
	}
	// reclaim structures dropped since the previous commit
	for _, cp := range prev.Checkpoints {
		if _, ok := live[cp.Root]; !ok {
			dropped := &structure{j: j, root: cp.Root}
			if err := dropped.truncate(ctx); err != nil {
				trace.SpanFromContextSafe(ctx).Warnf("reclaim dropped structure %s failed: %s", cp.Name, errors.Detail(err))
			}
		}
	}
	return t, nil
}

func (j *Journal) CloseForWrites(ctx context.Context, t uint64) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if err := j.writableLocked(); err != nil {
		return err
	}
	j.meta.CloseTime = t
	j.meta.BytesWritten = atomic.LoadInt64(&j.bytesWritten)
	if err := j.persistLocked(ctx); err != nil {
		j.meta.CloseTime = 0
		return err
	}
	return nil
}

func (j *Journal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	j.kv.Close()
	return nil
}

func (j *Journal) Destroy() error {
	j.Close()
	return os.RemoveAll(j.kv.Path())
}

func (j *Journal) persist(ctx context.Context) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.persistLocked(ctx)
}

func (j *Journal) persistLocked(ctx context.Context) error {
	raw, err := msgpack.Marshal(&j.meta)
	if err != nil {
		return err
	}
	if err = j.kv.Put(ctx, metaCF, catalogKey, raw); err != nil {
		return errors.Info(err, "write journal catalog", j.kv.Path())
	}
	return nil
}

func (j *Journal) writableLocked() error {
	if j.closed {
		return apierrors.ErrJournalClosed
	}
	if j.meta.CloseTime != 0 {
		return apierrors.ErrJournalReadOnly
	}
	return nil
}

func (j *Journal) checkWritable() error {
	j.lock.RLock()
	defer j.lock.RUnlock()
	return j.writableLocked()
}

func rootPrefix(root uint64) []byte {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, root)
	return prefix
}
