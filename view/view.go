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

// Package view resolves a partition's resources into readable sources and
// serves reads and writes against them. Writes only ever land on the
// mutable structure of the live journal.
package view

import (
	"bytes"
	"context"
	"fmt"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/proto"
)

type View struct {
	md      *proto.IndexMetadata
	mutable journal.Structure
	sources []journal.Source
}

// New builds a view. older holds the sources behind the mutable structure,
// newest first, one per resource after the first.
func New(md *proto.IndexMetadata, mutable journal.Structure, older ...journal.Source) *View {
	sources := make([]journal.Source, 0, len(older)+1)
	sources = append(sources, mutable)
	sources = append(sources, older...)
	return &View{md: md, mutable: mutable, sources: sources}
}

func (v *View) Name() string                        { return v.md.Name }
func (v *View) Metadata() *proto.IndexMetadata      { return v.md }
func (v *View) Partition() *proto.PartitionMetadata { return v.md.Partition }
func (v *View) Mutable() journal.Structure          { return v.mutable }

// Sources returns the sources newest first; index 0 is the mutable structure.
func (v *View) Sources() []journal.Source {
	return v.sources
}

func (v *View) checkKey(key []byte) error {
	if !v.md.Partition.ContainsKey(key) {
		return fmt.Errorf("%w: %q not in %s", apierrors.ErrKeyOutOfRange, key, v.md.Name)
	}
	return nil
}

func (v *View) Put(ctx context.Context, key, value []byte) error {
	if err := v.checkKey(key); err != nil {
		return err
	}
	return v.mutable.Put(ctx, key, value)
}

func (v *View) Delete(ctx context.Context, key []byte) error {
	if err := v.checkKey(key); err != nil {
		return err
	}
	return v.mutable.Delete(ctx, key)
}

// Get consults sources newest first; the first hit decides.
func (v *View) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := v.checkKey(key); err != nil {
		return nil, err
	}
	for _, src := range v.sources {
		e, ok, err := src.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if e.Deleted {
			break
		}
		return e.Value, nil
	}
	return nil, apierrors.ErrKeyNotFound
}

// Scan visits live entries with from <= key < to, clamped to the
// partition's range, until fn returns false.
func (v *View) Scan(ctx context.Context, from, to []byte, fn func(key, value []byte) bool) error {
	from, to = v.clamp(from, to)
	if to != nil && bytes.Compare(from, to) >= 0 {
		return nil
	}
	it, err := NewMergeIterator(ctx, v.sources, from, to, false)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		e, ok, err := it.Next()
		if err != nil || !ok {
			return err
		}
		if !fn(e.Key, e.Value) {
			return nil
		}
		if err = ctx.Err(); err != nil {
			return err
		}
	}
}

func (v *View) clamp(from, to []byte) ([]byte, []byte) {
	p := v.md.Partition
	if bytes.Compare(from, p.LeftSeparator) < 0 {
		from = p.LeftSeparator
	}
	if p.RightSeparator != nil && (to == nil || bytes.Compare(to, p.RightSeparator) > 0) {
		to = p.RightSeparator
	}
	return from, to
}

// EntryCount is an upper bound; the same key may live in several sources.
func (v *View) EntryCount() (n int64) {
	for _, src := range v.sources {
		n += src.EntryCount()
	}
	return
}

func (v *View) ByteCount() (n int64) {
	for _, src := range v.sources {
		n += src.ByteCount()
	}
	return
}
