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

package proto

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/google/uuid"
)

// ResourceDescriptor identifies one physical store, a journal or an index segment.
type ResourceDescriptor struct {
	UUID       uuid.UUID    `msgpack:"uuid" json:"uuid"`
	CreateTime Timestamp    `msgpack:"create_time" json:"create_time"`
	Kind       ResourceKind `msgpack:"kind" json:"kind"`
	FilePath   string       `msgpack:"file_path" json:"file_path"`
}

func (r ResourceDescriptor) Validate() error {
	if r.CreateTime == 0 {
		return fmt.Errorf("%w: zero create time", apierrors.ErrInvalidArgument)
	}
	if r.UUID == uuid.Nil {
		return fmt.Errorf("%w: nil uuid", apierrors.ErrInvalidArgument)
	}
	if r.Kind != KindJournal && r.Kind != KindSegment {
		return fmt.Errorf("%w: unknown resource kind %d", apierrors.ErrInvalidArgument, r.Kind)
	}
	if r.FilePath == "" {
		return fmt.Errorf("%w: empty file path", apierrors.ErrInvalidArgument)
	}
	return nil
}

func (r ResourceDescriptor) Equal(o ResourceDescriptor) bool {
	return r.UUID == o.UUID && r.CreateTime == o.CreateTime
}

func (r ResourceDescriptor) String() string {
	return fmt.Sprintf("%s{%s@%d}", r.Kind, r.UUID, r.CreateTime)
}

// PartitionMetadata describes one index partition: its key range and its
// view, the resources that answer reads for it, newest first.
type PartitionMetadata struct {
	PartitionID       PartitionID          `msgpack:"partition_id" json:"partition_id"`
	SourcePartitionID PartitionID          `msgpack:"source_partition_id" json:"source_partition_id"`
	LeftSeparator     []byte               `msgpack:"left_separator" json:"left_separator"`
	RightSeparator    []byte               `msgpack:"right_separator" json:"right_separator"`
	Resources         []ResourceDescriptor `msgpack:"resources" json:"resources"`
	Cause             PartitionCause       `msgpack:"cause" json:"cause"`
}

func (p *PartitionMetadata) Clone() *PartitionMetadata {
	if p == nil {
		return nil
	}
	c := *p
	c.LeftSeparator = cloneBytes(p.LeftSeparator)
	c.RightSeparator = cloneBytes(p.RightSeparator)
	c.Resources = append([]ResourceDescriptor(nil), p.Resources...)
	return &c
}

func (p *PartitionMetadata) JournalCount() (n int) {
	for i := range p.Resources {
		if p.Resources[i].Kind == KindJournal {
			n++
		}
	}
	return
}

func (p *PartitionMetadata) SegmentCount() (n int) {
	for i := range p.Resources {
		if p.Resources[i].Kind == KindSegment {
			n++
		}
	}
	return
}

// ContainsKey reports whether key falls in [LeftSeparator, RightSeparator).
// A nil right separator is unbounded.
func (p *PartitionMetadata) ContainsKey(key []byte) bool {
	if bytes.Compare(key, p.LeftSeparator) < 0 {
		return false
	}
	return p.RightSeparator == nil || bytes.Compare(key, p.RightSeparator) < 0
}

func (p *PartitionMetadata) References(desc ResourceDescriptor) bool {
	for i := range p.Resources {
		if p.Resources[i].Equal(desc) {
			return true
		}
	}
	return false
}

// IndexMetadata is the declaration of one index partition on a journal.
type IndexMetadata struct {
	// Name is unique per journal, "<IndexName>#<PartitionID>".
	Name      string             `msgpack:"name" json:"name"`
	IndexName string             `msgpack:"index_name" json:"index_name"`
	IndexUUID uuid.UUID          `msgpack:"index_uuid" json:"index_uuid"`
	Partition *PartitionMetadata `msgpack:"partition" json:"partition"`
	// OverflowHandler names a handler that migrates out-of-band values
	// together with the tuples. Indices that declare one are never copied.
	OverflowHandler string `msgpack:"overflow_handler" json:"overflow_handler"`
}

func (m *IndexMetadata) Clone() *IndexMetadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Partition = m.Partition.Clone()
	return &c
}

func PartitionName(indexName string, id PartitionID) string {
	return indexName + "#" + strconv.Itoa(int(id))
}

func ParsePartitionName(name string) (string, PartitionID, error) {
	i := strings.LastIndexByte(name, '#')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: partition name %q", apierrors.ErrInvalidArgument, name)
	}
	id, err := strconv.ParseInt(name[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("%w: partition name %q", apierrors.ErrInvalidArgument, name)
	}
	return name[:i], PartitionID(id), nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
