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

const (
	// NoSourcePartition marks a partition that was not derived from another one.
	NoSourcePartition = PartitionID(-1)
)

type (
	PartitionID = int32
	Timestamp   = uint64
)

type ResourceKind uint8

const (
	KindUnknown ResourceKind = iota
	KindJournal
	KindSegment
)

func (k ResourceKind) String() string {
	switch k {
	case KindJournal:
		return "journal"
	case KindSegment:
		return "segment"
	default:
		return "unknown"
	}
}

// PartitionCause records which operation produced a partition's current view.
type PartitionCause uint8

const (
	CauseRegister PartitionCause = iota
	CauseOverflow
	CauseBuild
	CauseMerge
	CauseSplit
	CauseTailSplit
	CauseJoin
	CauseMove
)

var causeNames = [...]string{"register", "overflow", "build", "merge", "split", "tailSplit", "join", "move"}

func (c PartitionCause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return "unknown"
}
