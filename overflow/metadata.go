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
	"sort"

	"github.com/cubefs/journaldb/proto"
)

type Action uint8

const (
	ActionCopy Action = iota + 1
	ActionRedefine
	ActionBuild
	ActionMerge
	ActionSplit
	ActionTailSplit
	ActionJoin
	ActionMove
)

var actionNames = map[Action]string{
	ActionCopy:      "copy",
	ActionRedefine:  "redefine",
	ActionBuild:     "build",
	ActionMerge:     "merge",
	ActionSplit:     "split",
	ActionTailSplit: "tailSplit",
	ActionJoin:      "join",
	ActionMove:      "move",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "none"
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// OverflowMetadata describes one rollover: the indices declared on the old
// journal as of its last commit and whether each was copied or redefined.
type OverflowMetadata struct {
	OldJournal      proto.ResourceDescriptor `json:"old_journal"`
	NewJournal      proto.ResourceDescriptor `json:"new_journal"`
	LastCommitTime  uint64                   `json:"last_commit_time"`
	FirstCommitTime uint64                   `json:"first_commit_time"`
	ForceOverflow   bool                     `json:"force_overflow"`

	NumIndices   int  `json:"num_indices"`
	NumProcessed int  `json:"num_processed"`
	NumCopy      int  `json:"num_copy"`
	NumRedefined int  `json:"num_redefined"`
	PostProcess  bool `json:"post_process"`

	Actions map[string]Action `json:"actions"`
}

func newOverflowMetadata(old proto.ResourceDescriptor, lastCommit uint64, force bool, numIndices int) *OverflowMetadata {
	return &OverflowMetadata{
		OldJournal:     old,
		LastCommitTime: lastCommit,
		ForceOverflow:  force,
		NumIndices:     numIndices,
		Actions:        make(map[string]Action, numIndices),
	}
}

func (om *OverflowMetadata) record(name string, action Action) {
	om.Actions[name] = action
	om.NumProcessed++
	switch action {
	case ActionCopy:
		om.NumCopy++
	case ActionRedefine:
		om.NumRedefined++
	}
}

// Action reports how the named index was carried over.
func (om *OverflowMetadata) Action(name string) (Action, bool) {
	a, ok := om.Actions[name]
	return a, ok
}

// Redefined lists the indices whose view now spans the old journal.
func (om *OverflowMetadata) Redefined() []string {
	var names []string
	for name, a := range om.Actions {
		if a == ActionRedefine {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

type TaskReport struct {
	Name   string `json:"name"`
	Action Action `json:"action"`
	// Sibling is the right partition of a join, Target the peer of a move.
	Sibling   string `json:"sibling,omitempty"`
	Target    string `json:"target,omitempty"`
	Err       string `json:"err,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// MaintenanceResult summarizes one asynchronous maintenance cycle.
type MaintenanceResult struct {
	Metadata  *OverflowMetadata `json:"metadata"`
	Tasks     []TaskReport      `json:"tasks"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Cancelled int               `json:"cancelled"`
	TimedOut  bool              `json:"timed_out"`
}

func (r *MaintenanceResult) Task(name string) (TaskReport, bool) {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskReport{}, false
}
