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

// JournalState is what the trigger needs to know about the live journal.
type JournalState struct {
	BytesWritten  int64
	MaximumExtent int64
	Transient     bool
}

type GateState struct {
	ForceOverflow            bool
	OverflowAllowed          bool
	SynchronousOverflowCount int64
}

// ShouldOverflow decides whether a rollover should begin. The first matching
// rule wins and the force flag is left for the caller to consume.
func ShouldOverflow(js JournalState, gs GateState, cfg *Config) bool {
	if gs.ForceOverflow {
		return true
	}
	if js.Transient || !cfg.OverflowEnabled || !gs.OverflowAllowed {
		return false
	}
	if cfg.OverflowMaxCount > 0 && gs.SynchronousOverflowCount >= cfg.OverflowMaxCount {
		return false
	}
	return float64(js.BytesWritten) > cfg.OverflowThreshold*float64(js.MaximumExtent)
}
