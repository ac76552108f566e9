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
	"math"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/segment"
	"github.com/cubefs/journaldb/view"
)

// tailFraction is the share of a partition's keys considered its tail.
const tailFraction = .2

// candidate is a pinned snapshot of one view taken when a cycle starts.
type candidate struct {
	md      *proto.IndexMetadata
	mutable journal.Structure
	sources []journal.Source
	pinned  []*segment.Segment

	redefined  bool
	mandatory  bool
	forceMerge bool
	forced     bool

	bytes          int64
	percentOfSplit float64
}

func (c *candidate) eligible() bool {
	return c.redefined || c.mandatory || c.forceMerge || c.forced
}

func (c *candidate) release() {
	for _, s := range c.pinned {
		s.Release()
	}
	c.pinned = nil
}

// older are the sources behind the mutable structure.
func (c *candidate) older() []journal.Source {
	return c.sources[1:]
}

type task struct {
	action  Action
	cand    *candidate
	sibling *candidate
	target  Target
	parts   int
	tailSep []byte
}

// nominalShardSize lowers the split size of indices with few partitions so
// that a new scale-out index spreads quickly.
func (m *Manager) nominalShardSize(partitions int) int64 {
	nominal := m.cfg.NominalShardSize
	if partitions >= m.cfg.AccelerateSplitThreshold {
		return nominal
	}
	if partitions < 1 {
		partitions = 1
	}
	adjusted := nominal * int64(partitions) / int64(m.cfg.AccelerateSplitThreshold)
	if adjusted < minNominalShardSize {
		adjusted = minNominalShardSize
	}
	return adjusted
}

// choose assigns at most one action to every eligible candidate. Actions
// are considered in priority order: mandatory merge, split, join, move,
// optional merge and finally build.
func (m *Manager) choose(ctx context.Context, cands []*candidate, scores Scores) ([]*task, error) {
	span := trace.SpanFromContextSafe(ctx)
	perIndex := make(map[string]int)
	for _, c := range cands {
		perIndex[c.md.IndexName]++
	}
	for _, c := range cands {
		c.percentOfSplit = float64(c.bytes) / float64(m.nominalShardSize(perIndex[c.md.IndexName]))
	}
	active := len(cands)
	used := make(map[string]bool)
	var tasks []*task
	add := func(t *task) {
		used[t.cand.md.Name] = true
		if t.sibling != nil {
			used[t.sibling.md.Name] = true
		}
		tasks = append(tasks, t)
	}
	open := func(c *candidate) bool { return c.eligible() && !used[c.md.Name] }

	for _, c := range cands {
		if open(c) && (c.mandatory || c.forceMerge) && len(c.sources) > 1 {
			add(&task{action: ActionMerge, cand: c})
		}
	}

	for _, c := range cands {
		if !open(c) || c.percentOfSplit < m.cfg.PercentOfSplitThreshold || c.bytes == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.md.Partition.RightSeparator == nil {
			sep, ratio, err := m.tailSplitPoint(ctx, c)
			if err != nil {
				span.Warnf("tail split point of %s: %s", c.md.Name, err)
				continue
			}
			if sep != nil && ratio > m.cfg.TailSplitThreshold {
				add(&task{action: ActionTailSplit, cand: c, tailSep: sep})
				active++
				continue
			}
		}
		parts := int(math.Round(c.percentOfSplit))
		if parts < 2 {
			parts = 2
		}
		add(&task{action: ActionSplit, cand: c, parts: parts})
		active += parts - 1
	}

	if m.cfg.JoinsEnabled {
		byLeft := make(map[string]*candidate)
		for _, c := range cands {
			byLeft[c.md.IndexName+"\x00"+string(c.md.Partition.LeftSeparator)] = c
		}
		for _, c := range cands {
			p := c.md.Partition
			if !open(c) || p.RightSeparator == nil || c.percentOfSplit >= m.cfg.PercentOfJoinThreshold {
				continue
			}
			if active-1 < m.cfg.MinimumActiveIndexPartitions {
				break
			}
			right, ok := byLeft[c.md.IndexName+"\x00"+string(p.RightSeparator)]
			if !ok || used[right.md.Name] || right.percentOfSplit >= m.cfg.PercentOfJoinThreshold {
				continue
			}
			add(&task{action: ActionJoin, cand: c, sibling: right})
			active--
		}
	}

	if m.balancer != nil && m.cfg.MaximumMoves > 0 && scores.Overloaded(m.cfg.MovePercentCpuTimeThreshold) {
		m.chooseMoves(ctx, cands, open, add, &active)
	}

	var merges []*candidate
	for _, c := range cands {
		if open(c) && len(c.sources) > 2 {
			merges = append(merges, c)
		}
	}
	sort.SliceStable(merges, func(i, j int) bool { return len(merges[i].sources) > len(merges[j].sources) })
	for i := 0; i < len(merges) && i < m.cfg.MaximumOptionalMergesPerOverflow; i++ {
		add(&task{action: ActionMerge, cand: merges[i]})
	}

	for _, c := range cands {
		res := c.md.Partition.Resources
		if open(c) && len(res) > 1 && res[1].Kind == proto.KindJournal {
			add(&task{action: ActionBuild, cand: c})
		}
	}
	return tasks, nil
}

// chooseMoves sheds the largest partitions that are still cheap to move to
// the least loaded targets, within the per cycle and per target caps.
func (m *Manager) chooseMoves(ctx context.Context, cands []*candidate, open func(*candidate) bool,
	add func(*task), active *int,
) {
	span := trace.SpanFromContextSafe(ctx)
	targets, err := m.balancer.Targets(ctx)
	if err != nil || len(targets) == 0 {
		span.Infof("host overloaded but no move target: %v", err)
		return
	}
	var movable []*candidate
	for _, c := range cands {
		if open(c) && c.percentOfSplit <= m.cfg.MaximumMovePercentOfSplit {
			movable = append(movable, c)
		}
	}
	sort.SliceStable(movable, func(i, j int) bool { return movable[i].percentOfSplit > movable[j].percentOfSplit })

	perTarget := make(map[string]int)
	moves, next := 0, 0
	for _, c := range movable {
		if moves >= m.cfg.MaximumMoves || *active-1 < m.cfg.MinimumActiveIndexPartitions {
			break
		}
		var target Target
		for i := 0; i < len(targets); i++ {
			t := targets[(next+i)%len(targets)]
			if perTarget[t.Name()] < m.cfg.MaximumMovesPerTarget {
				target = t
				next = (next + i + 1) % len(targets)
				break
			}
		}
		if target == nil {
			break
		}
		perTarget[target.Name()]++
		moves++
		*active--
		add(&task{action: ActionMove, cand: c, target: target})
	}
}

func (m *Manager) partitionIterator(ctx context.Context, c *candidate, sources []journal.Source) (*view.MergeIterator, error) {
	p := c.md.Partition
	return view.NewMergeIterator(ctx, sources, p.LeftSeparator, p.RightSeparator, false)
}

// keysAt returns the live keys of c at the given ascending ordinal
// positions, and the total number of live keys.
func (m *Manager) keysAt(ctx context.Context, c *candidate, positions []int) ([][]byte, int, error) {
	it, err := m.partitionIterator(ctx, c, c.sources)
	if err != nil {
		return nil, 0, err
	}
	defer it.Close()
	var keys [][]byte
	n := 0
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return keys, n, nil
		}
		if len(keys) < len(positions) && positions[len(keys)] == n {
			keys = append(keys, append([]byte(nil), e.Key...))
		}
		n++
		if n%4096 == 0 {
			if err = ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
	}
}

func (m *Manager) countKeys(ctx context.Context, c *candidate) (int, error) {
	_, n, err := m.keysAt(ctx, c, nil)
	return n, err
}

// headSplitPoints picks parts-1 separators dividing c into ranges of about
// the same number of keys.
func (m *Manager) headSplitPoints(ctx context.Context, c *candidate, parts int) ([][]byte, error) {
	n, err := m.countKeys(ctx, c)
	if err != nil {
		return nil, err
	}
	if parts > n {
		parts = n
	}
	if parts < 2 {
		return nil, nil
	}
	positions := make([]int, 0, parts-1)
	for i := 1; i < parts; i++ {
		positions = append(positions, i*n/parts)
	}
	keys, _, err := m.keysAt(ctx, c, positions)
	if err != nil {
		return nil, err
	}
	return validSeparators(c.md.Partition, keys), nil
}

// tailSplitPoint finds the key where the tail of c starts and the share of
// the writes absorbed by the previous journal that landed in that tail.
func (m *Manager) tailSplitPoint(ctx context.Context, c *candidate) ([]byte, float64, error) {
	res := c.md.Partition.Resources
	if len(res) < 2 || res[1].Kind != proto.KindJournal {
		return nil, 0, nil
	}
	n, err := m.countKeys(ctx, c)
	if err != nil || n < 2 {
		return nil, 0, err
	}
	pos := int(float64(n) * (1 - tailFraction))
	if pos <= 0 || pos >= n {
		return nil, 0, nil
	}
	keys, _, err := m.keysAt(ctx, c, []int{pos})
	if err != nil || len(keys) == 0 {
		return nil, 0, err
	}
	sep := keys[0]
	if len(validSeparators(c.md.Partition, keys)) == 0 {
		return nil, 0, nil
	}

	it, err := c.sources[1].NewIterator(ctx, c.md.Partition.LeftSeparator, c.md.Partition.RightSeparator)
	if err != nil {
		return nil, 0, err
	}
	defer it.Close()
	var recent, tail int
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			break
		}
		recent++
		if bytes.Compare(e.Key, sep) >= 0 {
			tail++
		}
	}
	if recent == 0 {
		return nil, 0, nil
	}
	return sep, float64(tail) / float64(recent), nil
}

// validSeparators keeps strictly increasing keys strictly inside p.
func validSeparators(p *proto.PartitionMetadata, keys [][]byte) [][]byte {
	var ret [][]byte
	prev := p.LeftSeparator
	for _, k := range keys {
		if bytes.Compare(k, prev) <= 0 {
			continue
		}
		if p.RightSeparator != nil && bytes.Compare(k, p.RightSeparator) >= 0 {
			continue
		}
		ret = append(ret, k)
		prev = k
	}
	return ret
}
