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
	"github.com/hashicorp/go-multierror"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/metrics"
	"github.com/cubefs/journaldb/proto"
	"github.com/cubefs/journaldb/segment"
)

// Purger deletes the backing store of a released resource.
type Purger interface {
	Purge(ctx context.Context, desc proto.ResourceDescriptor) error
}

type filePurger struct {
	m *Manager
}

// Purge is called with the manager lock held exclusively.
func (p *filePurger) Purge(ctx context.Context, desc proto.ResourceDescriptor) error {
	switch desc.Kind {
	case proto.KindJournal:
		j, ok := p.m.journals[desc.UUID]
		if !ok {
			var err error
			if j, err = p.m.factory.Open(ctx, desc); err != nil {
				return err
			}
		}
		return j.Destroy()
	case proto.KindSegment:
		return segment.Remove(desc)
	default:
		return fmt.Errorf("%w: %s", apierrors.ErrInvalidArgument, desc)
	}
}

// purgeReleased deletes resources released longer ago than the configured
// age. Failures are collected and the resources stay released, so the next
// rollover retries them. Callers hold the exclusive lock.
func (m *Manager) purgeReleased(ctx context.Context) error {
	if m.cfg.ReleaseAgeMs == 0 || len(m.released) == 0 {
		return nil
	}
	span := trace.SpanFromContextSafe(ctx)
	age := time.Duration(m.cfg.ReleaseAgeMs) * time.Millisecond
	live := m.liveJournal().Descriptor().UUID

	var result *multierror.Error
	for id, r := range m.released {
		if id == live || time.Since(r.at) < age {
			continue
		}
		if r.desc.Kind == proto.KindSegment {
			m.evictSegment(id)
		}
		if err := m.purger.Purge(ctx, r.desc); err != nil {
			result = multierror.Append(result, fmt.Errorf("purge %s: %w", r.desc, err))
			continue
		}
		delete(m.journals, id)
		if err := m.dir.Remove(ctx, r.desc.CreateTime, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("unlist %s: %w", r.desc, err))
		}
		delete(m.released, id)
		metrics.PurgedResources.WithLabelValues(r.desc.Kind.String()).Inc()
		span.Debugf("released resource %s purged", r.desc)
	}
	return result.ErrorOrNil()
}
