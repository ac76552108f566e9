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

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/proto"
)

// Target accepts index partitions moved off an overloaded manager.
type Target interface {
	Name() string
	// Receive stages the partition md with the live entries of it. The
	// partition stays invisible until the returned transfer completes.
	Receive(ctx context.Context, md *proto.IndexMetadata, it journal.Iterator) (Transfer, error)
}

// Transfer is a partition staged on a target.
type Transfer interface {
	// Complete applies the entries written since staging, tombstones
	// included, and publishes the partition. A nil delta applies nothing.
	Complete(ctx context.Context, delta journal.Iterator) error
	Abort(ctx context.Context)
}

// LoadBalancer names the targets able to take load, least loaded first.
type LoadBalancer interface {
	Targets(ctx context.Context) ([]Target, error)
}

// StaticBalancer always offers the same targets.
type StaticBalancer []Target

func (s StaticBalancer) Targets(ctx context.Context) ([]Target, error) {
	if len(s) == 0 {
		return nil, apierrors.ErrNoPeer
	}
	return s, nil
}
