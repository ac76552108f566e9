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

package errors

import "errors"

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrIllegalState         = errors.New("illegal state")

	ErrDuplicateKey     = errors.New("duplicate key")
	ErrResourceNotFound = errors.New("resource does not exist")

	ErrNotPartitioned     = errors.New("index is not partitioned")
	ErrTransientStore     = errors.New("store is transient")
	ErrOverflowDisabled   = errors.New("overflow is disabled")
	ErrOverflowNotAllowed = errors.New("overflow is not allowed while maintenance is running")

	ErrJournalReadOnly = errors.New("journal is closed for writes")
	ErrJournalClosed   = errors.New("journal is closed")

	ErrIndexNotFound = errors.New("index does not exist")
	ErrIndexExists   = errors.New("index is already registered")
	ErrKeyNotFound   = errors.New("key does not exist")
	ErrKeyOutOfRange = errors.New("key is out of partition range")
	ErrViewChanged   = errors.New("partition view changed during maintenance")
	ErrMoving        = errors.New("partition is being moved")

	ErrSegmentCorrupted = errors.New("segment file is corrupted")
	ErrNoPeer           = errors.New("no move target available")

	ErrShutdown = errors.New("manager is shut down")
)

// IsFatal reports whether err aborts a journal rollover as a whole rather
// than a single maintenance task.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNotPartitioned) ||
		errors.Is(err, ErrIllegalState) ||
		errors.Is(err, ErrTransientStore) ||
		errors.Is(err, ErrOverflowNotAllowed)
}
