// Copyright 2023 The Cuber Authors.
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

package util

import (
	"io"
	"time"
)

// TimeWriter accumulates the time spent in the underlying writer.
type TimeWriter struct {
	W  io.Writer
	dt time.Duration
}

func (tw *TimeWriter) Write(p []byte) (n int, err error) {
	start := time.Now()
	n, err = tw.W.Write(p)
	tw.dt += time.Since(start)
	return n, err
}

func (tw *TimeWriter) GetCost() time.Duration {
	return tw.dt
}
