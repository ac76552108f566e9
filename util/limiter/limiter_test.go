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

package limiter

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWriteRate(t *testing.T) {
	l := New(Config{WriteMBPS: 1})
	ctx := context.Background()

	buf := &bytes.Buffer{}
	w := l.Writer(ctx, buf)
	// the first burst is free, the second one waits about a second
	start := time.Now()
	n, err := w.Write(make([]byte, 1<<20))
	require.NoError(t, err)
	require.Equal(t, 1<<20, n)
	n, err = w.Write(make([]byte, 512<<10))
	require.NoError(t, err)
	require.Equal(t, 512<<10, n)
	require.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	require.Equal(t, 1536<<10, buf.Len())
}

func TestLimiterCancel(t *testing.T) {
	l := New(Config{WriteMBPS: 1})
	ctx, cancel := context.WithCancel(context.Background())
	w := l.Writer(ctx, &bytes.Buffer{})
	_, err := w.Write(make([]byte, 1<<20))
	require.NoError(t, err)

	cancel()
	_, err = w.Write(make([]byte, 1<<20))
	require.ErrorIs(t, err, context.Canceled)
}

func TestLimiterNoop(t *testing.T) {
	l := New(Config{})
	buf := &bytes.Buffer{}
	w := l.Writer(context.Background(), buf)
	_, err := w.Write(make([]byte, 8<<20))
	require.NoError(t, err)
	require.NoError(t, w.WaitN(1<<30))
	require.Equal(t, 0, l.Status().WriteWaitMs)

	l.SetWriteMBPS(4)
	require.Equal(t, 4, l.Status().Config.WriteMBPS)
	l.SetWriteMBPS(0)
	_, ok := l.Writer(context.Background(), buf).(*noopWriter)
	require.True(t, ok)
}

func TestLimiterConcurrency(t *testing.T) {
	l := New(Config{WriteConcurrency: 2})
	require.NoError(t, l.Acquire())
	require.NoError(t, l.Acquire())
	require.Error(t, l.Acquire())
	require.Equal(t, 2, l.Status().WriteRunning)
	l.Release()
	require.NoError(t, l.Acquire())
	l.Release()
	l.Release()
	require.Equal(t, 0, l.Status().WriteRunning)
}
