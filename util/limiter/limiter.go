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
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"

	apierrors "github.com/cubefs/journaldb/errors"
)

const mb = 1 << 20

type (
	// Config bounds the I/O of background maintenance writers so that
	// builds and merges do not starve foreground journal writes.
	Config struct {
		WriteMBPS        int `json:"write_mbps"`
		WriteConcurrency int `json:"write_concurrency"`
	}
	Status struct {
		Config       Config
		WriteRunning int
		WriteWaitMs  int
	}

	LimitWriter interface {
		WaitN(n int) error
		io.Writer
	}

	Limiter struct {
		config     Config
		running    int32
		rateWriter atomic.Pointer[rate.Limiter]
	}

	writer struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Writer
	}
	noopWriter struct {
		underlying io.Writer
	}
)

// New returns a limiter. Zero values disable the respective limit.
func New(cfg Config) *Limiter {
	l := &Limiter{config: cfg}
	if cfg.WriteMBPS > 0 {
		l.rateWriter.Store(newRate(cfg.WriteMBPS))
	}
	return l
}

func newRate(mbps int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(mbps*mb), mbps*mb)
}

// Acquire takes a writer slot, failing fast when all slots are busy.
func (l *Limiter) Acquire() error {
	if l.config.WriteConcurrency <= 0 {
		atomic.AddInt32(&l.running, 1)
		return nil
	}
	if n := atomic.AddInt32(&l.running, 1); int(n) > l.config.WriteConcurrency {
		atomic.AddInt32(&l.running, -1)
		return fmt.Errorf("%w: %d segment writers running", apierrors.ErrIllegalState, n-1)
	}
	return nil
}

func (l *Limiter) Release() {
	atomic.AddInt32(&l.running, -1)
}

// Writer wraps w so that every write waits for rate tokens. Writes larger
// than the burst are split.
func (l *Limiter) Writer(ctx context.Context, w io.Writer) LimitWriter {
	if r := l.rateWriter.Load(); r != nil {
		return &writer{ctx: ctx, rate: r, underlying: w}
	}
	return &noopWriter{underlying: w}
}

func (l *Limiter) SetWriteMBPS(mbps int) {
	l.config.WriteMBPS = mbps
	if mbps <= 0 {
		l.rateWriter.Store(nil)
		return
	}
	if r := l.rateWriter.Load(); r != nil {
		r.SetLimit(rate.Limit(mbps * mb))
		r.SetBurst(mbps * mb)
		return
	}
	l.rateWriter.Store(newRate(mbps))
}

func (l *Limiter) Status() Status {
	st := Status{Config: l.config, WriteRunning: int(atomic.LoadInt32(&l.running))}
	if r := l.rateWriter.Load(); r != nil {
		res := r.Reserve()
		st.WriteWaitMs = int(res.Delay().Milliseconds())
		res.Cancel()
	}
	return st
}

func (w *writer) Write(p []byte) (n int, err error) {
	burst := w.rate.Burst()
	for len(p) > 0 {
		chunk := p
		if len(chunk) > burst {
			chunk = chunk[:burst]
		}
		if err = w.rate.WaitN(w.ctx, len(chunk)); err != nil {
			return n, err
		}
		nn, err := w.underlying.Write(chunk)
		n += nn
		if err != nil {
			return n, err
		}
		p = p[nn:]
	}
	return n, nil
}

func (w *writer) WaitN(n int) error {
	return w.rate.WaitN(w.ctx, n)
}

func (nw *noopWriter) Write(p []byte) (n int, err error) {
	return nw.underlying.Write(p)
}

func (nw *noopWriter) WaitN(n int) error {
	return nil
}
