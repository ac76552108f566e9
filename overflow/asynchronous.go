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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/metrics"
	"github.com/cubefs/journaldb/segment"
)

// MaintenanceHandle follows one asynchronous maintenance cycle.
type MaintenanceHandle struct {
	done   chan struct{}
	cancel context.CancelFunc
	result *MaintenanceResult
	err    error
}

func (h *MaintenanceHandle) Done() <-chan struct{} { return h.done }

// Cancel interrupts the cycle. Tasks already switched stay switched.
func (h *MaintenanceHandle) Cancel() { h.cancel() }

// Wait blocks until the cycle ends or ctx is done.
func (h *MaintenanceHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the cycle's error once Done is closed: nil, a context error when
// the cycle was cancelled or timed out, or ErrShutdown.
func (h *MaintenanceHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Result is nil until Done is closed.
func (h *MaintenanceHandle) Result() *MaintenanceResult {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

type maintenanceJob struct {
	ctx    context.Context
	cancel context.CancelFunc
	om     *OverflowMetadata
	handle *MaintenanceHandle
}

// startMaintenance closes the overflow gate and hands the cycle to the
// maintenance goroutine. Without work to do the cycle is counted and
// skipped.
func (m *Manager) startMaintenance(ctx context.Context, om *OverflowMetadata) (*MaintenanceHandle, error) {
	span := trace.SpanFromContextSafe(ctx)
	if !om.ForceOverflow && !om.PostProcess {
		m.transit(StateSynchronousOverflow, StateIdle)
		m.asyncCount.Add(1)
		metrics.AsynchronousOverflows.Inc()
		span.Debugf("nothing to maintain after overflow to %s", om.NewJournal)
		return nil, nil
	}
	if !m.suspend() {
		m.transit(StateSynchronousOverflow, StateIdle)
		span.Errorf("overflow gate closed before maintenance of %s", om.NewJournal)
		return nil, fmt.Errorf("%w: overflow gate already closed", apierrors.ErrIllegalState)
	}

	_, jctx := trace.StartSpanFromContextWithTraceID(m.ctx, "maintenance", span.TraceID())
	var cancel context.CancelFunc
	if m.cfg.OverflowTimeoutMs > 0 {
		jctx, cancel = context.WithTimeout(jctx, time.Duration(m.cfg.OverflowTimeoutMs)*time.Millisecond)
	} else {
		jctx, cancel = context.WithCancel(jctx)
	}
	job := &maintenanceJob{
		ctx:    jctx,
		cancel: cancel,
		om:     om,
		handle: &MaintenanceHandle{done: make(chan struct{}), cancel: cancel},
	}
	select {
	case m.jobs <- job:
		return job.handle, nil
	case <-m.ctx.Done():
		m.finishMaintenance(job, nil, apierrors.ErrShutdown)
		return nil, apierrors.ErrShutdown
	}
}

func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.jobs:
			m.runMaintenance(job)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) runMaintenance(job *maintenanceJob) {
	span := trace.SpanFromContextSafe(job.ctx)
	start := time.Now()
	result := m.maintain(job.ctx, job.om)
	err := job.ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		result.TimedOut = true
		span.Warnf("maintenance timed out after %s", time.Since(start))
	}
	span.Infof("maintenance after overflow to %s finished in %s: %d succeeded, %d failed, %d cancelled",
		job.om.NewJournal, time.Since(start), result.Succeeded, result.Failed, result.Cancelled)
	m.finishMaintenance(job, result, err)
}

// finishMaintenance reopens the gate and completes the handle.
func (m *Manager) finishMaintenance(job *maintenanceJob, result *MaintenanceResult, err error) {
	if !m.resume() {
		trace.SpanFromContextSafe(job.ctx).Errorf("overflow gate was open at the end of maintenance")
	}
	m.asyncCount.Add(1)
	metrics.AsynchronousOverflows.Inc()
	job.cancel()
	job.handle.result, job.handle.err = result, err
	close(job.handle.done)
}

// maintain runs one cycle: snapshot the views, choose an action for each
// and execute the actions on the build and merge pools.
func (m *Manager) maintain(ctx context.Context, om *OverflowMetadata) *MaintenanceResult {
	span := trace.SpanFromContextSafe(ctx)
	result := &MaintenanceResult{Metadata: om}
	cands := m.snapshot(om)
	defer func() {
		for _, c := range cands {
			c.release()
		}
	}()

	tasks, err := m.choose(ctx, cands, Snapshot(m.counters))
	if err != nil {
		span.Warnf("choose maintenance actions failed: %s", err)
		return result
	}

	reports := make([]TaskReport, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		i, t := i, t
		run := func() {
			defer wg.Done()
			reports[i] = m.execute(ctx, t)
		}
		wg.Add(1)
		if pool := m.poolFor(t.action); pool != nil {
			pool.Run(run)
		} else {
			run()
		}
	}
	wg.Wait()

	for _, r := range reports {
		switch {
		case r.Err == "":
			result.Succeeded++
		case r.Cancelled:
			result.Cancelled++
		default:
			result.Failed++
		}
	}
	result.Tasks = reports
	return result
}

func (m *Manager) poolFor(action Action) *taskpool.TaskPool {
	if action == ActionBuild {
		return m.buildPool
	}
	return m.mergePool
}

// execute runs one task in isolation; its failure only affects its report.
func (m *Manager) execute(ctx context.Context, t *task) TaskReport {
	span := trace.SpanFromContextSafe(ctx)
	r := TaskReport{Name: t.cand.md.Name, Action: t.action}
	if t.sibling != nil {
		r.Sibling = t.sibling.md.Name
	}
	if t.target != nil {
		r.Target = t.target.Name()
	}
	err := ctx.Err()
	if err == nil {
		err = m.runTask(ctx, t)
	}
	result := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		result = "cancelled"
		r.Err, r.Cancelled = err.Error(), true
		m.cancelledTasks.Add(1)
		span.Infof("%s of %s cancelled: %s", t.action, r.Name, err)
	default:
		result = "failed"
		r.Err = err.Error()
		m.failedTasks.Add(1)
		span.Warnf("%s of %s failed: %s", t.action, r.Name, err)
	}
	metrics.IndexActions.WithLabelValues(t.action.String(), result).Inc()
	return r
}

// snapshot pins every installed view. Views redefined by om, views over
// the source limits and, when forced, all views are eligible for an action.
func (m *Manager) snapshot(om *OverflowMetadata) []*candidate {
	m.lock.RLock()
	defer m.lock.RUnlock()
	forceMerge := m.forceCompactingMerge.Load()
	cands := make([]*candidate, 0, len(m.views))
	for _, e := range m.views {
		md := e.Metadata()
		action, _ := om.Action(md.Name)
		c := &candidate{
			md:         md,
			mutable:    e.Mutable(),
			sources:    e.Sources(),
			pinned:     append([]*segment.Segment(nil), e.pinned...),
			redefined:  action == ActionRedefine,
			mandatory:  m.mandatoryMerge(md.Partition),
			forceMerge: forceMerge,
			forced:     om.ForceOverflow,
			bytes:      e.ByteCount(),
		}
		for _, s := range c.pinned {
			s.Retain()
		}
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].md.Name < cands[j].md.Name })
	return cands
}
