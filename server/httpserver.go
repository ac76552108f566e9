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

package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/cubefs/journaldb/errors"
	"github.com/cubefs/journaldb/metrics"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server
	auditLog   auditlog.LogCloser

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string, cfg *auditlog.Config) error {
	handlers := []rpc.ProgressHandler{profile.NewProfileHandler(addr)}
	if cfg != nil && cfg.LogDir != "" {
		lh, logFile, err := auditlog.Open(auditLogModule, cfg)
		if err != nil {
			return err
		}
		h.auditLog = logFile
		handlers = append([]rpc.ProgressHandler{lh}, handlers...)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), handlers...),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
	return nil
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	if h.httpServer != nil {
		h.httpServer.Shutdown(ctx)
	}
	if h.auditLog != nil {
		h.auditLog.Close()
	}
}

func (h *HttpServer) newHandler() *rpc.Router {
	r := rpc.New()
	r.Handle(http.MethodGet, "/stats", h.Stats)
	r.Handle(http.MethodGet, "/partitions", h.Partitions)
	r.Handle(http.MethodGet, "/counter", h.Counter)
	r.Handle(http.MethodPost, "/overflow", h.Overflow)
	r.Handle(http.MethodPost, "/overflow/force", h.ForceOverflow)
	r.Handle(http.MethodPost, "/overflow/compacting_merge", h.ForceCompactingMerge)

	exporter := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	r.Handle(http.MethodGet, "/metrics", func(c *rpc.Context) {
		exporter.ServeHTTP(c.Writer, c.Request)
	})
	return r
}

func (h *HttpServer) Stats(c *rpc.Context) {
	c.RespondJSON(h.manager.Stats())
}

func (h *HttpServer) Partitions(c *rpc.Context) {
	parts, err := h.manager.Partitions(c.Request.URL.Query().Get("index"))
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(parts)
}

// Counter reads one counter from the metrics registry, e.g.
// journaldb_host_counter{path=host/cpu/percent}.
func (h *HttpServer) Counter(c *rpc.Context) {
	path := c.Request.URL.Query().Get("path")
	v, ok := metrics.RegistryCounters{Gatherer: metrics.Registry}.Counter(path)
	if !ok {
		c.RespondError(rpc.NewError(http.StatusNotFound, "CounterNotFound", errors.New(path)))
		return
	}
	c.RespondJSON(map[string]float64{path: v})
}

type overflowResult struct {
	Maintenance bool        `json:"maintenance"`
	Result      interface{} `json:"result,omitempty"`
}

// Overflow rolls the live journal over now. With wait=true the response
// carries the maintenance report.
func (h *HttpServer) Overflow(c *rpc.Context) {
	ctx := c.Request.Context()
	span := trace.SpanFromContextSafe(ctx)
	handle, err := h.manager.Overflow(ctx)
	if err != nil {
		span.Warnf("requested overflow failed: %s", err)
		c.RespondError(httpError(err))
		return
	}
	ret := overflowResult{Maintenance: handle != nil}
	if wait, _ := strconv.ParseBool(c.Request.URL.Query().Get("wait")); wait && handle != nil {
		if err = handle.Wait(ctx); err != nil {
			span.Warnf("maintenance after requested overflow: %s", err)
		}
		ret.Result = handle.Result()
	}
	c.RespondJSON(ret)
}

func (h *HttpServer) ForceOverflow(c *rpc.Context) {
	h.manager.ForceOverflow()
	c.RespondStatus(http.StatusOK)
}

func (h *HttpServer) ForceCompactingMerge(c *rpc.Context) {
	h.manager.ForceCompactingMerge()
	c.RespondStatus(http.StatusOK)
}

func httpError(err error) *rpc.Error {
	status, code := http.StatusInternalServerError, "InternalError"
	switch {
	case errors.Is(err, apierrors.ErrIndexNotFound):
		status, code = http.StatusNotFound, "IndexNotFound"
	case errors.Is(err, apierrors.ErrOverflowNotAllowed),
		errors.Is(err, apierrors.ErrOverflowDisabled),
		errors.Is(err, apierrors.ErrTransientStore):
		status, code = http.StatusConflict, "OverflowRefused"
	case errors.Is(err, apierrors.ErrShutdown):
		status, code = http.StatusServiceUnavailable, "ShuttingDown"
	case errors.Is(err, apierrors.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "InvalidArgument"
	}
	return rpc.NewError(status, code, err)
}
