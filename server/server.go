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
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/journaldb/journal"
	"github.com/cubefs/journaldb/journal/memory"
	"github.com/cubefs/journaldb/journal/rocksdb"
	"github.com/cubefs/journaldb/overflow"
	"github.com/cubefs/journaldb/resource"
	"github.com/cubefs/journaldb/util"
)

const (
	journalDirName  = "journals"
	directoryFile   = "resources.db"
	auditLogModule  = "JOURNALDB"
	defaultAuditDir = "./run/audit_log"
	defaultDataDir  = "./run/data"
)

type Config struct {
	Overflow overflow.Config `json:"overflow"`
	Journal  rocksdb.Options `json:"journal"`
	AuditLog auditlog.Config `json:"auditlog"`
	// Transient keeps journals in memory; nothing survives a restart.
	Transient bool   `json:"transient"`
	TmpDir    string `json:"tmp_dir"`
}

// DefaultConfig returns the configuration a config file is loaded over.
func DefaultConfig() Config {
	return Config{
		Overflow: overflow.DefaultConfig(),
		AuditLog: auditlog.Config{LogDir: defaultAuditDir},
	}
}

type Server struct {
	manager *overflow.Manager
	dir     *resource.Directory
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.Overflow.DataDir == "" {
		cfg.Overflow.DataDir = defaultDataDir
	}
	if err := cfg.Overflow.Validate(); err != nil {
		return nil, err
	}

	clock := util.NewClock()
	var factory journal.Factory
	if cfg.Transient {
		factory = memory.NewFactory(clock, memory.Options{MaximumExtent: cfg.Journal.MaximumExtent})
	} else {
		factory = rocksdb.NewFactory(filepath.Join(cfg.Overflow.DataDir, journalDirName), clock, cfg.Journal)
	}
	dir, err := resource.OpenDirectory(ctx, filepath.Join(cfg.Overflow.DataDir, directoryFile))
	if err != nil {
		return nil, errors.Info(err, "open resource directory")
	}
	manager, err := overflow.NewManager(ctx, overflow.Options{
		Config:    cfg.Overflow,
		Clock:     clock,
		Factory:   factory,
		Directory: dir,
		Counters:  overflow.NewHostCounters(cfg.Overflow.DataDir, cfg.TmpDir),
	})
	if err != nil {
		dir.Close()
		return nil, errors.Info(err, "start overflow manager")
	}
	span.Infof("server started, data dir %s, transient %v", cfg.Overflow.DataDir, cfg.Transient)
	return &Server{manager: manager, dir: dir}, nil
}

func (s *Server) Manager() *overflow.Manager {
	return s.manager
}

func (s *Server) Close(ctx context.Context) {
	s.manager.Shutdown(ctx)
	if err := s.dir.Close(); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("close resource directory failed: %s", err)
	}
}
