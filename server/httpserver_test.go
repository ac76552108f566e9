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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/journaldb/overflow"
	"github.com/cubefs/journaldb/util"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	dataDir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dataDir) })

	cfg := DefaultConfig()
	cfg.Overflow.DataDir = dataDir
	cfg.Transient = true
	s, err := NewServer(context.Background(), &cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, NewHttpServer(s).newHandler()
}

func do(t *testing.T, h http.Handler, method, url string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, url, nil))
	return w
}

func TestHttpStats(t *testing.T) {
	s, h := newTestServer(t)
	require.NoError(t, s.Manager().RegisterIndex(context.Background(), "spo", ""))

	w := do(t, h, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var st overflow.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.Equal(t, "idle", st.State)
	require.True(t, st.OverflowAllowed)
	require.Len(t, st.Partitions, 1)

	w = do(t, h, http.MethodGet, "/partitions?index=spo")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "spo#0")

	w = do(t, h, http.MethodGet, "/partitions?index=pos")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHttpForceFlags(t *testing.T) {
	s, h := newTestServer(t)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/overflow/force").Code)
	require.True(t, s.Manager().Stats().ForceOverflow)
	require.True(t, s.Manager().ShouldOverflow())

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/overflow/compacting_merge").Code)
	require.True(t, s.Manager().Stats().ForceCompactingMerge)

	// journals kept in memory never roll over
	w := do(t, h, http.MethodPost, "/overflow")
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestHttpMetrics(t *testing.T) {
	_, h := newTestServer(t)
	w := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "journaldb_overflow_allowed"))

	w = do(t, h, http.MethodGet, "/counter?path=journaldb_overflow_allowed")
	require.Equal(t, http.StatusOK, w.Code)
	var ret map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ret))
	require.Equal(t, float64(1), ret["journaldb_overflow_allowed"])

	w = do(t, h, http.MethodGet, "/counter?path=no_such_metric")
	require.Equal(t, http.StatusNotFound, w.Code)
}
