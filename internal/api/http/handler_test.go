// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajc-platform/internal/api/http/middleware"
	"ajc-platform/internal/approval"
	"ajc-platform/internal/lifecycle"
	"ajc-platform/internal/registry"
	"ajc-platform/internal/store"
	"ajc-platform/pkg/config"
	"ajc-platform/pkg/log"
)

type testServer struct {
	engine *gin.Engine
	store  *store.Memory
}

func newTestServer(t *testing.T, required int) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Approval.RequiredApprovals = required

	st := store.NewMemory()
	logger := log.NewNop()
	jobs := lifecycle.NewJobEngine(st, cfg, logger, nil)
	tasks := lifecycle.NewTaskEngine(st, cfg, logger, nil, jobs)
	approvals := approval.NewEngine(st, cfg, logger, jobs)
	agents := registry.NewRegistry(st, cfg, logger)

	handler := NewHandler(jobs, tasks, approvals, agents, logger)
	router := NewRouter(handler, middleware.NewMiddleware(logger), 0)
	router.SetupRoutes()

	return &testServer{engine: router.Engine(), store: st}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	var parsed map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &parsed)
	}
	return rec.Code, parsed
}

func data(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	require.Equal(t, true, resp["success"], "expected success response: %v", resp)
	d, ok := resp["data"].(map[string]any)
	require.True(t, ok, "data is not an object: %v", resp["data"])
	return d
}

func errBody(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	require.Equal(t, false, resp["success"])
	e, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	return e
}

func (s *testServer) registerAgent(t *testing.T, name string) string {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/api/agents/register", map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, code)
	agent := data(t, resp)["agent"].(map[string]any)
	return agent["id"].(string)
}

func (s *testServer) submitJob(t *testing.T) string {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"name":     "deploy",
		"job_spec": map[string]any{"target": "staging"},
	})
	require.Equal(t, http.StatusCreated, code)
	return data(t, resp)["id"].(string)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, 1)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, 1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitAndGetJob(t *testing.T) {
	s := newTestServer(t, 5)

	jobID := s.submitJob(t)

	code, resp := s.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, code)
	job := data(t, resp)
	assert.Equal(t, "committed", job["status"])
	assert.Equal(t, float64(5), job["required_approvals"])

	code, resp = s.do(t, http.MethodGet, "/api/jobs/missing-id", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errBody(t, resp)["code"])
}

func TestSubmitJobValidation(t *testing.T) {
	s := newTestServer(t, 1)

	code, resp := s.do(t, http.MethodPost, "/api/jobs", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errBody(t, resp)["code"])
}

func TestApproveOverHTTP(t *testing.T) {
	s := newTestServer(t, 2)

	jobID := s.submitJob(t)
	a1 := s.registerAgent(t, "voter-1")
	a2 := s.registerAgent(t, "voter-2")

	code, resp := s.do(t, http.MethodPost, "/api/jobs/"+jobID+"/approve", map[string]any{"agent_id": a1})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "approving", data(t, resp)["status"])

	// 票数到齐后 plan task 已创建，job 进入 planning
	code, resp = s.do(t, http.MethodPost, "/api/jobs/"+jobID+"/approve", map[string]any{"agent_id": a2})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "planning", data(t, resp)["status"])

	code, resp = s.do(t, http.MethodGet, "/api/jobs/"+jobID+"/approvals", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), data(t, resp)["count"])
}

func TestApproveRateLimitedOverHTTP(t *testing.T) {
	s := newTestServer(t, 5)

	jobID := s.submitJob(t)
	agentID := s.registerAgent(t, "voter")

	code, _ := s.do(t, http.MethodPost, "/api/jobs/"+jobID+"/approve", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code)

	otherJob := s.submitJob(t)
	code, resp := s.do(t, http.MethodPost, "/api/jobs/"+otherJob+"/approve", map[string]any{"agent_id": agentID})
	assert.Equal(t, http.StatusTooManyRequests, code)

	e := errBody(t, resp)
	assert.Equal(t, "APPROVAL_RATE_LIMITED", e["code"])
	details := e["details"].(map[string]any)
	assert.Greater(t, details["retry_after_ms"].(float64), float64(0))

	code, resp = s.do(t, http.MethodGet, "/api/agents/"+agentID+"/can-approve", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, data(t, resp)["allowed"])
}

func TestTaskFlowOverHTTP(t *testing.T) {
	s := newTestServer(t, 1)

	jobID := s.submitJob(t)
	agentID := s.registerAgent(t, "worker")

	code, _ := s.do(t, http.MethodPost, "/api/jobs/"+jobID+"/approve", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code)

	// 认领 plan task
	code, resp := s.do(t, http.MethodPost, "/api/tasks/claim", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code)
	task := data(t, resp)["task"].(map[string]any)
	taskID := task["id"].(string)
	assert.Equal(t, float64(0), task["task_index"])

	code, _ = s.do(t, http.MethodPost, "/api/tasks/"+taskID+"/start", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodPost, "/api/tasks/"+taskID+"/progress", map[string]any{
		"agent_id": agentID, "progress_percent": 50, "message": "planning",
	})
	require.Equal(t, http.StatusOK, code)

	specs := make([]map[string]any, 0, 5)
	for _, step := range []string{"fetch", "parse", "transform", "render", "upload"} {
		specs = append(specs, map[string]any{"specification": map[string]any{"step": step}})
	}
	code, _ = s.do(t, http.MethodPost, "/api/tasks/"+taskID+"/complete", map[string]any{
		"agent_id": agentID,
		"result":   map[string]any{"task_specs": specs},
	})
	require.Equal(t, http.StatusOK, code)

	// plan 展开后 job 进入 ready，进度归零
	code, resp = s.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, code)
	job := data(t, resp)
	assert.Equal(t, "ready", job["status"])
	assert.Equal(t, float64(0), job["progress_percent"])

	var realID string
	runOne := func() {
		code, resp = s.do(t, http.MethodPost, "/api/tasks/claim", map[string]any{"agent_id": agentID})
		require.Equal(t, http.StatusOK, code)
		realID = data(t, resp)["task"].(map[string]any)["id"].(string)
		code, _ = s.do(t, http.MethodPost, "/api/tasks/"+realID+"/start", map[string]any{"agent_id": agentID})
		require.Equal(t, http.StatusOK, code)
		code, _ = s.do(t, http.MethodPost, "/api/tasks/"+realID+"/complete", map[string]any{
			"agent_id": agentID, "result": map[string]any{"ok": true},
		})
		require.Equal(t, http.StatusOK, code)
	}

	// 2/5 完成 → 进度 40
	runOne()
	runOne()
	code, resp = s.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, code)
	job = data(t, resp)
	assert.Equal(t, "executing", job["status"])
	assert.Equal(t, float64(2), job["completed_tasks"])
	assert.Equal(t, float64(40), job["progress_percent"])

	runOne()
	runOne()
	runOne()

	code, resp = s.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, code)
	job = data(t, resp)
	assert.Equal(t, "completed", job["status"])
	assert.Equal(t, float64(5), job["completed_tasks"])
	assert.Equal(t, float64(100), job["progress_percent"])

	code, resp = s.do(t, http.MethodGet, "/api/tasks/"+realID+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Greater(t, data(t, resp)["count"].(float64), float64(1))
}

func TestFailTaskOverHTTP(t *testing.T) {
	s := newTestServer(t, 1)

	jobID := s.submitJob(t)
	agentID := s.registerAgent(t, "worker")

	code, _ := s.do(t, http.MethodPost, "/api/jobs/"+jobID+"/approve", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code)

	code, resp := s.do(t, http.MethodPost, "/api/tasks/claim", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code)
	taskID := data(t, resp)["task"].(map[string]any)["id"].(string)

	// 未带 should_retry：缺省不重试，即便预算未耗尽也直接落终态
	code, resp = s.do(t, http.MethodPost, "/api/tasks/"+taskID+"/fail", map[string]any{
		"agent_id": agentID, "error": "unsupported job spec",
	})
	require.Equal(t, http.StatusOK, code)
	task := data(t, resp)
	assert.Equal(t, "failed", task["status"])
	assert.Equal(t, float64(0), task["retry_count"])
	assert.Equal(t, "unsupported job spec", task["error_message"])

	// plan task 失败拖垮 Job
	code, resp = s.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "failed", data(t, resp)["status"])
}

func TestFailTaskWithRetryOverHTTP(t *testing.T) {
	s := newTestServer(t, 1)

	jobID := s.submitJob(t)
	agentID := s.registerAgent(t, "worker")

	code, _ := s.do(t, http.MethodPost, "/api/jobs/"+jobID+"/approve", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code)

	code, resp := s.do(t, http.MethodPost, "/api/tasks/claim", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code)
	taskID := data(t, resp)["task"].(map[string]any)["id"].(string)

	code, resp = s.do(t, http.MethodPost, "/api/tasks/"+taskID+"/fail", map[string]any{
		"agent_id": agentID, "error": "transient", "should_retry": true,
	})
	require.Equal(t, http.StatusOK, code)
	task := data(t, resp)
	assert.Equal(t, "pending", task["status"])
	assert.Equal(t, float64(1), task["retry_count"])
}

func TestClaimWithoutPendingTask(t *testing.T) {
	s := newTestServer(t, 1)
	agentID := s.registerAgent(t, "idle-worker")

	code, resp := s.do(t, http.MethodPost, "/api/tasks/claim", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, data(t, resp)["task"])
}

func TestTaskOwnershipForbidden(t *testing.T) {
	s := newTestServer(t, 1)

	jobID := s.submitJob(t)
	owner := s.registerAgent(t, "owner")
	intruder := s.registerAgent(t, "intruder")

	code, _ := s.do(t, http.MethodPost, "/api/jobs/"+jobID+"/approve", map[string]any{"agent_id": owner})
	require.Equal(t, http.StatusOK, code)

	code, resp := s.do(t, http.MethodPost, "/api/tasks/claim", map[string]any{"agent_id": owner})
	require.Equal(t, http.StatusOK, code)
	taskID := data(t, resp)["task"].(map[string]any)["id"].(string)

	code, resp = s.do(t, http.MethodPost, "/api/tasks/"+taskID+"/start", map[string]any{"agent_id": intruder})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", errBody(t, resp)["code"])
}

func TestAgentHeartbeatOverHTTP(t *testing.T) {
	s := newTestServer(t, 1)
	agentID := s.registerAgent(t, "worker")

	code, resp := s.do(t, http.MethodPost, "/api/agents/"+agentID+"/heartbeat", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(30), data(t, resp)["heartbeat_interval_seconds"])

	// Agent 借心跳上报 offline
	code, resp = s.do(t, http.MethodPost, "/api/agents/"+agentID+"/heartbeat", map[string]any{"status": "offline"})
	require.Equal(t, http.StatusOK, code)
	agent := data(t, resp)["agent"].(map[string]any)
	assert.Equal(t, "offline", agent["status"])

	code, resp = s.do(t, http.MethodPost, "/api/agents/"+agentID+"/heartbeat", map[string]any{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errBody(t, resp)["code"])

	code, resp = s.do(t, http.MethodPost, "/api/agents/ghost/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errBody(t, resp)["code"])
}

func TestStatsEndpoints(t *testing.T) {
	s := newTestServer(t, 5)
	s.submitJob(t)
	s.submitJob(t)

	code, resp := s.do(t, http.MethodGet, "/api/jobs/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), data(t, resp)["total"])

	code, resp = s.do(t, http.MethodGet, "/api/tasks/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), data(t, resp)["total"])
}

func TestGlobalRateLimit(t *testing.T) {
	cfg := config.Default()
	st := store.NewMemory()
	logger := log.NewNop()
	jobs := lifecycle.NewJobEngine(st, cfg, logger, nil)
	tasks := lifecycle.NewTaskEngine(st, cfg, logger, nil, jobs)
	approvals := approval.NewEngine(st, cfg, logger, jobs)
	agents := registry.NewRegistry(st, cfg, logger)
	handler := NewHandler(jobs, tasks, approvals, agents, logger)

	router := NewRouter(handler, middleware.NewMiddleware(logger), 1)
	router.SetupRoutes()

	limited := false
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		router.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited)
}
