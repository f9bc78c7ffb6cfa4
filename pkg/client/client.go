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

// Package client 提供平台 HTTP API 的类型化客户端，供 worker 与 cli 复用。
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"ajc-platform/internal/core"
)

// Client 平台 API 客户端
type Client struct {
	http *resty.Client
}

// New 创建客户端，baseURL 如 "http://localhost:3000"
func New(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

// APIError 服务端返回的业务错误
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RetryAfter 审批被限流时距下次可投的时长；其他错误返回 0
func (e *APIError) RetryAfter() time.Duration {
	ms, ok := e.Details["retry_after_ms"].(float64)
	if !ok {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("%s %s: 无法解析响应 (%d): %s", method, path, resp.StatusCode(), resp.String())
	}
	if !env.Success {
		if env.Error != nil {
			return env.Error
		}
		return fmt.Errorf("%s %s: 请求失败 (%d)", method, path, resp.StatusCode())
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: 无法解析 data: %w", method, path, err)
		}
	}
	return nil
}

// SubmitJobRequest Job 提交参数
type SubmitJobRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	JobSpec     core.Payload `json:"job_spec"`
	CreatedBy   string       `json:"created_by,omitempty"`
}

// SubmitJob 提交新 Job
func (c *Client) SubmitJob(ctx context.Context, req SubmitJobRequest) (*core.Job, error) {
	var job core.Job
	if err := c.do(ctx, resty.MethodPost, "/api/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob 查询单个 Job
func (c *Client) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	if err := c.do(ctx, resty.MethodGet, "/api/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs 列出 Job；status 为空时不过滤
func (c *Client) ListJobs(ctx context.Context, status string) ([]*core.Job, error) {
	path := "/api/jobs"
	if status != "" {
		path += "?status=" + status
	}
	var out struct {
		Jobs []*core.Job `json:"jobs"`
	}
	if err := c.do(ctx, resty.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// JobTasks 列出 Job 的全部 Task
func (c *Client) JobTasks(ctx context.Context, jobID string) ([]*core.Task, error) {
	var out struct {
		Tasks []*core.Task `json:"tasks"`
	}
	if err := c.do(ctx, resty.MethodGet, "/api/jobs/"+jobID+"/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// JobEvents Job 事件时间线
func (c *Client) JobEvents(ctx context.Context, jobID string) ([]*core.JobEvent, error) {
	var out struct {
		Events []*core.JobEvent `json:"events"`
	}
	if err := c.do(ctx, resty.MethodGet, "/api/jobs/"+jobID+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// JobApprovals Job 的审批记录
func (c *Client) JobApprovals(ctx context.Context, jobID string) ([]*core.JobApproval, error) {
	var out struct {
		Approvals []*core.JobApproval `json:"approvals"`
	}
	if err := c.do(ctx, resty.MethodGet, "/api/jobs/"+jobID+"/approvals", nil, &out); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

// JobStats Job 状态统计
func (c *Client) JobStats(ctx context.Context) (*core.StatusCounts, error) {
	var stats core.StatusCounts
	if err := c.do(ctx, resty.MethodGet, "/api/jobs/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Approve Agent 对 Job 投一票
func (c *Client) Approve(ctx context.Context, jobID, agentID string) (*core.Job, error) {
	var job core.Job
	body := map[string]string{"agent_id": agentID}
	if err := c.do(ctx, resty.MethodPost, "/api/jobs/"+jobID+"/approve", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// RegisterAgentRequest Agent 注册参数
type RegisterAgentRequest struct {
	ID           string       `json:"id,omitempty"`
	Name         string       `json:"name"`
	Version      string       `json:"version,omitempty"`
	Capabilities core.Payload `json:"capabilities,omitempty"`
}

// RegisterAgentResult 注册结果
type RegisterAgentResult struct {
	Agent                    *core.Agent `json:"agent"`
	HeartbeatIntervalSeconds int         `json:"heartbeat_interval_seconds"`
}

// RegisterAgent 注册（或重注册）Agent
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*RegisterAgentResult, error) {
	var out RegisterAgentResult
	if err := c.do(ctx, resty.MethodPost, "/api/agents/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat 刷新 Agent 心跳；status 为空时服务端按 online 处理
func (c *Client) Heartbeat(ctx context.Context, agentID, status string) error {
	var body any
	if status != "" {
		body = map[string]string{"status": status}
	}
	return c.do(ctx, resty.MethodPost, "/api/agents/"+agentID+"/heartbeat", body, nil)
}

// ListAgents 列出 Agent；status 为空时不过滤
func (c *Client) ListAgents(ctx context.Context, status string) ([]*core.Agent, error) {
	path := "/api/agents"
	if status != "" {
		path += "?status=" + status
	}
	var out struct {
		Agents []*core.Agent `json:"agents"`
	}
	if err := c.do(ctx, resty.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// CanApproveResult 投票额度查询结果
type CanApproveResult struct {
	Allowed      bool  `json:"allowed"`
	RetryAfterMs int64 `json:"retry_after_ms"`
}

// CanApprove 查询 Agent 当前是否可投票
func (c *Client) CanApprove(ctx context.Context, agentID string) (*CanApproveResult, error) {
	var out CanApproveResult
	if err := c.do(ctx, resty.MethodGet, "/api/agents/"+agentID+"/can-approve", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimTask 认领下一个待处理 Task；无可认领时返回 nil, nil
func (c *Client) ClaimTask(ctx context.Context, agentID string) (*core.Task, error) {
	var out struct {
		Task *core.Task `json:"task"`
	}
	body := map[string]string{"agent_id": agentID}
	if err := c.do(ctx, resty.MethodPost, "/api/tasks/claim", body, &out); err != nil {
		return nil, err
	}
	return out.Task, nil
}

// GetTask 查询单个 Task
func (c *Client) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	var task core.Task
	if err := c.do(ctx, resty.MethodGet, "/api/tasks/"+taskID, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// StartTask 将已认领 Task 置为执行中
func (c *Client) StartTask(ctx context.Context, taskID, agentID string) (*core.Task, error) {
	var task core.Task
	body := map[string]string{"agent_id": agentID}
	if err := c.do(ctx, resty.MethodPost, "/api/tasks/"+taskID+"/start", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ReportProgress 上报 Task 执行进度
func (c *Client) ReportProgress(ctx context.Context, taskID, agentID string, percent int, message string) error {
	body := map[string]any{
		"agent_id":         agentID,
		"progress_percent": percent,
		"message":          message,
	}
	return c.do(ctx, resty.MethodPost, "/api/tasks/"+taskID+"/progress", body, nil)
}

// CompleteTask 提交 Task 执行结果
func (c *Client) CompleteTask(ctx context.Context, taskID, agentID string, result core.Payload) (*core.Task, error) {
	var task core.Task
	body := map[string]any{"agent_id": agentID, "result": result}
	if err := c.do(ctx, resty.MethodPost, "/api/tasks/"+taskID+"/complete", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// FailTask 上报 Task 执行失败；shouldRetry 为 true 时请求重新入队
func (c *Client) FailTask(ctx context.Context, taskID, agentID, errMsg string, shouldRetry bool) (*core.Task, error) {
	var task core.Task
	body := map[string]any{"agent_id": agentID, "error": errMsg, "should_retry": shouldRetry}
	if err := c.do(ctx, resty.MethodPost, "/api/tasks/"+taskID+"/fail", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// TaskHistory Task 状态流转历史
func (c *Client) TaskHistory(ctx context.Context, taskID string) ([]*core.TaskHistoryEntry, error) {
	var out struct {
		History []*core.TaskHistoryEntry `json:"history"`
	}
	if err := c.do(ctx, resty.MethodGet, "/api/tasks/"+taskID+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}
