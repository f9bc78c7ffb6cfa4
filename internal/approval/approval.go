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

// Package approval 实现 Job 审批：法定票数、单 Agent 频率窗口与重复投票拒绝。
package approval

import (
	"context"
	"fmt"
	"time"

	"ajc-platform/internal/core"
	"ajc-platform/internal/lifecycle"
	"ajc-platform/internal/store"
	"ajc-platform/pkg/config"
	"ajc-platform/pkg/errors"
	"ajc-platform/pkg/log"
	"ajc-platform/pkg/metrics"
)

// Engine 审批引擎。投票落库与状态翻转在一个事务内；
// 达到法定票数后的 plan task 创建在事务外补做，失败由巡检兜底。
type Engine struct {
	store  store.Store
	cfg    *config.Config
	logger *log.Logger
	jobs   *lifecycle.JobEngine
}

// NewEngine 创建审批引擎
func NewEngine(st store.Store, cfg *config.Config, logger *log.Logger, jobs *lifecycle.JobEngine) *Engine {
	return &Engine{store: st, cfg: cfg, logger: logger.Named("approval"), jobs: jobs}
}

// Quota 单 Agent 的审批额度
type Quota struct {
	Allowed      bool  `json:"allowed"`
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

// quota 频率窗口内该 Agent 是否可投；不可投时给出精确剩余毫秒
func (e *Engine) quota(ctx context.Context, agentID string, now time.Time) (*Quota, error) {
	window := e.cfg.ApprovalWindow()
	latest, err := e.store.LatestApprovalSince(ctx, agentID, now.Add(-window))
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return &Quota{Allowed: true}, nil
	}
	remaining := latest.Add(window).Sub(now).Milliseconds()
	if remaining <= 0 {
		return &Quota{Allowed: true}, nil
	}
	return &Quota{Allowed: false, RetryAfterMs: remaining}, nil
}

// CanApprove 查询该 Agent 当前能否投票（只读，不消耗额度）
func (e *Engine) CanApprove(ctx context.Context, agentID string) (*Quota, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, errors.NotFound("agent", agentID)
	}
	return e.quota(ctx, agentID, time.Now())
}

// Approve 为 Job 记一票。校验顺序：job 存在 → agent 存在 → job 可审批 →
// 频率窗口 → 重复投票。达到法定票数时翻转 accepted 并创建 plan task。
func (e *Engine) Approve(ctx context.Context, jobID, agentID string) (*core.Job, error) {
	j, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, errors.NotFound("agent", agentID)
	}
	if j.Status != core.JobCommitted && j.Status != core.JobApproving {
		metrics.ApprovalTotal.WithLabelValues("rejected").Inc()
		return nil, errors.Conflict(fmt.Sprintf("job '%s' is in status '%s' and is not accepting approvals", jobID, j.Status))
	}

	now := time.Now()
	q, err := e.quota(ctx, agentID, now)
	if err != nil {
		return nil, err
	}
	if !q.Allowed {
		metrics.ApprovalTotal.WithLabelValues("rate_limited").Inc()
		return nil, errors.RateLimited(
			fmt.Sprintf("agent '%s' has already approved a job within the rate limit window", agentID),
			q.RetryAfterMs)
	}

	out, err := e.store.RecordApproval(ctx, jobID, agentID, now)
	if err != nil {
		if err == store.ErrDuplicateApproval {
			metrics.ApprovalTotal.WithLabelValues("duplicate").Inc()
			return nil, errors.Conflict(fmt.Sprintf("agent '%s' has already approved job '%s'", agentID, jobID))
		}
		if err == store.ErrWrongState {
			// 引擎外的预检通过后 Job 被并发投票推进了状态
			metrics.ApprovalTotal.WithLabelValues("rejected").Inc()
			return nil, errors.Conflict(fmt.Sprintf("job '%s' is no longer accepting approvals", jobID))
		}
		return nil, err
	}
	metrics.ApprovalTotal.WithLabelValues("approved").Inc()
	e.logger.Info("审批已记录", "job_id", jobID, "agent_id", agentID,
		"approval_count", out.NewCount, "required", out.Required)

	if out.Accepted {
		metrics.JobTransitionTotal.WithLabelValues(core.JobAccepted.String()).Inc()
		e.logger.Info("Job 达到法定票数", "job_id", jobID, "approval_count", out.NewCount)
		if _, err := e.jobs.CreatePlanTask(ctx, jobID); err != nil {
			// 事务外补做失败不回滚投票，留给状态兜底巡检
			e.logger.Warn("plan task 创建失败", "job_id", jobID, "error", err)
		}
	}
	return e.jobs.Get(ctx, jobID)
}
