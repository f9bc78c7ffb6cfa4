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

package store

import (
	"context"
	"errors"
	"time"

	"ajc-platform/internal/core"
)

var (
	// ErrDuplicateApproval (job_id, agent_id) 唯一约束命中：同一 Agent 重复投票
	ErrDuplicateApproval = errors.New("store: approval already recorded for this agent and job")
	// ErrWrongState 条件更新未命中任何行（实体不在期望状态）
	ErrWrongState = errors.New("store: entity not in expected state")
)

// ApprovalOutcome RecordApproval 的结果
type ApprovalOutcome struct {
	Approval *core.JobApproval
	NewCount int
	Required int
	// Accepted 本次投票使 Job 达到法定票数、进入 accepted
	Accepted bool
}

// CounterSnapshot RecomputeJobCounters 后的一致视图（仅统计 task_index > 0）
type CounterSnapshot struct {
	Completed int
	Failed    int
	Total     int
	Active    int // pending/assigned/in_progress
	Status    core.JobStatus
}

// Store 权威持久状态。列出的复合操作各自在一个事务内执行，
// 外部观察不到中间态；Claim 的"选最小 index pending + 置 assigned"对并发 Claim 不可分。
// Get* 未命中返回 nil, nil，由引擎层映射为 NotFound。
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, a *core.Agent) error
	GetAgent(ctx context.Context, id string) (*core.Agent, error)
	ListAgents(ctx context.Context, status *core.AgentStatus) ([]*core.Agent, error)
	// TouchHeartbeat 更新 last_heartbeat 与 status；Agent 不存在返回 false
	TouchHeartbeat(ctx context.Context, id string, status core.AgentStatus, now time.Time) (bool, error)
	// ListStaleAgents online 且 last_heartbeat 早于 cutoff 的 Agent
	ListStaleAgents(ctx context.Context, cutoff time.Time) ([]*core.Agent, error)
	SetAgentStatus(ctx context.Context, id string, status core.AgentStatus) error

	// Jobs
	// CreateJob 创建 committed 状态的 Job 并记录 submitted 事件
	CreateJob(ctx context.Context, j *core.Job) error
	GetJob(ctx context.Context, id string) (*core.Job, error)
	ListJobs(ctx context.Context, status *core.JobStatus) ([]*core.Job, error)
	ListJobIDsByStatus(ctx context.Context, status core.JobStatus) ([]string, error)
	CountJobsByStatus(ctx context.Context) (*core.StatusCounts, error)

	// Approvals
	// RecordApproval 插入投票、递增 approval_count 并按票数翻转状态
	// （committed→approving on 1st, →accepted on required 票），同事务记录事件。
	// 重复投票返回 ErrDuplicateApproval。
	RecordApproval(ctx context.Context, jobID, agentID string, now time.Time) (*ApprovalOutcome, error)
	// LatestApprovalSince 该 Agent 在 since 之后最近一次投票时间；无则 nil
	LatestApprovalSince(ctx context.Context, agentID string, since time.Time) (*time.Time, error)
	ListApprovals(ctx context.Context, jobID string) ([]*core.JobApproval, error)

	// Plan / fan-out
	// CreatePlanTask 仅当 Job 处于 accepted 时：插入 index 0 任务并置 planning、
	// total_tasks=1；否则 ErrWrongState
	CreatePlanTask(ctx context.Context, task *core.Task) error
	// FanOutTasks 插入 index 1..N 任务，Job 置 ready、total_tasks=N
	FanOutTasks(ctx context.Context, jobID string, tasks []*core.Task) error
	// FailJob Job 置 failed 并记录 failed 事件（plan 无产物路径）
	FailJob(ctx context.Context, jobID string, reason string, now time.Time) error

	// Tasks
	// ClaimNextPendingTask 原子取最小 task_index 的 pending（仅限
	// planning/ready/executing 的 Job），置 assigned 并记录 history；无可领取返回 nil, nil
	ClaimNextPendingTask(ctx context.Context, agentID string, now time.Time) (*core.Task, error)
	GetTask(ctx context.Context, id string) (*core.Task, error)
	ListTasksByJob(ctx context.Context, jobID string) ([]*core.Task, error)
	// ListHeldTasks 全部 assigned/in_progress 任务（超时巡检输入）
	ListHeldTasks(ctx context.Context) ([]*core.Task, error)
	ListHeldTasksByAgent(ctx context.Context, agentID string) ([]*core.Task, error)
	// MarkTaskStarted 置 in_progress、记 started_at 与 history；
	// 同事务内若所属 Job 仍为 ready 则翻转为 executing（started_at 只写一次）
	MarkTaskStarted(ctx context.Context, taskID, agentID string, now time.Time) error
	// UpdateTaskProgress 更新 progress_percent 并追加 progress 与 history 行
	UpdateTaskProgress(ctx context.Context, taskID, agentID string, percent int, message string, now time.Time) error
	// MarkTaskCompleted 置 completed、progress=100、写 result 与 completed_at
	MarkTaskCompleted(ctx context.Context, taskID, agentID string, result core.Payload, now time.Time) error
	// MarkTaskFailed 终态（failed 或 expired）；event/details 进 history
	MarkTaskFailed(ctx context.Context, taskID string, status core.TaskStatus, agentID, errMsg, event string, details core.Payload, now time.Time) error
	// RequeueTask 重置为 pending：清 claimant/assigned/started、progress=0、
	// retry_count+1；返回新 retry_count
	RequeueTask(ctx context.Context, taskID, agentID, errMsg, event string, now time.Time) (int, error)
	// RecomputeJobCounters 由 task 表重算 completed/failed 计数并落盘；
	// ready 且有活跃 real task → executing；active==0 且 total>0 → completed/failed 终态
	RecomputeJobCounters(ctx context.Context, jobID string, now time.Time) (*CounterSnapshot, error)
	// PromoteReadyJob ready→executing（存在活跃 real task 时）；翻转返回 true
	PromoteReadyJob(ctx context.Context, jobID string, now time.Time) (bool, error)
	// PromotePlanningJob planning→ready 兜底：plan task 已 completed 且 real task 已存在
	PromotePlanningJob(ctx context.Context, jobID string) (bool, error)
	CountTasksByStatus(ctx context.Context) (*core.StatusCounts, error)

	// Audit
	AppendJobEvent(ctx context.Context, ev *core.JobEvent) error
	ListJobEvents(ctx context.Context, jobID string) ([]*core.JobEvent, error)
	ListTaskHistory(ctx context.Context, taskID string) ([]*core.TaskHistoryEntry, error)
	ListTaskProgress(ctx context.Context, taskID string) ([]*core.TaskProgressEntry, error)

	Close()
}
