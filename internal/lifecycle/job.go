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

// Package lifecycle 实现 Job 与 Task 的状态机引擎。
// 状态的原子性由 store 的复合操作保证，引擎负责校验、编排与归档派发；
// 校验走读后写，巡检与请求路径之间后写覆盖先写。
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ajc-platform/internal/archive"
	"ajc-platform/internal/core"
	"ajc-platform/internal/store"
	"ajc-platform/pkg/config"
	"ajc-platform/pkg/errors"
	"ajc-platform/pkg/log"
	"ajc-platform/pkg/metrics"
)

// JobEngine Job 状态机：提交、plan task 创建、fan-out、计数同步
type JobEngine struct {
	store   store.Store
	cfg     *config.Config
	logger  *log.Logger
	archive *archive.Dispatcher
}

// NewJobEngine 创建 Job 引擎
func NewJobEngine(st store.Store, cfg *config.Config, logger *log.Logger, ar *archive.Dispatcher) *JobEngine {
	return &JobEngine{store: st, cfg: cfg, logger: logger.Named("job"), archive: ar}
}

// SubmitRequest Job 提交参数
type SubmitRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	JobSpec     core.Payload `json:"job_spec"`
	CreatedBy   string       `json:"created_by"`
}

// Submit 创建 committed 状态的 Job 并异步初始化归档
func (e *JobEngine) Submit(ctx context.Context, req SubmitRequest) (*core.Job, error) {
	if req.Name == "" {
		return nil, errors.Validation("job name is required", nil)
	}
	if len(req.JobSpec) == 0 {
		return nil, errors.Validation("job_spec is required", nil)
	}
	j := &core.Job{
		ID:                "job-" + uuid.New().String(),
		Name:              req.Name,
		Description:       req.Description,
		Status:            core.JobCommitted,
		RequiredApprovals: e.cfg.Approval.RequiredApprovals,
		JobSpec:           req.JobSpec,
		CreatedAt:         time.Now(),
		CreatedBy:         req.CreatedBy,
	}
	if err := e.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	metrics.JobTransitionTotal.WithLabelValues(core.JobCommitted.String()).Inc()
	e.logger.Info("Job 已提交", "job_id", j.ID, "name", j.Name)
	if e.archive != nil {
		e.archive.InitJobRepo(j)
	}
	return j, nil
}

// Get 查询 Job；未命中返回 NotFound
func (e *JobEngine) Get(ctx context.Context, id string) (*core.Job, error) {
	j, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, errors.NotFound("job", id)
	}
	return j, nil
}

// List 按可选状态过滤列出 Job
func (e *JobEngine) List(ctx context.Context, statusFilter string) ([]*core.Job, error) {
	var status *core.JobStatus
	if statusFilter != "" {
		s, err := core.ParseJobStatus(statusFilter)
		if err != nil {
			return nil, errors.Validation(fmt.Sprintf("invalid job status %q", statusFilter), nil)
		}
		status = &s
	}
	return e.store.ListJobs(ctx, status)
}

// Tasks Job 下全部任务（含 plan task），按 task_index 排序
func (e *JobEngine) Tasks(ctx context.Context, jobID string) ([]*core.Task, error) {
	if _, err := e.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.ListTasksByJob(ctx, jobID)
}

// Events Job 审计事件，按写入顺序
func (e *JobEngine) Events(ctx context.Context, jobID string) ([]*core.JobEvent, error) {
	if _, err := e.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.ListJobEvents(ctx, jobID)
}

// Approvals Job 的投票记录
func (e *JobEngine) Approvals(ctx context.Context, jobID string) ([]*core.JobApproval, error) {
	if _, err := e.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.ListApprovals(ctx, jobID)
}

// Stats 全部 Job 的状态分布
func (e *JobEngine) Stats(ctx context.Context) (*core.StatusCounts, error) {
	return e.store.CountJobsByStatus(ctx)
}

// CreatePlanTask accepted → planning，创建 index 0 的 plan task。
// Job 不处于 accepted（并发触发只赢一次）时静默返回 nil, nil。
func (e *JobEngine) CreatePlanTask(ctx context.Context, jobID string) (*core.Task, error) {
	j, err := e.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != core.JobAccepted {
		return nil, nil
	}
	task := &core.Task{
		ID:        fmt.Sprintf("%s_task_0", jobID),
		JobID:     jobID,
		TaskIndex: 0,
		Status:    core.TaskPending,
		TaskSpec: core.Payload{
			"type":     core.SpecTypePlan,
			"job_spec": map[string]any(j.JobSpec),
		},
		TimeoutSeconds: e.cfg.Task.DefaultTimeoutSeconds,
		MaxRetries:     e.cfg.Task.DefaultMaxRetries,
		CreatedAt:      time.Now(),
	}
	if err := e.store.CreatePlanTask(ctx, task); err != nil {
		if err == store.ErrWrongState {
			return nil, nil
		}
		return nil, err
	}
	metrics.JobTransitionTotal.WithLabelValues(core.JobPlanning.String()).Inc()
	e.logger.Info("plan task 已创建", "job_id", jobID, "task_id", task.ID)
	return task, nil
}

// HandlePlanCompletion plan task 完成后解析产物并 fan-out；
// 产物缺失或为空时 Job 直接置 failed
func (e *JobEngine) HandlePlanCompletion(ctx context.Context, planTask *core.Task) error {
	jobID := planTask.JobID
	specs := core.ParsePlanResult(planTask.Result)
	if specs == nil {
		e.logger.Warn("plan 未产出任务清单，Job 置为失败", "job_id", jobID)
		if err := e.store.FailJob(ctx, jobID, "plan produced no task specifications", time.Now()); err != nil {
			return err
		}
		metrics.JobTransitionTotal.WithLabelValues(core.JobFailed.String()).Inc()
		e.archiveJobStatus(ctx, jobID)
		return nil
	}

	now := time.Now()
	tasks := make([]*core.Task, 0, len(specs))
	for i, spec := range specs {
		index := i + 1
		timeout := spec.TimeoutSeconds
		if timeout <= 0 {
			timeout = e.cfg.Task.DefaultTimeoutSeconds
		}
		maxRetries := spec.MaxRetries
		if maxRetries <= 0 {
			maxRetries = e.cfg.Task.DefaultMaxRetries
		}
		tasks = append(tasks, &core.Task{
			ID:             fmt.Sprintf("%s_task_%d", jobID, index),
			JobID:          jobID,
			TaskIndex:      index,
			Status:         core.TaskPending,
			TaskSpec:       spec.Specification,
			TimeoutSeconds: timeout,
			MaxRetries:     maxRetries,
			CreatedAt:      now,
		})
	}
	if err := e.store.FanOutTasks(ctx, jobID, tasks); err != nil {
		return err
	}
	metrics.JobTransitionTotal.WithLabelValues(core.JobReady.String()).Inc()
	e.logger.Info("plan 完成，任务已展开", "job_id", jobID, "task_count", len(tasks))
	if e.archive != nil {
		e.archive.CommitTaskSpecs(jobID, tasks)
	}
	e.archiveJobStatus(ctx, jobID)
	return nil
}

// SyncCounters 由 task 表重算计数并按需落终态；终态时归档状态快照
func (e *JobEngine) SyncCounters(ctx context.Context, jobID string) (*store.CounterSnapshot, error) {
	snap, err := e.store.RecomputeJobCounters(ctx, jobID, time.Now())
	if err != nil {
		return nil, err
	}
	if snap.Status.Terminal() {
		metrics.JobTransitionTotal.WithLabelValues(snap.Status.String()).Inc()
		e.logger.Info("Job 达到终态", "job_id", jobID, "status", snap.Status.String(),
			"completed", snap.Completed, "failed", snap.Failed)
		e.archiveJobStatus(ctx, jobID)
	}
	return snap, nil
}

// FailJob 将 Job 显式置为 failed（plan task 重试耗尽等路径）
func (e *JobEngine) FailJob(ctx context.Context, jobID, reason string) error {
	if err := e.store.FailJob(ctx, jobID, reason, time.Now()); err != nil {
		return err
	}
	metrics.JobTransitionTotal.WithLabelValues(core.JobFailed.String()).Inc()
	e.archiveJobStatus(ctx, jobID)
	return nil
}

func (e *JobEngine) archiveJobStatus(ctx context.Context, jobID string) {
	if e.archive == nil {
		return
	}
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil || j == nil {
		return
	}
	e.archive.CommitJobStatus(j)
}
