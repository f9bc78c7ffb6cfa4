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

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"ajc-platform/internal/archive"
	"ajc-platform/internal/core"
	"ajc-platform/internal/store"
	"ajc-platform/pkg/config"
	"ajc-platform/pkg/errors"
	"ajc-platform/pkg/log"
	"ajc-platform/pkg/metrics"
)

// TaskEngine Task 状态机：Claim、执行上报、超时回收。
// plan task（index 0）完成时触发 JobEngine 的 fan-out。
type TaskEngine struct {
	store   store.Store
	cfg     *config.Config
	logger  *log.Logger
	archive *archive.Dispatcher
	jobs    *JobEngine
}

// NewTaskEngine 创建 Task 引擎
func NewTaskEngine(st store.Store, cfg *config.Config, logger *log.Logger, ar *archive.Dispatcher, jobs *JobEngine) *TaskEngine {
	return &TaskEngine{store: st, cfg: cfg, logger: logger.Named("task"), archive: ar, jobs: jobs}
}

// Claim 原子领取最小 task_index 的 pending 任务；无可领取返回 nil, nil
func (e *TaskEngine) Claim(ctx context.Context, agentID string) (*core.Task, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, errors.NotFound("agent", agentID)
	}
	t, err := e.store.ClaimNextPendingTask(ctx, agentID, time.Now())
	if err != nil {
		return nil, err
	}
	if t == nil {
		metrics.TaskClaimTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	metrics.TaskClaimTotal.WithLabelValues("claimed").Inc()
	e.logger.Info("任务已领取", "task_id", t.ID, "agent_id", agentID, "task_index", t.TaskIndex)
	return t, nil
}

// Get 查询 Task；未命中返回 NotFound
func (e *TaskEngine) Get(ctx context.Context, id string) (*core.Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.NotFound("task", id)
	}
	return t, nil
}

// History Task 审计事件
func (e *TaskEngine) History(ctx context.Context, taskID string) ([]*core.TaskHistoryEntry, error) {
	if _, err := e.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return e.store.ListTaskHistory(ctx, taskID)
}

// Progress Task 进度上报记录
func (e *TaskEngine) Progress(ctx context.Context, taskID string) ([]*core.TaskProgressEntry, error) {
	if _, err := e.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return e.store.ListTaskProgress(ctx, taskID)
}

// Stats 全部 Task 的状态分布
func (e *TaskEngine) Stats(ctx context.Context) (*core.StatusCounts, error) {
	return e.store.CountTasksByStatus(ctx)
}

// checkOwnership task 存在、归属 agent、仍被持有；供提交类操作复用
func (e *TaskEngine) checkOwnership(ctx context.Context, taskID, agentID string) (*core.Task, error) {
	t, err := e.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.Held() {
		return nil, errors.Conflict(fmt.Sprintf("task '%s' is in status '%s' and does not accept submissions", taskID, t.Status))
	}
	if t.ClaimedBy != agentID {
		return nil, errors.Forbidden(fmt.Sprintf("task '%s' is claimed by another agent", taskID))
	}
	return t, nil
}

// checkExpiry 已超时的任务先走回收路径，再返回 Expired
func (e *TaskEngine) checkExpiry(ctx context.Context, t *core.Task, now time.Time) error {
	if !t.ExpiredAt(now) {
		return nil
	}
	if err := e.ExpireTask(ctx, t); err != nil {
		e.logger.Warn("超时任务回收失败", "task_id", t.ID, "error", err)
	}
	return errors.Expired(t.ID)
}

// Start assigned → in_progress
func (e *TaskEngine) Start(ctx context.Context, taskID, agentID string) (*core.Task, error) {
	t, err := e.checkOwnership(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	if t.Status != core.TaskAssigned {
		return nil, errors.Conflict(fmt.Sprintf("task '%s' is in status '%s', expected 'assigned'", taskID, t.Status))
	}
	now := time.Now()
	if err := e.checkExpiry(ctx, t, now); err != nil {
		return nil, err
	}
	if err := e.store.MarkTaskStarted(ctx, taskID, agentID, now); err != nil {
		return nil, err
	}
	return e.Get(ctx, taskID)
}

// ReportProgress 执行中任务的进度上报（0..100）
func (e *TaskEngine) ReportProgress(ctx context.Context, taskID, agentID string, percent int, message string) error {
	if percent < 0 || percent > 100 {
		return errors.Validation("progress_percent must be between 0 and 100", map[string]any{"progress_percent": percent})
	}
	t, err := e.checkOwnership(ctx, taskID, agentID)
	if err != nil {
		return err
	}
	if t.Status != core.TaskInProgress {
		return errors.Conflict(fmt.Sprintf("task '%s' is in status '%s', expected 'in_progress'", taskID, t.Status))
	}
	now := time.Now()
	if err := e.checkExpiry(ctx, t, now); err != nil {
		return err
	}
	return e.store.UpdateTaskProgress(ctx, taskID, agentID, percent, message, now)
}

// Complete 提交任务产物并置 completed；plan task 完成触发 fan-out，
// 真实任务完成触发计数同步与产物归档
func (e *TaskEngine) Complete(ctx context.Context, taskID, agentID string, result core.Payload) (*core.Task, error) {
	t, err := e.checkOwnership(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := e.checkExpiry(ctx, t, now); err != nil {
		return nil, err
	}
	if err := e.store.MarkTaskCompleted(ctx, taskID, agentID, result, now); err != nil {
		return nil, err
	}
	metrics.TaskOutcomeTotal.WithLabelValues("completed").Inc()
	e.logger.Info("任务完成", "task_id", taskID, "agent_id", agentID)

	done, err := e.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if done.IsPlan() {
		if err := e.jobs.HandlePlanCompletion(ctx, done); err != nil {
			return nil, err
		}
		return done, nil
	}
	if e.archive != nil {
		e.archive.CommitTaskResult(done)
	}
	if _, err := e.jobs.SyncCounters(ctx, done.JobID); err != nil {
		return nil, err
	}
	return done, nil
}

// Fail 上报任务失败。仅当 Agent 请求重试（shouldRetry）且预算未耗尽时回 pending，
// 否则落 failed 终态；永久性错误不消耗重试预算兜圈
func (e *TaskEngine) Fail(ctx context.Context, taskID, agentID, errMsg string, shouldRetry bool) (*core.Task, error) {
	t, err := e.checkOwnership(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := e.checkExpiry(ctx, t, now); err != nil {
		return nil, err
	}
	if shouldRetry && t.RetryCount < t.MaxRetries {
		n, err := e.store.RequeueTask(ctx, taskID, agentID, errMsg, core.EventTaskRetried, now)
		if err != nil {
			return nil, err
		}
		metrics.TaskOutcomeTotal.WithLabelValues("retried").Inc()
		e.logger.Info("任务失败，重新入队", "task_id", taskID, "retry_count", n, "error", errMsg)
		return e.Get(ctx, taskID)
	}
	if err := e.store.MarkTaskFailed(ctx, taskID, core.TaskFailed, agentID, errMsg, core.EventTaskFailed,
		core.Payload{"error": errMsg}, now); err != nil {
		return nil, err
	}
	metrics.TaskOutcomeTotal.WithLabelValues("failed").Inc()
	e.logger.Warn("任务失败，重试已耗尽", "task_id", taskID, "error", errMsg)
	return e.afterTerminalFailure(ctx, t, "task failed: "+errMsg)
}

// ExpireTask 回收超时任务：预算内回 pending，否则落 expired 终态；
// 请求路径与巡检共用
func (e *TaskEngine) ExpireTask(ctx context.Context, t *core.Task) error {
	now := time.Now()
	if t.RetryCount < t.MaxRetries {
		n, err := e.store.RequeueTask(ctx, t.ID, t.ClaimedBy, "task timed out", core.EventTaskExpiredRetry, now)
		if err != nil {
			return err
		}
		metrics.TaskOutcomeTotal.WithLabelValues("retried").Inc()
		e.logger.Info("超时任务重新入队", "task_id", t.ID, "retry_count", n)
		return nil
	}
	if err := e.store.MarkTaskFailed(ctx, t.ID, core.TaskExpired, t.ClaimedBy, "task timed out", core.EventTaskExpired,
		core.Payload{"timeout_seconds": t.TimeoutSeconds}, now); err != nil {
		return err
	}
	metrics.TaskOutcomeTotal.WithLabelValues("expired").Inc()
	e.logger.Warn("超时任务落终态", "task_id", t.ID)
	_, err := e.afterTerminalFailure(ctx, t, "plan task timed out")
	return err
}

// ReleaseAgentTasks 回收失联 Agent 持有的全部任务（巡检 stale-agent 路径）
func (e *TaskEngine) ReleaseAgentTasks(ctx context.Context, agentID string) (int, error) {
	held, err := e.store.ListHeldTasksByAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	released := 0
	now := time.Now()
	for _, t := range held {
		if t.RetryCount < t.MaxRetries {
			if _, err := e.store.RequeueTask(ctx, t.ID, agentID, "agent went offline", core.EventTaskAgentOffline, now); err != nil {
				e.logger.Warn("失联回收失败", "task_id", t.ID, "error", err)
				continue
			}
			metrics.TaskOutcomeTotal.WithLabelValues("retried").Inc()
		} else {
			if err := e.store.MarkTaskFailed(ctx, t.ID, core.TaskFailed, agentID, "agent went offline", core.EventTaskAgentOffline,
				core.Payload{"agent_id": agentID}, now); err != nil {
				e.logger.Warn("失联回收失败", "task_id", t.ID, "error", err)
				continue
			}
			metrics.TaskOutcomeTotal.WithLabelValues("failed").Inc()
			if _, err := e.afterTerminalFailure(ctx, t, "agent went offline"); err != nil {
				e.logger.Warn("失联任务计数同步失败", "task_id", t.ID, "error", err)
			}
		}
		released++
	}
	return released, nil
}

// afterTerminalFailure 任务落终态失败后的 Job 侧处理：
// plan task 直接拖垮 Job，真实任务走计数同步
func (e *TaskEngine) afterTerminalFailure(ctx context.Context, t *core.Task, reason string) (*core.Task, error) {
	if e.archive != nil {
		if done, err := e.store.GetTask(ctx, t.ID); err == nil && done != nil {
			e.archive.CommitTaskResult(done)
		}
	}
	if t.IsPlan() {
		if err := e.jobs.FailJob(ctx, t.JobID, reason); err != nil {
			return nil, err
		}
		return e.Get(ctx, t.ID)
	}
	if _, err := e.jobs.SyncCounters(ctx, t.JobID); err != nil {
		return nil, err
	}
	return e.Get(ctx, t.ID)
}
