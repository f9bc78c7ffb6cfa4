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

package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"ajc-platform/internal/core"
	"ajc-platform/pkg/log"
)

// TaskAPI Runner 依赖的平台接口子集；pkg/client.Client 满足该接口
type TaskAPI interface {
	ClaimTask(ctx context.Context, agentID string) (*core.Task, error)
	StartTask(ctx context.Context, taskID, agentID string) (*core.Task, error)
	ReportProgress(ctx context.Context, taskID, agentID string, percent int, message string) error
	CompleteTask(ctx context.Context, taskID, agentID string, result core.Payload) (*core.Task, error)
	FailTask(ctx context.Context, taskID, agentID, errMsg string, shouldRetry bool) (*core.Task, error)
}

// ExecuteFunc 执行单个 Task，返回 result；plan task 的 result 需包含 task_specs
type ExecuteFunc func(ctx context.Context, task *core.Task) (core.Payload, error)

// PermanentError 不可重试的执行失败；Runner 上报 fail 时不请求重新入队
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent 将执行错误标记为永久失败
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// TaskRunner 认领并执行 Task；先占并发槽位再 Claim（Backpressure）
type TaskRunner struct {
	agentID      string
	api          TaskAPI
	execute      ExecuteFunc
	pollInterval time.Duration
	limiter      chan struct{}
	logger       *log.Logger
	stopCh       chan struct{}
	wg           sync.WaitGroup
	stopOnce     sync.Once
}

// NewTaskRunner 创建 Task 执行器；maxConcurrency <= 0 时默认 2
func NewTaskRunner(agentID string, api TaskAPI, execute ExecuteFunc, pollInterval time.Duration, maxConcurrency int, logger *log.Logger) *TaskRunner {
	if maxConcurrency <= 0 {
		maxConcurrency = 2
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if execute == nil {
		execute = DefaultExecute
	}
	return &TaskRunner{
		agentID:      agentID,
		api:          api,
		execute:      execute,
		pollInterval: pollInterval,
		limiter:      make(chan struct{}, maxConcurrency),
		logger:       logger.Named("runner"),
		stopCh:       make(chan struct{}),
	}
}

// Start 启动 Claim 循环
func (r *TaskRunner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case r.limiter <- struct{}{}:
				task, err := r.api.ClaimTask(ctx, r.agentID)
				if err != nil || task == nil {
					<-r.limiter
					if err != nil {
						r.logger.Warn("claim failed", "error", err)
					}
					select {
					case <-r.stopCh:
						return
					case <-ctx.Done():
						return
					case <-time.After(r.pollInterval):
					}
					continue
				}
				r.wg.Add(1)
				go func(t *core.Task) {
					defer r.wg.Done()
					defer func() { <-r.limiter }()
					r.runTask(ctx, t)
				}(task)
			}
		}
	}()
}

// Stop 停止 Claim 循环并等待当前执行中的 Task 结束
func (r *TaskRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *TaskRunner) runTask(ctx context.Context, t *core.Task) {
	r.logger.Info("开始执行 task", "task_id", t.ID, "job_id", t.JobID, "task_index", t.TaskIndex)

	if _, err := r.api.StartTask(ctx, t.ID, r.agentID); err != nil {
		r.logger.Warn("start failed", "task_id", t.ID, "error", err)
		return
	}

	result, err := r.execute(ctx, t)
	if err != nil {
		var perm *PermanentError
		retry := !errors.As(err, &perm)
		r.logger.Warn("task 执行失败", "task_id", t.ID, "retry", retry, "error", err)
		if _, ferr := r.api.FailTask(ctx, t.ID, r.agentID, err.Error(), retry); ferr != nil {
			r.logger.Warn("fail 上报失败", "task_id", t.ID, "error", ferr)
		}
		return
	}

	if _, err := r.api.CompleteTask(ctx, t.ID, r.agentID, result); err != nil {
		r.logger.Warn("complete 上报失败", "task_id", t.ID, "error", err)
		return
	}
	r.logger.Info("task 执行完成", "task_id", t.ID)
}

// DefaultExecute 内置执行器。plan task 将 job_spec.steps 展开为 task_specs，
// 无 steps 时产出单个透传任务；普通 task 回显自身规格
func DefaultExecute(ctx context.Context, t *core.Task) (core.Payload, error) {
	if t.IsPlan() {
		jobSpec, _ := t.TaskSpec["job_spec"].(map[string]any)
		var specs []map[string]any
		if steps, ok := jobSpec["steps"].([]any); ok {
			for _, step := range steps {
				m, ok := step.(map[string]any)
				if !ok {
					m = map[string]any{"step": step}
				}
				specs = append(specs, map[string]any{"specification": m})
			}
		}
		if len(specs) == 0 {
			specs = append(specs, map[string]any{
				"specification": map[string]any{"job_spec": jobSpec},
			})
		}
		out := make([]any, 0, len(specs))
		for _, s := range specs {
			out = append(out, s)
		}
		return core.Payload{core.PlanResultKey: out}, nil
	}

	return core.Payload{
		"status":    "done",
		"task_spec": map[string]any(t.TaskSpec),
	}, nil
}

// DefaultAgentName 返回默认 Agent 名称（env 或 hostname）
func DefaultAgentName() string {
	if name := os.Getenv("AGENT_NAME"); name != "" {
		return name
	}
	host, _ := os.Hostname()
	if host != "" {
		return host
	}
	return "worker-unknown"
}
