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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajc-platform/internal/core"
	"ajc-platform/internal/store"
	"ajc-platform/pkg/config"
	"ajc-platform/pkg/errors"
	"ajc-platform/pkg/log"
)

type testEnv struct {
	store *store.Memory
	cfg   *config.Config
	jobs  *JobEngine
	tasks *TaskEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	cfg := config.Default()
	cfg.Approval.RequiredApprovals = 1
	logger := log.NewNop()
	jobs := NewJobEngine(st, cfg, logger, nil)
	tasks := NewTaskEngine(st, cfg, logger, nil, jobs)
	return &testEnv{store: st, cfg: cfg, jobs: jobs, tasks: tasks}
}

func (env *testEnv) registerAgent(t *testing.T, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, env.store.CreateAgent(context.Background(), &core.Agent{
		ID: id, Name: id, Status: core.AgentOnline, RegisteredAt: now, LastHeartbeat: &now,
	}))
}

// submitAccepted 提交并投满法定票数，返回 accepted 状态的 Job
func (env *testEnv) submitAccepted(t *testing.T, spec core.Payload) *core.Job {
	t.Helper()
	ctx := context.Background()
	j, err := env.jobs.Submit(ctx, SubmitRequest{Name: "batch", JobSpec: spec})
	require.NoError(t, err)
	env.registerAgent(t, "approver-1")
	_, err = env.store.RecordApproval(ctx, j.ID, "approver-1", time.Now())
	require.NoError(t, err)
	got, err := env.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobAccepted, got.Status)
	return got
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.jobs.Submit(ctx, SubmitRequest{JobSpec: core.Payload{"a": 1}})
	assert.True(t, errors.IsValidation(err))

	_, err = env.jobs.Submit(ctx, SubmitRequest{Name: "x"})
	assert.True(t, errors.IsValidation(err))
}

func TestPlanFanOutToCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAgent(t, "worker-1")

	j := env.submitAccepted(t, core.Payload{"goal": "process files"})

	plan, err := env.jobs.CreatePlanTask(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, j.ID+"_task_0", plan.ID)
	assert.Equal(t, 0, plan.TaskIndex)

	got, _ := env.jobs.Get(ctx, j.ID)
	assert.Equal(t, core.JobPlanning, got.Status)
	assert.Equal(t, 1, got.TotalTasks)

	// plan task 是唯一可领取的任务
	claimed, err := env.tasks.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, plan.ID, claimed.ID)
	assert.True(t, claimed.IsPlan())

	_, err = env.tasks.Start(ctx, claimed.ID, "worker-1")
	require.NoError(t, err)

	// plan 完成触发 fan-out
	_, err = env.tasks.Complete(ctx, claimed.ID, "worker-1", core.Payload{
		"task_specs": []any{
			map[string]any{"specification": map[string]any{"file": "a.txt"}},
			map[string]any{"specification": map[string]any{"file": "b.txt"}, "timeout_seconds": float64(600)},
		},
	})
	require.NoError(t, err)

	got, _ = env.jobs.Get(ctx, j.ID)
	assert.Equal(t, core.JobReady, got.Status)
	assert.Equal(t, 2, got.TotalTasks)

	list, err := env.jobs.Tasks(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, list, 3) // plan + 2 real
	assert.Equal(t, 600, list[2].TimeoutSeconds)
	assert.Equal(t, env.cfg.Task.DefaultTimeoutSeconds, list[1].TimeoutSeconds)

	// 逐个执行真实任务
	for i := 0; i < 2; i++ {
		claimed, err := env.tasks.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, i+1, claimed.TaskIndex)
		_, err = env.tasks.Start(ctx, claimed.ID, "worker-1")
		require.NoError(t, err)
		_, err = env.tasks.Complete(ctx, claimed.ID, "worker-1", core.Payload{"done": true})
		require.NoError(t, err)
	}

	got, _ = env.jobs.Get(ctx, j.ID)
	assert.Equal(t, core.JobCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedTasks)
	assert.Equal(t, 0, got.FailedTasks)
	assert.NotNil(t, got.CompletedAt)

	// 再无可领取任务
	claimed, err = env.tasks.Claim(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestPlanWithoutOutputFailsJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAgent(t, "worker-1")

	j := env.submitAccepted(t, core.Payload{"goal": "noop"})
	_, err := env.jobs.CreatePlanTask(ctx, j.ID)
	require.NoError(t, err)

	claimed, err := env.tasks.Claim(ctx, "worker-1")
	require.NoError(t, err)
	_, err = env.tasks.Start(ctx, claimed.ID, "worker-1")
	require.NoError(t, err)
	_, err = env.tasks.Complete(ctx, claimed.ID, "worker-1", core.Payload{"note": "no tasks here"})
	require.NoError(t, err)

	got, _ := env.jobs.Get(ctx, j.ID)
	assert.Equal(t, core.JobFailed, got.Status)
}

func TestCreatePlanTaskIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	j := env.submitAccepted(t, core.Payload{"goal": "x"})

	plan, err := env.jobs.CreatePlanTask(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, plan)

	// 第二次触发：Job 已不在 accepted，静默 no-op
	plan, err = env.jobs.CreatePlanTask(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, plan)

	list, _ := env.jobs.Tasks(ctx, j.ID)
	assert.Len(t, list, 1)
}

func TestClaimExclusivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	j := env.submitAccepted(t, core.Payload{"goal": "solo"})
	_, err := env.jobs.CreatePlanTask(ctx, j.ID)
	require.NoError(t, err)

	const workers = 16
	for i := 0; i < workers; i++ {
		env.registerAgent(t, agentName(i))
	}
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			claimed, err := env.tasks.Claim(ctx, id)
			if err == nil && claimed != nil {
				winners <- id
			}
		}(agentName(i))
	}
	wg.Wait()
	close(winners)

	var got []string
	for id := range winners {
		got = append(got, id)
	}
	require.Len(t, got, 1)

	task, _ := env.tasks.Get(ctx, j.ID+"_task_0")
	assert.Equal(t, core.TaskAssigned, task.Status)
	assert.Equal(t, got[0], task.ClaimedBy)
}

func agentName(i int) string {
	return "worker-" + string(rune('a'+i))
}

func TestSubmissionChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAgent(t, "worker-1")
	env.registerAgent(t, "worker-2")

	j := env.submitAccepted(t, core.Payload{"goal": "x"})
	_, err := env.jobs.CreatePlanTask(ctx, j.ID)
	require.NoError(t, err)
	claimed, err := env.tasks.Claim(ctx, "worker-1")
	require.NoError(t, err)

	// 非持有者提交 → Forbidden
	_, err = env.tasks.Complete(ctx, claimed.ID, "worker-2", nil)
	assert.True(t, errors.IsForbidden(err))

	_, err = env.tasks.Start(ctx, claimed.ID, "worker-2")
	assert.True(t, errors.IsForbidden(err))

	// Start 后再次 Start → Conflict
	_, err = env.tasks.Start(ctx, claimed.ID, "worker-1")
	require.NoError(t, err)
	_, err = env.tasks.Start(ctx, claimed.ID, "worker-1")
	assert.True(t, errors.IsConflict(err))

	// 进度越界 → Validation
	err = env.tasks.ReportProgress(ctx, claimed.ID, "worker-1", 150, "")
	assert.True(t, errors.IsValidation(err))

	require.NoError(t, env.tasks.ReportProgress(ctx, claimed.ID, "worker-1", 40, "halfway"))
	task, _ := env.tasks.Get(ctx, claimed.ID)
	assert.Equal(t, 40, task.ProgressPercent)

	progress, err := env.tasks.Progress(ctx, claimed.ID)
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.Equal(t, 40, progress[0].ProgressPercent)

	// 未知任务 → NotFound
	_, err = env.tasks.Get(ctx, "no-such-task")
	assert.True(t, errors.IsNotFound(err))
	// 未注册 Agent Claim → NotFound
	_, err = env.tasks.Claim(ctx, "ghost")
	assert.True(t, errors.IsNotFound(err))
}

func TestFailRetriesThenTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAgent(t, "worker-1")

	j := env.submitAccepted(t, core.Payload{"goal": "retry"})
	_, err := env.jobs.CreatePlanTask(ctx, j.ID)
	require.NoError(t, err)
	plan, _ := env.tasks.Claim(ctx, "worker-1")
	_, err = env.tasks.Complete(ctx, plan.ID, "worker-1", core.Payload{
		"task_specs": []any{
			map[string]any{"specification": map[string]any{"op": "flaky"}, "max_retries": float64(1)},
		},
	})
	require.NoError(t, err)

	// 第一次失败请求重试：预算内，回 pending
	claimed, _ := env.tasks.Claim(ctx, "worker-1")
	require.NotNil(t, claimed)
	got, err := env.tasks.Fail(ctx, claimed.ID, "worker-1", "transient error", true)
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ClaimedBy)

	// 第二次失败：预算耗尽，终态 failed，Job 随之失败
	claimed, _ = env.tasks.Claim(ctx, "worker-1")
	require.NotNil(t, claimed)
	got, err = env.tasks.Fail(ctx, claimed.ID, "worker-1", "still broken", true)
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, got.Status)

	job, _ := env.jobs.Get(ctx, j.ID)
	assert.Equal(t, core.JobFailed, job.Status)
	assert.Equal(t, 1, job.FailedTasks)
}

func TestFailWithoutRetryIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAgent(t, "worker-1")

	j := env.submitAccepted(t, core.Payload{"goal": "permanent"})
	_, err := env.jobs.CreatePlanTask(ctx, j.ID)
	require.NoError(t, err)
	plan, _ := env.tasks.Claim(ctx, "worker-1")
	_, err = env.tasks.Complete(ctx, plan.ID, "worker-1", core.Payload{
		"task_specs": []any{
			map[string]any{"specification": map[string]any{"op": "bad-input"}, "max_retries": float64(3)},
		},
	})
	require.NoError(t, err)

	// 预算未耗尽，但 Agent 未请求重试：直接落终态，不回 pending 兜圈
	claimed, _ := env.tasks.Claim(ctx, "worker-1")
	require.NotNil(t, claimed)
	got, err := env.tasks.Fail(ctx, claimed.ID, "worker-1", "malformed input", false)
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	job, _ := env.jobs.Get(ctx, j.ID)
	assert.Equal(t, core.JobFailed, job.Status)
	assert.Equal(t, 1, job.FailedTasks)
}

func TestExpireTaskRequeueAndTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAgent(t, "worker-1")

	j := env.submitAccepted(t, core.Payload{"goal": "slow"})
	_, err := env.jobs.CreatePlanTask(ctx, j.ID)
	require.NoError(t, err)
	plan, _ := env.tasks.Claim(ctx, "worker-1")
	_, err = env.tasks.Complete(ctx, plan.ID, "worker-1", core.Payload{
		"task_specs": []any{
			map[string]any{"specification": map[string]any{"op": "slow"}, "max_retries": float64(1)},
		},
	})
	require.NoError(t, err)

	claimed, _ := env.tasks.Claim(ctx, "worker-1")
	require.NotNil(t, claimed)
	require.NoError(t, env.tasks.ExpireTask(ctx, claimed))

	got, _ := env.tasks.Get(ctx, claimed.ID)
	assert.Equal(t, core.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// 重试预算耗尽后过期落终态
	claimed, _ = env.tasks.Claim(ctx, "worker-1")
	require.NotNil(t, claimed)
	require.NoError(t, env.tasks.ExpireTask(ctx, claimed))

	got, _ = env.tasks.Get(ctx, claimed.ID)
	assert.Equal(t, core.TaskExpired, got.Status)

	job, _ := env.jobs.Get(ctx, j.ID)
	assert.Equal(t, core.JobFailed, job.Status)
}

func TestExpiredSubmissionRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAgent(t, "worker-1")

	j := env.submitAccepted(t, core.Payload{"goal": "tiny-timeout"})
	_, err := env.jobs.CreatePlanTask(ctx, j.ID)
	require.NoError(t, err)
	plan, _ := env.tasks.Claim(ctx, "worker-1")
	_, err = env.tasks.Complete(ctx, plan.ID, "worker-1", core.Payload{
		"task_specs": []any{
			map[string]any{"specification": map[string]any{"op": "x"}, "timeout_seconds": float64(1)},
		},
	})
	require.NoError(t, err)

	claimed, _ := env.tasks.Claim(ctx, "worker-1")
	require.NotNil(t, claimed)
	time.Sleep(1100 * time.Millisecond)

	_, err = env.tasks.Complete(ctx, claimed.ID, "worker-1", core.Payload{"late": true})
	assert.True(t, errors.IsExpired(err))

	// 超时提交触发回收：预算内回 pending
	got, _ := env.tasks.Get(ctx, claimed.ID)
	assert.Equal(t, core.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestReleaseAgentTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerAgent(t, "worker-1")

	j := env.submitAccepted(t, core.Payload{"goal": "x"})
	_, err := env.jobs.CreatePlanTask(ctx, j.ID)
	require.NoError(t, err)
	claimed, _ := env.tasks.Claim(ctx, "worker-1")
	require.NotNil(t, claimed)

	released, err := env.tasks.ReleaseAgentTasks(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, _ := env.tasks.Get(ctx, claimed.ID)
	assert.Equal(t, core.TaskPending, got.Status)
	assert.Empty(t, got.ClaimedBy)

	hist, _ := env.tasks.History(ctx, claimed.ID)
	last := hist[len(hist)-1]
	assert.Equal(t, core.EventTaskAgentOffline, last.EventType)
}
