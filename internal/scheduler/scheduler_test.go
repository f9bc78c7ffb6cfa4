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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajc-platform/internal/core"
	"ajc-platform/internal/lifecycle"
	"ajc-platform/internal/registry"
	"ajc-platform/internal/store"
	"ajc-platform/pkg/config"
	"ajc-platform/pkg/log"
)

type testEnv struct {
	store     *store.Memory
	cfg       *config.Config
	jobs      *lifecycle.JobEngine
	tasks     *lifecycle.TaskEngine
	registry  *registry.Registry
	scheduler *Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	cfg := config.Default()
	cfg.Approval.RequiredApprovals = 1
	logger := log.NewNop()
	jobs := lifecycle.NewJobEngine(st, cfg, logger, nil)
	tasks := lifecycle.NewTaskEngine(st, cfg, logger, nil, jobs)
	reg := registry.NewRegistry(st, cfg, logger)
	return &testEnv{
		store:     st,
		cfg:       cfg,
		jobs:      jobs,
		tasks:     tasks,
		registry:  reg,
		scheduler: NewScheduler(st, cfg, logger, jobs, tasks, reg),
	}
}

// acceptedJob 提交并投满票
func (env *testEnv) acceptedJob(t *testing.T) *core.Job {
	t.Helper()
	ctx := context.Background()
	j, err := env.jobs.Submit(ctx, lifecycle.SubmitRequest{Name: "j", JobSpec: core.Payload{"goal": "x"}})
	require.NoError(t, err)
	_, err = env.registry.Register(ctx, registry.RegisterRequest{ID: "approver", Name: "approver"})
	require.NoError(t, err)
	_, err = env.store.RecordApproval(ctx, j.ID, "approver", time.Now())
	require.NoError(t, err)
	return j
}

func TestSyncJobsCreatesMissingPlanTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	j := env.acceptedJob(t)

	// 审批路径的 plan task 创建"丢失"：兜底巡检补建
	env.scheduler.syncJobs(ctx)

	got, err := env.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobPlanning, got.Status)

	tasks, err := env.jobs.Tasks(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].IsPlan())
}

func TestStaleAgentPassReleasesTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.acceptedJob(t)
	env.scheduler.syncJobs(ctx)

	_, err := env.registry.Register(ctx, registry.RegisterRequest{ID: "worker-1", Name: "w"})
	require.NoError(t, err)
	claimed, err := env.tasks.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// 心跳过期
	old := time.Now().Add(-env.cfg.HeartbeatGrace() - time.Minute)
	_, err = env.store.TouchHeartbeat(ctx, "worker-1", core.AgentOnline, old)
	require.NoError(t, err)

	env.scheduler.staleAgents(ctx)

	agent, err := env.registry.Get(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, core.AgentOffline, agent.Status)

	got, err := env.tasks.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
}

func TestExpirePassDoesNotTouchFreshTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.acceptedJob(t)
	env.scheduler.syncJobs(ctx)

	_, err := env.registry.Register(ctx, registry.RegisterRequest{ID: "worker-1", Name: "w"})
	require.NoError(t, err)
	claimed, err := env.tasks.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	env.scheduler.expireTasks(ctx)

	got, err := env.tasks.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskAssigned, got.Status)
	assert.Equal(t, "worker-1", got.ClaimedBy)
}

func TestExpirePassRequeuesTimedOutTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.acceptedJob(t)
	env.scheduler.syncJobs(ctx)

	_, err := env.registry.Register(ctx, registry.RegisterRequest{ID: "worker-1", Name: "w"})
	require.NoError(t, err)

	// plan task 完成，fan-out 一个 1 秒超时的任务
	plan, err := env.tasks.Claim(ctx, "worker-1")
	require.NoError(t, err)
	_, err = env.tasks.Complete(ctx, plan.ID, "worker-1", core.Payload{
		"task_specs": []any{
			map[string]any{"specification": map[string]any{"op": "slow"}, "timeout_seconds": float64(1)},
		},
	})
	require.NoError(t, err)

	claimed, err := env.tasks.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	time.Sleep(1100 * time.Millisecond)
	env.scheduler.expireTasks(ctx)

	got, err := env.tasks.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestSchedulerStartStop(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Scheduler.ExpireInterval = "10ms"
	env.cfg.Scheduler.StaleAgentInterval = "10ms"
	env.cfg.Scheduler.StatusSyncInterval = "10ms"

	j := env.acceptedJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.scheduler.Start(ctx)

	// 兜底巡检在后台补建 plan task
	assert.Eventually(t, func() bool {
		got, err := env.jobs.Get(ctx, j.ID)
		return err == nil && got.Status == core.JobPlanning
	}, time.Second, 10*time.Millisecond)

	env.scheduler.Stop()
}
