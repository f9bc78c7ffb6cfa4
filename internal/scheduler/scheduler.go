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

// Package scheduler 后台对账巡检：超时任务回收、失联 Agent 处理与 Job 状态兜底。
// 三个巡检各自独立的周期，单轮内逐条处理、单条失败只记日志不中断整轮。
package scheduler

import (
	"context"
	"sync"
	"time"

	"ajc-platform/internal/core"
	"ajc-platform/internal/lifecycle"
	"ajc-platform/internal/registry"
	"ajc-platform/internal/store"
	"ajc-platform/pkg/config"
	"ajc-platform/pkg/log"
	"ajc-platform/pkg/metrics"
)

// Scheduler 巡检服务
type Scheduler struct {
	store    store.Store
	cfg      *config.Config
	logger   *log.Logger
	jobs     *lifecycle.JobEngine
	tasks    *lifecycle.TaskEngine
	registry *registry.Registry

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewScheduler 创建巡检服务
func NewScheduler(st store.Store, cfg *config.Config, logger *log.Logger,
	jobs *lifecycle.JobEngine, tasks *lifecycle.TaskEngine, reg *registry.Registry) *Scheduler {
	return &Scheduler{
		store:    st,
		cfg:      cfg,
		logger:   logger.Named("scheduler"),
		jobs:     jobs,
		tasks:    tasks,
		registry: reg,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动三个巡检循环
func (s *Scheduler) Start(ctx context.Context) {
	s.loop(ctx, "expire_tasks", s.cfg.ExpireInterval(), s.expireTasks)
	s.loop(ctx, "stale_agents", s.cfg.StaleAgentInterval(), s.staleAgents)
	s.loop(ctx, "sync_jobs", s.cfg.StatusSyncInterval(), s.syncJobs)
	s.logger.Info("巡检已启动",
		"expire_interval", s.cfg.ExpireInterval().String(),
		"stale_agent_interval", s.cfg.StaleAgentInterval().String(),
		"status_sync_interval", s.cfg.StatusSyncInterval().String())
}

// Stop 停止全部巡检并等待在途轮次结束
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, pass func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				pass(ctx)
				metrics.SchedulerPassDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			}
		}
	}()
}

// expireTasks 回收 assigned/in_progress 中已超时的任务
func (s *Scheduler) expireTasks(ctx context.Context) {
	held, err := s.store.ListHeldTasks(ctx)
	if err != nil {
		s.logger.Warn("超时巡检读取失败", "error", err)
		return
	}
	now := time.Now()
	expired := 0
	for _, t := range held {
		if !t.ExpiredAt(now) {
			continue
		}
		if err := s.tasks.ExpireTask(ctx, t); err != nil {
			s.logger.Warn("超时任务回收失败", "task_id", t.ID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("超时巡检完成", "expired", expired)
	}
}

// staleAgents 将超过宽限期未心跳的 Agent 置 offline 并释放其持有的任务
func (s *Scheduler) staleAgents(ctx context.Context) {
	stale, err := s.registry.ListStale(ctx, time.Now())
	if err != nil {
		s.logger.Warn("失联巡检读取失败", "error", err)
		return
	}
	for _, a := range stale {
		if err := s.registry.MarkOffline(ctx, a.ID); err != nil {
			s.logger.Warn("Agent 置 offline 失败", "agent_id", a.ID, "error", err)
			continue
		}
		released, err := s.tasks.ReleaseAgentTasks(ctx, a.ID)
		if err != nil {
			s.logger.Warn("失联 Agent 任务释放失败", "agent_id", a.ID, "error", err)
			continue
		}
		s.logger.Info("失联 Agent 已下线", "agent_id", a.ID, "released_tasks", released)
	}
}

// syncJobs Job 状态兜底：补建 plan task、planning/ready 的推进与 executing 的计数收敛。
// 请求路径丢失的写在这里收敛，后写覆盖先写。
func (s *Scheduler) syncJobs(ctx context.Context) {
	s.forEachJob(ctx, core.JobAccepted, func(jobID string) error {
		_, err := s.jobs.CreatePlanTask(ctx, jobID)
		return err
	})
	s.forEachJob(ctx, core.JobPlanning, func(jobID string) error {
		promoted, err := s.store.PromotePlanningJob(ctx, jobID)
		if promoted {
			s.logger.Info("planning Job 兜底推进为 ready", "job_id", jobID)
		}
		return err
	})
	s.forEachJob(ctx, core.JobReady, func(jobID string) error {
		_, err := s.store.PromoteReadyJob(ctx, jobID, time.Now())
		return err
	})
	s.forEachJob(ctx, core.JobExecuting, func(jobID string) error {
		_, err := s.jobs.SyncCounters(ctx, jobID)
		return err
	})
}

func (s *Scheduler) forEachJob(ctx context.Context, status core.JobStatus, fn func(jobID string) error) {
	ids, err := s.store.ListJobIDsByStatus(ctx, status)
	if err != nil {
		s.logger.Warn("状态兜底读取失败", "status", status.String(), "error", err)
		return
	}
	for _, id := range ids {
		if err := fn(id); err != nil {
			s.logger.Warn("状态兜底处理失败", "job_id", id, "status", status.String(), "error", err)
		}
	}
}
