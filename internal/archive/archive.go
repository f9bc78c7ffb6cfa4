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

// Package archive 将 Job/Task 产物镜像到外部归档（git 仓库或对象存储）。
// 归档是尽力而为的旁路：失败只记日志，绝不回滚或阻塞权威状态变更。
package archive

import (
	"context"
	"sync"
	"time"

	"ajc-platform/internal/core"
	"ajc-platform/pkg/log"
	"ajc-platform/pkg/metrics"
)

// Archiver 归档后端
type Archiver interface {
	// InitJobRepo 为 Job 初始化归档位置（git init / 建前缀）并落 job 元数据
	InitJobRepo(ctx context.Context, job *core.Job) error
	// CommitTaskSpecs 归档 fan-out 产生的任务规格清单
	CommitTaskSpecs(ctx context.Context, jobID string, tasks []*core.Task) error
	// CommitTaskResult 归档单个任务的终态产物
	CommitTaskResult(ctx context.Context, task *core.Task) error
	// CommitJobStatus 归档 Job 状态快照（终态或阶段切换时）
	CommitJobStatus(ctx context.Context, job *core.Job) error
}

// Noop 空实现；archive.type = none 时使用
type Noop struct{}

func (Noop) InitJobRepo(ctx context.Context, job *core.Job) error                  { return nil }
func (Noop) CommitTaskSpecs(ctx context.Context, jobID string, ts []*core.Task) error { return nil }
func (Noop) CommitTaskResult(ctx context.Context, task *core.Task) error           { return nil }
func (Noop) CommitJobStatus(ctx context.Context, job *core.Job) error              { return nil }

var _ Archiver = Noop{}

const opTimeout = 30 * time.Second

// Dispatcher 异步归档派发器：调用方 fire-and-forget，单 worker 顺序执行。
// 队列满时丢弃并记日志，不反压请求路径。
type Dispatcher struct {
	archiver Archiver
	logger   *log.Logger
	queue    chan func(ctx context.Context)
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// NewDispatcher 创建派发器；queueSize ≤ 0 时取 256
func NewDispatcher(archiver Archiver, logger *log.Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		archiver: archiver,
		logger:   logger.Named("archive"),
		queue:    make(chan func(ctx context.Context), queueSize),
	}
}

// Start 启动 worker goroutine
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case op, ok := <-d.queue:
				if !ok {
					return
				}
				opCtx, opCancel := context.WithTimeout(ctx, opTimeout)
				op(opCtx)
				opCancel()
			}
		}
	}()
}

// Stop 停止 worker；队列中未消费的操作被放弃
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		close(d.queue)
		d.wg.Wait()
	})
}

func (d *Dispatcher) enqueue(name string, op func(ctx context.Context) error) {
	wrapped := func(ctx context.Context) {
		if err := op(ctx); err != nil {
			metrics.ArchiveDispatchTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("归档操作失败", "op", name, "error", err)
			return
		}
	}
	select {
	case d.queue <- wrapped:
		metrics.ArchiveDispatchTotal.WithLabelValues("enqueued").Inc()
	default:
		metrics.ArchiveDispatchTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("归档队列已满，丢弃操作", "op", name)
	}
}

// InitJobRepo 异步初始化归档位置
func (d *Dispatcher) InitJobRepo(job *core.Job) {
	cp := *job
	d.enqueue("init_job_repo", func(ctx context.Context) error {
		return d.archiver.InitJobRepo(ctx, &cp)
	})
}

// CommitTaskSpecs 异步归档任务规格
func (d *Dispatcher) CommitTaskSpecs(jobID string, tasks []*core.Task) {
	cps := make([]*core.Task, len(tasks))
	for i, t := range tasks {
		cp := *t
		cps[i] = &cp
	}
	d.enqueue("commit_task_specs", func(ctx context.Context) error {
		return d.archiver.CommitTaskSpecs(ctx, jobID, cps)
	})
}

// CommitTaskResult 异步归档任务产物
func (d *Dispatcher) CommitTaskResult(task *core.Task) {
	cp := *task
	d.enqueue("commit_task_result", func(ctx context.Context) error {
		return d.archiver.CommitTaskResult(ctx, &cp)
	})
}

// CommitJobStatus 异步归档 Job 状态快照
func (d *Dispatcher) CommitJobStatus(job *core.Job) {
	cp := *job
	d.enqueue("commit_job_status", func(ctx context.Context) error {
		return d.archiver.CommitJobStatus(ctx, &cp)
	})
}
