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

package archive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ajc-platform/internal/core"
	"ajc-platform/pkg/log"
)

type recordingArchiver struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingArchiver) record(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recordingArchiver) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *recordingArchiver) InitJobRepo(ctx context.Context, job *core.Job) error {
	r.record("init:" + job.ID)
	return nil
}

func (r *recordingArchiver) CommitTaskSpecs(ctx context.Context, jobID string, tasks []*core.Task) error {
	r.record("specs:" + jobID)
	return nil
}

func (r *recordingArchiver) CommitTaskResult(ctx context.Context, task *core.Task) error {
	r.record("result:" + task.ID)
	return nil
}

func (r *recordingArchiver) CommitJobStatus(ctx context.Context, job *core.Job) error {
	r.record("status:" + job.ID)
	return nil
}

func TestDispatcherRunsOpsInOrder(t *testing.T) {
	rec := &recordingArchiver{}
	d := NewDispatcher(rec, log.NewNop(), 16)
	d.Start()
	defer d.Stop()

	job := &core.Job{ID: "job-1"}
	d.InitJobRepo(job)
	d.CommitTaskSpecs("job-1", []*core.Task{{ID: "job-1_task_1", JobID: "job-1"}})
	d.CommitTaskResult(&core.Task{ID: "job-1_task_1", JobID: "job-1"})
	d.CommitJobStatus(job)

	assert.Eventually(t, func() bool {
		return len(rec.calls()) == 4
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"init:job-1", "specs:job-1", "result:job-1_task_1", "status:job-1",
	}, rec.calls())
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	rec := &recordingArchiver{}
	// 未启动 worker：队列容量 1，第二个操作被丢弃
	d := NewDispatcher(rec, log.NewNop(), 1)
	d.InitJobRepo(&core.Job{ID: "job-a"})
	d.InitJobRepo(&core.Job{ID: "job-b"})

	d.Start()
	assert.Eventually(t, func() bool {
		return len(rec.calls()) == 1
	}, time.Second, 10*time.Millisecond)
	d.Stop()
	assert.Equal(t, []string{"init:job-a"}, rec.calls())
}

func TestDispatcherCopiesArguments(t *testing.T) {
	rec := &recordingArchiver{}
	d := NewDispatcher(rec, log.NewNop(), 16)

	job := &core.Job{ID: "job-m"}
	d.CommitJobStatus(job)
	job.ID = "mutated"

	d.Start()
	defer d.Stop()
	assert.Eventually(t, func() bool {
		return len(rec.calls()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"status:job-m"}, rec.calls())
}
