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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajc-platform/internal/core"
	"ajc-platform/pkg/log"
)

// fakeAPI 按队列派发 Task 并记录上报
type fakeAPI struct {
	mu        sync.Mutex
	pending   []*core.Task
	started   []string
	completed map[string]core.Payload
	failed    map[string]string
	retried   map[string]bool
}

func newFakeAPI(tasks ...*core.Task) *fakeAPI {
	return &fakeAPI{
		pending:   tasks,
		completed: make(map[string]core.Payload),
		failed:    make(map[string]string),
		retried:   make(map[string]bool),
	}
}

func (f *fakeAPI) ClaimTask(ctx context.Context, agentID string) (*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	t := f.pending[0]
	f.pending = f.pending[1:]
	return t, nil
}

func (f *fakeAPI) StartTask(ctx context.Context, taskID, agentID string) (*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, taskID)
	return &core.Task{ID: taskID}, nil
}

func (f *fakeAPI) ReportProgress(ctx context.Context, taskID, agentID string, percent int, message string) error {
	return nil
}

func (f *fakeAPI) CompleteTask(ctx context.Context, taskID, agentID string, result core.Payload) (*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[taskID] = result
	return &core.Task{ID: taskID}, nil
}

func (f *fakeAPI) FailTask(ctx context.Context, taskID, agentID, errMsg string, shouldRetry bool) (*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[taskID] = errMsg
	f.retried[taskID] = shouldRetry
	return &core.Task{ID: taskID}, nil
}

func (f *fakeAPI) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

func (f *fakeAPI) failedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failed)
}

func TestRunnerCompletesClaimedTasks(t *testing.T) {
	api := newFakeAPI(
		&core.Task{ID: "t1", TaskSpec: core.Payload{"step": "build"}},
		&core.Task{ID: "t2", TaskSpec: core.Payload{"step": "test"}},
	)
	runner := NewTaskRunner("agent-1", api, nil, 10*time.Millisecond, 1, log.NewNop())

	runner.Start(context.Background())
	defer runner.Stop()

	assert.Eventually(t, func() bool {
		return api.completedCount() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestRunnerReportsFailure(t *testing.T) {
	api := newFakeAPI(&core.Task{ID: "t1"})
	execute := func(ctx context.Context, task *core.Task) (core.Payload, error) {
		return nil, errors.New("boom")
	}
	runner := NewTaskRunner("agent-1", api, execute, 10*time.Millisecond, 1, log.NewNop())

	runner.Start(context.Background())
	defer runner.Stop()

	assert.Eventually(t, func() bool {
		return api.failedCount() == 1
	}, time.Second, 10*time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, "boom", api.failed["t1"])
	assert.True(t, api.retried["t1"])
}

func TestRunnerPermanentFailureSkipsRetry(t *testing.T) {
	api := newFakeAPI(&core.Task{ID: "t1"})
	execute := func(ctx context.Context, task *core.Task) (core.Payload, error) {
		return nil, Permanent(errors.New("unsupported task type"))
	}
	runner := NewTaskRunner("agent-1", api, execute, 10*time.Millisecond, 1, log.NewNop())

	runner.Start(context.Background())
	defer runner.Stop()

	assert.Eventually(t, func() bool {
		return api.failedCount() == 1
	}, time.Second, 10*time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, "unsupported task type", api.failed["t1"])
	assert.False(t, api.retried["t1"])
}

func TestDefaultExecutePlanExpandsSteps(t *testing.T) {
	task := &core.Task{
		TaskIndex: 0,
		TaskSpec: core.Payload{
			"type": core.SpecTypePlan,
			"job_spec": map[string]any{
				"steps": []any{
					map[string]any{"step": "build"},
					map[string]any{"step": "test"},
				},
			},
		},
	}

	result, err := DefaultExecute(context.Background(), task)
	require.NoError(t, err)

	specs := core.ParsePlanResult(result)
	require.Len(t, specs, 2)
	assert.Equal(t, "build", specs[0].Specification["step"])
	assert.Equal(t, "test", specs[1].Specification["step"])
}

func TestDefaultExecutePlanWithoutSteps(t *testing.T) {
	task := &core.Task{
		TaskIndex: 0,
		TaskSpec: core.Payload{
			"type":     core.SpecTypePlan,
			"job_spec": map[string]any{"target": "staging"},
		},
	}

	result, err := DefaultExecute(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, core.ParsePlanResult(result), 1)
}
