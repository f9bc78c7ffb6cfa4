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
	"sort"
	"sync"
	"time"

	"ajc-platform/internal/core"
)

// Memory 内存实现：map + 单互斥锁，复合操作天然原子。
// 开发与测试用；返回值均为副本。
type Memory struct {
	mu       sync.Mutex
	agents   map[string]*core.Agent
	jobs     map[string]*core.Job
	tasks    map[string]*core.Task
	approved map[string]map[string]bool // jobID → agentID → voted
	votes    []*core.JobApproval
	events   []*core.JobEvent
	history  []*core.TaskHistoryEntry
	progress []*core.TaskProgressEntry
	seq      int64
}

// NewMemory 创建内存 Store
func NewMemory() *Memory {
	return &Memory{
		agents:   make(map[string]*core.Agent),
		jobs:     make(map[string]*core.Job),
		tasks:    make(map[string]*core.Task),
		approved: make(map[string]map[string]bool),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) nextSeq() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) appendEventLocked(jobID, eventType, agentID string, details core.Payload, now time.Time) {
	m.events = append(m.events, &core.JobEvent{
		ID:        m.nextSeq(),
		JobID:     jobID,
		EventType: eventType,
		AgentID:   agentID,
		Details:   details,
		CreatedAt: now,
	})
}

func (m *Memory) appendHistoryLocked(taskID, eventType, agentID string, details core.Payload, now time.Time) {
	m.history = append(m.history, &core.TaskHistoryEntry{
		ID:        m.nextSeq(),
		TaskID:    taskID,
		EventType: eventType,
		AgentID:   agentID,
		Details:   details,
		CreatedAt: now,
	})
}

// --- Agents ---

func (m *Memory) CreateAgent(ctx context.Context, a *core.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAgents(ctx context.Context, status *core.AgentStatus) ([]*core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*core.Agent
	for _, a := range m.agents {
		if status != nil && a.Status != *status {
			continue
		}
		cp := *a
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (m *Memory) TouchHeartbeat(ctx context.Context, id string, status core.AgentStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return false, nil
	}
	hb := now
	a.LastHeartbeat = &hb
	a.Status = status
	return true, nil
}

func (m *Memory) ListStaleAgents(ctx context.Context, cutoff time.Time) ([]*core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*core.Agent
	for _, a := range m.agents {
		if a.Status != core.AgentOnline {
			continue
		}
		if a.LastHeartbeat == nil || a.LastHeartbeat.Before(cutoff) {
			cp := *a
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (m *Memory) SetAgentStatus(ctx context.Context, id string, status core.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.Status = status
	}
	return nil
}

// --- Jobs ---

func (m *Memory) CreateJob(ctx context.Context, j *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	cp.Status = core.JobCommitted
	m.jobs[j.ID] = &cp
	m.appendEventLocked(j.ID, core.EventJobSubmitted, j.CreatedBy, core.Payload{
		"name":        j.Name,
		"description": j.Description,
	}, j.CreatedAt)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) ListJobs(ctx context.Context, status *core.JobStatus) ([]*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*core.Job
	for _, j := range m.jobs {
		if status != nil && j.Status != *status {
			continue
		}
		cp := *j
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (m *Memory) ListJobIDsByStatus(ctx context.Context, status core.JobStatus) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, j := range m.jobs {
		if j.Status == status {
			ids = append(ids, j.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) CountJobsByStatus(ctx context.Context) (*core.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := &core.StatusCounts{ByStatus: make(map[string]int)}
	for _, j := range m.jobs {
		counts.Total++
		counts.ByStatus[j.Status.String()]++
	}
	return counts, nil
}

// --- Approvals ---

func (m *Memory) RecordApproval(ctx context.Context, jobID, agentID string, now time.Time) (*ApprovalOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrWrongState
	}
	// 状态守卫必须在锁内复核：并发投票可能已把 Job 推进 accepted
	if j.Status != core.JobCommitted && j.Status != core.JobApproving {
		return nil, ErrWrongState
	}
	if m.approved[jobID][agentID] {
		return nil, ErrDuplicateApproval
	}
	if m.approved[jobID] == nil {
		m.approved[jobID] = make(map[string]bool)
	}
	m.approved[jobID][agentID] = true

	vote := &core.JobApproval{ID: m.nextSeq(), JobID: jobID, AgentID: agentID, CreatedAt: now}
	m.votes = append(m.votes, vote)
	j.ApprovalCount++

	out := &ApprovalOutcome{
		Approval: vote,
		NewCount: j.ApprovalCount,
		Required: j.RequiredApprovals,
	}
	m.appendEventLocked(jobID, core.EventJobApproved, agentID, core.Payload{
		"approval_count":     j.ApprovalCount,
		"required_approvals": j.RequiredApprovals,
	}, now)
	if j.Status == core.JobCommitted && j.ApprovalCount >= 1 {
		j.Status = core.JobApproving
		m.appendEventLocked(jobID, core.EventJobApprovalStarted, agentID, nil, now)
	}
	if j.ApprovalCount >= j.RequiredApprovals && j.Status == core.JobApproving {
		j.Status = core.JobAccepted
		out.Accepted = true
		m.appendEventLocked(jobID, core.EventJobAccepted, agentID, core.Payload{
			"approval_count": j.ApprovalCount,
		}, now)
	}
	vcp := *vote
	out.Approval = &vcp
	return out, nil
}

func (m *Memory) LatestApprovalSince(ctx context.Context, agentID string, since time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, v := range m.votes {
		if v.AgentID != agentID || !v.CreatedAt.After(since) {
			continue
		}
		if latest == nil || v.CreatedAt.After(*latest) {
			t := v.CreatedAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *Memory) ListApprovals(ctx context.Context, jobID string) ([]*core.JobApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*core.JobApproval
	for _, v := range m.votes {
		if v.JobID == jobID {
			cp := *v
			list = append(list, &cp)
		}
	}
	return list, nil
}

// --- Plan / fan-out ---

func (m *Memory) CreatePlanTask(ctx context.Context, task *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[task.JobID]
	if !ok || j.Status != core.JobAccepted {
		return ErrWrongState
	}
	j.Status = core.JobPlanning
	j.TotalTasks = 1
	cp := *task
	m.tasks[task.ID] = &cp
	m.appendEventLocked(j.ID, core.EventJobPlanCreated, "", core.Payload{"task_id": task.ID}, task.CreatedAt)
	m.appendHistoryLocked(task.ID, core.EventTaskCreated, "", nil, task.CreatedAt)
	return nil
}

func (m *Memory) FanOutTasks(ctx context.Context, jobID string, tasks []*core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrWrongState
	}
	now := time.Now()
	if len(tasks) > 0 {
		now = tasks[0].CreatedAt
	}
	for _, t := range tasks {
		cp := *t
		m.tasks[t.ID] = &cp
	}
	j.Status = core.JobReady
	j.TotalTasks = len(tasks)
	m.appendEventLocked(jobID, core.EventJobPlanCompleted, "", core.Payload{"task_count": len(tasks)}, now)
	m.appendEventLocked(jobID, core.EventJobTasksCreated, "", core.Payload{"task_count": len(tasks)}, now)
	return nil
}

func (m *Memory) FailJob(ctx context.Context, jobID string, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrWrongState
	}
	j.Status = core.JobFailed
	t := now
	j.CompletedAt = &t
	m.appendEventLocked(jobID, core.EventJobFailed, "", core.Payload{"error": reason}, now)
	return nil
}

// --- Tasks ---

func (m *Memory) ClaimNextPendingTask(ctx context.Context, agentID string, now time.Time) (*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pick *core.Task
	for _, t := range m.tasks {
		if t.Status != core.TaskPending {
			continue
		}
		j, ok := m.jobs[t.JobID]
		if !ok || !j.Status.Claimable() {
			continue
		}
		if pick == nil || t.TaskIndex < pick.TaskIndex ||
			(t.TaskIndex == pick.TaskIndex && t.CreatedAt.Before(pick.CreatedAt)) {
			pick = t
		}
	}
	if pick == nil {
		return nil, nil
	}
	pick.Status = core.TaskAssigned
	pick.ClaimedBy = agentID
	at := now
	pick.AssignedAt = &at
	m.appendHistoryLocked(pick.ID, core.EventTaskAssigned, agentID, nil, now)
	cp := *pick
	return &cp, nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTasksByJob(ctx context.Context, jobID string) ([]*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*core.Task
	for _, t := range m.tasks {
		if t.JobID == jobID {
			cp := *t
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TaskIndex < list[j].TaskIndex })
	return list, nil
}

func (m *Memory) ListHeldTasks(ctx context.Context) ([]*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*core.Task
	for _, t := range m.tasks {
		if t.Status.Held() {
			cp := *t
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (m *Memory) ListHeldTasksByAgent(ctx context.Context, agentID string) ([]*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*core.Task
	for _, t := range m.tasks {
		if t.Status.Held() && t.ClaimedBy == agentID {
			cp := *t
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (m *Memory) MarkTaskStarted(ctx context.Context, taskID, agentID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrWrongState
	}
	t.Status = core.TaskInProgress
	st := now
	t.StartedAt = &st
	m.appendHistoryLocked(taskID, core.EventTaskStarted, agentID, nil, now)
	if j, ok := m.jobs[t.JobID]; ok && j.Status == core.JobReady {
		j.Status = core.JobExecuting
		if j.StartedAt == nil {
			js := now
			j.StartedAt = &js
		}
	}
	return nil
}

func (m *Memory) UpdateTaskProgress(ctx context.Context, taskID, agentID string, percent int, message string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrWrongState
	}
	t.ProgressPercent = percent
	m.progress = append(m.progress, &core.TaskProgressEntry{
		ID:              m.nextSeq(),
		TaskID:          taskID,
		AgentID:         agentID,
		ProgressPercent: percent,
		Message:         message,
		ReportedAt:      now,
	})
	m.appendHistoryLocked(taskID, core.EventTaskProgress, agentID, core.Payload{
		"progress_percent": percent,
		"message":          message,
	}, now)
	return nil
}

func (m *Memory) MarkTaskCompleted(ctx context.Context, taskID, agentID string, result core.Payload, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrWrongState
	}
	t.Status = core.TaskCompleted
	t.Result = result
	t.ProgressPercent = 100
	t.ClaimedBy = ""
	ct := now
	t.CompletedAt = &ct
	m.appendHistoryLocked(taskID, core.EventTaskCompleted, agentID, nil, now)
	return nil
}

func (m *Memory) MarkTaskFailed(ctx context.Context, taskID string, status core.TaskStatus, agentID, errMsg, event string, details core.Payload, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrWrongState
	}
	t.Status = status
	t.ErrorMessage = errMsg
	t.ClaimedBy = ""
	ct := now
	t.CompletedAt = &ct
	m.appendHistoryLocked(taskID, event, agentID, details, now)
	return nil
}

func (m *Memory) RequeueTask(ctx context.Context, taskID, agentID, errMsg, event string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return 0, ErrWrongState
	}
	t.Status = core.TaskPending
	t.ClaimedBy = ""
	t.AssignedAt = nil
	t.StartedAt = nil
	t.ProgressPercent = 0
	t.ErrorMessage = errMsg
	t.RetryCount++
	m.appendHistoryLocked(taskID, event, agentID, core.Payload{
		"retry_count": t.RetryCount,
		"error":       errMsg,
	}, now)
	return t.RetryCount, nil
}

func (m *Memory) RecomputeJobCounters(ctx context.Context, jobID string, now time.Time) (*CounterSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrWrongState
	}
	snap := m.recomputeLocked(j, now)
	return snap, nil
}

// recomputeLocked 按 task 表重算计数并按需翻转 Job 状态（调用方持锁）
func (m *Memory) recomputeLocked(j *core.Job, now time.Time) *CounterSnapshot {
	snap := &CounterSnapshot{}
	for _, t := range m.tasks {
		if t.JobID != j.ID || t.TaskIndex == 0 {
			continue
		}
		snap.Total++
		switch {
		case t.Status == core.TaskCompleted:
			snap.Completed++
		case t.Status == core.TaskFailed || t.Status == core.TaskExpired:
			snap.Failed++
		case t.Status.Active():
			snap.Active++
		}
	}
	j.CompletedTasks = snap.Completed
	j.FailedTasks = snap.Failed
	if j.Status == core.JobReady && snap.Active > 0 {
		j.Status = core.JobExecuting
		if j.StartedAt == nil {
			st := now
			j.StartedAt = &st
		}
		m.appendEventLocked(j.ID, core.EventJobExecutionStarted, "", nil, now)
	}
	if snap.Total > 0 && snap.Active == 0 &&
		(j.Status == core.JobReady || j.Status == core.JobExecuting) {
		ct := now
		j.CompletedAt = &ct
		if snap.Failed > 0 {
			j.Status = core.JobFailed
			m.appendEventLocked(j.ID, core.EventJobFailed, "", core.Payload{
				"completed_tasks": snap.Completed,
				"failed_tasks":    snap.Failed,
			}, now)
		} else {
			j.Status = core.JobCompleted
			m.appendEventLocked(j.ID, core.EventJobCompleted, "", core.Payload{
				"completed_tasks": snap.Completed,
			}, now)
		}
	}
	snap.Status = j.Status
	return snap
}

func (m *Memory) PromoteReadyJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != core.JobReady {
		return false, nil
	}
	active := 0
	for _, t := range m.tasks {
		if t.JobID == jobID && t.TaskIndex > 0 && t.Status.Active() {
			active++
		}
	}
	if active == 0 {
		return false, nil
	}
	j.Status = core.JobExecuting
	if j.StartedAt == nil {
		st := now
		j.StartedAt = &st
	}
	m.appendEventLocked(jobID, core.EventJobExecutionStarted, "", nil, now)
	return true, nil
}

func (m *Memory) PromotePlanningJob(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != core.JobPlanning {
		return false, nil
	}
	planDone, realTasks := false, 0
	for _, t := range m.tasks {
		if t.JobID != jobID {
			continue
		}
		if t.TaskIndex == 0 && t.Status == core.TaskCompleted {
			planDone = true
		}
		if t.TaskIndex > 0 {
			realTasks++
		}
	}
	if !planDone || realTasks == 0 {
		return false, nil
	}
	j.Status = core.JobReady
	j.TotalTasks = realTasks
	return true, nil
}

func (m *Memory) CountTasksByStatus(ctx context.Context) (*core.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := &core.StatusCounts{ByStatus: make(map[string]int)}
	for _, t := range m.tasks {
		counts.Total++
		counts.ByStatus[t.Status.String()]++
	}
	return counts, nil
}

// --- Audit ---

func (m *Memory) AppendJobEvent(ctx context.Context, ev *core.JobEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(ev.JobID, ev.EventType, ev.AgentID, ev.Details, ev.CreatedAt)
	return nil
}

func (m *Memory) ListJobEvents(ctx context.Context, jobID string) ([]*core.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*core.JobEvent
	for _, ev := range m.events {
		if ev.JobID == jobID {
			cp := *ev
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (m *Memory) ListTaskHistory(ctx context.Context, taskID string) ([]*core.TaskHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*core.TaskHistoryEntry
	for _, h := range m.history {
		if h.TaskID == taskID {
			cp := *h
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (m *Memory) ListTaskProgress(ctx context.Context, taskID string) ([]*core.TaskProgressEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*core.TaskProgressEntry
	for _, p := range m.progress {
		if p.TaskID == taskID {
			cp := *p
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (m *Memory) Close() {}
