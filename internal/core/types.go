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

package core

import (
	"encoding/json"
	"time"
)

// Payload 不透明 JSON 载荷（job_spec / task_spec / result / details / capabilities）；
// 引擎只解析自己关心的子字段，其余原样存取
type Payload map[string]any

// Encode 序列化为 JSON 字节；nil 时返回 nil
func (p Payload) Encode() []byte {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return b
}

// DecodePayload 反序列化 JSON 字节；空输入返回 nil
func DecodePayload(b []byte) Payload {
	if len(b) == 0 {
		return nil
	}
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil
	}
	return p
}

// Agent Worker Agent 身份；注册创建，Heartbeat 与 Scheduler 的 stale 检查修改 status，不删除
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Status        AgentStatus `json:"status"`
	Version       string      `json:"version,omitempty"`
	Capabilities  Payload     `json:"capabilities,omitempty"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat *time.Time  `json:"last_heartbeat"`
}

// Job 提交的工作单元。counters 始终由 task 表重算（task_index > 0），不做增量累加
type Job struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Status            JobStatus  `json:"status"`
	ApprovalCount     int        `json:"approval_count"`
	RequiredApprovals int        `json:"required_approvals"`
	TotalTasks        int        `json:"total_tasks"`
	CompletedTasks    int        `json:"completed_tasks"`
	FailedTasks       int        `json:"failed_tasks"`
	JobSpec           Payload    `json:"job_spec"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	CreatedBy         string     `json:"created_by,omitempty"`
}

// ProgressPercent 整体进度：completed_tasks 占 total_tasks 的百分比（向下取整），
// total_tasks 为 0 时为 0
func (j *Job) ProgressPercent() int {
	if j.TotalTasks == 0 {
		return 0
	}
	return j.CompletedTasks * 100 / j.TotalTasks
}

// Task Job 下的可执行单元；task_index=0 为保留的 plan task，>=1 为真实任务。
// 不变式：(job_id, task_index) 唯一；claimed_by 非空 iff status ∈ {assigned, in_progress}
type Task struct {
	ID              string     `json:"id"`
	JobID           string     `json:"job_id"`
	TaskIndex       int        `json:"task_index"`
	Status          TaskStatus `json:"status"`
	TaskSpec        Payload    `json:"task_spec"`
	ClaimedBy       string     `json:"claimed_by,omitempty"`
	AssignedAt      *time.Time `json:"assigned_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	Result          Payload    `json:"result,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ProgressPercent int        `json:"progress_percent"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	CreatedAt       time.Time  `json:"created_at"`
}

// IsPlan 是否为 plan task（index 0 且 spec.type == "plan"）
func (t *Task) IsPlan() bool {
	if t.TaskIndex != 0 {
		return false
	}
	typ, _ := t.TaskSpec["type"].(string)
	return typ == SpecTypePlan
}

// ExpiresAt 超时时刻；未被 assign 时返回 nil
func (t *Task) ExpiresAt() *time.Time {
	if t.AssignedAt == nil {
		return nil
	}
	exp := t.AssignedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
	return &exp
}

// ExpiredAt now 时刻是否已超时（now > assigned_at + timeout_seconds）
func (t *Task) ExpiredAt(now time.Time) bool {
	exp := t.ExpiresAt()
	return exp != nil && now.After(*exp)
}

// JobApproval 一个 Agent 对一个 Job 的投票；(job_id, agent_id) 唯一
type JobApproval struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// JobEvent Job 级审计事件（append-only）
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	EventType string    `json:"event_type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Details   Payload   `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskHistoryEntry Task 级审计事件（append-only）
type TaskHistoryEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	EventType string    `json:"event_type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Details   Payload   `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskProgressEntry Task 进度上报记录（append-only）
type TaskProgressEntry struct {
	ID              int64     `json:"id"`
	TaskID          string    `json:"task_id"`
	AgentID         string    `json:"agent_id"`
	ProgressPercent int       `json:"progress_percent"`
	Message         string    `json:"message,omitempty"`
	ReportedAt      time.Time `json:"reported_at"`
}

// StatusCounts 按状态分组统计（jobs/tasks stats 接口）
type StatusCounts struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}
