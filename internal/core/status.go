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

import "fmt"

// JobStatus Job 状态机：committed → approving → accepted → planning → ready → executing → completed；
// failed 可由 executing 进入（plan 产物非法时也可由 planning 直接进入）
type JobStatus int

const (
	JobCommitted JobStatus = iota
	JobApproving
	JobAccepted
	JobPlanning
	JobReady
	JobExecuting
	JobCompleted
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobCommitted:
		return "committed"
	case JobApproving:
		return "approving"
	case JobAccepted:
		return "accepted"
	case JobPlanning:
		return "planning"
	case JobReady:
		return "ready"
	case JobExecuting:
		return "executing"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseJobStatus 解析 DB/API 字符串为 JobStatus；未知值返回 error
func ParseJobStatus(s string) (JobStatus, error) {
	switch s {
	case "committed":
		return JobCommitted, nil
	case "approving":
		return JobApproving, nil
	case "accepted":
		return JobAccepted, nil
	case "planning":
		return JobPlanning, nil
	case "ready":
		return JobReady, nil
	case "executing":
		return JobExecuting, nil
	case "completed":
		return JobCompleted, nil
	case "failed":
		return JobFailed, nil
	}
	return 0, fmt.Errorf("unknown job status %q", s)
}

// Terminal 是否终态
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Claimable 该状态下其任务是否可被 Claim（planning 覆盖 plan task 本身）
func (s JobStatus) Claimable() bool {
	return s == JobPlanning || s == JobReady || s == JobExecuting
}

func (s JobStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *JobStatus) UnmarshalJSON(b []byte) error {
	v, err := ParseJobStatus(unquote(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// TaskStatus Task 状态机：pending → assigned → in_progress → completed/failed/expired；
// retry 时由 assigned/in_progress 回到 pending
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskAssigned
	TaskInProgress
	TaskCompleted
	TaskFailed
	TaskExpired
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskAssigned:
		return "assigned"
	case TaskInProgress:
		return "in_progress"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseTaskStatus 解析字符串为 TaskStatus
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch s {
	case "pending":
		return TaskPending, nil
	case "assigned":
		return TaskAssigned, nil
	case "in_progress":
		return TaskInProgress, nil
	case "completed":
		return TaskCompleted, nil
	case "failed":
		return TaskFailed, nil
	case "expired":
		return TaskExpired, nil
	}
	return 0, fmt.Errorf("unknown task status %q", s)
}

// Active pending/assigned/in_progress 为活跃态（未出结果）
func (s TaskStatus) Active() bool {
	return s == TaskPending || s == TaskAssigned || s == TaskInProgress
}

// Held 是否被某个 Agent 持有（claimed_by 非空 iff Held）
func (s TaskStatus) Held() bool {
	return s == TaskAssigned || s == TaskInProgress
}

// Terminal 是否终态
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskExpired
}

func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *TaskStatus) UnmarshalJSON(b []byte) error {
	v, err := ParseTaskStatus(unquote(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// AgentStatus Agent 状态：registered / online / offline
type AgentStatus int

const (
	AgentRegistered AgentStatus = iota
	AgentOnline
	AgentOffline
)

func (s AgentStatus) String() string {
	switch s {
	case AgentRegistered:
		return "registered"
	case AgentOnline:
		return "online"
	case AgentOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ParseAgentStatus 解析字符串为 AgentStatus
func ParseAgentStatus(s string) (AgentStatus, error) {
	switch s {
	case "registered":
		return AgentRegistered, nil
	case "online":
		return AgentOnline, nil
	case "offline":
		return AgentOffline, nil
	}
	return 0, fmt.Errorf("unknown agent status %q", s)
}

func (s AgentStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *AgentStatus) UnmarshalJSON(b []byte) error {
	v, err := ParseAgentStatus(unquote(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func unquote(b []byte) string {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
