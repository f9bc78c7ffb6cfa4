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

// SpecTypePlan plan task 的 task_spec.type 标记
const SpecTypePlan = "plan"

// PlanResultKey plan task result 中任务列表字段名
const PlanResultKey = "task_specs"

// Job 事件类型（job_events.event_type）
const (
	EventJobSubmitted        = "submitted"
	EventJobApproved         = "approved"
	EventJobApprovalStarted  = "approval_started"
	EventJobAccepted         = "accepted"
	EventJobPlanCreated      = "plan_created"
	EventJobPlanCompleted    = "plan_completed"
	EventJobTasksCreated     = "tasks_created"
	EventJobExecutionStarted = "execution_started"
	EventJobCompleted        = "completed"
	EventJobFailed           = "failed"
)

// Task 事件类型（task_history.event_type）
const (
	EventTaskCreated      = "created"
	EventTaskAssigned     = "assigned"
	EventTaskStarted      = "started"
	EventTaskProgress     = "progress"
	EventTaskCompleted    = "completed"
	EventTaskFailed       = "failed"
	EventTaskRetried      = "retried"
	EventTaskExpired      = "expired"
	EventTaskExpiredRetry = "expired_retried"
	EventTaskAgentOffline = "agent_offline"
)

// PlanTaskSpec plan 产出的单个任务规格；timeout/retry 缺省时回落到配置默认值
type PlanTaskSpec struct {
	Specification  Payload
	TimeoutSeconds int
	MaxRetries     int
}

// ParsePlanResult 从 plan task 的 result 提取 task_specs 列表。
// 只解析引擎关心的子字段；缺失或为空返回 nil（调用方据此走 planning→failed 分支）
func ParsePlanResult(result Payload) []PlanTaskSpec {
	if result == nil {
		return nil
	}
	raw, ok := result[PlanResultKey].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	specs := make([]PlanTaskSpec, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		spec := PlanTaskSpec{}
		if inner, ok := m["specification"].(map[string]any); ok {
			spec.Specification = Payload(inner)
		} else {
			// 无 specification 包装时整个条目即为规格
			spec.Specification = Payload(m)
		}
		if v, ok := m["timeout_seconds"].(float64); ok && v > 0 {
			spec.TimeoutSeconds = int(v)
		}
		if v, ok := m["max_retries"].(float64); ok && v > 0 {
			spec.MaxRetries = int(v)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil
	}
	return specs
}
