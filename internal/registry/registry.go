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

// Package registry 维护 Worker Agent 的注册与心跳。
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ajc-platform/internal/core"
	"ajc-platform/internal/store"
	"ajc-platform/pkg/config"
	"ajc-platform/pkg/errors"
	"ajc-platform/pkg/log"
	"ajc-platform/pkg/metrics"
)

// Registry Agent 注册表
type Registry struct {
	store  store.Store
	cfg    *config.Config
	logger *log.Logger
}

// NewRegistry 创建注册表
func NewRegistry(st store.Store, cfg *config.Config, logger *log.Logger) *Registry {
	return &Registry{store: st, cfg: cfg, logger: logger.Named("registry")}
}

// RegisterRequest Agent 注册参数；ID 为空时生成
type RegisterRequest struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Capabilities core.Payload `json:"capabilities"`
}

// RegisterResult 注册结果：Agent 与建议心跳间隔
type RegisterResult struct {
	Agent                    *core.Agent `json:"agent"`
	HeartbeatIntervalSeconds int         `json:"heartbeat_interval_seconds"`
}

// Register 注册（或重注册）一个 Agent，置 online 并刷新心跳
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.Name == "" {
		return nil, errors.Validation("agent name is required", nil)
	}
	id := req.ID
	if id == "" {
		id = "agent-" + uuid.New().String()
	}
	now := time.Now()
	a := &core.Agent{
		ID:            id,
		Name:          req.Name,
		Status:        core.AgentOnline,
		Version:       req.Version,
		Capabilities:  req.Capabilities,
		RegisteredAt:  now,
		LastHeartbeat: &now,
	}
	if err := r.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	r.logger.Info("Agent 已注册", "agent_id", id, "name", req.Name)
	r.refreshOnlineGauge(ctx)
	return &RegisterResult{
		Agent:                    a,
		HeartbeatIntervalSeconds: int(r.cfg.HeartbeatInterval().Seconds()),
	}, nil
}

// HeartbeatResult 心跳应答：下次心跳的时限
type HeartbeatResult struct {
	Agent                    *core.Agent `json:"agent"`
	HeartbeatIntervalSeconds int         `json:"heartbeat_interval_seconds"`
}

// Heartbeat 刷新心跳；statusStr 为空时默认 online（失联后的心跳把 Agent 拉回
// online），Agent 也可借心跳主动上报 offline
func (r *Registry) Heartbeat(ctx context.Context, agentID, statusStr string) (*HeartbeatResult, error) {
	status := core.AgentOnline
	if statusStr != "" {
		s, err := core.ParseAgentStatus(statusStr)
		if err != nil || s == core.AgentRegistered {
			return nil, errors.Validation("status must be 'online' or 'offline'", map[string]any{"status": statusStr})
		}
		status = s
	}
	ok, err := r.store.TouchHeartbeat(ctx, agentID, status, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound("agent", agentID)
	}
	a, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	r.refreshOnlineGauge(ctx)
	return &HeartbeatResult{
		Agent:                    a,
		HeartbeatIntervalSeconds: int(r.cfg.HeartbeatInterval().Seconds()),
	}, nil
}

// Get 查询 Agent；未命中返回 NotFound
func (r *Registry) Get(ctx context.Context, id string) (*core.Agent, error) {
	a, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.NotFound("agent", id)
	}
	return a, nil
}

// List 按可选状态过滤列出 Agent
func (r *Registry) List(ctx context.Context, statusFilter string) ([]*core.Agent, error) {
	var status *core.AgentStatus
	if statusFilter != "" {
		s, err := core.ParseAgentStatus(statusFilter)
		if err != nil {
			return nil, errors.Validation("invalid agent status "+statusFilter, nil)
		}
		status = &s
	}
	return r.store.ListAgents(ctx, status)
}

// MarkOffline 置 Agent 为 offline（失联巡检路径）
func (r *Registry) MarkOffline(ctx context.Context, agentID string) error {
	if err := r.store.SetAgentStatus(ctx, agentID, core.AgentOffline); err != nil {
		return err
	}
	r.refreshOnlineGauge(ctx)
	return nil
}

// ListStale online 但超过宽限期未心跳的 Agent
func (r *Registry) ListStale(ctx context.Context, now time.Time) ([]*core.Agent, error) {
	return r.store.ListStaleAgents(ctx, now.Add(-r.cfg.HeartbeatGrace()))
}

func (r *Registry) refreshOnlineGauge(ctx context.Context) {
	online := core.AgentOnline
	list, err := r.store.ListAgents(ctx, &online)
	if err != nil {
		return
	}
	metrics.AgentsOnline.Set(float64(len(list)))
}
