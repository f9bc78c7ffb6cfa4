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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Task       TaskConfig       `mapstructure:"task"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	CORS         bool `mapstructure:"cors"`
	RateLimit    bool `mapstructure:"rate_limit"`
	RateLimitRPS int  `mapstructure:"rate_limit_rps"`
}

// StoreConfig 状态存储配置
type StoreConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// TaskConfig Task 默认超时与重试
type TaskConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"` // 默认 3600
	DefaultMaxRetries     int `mapstructure:"default_max_retries"`     // 默认 3
}

// ApprovalConfig 审批策略：法定票数与单 Agent 投票频率窗口
type ApprovalConfig struct {
	RequiredApprovals int    `mapstructure:"required_approvals"` // 默认 5
	RateLimitWindow   string `mapstructure:"rate_limit_window"`  // 如 "1h"，空则默认 1h
}

// AgentConfig Agent 心跳节奏
type AgentConfig struct {
	HeartbeatInterval string `mapstructure:"heartbeat_interval"` // 建议上报间隔，默认 "30s"
	HeartbeatGrace    string `mapstructure:"heartbeat_grace"`    // 超过此时长未上报判定 stale，默认 "120s"
}

// SchedulerConfig 三个独立巡检周期
type SchedulerConfig struct {
	ExpireInterval     string `mapstructure:"expire_interval"`      // 超时回收，默认 "30s"
	StaleAgentInterval string `mapstructure:"stale_agent_interval"` // 失联 Agent 检查，默认 "60s"
	StatusSyncInterval string `mapstructure:"status_sync_interval"` // Job 状态兜底同步，默认 "10s"
}

// ArchiveConfig 产物镜像归档配置；none 时不归档
type ArchiveConfig struct {
	Type      string `mapstructure:"type"`       // none | git | minio
	ReposDir  string `mapstructure:"repos_dir"`  // git 后端：每 Job 一个仓库的根目录
	Endpoint  string `mapstructure:"endpoint"`   // minio 后端
	Bucket    string `mapstructure:"bucket"`     // minio 后端，默认 "job-artifacts"
	AccessKey string `mapstructure:"access_key"` // 支持 ${ENV} 引用
	SecretKey string `mapstructure:"secret_key"` // 支持 ${ENV} 引用
	UseSSL    bool   `mapstructure:"use_ssl"`
	QueueSize int    `mapstructure:"queue_size"` // 异步派发队列长度，默认 256
}

// WorkerConfig 示例 Worker Agent 配置
type WorkerConfig struct {
	APIURL         string `mapstructure:"api_url"`         // 平台 API 地址，默认 "http://localhost:3000"
	Name           string `mapstructure:"name"`            // Agent 名称，空则使用 hostname
	PollInterval   string `mapstructure:"poll_interval"`   // 无任务时的轮询间隔，默认 "2s"
	MaxConcurrency int    `mapstructure:"max_concurrency"` // 同时执行的 Task 上限，默认 2
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig Prometheus 配置（/metrics 暴露开关）
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		API: APIConfig{Port: 3000, Host: "0.0.0.0"},
		Store: StoreConfig{
			Type: "memory",
		},
		Task: TaskConfig{
			DefaultTimeoutSeconds: 3600,
			DefaultMaxRetries:     3,
		},
		Approval: ApprovalConfig{
			RequiredApprovals: 5,
			RateLimitWindow:   "1h",
		},
		Agent: AgentConfig{
			HeartbeatInterval: "30s",
			HeartbeatGrace:    "120s",
		},
		Scheduler: SchedulerConfig{
			ExpireInterval:     "30s",
			StaleAgentInterval: "60s",
			StatusSyncInterval: "10s",
		},
		Archive: ArchiveConfig{
			Type:      "none",
			Bucket:    "job-artifacts",
			QueueSize: 256,
		},
		Worker: WorkerConfig{
			APIURL:         "http://localhost:3000",
			PollInterval:   "2s",
			MaxConcurrency: 2,
		},
		Log:        LogConfig{Level: "info", Format: "json"},
		Monitoring: MonitoringConfig{Prometheus: PrometheusConfig{Enable: true}},
	}
}

// LoadConfig 加载配置文件；文件不存在时返回默认配置
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(configPath); err != nil {
		return config, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(config)
	return config, nil
}

// LoadAPIConfig 加载 API 服务配置（configs/config.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/config.yaml")
}

// replaceEnvVars 替换配置中的 ${ENV} 引用（DSN 与归档凭据）
func replaceEnvVars(config *Config) {
	config.Store.DSN = expandEnv(config.Store.DSN)
	config.Archive.AccessKey = expandEnv(config.Archive.AccessKey)
	config.Archive.SecretKey = expandEnv(config.Archive.SecretKey)
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		if val := os.Getenv(s[2 : len(s)-1]); val != "" {
			return val
		}
	}
	return s
}

// 各 duration 字段解析；非法或为空时回落默认值

func (c *Config) ApprovalWindow() time.Duration {
	return parseDuration(c.Approval.RateLimitWindow, time.Hour)
}

func (c *Config) HeartbeatInterval() time.Duration {
	return parseDuration(c.Agent.HeartbeatInterval, 30*time.Second)
}

func (c *Config) HeartbeatGrace() time.Duration {
	return parseDuration(c.Agent.HeartbeatGrace, 120*time.Second)
}

func (c *Config) ExpireInterval() time.Duration {
	return parseDuration(c.Scheduler.ExpireInterval, 30*time.Second)
}

func (c *Config) StaleAgentInterval() time.Duration {
	return parseDuration(c.Scheduler.StaleAgentInterval, 60*time.Second)
}

func (c *Config) WorkerPollInterval() time.Duration {
	return parseDuration(c.Worker.PollInterval, 2*time.Second)
}

func (c *Config) StatusSyncInterval() time.Duration {
	return parseDuration(c.Scheduler.StatusSyncInterval, 10*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
