package worker

import (
	"context"
	"time"

	"ajc-platform/pkg/client"
	"ajc-platform/pkg/config"
	"ajc-platform/pkg/errors"
	"ajc-platform/pkg/log"
)

// App Worker 应用：注册为 Agent 后维持心跳，并持续认领执行 Task
type App struct {
	config   *config.Config
	logger   *log.Logger
	client   *client.Client
	runner   *TaskRunner
	agentID  string
	interval time.Duration

	cancel context.CancelFunc
}

// NewApp 创建新的 Worker 应用；execute 为 nil 时使用内置执行器
func NewApp(cfg *config.Config, execute ExecuteFunc) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, errors.Wrap(err, "初始化日志失败")
	}

	name := cfg.Worker.Name
	if name == "" {
		name = DefaultAgentName()
	}

	api := client.New(cfg.Worker.APIURL)
	res, err := api.RegisterAgent(context.Background(), client.RegisterAgentRequest{Name: name})
	if err != nil {
		return nil, errors.Wrap(err, "注册 Agent 失败")
	}
	agentID := res.Agent.ID
	interval := time.Duration(res.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger.Info("Agent 已注册", "agent_id", agentID, "name", name, "heartbeat_interval", interval)

	runner := NewTaskRunner(agentID, api, execute, cfg.WorkerPollInterval(), cfg.Worker.MaxConcurrency, logger)

	return &App{
		config:   cfg,
		logger:   logger,
		client:   api,
		runner:   runner,
		agentID:  agentID,
		interval: interval,
	}, nil
}

// AgentID 本 Worker 注册得到的 Agent 标识
func (a *App) AgentID() string {
	return a.agentID
}

// Start 启动心跳循环与 Task 认领循环
func (a *App) Start() error {
	a.logger.Info("启动 worker 应用", "agent_id", a.agentID)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.heartbeatLoop(ctx)
	a.runner.Start(ctx)

	a.logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 关闭应用，等待执行中的 Task 结束
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")

	if a.cancel != nil {
		a.cancel()
	}
	a.runner.Stop()

	// 最后一跳上报 offline，让调度侧立即回收而不等宽限期
	if err := a.client.Heartbeat(ctx, a.agentID, "offline"); err != nil {
		a.logger.Warn("offline 上报失败", "agent_id", a.agentID, "error", err)
	}

	a.logger.Info("worker 应用关闭成功")
	return nil
}

func (a *App) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.client.Heartbeat(ctx, a.agentID, ""); err != nil {
				a.logger.Warn("心跳上报失败", "agent_id", a.agentID, "error", err)
			}
		}
	}
}
