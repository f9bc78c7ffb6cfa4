package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	apihttp "ajc-platform/internal/api/http"
	"ajc-platform/internal/api/http/middleware"
	"ajc-platform/internal/app"
	"ajc-platform/internal/approval"
	"ajc-platform/internal/lifecycle"
	"ajc-platform/internal/registry"
	"ajc-platform/internal/scheduler"
)

// App API 应用（装配引擎、HTTP Router、后台巡检与归档派发）
type App struct {
	bootstrap *app.Bootstrap
	router    *apihttp.Router
	scheduler *scheduler.Scheduler
	server    *http.Server
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	if bootstrap == nil {
		return nil, fmt.Errorf("bootstrap 不能为空")
	}
	cfg := bootstrap.Config
	logger := bootstrap.Logger

	jobs := lifecycle.NewJobEngine(bootstrap.Store, cfg, logger, bootstrap.Archiver)
	tasks := lifecycle.NewTaskEngine(bootstrap.Store, cfg, logger, bootstrap.Archiver, jobs)
	approvals := approval.NewEngine(bootstrap.Store, cfg, logger, jobs)
	agents := registry.NewRegistry(bootstrap.Store, cfg, logger)

	handler := apihttp.NewHandler(jobs, tasks, approvals, agents, logger)
	mw := middleware.NewMiddleware(logger)

	rps := 0
	if cfg.API.Middleware.RateLimit {
		rps = cfg.API.Middleware.RateLimitRPS
	}
	router := apihttp.NewRouter(handler, mw, rps)
	router.SetupRoutes()

	sched := scheduler.NewScheduler(bootstrap.Store, cfg, logger, jobs, tasks, agents)

	return &App{
		bootstrap: bootstrap,
		router:    router,
		scheduler: sched,
	}, nil
}

// Run 启动归档派发、后台巡检与 HTTP 服务，addr 如 ":3000"
func (a *App) Run(addr string) error {
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr)

	if a.bootstrap.Archiver != nil {
		a.bootstrap.Archiver.Start()
	}
	a.scheduler.Start(context.Background())

	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.bootstrap.Archiver != nil {
		a.bootstrap.Archiver.Stop()
	}
	a.bootstrap.Close()
	return firstErr
}
