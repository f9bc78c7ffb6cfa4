package http

import (
	"github.com/gin-gonic/gin"

	"ajc-platform/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	engine     *gin.Engine
	handler    *Handler
	middleware *middleware.Middleware
	rps        int
}

// NewRouter 创建新的 HTTP 路由器；rps 为全局限速，<= 0 不限
func NewRouter(handler *Handler, mw *middleware.Middleware, rps int) *Router {
	// 设置 Gin 模式
	gin.SetMode(gin.ReleaseMode)

	// 创建引擎
	engine := gin.New()

	// 使用中间件
	engine.Use(mw.Logger())
	engine.Use(mw.Recovery())
	engine.Use(mw.RateLimit(rps))

	return &Router{
		engine:     engine,
		handler:    handler,
		middleware: mw,
		rps:        rps,
	}
}

// SetupRoutes 设置路由
func (r *Router) SetupRoutes() {
	// 健康检查与指标
	r.engine.GET("/health", r.handler.HealthCheck)
	r.engine.GET("/metrics", r.handler.Metrics)

	// API 路由组
	api := r.engine.Group("/api")
	api.GET("/health", r.handler.HealthCheck)

	// Job 管理
	jobs := api.Group("/jobs")
	{
		jobs.POST("", r.middleware.CORS(), r.handler.SubmitJob)
		jobs.GET("", r.middleware.CORS(), r.handler.ListJobs)
		jobs.GET("/stats", r.middleware.CORS(), r.handler.JobStats)
		jobs.GET("/:id", r.middleware.CORS(), r.handler.GetJob)
		jobs.GET("/:id/tasks", r.middleware.CORS(), r.handler.JobTasks)
		jobs.GET("/:id/events", r.middleware.CORS(), r.handler.JobEvents)
		jobs.GET("/:id/approvals", r.middleware.CORS(), r.handler.JobApprovals)
		jobs.POST("/:id/approve", r.middleware.CORS(), r.handler.ApproveJob)
	}

	// Task 管理
	tasks := api.Group("/tasks")
	{
		tasks.POST("/claim", r.middleware.CORS(), r.handler.ClaimTask)
		tasks.GET("/stats", r.middleware.CORS(), r.handler.TaskStats)
		tasks.GET("/:id", r.middleware.CORS(), r.handler.GetTask)
		tasks.POST("/:id/start", r.middleware.CORS(), r.handler.StartTask)
		tasks.POST("/:id/progress", r.middleware.CORS(), r.handler.ReportProgress)
		tasks.GET("/:id/progress", r.middleware.CORS(), r.handler.TaskProgressLog)
		tasks.POST("/:id/complete", r.middleware.CORS(), r.handler.CompleteTask)
		tasks.POST("/:id/fail", r.middleware.CORS(), r.handler.FailTask)
		tasks.GET("/:id/history", r.middleware.CORS(), r.handler.TaskHistory)
	}

	// Agent 管理
	agents := api.Group("/agents")
	{
		agents.POST("/register", r.middleware.CORS(), r.handler.RegisterAgent)
		agents.GET("", r.middleware.CORS(), r.handler.ListAgents)
		agents.GET("/:id", r.middleware.CORS(), r.handler.GetAgent)
		agents.POST("/:id/heartbeat", r.middleware.CORS(), r.handler.Heartbeat)
		agents.GET("/:id/can-approve", r.middleware.CORS(), r.handler.CanApprove)
	}
}

// Engine 获取 Gin 引擎
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// Run 启动 HTTP 服务
func (r *Router) Run(addr string) error {
	return r.engine.Run(addr)
}
