package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ajc-platform/internal/approval"
	"ajc-platform/internal/core"
	"ajc-platform/internal/lifecycle"
	"ajc-platform/internal/registry"
	"ajc-platform/pkg/errors"
	"ajc-platform/pkg/log"
	"ajc-platform/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	jobs      *lifecycle.JobEngine
	tasks     *lifecycle.TaskEngine
	approvals *approval.Engine
	agents    *registry.Registry
	logger    *log.Logger
}

// NewHandler 创建新的 HTTP 处理器
func NewHandler(jobs *lifecycle.JobEngine, tasks *lifecycle.TaskEngine, approvals *approval.Engine, agents *registry.Registry, logger *log.Logger) *Handler {
	return &Handler{
		jobs:      jobs,
		tasks:     tasks,
		approvals: approvals,
		agents:    agents,
		logger:    logger.Named("handler"),
	}
}

// respond 统一成功响应包装
func (h *Handler) respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

// respondError 将业务错误映射为 HTTP 状态与稳定错误码
func (h *Handler) respondError(c *gin.Context, err error) {
	e, ok := errors.AsError(err)
	if !ok {
		h.logger.Error("internal error", "path", c.Request.URL.Path, "error", err)
		e = errors.Internal("internal server error")
	}

	status := http.StatusInternalServerError
	switch e.Kind {
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindConflict:
		status = http.StatusConflict
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindForbidden:
		status = http.StatusForbidden
	case errors.KindExpired:
		status = http.StatusGone
	case errors.KindRateLimited:
		status = http.StatusTooManyRequests
	}

	body := gin.H{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   body,
	})
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "api-service",
	})
}

// Metrics Prometheus 文本格式指标
func (h *Handler) Metrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := metrics.WritePrometheus(c.Writer); err != nil {
		h.logger.Error("write metrics failed", "error", err)
	}
}

// SubmitJob 提交新 Job
func (h *Handler) SubmitJob(c *gin.Context) {
	var req lifecycle.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.Validation("invalid request body", map[string]any{"reason": err.Error()}))
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusCreated, job)
}

// ListJobs 列出 Job，可按 status 过滤
func (h *Handler) ListJobs(c *gin.Context) {
	jobs, err := h.jobs.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// JobStats Job 状态统计
func (h *Handler) JobStats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, stats)
}

// jobView 单个 Job 的响应：Job 字段之上附带派生的整体进度
type jobView struct {
	*core.Job
	ProgressPercent int `json:"progress_percent"`
}

// GetJob 查询单个 Job
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, jobView{Job: job, ProgressPercent: job.ProgressPercent()})
}

// JobTasks 列出 Job 的全部 Task
func (h *Handler) JobTasks(c *gin.Context) {
	tasks, err := h.jobs.Tasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// JobEvents Job 事件时间线
func (h *Handler) JobEvents(c *gin.Context) {
	events, err := h.jobs.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// JobApprovals Job 的审批记录
func (h *Handler) JobApprovals(c *gin.Context) {
	approvals, err := h.jobs.Approvals(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"approvals": approvals, "count": len(approvals)})
}

type approveRequest struct {
	AgentID string `json:"agent_id"`
}

// ApproveJob Agent 对 Job 投一票
func (h *Handler) ApproveJob(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		h.respondError(c, errors.Validation("agent_id is required", nil))
		return
	}

	job, err := h.approvals.Approve(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, job)
}

// RegisterAgent 注册（或重注册）Agent
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req registry.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.Validation("invalid request body", map[string]any{"reason": err.Error()}))
		return
	}

	res, err := h.agents.Register(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusCreated, res)
}

type heartbeatRequest struct {
	Status string `json:"status"`
}

// Heartbeat 刷新 Agent 心跳；body 可选，status 缺省为 online
func (h *Handler) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respondError(c, errors.Validation("invalid request body", map[string]any{"reason": err.Error()}))
			return
		}
	}

	res, err := h.agents.Heartbeat(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, res)
}

// ListAgents 列出 Agent，可按 status 过滤
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.agents.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// GetAgent 查询单个 Agent
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, agent)
}

// CanApprove 查询 Agent 当前是否可投票
func (h *Handler) CanApprove(c *gin.Context) {
	quota, err := h.approvals.CanApprove(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, quota)
}

type claimRequest struct {
	AgentID string `json:"agent_id"`
}

// ClaimTask 认领下一个待处理 Task；无可认领时 task 为 null
func (h *Handler) ClaimTask(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		h.respondError(c, errors.Validation("agent_id is required", nil))
		return
	}

	task, err := h.tasks.Claim(c.Request.Context(), req.AgentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"task": task})
}

// TaskStats Task 状态统计
func (h *Handler) TaskStats(c *gin.Context) {
	stats, err := h.tasks.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, stats)
}

// GetTask 查询单个 Task
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, task)
}

type startRequest struct {
	AgentID string `json:"agent_id"`
}

// StartTask 将已认领 Task 置为执行中
func (h *Handler) StartTask(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		h.respondError(c, errors.Validation("agent_id is required", nil))
		return
	}

	task, err := h.tasks.Start(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, task)
}

type progressRequest struct {
	AgentID         string `json:"agent_id"`
	ProgressPercent int    `json:"progress_percent"`
	Message         string `json:"message"`
}

// ReportProgress 上报 Task 执行进度
func (h *Handler) ReportProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		h.respondError(c, errors.Validation("agent_id is required", nil))
		return
	}

	err := h.tasks.ReportProgress(c.Request.Context(), c.Param("id"), req.AgentID, req.ProgressPercent, req.Message)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"task_id": c.Param("id"), "progress_percent": req.ProgressPercent})
}

type completeRequest struct {
	AgentID string       `json:"agent_id"`
	Result  core.Payload `json:"result"`
}

// CompleteTask 提交 Task 执行结果
func (h *Handler) CompleteTask(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		h.respondError(c, errors.Validation("agent_id is required", nil))
		return
	}

	task, err := h.tasks.Complete(c.Request.Context(), c.Param("id"), req.AgentID, req.Result)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, task)
}

type failRequest struct {
	AgentID     string `json:"agent_id"`
	Error       string `json:"error"`
	ShouldRetry bool   `json:"should_retry"`
}

// FailTask 上报 Task 执行失败；should_retry 缺省为 false，直接落终态
func (h *Handler) FailTask(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		h.respondError(c, errors.Validation("agent_id is required", nil))
		return
	}

	task, err := h.tasks.Fail(c.Request.Context(), c.Param("id"), req.AgentID, req.Error, req.ShouldRetry)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, task)
}

// TaskHistory Task 状态流转历史
func (h *Handler) TaskHistory(c *gin.Context) {
	history, err := h.tasks.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"history": history, "count": len(history)})
}

// TaskProgressLog Task 进度上报记录
func (h *Handler) TaskProgressLog(c *gin.Context) {
	progress, err := h.tasks.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"progress": progress, "count": len(progress)})
}
