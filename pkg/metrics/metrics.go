package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobTransitionTotal, TaskClaimTotal, TaskOutcomeTotal,
		ApprovalTotal, SchedulerPassDuration, AgentsOnline,
		ArchiveDispatchTotal,
	)
}

// JobTransitionTotal Job 状态迁移总数（按目标状态）
var JobTransitionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ajc_job_transition_total",
		Help: "Job 状态迁移总数（按目标状态）",
	},
	[]string{"status"},
)

// TaskClaimTotal Task Claim 尝试总数（claimed | empty）
var TaskClaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ajc_task_claim_total",
		Help: "Task Claim 尝试总数",
	},
	[]string{"result"}, // claimed | empty
)

// TaskOutcomeTotal Task 终态/重试总数
var TaskOutcomeTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ajc_task_outcome_total",
		Help: "Task 完成/失败/过期/重试总数",
	},
	[]string{"outcome"}, // completed | failed | expired | retried
)

// ApprovalTotal 审批请求总数（approved | duplicate | rate_limited）
var ApprovalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ajc_approval_total",
		Help: "审批请求总数",
	},
	[]string{"result"},
)

// SchedulerPassDuration 各巡检单轮耗时（秒）
var SchedulerPassDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ajc_scheduler_pass_duration_seconds",
		Help:    "巡检单轮耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"pass"}, // expire_tasks | stale_agents | sync_jobs
)

// AgentsOnline 当前 online Agent 数
var AgentsOnline = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "ajc_agents_online",
		Help: "当前 online Agent 数",
	},
)

// ArchiveDispatchTotal 归档派发总数（enqueued | dropped | failed）
var ArchiveDispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ajc_archive_dispatch_total",
		Help: "归档派发总数",
	},
	[]string{"result"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 /metrics 路由复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
