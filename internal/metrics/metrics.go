// Package metrics Prometheus 指标导出
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含账本服务的所有指标
type Metrics struct {
	// 事件追加指标
	EventsAppended       *prometheus.CounterVec
	AppendConflicts      prometheus.Counter
	AppendErrors         prometheus.Counter
	AppendLatency        prometheus.Histogram
	SubscriberDeliveries prometheus.Counter

	// 投影指标
	ProjectionsTotal   prometheus.Counter
	ProjectionLatency  prometheus.Histogram
	ProjectionEventLag prometheus.Histogram

	// 检查点指标
	CheckpointsCreated prometheus.Counter
	CheckpointErrors   prometheus.Counter

	// 质量门指标
	GatesEvaluated   *prometheus.CounterVec
	GateScore        prometheus.Histogram
	ApprovalsTotal   *prometheus.CounterVec
	ApprovalTimeouts prometheus.Counter

	// 回滚指标
	RollbacksTotal  *prometheus.CounterVec
	RollbackLatency prometheus.Histogram
}

// New 创建指标实例
func New(namespace string) *Metrics {
	return &Metrics{
		EventsAppended: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_appended_total",
				Help:      "Total events appended by type",
			},
			[]string{"type"},
		),
		AppendConflicts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "append_conflicts_total",
				Help:      "Total version conflicts during append (before retry)",
			},
		),
		AppendErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "append_errors_total",
				Help:      "Total append failures after retries",
			},
		),
		AppendLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "append_latency_seconds",
				Help:      "Event append latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		SubscriberDeliveries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriber_deliveries_total",
				Help:      "Total event deliveries to in-process subscribers",
			},
		),
		ProjectionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "projections_total",
				Help:      "Total state projections computed",
			},
		),
		ProjectionLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "projection_latency_seconds",
				Help:      "State projection latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		ProjectionEventLag: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "projection_event_count",
				Help:      "Number of events folded per projection",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		CheckpointsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_created_total",
				Help:      "Total checkpoints created",
			},
		),
		CheckpointErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_errors_total",
				Help:      "Total checkpoint creation failures",
			},
		),
		GatesEvaluated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gates_evaluated_total",
				Help:      "Total quality gates evaluated by status",
			},
			[]string{"status"},
		),
		GateScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gate_score",
				Help:      "Overall quality gate scores",
				Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),
		ApprovalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_total",
				Help:      "Total approval decisions by decision",
			},
			[]string{"decision"},
		),
		ApprovalTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_timeouts_total",
				Help:      "Total approval waits that expired",
			},
		),
		RollbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total rollback executions by status",
			},
			[]string{"status"},
		),
		RollbackLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollback_latency_seconds",
				Help:      "Rollback execution latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
	}
}

// RecordAppend 记录一次事件追加
func (m *Metrics) RecordAppend(eventType string, latency time.Duration, conflicts int, success bool) {
	m.AppendLatency.Observe(latency.Seconds())
	for i := 0; i < conflicts; i++ {
		m.AppendConflicts.Inc()
	}
	if success {
		m.EventsAppended.WithLabelValues(eventType).Inc()
	} else {
		m.AppendErrors.Inc()
	}
}

// RecordProjection 记录一次投影
func (m *Metrics) RecordProjection(eventCount int, latency time.Duration) {
	m.ProjectionsTotal.Inc()
	m.ProjectionLatency.Observe(latency.Seconds())
	m.ProjectionEventLag.Observe(float64(eventCount))
}

// RecordCheckpoint 记录一次检查点创建
func (m *Metrics) RecordCheckpoint(success bool) {
	if success {
		m.CheckpointsCreated.Inc()
	} else {
		m.CheckpointErrors.Inc()
	}
}

// RecordGate 记录一次质量门评估
func (m *Metrics) RecordGate(status string, score float64) {
	m.GatesEvaluated.WithLabelValues(status).Inc()
	m.GateScore.Observe(score)
}

// RecordApproval 记录一次审批决定
func (m *Metrics) RecordApproval(decision string) {
	m.ApprovalsTotal.WithLabelValues(decision).Inc()
}

// RecordRollback 记录一次回滚执行
func (m *Metrics) RecordRollback(status string, latency time.Duration) {
	m.RollbacksTotal.WithLabelValues(status).Inc()
	m.RollbackLatency.Observe(latency.Seconds())
}

// Handler 返回 Prometheus HTTP Handler
func Handler() http.Handler {
	return promhttp.Handler()
}
