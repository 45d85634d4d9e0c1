// Package api 提供构建账本的 HTTP API 处理器
//
// 本包实现账本核心能力的 RESTful 外壳，包括：
//   - 事件追加与查询（Event）接口
//   - 状态投影与时间旅行（State）接口
//   - 检查点管理（Checkpoint）接口
//   - 质量门与审批（Gate）接口
//   - 回滚计划（Rollback）接口
//   - WebSocket 实时事件推送
//
// 文件组织：
//   - common.go: 通用工具函数和 Handler 定义
//   - handler.go: 路由配置
//   - events.go: 事件相关接口
//   - state.go: 投影与时间旅行接口
//   - checkpoints.go: 检查点相关接口
//   - gates.go: 质量门与审批接口
//   - rollbacks.go: 回滚相关接口
//   - websocket.go: WebSocket 事件网关
//
// JWT 认证中间件在 internal/auth，由 cmd/ledger-server 套在 Router 外层。
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"build-ledger/internal/checkpoint"
	"build-ledger/internal/eventstore"
	"build-ledger/internal/gate"
	"build-ledger/internal/metrics"
	"build-ledger/internal/projection"
	"build-ledger/internal/rollback"
	"build-ledger/internal/storage"
	"build-ledger/internal/timemachine"
	"build-ledger/pkg/logging"
)

// Handler API 处理器
//
// Handler 是所有 HTTP API 的入口，把请求分发到账本核心组件：
// 事件库、投影器、时间机、检查点管理器、门评估器、回滚引擎。
type Handler struct {
	events      *eventstore.Store
	projector   *projection.Projector
	machine     *timemachine.Machine
	checkpoints *checkpoint.Manager
	gates       *gate.Evaluator
	rollbacks   *rollback.Engine
	gateway     *EventGateway
	metrics     *metrics.Metrics
	logger      *logging.Logger
}

// NewHandler 创建 Handler 实例
func NewHandler(
	events *eventstore.Store,
	projector *projection.Projector,
	machine *timemachine.Machine,
	checkpoints *checkpoint.Manager,
	gates *gate.Evaluator,
	rollbacks *rollback.Engine,
	logger *logging.Logger,
) *Handler {
	h := &Handler{
		events:      events,
		projector:   projector,
		machine:     machine,
		checkpoints: checkpoints,
		gates:       gates,
		rollbacks:   rollbacks,
		logger:      logger,
	}
	h.gateway = NewEventGateway(events, logger)
	return h
}

// SetMetrics 注入指标（/metrics 端点由其暴露）
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStorageError 把领域错误映射为 HTTP 状态码
func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicate), errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, eventstore.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, eventstore.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rollback.ErrInvalidTarget),
		errors.Is(err, rollback.ErrInvalidTransition),
		errors.Is(err, rollback.ErrCriticalRisk),
		errors.Is(err, gate.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Health 健康检查接口
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
