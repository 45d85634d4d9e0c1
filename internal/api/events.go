// Package api 事件管理接口
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"build-ledger/internal/eventstore"
	"build-ledger/internal/model"
	"build-ledger/internal/storage"
)

// ============================================================================
// 请求/响应结构体
// ============================================================================

// AppendEventRequest 追加事件的请求体
type AppendEventRequest struct {
	Type          model.EventType `json:"type"`                     // 事件类型
	Payload       json.RawMessage `json:"payload,omitempty"`        // 事件数据
	CorrelationID string          `json:"correlation_id,omitempty"` // 关联 ID
	CausationID   string          `json:"causation_id,omitempty"`   // 因果事件 ID
	ActorID       string          `json:"actor_id,omitempty"`       // 触发者
	ActorType     model.ActorType `json:"actor_type,omitempty"`     // 触发者类型
}

// EventListResponse 事件列表响应
type EventListResponse struct {
	Events []*model.BuildEvent `json:"events"`
	Count  int                 `json:"count"`
}

// ============================================================================
// Event 接口处理函数
// ============================================================================

// AppendEvent 追加一条构建事件
//
// 路由: POST /api/v1/builds/{id}/events
//
// 序号由事件库分配，并发追加由每构建串行化保证不重不漏。
func (h *Handler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")

	var req AppendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	var payload interface{}
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	event, err := h.events.Append(r.Context(), buildID, req.Type, payload, eventstore.AppendOptions{
		CorrelationID: req.CorrelationID,
		CausationID:   req.CausationID,
		ActorID:       req.ActorID,
		ActorType:     req.ActorType,
	})
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// ListEvents 查询 Build 的事件
//
// 路由: GET /api/v1/builds/{id}/events
//
// 查询参数:
//   - from_version / to_version: 序号区间（含）
//   - types: 逗号分隔的事件类型过滤
//   - limit: 最大返回条数，默认 0（不限）
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	q := r.URL.Query()

	filter := storage.EventFilter{}
	if v, err := strconv.ParseInt(q.Get("from_version"), 10, 64); err == nil {
		filter.FromVersion = v
	}
	if v, err := strconv.ParseInt(q.Get("to_version"), 10, 64); err == nil {
		filter.ToVersion = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		filter.Limit = v
	}
	if types := q.Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, model.EventType(t))
			}
		}
	}

	events, err := h.events.GetEvents(r.Context(), buildID, filter)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EventListResponse{Events: events, Count: len(events)})
}

// GetEvent 获取单条事件
//
// 路由: GET /api/v1/builds/{id}/events/{eventId}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.GetEvent(r.Context(), r.PathValue("id"), r.PathValue("eventId"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// GetCorrelatedEvents 按关联 ID 跨构建追踪事件
//
// 路由: GET /api/v1/correlations/{id}/events
//
// 返回按时间升序排列的因果相关事件。
func (h *Handler) GetCorrelatedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.GetCorrelatedEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EventListResponse{Events: events, Count: len(events)})
}
