// Package api 回滚计划接口
package api

import (
	"encoding/json"
	"net/http"

	"build-ledger/internal/rollback"
)

// PlanRollbackRequest 规划回滚的请求体
type PlanRollbackRequest struct {
	TargetCheckpointID string `json:"target_checkpoint_id"`
}

// ExecuteRollbackRequest 执行回滚的请求体
type ExecuteRollbackRequest struct {
	Force          bool `json:"force,omitempty"`
	SkipValidation bool `json:"skip_validation,omitempty"`
}

// PlanRollback 规划回滚
//
// 路由: POST /api/v1/builds/{id}/rollbacks
//
// 目标必须严格早于当前 active 检查点，否则 422。
func (h *Handler) PlanRollback(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")

	var req PlanRollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetCheckpointID == "" {
		writeError(w, http.StatusBadRequest, "target_checkpoint_id is required")
		return
	}

	plan, err := h.rollbacks.PlanRollback(r.Context(), buildID, req.TargetCheckpointID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

// ListRollbackPlans 列出 Build 的回滚计划
//
// 路由: GET /api/v1/builds/{id}/rollbacks
func (h *Handler) ListRollbackPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.rollbacks.ListPlans(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plans": plans,
		"count": len(plans),
	})
}

// GetRollbackPlan 获取回滚计划
//
// 路由: GET /api/v1/plans/{id}
func (h *Handler) GetRollbackPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.rollbacks.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ExecuteRollback 执行回滚计划
//
// 路由: POST /api/v1/plans/{id}/execute
//
// critical 风险未 force 时拒绝（422）。
func (h *Handler) ExecuteRollback(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRollbackRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	plan, err := h.rollbacks.ExecuteRollback(r.Context(), r.PathValue("id"), rollback.ExecuteOptions{
		Force:          req.Force,
		SkipValidation: req.SkipValidation,
	})
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// CancelRollback 取消尚未执行的计划
//
// 路由: POST /api/v1/plans/{id}/cancel
func (h *Handler) CancelRollback(w http.ResponseWriter, r *http.Request) {
	plan, err := h.rollbacks.CancelRollback(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}
