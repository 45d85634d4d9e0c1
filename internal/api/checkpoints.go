// Package api 检查点管理接口
package api

import (
	"encoding/json"
	"net/http"

	"build-ledger/internal/checkpoint"
)

// CreateCheckpointRequest 创建检查点的请求体
type CreateCheckpointRequest struct {
	Phase     string                 `json:"phase"`
	State     map[string]interface{} `json:"state,omitempty"`
	Artifacts map[string]interface{} `json:"artifacts,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	GateID    string                 `json:"gate_id,omitempty"`
	CreatedBy string                 `json:"created_by,omitempty"`

	// ArchiveArtifacts 产物归档到对象存储，检查点只保留对象键
	ArchiveArtifacts bool `json:"archive_artifacts,omitempty"`
}

// CreateCheckpoint 创建检查点
//
// 路由: POST /api/v1/builds/{id}/checkpoints
func (h *Handler) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")

	var req CreateCheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Phase == "" {
		writeError(w, http.StatusBadRequest, "phase is required")
		return
	}

	ckpt, err := h.checkpoints.CreateCheckpoint(r.Context(), buildID, req.Phase, req.State, req.Artifacts,
		checkpoint.CreateOptions{
			Reason:           req.Reason,
			GateID:           req.GateID,
			CreatedBy:        req.CreatedBy,
			ArchiveArtifacts: req.ArchiveArtifacts,
		})
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ckpt)
}

// ListCheckpoints 列出 Build 的全部检查点
//
// 路由: GET /api/v1/builds/{id}/checkpoints
func (h *Handler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.checkpoints.GetAllCheckpoints(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"checkpoints": checkpoints,
		"count":       len(checkpoints),
	})
}

// GetActiveCheckpoint 返回当前 active 检查点
//
// 路由: GET /api/v1/builds/{id}/checkpoints/active
func (h *Handler) GetActiveCheckpoint(w http.ResponseWriter, r *http.Request) {
	ckpt, err := h.checkpoints.GetActiveCheckpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ckpt)
}

// GetCheckpoint 获取检查点
//
// 路由: GET /api/v1/builds/{id}/checkpoints/{ckptId}
func (h *Handler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	ckpt, err := h.checkpoints.GetCheckpoint(r.Context(), r.PathValue("id"), r.PathValue("ckptId"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ckpt)
}

// GetCheckpointHistory 沿父指针回溯快照链
//
// 路由: GET /api/v1/builds/{id}/checkpoints/{ckptId}/history
//
// 返回顺序为根到当前。
func (h *Handler) GetCheckpointHistory(w http.ResponseWriter, r *http.Request) {
	chain, err := h.checkpoints.GetCheckpointHistory(r.Context(), r.PathValue("id"), r.PathValue("ckptId"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": chain,
		"count":   len(chain),
	})
}
