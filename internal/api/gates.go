// Package api 质量门与审批接口
package api

import (
	"encoding/json"
	"net/http"

	"build-ledger/internal/gate"
	"build-ledger/internal/model"
)

// EvaluateGateRequest 运行门评估的请求体
type EvaluateGateRequest struct {
	Phase     string                 `json:"phase"`
	Artifacts map[string]interface{} `json:"artifacts,omitempty"`
	Agent     string                 `json:"agent,omitempty"`
	SkipRules []string               `json:"skip_rules,omitempty"`

	// AutoCreateCheckpoint 通过后自动创建检查点
	AutoCreateCheckpoint bool `json:"auto_create_checkpoint,omitempty"`
}

// SubmitApprovalRequest 提交审批决定的请求体
type SubmitApprovalRequest struct {
	Approver   string                 `json:"approver"`
	Decision   model.ApprovalDecision `json:"decision"` // approve / reject
	Reason     string                 `json:"reason,omitempty"`
	Conditions []string               `json:"conditions,omitempty"`
}

// EvaluateGate 对 (build, phase) 运行质量门评估
//
// 路由: POST /api/v1/builds/{id}/gates
func (h *Handler) EvaluateGate(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")

	var req EvaluateGateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Phase == "" {
		writeError(w, http.StatusBadRequest, "phase is required")
		return
	}

	result, err := h.gates.EvaluateGate(r.Context(), buildID, req.Phase, req.Artifacts,
		gate.EvaluateOptions{
			Agent:                req.Agent,
			SkipRules:            req.SkipRules,
			AutoCreateCheckpoint: req.AutoCreateCheckpoint,
		})
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ListGates 列出 Build 的质量门
//
// 路由: GET /api/v1/builds/{id}/gates
func (h *Handler) ListGates(w http.ResponseWriter, r *http.Request) {
	gates, err := h.gates.ListGates(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gates": gates,
		"count": len(gates),
	})
}

// GetGate 获取质量门
//
// 路由: GET /api/v1/gates/{id}
func (h *Handler) GetGate(w http.ResponseWriter, r *http.Request) {
	g, err := h.gates.GetGate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// RequestApproval 发出审批请求（通知意图，无状态变更）
//
// 路由: POST /api/v1/gates/{id}/approval-requests
func (h *Handler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	if err := h.gates.RequestApproval(r.Context(), r.PathValue("id")); err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// SubmitApproval 提交审批决定并终结门
//
// 路由: POST /api/v1/gates/{id}/approvals
func (h *Handler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	var req SubmitApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}
	if req.Decision != model.ApprovalDecisionApprove && req.Decision != model.ApprovalDecisionReject {
		writeError(w, http.StatusBadRequest, "decision must be approve or reject")
		return
	}

	approval, err := h.gates.SubmitApproval(r.Context(), r.PathValue("id"),
		req.Approver, req.Decision, req.Reason, req.Conditions)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, approval)
}
