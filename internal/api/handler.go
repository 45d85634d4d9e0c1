// Package api 路由配置
//
// 本文件定义 HTTP API 路由，将请求分发到对应的处理函数。
package api

import (
	"net/http"

	"build-ledger/internal/metrics"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//
// 事件 (Event):
//   - POST /api/v1/builds/{id}/events                    - 追加事件
//   - GET  /api/v1/builds/{id}/events                    - 查询事件（版本区间/类型过滤）
//   - GET  /api/v1/builds/{id}/events/{eventId}          - 获取单条事件
//   - GET  /api/v1/correlations/{id}/events              - 按关联 ID 跨构建追踪
//
// 状态投影与时间旅行 (State):
//   - GET /api/v1/builds/{id}/state                      - 当前投影状态
//   - GET /api/v1/builds/{id}/state/at?version= | ?time= - 时间旅行
//   - GET /api/v1/builds/{id}/state/before/{eventId}     - 事件生效前的状态
//   - GET /api/v1/builds/{id}/diff?from=&to=             - 两版本差异
//   - GET /api/v1/builds/{id}/replay?checkpoint_version= - 重放窗口
//
// 检查点 (Checkpoint):
//   - POST /api/v1/builds/{id}/checkpoints               - 创建检查点
//   - GET  /api/v1/builds/{id}/checkpoints               - 列出检查点
//   - GET  /api/v1/builds/{id}/checkpoints/active        - 当前 active 检查点
//   - GET  /api/v1/builds/{id}/checkpoints/{ckptId}      - 获取检查点
//   - GET  /api/v1/builds/{id}/checkpoints/{ckptId}/history - 快照链回溯
//
// 质量门 (Gate):
//   - POST /api/v1/builds/{id}/gates                     - 运行门评估
//   - GET  /api/v1/builds/{id}/gates                     - 列出质量门
//   - GET  /api/v1/gates/{id}                            - 获取质量门
//   - POST /api/v1/gates/{id}/approval-requests          - 发出审批请求
//   - POST /api/v1/gates/{id}/approvals                  - 提交审批决定
//
// 回滚 (Rollback):
//   - POST /api/v1/builds/{id}/rollbacks                 - 规划回滚
//   - GET  /api/v1/builds/{id}/rollbacks                 - 列出回滚计划
//   - GET  /api/v1/plans/{id}                            - 获取计划
//   - POST /api/v1/plans/{id}/execute                    - 执行计划
//   - POST /api/v1/plans/{id}/cancel                     - 取消计划
//
// WebSocket:
//   - GET /ws/builds/{id}/events                         - 实时事件推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	if h.metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	// Event 接口
	mux.HandleFunc("POST /api/v1/builds/{id}/events", h.AppendEvent)
	mux.HandleFunc("GET /api/v1/builds/{id}/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/builds/{id}/events/{eventId}", h.GetEvent)
	mux.HandleFunc("GET /api/v1/correlations/{id}/events", h.GetCorrelatedEvents)

	// State 接口
	mux.HandleFunc("GET /api/v1/builds/{id}/state", h.GetState)
	mux.HandleFunc("GET /api/v1/builds/{id}/state/at", h.GetStateAt)
	mux.HandleFunc("GET /api/v1/builds/{id}/state/before/{eventId}", h.GetStateBefore)
	mux.HandleFunc("GET /api/v1/builds/{id}/diff", h.GetDiff)
	mux.HandleFunc("GET /api/v1/builds/{id}/replay", h.GetReplayWindow)

	// Checkpoint 接口
	mux.HandleFunc("POST /api/v1/builds/{id}/checkpoints", h.CreateCheckpoint)
	mux.HandleFunc("GET /api/v1/builds/{id}/checkpoints", h.ListCheckpoints)
	mux.HandleFunc("GET /api/v1/builds/{id}/checkpoints/active", h.GetActiveCheckpoint)
	mux.HandleFunc("GET /api/v1/builds/{id}/checkpoints/{ckptId}", h.GetCheckpoint)
	mux.HandleFunc("GET /api/v1/builds/{id}/checkpoints/{ckptId}/history", h.GetCheckpointHistory)

	// Gate 接口
	mux.HandleFunc("POST /api/v1/builds/{id}/gates", h.EvaluateGate)
	mux.HandleFunc("GET /api/v1/builds/{id}/gates", h.ListGates)
	mux.HandleFunc("GET /api/v1/gates/{id}", h.GetGate)
	mux.HandleFunc("POST /api/v1/gates/{id}/approval-requests", h.RequestApproval)
	mux.HandleFunc("POST /api/v1/gates/{id}/approvals", h.SubmitApproval)

	// Rollback 接口
	mux.HandleFunc("POST /api/v1/builds/{id}/rollbacks", h.PlanRollback)
	mux.HandleFunc("GET /api/v1/builds/{id}/rollbacks", h.ListRollbackPlans)
	mux.HandleFunc("GET /api/v1/plans/{id}", h.GetRollbackPlan)
	mux.HandleFunc("POST /api/v1/plans/{id}/execute", h.ExecuteRollback)
	mux.HandleFunc("POST /api/v1/plans/{id}/cancel", h.CancelRollback)

	// WebSocket 实时推送
	mux.HandleFunc("GET /ws/builds/{id}/events", h.gateway.HandleWebSocket)

	return mux
}
