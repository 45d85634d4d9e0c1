// Package model 定义构建账本的核心数据模型
//
// event.go 包含事件相关的数据模型定义：
//   - EventType：事件类型枚举（封闭集合）
//   - BuildEvent：构建事件（事件日志中的不可变事实）
//   - EventMetadata：事件元数据（Schema 版本、环境、来源进程）
//   - 各事件类型的 Payload 结构
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// EventType - 事件类型
// ============================================================================

// EventType 定义构建事件的类型
//
// 事件分类：
//  1. 生命周期事件：build_created, build_started, build_paused, build_resumed,
//     build_completed, build_failed, build_cancelled
//  2. 阶段事件：phase_started, phase_completed, phase_failed
//  3. Agent 事件：agent_started, agent_completed, agent_failed, agent_retried
//  4. 质量事件：quality_gate_passed, quality_gate_failed, checkpoint_created,
//     approval_requested, approval_submitted, rollback_initiated, rollback_executed
//  5. 资源事件：resource_usage
//  6. 智能事件：intelligence_insight
//
// 该枚举是封闭的：投影器对枚举外的类型只记录时间线，不做状态变更。
type EventType string

const (
	// === 生命周期事件 ===

	// EventTypeBuildCreated 构建已创建
	EventTypeBuildCreated EventType = "build_created"

	// EventTypeBuildStarted 构建开始执行
	EventTypeBuildStarted EventType = "build_started"

	// EventTypeBuildPaused 构建已暂停
	EventTypeBuildPaused EventType = "build_paused"

	// EventTypeBuildResumed 构建已恢复
	EventTypeBuildResumed EventType = "build_resumed"

	// EventTypeBuildCompleted 构建完成（成功）
	EventTypeBuildCompleted EventType = "build_completed"

	// EventTypeBuildFailed 构建失败
	EventTypeBuildFailed EventType = "build_failed"

	// EventTypeBuildCancelled 构建已取消
	EventTypeBuildCancelled EventType = "build_cancelled"

	// === 阶段事件 ===

	// EventTypePhaseStarted 阶段开始
	// Payload: {"phase": "design"}
	EventTypePhaseStarted EventType = "phase_started"

	// EventTypePhaseCompleted 阶段完成
	// Payload: {"phase": "design"}
	EventTypePhaseCompleted EventType = "phase_completed"

	// EventTypePhaseFailed 阶段失败
	// Payload: {"phase": "design", "reason": "..."}
	EventTypePhaseFailed EventType = "phase_failed"

	// === Agent 事件 ===

	// EventTypeAgentStarted Agent 开始执行
	// Payload: {"agent_id": "pixel", "phase": "design"}
	EventTypeAgentStarted EventType = "agent_started"

	// EventTypeAgentCompleted Agent 执行完成
	// Payload: {"agent_id": "pixel", "tokens_used": 500, "quality_score": 8}
	EventTypeAgentCompleted EventType = "agent_completed"

	// EventTypeAgentFailed Agent 执行失败
	// Payload: {"agent_id": "pixel", "reason": "..."}
	EventTypeAgentFailed EventType = "agent_failed"

	// EventTypeAgentRetried Agent 重试
	// Payload: {"agent_id": "pixel", "attempt": 2}
	EventTypeAgentRetried EventType = "agent_retried"

	// === 质量事件 ===

	// EventTypeQualityGatePassed 质量门通过
	// Payload: {"gate_id": "...", "phase": "...", "overall_score": 85}
	EventTypeQualityGatePassed EventType = "quality_gate_passed"

	// EventTypeQualityGateFailed 质量门失败
	// Payload: {"gate_id": "...", "phase": "...", "overall_score": 42}
	EventTypeQualityGateFailed EventType = "quality_gate_failed"

	// EventTypeCheckpointCreated 检查点已创建
	// Payload: {"checkpoint_id": "...", "version": 3, "phase": "..."}
	EventTypeCheckpointCreated EventType = "checkpoint_created"

	// EventTypeApprovalRequested 审批请求已发出（通知意图，无状态变更）
	// Payload: {"gate_id": "...", "phase": "..."}
	EventTypeApprovalRequested EventType = "approval_requested"

	// EventTypeApprovalSubmitted 审批决定已提交
	// Payload: {"gate_id": "...", "approver": "...", "decision": "approve"}
	EventTypeApprovalSubmitted EventType = "approval_submitted"

	// EventTypeRollbackInitiated 回滚计划开始执行
	// Payload: {"plan_id": "...", "source_checkpoint_id": "...", "target_checkpoint_id": "..."}
	EventTypeRollbackInitiated EventType = "rollback_initiated"

	// EventTypeRollbackExecuted 回滚已执行（回滚本身进入可审计历史）
	// Payload: {"plan_id": "...", "source_checkpoint_id": "...", "target_checkpoint_id": "..."}
	EventTypeRollbackExecuted EventType = "rollback_executed"

	// === 资源事件 ===

	// EventTypeResourceUsage 资源消耗上报
	// Payload: {"tokens": 1200, "cost_usd": 0.034}
	EventTypeResourceUsage EventType = "resource_usage"

	// === 智能事件 ===

	// EventTypeIntelligenceInsight 上游智能子系统产生的洞察
	// Payload: {"kind": "pattern", "detail": {...}}
	EventTypeIntelligenceInsight EventType = "intelligence_insight"
)

// ============================================================================
// ActorType - 事件触发者类型
// ============================================================================

// ActorType 事件触发者类型
type ActorType string

const (
	// ActorTypeSystem 系统内部动作
	ActorTypeSystem ActorType = "system"

	// ActorTypeUser 用户操作
	ActorTypeUser ActorType = "user"

	// ActorTypeAgent Agent 执行产生
	ActorTypeAgent ActorType = "agent"

	// ActorTypeScheduler 调度器触发
	ActorTypeScheduler ActorType = "scheduler"
)

// ============================================================================
// BuildEvent - 构建事件（事件日志存储）
// ============================================================================

// SchemaVersion 当前事件 Schema 版本，写入 EventMetadata
const SchemaVersion = "1"

// BuildEvent 表示构建过程中产生的一条不可变事实
//
// 事件是系统的唯一权威记录（event sourcing）：
//   - 只追加，创建后不修改、不删除
//   - Version 为 Build 内严格递增序号（从 1 开始，无空洞）
//   - CorrelationID 把跨子系统的因果相关事件分组
//   - CausationID 指向触发本事件的上一个事件（可空）
//
// 字段说明：
//   - ID：全局唯一标识
//   - BuildID：所属构建
//   - StreamID：事件流标识（由 BuildID 派生，预留分片能力）
//   - Type：事件类型
//   - Version：Build 内序号
//   - Timestamp：事件发生时间
//   - Payload：事件数据（JSON，按类型约定结构）
//   - Metadata：Schema 版本、环境、来源进程
type BuildEvent struct {
	ID            string          `json:"id" bson:"_id" db:"id"`                                // 事件 ID
	BuildID       string          `json:"build_id" bson:"build_id" db:"build_id"`               // 所属构建
	StreamID      string          `json:"stream_id" bson:"stream_id" db:"stream_id"`            // 事件流标识
	Type          EventType       `json:"type" bson:"type" db:"type"`                           // 事件类型
	Version       int64           `json:"version" bson:"version" db:"version"`                  // Build 内序号
	Timestamp     time.Time       `json:"timestamp" bson:"timestamp" db:"timestamp"`            // 事件时间
	CorrelationID string          `json:"correlation_id" bson:"correlation_id" db:"correlation_id"` // 关联 ID
	CausationID   *string         `json:"causation_id,omitempty" bson:"causation_id,omitempty" db:"causation_id"`
	ActorID       string          `json:"actor_id" bson:"actor_id" db:"actor_id"` // 触发者 ID
	ActorType     ActorType       `json:"actor_type" bson:"actor_type" db:"actor_type"`
	Payload       json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty" db:"payload"` // 事件数据
	Metadata      EventMetadata   `json:"metadata" bson:"metadata" db:"metadata"`                  // 元数据
}

// EventMetadata 事件元数据
type EventMetadata struct {
	// SchemaVersion 事件结构版本，消费方据此做前向兼容
	SchemaVersion string `json:"schema_version" bson:"schema_version"`

	// Environment 产生事件的环境（dev/test/prod）
	Environment string `json:"environment,omitempty" bson:"environment,omitempty"`

	// Process 来源进程标识
	Process string `json:"process,omitempty" bson:"process,omitempty"`
}

// StreamIDForBuild 由 BuildID 派生事件流标识
//
// 当前实现是单流（一个 Build 一个流），保留该间接层
// 是为了未来按流分片时不改变事件结构。
func StreamIDForBuild(buildID string) string {
	return "build:" + buildID
}

// DecodePayload 将事件 Payload 解码到目标结构
func (e *BuildEvent) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// ============================================================================
// 各事件类型的 Payload 结构
// ============================================================================

// PhasePayload 阶段事件数据
type PhasePayload struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// AgentPayload Agent 事件数据
type AgentPayload struct {
	AgentID      string  `json:"agent_id"`
	Phase        string  `json:"phase,omitempty"`
	TokensUsed   int64   `json:"tokens_used,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Attempt      int     `json:"attempt,omitempty"`
}

// GatePayload 质量门事件数据
type GatePayload struct {
	GateID       string  `json:"gate_id"`
	Phase        string  `json:"phase,omitempty"`
	OverallScore float64 `json:"overall_score,omitempty"`
	Approver     string  `json:"approver,omitempty"`
	Decision     string  `json:"decision,omitempty"`
}

// CheckpointPayload 检查点事件数据
type CheckpointPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	Version      int    `json:"version"`
	Phase        string `json:"phase,omitempty"`
}

// RollbackPayload 回滚事件数据
type RollbackPayload struct {
	PlanID             string `json:"plan_id"`
	SourceCheckpointID string `json:"source_checkpoint_id"`
	TargetCheckpointID string `json:"target_checkpoint_id"`
}

// ResourcePayload 资源事件数据
type ResourcePayload struct {
	Tokens  int64   `json:"tokens,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}
