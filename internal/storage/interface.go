// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 核心组件只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQL）、mongostore/（MongoDB）
//   - 初始化时通过依赖注入传入实现，不存在进程级单例
package storage

import (
	"context"
	"time"

	"build-ledger/internal/model"
)

// ============================================================================
// EventLog - 事件日志
// ============================================================================

// EventFilter 事件范围查询条件
type EventFilter struct {
	// FromVersion 起始序号（含），0 表示不限
	FromVersion int64

	// ToVersion 终止序号（含），0 表示不限
	ToVersion int64

	// Types 事件类型过滤，空表示全部
	Types []model.EventType

	// Limit 最大返回条数，0 表示不限
	Limit int
}

// EventLog 持久化的按 Build 分区的只追加事件日志
//
// 实现要求：
//   - AppendEvent 对 (build_id, version) 施加唯一约束，
//     冲突时返回 ErrDuplicate（乐观插入 + 冲突重试的基础）
//   - ListEvents 按 version 升序返回
//   - ListCorrelatedEvents 按 timestamp 升序返回
type EventLog interface {
	AppendEvent(ctx context.Context, event *model.BuildEvent) error
	MaxVersion(ctx context.Context, buildID string) (int64, error)
	ListEvents(ctx context.Context, buildID string, f EventFilter) ([]*model.BuildEvent, error)
	ListEventsUntil(ctx context.Context, buildID string, until time.Time) ([]*model.BuildEvent, error)
	GetEvent(ctx context.Context, buildID, eventID string) (*model.BuildEvent, error)
	ListCorrelatedEvents(ctx context.Context, correlationID string) ([]*model.BuildEvent, error)
	CountEvents(ctx context.Context, buildID string) (int64, error)
}

// ============================================================================
// CheckpointStore - 检查点
// ============================================================================

// CheckpointStore 检查点快照存储
//
// 实现要求：
//   - CreateCheckpoint 在同一事务内插入新检查点并把 supersededID
//     （若非空）翻转为 superseded，保证 active 唯一性不出现窗口
//   - SetActiveCheckpoint 在同一事务内把当前 active 翻转为 rolled_back、
//     把目标翻转为 active
//   - 检查点从不删除
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, ckpt *model.CheckpointData, supersededID string) error
	GetCheckpoint(ctx context.Context, buildID, checkpointID string) (*model.CheckpointData, error)
	GetCheckpointByVersion(ctx context.Context, buildID string, version int) (*model.CheckpointData, error)
	GetActiveCheckpoint(ctx context.Context, buildID string) (*model.CheckpointData, error)
	ListCheckpoints(ctx context.Context, buildID string) ([]*model.CheckpointData, error)
	CountCheckpoints(ctx context.Context, buildID string) (int, error)
	SetActiveCheckpoint(ctx context.Context, buildID, checkpointID string) error
	UpdateCheckpointStatus(ctx context.Context, buildID, checkpointID string, status model.CheckpointStatus) error
	UpdateQualityScore(ctx context.Context, buildID, checkpointID string, score float64) error
}

// ============================================================================
// GateStore / PlanStore - 质量门与回滚计划
// ============================================================================

// GateStore 质量门存储
//
// 门聚合体整体以 JSON 文档落盘（results/approvals 结构随规则演进），
// 仅 id/build/phase/status 作为可查询列。
type GateStore interface {
	CreateGate(ctx context.Context, gate *model.QualityGate) error
	GetGate(ctx context.Context, gateID string) (*model.QualityGate, error)
	UpdateGate(ctx context.Context, gate *model.QualityGate) error
	ListGatesByBuild(ctx context.Context, buildID string) ([]*model.QualityGate, error)
}

// PlanStore 回滚计划存储
type PlanStore interface {
	CreatePlan(ctx context.Context, plan *model.RollbackPlan) error
	GetPlan(ctx context.Context, planID string) (*model.RollbackPlan, error)
	UpdatePlan(ctx context.Context, plan *model.RollbackPlan) error
	ListPlansByBuild(ctx context.Context, buildID string) ([]*model.RollbackPlan, error)
}

// ============================================================================
// LedgerStore - 聚合接口
// ============================================================================

// LedgerStore 账本完整存储接口
//
// repository.Store（SQL）与 mongostore.Store（MongoDB）均实现该接口。
type LedgerStore interface {
	EventLog
	CheckpointStore
	GateStore
	PlanStore
	Close() error
}
