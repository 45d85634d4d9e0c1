// Package model 定义构建账本的核心数据模型
//
// rollback.go 包含回滚相关的数据模型定义：
//   - RollbackPlan：一次 active 检查点后移的提案与执行记录
//   - RollbackStep：有序执行步骤
//   - RollbackRisk：风险评估条目
package model

import "time"

// ============================================================================
// PlanStatus - 回滚计划状态
// ============================================================================

// PlanStatus 回滚计划状态
//
// 状态机：planned → executing → completed / failed，
// planned → cancelled 为唯一的替代出口。其余转换一律非法。
type PlanStatus string

const (
	PlanStatusPlanned   PlanStatus = "planned"
	PlanStatusExecuting PlanStatus = "executing"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

// IsTerminal 判断计划是否已终结
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanStatusCompleted, PlanStatusFailed, PlanStatusCancelled:
		return true
	}
	return false
}

// ============================================================================
// RollbackStep - 执行步骤
// ============================================================================

// StepType 回滚步骤类型
type StepType string

const (
	// StepTypeNotify 通知订阅方回滚开始
	StepTypeNotify StepType = "notify"

	// StepTypeRestoreState 恢复目标检查点的构建状态
	StepTypeRestoreState StepType = "restore_state"

	// StepTypeRevertArtifact 回退单个产物（每个差异产物一步）
	StepTypeRevertArtifact StepType = "revert_artifact"

	// StepTypeCleanup 清理源检查点之后产生的派生数据
	StepTypeCleanup StepType = "cleanup"

	// StepTypeValidate 校验恢复后状态的完整性
	StepTypeValidate StepType = "validate"
)

// StepStatus 步骤状态
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// RollbackStep 有序执行步骤
//
// 步骤严格按 Seq 顺序执行；任何一步失败则整个回滚失败（fail-stop），
// 唯一例外：validate 步失败在 skipValidation 下降级为 skipped。
type RollbackStep struct {
	Seq         int        `json:"seq" bson:"seq"`
	Type        StepType   `json:"type" bson:"type"`
	Description string     `json:"description" bson:"description"`
	Target      string     `json:"target,omitempty" bson:"target,omitempty"` // revert_artifact 步的产物键
	Status      StepStatus `json:"status" bson:"status"`
	Error       string     `json:"error,omitempty" bson:"error,omitempty"`
}

// ============================================================================
// RollbackRisk - 风险评估
// ============================================================================

// RiskLevel 风险级别
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// RiskType 风险类型
type RiskType string

const (
	// RiskTypeVersionGap 回退跨度过大（超过 3 个检查点版本）
	RiskTypeVersionGap RiskType = "version_gap"

	// RiskTypeQualityRegression 目标检查点质量分明显低于源
	RiskTypeQualityRegression RiskType = "quality_regression"

	// RiskTypePhaseMismatch 跨阶段回滚
	RiskTypePhaseMismatch RiskType = "phase_mismatch"

	// RiskTypeStaleness 目标检查点过旧（超过 24 小时）
	RiskTypeStaleness RiskType = "staleness"
)

// RollbackRisk 风险评估条目
type RollbackRisk struct {
	Type        RiskType  `json:"type" bson:"type"`
	Level       RiskLevel `json:"level" bson:"level"`
	Description string    `json:"description" bson:"description"`
	Mitigation  string    `json:"mitigation" bson:"mitigation"`
}

// ============================================================================
// RollbackPlan - 回滚计划
// ============================================================================

// RollbackPlan 一次 active 检查点后移的提案与执行记录
//
// 前置条件：target.Version < source.Version（创建计划前强制校验）。
// 计划终结后不可变。
type RollbackPlan struct {
	ID                 string         `json:"id" bson:"_id" db:"id"`
	BuildID            string         `json:"build_id" bson:"build_id" db:"build_id"`
	SourceCheckpointID string         `json:"source_checkpoint_id" bson:"source_checkpoint_id" db:"source_checkpoint_id"`
	TargetCheckpointID string         `json:"target_checkpoint_id" bson:"target_checkpoint_id" db:"target_checkpoint_id"`
	Steps              []RollbackStep `json:"steps" bson:"steps" db:"steps"`
	Risks              []RollbackRisk `json:"risks" bson:"risks" db:"risks"`
	Status             PlanStatus     `json:"status" bson:"status" db:"status"`
	Error              string         `json:"error,omitempty" bson:"error,omitempty" db:"error"`
	CreatedAt          time.Time      `json:"created_at" bson:"created_at" db:"created_at"`
	ExecutedAt         *time.Time     `json:"executed_at,omitempty" bson:"executed_at,omitempty" db:"executed_at"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty" bson:"finished_at,omitempty" db:"finished_at"`
}

// HasCriticalRisk 判断计划是否带有 critical 级风险
func (p *RollbackPlan) HasCriticalRisk() bool {
	for _, r := range p.Risks {
		if r.Level == RiskLevelCritical {
			return true
		}
	}
	return false
}
