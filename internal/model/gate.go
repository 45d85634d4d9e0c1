// Package model 定义构建账本的核心数据模型
//
// gate.go 包含质量门相关的数据模型定义：
//   - RuleLevel：规则级别（info/warn/block/require_approval）
//   - ValidationResult：单条规则的评估结果
//   - QualityGate：一次 (build, phase) 评估运行
//   - GateSummary：计数与加权总分
//   - GateApproval：人工审批记录
package model

import "time"

// ============================================================================
// RuleLevel - 规则级别
// ============================================================================

// RuleLevel 质量规则级别
//
// 级别同时决定两件事：
//  1. 评分权重：info=1, warn=2, block=5, require_approval=4
//  2. 阻断语义：block 级失败使整个门失败；require_approval 级
//     通过后仍需人工签字；info/warn 只影响分数
type RuleLevel string

const (
	RuleLevelInfo            RuleLevel = "info"
	RuleLevelWarn            RuleLevel = "warn"
	RuleLevelBlock           RuleLevel = "block"
	RuleLevelRequireApproval RuleLevel = "require_approval"
)

// Weight 返回级别对应的评分权重，未知级别按 info 计
func (l RuleLevel) Weight() int {
	switch l {
	case RuleLevelInfo:
		return 1
	case RuleLevelWarn:
		return 2
	case RuleLevelBlock:
		return 5
	case RuleLevelRequireApproval:
		return 4
	}
	return 1
}

// ============================================================================
// GateStatus / ResultStatus - 状态枚举
// ============================================================================

// GateStatus 质量门状态
//
// 状态流转：pending →（评估完成）passed / failed
// 需要审批时保持 pending，由 submitApproval 终结为 approved / rejected。
type GateStatus string

const (
	GateStatusPending  GateStatus = "pending"
	GateStatusPassed   GateStatus = "passed"
	GateStatusFailed   GateStatus = "failed"
	GateStatusSkipped  GateStatus = "skipped"
	GateStatusApproved GateStatus = "approved"
	GateStatusRejected GateStatus = "rejected"
)

// IsTerminal 判断门是否已终结（不再接受评估，审批除外）
func (s GateStatus) IsTerminal() bool {
	switch s {
	case GateStatusPassed, GateStatusFailed, GateStatusSkipped, GateStatusApproved, GateStatusRejected:
		return true
	}
	return false
}

// ResultStatus 单条规则结果状态
type ResultStatus string

const (
	ResultStatusPassed  ResultStatus = "passed"
	ResultStatusFailed  ResultStatus = "failed"
	ResultStatusSkipped ResultStatus = "skipped"
)

// ============================================================================
// ValidationResult - 规则评估结果
// ============================================================================

// ValidationResult 单条规则的评估结果
//
// 规则校验器抛出的异常不会向外传播：评估器就地捕获，
// 转换为该规则配置级别下的 failed 结果，保证门评估总能完成。
type ValidationResult struct {
	RuleID  string       `json:"rule_id" bson:"rule_id"`
	Status  ResultStatus `json:"status" bson:"status"`
	Level   RuleLevel    `json:"level" bson:"level"`
	Message string       `json:"message,omitempty" bson:"message,omitempty"`

	// RequiresApproval 该结果要求人工签字（require_approval 级规则通过时置位）
	RequiresApproval bool `json:"requires_approval,omitempty" bson:"requires_approval,omitempty"`

	// Details 规则自定义的附加数据
	Details map[string]interface{} `json:"details,omitempty" bson:"details,omitempty"`

	DurationMs int64 `json:"duration_ms" bson:"duration_ms"`
}

// ============================================================================
// QualityGate - 质量门
// ============================================================================

// QualityGate 一次 (build, phase) 的质量评估运行
//
// 生命周期：评估开始时创建，所有规则执行完（或提前停止）后定稿，
// 此后除追加审批外不可变。
type QualityGate struct {
	ID          string             `json:"id" bson:"_id" db:"id"`
	BuildID     string             `json:"build_id" bson:"build_id" db:"build_id"`
	Phase       string             `json:"phase" bson:"phase" db:"phase"`
	Agent       string             `json:"agent,omitempty" bson:"agent,omitempty" db:"agent"`
	Rules       []string           `json:"rules" bson:"rules" db:"rules"` // 评估范围内的规则 ID
	Status      GateStatus         `json:"status" bson:"status" db:"status"`
	Results     []ValidationResult `json:"results" bson:"results" db:"results"`
	Summary     GateSummary        `json:"summary" bson:"summary" db:"summary"`
	Approvals   []GateApproval     `json:"approvals,omitempty" bson:"approvals,omitempty" db:"approvals"`
	CreatedAt   time.Time          `json:"created_at" bson:"created_at" db:"created_at"`
	FinalizedAt *time.Time         `json:"finalized_at,omitempty" bson:"finalized_at,omitempty" db:"finalized_at"`
}

// GateSummary 计数与加权总分
//
// 评分规则：
//   - 每条规则按级别计权（info=1, warn=2, block=5, require_approval=4）
//   - overall = round(earned / total × 100)
//   - skipped 规则的权重从分子分母同时剔除（中性）
//   - 规则集为空时得 100 分
type GateSummary struct {
	Total        int     `json:"total" bson:"total"`
	Passed       int     `json:"passed" bson:"passed"`
	Failed       int     `json:"failed" bson:"failed"`
	Skipped      int     `json:"skipped" bson:"skipped"`
	OverallScore float64 `json:"overall_score" bson:"overall_score"`
}

// ============================================================================
// GateApproval - 审批记录
// ============================================================================

// ApprovalDecision 审批决定
type ApprovalDecision string

const (
	ApprovalDecisionApprove ApprovalDecision = "approve"
	ApprovalDecisionReject  ApprovalDecision = "reject"
)

// GateApproval 对质量门的一次人工审批
type GateApproval struct {
	ID       string           `json:"id" bson:"id"`
	GateID   string           `json:"gate_id" bson:"gate_id"`
	Approver string           `json:"approver" bson:"approver"`
	Decision ApprovalDecision `json:"decision" bson:"decision"`
	Reason   string           `json:"reason,omitempty" bson:"reason,omitempty"`

	// Conditions 附带条件（批准时可选，如 "重构后复查"）
	Conditions []string `json:"conditions,omitempty" bson:"conditions,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// IsApproved 判断是否批准
func (a *GateApproval) IsApproved() bool {
	return a.Decision == ApprovalDecisionApprove
}
