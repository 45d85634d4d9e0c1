// Package gate 质量规则定义与注册表
package gate

import (
	"context"
	"sync"

	"build-ledger/internal/model"
)

// ValidationContext 规则校验器的输入
//
// PreviousResults 是本次评估中先于当前规则完成的结果快照，
// 供跨规则一致性检查只读使用。
type ValidationContext struct {
	BuildID         string
	Phase           string
	Agent           string
	Artifacts       map[string]interface{}
	PreviousResults []model.ValidationResult
}

// ValidatorFunc 规则校验逻辑
//
// 返回 nil 结果且无错误视为通过；返回错误或 panic 都会被评估器
// 捕获并转换为该规则级别下的 failed 结果，绝不中断整个门评估。
type ValidatorFunc func(ctx context.Context, vc *ValidationContext) (*model.ValidationResult, error)

// Rule 单条质量规则
type Rule struct {
	// ID 规则标识，同一注册表内唯一
	ID string

	// Description 人类可读说明
	Description string

	// Level 级别，决定评分权重与阻断语义
	Level model.RuleLevel

	// Phases 生效阶段，空表示所有阶段
	Phases []string

	// Validate 校验逻辑
	Validate ValidatorFunc
}

// AppliesTo 判断规则是否对指定阶段生效
func (r *Rule) AppliesTo(phase string) bool {
	if len(r.Phases) == 0 {
		return true
	}
	for _, p := range r.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// Registry 规则注册表
//
// 评估按注册顺序串行执行（安全默认：后注册的规则可以读取
// 先注册规则的结果）。
type Registry struct {
	mu    sync.RWMutex
	order []string
	rules map[string]*Rule
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]*Rule)}
}

// Register 注册规则，重复 ID 覆盖原规则但保留首次注册的顺序
func (r *Registry) Register(rule *Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[rule.ID]; !ok {
		r.order = append(r.order, rule.ID)
	}
	r.rules[rule.ID] = rule
}

// RulesForPhase 按注册顺序返回对指定阶段生效的规则
func (r *Registry) RulesForPhase(phase string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Rule
	for _, id := range r.order {
		if rule := r.rules[id]; rule.AppliesTo(phase) {
			out = append(out, rule)
		}
	}
	return out
}

// Get 按 ID 查询规则
func (r *Registry) Get(id string) (*Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}
