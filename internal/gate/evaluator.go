// Package gate 质量门评估器
//
// 对一个 (build, phase) 运行其规则集，聚合加权总分与状态，
// 按需触发检查点创建，并支持人工审批流程。
package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"build-ledger/internal/checkpoint"
	"build-ledger/internal/eventstore"
	"build-ledger/internal/metrics"
	"build-ledger/internal/model"
	"build-ledger/internal/storage"
	"build-ledger/pkg/logging"
)

// Appender 事件追加能力，*eventstore.Store 实现
type Appender interface {
	Append(ctx context.Context, buildID string, eventType model.EventType, payload interface{}, opts eventstore.AppendOptions) (*model.BuildEvent, error)
}

// CheckpointCreator 检查点创建能力，*checkpoint.Manager 实现
type CheckpointCreator interface {
	CreateCheckpoint(ctx context.Context, buildID, phase string, state, artifacts map[string]interface{}, opts checkpoint.CreateOptions) (*model.CheckpointData, error)
	UpdateQualityScore(ctx context.Context, buildID, checkpointID string, score float64) error
}

// EvaluateOptions 门评估选项
type EvaluateOptions struct {
	// Agent 触发评估的 Agent 标识（可选）
	Agent string

	// SkipRules 按名跳过的规则，标记 skipped 不执行
	SkipRules []string

	// AutoCreateCheckpoint 通过后自动创建检查点
	AutoCreateCheckpoint bool
}

// Evaluator 质量门评估器
type Evaluator struct {
	store       storage.GateStore
	registry    *Registry
	appender    Appender
	checkpoints CheckpointCreator
	metrics     *metrics.Metrics
	logger      *logging.Logger
	now         func() time.Time

	approvalTimeout time.Duration

	// waiters 等待审批的 gate → 通知通道
	waitersMu sync.Mutex
	waiters   map[string][]chan *model.GateApproval
}

// Option Evaluator 可选配置
type Option func(*Evaluator)

// WithAppender 注入事件追加器，门结果记入事件日志
func WithAppender(a Appender) Option {
	return func(e *Evaluator) { e.appender = a }
}

// WithCheckpointCreator 注入检查点管理器，支持通过后自动建点
func WithCheckpointCreator(c CheckpointCreator) Option {
	return func(e *Evaluator) { e.checkpoints = c }
}

// WithMetrics 注入指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithApprovalTimeout 覆盖 WaitForApproval 的默认超时（默认 1 小时）
func WithApprovalTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.approvalTimeout = d }
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator 创建评估器
func NewEvaluator(store storage.GateStore, registry *Registry, logger *logging.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:           store,
		registry:        registry,
		logger:          logger,
		now:             time.Now,
		approvalTimeout: time.Hour,
		waiters:         make(map[string][]chan *model.GateApproval),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateGate 对 (build, phase) 运行规则集并定稿质量门
//
// 规则按注册顺序串行执行；校验器返回错误或 panic 都被就地捕获，
// 转换为该规则级别下的 failed 结果，门评估总能完成并出报告。
func (e *Evaluator) EvaluateGate(ctx context.Context, buildID, phase string, artifacts map[string]interface{}, opts EvaluateOptions) (*model.QualityGate, error) {
	if buildID == "" || phase == "" {
		return nil, fmt.Errorf("gate: build id and phase are required")
	}

	rules := e.registry.RulesForPhase(phase)
	gate := &model.QualityGate{
		ID:        generateID("gate"),
		BuildID:   buildID,
		Phase:     phase,
		Agent:     opts.Agent,
		Status:    model.GateStatusPending,
		CreatedAt: e.now().UTC(),
	}
	for _, r := range rules {
		gate.Rules = append(gate.Rules, r.ID)
	}
	if err := e.store.CreateGate(ctx, gate); err != nil {
		return nil, err
	}

	skip := make(map[string]bool, len(opts.SkipRules))
	for _, id := range opts.SkipRules {
		skip[id] = true
	}

	vc := &ValidationContext{
		BuildID:   buildID,
		Phase:     phase,
		Agent:     opts.Agent,
		Artifacts: artifacts,
	}
	for _, rule := range rules {
		var result model.ValidationResult
		if skip[rule.ID] {
			result = model.ValidationResult{
				RuleID: rule.ID,
				Status: model.ResultStatusSkipped,
				Level:  rule.Level,
			}
		} else {
			result = e.runRule(ctx, rule, vc)
		}
		gate.Results = append(gate.Results, result)
		vc.PreviousResults = gate.Results
	}

	gate.Summary = scoreResults(gate.Results)
	gate.Status = determineStatus(gate.Results)
	finalized := e.now().UTC()
	gate.FinalizedAt = &finalized

	if err := e.store.UpdateGate(ctx, gate); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordGate(string(gate.Status), gate.Summary.OverallScore)
	}
	if e.logger != nil {
		e.logger.GateLog(buildID, gate.ID, phase, string(gate.Status), gate.Summary.OverallScore)
	}

	e.appendGateEvent(ctx, gate)

	if opts.AutoCreateCheckpoint && gate.Status == model.GateStatusPassed && e.checkpoints != nil {
		e.autoCheckpoint(ctx, gate, artifacts)
	}
	return gate, nil
}

// runRule 执行单条规则，就地吸收错误与 panic
func (e *Evaluator) runRule(ctx context.Context, rule *Rule, vc *ValidationContext) (result model.ValidationResult) {
	started := e.now()
	defer func() {
		if r := recover(); r != nil {
			result = model.ValidationResult{
				RuleID:     rule.ID,
				Status:     model.ResultStatusFailed,
				Level:      rule.Level,
				Message:    fmt.Sprintf("rule panicked: %v", r),
				DurationMs: time.Since(started).Milliseconds(),
			}
			if e.logger != nil {
				e.logger.WithBuildID(vc.BuildID).Warn("rule validator panicked",
					"rule_id", rule.ID, "panic", fmt.Sprint(r))
			}
		}
	}()

	res, err := rule.Validate(ctx, vc)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		return model.ValidationResult{
			RuleID:     rule.ID,
			Status:     model.ResultStatusFailed,
			Level:      rule.Level,
			Message:    err.Error(),
			DurationMs: elapsed,
		}
	}
	if res == nil {
		res = &model.ValidationResult{Status: model.ResultStatusPassed}
	}
	res.RuleID = rule.ID
	res.Level = rule.Level
	res.DurationMs = elapsed
	// require_approval 级规则通过后仍需人工签字
	if rule.Level == model.RuleLevelRequireApproval && res.Status == model.ResultStatusPassed {
		res.RequiresApproval = true
	}
	return *res
}

// scoreResults 计算加权总分
//
// earned/total 按级别权重累计；skipped 规则的权重从分子分母同时
// 剔除（中性）；规则集为空得 100 分。
func scoreResults(results []model.ValidationResult) model.GateSummary {
	s := model.GateSummary{Total: len(results)}
	var earned, total int
	for _, r := range results {
		switch r.Status {
		case model.ResultStatusPassed:
			s.Passed++
			w := r.Level.Weight()
			earned += w
			total += w
		case model.ResultStatusFailed:
			s.Failed++
			total += r.Level.Weight()
		case model.ResultStatusSkipped:
			s.Skipped++
		}
	}
	if total == 0 {
		s.OverallScore = 100
		return s
	}
	s.OverallScore = math.Round(float64(earned) / float64(total) * 100)
	return s
}

// determineStatus 判定门状态
//
// block 级失败 ⇒ failed；否则有结果要求审批 ⇒ pending；
// 其余 ⇒ passed（warn 失败不阻断）。
func determineStatus(results []model.ValidationResult) model.GateStatus {
	requiresApproval := false
	for _, r := range results {
		if r.Status == model.ResultStatusFailed && r.Level == model.RuleLevelBlock {
			return model.GateStatusFailed
		}
		if r.RequiresApproval {
			requiresApproval = true
		}
	}
	if requiresApproval {
		return model.GateStatusPending
	}
	return model.GateStatusPassed
}

// appendGateEvent 把门结果记入事件日志（尽力而为）
func (e *Evaluator) appendGateEvent(ctx context.Context, gate *model.QualityGate) {
	if e.appender == nil {
		return
	}
	var typ model.EventType
	switch gate.Status {
	case model.GateStatusFailed:
		typ = model.EventTypeQualityGateFailed
	case model.GateStatusPassed:
		typ = model.EventTypeQualityGatePassed
	default:
		return // pending 门在审批终结时记账
	}
	_, err := e.appender.Append(ctx, gate.BuildID, typ,
		model.GatePayload{GateID: gate.ID, Phase: gate.Phase, OverallScore: gate.Summary.OverallScore},
		eventstore.AppendOptions{})
	if err != nil && e.logger != nil {
		e.logger.WithBuildID(gate.BuildID).WithError(err).Warn("gate event append failed",
			"gate_id", gate.ID)
	}
}

// autoCheckpoint 门通过后自动创建检查点并回写质量分
func (e *Evaluator) autoCheckpoint(ctx context.Context, gate *model.QualityGate, artifacts map[string]interface{}) {
	ckpt, err := e.checkpoints.CreateCheckpoint(ctx, gate.BuildID, gate.Phase, nil, artifacts,
		checkpoint.CreateOptions{
			Reason: "quality gate passed",
			GateID: gate.ID,
		})
	if err != nil {
		if e.logger != nil {
			e.logger.WithBuildID(gate.BuildID).WithError(err).Warn("auto checkpoint failed",
				"gate_id", gate.ID)
		}
		return
	}
	if err := e.checkpoints.UpdateQualityScore(ctx, gate.BuildID, ckpt.ID, gate.Summary.OverallScore); err != nil && e.logger != nil {
		e.logger.WithBuildID(gate.BuildID).WithError(err).Warn("checkpoint score update failed",
			"checkpoint_id", ckpt.ID)
	}
}

// GetGate 按 ID 查询质量门
func (e *Evaluator) GetGate(ctx context.Context, gateID string) (*model.QualityGate, error) {
	return e.store.GetGate(ctx, gateID)
}

// ListGates 返回 Build 的全部质量门
func (e *Evaluator) ListGates(ctx context.Context, buildID string) ([]*model.QualityGate, error) {
	return e.store.ListGatesByBuild(ctx, buildID)
}

// generateID 生成带前缀的随机标识
func generateID(prefix string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}
