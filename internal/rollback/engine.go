// Package rollback 回滚引擎
//
// 规划并执行 active 检查点指针在快照链上的后移：生成有序、带风险
// 标注的步骤列表，执行成功后把回滚事实作为新事件写回事件日志，
// 使回滚本身成为可审计历史的一部分。
//
// 计划状态机：planned → executing → completed / failed，
// planned → cancelled 为唯一替代出口，其余转换一律拒绝。
package rollback

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"build-ledger/internal/checkpoint"
	"build-ledger/internal/eventstore"
	"build-ledger/internal/metrics"
	"build-ledger/internal/model"
	"build-ledger/internal/storage"
	"build-ledger/pkg/logging"
)

var (
	// ErrInvalidTarget 回滚目标不合法（无 active、目标不早于 active）
	ErrInvalidTarget = fmt.Errorf("invalid rollback target")

	// ErrInvalidTransition 计划状态机不允许的转换
	ErrInvalidTransition = fmt.Errorf("invalid plan transition")

	// ErrCriticalRisk 计划带有 critical 风险且未 force
	ErrCriticalRisk = fmt.Errorf("plan carries critical risk")
)

// Appender 事件追加能力，*eventstore.Store 实现
type Appender interface {
	Append(ctx context.Context, buildID string, eventType model.EventType, payload interface{}, opts eventstore.AppendOptions) (*model.BuildEvent, error)
}

// CheckpointManager 回滚所需的检查点能力，*checkpoint.Manager 实现
type CheckpointManager interface {
	GetActiveCheckpoint(ctx context.Context, buildID string) (*model.CheckpointData, error)
	GetCheckpoint(ctx context.Context, buildID, checkpointID string) (*model.CheckpointData, error)
	SetActiveCheckpoint(ctx context.Context, buildID, checkpointID string) error
}

// StepRunner 执行单个回滚步骤
//
// 默认实现只做指针级恢复（真正的状态移动由 SetActiveCheckpoint
// 完成）；部署方可注入自己的产物回退/清理逻辑。
type StepRunner func(ctx context.Context, plan *model.RollbackPlan, step *model.RollbackStep) error

// ExecuteOptions 回滚执行选项
type ExecuteOptions struct {
	// Force 忽略 critical 风险强制执行
	Force bool

	// SkipValidation validate 步失败时降级为 skipped 而非整体失败
	SkipValidation bool
}

// Engine 回滚引擎
type Engine struct {
	plans       storage.PlanStore
	checkpoints CheckpointManager
	appender    Appender
	locker      checkpoint.Locker
	runner      StepRunner
	metrics     *metrics.Metrics
	logger      *logging.Logger
	now         func() time.Time

	stalenessWindow time.Duration
}

// Option Engine 可选配置
type Option func(*Engine)

// WithAppender 注入事件追加器
func WithAppender(a Appender) Option {
	return func(e *Engine) { e.appender = a }
}

// WithLocker 注入分布式锁（默认进程内锁）
func WithLocker(l checkpoint.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithStepRunner 覆盖步骤执行逻辑
func WithStepRunner(r StepRunner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithMetrics 注入指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStalenessWindow 覆盖陈旧风险窗口（默认 24 小时）
func WithStalenessWindow(d time.Duration) Option {
	return func(e *Engine) { e.stalenessWindow = d }
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine 创建回滚引擎
func NewEngine(plans storage.PlanStore, checkpoints CheckpointManager, logger *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		plans:           plans,
		checkpoints:     checkpoints,
		locker:          checkpoint.NewMutexLocker(),
		logger:          logger,
		now:             time.Now,
		stalenessWindow: 24 * time.Hour,
	}
	e.runner = e.defaultStepRunner
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PlanRollback 规划一次回滚
//
// 前置条件：Build 存在 active 检查点，且目标严格早于它
// （target.Version < active.Version），否则返回 ErrInvalidTarget。
func (e *Engine) PlanRollback(ctx context.Context, buildID, targetCheckpointID string) (*model.RollbackPlan, error) {
	active, err := e.checkpoints.GetActiveCheckpoint(ctx, buildID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: build %s has no active checkpoint", ErrInvalidTarget, buildID)
		}
		return nil, err
	}
	target, err := e.checkpoints.GetCheckpoint(ctx, buildID, targetCheckpointID)
	if err != nil {
		return nil, err
	}
	if target.Version >= active.Version {
		return nil, fmt.Errorf("%w: target v%d is not older than active v%d",
			ErrInvalidTarget, target.Version, active.Version)
	}

	plan := &model.RollbackPlan{
		ID:                 generateID("plan"),
		BuildID:            buildID,
		SourceCheckpointID: active.ID,
		TargetCheckpointID: target.ID,
		Steps:              buildSteps(active, target),
		Risks:              e.assessRisks(active, target),
		Status:             model.PlanStatusPlanned,
		CreatedAt:          e.now().UTC(),
	}
	if err := e.plans.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}
	if e.logger != nil {
		e.logger.WithBuildID(buildID).WithPlanID(plan.ID).Info("rollback planned",
			"source", active.ID, "target", target.ID,
			"steps", len(plan.Steps), "risks", len(plan.Risks))
	}
	return plan, nil
}

// buildSteps 生成有序步骤列表
//
// notify → restore_state → revert_artifact（源中存在且与目标不同的
// 每个产物键一步）→ cleanup → validate。
func buildSteps(source, target *model.CheckpointData) []model.RollbackStep {
	steps := []model.RollbackStep{
		{Type: model.StepTypeNotify, Description: "notify subscribers that a rollback is starting"},
		{Type: model.StepTypeRestoreState, Description: fmt.Sprintf("restore build state from checkpoint v%d", target.Version)},
	}

	var keys []string
	for key, val := range source.Artifacts {
		tval, ok := target.Artifacts[key]
		if !ok || !reflect.DeepEqual(val, tval) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		steps = append(steps, model.RollbackStep{
			Type:        model.StepTypeRevertArtifact,
			Description: fmt.Sprintf("revert artifact %q to checkpoint v%d", key, target.Version),
			Target:      key,
		})
	}

	steps = append(steps,
		model.RollbackStep{Type: model.StepTypeCleanup, Description: "clean up derived data produced after the target checkpoint"},
		model.RollbackStep{Type: model.StepTypeValidate, Description: "validate restored state integrity"},
	)
	for i := range steps {
		steps[i].Seq = i + 1
		steps[i].Status = model.StepStatusPending
	}
	return steps
}

// ExecuteRollback 执行已规划的回滚
//
// 步骤严格按序执行，任何一步失败整体失败（fail-stop），唯一例外
// 是 skipValidation 下 validate 步失败降级为 skipped。全部成功后
// 移动 active 指针并追加 rollback_executed 事件。
func (e *Engine) ExecuteRollback(ctx context.Context, planID string, opts ExecuteOptions) (*model.RollbackPlan, error) {
	plan, err := e.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != model.PlanStatusPlanned {
		return nil, fmt.Errorf("%w: cannot execute plan in %s", ErrInvalidTransition, plan.Status)
	}
	if plan.HasCriticalRisk() && !opts.Force {
		return nil, fmt.Errorf("%w: plan %s, pass force to override", ErrCriticalRisk, planID)
	}

	if err := e.locker.Lock(ctx, plan.BuildID); err != nil {
		return nil, fmt.Errorf("rollback: acquire build lock: %w", err)
	}
	defer e.locker.Unlock(ctx, plan.BuildID)

	started := e.now()
	executed := started.UTC()
	plan.Status = model.PlanStatusExecuting
	plan.ExecutedAt = &executed
	if err := e.plans.UpdatePlan(ctx, plan); err != nil {
		return nil, err
	}
	e.appendRollbackEvent(ctx, plan, model.EventTypeRollbackInitiated)

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if err := e.runner(ctx, plan, step); err != nil {
			if step.Type == model.StepTypeValidate && opts.SkipValidation {
				step.Status = model.StepStatusSkipped
				step.Error = err.Error()
				continue
			}
			step.Status = model.StepStatusFailed
			step.Error = err.Error()
			return plan, e.finishPlan(ctx, plan, model.PlanStatusFailed,
				fmt.Errorf("step %d (%s): %w", step.Seq, step.Type, err), started)
		}
		if step.Status == model.StepStatusPending {
			step.Status = model.StepStatusCompleted
		}
	}

	if err := e.checkpoints.SetActiveCheckpoint(ctx, plan.BuildID, plan.TargetCheckpointID); err != nil {
		return plan, e.finishPlan(ctx, plan, model.PlanStatusFailed,
			fmt.Errorf("move active checkpoint: %w", err), started)
	}

	e.appendRollbackEvent(ctx, plan, model.EventTypeRollbackExecuted)
	if err := e.finishPlan(ctx, plan, model.PlanStatusCompleted, nil, started); err != nil {
		return plan, err
	}
	return plan, nil
}

// CancelRollback 取消尚未执行的计划，仅 planned 状态合法
func (e *Engine) CancelRollback(ctx context.Context, planID string) (*model.RollbackPlan, error) {
	plan, err := e.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != model.PlanStatusPlanned {
		return nil, fmt.Errorf("%w: cannot cancel plan in %s", ErrInvalidTransition, plan.Status)
	}
	plan.Status = model.PlanStatusCancelled
	finished := e.now().UTC()
	plan.FinishedAt = &finished
	if err := e.plans.UpdatePlan(ctx, plan); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordRollback(string(model.PlanStatusCancelled), 0)
	}
	if e.logger != nil {
		e.logger.RollbackLog(plan.BuildID, planID, string(plan.Status), nil)
	}
	return plan, nil
}

// GetPlan 按 ID 查询计划
func (e *Engine) GetPlan(ctx context.Context, planID string) (*model.RollbackPlan, error) {
	return e.plans.GetPlan(ctx, planID)
}

// ListPlans 返回 Build 的全部计划
func (e *Engine) ListPlans(ctx context.Context, buildID string) ([]*model.RollbackPlan, error) {
	return e.plans.ListPlansByBuild(ctx, buildID)
}

// finishPlan 终结计划并记录指标/日志
func (e *Engine) finishPlan(ctx context.Context, plan *model.RollbackPlan, status model.PlanStatus, cause error, started time.Time) error {
	plan.Status = status
	if cause != nil {
		plan.Error = cause.Error()
	}
	finished := e.now().UTC()
	plan.FinishedAt = &finished
	if err := e.plans.UpdatePlan(ctx, plan); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordRollback(string(status), e.now().Sub(started))
	}
	if e.logger != nil {
		e.logger.RollbackLog(plan.BuildID, plan.ID, string(status), cause)
	}
	return cause
}

// defaultStepRunner 数据层步骤执行
//
// 指针级恢复由 SetActiveCheckpoint 统一完成，这里只对 validate 步
// 做目标检查点可达性校验，其余步骤标记完成。
func (e *Engine) defaultStepRunner(ctx context.Context, plan *model.RollbackPlan, step *model.RollbackStep) error {
	switch step.Type {
	case model.StepTypeValidate:
		target, err := e.checkpoints.GetCheckpoint(ctx, plan.BuildID, plan.TargetCheckpointID)
		if err != nil {
			return fmt.Errorf("target checkpoint unreachable: %w", err)
		}
		if target.Version < 1 {
			return fmt.Errorf("target checkpoint has invalid version %d", target.Version)
		}
	case model.StepTypeNotify:
		if e.logger != nil {
			e.logger.WithBuildID(plan.BuildID).WithPlanID(plan.ID).Info("rollback starting",
				"target", plan.TargetCheckpointID)
		}
	}
	return nil
}

// appendRollbackEvent 把回滚事实记入事件日志（尽力而为）
func (e *Engine) appendRollbackEvent(ctx context.Context, plan *model.RollbackPlan, typ model.EventType) {
	if e.appender == nil {
		return
	}
	_, err := e.appender.Append(ctx, plan.BuildID, typ,
		model.RollbackPayload{
			PlanID:             plan.ID,
			SourceCheckpointID: plan.SourceCheckpointID,
			TargetCheckpointID: plan.TargetCheckpointID,
		},
		eventstore.AppendOptions{})
	if err != nil && e.logger != nil {
		e.logger.WithPlanID(plan.ID).WithError(err).Warn("rollback event append failed")
	}
}

// generateID 生成带前缀的随机标识
func generateID(prefix string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}
