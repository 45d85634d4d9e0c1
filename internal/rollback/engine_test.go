package rollback

import (
	"context"
	"fmt"
	"testing"
	"time"

	"build-ledger/internal/checkpoint"
	"build-ledger/internal/eventstore"
	"build-ledger/internal/model"
	"build-ledger/internal/storage"
	sqlitedriver "build-ledger/internal/storage/driver/sqlite"
	"build-ledger/internal/storage/repository"
	"build-ledger/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine  *Engine
	manager *checkpoint.Manager
	events  *eventstore.Store
	repo    *repository.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	repo := repository.NewStore(db, dialect)
	t.Cleanup(func() { repo.Close() })

	logger := logging.New(logging.Config{Level: "error", Component: "rollback"})
	events := eventstore.New(repo, logger)
	manager := checkpoint.NewManager(repo, logger)

	opts = append([]Option{WithAppender(events)}, opts...)
	return &fixture{
		engine:  NewEngine(repo, manager, logger, opts...),
		manager: manager,
		events:  events,
		repo:    repo,
	}
}

// seedCheckpoints 创建 n 个检查点，返回按创建顺序的 ID 列表
func seedCheckpoints(t *testing.T, f *fixture, n int) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for i := 0; i < n; i++ {
		c, err := f.manager.CreateCheckpoint(ctx, "b1", "design",
			map[string]interface{}{"progress": float64(i)},
			map[string]interface{}{"bundle": fmt.Sprintf("v%d", i+1)},
			checkpoint.CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	return ids
}

func TestPlanRollbackInvalidTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 无 active 检查点
	_, err := f.engine.PlanRollback(ctx, "b1", "ckpt-any")
	require.ErrorIs(t, err, ErrInvalidTarget)

	ids := seedCheckpoints(t, f, 2)

	// 目标即 active
	_, err = f.engine.PlanRollback(ctx, "b1", ids[1])
	require.ErrorIs(t, err, ErrInvalidTarget)

	// 目标不存在
	_, err = f.engine.PlanRollback(ctx, "b1", "ckpt-missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPlanRollbackStepShape(t *testing.T) {
	f := newFixture(t)
	ids := seedCheckpoints(t, f, 2)

	plan, err := f.engine.PlanRollback(context.Background(), "b1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusPlanned, plan.Status)
	assert.Equal(t, ids[1], plan.SourceCheckpointID)
	assert.Equal(t, ids[0], plan.TargetCheckpointID)

	// notify → restore_state → revert_artifact(bundle 差异) → cleanup → validate
	require.Len(t, plan.Steps, 5)
	assert.Equal(t, model.StepTypeNotify, plan.Steps[0].Type)
	assert.Equal(t, model.StepTypeRestoreState, plan.Steps[1].Type)
	assert.Equal(t, model.StepTypeRevertArtifact, plan.Steps[2].Type)
	assert.Equal(t, "bundle", plan.Steps[2].Target)
	assert.Equal(t, model.StepTypeCleanup, plan.Steps[3].Type)
	assert.Equal(t, model.StepTypeValidate, plan.Steps[4].Type)
	for i, s := range plan.Steps {
		assert.Equal(t, i+1, s.Seq)
		assert.Equal(t, model.StepStatusPending, s.Status)
	}
}

func TestPlanStepsWithoutArtifactDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 两个检查点产物完全一致，不产生 revert_artifact 步
	for i := 0; i < 2; i++ {
		_, err := f.manager.CreateCheckpoint(ctx, "b1", "design", nil,
			map[string]interface{}{"bundle": "same"}, checkpoint.CreateOptions{})
		require.NoError(t, err)
	}
	all, err := f.manager.GetAllCheckpoints(ctx, "b1")
	require.NoError(t, err)

	plan, err := f.engine.PlanRollback(ctx, "b1", all[0].ID)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 4)
	for _, s := range plan.Steps {
		assert.NotEqual(t, model.StepTypeRevertArtifact, s.Type)
	}
}

func TestRiskAssessment(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := &Engine{now: func() time.Time { return fixed }, stalenessWindow: 24 * time.Hour}

	source := &model.CheckpointData{
		Version:      12,
		Phase:        "backend",
		QualityScore: 90,
		Metadata:     model.CheckpointMetadata{CreatedAt: fixed},
	}
	target := &model.CheckpointData{
		Version:      1,
		Phase:        "design",
		QualityScore: 40,
		Metadata:     model.CheckpointMetadata{CreatedAt: fixed.Add(-48 * time.Hour)},
	}

	risks := e.assessRisks(source, target)
	byType := map[model.RiskType]model.RollbackRisk{}
	for _, r := range risks {
		byType[r.Type] = r
	}
	require.Len(t, risks, 4)
	assert.Equal(t, model.RiskLevelHigh, byType[model.RiskTypeVersionGap].Level)
	assert.Equal(t, model.RiskLevelCritical, byType[model.RiskTypeQualityRegression].Level)
	assert.Equal(t, model.RiskLevelMedium, byType[model.RiskTypePhaseMismatch].Level)
	assert.Equal(t, model.RiskLevelLow, byType[model.RiskTypeStaleness].Level)

	// 小跨度 + 轻微质量差：medium gap + high regression
	source2 := &model.CheckpointData{Version: 6, Phase: "design", QualityScore: 90,
		Metadata: model.CheckpointMetadata{CreatedAt: fixed}}
	target2 := &model.CheckpointData{Version: 2, Phase: "design", QualityScore: 70,
		Metadata: model.CheckpointMetadata{CreatedAt: fixed}}
	risks2 := e.assessRisks(source2, target2)
	require.Len(t, risks2, 2)
	assert.Equal(t, model.RiskLevelMedium, risks2[0].Level)
	assert.Equal(t, model.RiskLevelHigh, risks2[1].Level)

	// 相邻版本同阶段无风险
	assert.Empty(t, e.assessRisks(
		&model.CheckpointData{Version: 2, Phase: "design", Metadata: model.CheckpointMetadata{CreatedAt: fixed}},
		&model.CheckpointData{Version: 1, Phase: "design", Metadata: model.CheckpointMetadata{CreatedAt: fixed}},
	))
}

func TestExecuteRollback(t *testing.T) {
	f := newFixture(t)
	ids := seedCheckpoints(t, f, 3)
	ctx := context.Background()

	plan, err := f.engine.PlanRollback(ctx, "b1", ids[0])
	require.NoError(t, err)

	executed, err := f.engine.ExecuteRollback(ctx, plan.ID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusCompleted, executed.Status)
	require.NotNil(t, executed.ExecutedAt)
	require.NotNil(t, executed.FinishedAt)
	for _, s := range executed.Steps {
		assert.Equal(t, model.StepStatusCompleted, s.Status)
	}

	// active 指针移到目标
	active, err := f.manager.GetActiveCheckpoint(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, ids[0], active.ID)

	// 回滚事实进入事件日志
	events, err := f.events.GetEvents(ctx, "b1", storage.EventFilter{
		Types: []model.EventType{model.EventTypeRollbackInitiated, model.EventTypeRollbackExecuted},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	var p model.RollbackPayload
	require.NoError(t, events[1].DecodePayload(&p))
	assert.Equal(t, plan.ID, p.PlanID)
	assert.Equal(t, ids[2], p.SourceCheckpointID)
	assert.Equal(t, ids[0], p.TargetCheckpointID)
}

func TestExecuteRefusesNonPlanned(t *testing.T) {
	f := newFixture(t)
	ids := seedCheckpoints(t, f, 2)
	ctx := context.Background()

	plan, err := f.engine.PlanRollback(ctx, "b1", ids[0])
	require.NoError(t, err)
	_, err = f.engine.ExecuteRollback(ctx, plan.ID, ExecuteOptions{})
	require.NoError(t, err)

	// completed 计划不可再执行，也不可取消
	_, err = f.engine.ExecuteRollback(ctx, plan.ID, ExecuteOptions{})
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.engine.CancelRollback(ctx, plan.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelRollback(t *testing.T) {
	f := newFixture(t)
	ids := seedCheckpoints(t, f, 2)
	ctx := context.Background()

	plan, err := f.engine.PlanRollback(ctx, "b1", ids[0])
	require.NoError(t, err)

	cancelled, err := f.engine.CancelRollback(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.FinishedAt)

	// 取消后不可执行，active 不动
	_, err = f.engine.ExecuteRollback(ctx, plan.ID, ExecuteOptions{})
	require.ErrorIs(t, err, ErrInvalidTransition)
	active, err := f.manager.GetActiveCheckpoint(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, ids[1], active.ID)
}

func TestCriticalRiskRequiresForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := seedCheckpoints(t, f, 2)
	// 源质量 90，目标 30 ⇒ critical 质量回退
	require.NoError(t, f.manager.UpdateQualityScore(ctx, "b1", ids[0], 30))
	require.NoError(t, f.manager.UpdateQualityScore(ctx, "b1", ids[1], 90))

	plan, err := f.engine.PlanRollback(ctx, "b1", ids[0])
	require.NoError(t, err)
	require.True(t, plan.HasCriticalRisk())

	_, err = f.engine.ExecuteRollback(ctx, plan.ID, ExecuteOptions{})
	require.ErrorIs(t, err, ErrCriticalRisk)

	executed, err := f.engine.ExecuteRollback(ctx, plan.ID, ExecuteOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusCompleted, executed.Status)
}

func TestStepFailureFailsPlan(t *testing.T) {
	failing := func(ctx context.Context, plan *model.RollbackPlan, step *model.RollbackStep) error {
		if step.Type == model.StepTypeCleanup {
			return fmt.Errorf("cleanup blew up")
		}
		return nil
	}
	f := newFixture(t, WithStepRunner(failing))
	ids := seedCheckpoints(t, f, 2)
	ctx := context.Background()

	plan, err := f.engine.PlanRollback(ctx, "b1", ids[0])
	require.NoError(t, err)

	_, err = f.engine.ExecuteRollback(ctx, plan.ID, ExecuteOptions{})
	require.Error(t, err)

	got, err := f.engine.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusFailed, got.Status)
	assert.Contains(t, got.Error, "cleanup blew up")

	// fail-stop：cleanup 之后的 validate 保持 pending，active 不动
	for _, s := range got.Steps {
		switch s.Type {
		case model.StepTypeCleanup:
			assert.Equal(t, model.StepStatusFailed, s.Status)
		case model.StepTypeValidate:
			assert.Equal(t, model.StepStatusPending, s.Status)
		}
	}
	active, err := f.manager.GetActiveCheckpoint(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, ids[1], active.ID)
}

func TestValidateFailureDowngradedWithSkipValidation(t *testing.T) {
	failingValidate := func(ctx context.Context, plan *model.RollbackPlan, step *model.RollbackStep) error {
		if step.Type == model.StepTypeValidate {
			return fmt.Errorf("state mismatch")
		}
		return nil
	}
	f := newFixture(t, WithStepRunner(failingValidate))
	ids := seedCheckpoints(t, f, 2)
	ctx := context.Background()

	plan, err := f.engine.PlanRollback(ctx, "b1", ids[0])
	require.NoError(t, err)

	// 不跳过校验：整体失败
	_, err = f.engine.ExecuteRollback(ctx, plan.ID, ExecuteOptions{})
	require.Error(t, err)

	// 跳过校验：validate 降级为 skipped，回滚完成
	plan2, err := f.engine.PlanRollback(ctx, "b1", ids[0])
	require.NoError(t, err)
	executed, err := f.engine.ExecuteRollback(ctx, plan2.ID, ExecuteOptions{SkipValidation: true})
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusCompleted, executed.Status)
	last := executed.Steps[len(executed.Steps)-1]
	assert.Equal(t, model.StepStatusSkipped, last.Status)
	assert.Equal(t, "state mismatch", last.Error)
}

func TestListPlans(t *testing.T) {
	f := newFixture(t)
	ids := seedCheckpoints(t, f, 3)
	ctx := context.Background()

	_, err := f.engine.PlanRollback(ctx, "b1", ids[0])
	require.NoError(t, err)
	_, err = f.engine.PlanRollback(ctx, "b1", ids[1])
	require.NoError(t, err)

	plans, err := f.engine.ListPlans(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, plans, 2)
}
