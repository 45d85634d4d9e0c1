// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"build-ledger/internal/model"
	"build-ledger/internal/storage"
	"build-ledger/internal/storage/dbutil"
	sqlitedriver "build-ledger/internal/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEvent(buildID string, version int64, typ model.EventType, payload string) *model.BuildEvent {
	e := &model.BuildEvent{
		ID:        "evt-" + buildID + "-" + time.Now().Format("150405.000000") + string(rune('a'+version%26)),
		BuildID:   buildID,
		StreamID:  model.StreamIDForBuild(buildID),
		Type:      typ,
		Version:   version,
		Timestamp: time.Date(2026, 3, 1, 10, 0, int(version), 0, time.UTC),
		ActorID:   "orchestrator",
		ActorType: model.ActorTypeSystem,
		Metadata:  model.EventMetadata{SchemaVersion: model.SchemaVersion, Environment: "test"},
	}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	return e
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	// 应去除 PG 类型转换
	assert.Equal(t, "UPDATE t SET status = ? WHERE id = ?",
		d.Rebind("UPDATE t SET status = $1::varchar WHERE id = $2"))
}

// ============================================================================
// EventLog 测试
// ============================================================================

func TestEventAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, newTestEvent("b1", 1, model.EventTypeBuildCreated, "")))
	require.NoError(t, s.AppendEvent(ctx, newTestEvent("b1", 2, model.EventTypePhaseStarted, `{"phase":"design"}`)))
	require.NoError(t, s.AppendEvent(ctx, newTestEvent("b1", 3, model.EventTypeAgentStarted, `{"agent_id":"pixel","phase":"design"}`)))
	// 其他 Build 的事件不应串流
	require.NoError(t, s.AppendEvent(ctx, newTestEvent("b2", 1, model.EventTypeBuildCreated, "")))

	max, err := s.MaxVersion(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)

	cnt, err := s.CountEvents(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cnt)

	events, err := s.ListEvents(ctx, "b1", storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Version)
	assert.Equal(t, int64(3), events[2].Version)
	assert.Equal(t, model.EventTypePhaseStarted, events[1].Type)
	assert.Equal(t, model.SchemaVersion, events[0].Metadata.SchemaVersion)

	// Payload 往返
	var p model.AgentPayload
	require.NoError(t, events[2].DecodePayload(&p))
	assert.Equal(t, "pixel", p.AgentID)
}

func TestEventAppendDuplicateVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, newTestEvent("b1", 1, model.EventTypeBuildCreated, "")))

	dup := newTestEvent("b1", 1, model.EventTypeBuildStarted, "")
	dup.ID = "evt-other"
	err := s.AppendEvent(ctx, dup)
	require.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestEventFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, newTestEvent("b1", 1, model.EventTypeBuildCreated, "")))
	require.NoError(t, s.AppendEvent(ctx, newTestEvent("b1", 2, model.EventTypePhaseStarted, "")))
	require.NoError(t, s.AppendEvent(ctx, newTestEvent("b1", 3, model.EventTypePhaseCompleted, "")))
	require.NoError(t, s.AppendEvent(ctx, newTestEvent("b1", 4, model.EventTypeBuildCompleted, "")))

	// 版本范围
	events, err := s.ListEvents(ctx, "b1", storage.EventFilter{FromVersion: 2, ToVersion: 3})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Version)

	// 类型过滤
	events, err = s.ListEvents(ctx, "b1", storage.EventFilter{
		Types: []model.EventType{model.EventTypePhaseStarted, model.EventTypePhaseCompleted},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)

	// 条数限制
	events, err = s.ListEvents(ctx, "b1", storage.EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Version)

	// 截止时间（事件时间 = 10:00:0N）
	events, err = s.ListEventsUntil(ctx, "b1", time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestEventGetAndCorrelated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1 := newTestEvent("b1", 1, model.EventTypeBuildCreated, "")
	e1.ID = "evt-aaa"
	e1.CorrelationID = "corr-1"
	e2 := newTestEvent("b2", 1, model.EventTypeBuildCreated, "")
	e2.ID = "evt-bbb"
	e2.CorrelationID = "corr-1"
	e2.Timestamp = e1.Timestamp.Add(time.Minute)
	require.NoError(t, s.AppendEvent(ctx, e1))
	require.NoError(t, s.AppendEvent(ctx, e2))

	got, err := s.GetEvent(ctx, "b1", "evt-aaa")
	require.NoError(t, err)
	assert.Equal(t, "corr-1", got.CorrelationID)

	_, err = s.GetEvent(ctx, "b1", "evt-missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	// 事件属于 b2，不应跨 Build 命中
	_, err = s.GetEvent(ctx, "b1", "evt-bbb")
	require.ErrorIs(t, err, storage.ErrNotFound)

	correlated, err := s.ListCorrelatedEvents(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, correlated, 2)
	assert.Equal(t, "evt-aaa", correlated[0].ID)
	assert.Equal(t, "evt-bbb", correlated[1].ID)
}

// ============================================================================
// CheckpointStore 测试
// ============================================================================

func newTestCheckpoint(buildID, id string, version int, parentID string) *model.CheckpointData {
	return &model.CheckpointData{
		ID:      id,
		BuildID: buildID,
		Phase:   "design",
		Version: version,
		Status:  model.CheckpointStatusActive,
		State:   map[string]interface{}{"status": "running", "current_phase": "design"},
		Artifacts: map[string]interface{}{
			"wireframe": map[string]interface{}{"pages": float64(3)},
		},
		QualityScore: 85,
		Metadata: model.CheckpointMetadata{
			CreatedAt:          time.Date(2026, 3, 1, 11, 0, version, 0, time.UTC),
			CreatedBy:          "gate-evaluator",
			Reason:             "quality gate passed",
			ParentCheckpointID: parentID,
		},
	}
}

func TestCheckpointCreateAndSupersede(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c1 := newTestCheckpoint("b1", "ckpt-001", 1, "")
	require.NoError(t, s.CreateCheckpoint(ctx, c1, ""))

	c2 := newTestCheckpoint("b1", "ckpt-002", 2, "ckpt-001")
	require.NoError(t, s.CreateCheckpoint(ctx, c2, "ckpt-001"))

	// 每个 Build 恰好一个 active
	active, err := s.GetActiveCheckpoint(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "ckpt-002", active.ID)

	got, err := s.GetCheckpoint(ctx, "b1", "ckpt-001")
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointStatusSuperseded, got.Status)
	assert.Equal(t, "gate-evaluator", got.Metadata.CreatedBy)
	assert.Equal(t, float64(3), got.Artifacts["wireframe"].(map[string]interface{})["pages"])

	byVersion, err := s.GetCheckpointByVersion(ctx, "b1", 2)
	require.NoError(t, err)
	assert.Equal(t, "ckpt-002", byVersion.ID)
	assert.Equal(t, "ckpt-001", byVersion.Metadata.ParentCheckpointID)

	ckpts, err := s.ListCheckpoints(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, ckpts, 2)
	assert.Equal(t, 1, ckpts[0].Version)

	cnt, err := s.CountCheckpoints(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, cnt)
}

func TestCheckpointDuplicateVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCheckpoint(ctx, newTestCheckpoint("b1", "ckpt-001", 1, ""), ""))
	err := s.CreateCheckpoint(ctx, newTestCheckpoint("b1", "ckpt-dup", 1, ""), "")
	require.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestSetActiveCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCheckpoint(ctx, newTestCheckpoint("b1", "ckpt-001", 1, ""), ""))
	require.NoError(t, s.CreateCheckpoint(ctx, newTestCheckpoint("b1", "ckpt-002", 2, "ckpt-001"), "ckpt-001"))

	// 回滚：ckpt-002 → rolled_back，ckpt-001 → active
	require.NoError(t, s.SetActiveCheckpoint(ctx, "b1", "ckpt-001"))

	active, err := s.GetActiveCheckpoint(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "ckpt-001", active.ID)

	old, err := s.GetCheckpoint(ctx, "b1", "ckpt-002")
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointStatusRolledBack, old.Status)

	// 目标不存在
	err = s.SetActiveCheckpoint(ctx, "b1", "ckpt-missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCheckpointUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCheckpoint(ctx, newTestCheckpoint("b1", "ckpt-001", 1, ""), ""))

	require.NoError(t, s.UpdateQualityScore(ctx, "b1", "ckpt-001", 92.5))
	got, err := s.GetCheckpoint(ctx, "b1", "ckpt-001")
	require.NoError(t, err)
	assert.Equal(t, 92.5, got.QualityScore)

	require.NoError(t, s.UpdateCheckpointStatus(ctx, "b1", "ckpt-001", model.CheckpointStatusRolledBack))
	got, _ = s.GetCheckpoint(ctx, "b1", "ckpt-001")
	assert.Equal(t, model.CheckpointStatusRolledBack, got.Status)

	err = s.UpdateQualityScore(ctx, "b1", "ckpt-missing", 50)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// ============================================================================
// GateStore / PlanStore 测试
// ============================================================================

func TestGateCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	gate := &model.QualityGate{
		ID:      "gate-001",
		BuildID: "b1",
		Phase:   "design",
		Rules:   []string{"has-wireframe", "token-budget"},
		Status:  model.GateStatusPending,
		Results: []model.ValidationResult{
			{RuleID: "has-wireframe", Status: model.ResultStatusPassed, Level: model.RuleLevelBlock},
		},
		Summary:   model.GateSummary{Total: 2, Passed: 1, OverallScore: 71},
		CreatedAt: now,
	}
	require.NoError(t, s.CreateGate(ctx, gate))

	got, err := s.GetGate(ctx, "gate-001")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.BuildID)
	assert.Equal(t, float64(71), got.Summary.OverallScore)
	require.Len(t, got.Results, 1)
	assert.Equal(t, model.RuleLevelBlock, got.Results[0].Level)

	// 更新：追加审批并终结
	got.Status = model.GateStatusApproved
	got.Approvals = append(got.Approvals, model.GateApproval{
		ID: "appr-001", GateID: "gate-001", Approver: "alice",
		Decision: model.ApprovalDecisionApprove, CreatedAt: now,
	})
	require.NoError(t, s.UpdateGate(ctx, got))

	updated, err := s.GetGate(ctx, "gate-001")
	require.NoError(t, err)
	assert.Equal(t, model.GateStatusApproved, updated.Status)
	require.Len(t, updated.Approvals, 1)
	assert.True(t, updated.Approvals[0].IsApproved())

	gates, err := s.ListGatesByBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, gates, 1)

	_, err = s.GetGate(ctx, "gate-missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPlanCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	plan := &model.RollbackPlan{
		ID:                 "plan-001",
		BuildID:            "b1",
		SourceCheckpointID: "ckpt-003",
		TargetCheckpointID: "ckpt-001",
		Steps: []model.RollbackStep{
			{Seq: 1, Type: model.StepTypeNotify, Description: "notify subscribers", Status: model.StepStatusPending},
			{Seq: 2, Type: model.StepTypeRestoreState, Description: "restore state", Status: model.StepStatusPending},
		},
		Risks: []model.RollbackRisk{
			{Type: model.RiskTypeVersionGap, Level: model.RiskLevelMedium, Description: "rolling back 2 versions"},
		},
		Status:    model.PlanStatusPlanned,
		CreatedAt: now,
	}
	require.NoError(t, s.CreatePlan(ctx, plan))

	got, err := s.GetPlan(ctx, "plan-001")
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusPlanned, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, model.StepTypeNotify, got.Steps[0].Type)
	assert.False(t, got.HasCriticalRisk())

	got.Status = model.PlanStatusCompleted
	got.Steps[0].Status = model.StepStatusCompleted
	require.NoError(t, s.UpdatePlan(ctx, got))

	updated, err := s.GetPlan(ctx, "plan-001")
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusCompleted, updated.Status)
	assert.Equal(t, model.StepStatusCompleted, updated.Steps[0].Status)

	plans, err := s.ListPlansByBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, plans, 1)

	_, err = s.GetPlan(ctx, "plan-missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
