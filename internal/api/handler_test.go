package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"build-ledger/internal/checkpoint"
	"build-ledger/internal/eventstore"
	"build-ledger/internal/gate"
	"build-ledger/internal/model"
	"build-ledger/internal/projection"
	"build-ledger/internal/rollback"
	sqlitedriver "build-ledger/internal/storage/driver/sqlite"
	"build-ledger/internal/storage/repository"
	"build-ledger/internal/timemachine"
	"build-ledger/pkg/logging"
)

// newTestHandler 在 sqlite 内存库上组装完整的处理器栈
func newTestHandler(t *testing.T) (http.Handler, *Handler) {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	repo := repository.NewStore(db, dialect)
	t.Cleanup(func() { repo.Close() })

	logger := logging.New(logging.Config{Level: "error", Component: "api"})
	events := eventstore.New(repo, logger)
	projector := projection.New()
	machine := timemachine.New(events, projector, repo, logger)
	manager := checkpoint.NewManager(repo, logger, checkpoint.WithAppender(events))

	registry := gate.NewRegistry()
	registry.Register(&gate.Rule{
		ID:    "artifact-present",
		Level: model.RuleLevelBlock,
		Validate: func(ctx context.Context, vc *gate.ValidationContext) (*model.ValidationResult, error) {
			if len(vc.Artifacts) == 0 {
				return &model.ValidationResult{Status: model.ResultStatusFailed, Message: "no artifacts"}, nil
			}
			return &model.ValidationResult{Status: model.ResultStatusPassed}, nil
		},
	})
	registry.Register(&gate.Rule{
		ID:     "release-signoff",
		Level:  model.RuleLevelRequireApproval,
		Phases: []string{"release"},
		Validate: func(ctx context.Context, vc *gate.ValidationContext) (*model.ValidationResult, error) {
			return &model.ValidationResult{Status: model.ResultStatusPassed}, nil
		},
	})
	gates := gate.NewEvaluator(repo, registry, logger,
		gate.WithAppender(events), gate.WithCheckpointCreator(manager))
	rollbacks := rollback.NewEngine(repo, manager, logger, rollback.WithAppender(events))

	h := NewHandler(events, projector, machine, manager, gates, rollbacks, logger)
	return h.Router(), h
}

// do 发送 JSON 请求并返回响应记录器
func do(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	router, _ := newTestHandler(t)
	rec := do(t, router, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestEventEndpoints(t *testing.T) {
	router, _ := newTestHandler(t)

	rec := do(t, router, "POST", "/api/v1/builds/b1/events", AppendEventRequest{
		Type: model.EventTypeBuildStarted,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[*model.BuildEvent](t, rec)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, "b1", first.BuildID)

	rec = do(t, router, "POST", "/api/v1/builds/b1/events", AppendEventRequest{
		Type:          model.EventTypePhaseStarted,
		Payload:       json.RawMessage(`{"phase":"design"}`),
		CorrelationID: "corr-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decode[*model.BuildEvent](t, rec)
	assert.Equal(t, int64(2), second.Version)

	// 缺少 type 拒绝
	rec = do(t, router, "POST", "/api/v1/builds/b1/events", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "GET", "/api/v1/builds/b1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[EventListResponse](t, rec)
	assert.Equal(t, 2, list.Count)

	rec = do(t, router, "GET", "/api/v1/builds/b1/events?from_version=2", nil)
	list = decode[EventListResponse](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, model.EventTypePhaseStarted, list.Events[0].Type)

	rec = do(t, router, "GET", "/api/v1/builds/b1/events?types=build_started", nil)
	list = decode[EventListResponse](t, rec)
	assert.Equal(t, 1, list.Count)

	rec = do(t, router, "GET", "/api/v1/builds/b1/events/"+second.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, "GET", "/api/v1/builds/b1/events/evt-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, "GET", "/api/v1/correlations/corr-1/events", nil)
	list = decode[EventListResponse](t, rec)
	assert.Equal(t, 1, list.Count)
}

func TestStateEndpoints(t *testing.T) {
	router, _ := newTestHandler(t)

	appendEvent := func(typ model.EventType, payload string) *model.BuildEvent {
		rec := do(t, router, "POST", "/api/v1/builds/b1/events", AppendEventRequest{
			Type:    typ,
			Payload: json.RawMessage(payload),
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return decode[*model.BuildEvent](t, rec)
	}

	appendEvent(model.EventTypeBuildStarted, `{}`)
	appendEvent(model.EventTypePhaseStarted, `{"phase":"design"}`)
	third := appendEvent(model.EventTypeAgentCompleted, `{"phase":"design","agent_id":"pixel","tokens_used":500}`)

	rec := do(t, router, "GET", "/api/v1/builds/b1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[*model.ProjectedBuildState](t, rec)
	assert.Equal(t, "b1", state.BuildID)
	assert.Equal(t, int64(3), state.Version)

	rec = do(t, router, "GET", "/api/v1/builds/b1/state/at?version=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state = decode[*model.ProjectedBuildState](t, rec)
	assert.Equal(t, int64(1), state.Version)

	rec = do(t, router, "GET", "/api/v1/builds/b1/state/at", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "GET", "/api/v1/builds/b1/state/at?version=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "GET", "/api/v1/builds/b1/state/before/"+third.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state = decode[*model.ProjectedBuildState](t, rec)
	assert.Equal(t, int64(2), state.Version)

	rec = do(t, router, "GET", "/api/v1/builds/b1/diff?from=1&to=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	diff := decode[*model.StateDiff](t, rec)
	assert.Equal(t, int64(1), diff.VersionA)
	assert.Equal(t, int64(3), diff.VersionB)
	assert.NotEmpty(t, diff.Changes)

	rec = do(t, router, "GET", "/api/v1/builds/b1/diff?from=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "GET", "/api/v1/builds/b1/replay?checkpoint_version=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "GET", "/api/v1/builds/b1/replay?checkpoint_version=1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpointEndpoints(t *testing.T) {
	router, _ := newTestHandler(t)

	rec := do(t, router, "POST", "/api/v1/builds/b1/checkpoints", CreateCheckpointRequest{
		Phase: "design",
		State: map[string]interface{}{"progress": 0.3},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	c1 := decode[*model.CheckpointData](t, rec)
	assert.Equal(t, 1, c1.Version)

	rec = do(t, router, "POST", "/api/v1/builds/b1/checkpoints", CreateCheckpointRequest{
		Phase:  "frontend",
		State:  map[string]interface{}{"progress": 0.6},
		Reason: "phase done",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	c2 := decode[*model.CheckpointData](t, rec)
	assert.Equal(t, 2, c2.Version)
	assert.Equal(t, c1.ID, c2.Metadata.ParentCheckpointID)

	rec = do(t, router, "POST", "/api/v1/builds/b1/checkpoints", CreateCheckpointRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "GET", "/api/v1/builds/b1/checkpoints", nil)
	listing := decode[struct {
		Checkpoints []*model.CheckpointData `json:"checkpoints"`
		Count       int                     `json:"count"`
	}](t, rec)
	assert.Equal(t, 2, listing.Count)

	rec = do(t, router, "GET", "/api/v1/builds/b1/checkpoints/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[*model.CheckpointData](t, rec)
	assert.Equal(t, c2.ID, active.ID)

	rec = do(t, router, "GET", "/api/v1/builds/b1/checkpoints/"+c1.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, "GET", "/api/v1/builds/b1/checkpoints/"+c2.ID+"/history", nil)
	history := decode[struct {
		History []*model.CheckpointData `json:"history"`
		Count   int                     `json:"count"`
	}](t, rec)
	require.Equal(t, 2, history.Count)
	assert.Equal(t, c1.ID, history.History[0].ID)

	rec = do(t, router, "GET", "/api/v1/builds/unknown/checkpoints/active", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateEndpoints(t *testing.T) {
	router, _ := newTestHandler(t)

	rec := do(t, router, "POST", "/api/v1/builds/b1/gates", EvaluateGateRequest{
		Phase:     "design",
		Artifacts: map[string]interface{}{"mockup": "v1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	passed := decode[*model.QualityGate](t, rec)
	assert.Equal(t, model.GateStatusPassed, passed.Status)
	assert.Equal(t, float64(100), passed.Summary.OverallScore)

	// 缺少 phase 拒绝
	rec = do(t, router, "POST", "/api/v1/builds/b1/gates", EvaluateGateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "GET", "/api/v1/gates/"+passed.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, "GET", "/api/v1/gates/gate-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 已终结的门不能再审批
	rec = do(t, router, "POST", "/api/v1/gates/"+passed.ID+"/approvals", SubmitApprovalRequest{
		Approver: "reviewer",
		Decision: model.ApprovalDecisionApprove,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// release 阶段触发人工审批
	rec = do(t, router, "POST", "/api/v1/builds/b1/gates", EvaluateGateRequest{
		Phase:     "release",
		Artifacts: map[string]interface{}{"bundle": "v1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	pending := decode[*model.QualityGate](t, rec)
	require.Equal(t, model.GateStatusPending, pending.Status)

	rec = do(t, router, "POST", "/api/v1/gates/"+pending.ID+"/approval-requests", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, router, "POST", "/api/v1/gates/"+pending.ID+"/approvals", SubmitApprovalRequest{
		Approver: "reviewer",
		Decision: "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "POST", "/api/v1/gates/"+pending.ID+"/approvals", SubmitApprovalRequest{
		Approver: "reviewer",
		Decision: model.ApprovalDecisionApprove,
		Reason:   "looks good",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, router, "GET", "/api/v1/gates/"+pending.ID, nil)
	resolved := decode[*model.QualityGate](t, rec)
	assert.Equal(t, model.GateStatusApproved, resolved.Status)

	rec = do(t, router, "GET", "/api/v1/builds/b1/gates", nil)
	gates := decode[struct {
		Gates []*model.QualityGate `json:"gates"`
		Count int                  `json:"count"`
	}](t, rec)
	assert.Equal(t, 2, gates.Count)
}

func TestRollbackEndpoints(t *testing.T) {
	router, _ := newTestHandler(t)

	var ckpts []*model.CheckpointData
	for i := 1; i <= 3; i++ {
		rec := do(t, router, "POST", "/api/v1/builds/b1/checkpoints", CreateCheckpointRequest{
			Phase: "design",
			State: map[string]interface{}{"progress": float64(i) * 0.2},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		ckpts = append(ckpts, decode[*model.CheckpointData](t, rec))
	}

	// 目标必须早于 active
	rec := do(t, router, "POST", "/api/v1/builds/b1/rollbacks", PlanRollbackRequest{
		TargetCheckpointID: ckpts[2].ID,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, router, "POST", "/api/v1/builds/b1/rollbacks", PlanRollbackRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "POST", "/api/v1/builds/b1/rollbacks", PlanRollbackRequest{
		TargetCheckpointID: "ckpt-missing",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, "POST", "/api/v1/builds/b1/rollbacks", PlanRollbackRequest{
		TargetCheckpointID: ckpts[0].ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	plan := decode[*model.RollbackPlan](t, rec)
	assert.Equal(t, model.PlanStatusPlanned, plan.Status)
	assert.NotEmpty(t, plan.Steps)

	rec = do(t, router, "GET", "/api/v1/builds/b1/rollbacks", nil)
	plans := decode[struct {
		Plans []*model.RollbackPlan `json:"plans"`
		Count int                   `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, plans.Count)

	rec = do(t, router, "GET", "/api/v1/plans/"+plan.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, "POST", fmt.Sprintf("/api/v1/plans/%s/execute", plan.ID), ExecuteRollbackRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	executed := decode[*model.RollbackPlan](t, rec)
	assert.Equal(t, model.PlanStatusCompleted, executed.Status)

	// active 指针移回目标
	rec = do(t, router, "GET", "/api/v1/builds/b1/checkpoints/active", nil)
	active := decode[*model.CheckpointData](t, rec)
	assert.Equal(t, ckpts[0].ID, active.ID)

	// 已完成的计划不能再执行或取消
	rec = do(t, router, "POST", fmt.Sprintf("/api/v1/plans/%s/execute", plan.ID), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, router, "POST", fmt.Sprintf("/api/v1/plans/%s/cancel", plan.ID), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
