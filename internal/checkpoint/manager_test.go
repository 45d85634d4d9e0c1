package checkpoint

import (
	"context"
	"testing"
	"time"

	"build-ledger/internal/eventstore"
	"build-ledger/internal/model"
	"build-ledger/internal/storage"
	sqlitedriver "build-ledger/internal/storage/driver/sqlite"
	"build-ledger/internal/storage/repository"
	"build-ledger/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *repository.Store) {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	repo := repository.NewStore(db, dialect)
	t.Cleanup(func() { repo.Close() })

	logger := logging.New(logging.Config{Level: "error", Component: "checkpoint"})
	return NewManager(repo, logger, opts...), repo
}

func TestCreateCheckpointChain(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c1, err := m.CreateCheckpoint(ctx, "b1", "design",
		map[string]interface{}{"progress": 0.3}, nil,
		CreateOptions{Reason: "phase done"})
	require.NoError(t, err)
	assert.Equal(t, 1, c1.Version)
	assert.Equal(t, model.CheckpointStatusActive, c1.Status)
	assert.True(t, c1.IsRoot())
	assert.Equal(t, "system", c1.Metadata.CreatedBy)

	c2, err := m.CreateCheckpoint(ctx, "b1", "frontend",
		map[string]interface{}{"progress": 0.6}, nil,
		CreateOptions{Reason: "gate passed", GateID: "gate-1", CreatedBy: "reviewer"})
	require.NoError(t, err)
	assert.Equal(t, 2, c2.Version)
	assert.Equal(t, c1.ID, c2.Metadata.ParentCheckpointID)
	assert.Equal(t, "gate-1", c2.Metadata.GateID)

	// 前任翻转为 superseded
	prev, err := m.GetCheckpoint(ctx, "b1", c1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointStatusSuperseded, prev.Status)

	active, err := m.GetActiveCheckpoint(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, c2.ID, active.ID)
}

func TestActiveUniqueness(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		c, err := m.CreateCheckpoint(ctx, "b1", "design", nil, nil, CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	require.NoError(t, m.SetActiveCheckpoint(ctx, "b1", ids[1]))

	all, err := m.GetAllCheckpoints(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, all, 4)
	activeCount := 0
	for _, c := range all {
		if c.IsActive() {
			activeCount++
			assert.Equal(t, ids[1], c.ID)
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestDeepCopyIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	state := map[string]interface{}{"files": []interface{}{"a.go"}}
	artifacts := map[string]interface{}{"bundle": "v1"}
	c, err := m.CreateCheckpoint(ctx, "b1", "design", state, artifacts, CreateOptions{})
	require.NoError(t, err)

	// 快照后改动调用方对象不得污染检查点
	state["files"] = []interface{}{"a.go", "b.go"}
	artifacts["bundle"] = "v2"

	got, err := m.GetCheckpoint(ctx, "b1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a.go"}, got.State["files"])
	assert.Equal(t, "v1", got.Artifacts["bundle"])
}

func TestGetCheckpointHistory(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for _, phase := range []string{"design", "frontend", "backend"} {
		c, err := m.CreateCheckpoint(ctx, "b1", phase, nil, nil, CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	// 默认从 active 出发，根到当前
	chain, err := m.GetCheckpointHistory(ctx, "b1", "")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, ids[0], chain[0].ID)
	assert.Equal(t, ids[2], chain[2].ID)

	// 从中间节点出发只回溯其祖先
	mid, err := m.GetCheckpointHistory(ctx, "b1", ids[1])
	require.NoError(t, err)
	require.Len(t, mid, 2)
	assert.Equal(t, ids[0], mid[0].ID)
}

func TestNarrowMutators(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.CreateCheckpoint(ctx, "b1", "design", nil, nil, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.UpdateQualityScore(ctx, "b1", c.ID, 92.5))
	require.NoError(t, m.MarkRolledBack(ctx, "b1", c.ID))

	got, err := m.GetCheckpoint(ctx, "b1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, 92.5, got.QualityScore)
	assert.Equal(t, model.CheckpointStatusRolledBack, got.Status)

	err = m.UpdateQualityScore(ctx, "b1", "ckpt-missing", 50)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCheckpointEventAppended(t *testing.T) {
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	repo := repository.NewStore(db, dialect)
	t.Cleanup(func() { repo.Close() })

	logger := logging.New(logging.Config{Level: "error", Component: "checkpoint"})
	events := eventstore.New(repo, logger)
	m := NewManager(repo, logger, WithAppender(events))
	ctx := context.Background()

	c, err := m.CreateCheckpoint(ctx, "b1", "design", nil, nil, CreateOptions{})
	require.NoError(t, err)

	got, err := events.GetEvents(ctx, "b1", storage.EventFilter{
		Types: []model.EventType{model.EventTypeCheckpointCreated},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	var p model.CheckpointPayload
	require.NoError(t, got[0].DecodePayload(&p))
	assert.Equal(t, c.ID, p.CheckpointID)
	assert.Equal(t, 1, p.Version)
}

func TestArchiverReplacesInlineArtifacts(t *testing.T) {
	archiver := &stubArchiver{key: "builds/b1/ckpt.json"}
	m, _ := newTestManager(t, WithArchiver(archiver))
	ctx := context.Background()

	c, err := m.CreateCheckpoint(ctx, "b1", "design", nil,
		map[string]interface{}{"bundle": "big"},
		CreateOptions{ArchiveArtifacts: true})
	require.NoError(t, err)
	assert.Equal(t, "builds/b1/ckpt.json", c.ArtifactObjectKey)
	assert.Nil(t, c.Artifacts)
	assert.Equal(t, "big", archiver.got["bundle"])
}

type stubArchiver struct {
	key string
	got map[string]interface{}
}

func (s *stubArchiver) ArchiveArtifacts(ctx context.Context, buildID, checkpointID string, artifacts map[string]interface{}) (string, error) {
	s.got = artifacts
	return s.key, nil
}

func TestClockInjection(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	c, err := m.CreateCheckpoint(ctx, "b1", "design", nil, nil, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, fixed, c.Metadata.CreatedAt)
}
