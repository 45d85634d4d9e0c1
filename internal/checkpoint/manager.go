// Package checkpoint 检查点管理器
//
// 维护每个 Build 的不可变快照链：检查点经 ParentCheckpointID 串成
// 单向链，任意时刻恰好一个 active。创建与回滚互斥（Locker），
// active 指针只能由回滚引擎经 SetActiveCheckpoint 后移。
package checkpoint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"build-ledger/internal/eventstore"
	"build-ledger/internal/metrics"
	"build-ledger/internal/model"
	"build-ledger/internal/storage"
	"build-ledger/pkg/logging"
)

// Appender 事件追加能力（检查点创建后记账用）
//
// *eventstore.Store 实现该接口。
type Appender interface {
	Append(ctx context.Context, buildID string, eventType model.EventType, payload interface{}, opts eventstore.AppendOptions) (*model.BuildEvent, error)
}

// ArtifactArchiver 大体量产物归档能力（可选，objstore 实现）
type ArtifactArchiver interface {
	ArchiveArtifacts(ctx context.Context, buildID, checkpointID string, artifacts map[string]interface{}) (string, error)
}

// CreateOptions 检查点创建选项
type CreateOptions struct {
	// Reason 创建原因（如 "quality gate passed"）
	Reason string

	// GateID 触发创建的质量门（可选）
	GateID string

	// CreatedBy 创建者标识，空表示 system
	CreatedBy string

	// ArchiveArtifacts 为 true 时把产物归档到对象存储，
	// 检查点只保留对象键
	ArchiveArtifacts bool
}

// Manager 检查点管理器
type Manager struct {
	store    storage.CheckpointStore
	locker   Locker
	appender Appender
	archiver ArtifactArchiver
	metrics  *metrics.Metrics
	logger   *logging.Logger
	now      func() time.Time
}

// Option Manager 可选配置
type Option func(*Manager)

// WithLocker 注入分布式锁（默认进程内锁）
func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithAppender 注入事件追加器，检查点创建后补记 checkpoint_created 事件
func WithAppender(a Appender) Option {
	return func(m *Manager) { m.appender = a }
}

// WithArchiver 注入产物归档器
func WithArchiver(a ArtifactArchiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// WithMetrics 注入指标
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager 创建检查点管理器
func NewManager(store storage.CheckpointStore, logger *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		locker: NewMutexLocker(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateCheckpoint 创建新检查点并接管 active
//
// 序号 = 已有检查点数 + 1。原 active（若有）成为新检查点的父节点
// 并翻转为 superseded（与插入同一事务）。state/artifacts 在快照时
// 深拷贝，调用方之后的改动不影响历史。
func (m *Manager) CreateCheckpoint(ctx context.Context, buildID, phase string, state, artifacts map[string]interface{}, opts CreateOptions) (*model.CheckpointData, error) {
	if buildID == "" {
		return nil, fmt.Errorf("checkpoint: build id is required")
	}
	if err := m.locker.Lock(ctx, buildID); err != nil {
		return nil, fmt.Errorf("checkpoint: acquire build lock: %w", err)
	}
	defer m.locker.Unlock(ctx, buildID)

	count, err := m.store.CountCheckpoints(ctx, buildID)
	if err != nil {
		m.recordCheckpoint(false)
		return nil, err
	}

	var parentID string
	active, err := m.store.GetActiveCheckpoint(ctx, buildID)
	switch {
	case err == nil:
		parentID = active.ID
	case errors.Is(err, storage.ErrNotFound):
		// 首个检查点，无父节点
	default:
		m.recordCheckpoint(false)
		return nil, err
	}

	stateCopy, err := deepCopy(state)
	if err != nil {
		m.recordCheckpoint(false)
		return nil, fmt.Errorf("checkpoint: snapshot state: %w", err)
	}
	artifactsCopy, err := deepCopy(artifacts)
	if err != nil {
		m.recordCheckpoint(false)
		return nil, fmt.Errorf("checkpoint: snapshot artifacts: %w", err)
	}

	createdBy := opts.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}
	ckpt := &model.CheckpointData{
		ID:        generateID("ckpt"),
		BuildID:   buildID,
		Phase:     phase,
		Version:   count + 1,
		Status:    model.CheckpointStatusActive,
		State:     stateCopy,
		Artifacts: artifactsCopy,
		Metadata: model.CheckpointMetadata{
			CreatedAt:          m.now().UTC(),
			CreatedBy:          createdBy,
			Reason:             opts.Reason,
			GateID:             opts.GateID,
			ParentCheckpointID: parentID,
		},
	}

	if opts.ArchiveArtifacts && m.archiver != nil && len(artifactsCopy) > 0 {
		key, err := m.archiver.ArchiveArtifacts(ctx, buildID, ckpt.ID, artifactsCopy)
		if err != nil {
			m.recordCheckpoint(false)
			return nil, fmt.Errorf("checkpoint: archive artifacts: %w", err)
		}
		ckpt.ArtifactObjectKey = key
		ckpt.Artifacts = nil
	}

	if err := m.store.CreateCheckpoint(ctx, ckpt, parentID); err != nil {
		m.recordCheckpoint(false)
		return nil, err
	}
	m.recordCheckpoint(true)

	// 记账事件尽力而为：事件日志故障不回滚已落盘的检查点
	if m.appender != nil {
		_, err := m.appender.Append(ctx, buildID, model.EventTypeCheckpointCreated,
			model.CheckpointPayload{CheckpointID: ckpt.ID, Version: ckpt.Version, Phase: phase},
			eventstore.AppendOptions{})
		if err != nil && m.logger != nil {
			m.logger.WithBuildID(buildID).WithError(err).Warn("checkpoint event append failed",
				"checkpoint_id", ckpt.ID)
		}
	}

	if m.logger != nil {
		m.logger.WithBuildID(buildID).Info("checkpoint created",
			"checkpoint_id", ckpt.ID,
			"version", ckpt.Version,
			"phase", phase,
			"parent", parentID)
	}
	return ckpt, nil
}

// GetActiveCheckpoint 返回当前生效的检查点
func (m *Manager) GetActiveCheckpoint(ctx context.Context, buildID string) (*model.CheckpointData, error) {
	return m.store.GetActiveCheckpoint(ctx, buildID)
}

// GetCheckpoint 按 ID 查询检查点
func (m *Manager) GetCheckpoint(ctx context.Context, buildID, checkpointID string) (*model.CheckpointData, error) {
	return m.store.GetCheckpoint(ctx, buildID, checkpointID)
}

// GetCheckpointByVersion 按序号查询检查点
func (m *Manager) GetCheckpointByVersion(ctx context.Context, buildID string, version int) (*model.CheckpointData, error) {
	return m.store.GetCheckpointByVersion(ctx, buildID, version)
}

// GetAllCheckpoints 返回 Build 的全部检查点（按序号升序）
func (m *Manager) GetAllCheckpoints(ctx context.Context, buildID string) ([]*model.CheckpointData, error) {
	return m.store.ListCheckpoints(ctx, buildID)
}

// GetCheckpointHistory 沿父指针回溯快照链
//
// checkpointID 为空时从当前 active 出发；返回顺序为根到当前。
func (m *Manager) GetCheckpointHistory(ctx context.Context, buildID, checkpointID string) ([]*model.CheckpointData, error) {
	var start *model.CheckpointData
	var err error
	if checkpointID == "" {
		start, err = m.store.GetActiveCheckpoint(ctx, buildID)
	} else {
		start, err = m.store.GetCheckpoint(ctx, buildID, checkpointID)
	}
	if err != nil {
		return nil, err
	}

	// 链无环且终止于根节点；seen 防御数据损坏导致的死循环
	var chain []*model.CheckpointData
	seen := make(map[string]bool)
	for cur := start; ; {
		if seen[cur.ID] {
			return nil, fmt.Errorf("checkpoint: cycle detected at %s", cur.ID)
		}
		seen[cur.ID] = true
		chain = append(chain, cur)
		if cur.IsRoot() {
			break
		}
		cur, err = m.store.GetCheckpoint(ctx, buildID, cur.Metadata.ParentCheckpointID)
		if err != nil {
			return nil, err
		}
	}

	// 反转为根到当前
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// SetActiveCheckpoint 把 active 指针移到指定检查点
//
// 仅供回滚引擎调用：原 active 翻转为 rolled_back，目标翻转为
// active，这是 active 唯一允许后移的路径。
func (m *Manager) SetActiveCheckpoint(ctx context.Context, buildID, checkpointID string) error {
	if err := m.locker.Lock(ctx, buildID); err != nil {
		return fmt.Errorf("checkpoint: acquire build lock: %w", err)
	}
	defer m.locker.Unlock(ctx, buildID)

	if err := m.store.SetActiveCheckpoint(ctx, buildID, checkpointID); err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.WithBuildID(buildID).Info("active checkpoint moved", "checkpoint_id", checkpointID)
	}
	return nil
}

// UpdateQualityScore 补写检查点质量分
func (m *Manager) UpdateQualityScore(ctx context.Context, buildID, checkpointID string, score float64) error {
	return m.store.UpdateQualityScore(ctx, buildID, checkpointID, score)
}

// MarkRolledBack 把检查点标记为 rolled_back
func (m *Manager) MarkRolledBack(ctx context.Context, buildID, checkpointID string) error {
	return m.store.UpdateCheckpointStatus(ctx, buildID, checkpointID, model.CheckpointStatusRolledBack)
}

func (m *Manager) recordCheckpoint(success bool) {
	if m.metrics != nil {
		m.metrics.RecordCheckpoint(success)
	}
}

// deepCopy JSON 往返深拷贝，nil 输入返回 nil
func deepCopy(in map[string]interface{}) (map[string]interface{}, error) {
	if in == nil {
		return nil, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(in))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// generateID 生成带前缀的随机标识
func generateID(prefix string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}
