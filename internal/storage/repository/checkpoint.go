// Package repository 检查点的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"build-ledger/internal/model"
	"build-ledger/internal/storage"
)

const checkpointColumns = `id, build_id, phase, version, status, state, artifacts,
	artifact_object_key, quality_score, created_at, created_by, reason,
	gate_id, parent_checkpoint_id`

// CreateCheckpoint 创建检查点
//
// 在同一事务内插入新检查点并把 supersededID（若非空）翻转为
// superseded，保证 "每个 Build 恰好一个 active" 不出现中间窗口。
func (s *Store) CreateCheckpoint(ctx context.Context, ckpt *model.CheckpointData, supersededID string) error {
	state, err := marshalMap(ckpt.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	artifacts, err := marshalMap(ckpt.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal checkpoint artifacts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", storage.ErrPersistence, err)
	}
	defer tx.Rollback()

	insert := s.rebind(`INSERT INTO checkpoints
		(id, build_id, phase, version, status, state, artifacts,
		 artifact_object_key, quality_score, created_at, created_by, reason,
		 gate_id, parent_checkpoint_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`)
	_, err = tx.ExecContext(ctx, insert,
		ckpt.ID, ckpt.BuildID, ckpt.Phase, ckpt.Version, string(ckpt.Status),
		state, artifacts, nullIfEmpty(ckpt.ArtifactObjectKey), ckpt.QualityScore,
		ckpt.Metadata.CreatedAt.UTC(), nullIfEmpty(ckpt.Metadata.CreatedBy),
		nullIfEmpty(ckpt.Metadata.Reason), nullIfEmpty(ckpt.Metadata.GateID),
		nullIfEmpty(ckpt.Metadata.ParentCheckpointID))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("%w: insert checkpoint: %v", storage.ErrPersistence, err)
	}

	if supersededID != "" {
		supersede := s.rebind(`UPDATE checkpoints SET status = $1
			WHERE build_id = $2 AND id = $3`)
		_, err = tx.ExecContext(ctx, supersede,
			string(model.CheckpointStatusSuperseded), ckpt.BuildID, supersededID)
		if err != nil {
			return fmt.Errorf("%w: supersede checkpoint: %v", storage.ErrPersistence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit checkpoint: %v", storage.ErrPersistence, err)
	}
	return nil
}

// GetCheckpoint 获取 Build 内指定 ID 的检查点
func (s *Store) GetCheckpoint(ctx context.Context, buildID, checkpointID string) (*model.CheckpointData, error) {
	query := s.rebind(`SELECT ` + checkpointColumns + `
		FROM checkpoints WHERE build_id = $1 AND id = $2`)
	return s.queryCheckpoint(ctx, query, buildID, checkpointID)
}

// GetCheckpointByVersion 按检查点序号获取
func (s *Store) GetCheckpointByVersion(ctx context.Context, buildID string, version int) (*model.CheckpointData, error) {
	query := s.rebind(`SELECT ` + checkpointColumns + `
		FROM checkpoints WHERE build_id = $1 AND version = $2`)
	return s.queryCheckpoint(ctx, query, buildID, version)
}

// GetActiveCheckpoint 获取 Build 当前生效的检查点
func (s *Store) GetActiveCheckpoint(ctx context.Context, buildID string) (*model.CheckpointData, error) {
	query := s.rebind(`SELECT ` + checkpointColumns + `
		FROM checkpoints WHERE build_id = $1 AND status = $2
		ORDER BY version DESC LIMIT 1`)
	return s.queryCheckpoint(ctx, query, buildID, string(model.CheckpointStatusActive))
}

// ListCheckpoints 按序号升序获取 Build 的全部检查点
func (s *Store) ListCheckpoints(ctx context.Context, buildID string) ([]*model.CheckpointData, error) {
	query := s.rebind(`SELECT ` + checkpointColumns + `
		FROM checkpoints WHERE build_id = $1 ORDER BY version ASC`)
	rows, err := s.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("%w: query checkpoints: %v", storage.ErrPersistence, err)
	}
	defer rows.Close()

	var ckpts []*model.CheckpointData
	for rows.Next() {
		ckpt, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan checkpoint: %v", storage.ErrPersistence, err)
		}
		ckpts = append(ckpts, ckpt)
	}
	return ckpts, rows.Err()
}

// CountCheckpoints 统计 Build 的检查点数量
func (s *Store) CountCheckpoints(ctx context.Context, buildID string) (int, error) {
	query := s.rebind(`SELECT COUNT(1) FROM checkpoints WHERE build_id = $1`)
	var cnt int
	if err := s.db.QueryRowContext(ctx, query, buildID).Scan(&cnt); err != nil {
		return 0, fmt.Errorf("%w: count checkpoints: %v", storage.ErrPersistence, err)
	}
	return cnt, nil
}

// SetActiveCheckpoint 回滚时的 active 指针翻转
//
// 在同一事务内把当前 active 翻转为 rolled_back、把目标翻转为 active。
// 目标不存在时返回 storage.ErrNotFound。
func (s *Store) SetActiveCheckpoint(ctx context.Context, buildID, checkpointID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", storage.ErrPersistence, err)
	}
	defer tx.Rollback()

	demote := s.rebind(`UPDATE checkpoints SET status = $1
		WHERE build_id = $2 AND status = $3 AND id != $4`)
	_, err = tx.ExecContext(ctx, demote,
		string(model.CheckpointStatusRolledBack), buildID,
		string(model.CheckpointStatusActive), checkpointID)
	if err != nil {
		return fmt.Errorf("%w: demote active checkpoint: %v", storage.ErrPersistence, err)
	}

	promote := s.rebind(`UPDATE checkpoints SET status = $1
		WHERE build_id = $2 AND id = $3`)
	res, err := tx.ExecContext(ctx, promote,
		string(model.CheckpointStatusActive), buildID, checkpointID)
	if err != nil {
		return fmt.Errorf("%w: promote checkpoint: %v", storage.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit set active: %v", storage.ErrPersistence, err)
	}
	return nil
}

// UpdateCheckpointStatus 更新单个检查点状态
func (s *Store) UpdateCheckpointStatus(ctx context.Context, buildID, checkpointID string, status model.CheckpointStatus) error {
	query := s.rebind(`UPDATE checkpoints SET status = $1 WHERE build_id = $2 AND id = $3`)
	res, err := s.db.ExecContext(ctx, query, string(status), buildID, checkpointID)
	if err != nil {
		return fmt.Errorf("%w: update checkpoint status: %v", storage.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateQualityScore 更新检查点的质量分
func (s *Store) UpdateQualityScore(ctx context.Context, buildID, checkpointID string, score float64) error {
	query := s.rebind(`UPDATE checkpoints SET quality_score = $1 WHERE build_id = $2 AND id = $3`)
	res, err := s.db.ExecContext(ctx, query, score, buildID, checkpointID)
	if err != nil {
		return fmt.Errorf("%w: update quality score: %v", storage.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) queryCheckpoint(ctx context.Context, query string, args ...interface{}) (*model.CheckpointData, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	ckpt, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get checkpoint: %v", storage.ErrPersistence, err)
	}
	return ckpt, nil
}

func scanCheckpoint(row rowScanner) (*model.CheckpointData, error) {
	c := &model.CheckpointData{}
	var (
		status    string
		state     *[]byte
		artifacts *[]byte
		objectKey sql.NullString
		createdBy sql.NullString
		reason    sql.NullString
		gateID    sql.NullString
		parentID  sql.NullString
	)
	err := row.Scan(&c.ID, &c.BuildID, &c.Phase, &c.Version, &status,
		&state, &artifacts, &objectKey, &c.QualityScore,
		&c.Metadata.CreatedAt, &createdBy, &reason, &gateID, &parentID)
	if err != nil {
		return nil, err
	}
	c.Status = model.CheckpointStatus(status)
	c.ArtifactObjectKey = objectKey.String
	c.Metadata.CreatedBy = createdBy.String
	c.Metadata.Reason = reason.String
	c.Metadata.GateID = gateID.String
	c.Metadata.ParentCheckpointID = parentID.String
	if err := unmarshalMap(state, &c.State); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	if err := unmarshalMap(artifacts, &c.Artifacts); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint artifacts: %w", err)
	}
	return c, nil
}

func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw *[]byte, dst *map[string]interface{}) error {
	if raw == nil || len(*raw) == 0 {
		return nil
	}
	return json.Unmarshal(*raw, dst)
}
