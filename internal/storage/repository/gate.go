// Package repository 质量门的存储操作
//
// 门聚合体（规则结果、审批记录）整体以 JSON 文档落盘，
// 仅 id/build/phase/status 作为可查询列。
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

// CreateGate 创建质量门
func (s *Store) CreateGate(ctx context.Context, gate *model.QualityGate) error {
	doc, err := json.Marshal(gate)
	if err != nil {
		return fmt.Errorf("marshal gate: %w", err)
	}

	query := s.rebind(`INSERT INTO quality_gates (id, build_id, phase, status, doc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	_, err = s.db.ExecContext(ctx, query,
		gate.ID, gate.BuildID, gate.Phase, string(gate.Status), doc, gate.CreatedAt.UTC())
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("%w: insert gate: %v", storage.ErrPersistence, err)
	}
	return nil
}

// GetGate 获取质量门
func (s *Store) GetGate(ctx context.Context, gateID string) (*model.QualityGate, error) {
	query := s.rebind(`SELECT doc FROM quality_gates WHERE id = $1`)
	var doc []byte
	if err := s.db.QueryRowContext(ctx, query, gateID).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get gate: %v", storage.ErrPersistence, err)
	}
	gate := &model.QualityGate{}
	if err := json.Unmarshal(doc, gate); err != nil {
		return nil, fmt.Errorf("unmarshal gate: %w", err)
	}
	return gate, nil
}

// UpdateGate 整体更新质量门文档（同时同步 status 列）
func (s *Store) UpdateGate(ctx context.Context, gate *model.QualityGate) error {
	doc, err := json.Marshal(gate)
	if err != nil {
		return fmt.Errorf("marshal gate: %w", err)
	}

	query := s.rebind(`UPDATE quality_gates SET status = $1, doc = $2 WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, string(gate.Status), doc, gate.ID)
	if err != nil {
		return fmt.Errorf("%w: update gate: %v", storage.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListGatesByBuild 按创建时间升序获取 Build 的质量门
func (s *Store) ListGatesByBuild(ctx context.Context, buildID string) ([]*model.QualityGate, error) {
	query := s.rebind(`SELECT doc FROM quality_gates WHERE build_id = $1 ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("%w: query gates: %v", storage.ErrPersistence, err)
	}
	defer rows.Close()

	var gates []*model.QualityGate
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: scan gate: %v", storage.ErrPersistence, err)
		}
		gate := &model.QualityGate{}
		if err := json.Unmarshal(doc, gate); err != nil {
			return nil, fmt.Errorf("unmarshal gate: %w", err)
		}
		gates = append(gates, gate)
	}
	return gates, rows.Err()
}
