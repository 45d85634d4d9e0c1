// Package repository 回滚计划的存储操作
//
// 与质量门相同的文档模式：计划整体以 JSON 落盘，status 作为可查询列。
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

// CreatePlan 创建回滚计划
func (s *Store) CreatePlan(ctx context.Context, plan *model.RollbackPlan) error {
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	query := s.rebind(`INSERT INTO rollback_plans (id, build_id, status, doc, created_at)
		VALUES ($1, $2, $3, $4, $5)`)
	_, err = s.db.ExecContext(ctx, query,
		plan.ID, plan.BuildID, string(plan.Status), doc, plan.CreatedAt.UTC())
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("%w: insert plan: %v", storage.ErrPersistence, err)
	}
	return nil
}

// GetPlan 获取回滚计划
func (s *Store) GetPlan(ctx context.Context, planID string) (*model.RollbackPlan, error) {
	query := s.rebind(`SELECT doc FROM rollback_plans WHERE id = $1`)
	var doc []byte
	if err := s.db.QueryRowContext(ctx, query, planID).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get plan: %v", storage.ErrPersistence, err)
	}
	plan := &model.RollbackPlan{}
	if err := json.Unmarshal(doc, plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return plan, nil
}

// UpdatePlan 整体更新回滚计划文档（同时同步 status 列）
func (s *Store) UpdatePlan(ctx context.Context, plan *model.RollbackPlan) error {
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	query := s.rebind(`UPDATE rollback_plans SET status = $1, doc = $2 WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, string(plan.Status), doc, plan.ID)
	if err != nil {
		return fmt.Errorf("%w: update plan: %v", storage.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListPlansByBuild 按创建时间升序获取 Build 的回滚计划
func (s *Store) ListPlansByBuild(ctx context.Context, buildID string) ([]*model.RollbackPlan, error) {
	query := s.rebind(`SELECT doc FROM rollback_plans WHERE build_id = $1 ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("%w: query plans: %v", storage.ErrPersistence, err)
	}
	defer rows.Close()

	var plans []*model.RollbackPlan
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: scan plan: %v", storage.ErrPersistence, err)
		}
		plan := &model.RollbackPlan{}
		if err := json.Unmarshal(doc, plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}
