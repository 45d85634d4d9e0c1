// Package repository 事件日志的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"build-ledger/internal/model"
	"build-ledger/internal/storage"
)

// eventColumns 事件表的查询列（与 scanEvent 保持一致）
const eventColumns = `id, build_id, stream_id, type, version, timestamp,
	correlation_id, causation_id, actor_id, actor_type, payload, metadata`

// AppendEvent 追加单条事件
//
// (build_id, version) 上的唯一约束是版本单调性的最终防线：
// 并发竞争到同一序号时返回 storage.ErrDuplicate，由调用方重试。
func (s *Store) AppendEvent(ctx context.Context, event *model.BuildEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}

	query := s.rebind(`INSERT INTO build_events
		(id, build_id, stream_id, type, version, timestamp,
		 correlation_id, causation_id, actor_id, actor_type, payload, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)

	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.BuildID, event.StreamID, string(event.Type),
		event.Version, event.Timestamp.UTC(),
		nullIfEmpty(event.CorrelationID), event.CausationID,
		nullIfEmpty(event.ActorID), string(event.ActorType),
		[]byte(event.Payload), metadata)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("%w: append event: %v", storage.ErrPersistence, err)
	}
	return nil
}

// MaxVersion 返回 Build 当前最大事件序号；无事件时返回 0
func (s *Store) MaxVersion(ctx context.Context, buildID string) (int64, error) {
	query := s.rebind(`SELECT COALESCE(MAX(version), 0) FROM build_events WHERE build_id = $1`)
	var max int64
	if err := s.db.QueryRowContext(ctx, query, buildID).Scan(&max); err != nil {
		return 0, fmt.Errorf("%w: max version: %v", storage.ErrPersistence, err)
	}
	return max, nil
}

// CountEvents 统计 Build 的事件数量
func (s *Store) CountEvents(ctx context.Context, buildID string) (int64, error) {
	query := s.rebind(`SELECT COUNT(1) FROM build_events WHERE build_id = $1`)
	var cnt int64
	if err := s.db.QueryRowContext(ctx, query, buildID).Scan(&cnt); err != nil {
		return 0, fmt.Errorf("%w: count events: %v", storage.ErrPersistence, err)
	}
	return cnt, nil
}

// ListEvents 按序号升序获取 Build 的事件，支持范围/类型/条数过滤
func (s *Store) ListEvents(ctx context.Context, buildID string, f storage.EventFilter) ([]*model.BuildEvent, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM build_events WHERE build_id = $1`)
	args := []interface{}{buildID}

	if f.FromVersion > 0 {
		args = append(args, f.FromVersion)
		fmt.Fprintf(&sb, ` AND version >= $%d`, len(args))
	}
	if f.ToVersion > 0 {
		args = append(args, f.ToVersion)
		fmt.Fprintf(&sb, ` AND version <= $%d`, len(args))
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, 0, len(f.Types))
		for _, t := range f.Types {
			args = append(args, string(t))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		fmt.Fprintf(&sb, ` AND type IN (%s)`, strings.Join(placeholders, ", "))
	}
	sb.WriteString(` ORDER BY version ASC`)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}

	return s.queryEvents(ctx, s.rebind(sb.String()), args...)
}

// ListEventsUntil 获取 Build 在指定时刻（含）之前的全部事件，按序号升序
func (s *Store) ListEventsUntil(ctx context.Context, buildID string, until time.Time) ([]*model.BuildEvent, error) {
	query := s.rebind(`SELECT ` + eventColumns + `
		FROM build_events WHERE build_id = $1 AND timestamp <= $2
		ORDER BY version ASC`)
	return s.queryEvents(ctx, query, buildID, until.UTC())
}

// GetEvent 获取 Build 内指定 ID 的事件
func (s *Store) GetEvent(ctx context.Context, buildID, eventID string) (*model.BuildEvent, error) {
	query := s.rebind(`SELECT ` + eventColumns + `
		FROM build_events WHERE build_id = $1 AND id = $2`)
	row := s.db.QueryRowContext(ctx, query, buildID, eventID)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get event: %v", storage.ErrPersistence, err)
	}
	return event, nil
}

// ListCorrelatedEvents 按关联 ID 跨 Build 获取事件，按时间升序
func (s *Store) ListCorrelatedEvents(ctx context.Context, correlationID string) ([]*model.BuildEvent, error) {
	query := s.rebind(`SELECT ` + eventColumns + `
		FROM build_events WHERE correlation_id = $1
		ORDER BY timestamp ASC, version ASC`)
	return s.queryEvents(ctx, query, correlationID)
}

// rowScanner 统一 *sql.Row / *sql.Rows 的扫描入口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*model.BuildEvent, error) {
	e := &model.BuildEvent{}
	var (
		eventType     string
		actorType     sql.NullString
		correlationID sql.NullString
		actorID       sql.NullString
		payload       *[]byte
		metadata      *[]byte
	)
	err := row.Scan(&e.ID, &e.BuildID, &e.StreamID, &eventType, &e.Version,
		&e.Timestamp, &correlationID, &e.CausationID, &actorID, &actorType,
		&payload, &metadata)
	if err != nil {
		return nil, err
	}
	e.Type = model.EventType(eventType)
	e.CorrelationID = correlationID.String
	e.ActorID = actorID.String
	e.ActorType = model.ActorType(actorType.String)
	if payload != nil {
		e.Payload = json.RawMessage(*payload)
	}
	if metadata != nil && len(*metadata) > 0 {
		if err := json.Unmarshal(*metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	return e, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*model.BuildEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %v", storage.ErrPersistence, err)
	}
	defer rows.Close()

	var events []*model.BuildEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", storage.ErrPersistence, err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
