// Package postgres PostgreSQL 数据库驱动
//
// 提供 PostgreSQL 连接管理和方言实现，用于多实例生产部署。
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"build-ledger/internal/storage/dbutil"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect PostgreSQL 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverPostgres
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.RebindToPositional(query)
}

func (d *Dialect) CurrentTimestamp() string {
	return "NOW()"
}

func (d *Dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 = unique_violation
		return pgErr.Code == "23505"
	}
	return false
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 PostgreSQL 数据库连接
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// NewDialect 创建 PostgreSQL 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema PostgreSQL 建表语句（与 SQLite schema 等价）
const schema = `
CREATE TABLE IF NOT EXISTS build_events (
    id VARCHAR(64) PRIMARY KEY,
    build_id VARCHAR(64) NOT NULL,
    stream_id VARCHAR(80) NOT NULL,
    type VARCHAR(64) NOT NULL,
    version BIGINT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    correlation_id VARCHAR(64),
    causation_id VARCHAR(64),
    actor_id VARCHAR(64),
    actor_type VARCHAR(32),
    payload TEXT,
    metadata TEXT,
    UNIQUE (build_id, version)
);

CREATE INDEX IF NOT EXISTS idx_build_events_correlation
    ON build_events (correlation_id, timestamp);

CREATE TABLE IF NOT EXISTS checkpoints (
    id VARCHAR(64) PRIMARY KEY,
    build_id VARCHAR(64) NOT NULL,
    phase VARCHAR(64),
    version INTEGER NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    state TEXT,
    artifacts TEXT,
    artifact_object_key VARCHAR(200),
    quality_score DOUBLE PRECISION DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    created_by VARCHAR(64),
    reason TEXT,
    gate_id VARCHAR(64),
    parent_checkpoint_id VARCHAR(64),
    UNIQUE (build_id, version)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_build_status
    ON checkpoints (build_id, status);

CREATE TABLE IF NOT EXISTS quality_gates (
    id VARCHAR(64) PRIMARY KEY,
    build_id VARCHAR(64) NOT NULL,
    phase VARCHAR(64),
    status VARCHAR(32) NOT NULL DEFAULT 'pending',
    doc TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quality_gates_build
    ON quality_gates (build_id, created_at);

CREATE TABLE IF NOT EXISTS rollback_plans (
    id VARCHAR(64) PRIMARY KEY,
    build_id VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'planned',
    doc TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rollback_plans_build
    ON rollback_plans (build_id, created_at);
`
