// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和单机轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"build-ledger/internal/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite 的约束错误没有导出类型，按消息匹配
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:ledger.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 PostgreSQL 迁移文件）
//
// build_events 上的 UNIQUE(build_id, version) 是版本单调性的
// 最终防线：并发追加竞争到同一序号时，后写者收到唯一约束冲突。
const schema = `
-- build_events
CREATE TABLE IF NOT EXISTS build_events (
    id VARCHAR(64) PRIMARY KEY,
    build_id VARCHAR(64) NOT NULL,
    stream_id VARCHAR(80) NOT NULL,
    type VARCHAR(64) NOT NULL,
    version INTEGER NOT NULL,
    timestamp DATETIME NOT NULL,
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

-- checkpoints
CREATE TABLE IF NOT EXISTS checkpoints (
    id VARCHAR(64) PRIMARY KEY,
    build_id VARCHAR(64) NOT NULL,
    phase VARCHAR(64),
    version INTEGER NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    state TEXT,
    artifacts TEXT,
    artifact_object_key VARCHAR(200),
    quality_score REAL DEFAULT 0,
    created_at DATETIME NOT NULL,
    created_by VARCHAR(64),
    reason TEXT,
    gate_id VARCHAR(64),
    parent_checkpoint_id VARCHAR(64),
    UNIQUE (build_id, version)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_build_status
    ON checkpoints (build_id, status);

-- quality_gates
CREATE TABLE IF NOT EXISTS quality_gates (
    id VARCHAR(64) PRIMARY KEY,
    build_id VARCHAR(64) NOT NULL,
    phase VARCHAR(64),
    status VARCHAR(32) NOT NULL DEFAULT 'pending',
    doc TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quality_gates_build
    ON quality_gates (build_id, created_at);

-- rollback_plans
CREATE TABLE IF NOT EXISTS rollback_plans (
    id VARCHAR(64) PRIMARY KEY,
    build_id VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'planned',
    doc TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rollback_plans_build
    ON rollback_plans (build_id, created_at);
`
