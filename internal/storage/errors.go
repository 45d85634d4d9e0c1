// Package storage 定义存储层领域错误
//
// 这些错误用于隔离核心组件与底层存储引擎的错误类型，
// 各驱动实现（repository/mongostore）负责将底层错误转换为这些领域错误。
//
// 错误同时挂接 containerd/errdefs 分类，调用方可以用
// errdefs.IsNotFound / errdefs.IsConflict 做类别判断而不依赖哨兵值。
package storage

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = fmt.Errorf("entity not found: %w", errdefs.ErrNotFound)

	// ErrConflict 并发冲突（版本竞争，调用方应重试）
	ErrConflict = fmt.Errorf("conflict: concurrent modification detected: %w", errdefs.ErrConflict)

	// ErrDuplicate 唯一键冲突（如 (build_id, version) 重复插入）
	ErrDuplicate = fmt.Errorf("duplicate: entity already exists: %w", errdefs.ErrAlreadyExists)

	// ErrPersistence 持久化读写失败（直接上浮，核心不做隐式重试）
	ErrPersistence = fmt.Errorf("persistence failure: %w", errdefs.ErrUnavailable)
)
