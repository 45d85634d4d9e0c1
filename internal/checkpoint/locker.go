// Package checkpoint 按 Build 互斥锁
package checkpoint

import (
	"context"
	"sync"
)

// Locker 按 Build 粒度的互斥锁
//
// 检查点创建与回滚都会移动 active 指针，同一 Build 上必须互斥。
// 单进程部署用 MutexLocker；多实例部署注入 etcdlock.Locker。
type Locker interface {
	Lock(ctx context.Context, buildID string) error
	Unlock(ctx context.Context, buildID string) error
}

// MutexLocker 进程内按 key 互斥锁
type MutexLocker struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

// NewMutexLocker 创建进程内锁
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{mutexes: make(map[string]*sync.Mutex)}
}

func (l *MutexLocker) get(buildID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.mutexes[buildID]
	if !ok {
		m = &sync.Mutex{}
		l.mutexes[buildID] = m
	}
	return m
}

// Lock 获取 Build 锁
func (l *MutexLocker) Lock(ctx context.Context, buildID string) error {
	l.get(buildID).Lock()
	return nil
}

// Unlock 释放 Build 锁
func (l *MutexLocker) Unlock(ctx context.Context, buildID string) error {
	l.get(buildID).Unlock()
	return nil
}
