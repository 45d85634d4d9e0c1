// Package etcdlock 基于 etcd 的分布式 Build 互斥锁
//
// 检查点创建与回滚执行要求每个 Build 的互斥性。单实例部署用
// 进程内 keyed mutex 即可；多实例部署时通过本包把互斥提升到
// 集群级：同一 Build 的锁竞争由 etcd 的 lease + 事务仲裁。
//
// 实现 checkpoint.Locker 接口，可直接替换进程内实现。
package etcdlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// DefaultSessionTTL 会话租约秒数；持锁进程崩溃后锁在 TTL 内自动释放
const DefaultSessionTTL = 30

// Locker etcd 分布式锁管理器
//
// 每个 buildID 对应一个 etcd mutex，key 形如 <prefix>/<buildID>。
// session 懒建立：首次 Lock 时创建并在 Close 前复用。
type Locker struct {
	client *clientv3.Client
	prefix string

	mu      sync.Mutex
	session *concurrency.Session
	mutexes map[string]*concurrency.Mutex
}

// NewLocker 创建分布式锁管理器
func NewLocker(client *clientv3.Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "/build-ledger/locks"
	}
	return &Locker{
		client:  client,
		prefix:  prefix,
		mutexes: make(map[string]*concurrency.Mutex),
	}
}

// NewClient 创建 etcd 客户端
func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdlock: connect failed: %w", err)
	}
	return client, nil
}

// Lock 获取 Build 的集群级互斥锁，阻塞直到获取成功或 ctx 取消
func (l *Locker) Lock(ctx context.Context, buildID string) error {
	m, err := l.mutex(buildID)
	if err != nil {
		return err
	}
	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("etcdlock: lock %s: %w", buildID, err)
	}
	return nil
}

// Unlock 释放 Build 的集群级互斥锁
func (l *Locker) Unlock(ctx context.Context, buildID string) error {
	l.mu.Lock()
	m := l.mutexes[buildID]
	l.mu.Unlock()
	if m == nil {
		return nil
	}
	if err := m.Unlock(ctx); err != nil {
		return fmt.Errorf("etcdlock: unlock %s: %w", buildID, err)
	}
	return nil
}

// Close 结束会话，释放所有持有的锁
func (l *Locker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	err := l.session.Close()
	l.session = nil
	l.mutexes = make(map[string]*concurrency.Mutex)
	return err
}

func (l *Locker) mutex(buildID string) (*concurrency.Mutex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		session, err := concurrency.NewSession(l.client, concurrency.WithTTL(DefaultSessionTTL))
		if err != nil {
			return nil, fmt.Errorf("etcdlock: create session: %w", err)
		}
		l.session = session
	}

	m, ok := l.mutexes[buildID]
	if !ok {
		m = concurrency.NewMutex(l.session, l.prefix+"/"+buildID)
		l.mutexes[buildID] = m
	}
	return m, nil
}
