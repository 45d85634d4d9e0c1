// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"
	"sync"

	"build-ledger/internal/model"
)

// ============================================================================
// NoOpEventBus - 空操作的 BuildEventBus 实现（用于测试和无 Redis 部署）
// ============================================================================

// NoOpEventBus 是一个不做任何操作的 BuildEventBus 实现
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

func (e *NoOpEventBus) PublishEvent(ctx context.Context, event *model.BuildEvent) error {
	return nil
}

func (e *NoOpEventBus) GetEvents(ctx context.Context, buildID string, fromID string, count int64) ([]*model.BuildEvent, error) {
	return []*model.BuildEvent{}, nil
}

func (e *NoOpEventBus) GetEventCount(ctx context.Context, buildID string) (int64, error) {
	return 0, nil
}

func (e *NoOpEventBus) SubscribeEvents(ctx context.Context, buildID string) (<-chan *model.BuildEvent, error) {
	ch := make(chan *model.BuildEvent)
	close(ch)
	return ch, nil
}

func (e *NoOpEventBus) DeleteEvents(ctx context.Context, buildID string) error {
	return nil
}

func (e *NoOpEventBus) Close() error {
	return nil
}

var _ BuildEventBus = (*NoOpEventBus)(nil)

// ============================================================================
// MemoryEventBus - 进程内 BuildEventBus 实现（用于测试断言镜像内容）
// ============================================================================

// MemoryEventBus 把镜像流保存在内存中
type MemoryEventBus struct {
	mu      sync.Mutex
	streams map[string][]*model.BuildEvent
}

// NewMemoryEventBus 创建 MemoryEventBus 实例
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{streams: make(map[string][]*model.BuildEvent)}
}

func (e *MemoryEventBus) PublishEvent(ctx context.Context, event *model.BuildEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	stream := append(e.streams[event.BuildID], event)
	if len(stream) > MaxStreamLength {
		stream = stream[len(stream)-MaxStreamLength:]
	}
	e.streams[event.BuildID] = stream
	return nil
}

func (e *MemoryEventBus) GetEvents(ctx context.Context, buildID string, fromID string, count int64) ([]*model.BuildEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stream := e.streams[buildID]
	if count > 0 && int64(len(stream)) > count {
		stream = stream[:count]
	}
	out := make([]*model.BuildEvent, len(stream))
	copy(out, stream)
	return out, nil
}

func (e *MemoryEventBus) GetEventCount(ctx context.Context, buildID string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.streams[buildID])), nil
}

func (e *MemoryEventBus) SubscribeEvents(ctx context.Context, buildID string) (<-chan *model.BuildEvent, error) {
	ch := make(chan *model.BuildEvent)
	close(ch)
	return ch, nil
}

func (e *MemoryEventBus) DeleteEvents(ctx context.Context, buildID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.streams, buildID)
	return nil
}

func (e *MemoryEventBus) Close() error {
	return nil
}

var _ BuildEventBus = (*MemoryEventBus)(nil)
