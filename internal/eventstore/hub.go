// Package eventstore 进程内订阅分发
package eventstore

import (
	"sync"

	"build-ledger/internal/model"
)

// SubscriptionFilter 订阅过滤条件
type SubscriptionFilter struct {
	// BuildID 只接收该 Build 的事件，空表示全部
	BuildID string

	// Types 只接收这些类型的事件，空表示全部
	Types []model.EventType
}

func (f SubscriptionFilter) matches(e *model.BuildEvent) bool {
	if f.BuildID != "" && f.BuildID != e.BuildID {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if t == e.Type {
				return true
			}
		}
		return false
	}
	return true
}

// SubscriberFunc 事件回调；在追加方的 goroutine 内同步调用
type SubscriberFunc func(e *model.BuildEvent)

type subscription struct {
	id     int
	filter SubscriptionFilter
	fn     SubscriberFunc
}

// Hub 进程内事件分发器
//
// 投递语义：
//   - 同一 Build 的事件按追加顺序投递（追加在 Build 锁内串行）
//   - 回调同步执行，慢订阅方会拖慢追加方；订阅方自行决定是否异步化
//   - 回调 panic 被就地吞掉，不影响追加结果和其他订阅方
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

// NewHub 创建事件分发器
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscription)}
}

// Subscribe 注册订阅，返回取消函数
func (h *Hub) Subscribe(filter SubscriptionFilter, fn SubscriberFunc) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = &subscription{id: id, filter: filter, fn: fn}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// SubscriberCount 返回当前订阅数（用于测试）
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// publish 同步分发事件到所有匹配的订阅
func (h *Hub) publish(e *model.BuildEvent) int {
	h.mu.RLock()
	matched := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.filter.matches(e) {
			matched = append(matched, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range matched {
		deliver(sub, e)
	}
	return len(matched)
}

func deliver(sub *subscription, e *model.BuildEvent) {
	defer func() {
		recover()
	}()
	sub.fn(e)
}
