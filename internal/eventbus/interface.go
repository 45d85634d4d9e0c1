// Package eventbus 构建事件流镜像的抽象接口
//
// 事件日志（SQL/MongoDB）是唯一权威记录；事件总线是尽力而为的
// 只读镜像，供外部订阅方（监控面板、通知服务）低延迟消费，
// 当前由 Redis Streams 实现。镜像写失败不影响追加事务。
package eventbus

import (
	"context"

	"build-ledger/internal/model"
)

// MaxStreamLength 每个 Build 镜像流的最大长度（近似裁剪）
const MaxStreamLength = 1000

// KeyBuildEvents Build 事件流的 Key 前缀
const KeyBuildEvents = "build_events:"

// BuildEventBus 构建事件总线接口
type BuildEventBus interface {
	// PublishEvent 把事件镜像到 Build 的事件流
	PublishEvent(ctx context.Context, event *model.BuildEvent) error

	// GetEvents 获取 Build 事件流中的事件（fromID 为流 ID，空表示从头）
	GetEvents(ctx context.Context, buildID string, fromID string, count int64) ([]*model.BuildEvent, error)

	// GetEventCount 获取 Build 事件流长度
	GetEventCount(ctx context.Context, buildID string) (int64, error)

	// SubscribeEvents 订阅 Build 的后续事件，ctx 取消时通道关闭
	SubscribeEvents(ctx context.Context, buildID string) (<-chan *model.BuildEvent, error)

	// DeleteEvents 删除 Build 的镜像流（权威日志不受影响）
	DeleteEvents(ctx context.Context, buildID string) error

	Close() error
}
