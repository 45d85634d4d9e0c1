// Package eventstore 只追加的构建事件存储
//
// 职责：
//   - 为每个 Build 维护严格递增、无空洞的事件序号（从 1 开始）
//   - 追加成功后同步通知进程内订阅方（Hub），并尽力镜像到事件总线
//   - 事件一经写入不可修改、不可删除
//
// 并发策略：进程内按 Build 分片互斥 + 存储层 (build_id, version)
// 唯一约束兜底。单实例部署下分片锁已消除竞争；多实例部署下锁外
// 的竞争由唯一约束暴露为 ErrDuplicate，这里做有限次重试后以
// ErrConflict 上浮。
package eventstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"build-ledger/internal/eventbus"
	"build-ledger/internal/metrics"
	"build-ledger/internal/model"
	"build-ledger/internal/storage"
	"build-ledger/pkg/logging"
)

// maxAppendAttempts 版本竞争时的最大尝试次数
const maxAppendAttempts = 3

// lockStripes Build 锁分片数
const lockStripes = 64

var (
	// ErrInvalidEvent 事件缺少必填字段
	ErrInvalidEvent = errors.New("eventstore: invalid event")

	// ErrVersionConflict 重试耗尽后仍然竞争失败，调用方可整体重试
	ErrVersionConflict = errors.New("eventstore: version conflict")
)

// AppendOptions 追加事件的可选元数据
type AppendOptions struct {
	CorrelationID string
	CausationID   string
	ActorID       string
	ActorType     model.ActorType

	// Timestamp 事件时间；零值表示取当前时间
	Timestamp time.Time
}

// Store 事件存储
type Store struct {
	log     storage.EventLog
	hub     *Hub
	mirror  eventbus.BuildEventBus
	metrics *metrics.Metrics
	logger  *logging.Logger

	environment string
	process     string

	// now 可注入的时钟（测试用）
	now func() time.Time

	locks [lockStripes]sync.Mutex
}

// Option Store 配置项
type Option func(*Store)

// WithMirror 设置事件总线镜像
func WithMirror(bus eventbus.BuildEventBus) Option {
	return func(s *Store) { s.mirror = bus }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithEnvironment 设置事件元数据中的环境与进程标识
func WithEnvironment(environment, process string) Option {
	return func(s *Store) {
		s.environment = environment
		s.process = process
	}
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New 创建事件存储
func New(log storage.EventLog, logger *logging.Logger, opts ...Option) *Store {
	s := &Store{
		log:    log,
		hub:    NewHub(),
		mirror: eventbus.NewNoOpEventBus(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub 返回进程内订阅分发器
func (s *Store) Hub() *Hub {
	return s.hub
}

// Subscribe 注册进程内订阅，返回取消函数
func (s *Store) Subscribe(filter SubscriptionFilter, fn SubscriberFunc) func() {
	return s.hub.Subscribe(filter, fn)
}

// Append 追加一条事件并分配 Build 内序号
//
// payload 为 nil 时写入空 Payload。返回已持久化的事件（含序号和 ID）。
func (s *Store) Append(ctx context.Context, buildID string, eventType model.EventType, payload interface{}, opts AppendOptions) (*model.BuildEvent, error) {
	if buildID == "" {
		return nil, fmt.Errorf("%w: empty build id", ErrInvalidEvent)
	}
	if eventType == "" {
		return nil, fmt.Errorf("%w: empty event type", ErrInvalidEvent)
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal payload: %v", ErrInvalidEvent, err)
		}
		raw = b
	}

	timestamp := opts.Timestamp
	if timestamp.IsZero() {
		timestamp = s.now()
	}
	actorType := opts.ActorType
	if actorType == "" {
		actorType = model.ActorTypeSystem
	}

	lock := s.buildLock(buildID)
	lock.Lock()
	defer lock.Unlock()

	started := s.now()
	var event *model.BuildEvent
	conflicts := 0

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		max, err := s.log.MaxVersion(ctx, buildID)
		if err != nil {
			s.recordAppend(string(eventType), started, conflicts, false)
			return nil, err
		}

		event = &model.BuildEvent{
			ID:            generateID("evt"),
			BuildID:       buildID,
			StreamID:      model.StreamIDForBuild(buildID),
			Type:          eventType,
			Version:       max + 1,
			Timestamp:     timestamp.UTC(),
			CorrelationID: opts.CorrelationID,
			ActorID:       opts.ActorID,
			ActorType:     actorType,
			Payload:       raw,
			Metadata: model.EventMetadata{
				SchemaVersion: model.SchemaVersion,
				Environment:   s.environment,
				Process:       s.process,
			},
		}
		if opts.CausationID != "" {
			causation := opts.CausationID
			event.CausationID = &causation
		}

		err = s.log.AppendEvent(ctx, event)
		if err == nil {
			s.recordAppend(string(eventType), started, conflicts, true)
			s.afterAppend(ctx, event)
			return event, nil
		}
		if errors.Is(err, storage.ErrDuplicate) {
			// 锁外写入方抢到了同一序号，重读 MaxVersion 再试
			conflicts++
			continue
		}
		s.recordAppend(string(eventType), started, conflicts, false)
		return nil, err
	}

	s.recordAppend(string(eventType), started, conflicts, false)
	return nil, fmt.Errorf("%w: build %s after %d attempts", ErrVersionConflict, buildID, maxAppendAttempts)
}

// afterAppend 追加成功后的通知：进程内同步分发 + 事件总线镜像
func (s *Store) afterAppend(ctx context.Context, event *model.BuildEvent) {
	delivered := s.hub.publish(event)
	if s.metrics != nil {
		for i := 0; i < delivered; i++ {
			s.metrics.SubscriberDeliveries.Inc()
		}
	}

	// 镜像是尽力而为的：失败只记日志，不影响追加结果
	if err := s.mirror.PublishEvent(ctx, event); err != nil {
		s.logger.WithBuildID(event.BuildID).WithError(err).
			Warn("event mirror publish failed", "type", string(event.Type), "version", event.Version)
	}

	s.logger.EventLog(event.BuildID, string(event.Type), event.Version)
}

func (s *Store) recordAppend(eventType string, started time.Time, conflicts int, success bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordAppend(eventType, s.now().Sub(started), conflicts, success)
}

// buildLock 返回 Build 对应的分片锁
func (s *Store) buildLock(buildID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(buildID))
	return &s.locks[h.Sum32()%lockStripes]
}

// ============================================================================
// 读取操作（事件日志的只读视图）
// ============================================================================

// GetEvents 按序号升序获取 Build 的事件
func (s *Store) GetEvents(ctx context.Context, buildID string, f storage.EventFilter) ([]*model.BuildEvent, error) {
	return s.log.ListEvents(ctx, buildID, f)
}

// GetEventsUntil 获取 Build 在指定时刻（含）之前的事件
func (s *Store) GetEventsUntil(ctx context.Context, buildID string, until time.Time) ([]*model.BuildEvent, error) {
	return s.log.ListEventsUntil(ctx, buildID, until)
}

// GetEvent 获取 Build 内指定 ID 的事件
func (s *Store) GetEvent(ctx context.Context, buildID, eventID string) (*model.BuildEvent, error) {
	return s.log.GetEvent(ctx, buildID, eventID)
}

// GetCorrelatedEvents 按关联 ID 跨 Build 获取事件
func (s *Store) GetCorrelatedEvents(ctx context.Context, correlationID string) ([]*model.BuildEvent, error) {
	return s.log.ListCorrelatedEvents(ctx, correlationID)
}

// CurrentVersion 返回 Build 当前最大序号；无事件时为 0
func (s *Store) CurrentVersion(ctx context.Context, buildID string) (int64, error) {
	return s.log.MaxVersion(ctx, buildID)
}

// CountEvents 统计 Build 的事件数量
func (s *Store) CountEvents(ctx context.Context, buildID string) (int64, error) {
	return s.log.CountEvents(ctx, buildID)
}

// generateID 生成带前缀的唯一标识符
//
// 使用加密安全的随机数生成 6 字节（12 个十六进制字符）的 ID，
// 格式为：prefix-xxxxxxxxxxxx
func generateID(prefix string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}
