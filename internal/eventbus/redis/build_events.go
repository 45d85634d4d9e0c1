// Package redis BuildEvents 事件流操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"build-ledger/internal/eventbus"
	"build-ledger/internal/model"
)

// PublishEvent 把事件镜像到 Build 的事件流
func (s *Store) PublishEvent(ctx context.Context, event *model.BuildEvent) error {
	key := eventbus.KeyBuildEvents + event.BuildID

	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: key,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"event_id":  event.ID,
			"type":      string(event.Type),
			"version":   event.Version,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"doc":       string(doc),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Printf("[Redis/EventBus] Published event: %s seq=%s type=%s v=%d",
		event.BuildID, id, event.Type, event.Version)
	return nil
}

// GetEvents 获取 Build 事件流中的事件
func (s *Store) GetEvents(ctx context.Context, buildID string, fromID string, count int64) ([]*model.BuildEvent, error) {
	key := eventbus.KeyBuildEvents + buildID

	if fromID == "" {
		fromID = "0"
	}

	msgs, err := s.client.XRange(ctx, key, fromID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	var events []*model.BuildEvent
	for _, msg := range msgs {
		event := decodeMessage(msg)
		if event == nil {
			continue
		}
		events = append(events, event)

		if count > 0 && int64(len(events)) >= count {
			break
		}
	}

	return events, nil
}

// GetEventCount 获取 Build 事件流长度
func (s *Store) GetEventCount(ctx context.Context, buildID string) (int64, error) {
	return s.client.XLen(ctx, eventbus.KeyBuildEvents+buildID).Result()
}

// SubscribeEvents 订阅 Build 的后续事件
func (s *Store) SubscribeEvents(ctx context.Context, buildID string) (<-chan *model.BuildEvent, error) {
	key := eventbus.KeyBuildEvents + buildID
	ch := make(chan *model.BuildEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				log.Printf("[Redis/EventBus] Event subscription error: %v", err)
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					event := decodeMessage(msg)
					if event == nil {
						lastID = msg.ID
						continue
					}

					select {
					case ch <- event:
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// DeleteEvents 删除 Build 的镜像流
func (s *Store) DeleteEvents(ctx context.Context, buildID string) error {
	return s.client.Del(ctx, eventbus.KeyBuildEvents+buildID).Err()
}

// decodeMessage 从 Stream 消息还原事件；doc 字段损坏时返回 nil
func decodeMessage(msg redis.XMessage) *model.BuildEvent {
	docStr, ok := msg.Values["doc"].(string)
	if !ok {
		return nil
	}
	event := &model.BuildEvent{}
	if err := json.Unmarshal([]byte(docStr), event); err != nil {
		return nil
	}
	return event
}
