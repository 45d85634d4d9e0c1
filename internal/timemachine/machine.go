// Package timemachine 基于事件日志与投影器的时间旅行查询
//
// 所有操作只读：重放事件、投影状态、比较版本，不产生新事件。
package timemachine

import (
	"context"
	"fmt"
	"time"

	"build-ledger/internal/model"
	"build-ledger/internal/projection"
	"build-ledger/internal/storage"
	"build-ledger/pkg/logging"
)

// EventReader 时间机所需的事件读取能力
//
// *eventstore.Store 实现该接口。
type EventReader interface {
	GetEvents(ctx context.Context, buildID string, f storage.EventFilter) ([]*model.BuildEvent, error)
	GetEventsUntil(ctx context.Context, buildID string, until time.Time) ([]*model.BuildEvent, error)
	GetEvent(ctx context.Context, buildID, eventID string) (*model.BuildEvent, error)
}

// Predicate findWhen 的命中条件，只读取传入状态
type Predicate func(state *model.ProjectedBuildState) bool

// Machine 时间旅行查询器
type Machine struct {
	events      EventReader
	projector   *projection.Projector
	checkpoints storage.CheckpointStore // 仅 ReplayFrom 需要，可为 nil
	logger      *logging.Logger
}

// New 创建时间机
//
// checkpoints 可为 nil，此时 ReplayFrom 不可用。
func New(events EventReader, projector *projection.Projector, checkpoints storage.CheckpointStore, logger *logging.Logger) *Machine {
	return &Machine{
		events:      events,
		projector:   projector,
		checkpoints: checkpoints,
		logger:      logger,
	}
}

// TravelToVersion 投影到指定事件序号（含）时的状态
func (m *Machine) TravelToVersion(ctx context.Context, buildID string, version int64) (*model.ProjectedBuildState, error) {
	events, err := m.events.GetEvents(ctx, buildID, storage.EventFilter{ToVersion: version})
	if err != nil {
		return nil, err
	}
	state := m.projector.Project(events)
	if state.BuildID == "" {
		state.BuildID = buildID
	}
	return state, nil
}

// TravelToTime 投影到指定时刻（含）时的状态
func (m *Machine) TravelToTime(ctx context.Context, buildID string, at time.Time) (*model.ProjectedBuildState, error) {
	events, err := m.events.GetEventsUntil(ctx, buildID, at)
	if err != nil {
		return nil, err
	}
	state := m.projector.Project(events)
	if state.BuildID == "" {
		state.BuildID = buildID
	}
	return state, nil
}

// GetStateBefore 返回指定事件生效之前的状态
//
// 事件为 Build 的首条事件时返回 ErrNotFound（不存在在先状态）。
func (m *Machine) GetStateBefore(ctx context.Context, buildID, eventID string) (*model.ProjectedBuildState, error) {
	event, err := m.events.GetEvent(ctx, buildID, eventID)
	if err != nil {
		return nil, err
	}
	if event.Version <= 1 {
		return nil, fmt.Errorf("%w: no state before first event %s", storage.ErrNotFound, eventID)
	}
	return m.TravelToVersion(ctx, buildID, event.Version-1)
}

// FindWhen 按序号升序扫描，返回谓词首次成立的版本
//
// 每个候选版本做一次完整前缀投影（线性重放），Build 事件数有上界
// 时开销可接受；未命中返回 nil。
func (m *Machine) FindWhen(ctx context.Context, buildID string, pred Predicate) (*model.FoundState, error) {
	events, err := m.events.GetEvents(ctx, buildID, storage.EventFilter{})
	if err != nil {
		return nil, err
	}
	for i := range events {
		state := m.projector.Project(events[:i+1])
		if pred(state) {
			return &model.FoundState{
				Version: events[i].Version,
				Event:   events[i],
				State:   state,
			}, nil
		}
	}
	return nil, nil
}

// ReplayFrom 构造从指定检查点出发的重放窗口
//
// 返回检查点快照与其创建之后发生的全部事件，供外部恢复逻辑重新
// 驱动编排器；本身不重新执行任何 Agent。
func (m *Machine) ReplayFrom(ctx context.Context, buildID string, checkpointVersion int) (*model.ReplayWindow, error) {
	if m.checkpoints == nil {
		return nil, fmt.Errorf("replay: checkpoint store not configured")
	}
	ckpt, err := m.checkpoints.GetCheckpointByVersion(ctx, buildID, checkpointVersion)
	if err != nil {
		return nil, err
	}

	all, err := m.events.GetEvents(ctx, buildID, storage.EventFilter{})
	if err != nil {
		return nil, err
	}
	replay := make([]*model.BuildEvent, 0, len(all))
	for _, e := range all {
		if e.Timestamp.After(ckpt.Metadata.CreatedAt) {
			replay = append(replay, e)
		}
	}

	if m.logger != nil {
		m.logger.WithBuildID(buildID).Info("replay window prepared",
			"checkpoint_version", checkpointVersion,
			"replay_events", len(replay))
	}
	return &model.ReplayWindow{
		BuildID:           buildID,
		CheckpointVersion: checkpointVersion,
		StartState:        ckpt.State,
		ReplayEvents:      replay,
	}, nil
}
