// Package projection 由事件折叠派生构建状态
//
// 投影是纯函数：对固定的事件前缀，两次投影的结果完全一致。
// 事件按序号升序折叠，折叠结束时一次性重算聚合指标（而非增量
// 累加），避免浮点运算顺序引入的舍入漂移。
//
// 事件类型分发采用注册表（map 派发）而非 switch：被处理的类型
// 集合显式可见、可独立测试，未注册类型统一走 "只记时间线" 的
// 前向兼容路径。
package projection

import (
	"sort"
	"time"

	"build-ledger/internal/model"
)

// Reducer 单个事件类型的状态迁移函数
//
// Reducer 只允许修改传入的 state，不得产生其他副作用。
type Reducer func(state *model.ProjectedBuildState, e *model.BuildEvent)

// Projector 状态投影器
type Projector struct {
	reducers map[model.EventType]Reducer
}

// New 创建投影器并注册全部内置 Reducer
func New() *Projector {
	p := &Projector{reducers: make(map[model.EventType]Reducer)}
	p.registerDefaults()
	return p
}

// Register 注册或覆盖一个事件类型的 Reducer
func (p *Projector) Register(t model.EventType, r Reducer) {
	p.reducers[t] = r
}

// HandledTypes 返回已注册 Reducer 的事件类型集合
func (p *Projector) HandledTypes() []model.EventType {
	types := make([]model.EventType, 0, len(p.reducers))
	for t := range p.reducers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Project 把事件序列折叠为构建状态
//
// 事件按 Version 升序折叠；输入切片不会被修改。
// 空序列返回 Version=0 的初始状态。
func (p *Projector) Project(events []*model.BuildEvent) *model.ProjectedBuildState {
	sorted := make([]*model.BuildEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	state := newInitialState()
	for _, e := range sorted {
		p.apply(state, e)
	}
	finalizeMetrics(state, sorted)
	return state
}

// ProjectAt 投影到指定序号（含）为止的前缀
//
// 结果必须与先截断日志再 Project 完全一致：
// 截断点之后的事件不得影响结果。
func (p *Projector) ProjectAt(events []*model.BuildEvent, targetVersion int64) *model.ProjectedBuildState {
	prefix := make([]*model.BuildEvent, 0, len(events))
	for _, e := range events {
		if e.Version <= targetVersion {
			prefix = append(prefix, e)
		}
	}
	return p.Project(prefix)
}

// ProjectAtTime 投影到指定时刻（含）为止的前缀
func (p *Projector) ProjectAtTime(events []*model.BuildEvent, targetTime time.Time) *model.ProjectedBuildState {
	prefix := make([]*model.BuildEvent, 0, len(events))
	for _, e := range events {
		if !e.Timestamp.After(targetTime) {
			prefix = append(prefix, e)
		}
	}
	return p.Project(prefix)
}

// apply 应用单条事件：先走类型 Reducer，再统一记账
func (p *Projector) apply(state *model.ProjectedBuildState, e *model.BuildEvent) {
	if state.BuildID == "" {
		state.BuildID = e.BuildID
	}

	if r, ok := p.reducers[e.Type]; ok {
		r(state, e)
	}
	// 未注册类型只进时间线（前向兼容）

	state.Timeline = append(state.Timeline, model.TimelineEntry{
		Version:   e.Version,
		Timestamp: e.Timestamp,
		Type:      e.Type,
		Message:   timelineMessage(e),
	})
	state.Version = e.Version
	state.LastEventAt = e.Timestamp
}

func newInitialState() *model.ProjectedBuildState {
	return &model.ProjectedBuildState{
		Status:      model.BuildStatusCreated,
		Phases:      make(map[string]*model.PhaseState),
		Agents:      make(map[string]*model.AgentState),
		Checkpoints: []model.CheckpointSummary{},
		Timeline:    []model.TimelineEntry{},
	}
}
