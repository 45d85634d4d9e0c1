// Package timemachine 投影状态差异计算
package timemachine

import (
	"context"
	"fmt"

	"build-ledger/internal/model"
	"build-ledger/internal/storage"
)

// Diff 比较同一 Build 两个版本的投影状态
//
// Changes 为扁平字段差异列表，至少覆盖整体状态、各阶段状态、
// 各 Agent 状态和标量指标；新增/移除与修改分开标记。
// versionA > versionB 时自动交换，EventsBetween 总是 (A, B] 区间。
func (m *Machine) Diff(ctx context.Context, buildID string, versionA, versionB int64) (*model.StateDiff, error) {
	if versionA > versionB {
		versionA, versionB = versionB, versionA
	}

	stateA, err := m.TravelToVersion(ctx, buildID, versionA)
	if err != nil {
		return nil, err
	}
	stateB, err := m.TravelToVersion(ctx, buildID, versionB)
	if err != nil {
		return nil, err
	}

	between, err := m.events.GetEvents(ctx, buildID, storage.EventFilter{
		FromVersion: versionA + 1,
		ToVersion:   versionB,
	})
	if err != nil {
		return nil, err
	}

	return &model.StateDiff{
		BuildID:       buildID,
		VersionA:      versionA,
		VersionB:      versionB,
		StateA:        stateA,
		StateB:        stateB,
		EventsBetween: between,
		Changes:       computeChanges(stateA, stateB),
	}, nil
}

// computeChanges 生成两个状态之间的扁平差异列表
func computeChanges(a, b *model.ProjectedBuildState) []model.StateChange {
	changes := []model.StateChange{}

	appendScalar := func(field string, from, to interface{}) {
		if from != to {
			changes = append(changes, model.StateChange{
				Field: field, From: from, To: to, Type: model.ChangeTypeModified,
			})
		}
	}

	appendScalar("status", a.Status, b.Status)
	appendScalar("current_phase", a.CurrentPhase, b.CurrentPhase)
	appendScalar("current_agent", a.CurrentAgent, b.CurrentAgent)

	// 阶段：以 B 的键集为主，先找新增/修改，再找移除
	for name, pb := range b.Phases {
		field := fmt.Sprintf("phases.%s.status", name)
		pa, ok := a.Phases[name]
		if !ok {
			changes = append(changes, model.StateChange{
				Field: field, To: pb.Status, Type: model.ChangeTypeAdded,
			})
			continue
		}
		appendScalar(field, pa.Status, pb.Status)
	}
	for name, pa := range a.Phases {
		if _, ok := b.Phases[name]; !ok {
			changes = append(changes, model.StateChange{
				Field: fmt.Sprintf("phases.%s.status", name),
				From:  pa.Status, Type: model.ChangeTypeRemoved,
			})
		}
	}

	for id, ab := range b.Agents {
		field := fmt.Sprintf("agents.%s.status", id)
		aa, ok := a.Agents[id]
		if !ok {
			changes = append(changes, model.StateChange{
				Field: field, To: ab.Status, Type: model.ChangeTypeAdded,
			})
			continue
		}
		appendScalar(field, aa.Status, ab.Status)
	}
	for id, aa := range a.Agents {
		if _, ok := b.Agents[id]; !ok {
			changes = append(changes, model.StateChange{
				Field: fmt.Sprintf("agents.%s.status", id),
				From:  aa.Status, Type: model.ChangeTypeRemoved,
			})
		}
	}

	// 标量指标
	appendScalar("metrics.total_duration_ms", a.Metrics.TotalDurationMs, b.Metrics.TotalDurationMs)
	appendScalar("metrics.total_tokens", a.Metrics.TotalTokens, b.Metrics.TotalTokens)
	appendScalar("metrics.total_cost_usd", a.Metrics.TotalCostUSD, b.Metrics.TotalCostUSD)
	appendScalar("metrics.success_rate", a.Metrics.SuccessRate, b.Metrics.SuccessRate)
	appendScalar("metrics.average_quality", a.Metrics.AverageQuality, b.Metrics.AverageQuality)

	return changes
}
