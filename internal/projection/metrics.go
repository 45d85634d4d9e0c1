// Package projection 聚合指标计算
package projection

import (
	"math"

	"build-ledger/internal/model"
)

// finalizeMetrics 在折叠结束后一次性重算聚合指标
//
// events 必须是已按 Version 升序排好的折叠输入。
func finalizeMetrics(state *model.ProjectedBuildState, events []*model.BuildEvent) {
	m := model.BuildMetrics{}

	if len(events) > 0 {
		first := events[0].Timestamp
		last := events[len(events)-1].Timestamp
		m.TotalDurationMs = last.Sub(first).Milliseconds()
	}

	// Token 与成本：Agent 消耗 + 资源上报事件
	for _, agent := range state.Agents {
		m.TotalTokens += agent.TokensUsed
	}
	for _, e := range events {
		if e.Type != model.EventTypeResourceUsage {
			continue
		}
		var p model.ResourcePayload
		if e.DecodePayload(&p) == nil {
			m.TotalTokens += p.Tokens
			m.TotalCostUSD += p.CostUSD
		}
	}

	// 成功率与平均质量分：只统计已结束的 Agent
	var finished, succeeded int
	var qualitySum float64
	var qualityCount int
	for _, agent := range state.Agents {
		switch agent.Status {
		case model.AgentStatusCompleted:
			finished++
			succeeded++
			if agent.QualityScore > 0 {
				qualitySum += agent.QualityScore
				qualityCount++
			}
		case model.AgentStatusFailed:
			finished++
		}
	}
	if finished > 0 {
		m.SuccessRate = round4(float64(succeeded) / float64(finished))
	}
	if qualityCount > 0 {
		m.AverageQuality = round4(qualitySum / float64(qualityCount))
	}

	// 阶段耗时：未完成阶段不计入
	for name, phase := range state.Phases {
		if phase.CompletedAt == nil {
			continue
		}
		if m.PhaseDurationsMs == nil {
			m.PhaseDurationsMs = make(map[string]int64)
		}
		m.PhaseDurationsMs[name] = phase.CompletedAt.Sub(phase.StartedAt).Milliseconds()
	}

	state.Metrics = m
}

// round4 保留 4 位小数，消除 map 遍历顺序带来的浮点尾差
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
