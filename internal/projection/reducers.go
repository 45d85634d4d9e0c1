// Package projection 内置 Reducer 注册表
package projection

import (
	"fmt"

	"build-ledger/internal/model"
)

// registerDefaults 注册全部内置事件类型的状态迁移规则
func (p *Projector) registerDefaults() {
	// 生命周期事件
	p.Register(model.EventTypeBuildCreated, setStatus(model.BuildStatusCreated))
	p.Register(model.EventTypeBuildStarted, setStatus(model.BuildStatusRunning))
	p.Register(model.EventTypeBuildPaused, setStatus(model.BuildStatusPaused))
	p.Register(model.EventTypeBuildResumed, setStatus(model.BuildStatusRunning))
	p.Register(model.EventTypeBuildCompleted, setStatus(model.BuildStatusCompleted))
	p.Register(model.EventTypeBuildFailed, setStatus(model.BuildStatusFailed))
	p.Register(model.EventTypeBuildCancelled, setStatus(model.BuildStatusCancelled))

	// 阶段事件
	p.Register(model.EventTypePhaseStarted, reducePhaseStarted)
	p.Register(model.EventTypePhaseCompleted, reducePhaseCompleted)
	p.Register(model.EventTypePhaseFailed, reducePhaseFailed)

	// Agent 事件
	p.Register(model.EventTypeAgentStarted, reduceAgentStarted)
	p.Register(model.EventTypeAgentCompleted, reduceAgentCompleted)
	p.Register(model.EventTypeAgentFailed, reduceAgentFailed)
	p.Register(model.EventTypeAgentRetried, reduceAgentRetried)

	// 质量事件：检查点进摘要列表，其余只进时间线
	p.Register(model.EventTypeCheckpointCreated, reduceCheckpointCreated)
	p.Register(model.EventTypeQualityGatePassed, noop)
	p.Register(model.EventTypeQualityGateFailed, noop)
	p.Register(model.EventTypeApprovalRequested, noop)
	p.Register(model.EventTypeApprovalSubmitted, noop)
	p.Register(model.EventTypeRollbackInitiated, noop)
	p.Register(model.EventTypeRollbackExecuted, noop)

	// 资源/智能事件：指标在 finalizeMetrics 中从事件重算
	p.Register(model.EventTypeResourceUsage, noop)
	p.Register(model.EventTypeIntelligenceInsight, noop)
}

func noop(state *model.ProjectedBuildState, e *model.BuildEvent) {}

func setStatus(status model.BuildStatus) Reducer {
	return func(state *model.ProjectedBuildState, e *model.BuildEvent) {
		state.Status = status
	}
}

func reducePhaseStarted(state *model.ProjectedBuildState, e *model.BuildEvent) {
	var p model.PhasePayload
	if e.DecodePayload(&p) != nil || p.Phase == "" {
		return
	}
	state.Phases[p.Phase] = &model.PhaseState{
		Name:      p.Phase,
		Status:    model.PhaseStatusRunning,
		StartedAt: e.Timestamp,
	}
	state.CurrentPhase = p.Phase
}

func reducePhaseCompleted(state *model.ProjectedBuildState, e *model.BuildEvent) {
	var p model.PhasePayload
	if e.DecodePayload(&p) != nil || p.Phase == "" {
		return
	}
	phase := ensurePhase(state, p.Phase, e)
	phase.Status = model.PhaseStatusCompleted
	completed := e.Timestamp
	phase.CompletedAt = &completed
	if state.CurrentPhase == p.Phase {
		state.CurrentPhase = ""
	}
}

func reducePhaseFailed(state *model.ProjectedBuildState, e *model.BuildEvent) {
	var p model.PhasePayload
	if e.DecodePayload(&p) != nil || p.Phase == "" {
		return
	}
	phase := ensurePhase(state, p.Phase, e)
	phase.Status = model.PhaseStatusFailed
	failed := e.Timestamp
	phase.CompletedAt = &failed
	if state.CurrentPhase == p.Phase {
		state.CurrentPhase = ""
	}
}

func reduceAgentStarted(state *model.ProjectedBuildState, e *model.BuildEvent) {
	var p model.AgentPayload
	if e.DecodePayload(&p) != nil || p.AgentID == "" {
		return
	}
	started := e.Timestamp
	state.Agents[p.AgentID] = &model.AgentState{
		ID:        p.AgentID,
		Phase:     p.Phase,
		Status:    model.AgentStatusRunning,
		StartedAt: &started,
	}
	state.CurrentAgent = p.AgentID
	if p.Phase != "" {
		ensurePhase(state, p.Phase, e).AgentsStarted++
	}
}

func reduceAgentCompleted(state *model.ProjectedBuildState, e *model.BuildEvent) {
	var p model.AgentPayload
	if e.DecodePayload(&p) != nil || p.AgentID == "" {
		return
	}
	agent := ensureAgent(state, p.AgentID, p.Phase)
	agent.Status = model.AgentStatusCompleted
	completed := e.Timestamp
	agent.CompletedAt = &completed
	agent.TokensUsed += p.TokensUsed
	if p.QualityScore != 0 {
		agent.QualityScore = p.QualityScore
	}
	if agent.Phase != "" {
		ensurePhase(state, agent.Phase, e).AgentsCompleted++
	}
	if state.CurrentAgent == p.AgentID {
		state.CurrentAgent = ""
	}
}

func reduceAgentFailed(state *model.ProjectedBuildState, e *model.BuildEvent) {
	var p model.AgentPayload
	if e.DecodePayload(&p) != nil || p.AgentID == "" {
		return
	}
	agent := ensureAgent(state, p.AgentID, p.Phase)
	agent.Status = model.AgentStatusFailed
	failed := e.Timestamp
	agent.CompletedAt = &failed
	if agent.Phase != "" {
		ensurePhase(state, agent.Phase, e).AgentsFailed++
	}
	if state.CurrentAgent == p.AgentID {
		state.CurrentAgent = ""
	}
}

func reduceAgentRetried(state *model.ProjectedBuildState, e *model.BuildEvent) {
	var p model.AgentPayload
	if e.DecodePayload(&p) != nil || p.AgentID == "" {
		return
	}
	agent := ensureAgent(state, p.AgentID, p.Phase)
	agent.Status = model.AgentStatusRunning
	agent.Retries++
	if p.Attempt > 0 && p.Attempt-1 > agent.Retries {
		agent.Retries = p.Attempt - 1
	}
}

func reduceCheckpointCreated(state *model.ProjectedBuildState, e *model.BuildEvent) {
	var p model.CheckpointPayload
	if e.DecodePayload(&p) != nil || p.CheckpointID == "" {
		return
	}
	state.Checkpoints = append(state.Checkpoints, model.CheckpointSummary{
		CheckpointID: p.CheckpointID,
		Version:      p.Version,
		Phase:        p.Phase,
		CreatedAt:    e.Timestamp,
	})
}

// ensurePhase 返回阶段视图；乱序事件（completed 先于 started）时补建
func ensurePhase(state *model.ProjectedBuildState, name string, e *model.BuildEvent) *model.PhaseState {
	if phase, ok := state.Phases[name]; ok {
		return phase
	}
	phase := &model.PhaseState{
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: e.Timestamp,
	}
	state.Phases[name] = phase
	return phase
}

func ensureAgent(state *model.ProjectedBuildState, id, phase string) *model.AgentState {
	if agent, ok := state.Agents[id]; ok {
		if agent.Phase == "" {
			agent.Phase = phase
		}
		return agent
	}
	agent := &model.AgentState{ID: id, Phase: phase, Status: model.AgentStatusRunning}
	state.Agents[id] = agent
	return agent
}

// timelineMessage 生成时间线条目的人类可读描述
func timelineMessage(e *model.BuildEvent) string {
	switch e.Type {
	case model.EventTypePhaseStarted, model.EventTypePhaseCompleted, model.EventTypePhaseFailed:
		var p model.PhasePayload
		if e.DecodePayload(&p) == nil && p.Phase != "" {
			return fmt.Sprintf("%s: %s", e.Type, p.Phase)
		}
	case model.EventTypeAgentStarted, model.EventTypeAgentCompleted,
		model.EventTypeAgentFailed, model.EventTypeAgentRetried:
		var p model.AgentPayload
		if e.DecodePayload(&p) == nil && p.AgentID != "" {
			return fmt.Sprintf("%s: %s", e.Type, p.AgentID)
		}
	case model.EventTypeQualityGatePassed, model.EventTypeQualityGateFailed:
		var p model.GatePayload
		if e.DecodePayload(&p) == nil && p.GateID != "" {
			return fmt.Sprintf("%s: %s score=%.0f", e.Type, p.GateID, p.OverallScore)
		}
	case model.EventTypeCheckpointCreated:
		var p model.CheckpointPayload
		if e.DecodePayload(&p) == nil && p.CheckpointID != "" {
			return fmt.Sprintf("checkpoint_created: %s v%d", p.CheckpointID, p.Version)
		}
	case model.EventTypeRollbackInitiated, model.EventTypeRollbackExecuted:
		var p model.RollbackPayload
		if e.DecodePayload(&p) == nil && p.PlanID != "" {
			return fmt.Sprintf("%s: %s", e.Type, p.PlanID)
		}
	}
	return string(e.Type)
}
