// Package model 定义构建账本的核心数据模型
//
// state.go 包含投影状态相关的数据模型定义：
//   - ProjectedBuildState：由事件折叠得到的派生只读状态
//   - PhaseState / AgentState：阶段与 Agent 的投影视图
//   - BuildMetrics：折叠结束时一次性计算的聚合指标
//   - TimelineEntry：人类可读的时间线条目
//   - StateChange / StateDiff：两个投影状态之间的差异
package model

import "time"

// ============================================================================
// BuildStatus - 构建状态
// ============================================================================

// BuildStatus 构建整体状态
type BuildStatus string

const (
	BuildStatusCreated   BuildStatus = "created"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusPaused    BuildStatus = "paused"
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// PhaseStatus 阶段状态
type PhaseStatus string

const (
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
)

// AgentStatus Agent 状态
type AgentStatus string

const (
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// ============================================================================
// ProjectedBuildState - 投影状态
// ============================================================================

// ProjectedBuildState 由事件日志折叠得到的构建状态
//
// 派生、短暂、可随时重算：
//   - 每次查询都从事件重新构建，事件日志才是权威记录
//   - 对固定的事件前缀，投影是纯函数：两次投影结果必须完全一致
//   - Version 等于最后一条已应用事件的序号
type ProjectedBuildState struct {
	BuildID      string                 `json:"build_id"`
	Status       BuildStatus            `json:"status"`
	CurrentPhase string                 `json:"current_phase,omitempty"`
	CurrentAgent string                 `json:"current_agent,omitempty"`
	Phases       map[string]*PhaseState `json:"phases"`
	Agents       map[string]*AgentState `json:"agents"`
	Checkpoints  []CheckpointSummary    `json:"checkpoints"`
	Metrics      BuildMetrics           `json:"metrics"`
	Timeline     []TimelineEntry        `json:"timeline"`
	Version      int64                  `json:"version"`
	LastEventAt  time.Time              `json:"last_event_at"`
}

// PhaseState 阶段投影视图
type PhaseState struct {
	Name            string      `json:"name"`
	Status          PhaseStatus `json:"status"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	AgentsStarted   int         `json:"agents_started"`
	AgentsCompleted int         `json:"agents_completed"`
	AgentsFailed    int         `json:"agents_failed"`
}

// AgentState Agent 投影视图
type AgentState struct {
	ID           string      `json:"id"`
	Phase        string      `json:"phase,omitempty"`
	Status       AgentStatus `json:"status"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	TokensUsed   int64       `json:"tokens_used"`
	QualityScore float64     `json:"quality_score"`
	Retries      int         `json:"retries"`
}

// CheckpointSummary 时间线中的检查点摘要
type CheckpointSummary struct {
	CheckpointID string    `json:"checkpoint_id"`
	Version      int       `json:"version"`
	Phase        string    `json:"phase,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BuildMetrics 聚合指标
//
// 在折叠结束时一次性重算，而不是增量累加，
// 避免浮点运算顺序引入的舍入漂移破坏投影确定性。
type BuildMetrics struct {
	// TotalDurationMs 首末事件间隔
	TotalDurationMs int64 `json:"total_duration_ms"`

	// TotalTokens 所有 Agent 消耗的 Token 总量
	TotalTokens int64 `json:"total_tokens"`

	// TotalCostUSD 资源事件累计成本
	TotalCostUSD float64 `json:"total_cost_usd"`

	// SuccessRate 已结束 Agent 中成功的比例（0~1，无已结束 Agent 时为 0）
	SuccessRate float64 `json:"success_rate"`

	// AverageQuality 已完成 Agent 的平均质量分
	AverageQuality float64 `json:"average_quality"`

	// PhaseDurationsMs 各阶段耗时（未完成阶段不计入）
	PhaseDurationsMs map[string]int64 `json:"phase_durations_ms,omitempty"`
}

// TimelineEntry 人类可读的时间线条目
type TimelineEntry struct {
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Message   string    `json:"message"`
}

// ============================================================================
// StateDiff - 投影状态差异
// ============================================================================

// ChangeType 差异类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeRemoved  ChangeType = "removed"
	ChangeTypeModified ChangeType = "modified"
)

// StateChange 单个字段的差异
type StateChange struct {
	Field string      `json:"field"` // 如 "status"、"phases.design.status"、"metrics.total_tokens"
	From  interface{} `json:"from,omitempty"`
	To    interface{} `json:"to,omitempty"`
	Type  ChangeType  `json:"type"`
}

// StateDiff 两个版本之间的完整差异
type StateDiff struct {
	BuildID       string               `json:"build_id"`
	VersionA      int64                `json:"version_a"`
	VersionB      int64                `json:"version_b"`
	StateA        *ProjectedBuildState `json:"state_a"`
	StateB        *ProjectedBuildState `json:"state_b"`
	EventsBetween []*BuildEvent        `json:"events_between"`
	Changes       []StateChange        `json:"changes"`
}

// FoundState findWhen 的命中结果
type FoundState struct {
	Version int64                `json:"version"`
	Event   *BuildEvent          `json:"event"`
	State   *ProjectedBuildState `json:"state"`
}

// ReplayWindow replayFrom 返回的重放窗口
//
// 供外部恢复逻辑从已知良好的检查点重新驱动编排器，
// 本身不重新执行任何 Agent。
type ReplayWindow struct {
	BuildID           string        `json:"build_id"`
	CheckpointVersion int           `json:"checkpoint_version"`
	StartState        interface{}   `json:"start_state"`
	ReplayEvents      []*BuildEvent `json:"replay_events"`
}
