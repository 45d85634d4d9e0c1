// Package model 定义构建账本的核心数据模型
//
// checkpoint.go 包含检查点相关的数据模型定义：
//   - CheckpointData：不可变的状态+产物快照
//   - CheckpointStatus：active/superseded/rolled_back
//   - CheckpointMetadata：创建信息与父指针
package model

import "time"

// ============================================================================
// CheckpointStatus - 检查点状态
// ============================================================================

// CheckpointStatus 检查点状态
//
// 不变量：任意时刻每个 Build 恰好有一个 active 检查点。
// 状态只会被翻转，检查点本身从不删除：
//   - 创建新检查点时，原 active 翻转为 superseded
//   - 回滚时，原 active 翻转为 rolled_back，目标翻转回 active
type CheckpointStatus string

const (
	// CheckpointStatusActive 当前生效的检查点
	CheckpointStatusActive CheckpointStatus = "active"

	// CheckpointStatusSuperseded 被更新的检查点取代
	CheckpointStatusSuperseded CheckpointStatus = "superseded"

	// CheckpointStatusRolledBack 因回滚被放弃
	CheckpointStatusRolledBack CheckpointStatus = "rolled_back"
)

// ============================================================================
// CheckpointData - 检查点快照
// ============================================================================

// CheckpointData 不可变的状态+产物快照
//
// 快照链：通过 Metadata.ParentCheckpointID 形成单向链，
// 无环且终止于首个检查点（ParentCheckpointID 为空）。
// 检查点以 id 为索引存放（arena 模式），遍历靠显式查询，
// 不内嵌活引用，保证可直接序列化。
//
// 字段说明：
//   - Version：Build 内检查点序号（从 1 开始，与事件序号相互独立）
//   - State：构建状态的深拷贝（快照后调用方再改动不影响历史）
//   - Artifacts：命名产物的深拷贝；大体量产物可归档到对象存储，
//     此时 ArtifactObjectKey 记录对象键，Artifacts 置空
type CheckpointData struct {
	ID           string                 `json:"id" bson:"_id" db:"id"`
	BuildID      string                 `json:"build_id" bson:"build_id" db:"build_id"`
	Phase        string                 `json:"phase" bson:"phase" db:"phase"`
	Version      int                    `json:"version" bson:"version" db:"version"`
	Status       CheckpointStatus       `json:"status" bson:"status" db:"status"`
	State        map[string]interface{} `json:"state,omitempty" bson:"state,omitempty" db:"state"`
	Artifacts    map[string]interface{} `json:"artifacts,omitempty" bson:"artifacts,omitempty" db:"artifacts"`
	Metadata     CheckpointMetadata     `json:"metadata" bson:"metadata" db:"metadata"`
	QualityScore float64                `json:"quality_score" bson:"quality_score" db:"quality_score"`

	// ArtifactObjectKey 产物归档到对象存储后的对象键（可选）
	ArtifactObjectKey string `json:"artifact_object_key,omitempty" bson:"artifact_object_key,omitempty" db:"artifact_object_key"`
}

// CheckpointMetadata 检查点创建信息
type CheckpointMetadata struct {
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	CreatedBy string    `json:"created_by,omitempty" bson:"created_by,omitempty"`

	// Reason 创建原因（如 "quality gate passed"）
	Reason string `json:"reason,omitempty" bson:"reason,omitempty"`

	// GateID 触发创建的质量门（可选）
	GateID string `json:"gate_id,omitempty" bson:"gate_id,omitempty"`

	// ParentCheckpointID 上一个 active 检查点；首个检查点为空
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty" bson:"parent_checkpoint_id,omitempty"`
}

// IsActive 判断是否为当前生效检查点
func (c *CheckpointData) IsActive() bool {
	return c.Status == CheckpointStatusActive
}

// IsRoot 判断是否为链上的首个检查点
func (c *CheckpointData) IsRoot() bool {
	return c.Metadata.ParentCheckpointID == ""
}
