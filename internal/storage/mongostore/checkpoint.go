package mongostore

import (
	"context"

	"build-ledger/internal/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// CheckpointStore
// ============================================================================

// CreateCheckpoint 插入新检查点并把 supersededID（若非空）翻转为 superseded
//
// MongoDB 单机部署没有多文档事务（需要副本集），这里按
// "先插入、后翻转" 的顺序执行：插入失败时旧 active 不受影响，
// 翻转失败时 GetActiveCheckpoint 的 version DESC 排序仍返回新检查点。
func (s *Store) CreateCheckpoint(ctx context.Context, ckpt *model.CheckpointData, supersededID string) error {
	if err := insertOne(ctx, s.col(ColCheckpoints), ckpt); err != nil {
		return err
	}
	if supersededID != "" {
		return updateFields(ctx, s.col(ColCheckpoints),
			bson.D{{Key: "build_id", Value: ckpt.BuildID}, {Key: "_id", Value: supersededID}},
			bson.D{{Key: "status", Value: model.CheckpointStatusSuperseded}})
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, buildID, checkpointID string) (*model.CheckpointData, error) {
	return findOne[model.CheckpointData](ctx, s.col(ColCheckpoints),
		bson.D{{Key: "build_id", Value: buildID}, {Key: "_id", Value: checkpointID}})
}

func (s *Store) GetCheckpointByVersion(ctx context.Context, buildID string, version int) (*model.CheckpointData, error) {
	return findOne[model.CheckpointData](ctx, s.col(ColCheckpoints),
		bson.D{{Key: "build_id", Value: buildID}, {Key: "version", Value: version}})
}

func (s *Store) GetActiveCheckpoint(ctx context.Context, buildID string) (*model.CheckpointData, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	return findOne[model.CheckpointData](ctx, s.col(ColCheckpoints),
		bson.D{{Key: "build_id", Value: buildID}, {Key: "status", Value: model.CheckpointStatusActive}},
		opts)
}

func (s *Store) ListCheckpoints(ctx context.Context, buildID string) ([]*model.CheckpointData, error) {
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	return findMany[model.CheckpointData](ctx, s.col(ColCheckpoints),
		bson.D{{Key: "build_id", Value: buildID}}, opts)
}

func (s *Store) CountCheckpoints(ctx context.Context, buildID string) (int, error) {
	count, err := s.col(ColCheckpoints).CountDocuments(ctx, bson.D{{Key: "build_id", Value: buildID}})
	return int(count), wrapError(err)
}

// SetActiveCheckpoint 回滚时的 active 指针翻转
func (s *Store) SetActiveCheckpoint(ctx context.Context, buildID, checkpointID string) error {
	// 先校验目标存在，避免把 Build 翻转到无 active 的状态
	if _, err := s.GetCheckpoint(ctx, buildID, checkpointID); err != nil {
		return err
	}

	_, err := s.col(ColCheckpoints).UpdateMany(ctx,
		bson.D{
			{Key: "build_id", Value: buildID},
			{Key: "status", Value: model.CheckpointStatusActive},
			{Key: "_id", Value: bson.D{{Key: "$ne", Value: checkpointID}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: model.CheckpointStatusRolledBack}}}})
	if err != nil {
		return wrapError(err)
	}

	return updateFields(ctx, s.col(ColCheckpoints),
		bson.D{{Key: "build_id", Value: buildID}, {Key: "_id", Value: checkpointID}},
		bson.D{{Key: "status", Value: model.CheckpointStatusActive}})
}

func (s *Store) UpdateCheckpointStatus(ctx context.Context, buildID, checkpointID string, status model.CheckpointStatus) error {
	return updateFields(ctx, s.col(ColCheckpoints),
		bson.D{{Key: "build_id", Value: buildID}, {Key: "_id", Value: checkpointID}},
		bson.D{{Key: "status", Value: status}})
}

func (s *Store) UpdateQualityScore(ctx context.Context, buildID, checkpointID string, score float64) error {
	return updateFields(ctx, s.col(ColCheckpoints),
		bson.D{{Key: "build_id", Value: buildID}, {Key: "_id", Value: checkpointID}},
		bson.D{{Key: "quality_score", Value: score}})
}
