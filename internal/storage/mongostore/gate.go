package mongostore

import (
	"context"

	"build-ledger/internal/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// GateStore / PlanStore
// ============================================================================

func (s *Store) CreateGate(ctx context.Context, gate *model.QualityGate) error {
	return insertOne(ctx, s.col(ColQualityGates), gate)
}

func (s *Store) GetGate(ctx context.Context, gateID string) (*model.QualityGate, error) {
	return findOne[model.QualityGate](ctx, s.col(ColQualityGates),
		bson.D{{Key: "_id", Value: gateID}})
}

func (s *Store) UpdateGate(ctx context.Context, gate *model.QualityGate) error {
	return replaceByID(ctx, s.col(ColQualityGates), gate.ID, gate)
}

func (s *Store) ListGatesByBuild(ctx context.Context, buildID string) ([]*model.QualityGate, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return findMany[model.QualityGate](ctx, s.col(ColQualityGates),
		bson.D{{Key: "build_id", Value: buildID}}, opts)
}

func (s *Store) CreatePlan(ctx context.Context, plan *model.RollbackPlan) error {
	return insertOne(ctx, s.col(ColRollbackPlans), plan)
}

func (s *Store) GetPlan(ctx context.Context, planID string) (*model.RollbackPlan, error) {
	return findOne[model.RollbackPlan](ctx, s.col(ColRollbackPlans),
		bson.D{{Key: "_id", Value: planID}})
}

func (s *Store) UpdatePlan(ctx context.Context, plan *model.RollbackPlan) error {
	return replaceByID(ctx, s.col(ColRollbackPlans), plan.ID, plan)
}

func (s *Store) ListPlansByBuild(ctx context.Context, buildID string) ([]*model.RollbackPlan, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return findMany[model.RollbackPlan](ctx, s.col(ColRollbackPlans),
		bson.D{{Key: "build_id", Value: buildID}}, opts)
}
