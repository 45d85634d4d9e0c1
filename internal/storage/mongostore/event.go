package mongostore

import (
	"context"
	"errors"
	"time"

	"build-ledger/internal/model"
	"build-ledger/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// EventLog
// ============================================================================

func (s *Store) AppendEvent(ctx context.Context, event *model.BuildEvent) error {
	return insertOne(ctx, s.col(ColBuildEvents), event)
}

func (s *Store) MaxVersion(ctx context.Context, buildID string) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	last, err := findOne[model.BuildEvent](ctx, s.col(ColBuildEvents),
		bson.D{{Key: "build_id", Value: buildID}}, opts)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return last.Version, nil
}

func (s *Store) CountEvents(ctx context.Context, buildID string) (int64, error) {
	count, err := s.col(ColBuildEvents).CountDocuments(ctx, bson.D{{Key: "build_id", Value: buildID}})
	return count, wrapError(err)
}

func (s *Store) ListEvents(ctx context.Context, buildID string, f storage.EventFilter) ([]*model.BuildEvent, error) {
	filter := bson.D{{Key: "build_id", Value: buildID}}
	if f.FromVersion > 0 || f.ToVersion > 0 {
		rng := bson.D{}
		if f.FromVersion > 0 {
			rng = append(rng, bson.E{Key: "$gte", Value: f.FromVersion})
		}
		if f.ToVersion > 0 {
			rng = append(rng, bson.E{Key: "$lte", Value: f.ToVersion})
		}
		filter = append(filter, bson.E{Key: "version", Value: rng})
	}
	if len(f.Types) > 0 {
		filter = append(filter, bson.E{Key: "type", Value: bson.D{{Key: "$in", Value: f.Types}}})
	}
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return findMany[model.BuildEvent](ctx, s.col(ColBuildEvents), filter, opts)
}

func (s *Store) ListEventsUntil(ctx context.Context, buildID string, until time.Time) ([]*model.BuildEvent, error) {
	filter := bson.D{
		{Key: "build_id", Value: buildID},
		{Key: "timestamp", Value: bson.D{{Key: "$lte", Value: until}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	return findMany[model.BuildEvent](ctx, s.col(ColBuildEvents), filter, opts)
}

func (s *Store) GetEvent(ctx context.Context, buildID, eventID string) (*model.BuildEvent, error) {
	return findOne[model.BuildEvent](ctx, s.col(ColBuildEvents),
		bson.D{{Key: "build_id", Value: buildID}, {Key: "_id", Value: eventID}})
}

func (s *Store) ListCorrelatedEvents(ctx context.Context, correlationID string) ([]*model.BuildEvent, error) {
	filter := bson.D{{Key: "correlation_id", Value: correlationID}}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "version", Value: 1}})
	return findMany[model.BuildEvent](ctx, s.col(ColBuildEvents), filter, opts)
}
