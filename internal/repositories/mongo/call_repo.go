package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/relayvox/relayvox/internal/models"
	"github.com/relayvox/relayvox/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	ListByUser(ctx context.Context, userID string, limit int64) ([]models.CallRecord, error)
	SetStatus(ctx context.Context, callID string, status models.CallStatus) error
	Finalize(ctx context.Context, rec *models.CallRecord) error
}

type callRecordRepo struct {
	col *mongo.Collection
}

func NewCallRecordRepo(db *mongo.Database) CallRecordRepository {
	return &callRecordRepo{col: db.Collection("call_records")}
}

func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.col.InsertOne(ctx, rec)
	return err
}

func (r *callRecordRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	var rec models.CallRecord
	err := r.col.FindOne(ctx, bson.M{"call_id": callID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	return &rec, err
}

func (r *callRecordRepo) ListByUser(ctx context.Context, userID string, limit int64) ([]models.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := r.col.Find(ctx,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}).SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var recs []models.CallRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *callRecordRepo) SetStatus(ctx context.Context, callID string, status models.CallStatus) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"call_id": callID},
		bson.M{"$set": bson.M{"status": status}},
	)
	return err
}

// Finalize writes everything the bridge collected during the call. Upsert so
// a worker retry after a partial write stays idempotent.
func (r *callRecordRepo) Finalize(ctx context.Context, rec *models.CallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.col.UpdateOne(ctx,
		bson.M{"call_id": rec.CallID},
		bson.M{"$set": bson.M{
			"user_id":             rec.UserID,
			"mode":                rec.Mode,
			"source_language":     rec.SourceLanguage,
			"target_language":     rec.TargetLanguage,
			"status":              rec.Status,
			"engine_a_session_id": rec.EngineASessionID,
			"engine_b_session_id": rec.EngineBSessionID,
			"carrier_call_sid":    rec.CarrierCallSID,
			"transcript":          rec.Transcript,
			"safety_events":       rec.SafetyEvents,
			"recovery_events":     rec.RecoveryEvents,
			"started_at":          rec.StartedAt,
			"ended_at":            rec.EndedAt,
			"duration_seconds":    rec.DurationSeconds,
			"created_at":          rec.CreatedAt,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}
