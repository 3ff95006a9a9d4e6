package postgres

import (
	"context"
	"errors"

	"github.com/relayvox/relayvox/internal/models"
	"github.com/relayvox/relayvox/internal/utils"
	"gorm.io/gorm"
)

type TranscriptRepo interface {
	InsertBatch(ctx context.Context, rows []models.TranscriptRow) error
	ReplaceForCall(ctx context.Context, callID string, rows []models.TranscriptRow) error
	ListByCall(ctx context.Context, userID, callID string, limit int) ([]models.TranscriptRow, error)
	LatestByUser(ctx context.Context, userID string, n int) ([]models.TranscriptRow, error)
	GetByID(ctx context.Context, id string) (*models.TranscriptRow, error)
}

type transcriptRepo struct {
	db *gorm.DB
}

func NewTranscriptRepo(db *gorm.DB) TranscriptRepo {
	return &transcriptRepo{db: db}
}

// InsertBatch writes one call's transcript in a single statement.
func (r *transcriptRepo) InsertBatch(ctx context.Context, rows []models.TranscriptRow) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

// ReplaceForCall swaps the call's rows in one transaction so worker
// redeliveries stay idempotent.
func (r *transcriptRepo) ReplaceForCall(ctx context.Context, callID string, rows []models.TranscriptRow) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("call_id = ?", callID).Delete(&models.TranscriptRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (r *transcriptRepo) ListByCall(ctx context.Context, userID, callID string, limit int) ([]models.TranscriptRow, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []models.TranscriptRow
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND call_id = ?", userID, callID).
		Order("timestamp ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *transcriptRepo) LatestByUser(ctx context.Context, userID string, n int) ([]models.TranscriptRow, error) {
	if n <= 0 {
		n = 20
	}
	var rows []models.TranscriptRow
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		Limit(n).
		Find(&rows).Error
	return rows, err
}

func (r *transcriptRepo) GetByID(ctx context.Context, id string) (*models.TranscriptRow, error) {
	var row models.TranscriptRow
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}
