package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-peer-api/internal/models"
)

// ScoreRepository persists final scores of completed workflows.
type ScoreRepository interface {
	Get(ctx context.Context, submissionUUID string) (models.Score, error)
	Upsert(ctx context.Context, score *models.Score) error
}

type scoreRepository struct {
	db *gorm.DB
}

// NewScoreRepository instantiates a GORM-backed repository.
func NewScoreRepository(db *gorm.DB) ScoreRepository {
	return &scoreRepository{db: db}
}

func (r *scoreRepository) Get(ctx context.Context, submissionUUID string) (models.Score, error) {
	var score models.Score
	err := r.db.WithContext(ctx).Where("submission_uuid = ?", submissionUUID).First(&score).Error
	return score, err
}

func (r *scoreRepository) Upsert(ctx context.Context, score *models.Score) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "submission_uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{"points_earned", "points_possible", "source", "updated_at"}),
	}).Create(score).Error
}
