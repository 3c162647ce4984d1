package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-peer-api/internal/models"
)

// ItemConfigRepository persists per-item step configuration.
type ItemConfigRepository interface {
	Get(ctx context.Context, courseID, itemID string) (models.ItemConfig, error)
	Upsert(ctx context.Context, cfg models.ItemConfig) error
}

type itemConfigRepository struct {
	db *gorm.DB
}

// NewItemConfigRepository instantiates a GORM-backed repository.
func NewItemConfigRepository(db *gorm.DB) ItemConfigRepository {
	return &itemConfigRepository{db: db}
}

func (r *itemConfigRepository) Get(ctx context.Context, courseID, itemID string) (models.ItemConfig, error) {
	var setting models.ItemSetting
	if err := r.db.WithContext(ctx).
		Where("course_id = ? AND item_id = ?", courseID, itemID).
		First(&setting).Error; err != nil {
		return models.ItemConfig{}, err
	}
	return setting.Config()
}

func (r *itemConfigRepository) Upsert(ctx context.Context, cfg models.ItemConfig) error {
	setting, err := models.NewItemSetting(cfg)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "course_id"}, {Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rubric_hash", "document", "updated_at"}),
	}).Create(&setting).Error
}
