package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-peer-api/internal/models"
)

// RubricRepository stores every rubric version assessments were scored against.
type RubricRepository interface {
	Ensure(ctx context.Context, rubric models.Rubric) (string, error)
	GetByHash(ctx context.Context, hash string) (models.Rubric, error)
}

type rubricRepository struct {
	db *gorm.DB
}

// NewRubricRepository instantiates a GORM-backed repository.
func NewRubricRepository(db *gorm.DB) RubricRepository {
	return &rubricRepository{db: db}
}

// Ensure stores the rubric version if it is not known yet and returns its hash.
func (r *rubricRepository) Ensure(ctx context.Context, rubric models.Rubric) (string, error) {
	version, err := models.NewRubricVersion(rubric)
	if err != nil {
		return "", err
	}

	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "hash"}}, DoNothing: true}).
		Create(&version).Error; err != nil {
		return "", err
	}

	return version.Hash, nil
}

func (r *rubricRepository) GetByHash(ctx context.Context, hash string) (models.Rubric, error) {
	var version models.RubricVersion
	if err := r.db.WithContext(ctx).Where("hash = ?", hash).First(&version).Error; err != nil {
		return models.Rubric{}, err
	}
	return version.Rubric()
}
