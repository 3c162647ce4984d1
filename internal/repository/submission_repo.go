package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-peer-api/internal/models"
)

// AttemptGuard inspects the learner's latest attempt, if any, before a new one is recorded.
type AttemptGuard func(latest *models.Submission, latestStatus models.WorkflowStatus) error

// NewAttempt describes the submission and workflow to create.
type NewAttempt struct {
	Item   models.StudentItem
	Answer string
	Steps  []string
	Status models.WorkflowStatus
	At     time.Time
}

// SubmissionRepository defines data operations for submissions.
type SubmissionRepository interface {
	CreateAttempt(ctx context.Context, attempt NewAttempt, guard AttemptGuard) (models.Submission, error)
	ListByStudentItem(ctx context.Context, item models.StudentItem) ([]models.Submission, error)
	GetByUUID(ctx context.Context, submissionUUID string) (models.Submission, error)
	Latest(ctx context.Context, item models.StudentItem) (models.Submission, error)
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Submission{}).Preload("StudentItem")
}

// CreateAttempt records the next attempt and its workflow in one transaction. The student item
// row is locked so concurrent submitters cannot receive the same attempt number.
func (r *submissionRepository) CreateAttempt(ctx context.Context, attempt NewAttempt, guard AttemptGuard) (models.Submission, error) {
	var created models.Submission

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item := models.StudentItem{
			StudentID: attempt.Item.StudentID,
			CourseID:  attempt.Item.CourseID,
			ItemID:    attempt.Item.ItemID,
			ItemType:  attempt.Item.ItemType,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&item).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("student_id = ? AND course_id = ? AND item_id = ? AND item_type = ?",
				attempt.Item.StudentID, attempt.Item.CourseID, attempt.Item.ItemID, attempt.Item.ItemType).
			First(&item).Error; err != nil {
			return err
		}

		var latest models.Submission
		hasLatest := true
		if err := tx.Where("student_item_id = ?", item.ID).Order("attempt_number DESC").First(&latest).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			hasLatest = false
		}

		next := 1
		if hasLatest {
			next = latest.AttemptNumber + 1
			if guard != nil {
				var workflow models.Workflow
				status := models.WorkflowStatus("")
				if err := tx.Where("submission_uuid = ?", latest.UUID).First(&workflow).Error; err == nil {
					status = workflow.Status
				} else if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
				if err := guard(&latest, status); err != nil {
					return err
				}
			}
		} else if guard != nil {
			if err := guard(nil, ""); err != nil {
				return err
			}
		}

		created = models.Submission{
			UUID:          uuid.NewString(),
			StudentItemID: item.ID,
			AttemptNumber: next,
			Answer:        attempt.Answer,
			CreatedAt:     attempt.At,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		created.StudentItem = item

		workflow := models.Workflow{
			SubmissionUUID: created.UUID,
			StudentItemID:  item.ID,
			CourseID:       item.CourseID,
			ItemID:         item.ItemID,
			StudentID:      item.StudentID,
			Status:         attempt.Status,
		}
		for i, step := range attempt.Steps {
			workflow.Steps = append(workflow.Steps, models.WorkflowStep{Name: step, OrderNum: i})
		}
		return tx.Create(&workflow).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.Submission{}, ErrDuplicate
		}
		return models.Submission{}, err
	}

	return created, nil
}

func (r *submissionRepository) ListByStudentItem(ctx context.Context, item models.StudentItem) ([]models.Submission, error) {
	var submissions []models.Submission
	err := r.baseQuery(ctx).
		Joins("JOIN student_items ON student_items.id = submissions.student_item_id").
		Where("student_items.student_id = ? AND student_items.course_id = ? AND student_items.item_id = ? AND student_items.item_type = ?",
			item.StudentID, item.CourseID, item.ItemID, item.ItemType).
		Order("submissions.attempt_number ASC").
		Find(&submissions).Error
	if err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) GetByUUID(ctx context.Context, submissionUUID string) (models.Submission, error) {
	var submission models.Submission
	if err := r.baseQuery(ctx).Where("uuid = ?", submissionUUID).First(&submission).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

func (r *submissionRepository) Latest(ctx context.Context, item models.StudentItem) (models.Submission, error) {
	var submission models.Submission
	err := r.baseQuery(ctx).
		Joins("JOIN student_items ON student_items.id = submissions.student_item_id").
		Where("student_items.student_id = ? AND student_items.course_id = ? AND student_items.item_id = ? AND student_items.item_type = ?",
			item.StudentID, item.CourseID, item.ItemID, item.ItemType).
		Order("submissions.attempt_number DESC").
		First(&submission).Error
	if err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}
