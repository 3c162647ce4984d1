package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-peer-api/internal/models"
)

// AssessmentRepository defines persistence operations for assessments.
type AssessmentRepository interface {
	Create(ctx context.Context, assessment *models.Assessment, rules AssessmentWrite) error
	ListBySubmission(ctx context.Context, submissionUUID string, assessmentType *models.AssessmentType) ([]models.Assessment, error)
	CountBySubmission(ctx context.Context, submissionUUID string, assessmentType models.AssessmentType) (int64, error)
	ListTrainingExamples(ctx context.Context, submissionUUID string) ([]int, error)
}

// AssessmentWrite carries the uniqueness rules applied while the assessment is written.
type AssessmentWrite struct {
	// UniquePerType rejects a second assessment of the same type on the submission.
	UniquePerType bool
	// UniquePerScorer rejects a second assessment of the same type by the same scorer.
	UniquePerScorer bool
	// CompleteAssignment requires and completes the scorer's grading assignment.
	CompleteAssignment bool
	// SlotTimeout is how long an outstanding assignment keeps its slot. Zero never expires it.
	SlotTimeout time.Duration
	// SlotLimit is the submission's must_be_graded_by. An expired assignment completed while the
	// other assignments already fill SlotLimit slots is recorded as an over-grade.
	SlotLimit int
}

type assessmentRepository struct {
	db *gorm.DB
}

// NewAssessmentRepository instantiates a GORM-backed repository.
func NewAssessmentRepository(db *gorm.DB) AssessmentRepository {
	return &assessmentRepository{db: db}
}

func (r *assessmentRepository) Create(ctx context.Context, assessment *models.Assessment, rules AssessmentWrite) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serialize writers on the assessed submission.
		var workflow models.Workflow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("submission_uuid = ?", assessment.SubmissionUUID).
			First(&workflow).Error; err != nil {
			return err
		}

		if rules.UniquePerType || rules.UniquePerScorer {
			query := tx.Model(&models.Assessment{}).
				Where("submission_uuid = ? AND assessment_type = ?", assessment.SubmissionUUID, assessment.Type)
			if rules.UniquePerScorer {
				query = query.Where("scorer_id = ?", assessment.ScorerID)
			}
			if assessment.TrainingExample != nil {
				query = query.Where("training_example = ?", *assessment.TrainingExample)
			}
			var existing int64
			if err := query.Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				return ErrDuplicate
			}
		}

		if rules.CompleteAssignment {
			var assignment models.GradingAssignment
			if err := tx.Where("submission_uuid = ? AND grader_student_id = ?", assessment.SubmissionUUID, assessment.ScorerID).
				First(&assignment).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNoAssignment
				}
				return err
			}
			if assignment.Completed() {
				return ErrDuplicate
			}

			completedAt := assessment.ScoredAt
			overGrade := assignment.OverGrade
			if !overGrade && !assignment.Outstanding(completedAt, rules.SlotTimeout) {
				var err error
				overGrade, err = slotsTaken(tx, assignment, completedAt, rules)
				if err != nil {
					return err
				}
			}

			result := tx.Model(&models.GradingAssignment{}).
				Where("id = ? AND completed_at IS NULL", assignment.ID).
				Updates(map[string]interface{}{"completed_at": completedAt, "over_grade": overGrade})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrDuplicate
			}
		}

		return tx.Create(assessment).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// slotsTaken reports whether the submission's other assignments fill every slot, so a lapsed
// assignment completing late can only count as an over-grade. It holds the item's pool row lock
// so the count cannot race an allocator.
func slotsTaken(tx *gorm.DB, assignment models.GradingAssignment, at time.Time, rules AssessmentWrite) (bool, error) {
	var pool models.PeerPool
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("course_id = ? AND item_id = ?", assignment.CourseID, assignment.ItemID).
		First(&pool).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	var others []models.GradingAssignment
	if err := tx.Where("submission_uuid = ? AND id <> ?", assignment.SubmissionUUID, assignment.ID).
		Find(&others).Error; err != nil {
		return false, err
	}

	held := 0
	for _, other := range others {
		if other.HoldsSlot(at, rules.SlotTimeout) {
			held++
		}
	}
	return held >= rules.SlotLimit, nil
}

func (r *assessmentRepository) ListBySubmission(ctx context.Context, submissionUUID string, assessmentType *models.AssessmentType) ([]models.Assessment, error) {
	query := r.db.WithContext(ctx).
		Preload("Parts").
		Where("submission_uuid = ?", submissionUUID)
	if assessmentType != nil {
		query = query.Where("assessment_type = ?", *assessmentType)
	}

	var assessments []models.Assessment
	if err := query.Order("scored_at ASC").Order("id ASC").Find(&assessments).Error; err != nil {
		return nil, err
	}

	return assessments, nil
}

func (r *assessmentRepository) CountBySubmission(ctx context.Context, submissionUUID string, assessmentType models.AssessmentType) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.Assessment{}).
		Where("submission_uuid = ? AND assessment_type = ?", submissionUUID, assessmentType).
		Count(&total).Error
	return total, err
}

func (r *assessmentRepository) ListTrainingExamples(ctx context.Context, submissionUUID string) ([]int, error) {
	var examples []int
	err := r.db.WithContext(ctx).Model(&models.Assessment{}).
		Where("submission_uuid = ? AND assessment_type = ? AND training_example IS NOT NULL", submissionUUID, models.AssessmentTypeTraining).
		Order("training_example ASC").
		Pluck("training_example", &examples).Error
	if err != nil {
		return nil, err
	}
	return examples, nil
}
