package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-peer-api/internal/models"
)

// WorkflowProgress describes a forward move computed by the state machine.
type WorkflowProgress struct {
	From           models.WorkflowStatus
	To             models.WorkflowStatus
	CompletedSteps []string
	At             time.Time
}

// WorkflowRepository defines persistence operations for workflows.
type WorkflowRepository interface {
	GetBySubmission(ctx context.Context, submissionUUID string) (models.Workflow, error)
	Advance(ctx context.Context, workflowID uint, progress WorkflowProgress) (bool, error)
	Cancel(ctx context.Context, submissionUUID, cancelledBy, reason string, at time.Time) (models.Workflow, error)
}

type workflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository instantiates a GORM-backed repository.
func NewWorkflowRepository(db *gorm.DB) WorkflowRepository {
	return &workflowRepository{db: db}
}

func (r *workflowRepository) GetBySubmission(ctx context.Context, submissionUUID string) (models.Workflow, error) {
	var workflow models.Workflow
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("order_num ASC") }).
		Where("submission_uuid = ?", submissionUUID).
		First(&workflow).Error
	return workflow, err
}

// Advance persists progress only when the stored status still equals progress.From, so concurrent
// recomputes cannot move a workflow backwards. It reports whether the status row was updated.
func (r *workflowRepository) Advance(ctx context.Context, workflowID uint, progress WorkflowProgress) (bool, error) {
	advanced := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if progress.From != progress.To {
			result := tx.Model(&models.Workflow{}).
				Where("id = ? AND status = ?", workflowID, progress.From).
				Updates(map[string]interface{}{"status": progress.To, "updated_at": progress.At})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			advanced = true
		}

		if len(progress.CompletedSteps) == 0 {
			return nil
		}
		return tx.Model(&models.WorkflowStep{}).
			Where("workflow_id = ? AND name IN ? AND completed_at IS NULL", workflowID, progress.CompletedSteps).
			Update("completed_at", progress.At).Error
	})

	return advanced, err
}

func (r *workflowRepository) Cancel(ctx context.Context, submissionUUID, cancelledBy, reason string, at time.Time) (models.Workflow, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Workflow{}).
			Where("submission_uuid = ? AND status NOT IN ?", submissionUUID,
				[]models.WorkflowStatus{models.WorkflowStatusDone, models.WorkflowStatusCancelled}).
			Updates(map[string]interface{}{
				"status":        models.WorkflowStatusCancelled,
				"cancelled_at":  at,
				"cancelled_by":  cancelledBy,
				"cancel_reason": reason,
				"updated_at":    at,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}

		var existing int64
		if err := tx.Model(&models.Workflow{}).Where("submission_uuid = ?", submissionUUID).Count(&existing).Error; err != nil {
			return err
		}
		if existing == 0 {
			return gorm.ErrRecordNotFound
		}
		return ErrWorkflowTerminal
	})
	if err != nil {
		return models.Workflow{}, err
	}

	return r.GetBySubmission(ctx, submissionUUID)
}
