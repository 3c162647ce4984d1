package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-peer-api/internal/models"
)

// PeerCandidate is another learner's current submission together with its grading assignments.
type PeerCandidate struct {
	Submission  models.Submission
	Assignments []models.GradingAssignment
}

// AuthorID returns the learner who wrote the submission.
func (c PeerCandidate) AuthorID() string {
	return c.Submission.StudentItem.StudentID
}

// CompletedCount is the number of peer assessments the submission has received.
func (c PeerCandidate) CompletedCount() int {
	total := 0
	for _, assignment := range c.Assignments {
		if assignment.Completed() {
			total++
		}
	}
	return total
}

// GradedCount is the number of completed assessments that consumed a must_be_graded_by slot.
func (c PeerCandidate) GradedCount() int {
	total := 0
	for _, assignment := range c.Assignments {
		if assignment.Completed() && !assignment.OverGrade {
			total++
		}
	}
	return total
}

// ReservedSlots counts assignments holding a must_be_graded_by slot at the reference time.
func (c PeerCandidate) ReservedSlots(reference time.Time, timeout time.Duration) int {
	total := 0
	for _, assignment := range c.Assignments {
		if assignment.HoldsSlot(reference, timeout) {
			total++
		}
	}
	return total
}

// AssignedTo reports whether the grader was ever handed this submission.
func (c PeerCandidate) AssignedTo(graderStudentID string) bool {
	for _, assignment := range c.Assignments {
		if assignment.GraderStudentID == graderStudentID {
			return true
		}
	}
	return false
}

// PeerStore is the view of peer grading state used by the allocator. Inside WithPoolLock it
// is bound to the locking transaction.
type PeerStore interface {
	Candidates(item models.StudentItem) ([]PeerCandidate, error)
	AssignmentsByGrader(graderStudentID, courseID, itemID string) ([]models.GradingAssignment, error)
	CreateAssignment(assignment *models.GradingAssignment) error
}

// PeerRepository defines persistence operations for peer grading allocation.
type PeerRepository interface {
	WithPoolLock(ctx context.Context, courseID, itemID string, fn func(store PeerStore) error) error
	Reader(ctx context.Context) PeerStore
	CountGiven(ctx context.Context, graderSubmissionUUID string) (int64, error)
	GetAssignment(ctx context.Context, submissionUUID, graderStudentID string) (models.GradingAssignment, error)
	ListAssignments(ctx context.Context, submissionUUID string) ([]models.GradingAssignment, error)
}

type peerRepository struct {
	db *gorm.DB
}

// NewPeerRepository instantiates a GORM-backed repository.
func NewPeerRepository(db *gorm.DB) PeerRepository {
	return &peerRepository{db: db}
}

// WithPoolLock runs fn in a transaction holding the item's pool row lock, so candidate counting
// and assignment creation cannot interleave with another allocator for the same item.
func (r *peerRepository) WithPoolLock(ctx context.Context, courseID, itemID string, fn func(store PeerStore) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pool := models.PeerPool{CourseID: courseID, ItemID: itemID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&pool).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("course_id = ? AND item_id = ?", courseID, itemID).
			First(&pool).Error; err != nil {
			return err
		}

		if err := fn(&peerStore{db: tx}); err != nil {
			return err
		}

		return tx.Model(&models.PeerPool{}).
			Where("id = ?", pool.ID).
			UpdateColumn("allocations", gorm.Expr("allocations + 1")).Error
	})
}

func (r *peerRepository) Reader(ctx context.Context) PeerStore {
	return &peerStore{db: r.db.WithContext(ctx)}
}

func (r *peerRepository) CountGiven(ctx context.Context, graderSubmissionUUID string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.GradingAssignment{}).
		Where("grader_submission_uuid = ? AND completed_at IS NOT NULL", graderSubmissionUUID).
		Count(&total).Error
	return total, err
}

func (r *peerRepository) GetAssignment(ctx context.Context, submissionUUID, graderStudentID string) (models.GradingAssignment, error) {
	var assignment models.GradingAssignment
	err := r.db.WithContext(ctx).
		Where("submission_uuid = ? AND grader_student_id = ?", submissionUUID, graderStudentID).
		First(&assignment).Error
	return assignment, err
}

func (r *peerRepository) ListAssignments(ctx context.Context, submissionUUID string) ([]models.GradingAssignment, error) {
	var assignments []models.GradingAssignment
	err := r.db.WithContext(ctx).
		Where("submission_uuid = ?", submissionUUID).
		Order("assigned_at ASC").
		Find(&assignments).Error
	return assignments, err
}

type peerStore struct {
	db *gorm.DB
}

func (s *peerStore) Candidates(item models.StudentItem) ([]PeerCandidate, error) {
	var submissions []models.Submission
	err := s.db.Model(&models.Submission{}).
		Preload("StudentItem").
		Joins("JOIN student_items ON student_items.id = submissions.student_item_id").
		Joins("JOIN workflows ON workflows.submission_uuid = submissions.uuid").
		Where("student_items.course_id = ? AND student_items.item_id = ? AND student_items.item_type = ?",
			item.CourseID, item.ItemID, item.ItemType).
		Where("student_items.student_id <> ?", item.StudentID).
		Where("workflows.status <> ?", models.WorkflowStatusCancelled).
		Where("submissions.attempt_number = (SELECT MAX(latest.attempt_number) FROM submissions AS latest WHERE latest.student_item_id = submissions.student_item_id)").
		Order("submissions.created_at ASC").
		Order("submissions.uuid ASC").
		Find(&submissions).Error
	if err != nil {
		return nil, err
	}
	if len(submissions) == 0 {
		return nil, nil
	}

	uuids := make([]string, 0, len(submissions))
	for _, submission := range submissions {
		uuids = append(uuids, submission.UUID)
	}

	var assignments []models.GradingAssignment
	if err := s.db.Where("submission_uuid IN ?", uuids).Find(&assignments).Error; err != nil {
		return nil, err
	}

	bySubmission := make(map[string][]models.GradingAssignment, len(submissions))
	for _, assignment := range assignments {
		bySubmission[assignment.SubmissionUUID] = append(bySubmission[assignment.SubmissionUUID], assignment)
	}

	candidates := make([]PeerCandidate, 0, len(submissions))
	for _, submission := range submissions {
		candidates = append(candidates, PeerCandidate{
			Submission:  submission,
			Assignments: bySubmission[submission.UUID],
		})
	}
	return candidates, nil
}

func (s *peerStore) AssignmentsByGrader(graderStudentID, courseID, itemID string) ([]models.GradingAssignment, error) {
	var assignments []models.GradingAssignment
	err := s.db.
		Where("grader_student_id = ? AND course_id = ? AND item_id = ?", graderStudentID, courseID, itemID).
		Order("assigned_at ASC").
		Find(&assignments).Error
	return assignments, err
}

func (s *peerStore) CreateAssignment(assignment *models.GradingAssignment) error {
	if err := s.db.Create(assignment).Error; err != nil {
		return err
	}
	return nil
}
