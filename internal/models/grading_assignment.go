package models

import "time"

// GradingAssignment reserves a submission for a peer grader.
type GradingAssignment struct {
	ID                   uint       `gorm:"primaryKey" json:"-"`
	SubmissionUUID       string     `gorm:"size:36;not null;index;uniqueIndex:idx_assignment_pair" json:"submission_uuid"`
	GraderStudentID      string     `gorm:"size:255;not null;index;uniqueIndex:idx_assignment_pair" json:"grader_student_id"`
	GraderSubmissionUUID string     `gorm:"size:36;not null;index" json:"grader_submission_uuid"`
	CourseID             string     `gorm:"size:255;not null;index:idx_assignment_item" json:"course_id"`
	ItemID               string     `gorm:"size:255;not null;index:idx_assignment_item" json:"item_id"`
	OverGrade            bool       `gorm:"not null;default:false" json:"over_grade"`
	AssignedAt           time.Time  `gorm:"not null" json:"assigned_at"`
	CompletedAt          *time.Time `json:"completed_at"`
}

// Completed reports whether the grader has recorded the assessment.
func (a GradingAssignment) Completed() bool {
	return a.CompletedAt != nil
}

// Outstanding reports whether the assignment still holds its slot at the reference time.
func (a GradingAssignment) Outstanding(reference time.Time, timeout time.Duration) bool {
	if a.Completed() {
		return false
	}
	if timeout <= 0 {
		return true
	}
	return reference.Sub(a.AssignedAt) < timeout
}

// HoldsSlot reports whether the assignment counts against the submission's must_be_graded_by quota.
func (a GradingAssignment) HoldsSlot(reference time.Time, timeout time.Duration) bool {
	if a.OverGrade {
		return false
	}
	return a.Completed() || a.Outstanding(reference, timeout)
}

// PeerPool is the per-item row allocators lock to serialize slot reservation.
type PeerPool struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	CourseID    string    `gorm:"size:255;not null;uniqueIndex:idx_peer_pool" json:"course_id"`
	ItemID      string    `gorm:"size:255;not null;uniqueIndex:idx_peer_pool" json:"item_id"`
	Allocations int64     `gorm:"not null;default:0" json:"allocations"`
	UpdatedAt   time.Time `json:"updated_at"`
}
