package models

import "time"

// Submission is an immutable learner response. Corrections are new attempts.
type Submission struct {
	ID            uint        `gorm:"primaryKey" json:"-"`
	UUID          string      `gorm:"size:36;uniqueIndex;not null" json:"uuid"`
	StudentItemID uint        `gorm:"not null;uniqueIndex:idx_submission_attempt" json:"-"`
	AttemptNumber int         `gorm:"not null;uniqueIndex:idx_submission_attempt" json:"attempt_number"`
	Answer        string      `gorm:"type:text;not null" json:"answer"`
	CreatedAt     time.Time   `gorm:"not null;index" json:"created_at"`
	StudentItem   StudentItem `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"student_item"`
}
