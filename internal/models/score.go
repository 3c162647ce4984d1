package models

import "time"

// Score sources.
const (
	ScoreSourceStaff = "staff"
	ScoreSourcePeer  = "peer"
	ScoreSourceSelf  = "self"
)

// Score is the final grade recorded when a workflow completes.
type Score struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	SubmissionUUID string    `gorm:"size:36;uniqueIndex;not null" json:"submission_uuid"`
	PointsEarned   int       `gorm:"not null" json:"points_earned"`
	PointsPossible int       `gorm:"not null" json:"points_possible"`
	Source         string    `gorm:"size:16;not null" json:"source"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// All returns every persisted model for schema migration.
func All() []interface{} {
	return []interface{}{
		&StudentItem{},
		&Submission{},
		&RubricVersion{},
		&Assessment{},
		&AssessmentPart{},
		&GradingAssignment{},
		&PeerPool{},
		&Workflow{},
		&WorkflowStep{},
		&ItemSetting{},
		&Score{},
	}
}
