package models

import "time"

// AssessmentType enumerates the kinds of assessment a submission can receive.
type AssessmentType string

const (
	AssessmentTypePeer     AssessmentType = "peer"
	AssessmentTypeSelf     AssessmentType = "self"
	AssessmentTypeStaff    AssessmentType = "staff"
	AssessmentTypeTraining AssessmentType = "training"
)

// Valid reports whether the type is one of the known assessment types.
func (t AssessmentType) Valid() bool {
	switch t {
	case AssessmentTypePeer, AssessmentTypeSelf, AssessmentTypeStaff, AssessmentTypeTraining:
		return true
	default:
		return false
	}
}

// Assessment is an immutable rubric evaluation of a submission.
type Assessment struct {
	ID              uint             `gorm:"primaryKey" json:"-"`
	SubmissionUUID  string           `gorm:"size:36;not null;index" json:"submission_uuid"`
	ScorerID        string           `gorm:"size:255;not null;index" json:"scorer_id"`
	Type            AssessmentType   `gorm:"column:assessment_type;size:16;not null;index" json:"assessment_type"`
	Feedback        string           `gorm:"type:text" json:"feedback"`
	PointsEarned    int              `gorm:"not null" json:"points_earned"`
	PointsPossible  int              `gorm:"not null" json:"points_possible"`
	RubricHash      string           `gorm:"size:64;not null" json:"rubric_hash"`
	TrainingExample *int             `json:"training_example,omitempty"`
	ScoredAt        time.Time        `gorm:"not null;index" json:"scored_at"`
	Parts           []AssessmentPart `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"parts"`
}

// AssessmentPart records the option selected for one criterion.
type AssessmentPart struct {
	ID           uint   `gorm:"primaryKey" json:"-"`
	AssessmentID uint   `gorm:"not null;index" json:"-"`
	Criterion    string `gorm:"size:100;not null" json:"criterion"`
	Option       string `gorm:"size:100;not null" json:"option"`
	Points       int    `gorm:"not null" json:"points"`
}

// Selections returns the criterion to option mapping of the assessment.
func (a Assessment) Selections() map[string]string {
	selected := make(map[string]string, len(a.Parts))
	for _, part := range a.Parts {
		selected[part.Criterion] = part.Option
	}
	return selected
}

// PointsFor returns the points awarded for a criterion.
func (a Assessment) PointsFor(criterion string) (int, bool) {
	for _, part := range a.Parts {
		if part.Criterion == criterion {
			return part.Points, true
		}
	}
	return 0, false
}
