package dto

import (
	"time"

	"github.com/noah-isme/gema-peer-api/internal/models"
)

// AssessmentCreateRequest records a rubric evaluation of a submission.
type AssessmentCreateRequest struct {
	SubmissionUUID  string            `json:"submission_uuid" validate:"required,uuid"`
	Type            string            `json:"assessment_type" validate:"required,oneof=peer self staff"`
	OptionsSelected map[string]string `json:"options_selected" validate:"required,min=1"`
	Feedback        string            `json:"feedback"`
	Rubric          *models.Rubric    `json:"rubric,omitempty"`
}

// AssessmentQuery filters assessment listings.
type AssessmentQuery struct {
	Type string `query:"type" json:"type" validate:"omitempty,oneof=peer self staff training"`
}

// AssessmentPartResponse is one criterion selection.
type AssessmentPartResponse struct {
	Criterion string `json:"criterion"`
	Option    string `json:"option"`
	Points    int    `json:"points"`
}

// AssessmentResponse is returned to API clients when viewing assessments.
type AssessmentResponse struct {
	SubmissionUUID  string                   `json:"submission_uuid"`
	ScorerID        string                   `json:"scorer_id,omitempty"`
	Type            string                   `json:"assessment_type"`
	Parts           []AssessmentPartResponse `json:"parts"`
	Feedback        string                   `json:"feedback"`
	PointsEarned    int                      `json:"points_earned"`
	PointsPossible  int                      `json:"points_possible"`
	RubricHash      string                   `json:"rubric_hash"`
	TrainingExample *int                     `json:"training_example,omitempty"`
	ScoredAt        time.Time                `json:"scored_at"`
}

// NewAssessmentResponse converts an Assessment model into a DTO.
func NewAssessmentResponse(model models.Assessment) AssessmentResponse {
	parts := make([]AssessmentPartResponse, 0, len(model.Parts))
	for _, part := range model.Parts {
		parts = append(parts, AssessmentPartResponse{Criterion: part.Criterion, Option: part.Option, Points: part.Points})
	}

	return AssessmentResponse{
		SubmissionUUID:  model.SubmissionUUID,
		ScorerID:        model.ScorerID,
		Type:            string(model.Type),
		Parts:           parts,
		Feedback:        model.Feedback,
		PointsEarned:    model.PointsEarned,
		PointsPossible:  model.PointsPossible,
		RubricHash:      model.RubricHash,
		TrainingExample: model.TrainingExample,
		ScoredAt:        model.ScoredAt,
	}
}
