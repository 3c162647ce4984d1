package dto

import "github.com/noah-isme/gema-peer-api/internal/models"

// ScoreResponse is the final grade of a completed workflow.
type ScoreResponse struct {
	SubmissionUUID string `json:"submission_uuid"`
	PointsEarned   int    `json:"points_earned"`
	PointsPossible int    `json:"points_possible"`
	Source         string `json:"source"`
}

// NewScoreResponse converts a Score model into a DTO.
func NewScoreResponse(model models.Score) ScoreResponse {
	return ScoreResponse{
		SubmissionUUID: model.SubmissionUUID,
		PointsEarned:   model.PointsEarned,
		PointsPossible: model.PointsPossible,
		Source:         model.Source,
	}
}

// StepGrade is the points a learner received in one step.
type StepGrade struct {
	PointsEarned   int `json:"points_earned"`
	PointsPossible int `json:"points_possible"`
}

// ReceivedGrades lists the per-step grades released once the workflow is done.
type ReceivedGrades struct {
	Self  *StepGrade `json:"self,omitempty"`
	Peer  *StepGrade `json:"peer,omitempty"`
	Staff *StepGrade `json:"staff,omitempty"`
}
