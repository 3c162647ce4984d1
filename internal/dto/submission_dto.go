package dto

import (
	"time"

	"github.com/noah-isme/gema-peer-api/internal/models"
)

// StudentItemQuery identifies the caller's course item in query strings.
type StudentItemQuery struct {
	CourseID string `query:"course_id" json:"course_id" validate:"required,max=255"`
	ItemID   string `query:"item_id" json:"item_id" validate:"required,max=255"`
	ItemType string `query:"item_type" json:"item_type" validate:"required,max=100"`
}

// StudentItem binds the query to a learner.
func (q StudentItemQuery) StudentItem(studentID string) models.StudentItem {
	return models.StudentItem{StudentID: studentID, CourseID: q.CourseID, ItemID: q.ItemID, ItemType: q.ItemType}
}

// SubmissionCreateRequest is the payload for a new submission attempt.
type SubmissionCreateRequest struct {
	CourseID string `json:"course_id" validate:"required,max=255"`
	ItemID   string `json:"item_id" validate:"required,max=255"`
	ItemType string `json:"item_type" validate:"required,max=100"`
	Answer   string `json:"answer" validate:"required"`
}

// StudentItem binds the request to a learner.
func (r SubmissionCreateRequest) StudentItem(studentID string) models.StudentItem {
	return models.StudentItem{StudentID: studentID, CourseID: r.CourseID, ItemID: r.ItemID, ItemType: r.ItemType}
}

// SubmissionResponse is returned to API clients when viewing submissions.
type SubmissionResponse struct {
	UUID          string    `json:"uuid"`
	StudentID     string    `json:"student_id"`
	CourseID      string    `json:"course_id"`
	ItemID        string    `json:"item_id"`
	ItemType      string    `json:"item_type"`
	AttemptNumber int       `json:"attempt_number"`
	Answer        string    `json:"answer"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewSubmissionResponse converts a Submission model into a DTO.
func NewSubmissionResponse(model models.Submission) SubmissionResponse {
	return SubmissionResponse{
		UUID:          model.UUID,
		StudentID:     model.StudentItem.StudentID,
		CourseID:      model.StudentItem.CourseID,
		ItemID:        model.StudentItem.ItemID,
		ItemType:      model.StudentItem.ItemType,
		AttemptNumber: model.AttemptNumber,
		Answer:        model.Answer,
		CreatedAt:     model.CreatedAt,
	}
}

// NewSubmissionResponses converts a slice of models.
func NewSubmissionResponses(items []models.Submission) []SubmissionResponse {
	responses := make([]SubmissionResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, NewSubmissionResponse(item))
	}
	return responses
}
