package dto

import "time"

// PeerRequest asks for the next submission to assess.
type PeerRequest struct {
	CourseID       string `json:"course_id" validate:"required,max=255"`
	ItemID         string `json:"item_id" validate:"required,max=255"`
	ItemType       string `json:"item_type" validate:"required,max=100"`
	MustBeGradedBy *int   `json:"must_be_graded_by"`
}

// PeerAllocationResponse describes the submission handed to a grader. Submission is nil when
// nothing is available to assess.
type PeerAllocationResponse struct {
	Submission *SubmissionResponse `json:"submission"`
	OverGrade  bool                `json:"over_grade"`
	Resumed    bool                `json:"resumed"`
	AssignedAt *time.Time          `json:"assigned_at,omitempty"`
}

// PeerStepInfo summarizes the learner's peer grading progress.
type PeerStepInfo struct {
	NumCompleted                  int  `json:"num_completed"`
	NumReceived                   int  `json:"num_received"`
	MustGrade                     int  `json:"must_grade"`
	MustBeGradedBy                int  `json:"must_be_graded_by"`
	WaitingForSubmissionsToAssess bool `json:"waiting_for_submissions_to_assess"`
}
