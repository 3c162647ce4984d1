package dto

import "time"

// ActiveStepSubmission is reported before the learner has submitted anything.
const ActiveStepSubmission = "submission"

// StepStatus reports the completion of one configured step.
type StepStatus struct {
	Name        string     `json:"name"`
	Complete    bool       `json:"complete"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowResponse is the learner-facing workflow state.
type WorkflowResponse struct {
	SubmissionUUID string          `json:"submission_uuid,omitempty"`
	Status         string          `json:"status,omitempty"`
	ActiveStep     string          `json:"active_step"`
	IsDone         bool            `json:"is_done"`
	IsCancelled    bool            `json:"is_cancelled"`
	StatusDetails  []StepStatus    `json:"status_details"`
	Peer           *PeerStepInfo   `json:"peer,omitempty"`
	Training       *TrainingStatus `json:"training,omitempty"`
	Grades         *ReceivedGrades `json:"grades,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy    string          `json:"cancelled_by,omitempty"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
}

// WorkflowCancelRequest is the payload for cancelling a workflow.
type WorkflowCancelRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}
