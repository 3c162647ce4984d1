package models

import "time"

// WorkflowStatus is the position of a submission in its assessment workflow.
type WorkflowStatus string

const (
	WorkflowStatusTraining  WorkflowStatus = "training"
	WorkflowStatusPeer      WorkflowStatus = "peer"
	WorkflowStatusWaiting   WorkflowStatus = "waiting"
	WorkflowStatusSelf      WorkflowStatus = "self"
	WorkflowStatusStaff     WorkflowStatus = "staff"
	WorkflowStatusDone      WorkflowStatus = "done"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Step names, in canonical traversal order.
const (
	StepTraining = "training"
	StepPeer     = "peer"
	StepSelf     = "self"
	StepStaff    = "staff"
)

// CanonicalSteps lists every step the engine knows about in traversal order.
var CanonicalSteps = []string{StepTraining, StepPeer, StepSelf, StepStaff}

// StatusForStep maps a step name to the workflow status shown while it is current.
func StatusForStep(step string) WorkflowStatus {
	switch step {
	case StepTraining:
		return WorkflowStatusTraining
	case StepPeer:
		return WorkflowStatusPeer
	case StepSelf:
		return WorkflowStatusSelf
	case StepStaff:
		return WorkflowStatusStaff
	default:
		return WorkflowStatusDone
	}
}

// Rank orders statuses along the forward path. waiting shares peer's rank.
func (s WorkflowStatus) Rank() int {
	switch s {
	case WorkflowStatusTraining:
		return 1
	case WorkflowStatusPeer, WorkflowStatusWaiting:
		return 2
	case WorkflowStatusSelf:
		return 3
	case WorkflowStatusStaff:
		return 4
	case WorkflowStatusDone:
		return 5
	default:
		return 0
	}
}

// Terminal reports whether no further transition is possible.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusDone || s == WorkflowStatusCancelled
}

// Workflow tracks one submission through its configured steps.
type Workflow struct {
	ID             uint           `gorm:"primaryKey" json:"-"`
	SubmissionUUID string         `gorm:"size:36;uniqueIndex;not null" json:"submission_uuid"`
	StudentItemID  uint           `gorm:"not null;index" json:"-"`
	CourseID       string         `gorm:"size:255;not null;index:idx_workflow_item" json:"course_id"`
	ItemID         string         `gorm:"size:255;not null;index:idx_workflow_item" json:"item_id"`
	StudentID      string         `gorm:"size:255;not null;index" json:"student_id"`
	Status         WorkflowStatus `gorm:"size:16;not null;index" json:"status"`
	CancelledAt    *time.Time     `json:"cancelled_at"`
	CancelledBy    string         `gorm:"size:255" json:"cancelled_by,omitempty"`
	CancelReason   string         `gorm:"type:text" json:"cancel_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Steps          []WorkflowStep `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"steps"`
}

// IsDone reports whether the workflow reached the final state.
func (w Workflow) IsDone() bool {
	return w.Status == WorkflowStatusDone
}

// IsCancelled reports whether the workflow was cancelled.
func (w Workflow) IsCancelled() bool {
	return w.Status == WorkflowStatusCancelled
}

// Step returns the configured step with the given name.
func (w Workflow) Step(name string) (WorkflowStep, bool) {
	for _, step := range w.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return WorkflowStep{}, false
}

// WorkflowStep is one configured step of a workflow.
type WorkflowStep struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	WorkflowID  uint       `gorm:"not null;index" json:"-"`
	Name        string     `gorm:"size:16;not null" json:"name"`
	OrderNum    int        `gorm:"not null" json:"order_num"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Complete reports whether the step has been satisfied.
func (s WorkflowStep) Complete() bool {
	return s.CompletedAt != nil
}
