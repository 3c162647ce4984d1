package dto

import "github.com/noah-isme/gema-peer-api/internal/models"

// TrainingStatus reports training progress for a submission.
type TrainingStatus struct {
	NumCompleted int `json:"num_completed"`
	NumAvailable int `json:"num_available"`
	NumRequired  int `json:"num_required"`
}

// TrainingExampleResponse is the next example the learner must assess.
type TrainingExampleResponse struct {
	Index    int            `json:"index"`
	Answer   string         `json:"answer"`
	Rubric   *models.Rubric `json:"rubric,omitempty"`
	Progress TrainingStatus `json:"progress"`
	Done     bool           `json:"done"`
}

// TrainingAssessRequest carries the learner's selections for the current example.
type TrainingAssessRequest struct {
	OptionsSelected map[string]string `json:"options_selected" validate:"required,min=1"`
}

// TrainingAssessResponse reports whether the selections matched the expected ones.
type TrainingAssessResponse struct {
	Correct     bool              `json:"correct"`
	Corrections map[string]string `json:"corrections,omitempty"`
	Progress    TrainingStatus    `json:"progress"`
}
