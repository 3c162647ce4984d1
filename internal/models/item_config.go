package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Over-grading policies applied when every peer submission already met its quota.
const (
	OverGradeAlways     = "always"
	OverGradeUntilQuota = "until_quota"
	OverGradeNever      = "never"
)

// Peer score aggregation strategies.
const (
	AggregationMedian = "median"
	AggregationMean   = "mean"
)

// TrainingExample is a sample answer with the selections a trained grader is expected to make.
type TrainingExample struct {
	Answer          string            `json:"answer" validate:"required"`
	OptionsSelected map[string]string `json:"options_selected" validate:"required,min=1"`
}

// ItemConfig is the host-provided step configuration for one course item.
type ItemConfig struct {
	CourseID                 string            `json:"course_id" validate:"required,max=255"`
	ItemID                   string            `json:"item_id" validate:"required,max=255"`
	Steps                    []string          `json:"steps" validate:"required,min=1,unique,dive,oneof=training peer self staff"`
	MustGrade                int               `json:"must_grade" validate:"gte=0"`
	MustBeGradedBy           int               `json:"must_be_graded_by" validate:"gte=0"`
	RequiredTrainingExamples int               `json:"required_training_examples" validate:"gte=0"`
	TrainingExamples         []TrainingExample `json:"training_examples,omitempty" validate:"omitempty,dive"`
	Rubric                   Rubric            `json:"rubric"`
	WaiveStaff               bool              `json:"waive_staff"`
	OverGradePolicy          string            `json:"overgrade_policy,omitempty" validate:"omitempty,oneof=always until_quota never"`
	Aggregation              string            `json:"aggregation,omitempty" validate:"omitempty,oneof=median mean"`
	// Start and Due bound when responses are accepted.
	Start *time.Time `json:"start,omitempty"`
	Due   *time.Time `json:"due,omitempty"`
	// PeerStart and PeerDue bound when peer submissions are handed out and assessed.
	PeerStart *time.Time `json:"peer_start,omitempty"`
	PeerDue   *time.Time `json:"peer_due,omitempty"`
}

// SubmissionOpen reports whether responses are accepted at now, and otherwise which bound was hit.
func (c ItemConfig) SubmissionOpen(now time.Time) (string, bool) {
	return openAt(now, c.Start, c.Due, "start", "due")
}

// PeerOpen reports whether peer assessment is open at now, and otherwise which bound was hit.
func (c ItemConfig) PeerOpen(now time.Time) (string, bool) {
	return openAt(now, c.PeerStart, c.PeerDue, "peer_start", "peer_due")
}

func openAt(now time.Time, start, due *time.Time, startField, dueField string) (string, bool) {
	if start != nil && now.Before(*start) {
		return startField, false
	}
	if due != nil && !now.Before(*due) {
		return dueField, false
	}
	return "", true
}

// HasStep reports whether the named step is enabled for the item.
func (c ItemConfig) HasStep(name string) bool {
	for _, step := range c.Steps {
		if step == name {
			return true
		}
	}
	return false
}

// OrderedSteps returns the configured steps in canonical traversal order.
func (c ItemConfig) OrderedSteps() []string {
	ordered := make([]string, 0, len(c.Steps))
	for _, step := range CanonicalSteps {
		if c.HasStep(step) {
			ordered = append(ordered, step)
		}
	}
	return ordered
}

// TrainingRequired returns the number of examples a learner must pass.
func (c ItemConfig) TrainingRequired() int {
	required := c.RequiredTrainingExamples
	if required <= 0 || required > len(c.TrainingExamples) {
		required = len(c.TrainingExamples)
	}
	return required
}

// ItemSetting persists an ItemConfig document.
type ItemSetting struct {
	ID         uint           `gorm:"primaryKey" json:"-"`
	CourseID   string         `gorm:"size:255;not null;uniqueIndex:idx_item_setting" json:"course_id"`
	ItemID     string         `gorm:"size:255;not null;uniqueIndex:idx_item_setting" json:"item_id"`
	RubricHash string         `gorm:"size:64" json:"rubric_hash"`
	Document   datatypes.JSON `gorm:"type:json;not null" json:"document"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NewItemSetting encodes a config for persistence.
func NewItemSetting(cfg ItemConfig) (ItemSetting, error) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return ItemSetting{}, err
	}
	setting := ItemSetting{
		CourseID: cfg.CourseID,
		ItemID:   cfg.ItemID,
		Document: datatypes.JSON(payload),
	}
	if len(cfg.Rubric.Criteria) > 0 {
		setting.RubricHash = cfg.Rubric.Hash()
	}
	return setting, nil
}

// Config decodes the persisted document.
func (s ItemSetting) Config() (ItemConfig, error) {
	var cfg ItemConfig
	if err := json.Unmarshal(s.Document, &cfg); err != nil {
		return ItemConfig{}, fmt.Errorf("decode item config %s/%s: %w", s.CourseID, s.ItemID, err)
	}
	return cfg, nil
}
