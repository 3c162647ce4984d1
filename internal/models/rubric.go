package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Rubric is the immutable grading definition an assessment is validated and scored against.
type Rubric struct {
	Prompt   string      `json:"prompt,omitempty"`
	Criteria []Criterion `json:"criteria" validate:"required,min=1,dive"`
}

// Criterion is one dimension of the rubric.
type Criterion struct {
	Name    string   `json:"name" validate:"required,max=100"`
	Prompt  string   `json:"prompt"`
	Options []Option `json:"options" validate:"required,min=1,dive"`
}

// Option is a selectable level within a criterion.
type Option struct {
	Name        string `json:"name" validate:"required,max=100"`
	Points      int    `json:"points" validate:"gte=0"`
	Explanation string `json:"explanation,omitempty"`
}

// InvalidSelection reports rubric selections that do not match the rubric, keyed by criterion.
type InvalidSelection struct {
	Fields map[string]string
}

func (e *InvalidSelection) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", key, e.Fields[key]))
	}
	return "invalid rubric selection: " + strings.Join(parts, "; ")
}

// Check verifies the rubric structure itself.
func (r Rubric) Check() error {
	problems := map[string]string{}
	if len(r.Criteria) == 0 {
		problems["criteria"] = "rubric must define at least one criterion"
	}

	seen := make(map[string]struct{}, len(r.Criteria))
	for _, criterion := range r.Criteria {
		name := strings.TrimSpace(criterion.Name)
		if name == "" {
			problems["criteria"] = "criterion name must not be empty"
			continue
		}
		if _, dup := seen[name]; dup {
			problems[name] = "duplicate criterion name"
			continue
		}
		seen[name] = struct{}{}

		if len(criterion.Options) == 0 {
			problems[name] = "criterion must define at least one option"
			continue
		}
		options := make(map[string]struct{}, len(criterion.Options))
		for _, option := range criterion.Options {
			if _, dup := options[option.Name]; dup {
				problems[name] = fmt.Sprintf("duplicate option %q", option.Name)
				break
			}
			options[option.Name] = struct{}{}
			if option.Points < 0 {
				problems[name] = fmt.Sprintf("option %q has negative points", option.Name)
				break
			}
		}
	}

	if len(problems) > 0 {
		return &InvalidSelection{Fields: problems}
	}
	return nil
}

// Lookup returns the option selected for a criterion.
func (r Rubric) Lookup(criterion, option string) (Option, bool) {
	for _, c := range r.Criteria {
		if c.Name != criterion {
			continue
		}
		for _, o := range c.Options {
			if o.Name == option {
				return o, true
			}
		}
		return Option{}, false
	}
	return Option{}, false
}

// CriterionMax returns the highest point value available for the named criterion.
func (r Rubric) CriterionMax(name string) (int, bool) {
	for _, c := range r.Criteria {
		if c.Name == name {
			return maxPoints(c), true
		}
	}
	return 0, false
}

// PointsPossible is the sum of the maximum option points of every criterion.
func (r Rubric) PointsPossible() int {
	total := 0
	for _, c := range r.Criteria {
		total += maxPoints(c)
	}
	return total
}

// Validate checks that parts selects exactly one existing option for every criterion.
func (r Rubric) Validate(parts map[string]string) error {
	problems := map[string]string{}

	known := make(map[string]Criterion, len(r.Criteria))
	for _, c := range r.Criteria {
		known[c.Name] = c
	}

	for criterion, option := range parts {
		c, ok := known[criterion]
		if !ok {
			problems[criterion] = "criterion is not part of the rubric"
			continue
		}
		if _, ok := r.Lookup(c.Name, option); !ok {
			problems[criterion] = fmt.Sprintf("option %q is not valid for this criterion", option)
		}
	}

	for _, c := range r.Criteria {
		if _, ok := parts[c.Name]; !ok {
			problems[c.Name] = "criterion requires a selection"
		}
	}

	if len(problems) > 0 {
		return &InvalidSelection{Fields: problems}
	}
	return nil
}

// Score returns the earned and possible points for a validated selection.
func (r Rubric) Score(parts map[string]string) (int, int, error) {
	if err := r.Validate(parts); err != nil {
		return 0, 0, err
	}

	earned := 0
	for criterion, option := range parts {
		selected, _ := r.Lookup(criterion, option)
		earned += selected.Points
	}
	return earned, r.PointsPossible(), nil
}

// Hash identifies the rubric version by the SHA-256 of its canonical JSON form.
func (r Rubric) Hash() string {
	payload, err := json.Marshal(r)
	if err != nil {
		// A Rubric is composed of plain strings and ints and always marshals.
		panic(fmt.Sprintf("marshal rubric: %v", err))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func maxPoints(c Criterion) int {
	best := 0
	for _, o := range c.Options {
		if o.Points > best {
			best = o.Points
		}
	}
	return best
}

// RubricVersion persists every rubric an assessment was scored against.
type RubricVersion struct {
	ID        uint           `gorm:"primaryKey" json:"-"`
	Hash      string         `gorm:"size:64;uniqueIndex;not null" json:"hash"`
	Content   datatypes.JSON `gorm:"type:json;not null" json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewRubricVersion wraps a rubric for persistence.
func NewRubricVersion(r Rubric) (RubricVersion, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return RubricVersion{}, err
	}
	return RubricVersion{Hash: r.Hash(), Content: datatypes.JSON(payload)}, nil
}

// Rubric decodes the persisted rubric.
func (v RubricVersion) Rubric() (Rubric, error) {
	var r Rubric
	if err := json.Unmarshal(v.Content, &r); err != nil {
		return Rubric{}, fmt.Errorf("decode rubric %s: %w", v.Hash, err)
	}
	return r, nil
}
