package service

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-peer-api/internal/models"
	"github.com/noah-isme/gema-peer-api/internal/repository"
)

//go:embed schema/item_config.schema.json
var itemConfigSchemaSource string

var itemConfigSchema = jsonschema.MustCompileString("item_config.schema.json", itemConfigSchemaSource)

// PeerSettings are the application-wide defaults applied to items without a stored configuration.
type PeerSettings struct {
	Steps           []string
	MustGrade       int
	MustBeGradedBy  int
	OverGradePolicy string
	Aggregation     string
}

// ItemConfigService reads and writes per-item step configuration.
type ItemConfigService interface {
	Get(ctx context.Context, courseID, itemID string) (models.ItemConfig, error)
	Put(ctx context.Context, document []byte) (models.ItemConfig, error)
}

type itemConfigService struct {
	configs   repository.ItemConfigRepository
	rubrics   repository.RubricRepository
	validator *validator.Validate
	defaults  PeerSettings
	logger    zerolog.Logger
}

// NewItemConfigService constructs the item configuration service.
func NewItemConfigService(configs repository.ItemConfigRepository, rubrics repository.RubricRepository, validate *validator.Validate, defaults PeerSettings, logger zerolog.Logger) ItemConfigService {
	if defaults.OverGradePolicy == "" {
		defaults.OverGradePolicy = models.OverGradeAlways
	}
	if defaults.Aggregation == "" {
		defaults.Aggregation = models.AggregationMedian
	}

	return &itemConfigService{
		configs:   configs,
		rubrics:   rubrics,
		validator: validate,
		defaults:  defaults,
		logger:    logger.With().Str("component", "item_config_service").Logger(),
	}
}

func (s *itemConfigService) Get(ctx context.Context, courseID, itemID string) (models.ItemConfig, error) {
	cfg, err := s.configs.Get(ctx, courseID, itemID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ItemConfig{}, err
		}
		cfg = models.ItemConfig{
			CourseID:       courseID,
			ItemID:         itemID,
			Steps:          append([]string(nil), s.defaults.Steps...),
			MustGrade:      s.defaults.MustGrade,
			MustBeGradedBy: s.defaults.MustBeGradedBy,
		}
	}

	if cfg.OverGradePolicy == "" {
		cfg.OverGradePolicy = s.defaults.OverGradePolicy
	}
	if cfg.Aggregation == "" {
		cfg.Aggregation = s.defaults.Aggregation
	}
	return cfg, nil
}

func (s *itemConfigService) Put(ctx context.Context, document []byte) (models.ItemConfig, error) {
	var raw interface{}
	decoder := json.NewDecoder(bytes.NewReader(document))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return models.ItemConfig{}, validationError("configuration must be a JSON document", map[string]string{"document": err.Error()})
	}
	if err := itemConfigSchema.Validate(raw); err != nil {
		return models.ItemConfig{}, schemaValidationError(err)
	}

	var cfg models.ItemConfig
	if err := json.Unmarshal(document, &cfg); err != nil {
		return models.ItemConfig{}, validationError("configuration could not be decoded", map[string]string{"document": err.Error()})
	}
	if err := s.validator.Struct(cfg); err != nil {
		return models.ItemConfig{}, fromValidation(err, "invalid item configuration")
	}
	if err := cfg.Rubric.Check(); err != nil {
		return models.ItemConfig{}, fromValidation(err, "invalid rubric")
	}
	if err := checkItemConfig(cfg); err != nil {
		return models.ItemConfig{}, err
	}

	if _, err := s.rubrics.Ensure(ctx, cfg.Rubric); err != nil {
		return models.ItemConfig{}, err
	}
	if err := s.configs.Upsert(ctx, cfg); err != nil {
		return models.ItemConfig{}, err
	}

	s.logger.Info().
		Str("course_id", cfg.CourseID).
		Str("item_id", cfg.ItemID).
		Strs("steps", cfg.Steps).
		Str("rubric_hash", cfg.Rubric.Hash()).
		Msg("item configuration stored")

	return s.Get(ctx, cfg.CourseID, cfg.ItemID)
}

// checkItemConfig validates rules spanning several fields.
func checkItemConfig(cfg models.ItemConfig) error {
	fields := map[string]string{}
	if cfg.HasStep(models.StepPeer) {
		if cfg.MustGrade < 1 {
			fields["must_grade"] = "peer step requires at least 1"
		}
		if cfg.MustBeGradedBy < 1 {
			fields["must_be_graded_by"] = "peer step requires at least 1"
		}
	}
	if cfg.Start != nil && cfg.Due != nil && !cfg.Start.Before(*cfg.Due) {
		fields["due"] = "must be after start"
	}
	if cfg.PeerStart != nil && cfg.PeerDue != nil && !cfg.PeerStart.Before(*cfg.PeerDue) {
		fields["peer_due"] = "must be after peer_start"
	}
	if cfg.HasStep(models.StepTraining) && len(cfg.TrainingExamples) == 0 {
		fields["training_examples"] = "training step requires at least one example"
	}
	if cfg.RequiredTrainingExamples > len(cfg.TrainingExamples) {
		fields["required_training_examples"] = fmt.Sprintf("must not exceed the %d configured examples", len(cfg.TrainingExamples))
	}
	for i, example := range cfg.TrainingExamples {
		var selection *models.InvalidSelection
		if err := cfg.Rubric.Validate(example.OptionsSelected); errors.As(err, &selection) {
			for criterion, problem := range selection.Fields {
				fields[fmt.Sprintf("training_examples[%d].%s", i, criterion)] = problem
			}
		}
	}

	if len(fields) > 0 {
		return validationError("invalid item configuration", fields)
	}
	return nil
}

func windowMessage(field string) string {
	if strings.HasSuffix(field, "start") {
		return "has not opened yet"
	}
	return "is past its deadline"
}

func schemaValidationError(err error) error {
	var schemaErr *jsonschema.ValidationError
	if !errors.As(err, &schemaErr) {
		return validationError("configuration failed schema validation", map[string]string{"document": err.Error()})
	}

	fields := map[string]string{}
	for _, detail := range schemaErr.BasicOutput().Errors {
		if detail.Error == "" || strings.HasPrefix(detail.Error, "doesn't validate with") {
			continue
		}
		location := strings.ReplaceAll(strings.TrimPrefix(detail.InstanceLocation, "/"), "/", ".")
		if location == "" {
			location = "document"
		}
		fields[location] = detail.Error
	}
	if len(fields) == 0 {
		fields["document"] = schemaErr.Error()
	}
	return validationError("configuration failed schema validation", fields)
}
