package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-peer-api/internal/dto"
	"github.com/noah-isme/gema-peer-api/internal/models"
	"github.com/noah-isme/gema-peer-api/internal/observability"
	"github.com/noah-isme/gema-peer-api/internal/repository"
)

// TrainingService walks a learner through the configured training examples.
type TrainingService interface {
	GetExample(ctx context.Context, submissionUUID, studentID string) (dto.TrainingExampleResponse, error)
	Assess(ctx context.Context, submissionUUID, studentID string, payload dto.TrainingAssessRequest) (dto.TrainingAssessResponse, error)
}

type trainingService struct {
	submissions repository.SubmissionRepository
	assessments repository.AssessmentRepository
	rubrics     repository.RubricRepository
	items       ItemConfigService
	workflows   WorkflowService
	validator   *validator.Validate
	logger      zerolog.Logger
	now         func() time.Time
}

// NewTrainingService constructs the training step service.
func NewTrainingService(submissions repository.SubmissionRepository, assessments repository.AssessmentRepository, rubrics repository.RubricRepository, items ItemConfigService, workflows WorkflowService, validate *validator.Validate, logger zerolog.Logger) TrainingService {
	return &trainingService{
		submissions: submissions,
		assessments: assessments,
		rubrics:     rubrics,
		items:       items,
		workflows:   workflows,
		validator:   validate,
		logger:      logger.With().Str("component", "training_service").Logger(),
		now:         time.Now,
	}
}

type trainingState struct {
	submission models.Submission
	cfg        models.ItemConfig
	completed  map[int]bool
	next       int
}

func (s trainingState) progress() dto.TrainingStatus {
	return dto.TrainingStatus{
		NumCompleted: len(s.completed),
		NumAvailable: len(s.cfg.TrainingExamples),
		NumRequired:  s.cfg.TrainingRequired(),
	}
}

func (s trainingState) done() bool {
	return s.next < 0 || len(s.completed) >= s.cfg.TrainingRequired()
}

func (s *trainingService) load(ctx context.Context, submissionUUID, studentID string) (trainingState, error) {
	submission, err := s.submissions.GetByUUID(ctx, submissionUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return trainingState{}, newError(ErrNotFound, "submission not found")
		}
		return trainingState{}, err
	}
	if submission.StudentItem.StudentID != studentID {
		return trainingState{}, newError(ErrNotFound, "submission not found")
	}

	cfg, err := s.items.Get(ctx, submission.StudentItem.CourseID, submission.StudentItem.ItemID)
	if err != nil {
		return trainingState{}, err
	}
	if !cfg.HasStep(models.StepTraining) {
		return trainingState{}, validationError("training is not enabled", map[string]string{"steps": "training step is not configured"})
	}

	examples, err := s.assessments.ListTrainingExamples(ctx, submissionUUID)
	if err != nil {
		return trainingState{}, err
	}

	state := trainingState{submission: submission, cfg: cfg, completed: make(map[int]bool, len(examples)), next: -1}
	for _, index := range examples {
		state.completed[index] = true
	}
	for i := range cfg.TrainingExamples {
		if !state.completed[i] {
			state.next = i
			break
		}
	}
	return state, nil
}

func (s *trainingService) GetExample(ctx context.Context, submissionUUID, studentID string) (dto.TrainingExampleResponse, error) {
	state, err := s.load(ctx, submissionUUID, studentID)
	if err != nil {
		return dto.TrainingExampleResponse{}, err
	}
	if state.done() {
		return dto.TrainingExampleResponse{Index: -1, Progress: state.progress(), Done: true}, nil
	}

	rubric := state.cfg.Rubric
	return dto.TrainingExampleResponse{
		Index:    state.next,
		Answer:   state.cfg.TrainingExamples[state.next].Answer,
		Rubric:   &rubric,
		Progress: state.progress(),
	}, nil
}

func (s *trainingService) Assess(ctx context.Context, submissionUUID, studentID string, payload dto.TrainingAssessRequest) (dto.TrainingAssessResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.TrainingAssessResponse{}, fromValidation(err, "invalid training assessment")
	}

	state, err := s.load(ctx, submissionUUID, studentID)
	if err != nil {
		return dto.TrainingAssessResponse{}, err
	}
	if state.done() {
		return dto.TrainingAssessResponse{}, validationError("training is already complete", map[string]string{
			"submission_uuid": "no training examples remain",
		})
	}

	rubric := state.cfg.Rubric
	earned, possible, err := rubric.Score(payload.OptionsSelected)
	if err != nil {
		return dto.TrainingAssessResponse{}, fromValidation(err, "assessment does not match the rubric")
	}

	expected := state.cfg.TrainingExamples[state.next].OptionsSelected
	corrections := make(map[string]string)
	for criterion, option := range expected {
		if payload.OptionsSelected[criterion] != option {
			corrections[criterion] = option
		}
	}
	if len(corrections) > 0 {
		s.logger.Debug().
			Str("submission_uuid", submissionUUID).
			Int("example", state.next).
			Int("corrections", len(corrections)).
			Msg("training selections did not match")
		return dto.TrainingAssessResponse{Correct: false, Corrections: corrections, Progress: state.progress()}, nil
	}

	hash, err := s.rubrics.Ensure(ctx, rubric)
	if err != nil {
		return dto.TrainingAssessResponse{}, err
	}

	index := state.next
	assessment := models.Assessment{
		SubmissionUUID:  submissionUUID,
		ScorerID:        studentID,
		Type:            models.AssessmentTypeTraining,
		PointsEarned:    earned,
		PointsPossible:  possible,
		RubricHash:      hash,
		TrainingExample: &index,
		ScoredAt:        s.now().UTC(),
		Parts:           buildParts(rubric, payload.OptionsSelected),
	}
	if err := s.assessments.Create(ctx, &assessment, repository.AssessmentWrite{UniquePerScorer: true}); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return dto.TrainingAssessResponse{}, wrapError(ErrDuplicateAssessment, "", err)
		}
		return dto.TrainingAssessResponse{}, err
	}
	observability.Assessments().WithLabelValues(string(models.AssessmentTypeTraining)).Inc()

	state.completed[index] = true
	if _, err := s.workflows.Recompute(ctx, submissionUUID); err != nil {
		s.logger.Warn().Err(err).Str("submission_uuid", submissionUUID).Msg("workflow recompute failed")
	}

	return dto.TrainingAssessResponse{Correct: true, Progress: state.progress()}, nil
}
