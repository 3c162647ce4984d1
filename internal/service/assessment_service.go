package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-peer-api/internal/dto"
	"github.com/noah-isme/gema-peer-api/internal/models"
	"github.com/noah-isme/gema-peer-api/internal/observability"
	"github.com/noah-isme/gema-peer-api/internal/repository"
)

// AssessmentService records and lists rubric assessments.
type AssessmentService interface {
	Create(ctx context.Context, scorerID string, payload dto.AssessmentCreateRequest) (dto.AssessmentResponse, error)
	List(ctx context.Context, submissionUUID string, assessmentType *models.AssessmentType) ([]dto.AssessmentResponse, error)
}

type assessmentService struct {
	submissions       repository.SubmissionRepository
	workflowStore     repository.WorkflowRepository
	assessments       repository.AssessmentRepository
	peers             repository.PeerRepository
	rubrics           repository.RubricRepository
	items             ItemConfigService
	scores            ScoreService
	workflows         WorkflowService
	validator         *validator.Validate
	sanitizer         *bluemonday.Policy
	feedbackMaxLength int
	assignmentTimeout time.Duration
	logger            zerolog.Logger
	tracer            trace.Tracer
	now               func() time.Time
}

// AssessmentDeps groups the collaborators of the assessment service.
type AssessmentDeps struct {
	Submissions       repository.SubmissionRepository
	WorkflowStore     repository.WorkflowRepository
	Assessments       repository.AssessmentRepository
	Peers             repository.PeerRepository
	Rubrics           repository.RubricRepository
	Items             ItemConfigService
	Scores            ScoreService
	Workflows         WorkflowService
	Validator         *validator.Validate
	FeedbackMaxLength int
	// AssignmentTimeout matches the allocator's slot timeout.
	AssignmentTimeout time.Duration
}

// NewAssessmentService constructs the assessment service.
func NewAssessmentService(deps AssessmentDeps, logger zerolog.Logger) AssessmentService {
	maxLength := deps.FeedbackMaxLength
	if maxLength <= 0 {
		maxLength = 10000
	}

	return &assessmentService{
		submissions:       deps.Submissions,
		workflowStore:     deps.WorkflowStore,
		assessments:       deps.Assessments,
		peers:             deps.Peers,
		rubrics:           deps.Rubrics,
		items:             deps.Items,
		scores:            deps.Scores,
		workflows:         deps.Workflows,
		validator:         deps.Validator,
		sanitizer:         bluemonday.StrictPolicy(),
		feedbackMaxLength: maxLength,
		assignmentTimeout: deps.AssignmentTimeout,
		logger:            logger.With().Str("component", "assessment_service").Logger(),
		tracer:            otel.Tracer("github.com/noah-isme/gema-peer-api/internal/service/assessment"),
		now:               time.Now,
	}
}

func (s *assessmentService) Create(ctx context.Context, scorerID string, payload dto.AssessmentCreateRequest) (dto.AssessmentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "assessment.create", trace.WithAttributes(
		attribute.String("assessment.submission_uuid", payload.SubmissionUUID),
		attribute.String("assessment.type", payload.Type),
		observability.CorrelationAttribute(ctx),
	))
	defer span.End()
	logger := observability.ContextLogger(ctx, s.logger)

	if err := s.validator.Struct(payload); err != nil {
		span.SetStatus(codes.Error, "validation_failed")
		return dto.AssessmentResponse{}, fromValidation(err, "invalid assessment")
	}
	scorerID = strings.TrimSpace(scorerID)
	if scorerID == "" {
		return dto.AssessmentResponse{}, validationError("invalid assessment", map[string]string{"scorer_id": "is required"})
	}
	assessmentType := models.AssessmentType(payload.Type)

	submission, err := s.submissions.GetByUUID(ctx, payload.SubmissionUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AssessmentResponse{}, newError(ErrNotFound, "submission not found")
		}
		span.RecordError(err)
		return dto.AssessmentResponse{}, err
	}

	workflow, err := s.workflowStore.GetBySubmission(ctx, submission.UUID)
	if err != nil {
		span.RecordError(err)
		return dto.AssessmentResponse{}, err
	}
	if workflow.IsCancelled() {
		return dto.AssessmentResponse{}, validationError("submission can no longer be assessed", map[string]string{
			"submission_uuid": "workflow has been cancelled",
		})
	}

	cfg, err := s.items.Get(ctx, submission.StudentItem.CourseID, submission.StudentItem.ItemID)
	if err != nil {
		span.RecordError(err)
		return dto.AssessmentResponse{}, err
	}

	rubric, err := resolveRubric(cfg, payload.Rubric)
	if err != nil {
		span.SetStatus(codes.Error, "rubric_invalid")
		return dto.AssessmentResponse{}, err
	}

	earned, possible, err := rubric.Score(payload.OptionsSelected)
	if err != nil {
		span.SetStatus(codes.Error, "rubric_mismatch")
		return dto.AssessmentResponse{}, fromValidation(err, "assessment does not match the rubric")
	}

	feedback := strings.TrimSpace(s.sanitizer.Sanitize(payload.Feedback))
	if utf8.RuneCountInString(feedback) > s.feedbackMaxLength {
		return dto.AssessmentResponse{}, validationError("invalid assessment", map[string]string{
			"feedback": fmt.Sprintf("must be at most %d characters", s.feedbackMaxLength),
		})
	}

	now := s.now().UTC()
	rules, err := s.rulesFor(assessmentType, scorerID, submission, cfg, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "precondition_failed")
		return dto.AssessmentResponse{}, err
	}

	hash, err := s.rubrics.Ensure(ctx, rubric)
	if err != nil {
		span.RecordError(err)
		return dto.AssessmentResponse{}, err
	}

	assessment := models.Assessment{
		SubmissionUUID: submission.UUID,
		ScorerID:       scorerID,
		Type:           assessmentType,
		Feedback:       feedback,
		PointsEarned:   earned,
		PointsPossible: possible,
		RubricHash:     hash,
		ScoredAt:       now,
		Parts:          buildParts(rubric, payload.OptionsSelected),
	}

	if err := s.assessments.Create(ctx, &assessment, rules); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assessment_write_failed")
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			return dto.AssessmentResponse{}, wrapError(ErrDuplicateAssessment, "", err)
		case errors.Is(err, repository.ErrNoAssignment):
			return dto.AssessmentResponse{}, wrapError(ErrPeerWorkflow, "no grading assignment exists for this submission", err)
		case errors.Is(err, gorm.ErrRecordNotFound):
			return dto.AssessmentResponse{}, newError(ErrNotFound, "submission not found")
		}
		return dto.AssessmentResponse{}, err
	}

	observability.Assessments().WithLabelValues(string(assessmentType)).Inc()
	logger.Info().
		Str("submission_uuid", submission.UUID).
		Str("scorer_id", scorerID).
		Str("assessment_type", string(assessmentType)).
		Int("points_earned", earned).
		Int("points_possible", possible).
		Msg("assessment recorded")

	if workflow.IsDone() {
		// A late assessment, typically staff, replaces the recorded score.
		if err := s.scores.Refresh(ctx, submission.UUID); err != nil {
			logger.Warn().Err(err).Str("submission_uuid", submission.UUID).Msg("score refresh failed")
		}
	} else {
		s.scores.Invalidate(ctx, submission.UUID)
		s.recompute(ctx, submission.UUID)
	}
	if assessmentType == models.AssessmentTypePeer {
		assignment, err := s.peers.GetAssignment(ctx, submission.UUID, scorerID)
		if err != nil {
			logger.Warn().Err(err).Str("submission_uuid", submission.UUID).Msg("failed to load completed assignment")
		} else {
			s.recompute(ctx, assignment.GraderSubmissionUUID)
		}
	}

	return dto.NewAssessmentResponse(assessment), nil
}

// recompute advances a workflow after an assessment. Failures are logged; the next read of the
// workflow recomputes it again.
func (s *assessmentService) recompute(ctx context.Context, submissionUUID string) {
	if _, err := s.workflows.Recompute(ctx, submissionUUID); err != nil {
		logger := observability.ContextLogger(ctx, s.logger)
		logger.Warn().Err(err).Str("submission_uuid", submissionUUID).Msg("workflow recompute failed")
	}
}

func (s *assessmentService) rulesFor(assessmentType models.AssessmentType, scorerID string, submission models.Submission, cfg models.ItemConfig, now time.Time) (repository.AssessmentWrite, error) {
	author := submission.StudentItem.StudentID

	switch assessmentType {
	case models.AssessmentTypeSelf:
		if !cfg.HasStep(models.StepSelf) {
			return repository.AssessmentWrite{}, validationError("self assessment is not enabled", map[string]string{"assessment_type": "self step is not configured"})
		}
		if scorerID != author {
			return repository.AssessmentWrite{}, validationError("invalid assessment", map[string]string{"scorer_id": "only the author can self-assess"})
		}
		return repository.AssessmentWrite{UniquePerType: true}, nil
	case models.AssessmentTypeStaff:
		return repository.AssessmentWrite{UniquePerType: true}, nil
	case models.AssessmentTypePeer:
		if scorerID == author {
			s.logger.Error().Str("submission_uuid", submission.UUID).Str("scorer_id", scorerID).Msg("peer assessment of own submission")
			return repository.AssessmentWrite{}, newError(ErrIntegrity, "a learner cannot peer-assess their own submission")
		}
		if !cfg.HasStep(models.StepPeer) {
			return repository.AssessmentWrite{}, newError(ErrPeerWorkflow, "peer assessment is not enabled for this item")
		}
		if field, open := cfg.PeerOpen(now); !open {
			return repository.AssessmentWrite{}, newError(ErrPeerWorkflow, "peer assessment "+windowMessage(field))
		}
		return repository.AssessmentWrite{
			UniquePerScorer:    true,
			CompleteAssignment: true,
			SlotTimeout:        s.assignmentTimeout,
			SlotLimit:          cfg.MustBeGradedBy,
		}, nil
	default:
		return repository.AssessmentWrite{}, validationError("invalid assessment", map[string]string{
			"assessment_type": "training assessments are recorded through the training step",
		})
	}
}

func (s *assessmentService) List(ctx context.Context, submissionUUID string, assessmentType *models.AssessmentType) ([]dto.AssessmentResponse, error) {
	if assessmentType != nil && !assessmentType.Valid() {
		return nil, validationError("invalid filter", map[string]string{"type": "unknown assessment type"})
	}
	if _, err := s.submissions.GetByUUID(ctx, submissionUUID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrNotFound, "submission not found")
		}
		return nil, err
	}

	assessments, err := s.assessments.ListBySubmission(ctx, submissionUUID, assessmentType)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.AssessmentResponse, 0, len(assessments))
	for _, assessment := range assessments {
		responses = append(responses, dto.NewAssessmentResponse(assessment))
	}
	return responses, nil
}

// resolveRubric returns the rubric an assessment is scored against. A caller-supplied rubric
// must match the item's configured rubric when one exists.
func resolveRubric(cfg models.ItemConfig, supplied *models.Rubric) (models.Rubric, error) {
	configured := len(cfg.Rubric.Criteria) > 0

	var rubric models.Rubric
	switch {
	case supplied != nil:
		rubric = *supplied
		if configured && rubric.Hash() != cfg.Rubric.Hash() {
			return models.Rubric{}, validationError("rubric is out of date", map[string]string{
				"rubric": "does not match the item's current rubric",
			})
		}
	case configured:
		rubric = cfg.Rubric
	default:
		return models.Rubric{}, validationError("rubric is required", map[string]string{"rubric": "is required"})
	}

	if err := rubric.Check(); err != nil {
		return models.Rubric{}, fromValidation(err, "invalid rubric")
	}
	return rubric, nil
}

func buildParts(rubric models.Rubric, selected map[string]string) []models.AssessmentPart {
	parts := make([]models.AssessmentPart, 0, len(rubric.Criteria))
	for _, criterion := range rubric.Criteria {
		option, _ := rubric.Lookup(criterion.Name, selected[criterion.Name])
		parts = append(parts, models.AssessmentPart{
			Criterion: criterion.Name,
			Option:    option.Name,
			Points:    option.Points,
		})
	}
	return parts
}
