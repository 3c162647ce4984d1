package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-peer-api/internal/dto"
	"github.com/noah-isme/gema-peer-api/internal/models"
	"github.com/noah-isme/gema-peer-api/internal/repository"
)

// Duplicate submission policies.
const (
	DuplicateRejectIdentical = "reject_identical"
	DuplicateRejectOpen      = "reject_open"
	DuplicateAllow           = "allow"
)

// SubmissionSettings tunes submission acceptance.
type SubmissionSettings struct {
	DuplicatePolicy string
	MaxAnswerLength int
}

// SubmissionService records learner responses and starts their workflows.
type SubmissionService interface {
	Create(ctx context.Context, studentID string, payload dto.SubmissionCreateRequest) (dto.SubmissionResponse, error)
	List(ctx context.Context, item models.StudentItem) ([]dto.SubmissionResponse, error)
	Get(ctx context.Context, submissionUUID string) (dto.SubmissionResponse, error)
}

type submissionService struct {
	submissions repository.SubmissionRepository
	items       ItemConfigService
	workflows   WorkflowService
	validator   *validator.Validate
	settings    SubmissionSettings
	logger      zerolog.Logger
	now         func() time.Time
}

// NewSubmissionService constructs the submission service.
func NewSubmissionService(submissions repository.SubmissionRepository, items ItemConfigService, workflows WorkflowService, validate *validator.Validate, settings SubmissionSettings, logger zerolog.Logger) SubmissionService {
	if settings.DuplicatePolicy == "" {
		settings.DuplicatePolicy = DuplicateRejectIdentical
	}

	return &submissionService{
		submissions: submissions,
		items:       items,
		workflows:   workflows,
		validator:   validate,
		settings:    settings,
		logger:      logger.With().Str("component", "submission_service").Logger(),
		now:         time.Now,
	}
}

func (s *submissionService) Create(ctx context.Context, studentID string, payload dto.SubmissionCreateRequest) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, fromValidation(err, "invalid submission")
	}
	if err := s.checkAnswer(studentID, payload.Answer); err != nil {
		return dto.SubmissionResponse{}, err
	}

	item := payload.StudentItem(strings.TrimSpace(studentID))
	cfg, err := s.items.Get(ctx, item.CourseID, item.ItemID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	now := s.now().UTC()
	if field, open := cfg.SubmissionOpen(now); !open {
		return dto.SubmissionResponse{}, validationError("submissions are closed for this item", map[string]string{field: windowMessage(field)})
	}

	submission, err := s.submissions.CreateAttempt(ctx, repository.NewAttempt{
		Item:   item,
		Answer: payload.Answer,
		Steps:  cfg.OrderedSteps(),
		Status: InitialStatus(cfg),
		At:     now,
	}, s.duplicateGuard(payload.Answer))
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return dto.SubmissionResponse{}, wrapError(ErrDuplicateSubmission, "a concurrent submission was recorded first", err)
		}
		return dto.SubmissionResponse{}, err
	}

	s.logger.Info().
		Str("submission_uuid", submission.UUID).
		Str("student_id", item.StudentID).
		Str("course_id", item.CourseID).
		Str("item_id", item.ItemID).
		Int("attempt_number", submission.AttemptNumber).
		Msg("submission recorded")

	if _, err := s.workflows.Recompute(ctx, submission.UUID); err != nil {
		s.logger.Warn().Err(err).Str("submission_uuid", submission.UUID).Msg("workflow recompute failed")
	}

	return dto.NewSubmissionResponse(submission), nil
}

func (s *submissionService) checkAnswer(studentID, answer string) error {
	fields := map[string]string{}
	if strings.TrimSpace(studentID) == "" {
		fields["student_id"] = "is required"
	}
	if strings.TrimSpace(answer) == "" {
		fields["answer"] = "must not be blank"
	} else {
		if s.settings.MaxAnswerLength > 0 && utf8.RuneCountInString(answer) > s.settings.MaxAnswerLength {
			fields["answer"] = fmt.Sprintf("must be at most %d characters", s.settings.MaxAnswerLength)
		} else if !isText(answer) {
			fields["answer"] = "must be text"
		}
	}

	if len(fields) > 0 {
		return validationError("invalid submission", fields)
	}
	return nil
}

func isText(answer string) bool {
	if !utf8.ValidString(answer) {
		return false
	}
	for detected := mimetype.Detect([]byte(answer)); detected != nil; detected = detected.Parent() {
		if detected.Is("text/plain") {
			return true
		}
	}
	return false
}

func (s *submissionService) duplicateGuard(answer string) repository.AttemptGuard {
	policy := s.settings.DuplicatePolicy
	return func(latest *models.Submission, status models.WorkflowStatus) error {
		if latest == nil || policy == DuplicateAllow || status.Terminal() {
			return nil
		}
		if policy == DuplicateRejectOpen || latest.Answer == answer {
			return newError(ErrDuplicateSubmission, "")
		}
		return nil
	}
}

func (s *submissionService) List(ctx context.Context, item models.StudentItem) ([]dto.SubmissionResponse, error) {
	if err := s.validator.Struct(item); err != nil {
		return nil, fromValidation(err, "invalid student item")
	}

	submissions, err := s.submissions.ListByStudentItem(ctx, item)
	if err != nil {
		return nil, err
	}
	return dto.NewSubmissionResponses(submissions), nil
}

func (s *submissionService) Get(ctx context.Context, submissionUUID string) (dto.SubmissionResponse, error) {
	submission, err := s.submissions.GetByUUID(ctx, submissionUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionResponse{}, newError(ErrNotFound, "submission not found")
		}
		return dto.SubmissionResponse{}, err
	}
	return dto.NewSubmissionResponse(submission), nil
}
