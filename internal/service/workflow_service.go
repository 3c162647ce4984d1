package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-peer-api/internal/dto"
	"github.com/noah-isme/gema-peer-api/internal/models"
	"github.com/noah-isme/gema-peer-api/internal/observability"
	"github.com/noah-isme/gema-peer-api/internal/repository"
)

// WorkflowService drives submissions through their configured assessment steps.
type WorkflowService interface {
	Recompute(ctx context.Context, submissionUUID string) (models.Workflow, error)
	GetWorkflowInfo(ctx context.Context, item models.StudentItem) (dto.WorkflowResponse, error)
	Cancel(ctx context.Context, submissionUUID, cancelledBy, reason string) (dto.WorkflowResponse, error)
}

type workflowService struct {
	workflows   repository.WorkflowRepository
	submissions repository.SubmissionRepository
	assessments repository.AssessmentRepository
	peer        PeerService
	scores      ScoreService
	items       ItemConfigService
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewWorkflowService constructs the workflow state machine.
func NewWorkflowService(workflows repository.WorkflowRepository, submissions repository.SubmissionRepository, assessments repository.AssessmentRepository, peer PeerService, scores ScoreService, items ItemConfigService, logger zerolog.Logger) WorkflowService {
	return &workflowService{
		workflows:   workflows,
		submissions: submissions,
		assessments: assessments,
		peer:        peer,
		scores:      scores,
		items:       items,
		logger:      logger.With().Str("component", "workflow_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-peer-api/internal/service/workflow"),
		now:         time.Now,
	}
}

// stepFacts are the counts the step completion predicates are evaluated against.
type stepFacts struct {
	trainingCompleted int
	given             int
	received          int
	peerAvailable     bool
	hasSelf           bool
	hasStaff          bool
}

// InitialStatus is the status a new workflow starts in before its first recompute.
func InitialStatus(cfg models.ItemConfig) models.WorkflowStatus {
	steps := cfg.OrderedSteps()
	if len(steps) == 0 {
		return models.WorkflowStatusDone
	}
	return models.StatusForStep(steps[0])
}

func (s *workflowService) Recompute(ctx context.Context, submissionUUID string) (models.Workflow, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.recompute", trace.WithAttributes(
		attribute.String("workflow.submission_uuid", submissionUUID),
		observability.CorrelationAttribute(ctx),
	))
	defer span.End()
	logger := observability.ContextLogger(ctx, s.logger)

	workflow, err := s.workflows.GetBySubmission(ctx, submissionUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Workflow{}, newError(ErrNotFound, "workflow not found")
		}
		span.RecordError(err)
		return models.Workflow{}, err
	}

	if workflow.Status.Terminal() {
		return workflow, nil
	}

	cfg, err := s.items.Get(ctx, workflow.CourseID, workflow.ItemID)
	if err != nil {
		span.RecordError(err)
		return models.Workflow{}, err
	}

	facts, err := s.gatherFacts(ctx, workflow, cfg)
	if err != nil {
		span.RecordError(err)
		return models.Workflow{}, err
	}

	target, completed := evaluateWorkflow(workflow.Steps, cfg, facts)
	if target.Rank() < workflow.Status.Rank() {
		target = workflow.Status
	}
	if target == workflow.Status && len(completed) == 0 {
		return workflow, nil
	}

	advanced, err := s.workflows.Advance(ctx, workflow.ID, repository.WorkflowProgress{
		From:           workflow.Status,
		To:             target,
		CompletedSteps: completed,
		At:             s.now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return models.Workflow{}, err
	}

	if advanced {
		observability.WorkflowTransitions().WithLabelValues(string(workflow.Status), string(target)).Inc()
		span.SetAttributes(
			attribute.String("workflow.from", string(workflow.Status)),
			attribute.String("workflow.to", string(target)),
		)
		logger.Info().
			Str("submission_uuid", submissionUUID).
			Str("from", string(workflow.Status)).
			Str("to", string(target)).
			Msg("workflow advanced")

		if target == models.WorkflowStatusDone {
			if err := s.scores.Refresh(ctx, submissionUUID); err != nil {
				span.RecordError(err)
				return models.Workflow{}, err
			}
		}
	}

	return s.workflows.GetBySubmission(ctx, submissionUUID)
}

func (s *workflowService) gatherFacts(ctx context.Context, workflow models.Workflow, cfg models.ItemConfig) (stepFacts, error) {
	var facts stepFacts

	if _, ok := workflow.Step(models.StepTraining); ok {
		examples, err := s.assessments.ListTrainingExamples(ctx, workflow.SubmissionUUID)
		if err != nil {
			return stepFacts{}, err
		}
		facts.trainingCompleted = len(examples)
	}

	if _, ok := workflow.Step(models.StepPeer); ok {
		info, err := s.peer.PeerStepInfo(ctx, workflow.SubmissionUUID)
		if err != nil {
			return stepFacts{}, err
		}
		facts.given = info.NumCompleted
		facts.received = info.NumReceived
		facts.peerAvailable = !info.WaitingForSubmissionsToAssess
	}

	self, err := s.assessments.CountBySubmission(ctx, workflow.SubmissionUUID, models.AssessmentTypeSelf)
	if err != nil {
		return stepFacts{}, err
	}
	staff, err := s.assessments.CountBySubmission(ctx, workflow.SubmissionUUID, models.AssessmentTypeStaff)
	if err != nil {
		return stepFacts{}, err
	}
	facts.hasSelf = self > 0
	facts.hasStaff = staff > 0

	return facts, nil
}

// evaluateWorkflow returns the status implied by the facts and the steps that became complete.
// Steps are traversed in order; the first incomplete step determines the status. A staff
// assessment completes every remaining step.
func evaluateWorkflow(steps []models.WorkflowStep, cfg models.ItemConfig, facts stepFacts) (models.WorkflowStatus, []string) {
	ordered := append([]models.WorkflowStep(nil), steps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].OrderNum < ordered[j].OrderNum })

	var completed []string
	for _, step := range ordered {
		if step.Complete() {
			continue
		}
		if facts.hasStaff || stepSatisfied(step.Name, cfg, facts) {
			completed = append(completed, step.Name)
			continue
		}

		status := models.StatusForStep(step.Name)
		if step.Name == models.StepPeer && (facts.given >= cfg.MustGrade || !facts.peerAvailable) {
			status = models.WorkflowStatusWaiting
		}
		return status, completed
	}

	return models.WorkflowStatusDone, completed
}

func stepSatisfied(step string, cfg models.ItemConfig, facts stepFacts) bool {
	switch step {
	case models.StepTraining:
		return facts.trainingCompleted >= cfg.TrainingRequired()
	case models.StepPeer:
		return facts.given >= cfg.MustGrade && facts.received >= cfg.MustBeGradedBy
	case models.StepSelf:
		return facts.hasSelf
	case models.StepStaff:
		return facts.hasStaff || cfg.WaiveStaff
	default:
		return true
	}
}

func (s *workflowService) GetWorkflowInfo(ctx context.Context, item models.StudentItem) (dto.WorkflowResponse, error) {
	latest, err := s.submissions.Latest(ctx, item)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.WorkflowResponse{ActiveStep: dto.ActiveStepSubmission, StatusDetails: []dto.StepStatus{}}, nil
		}
		return dto.WorkflowResponse{}, err
	}

	workflow, err := s.Recompute(ctx, latest.UUID)
	if err != nil {
		return dto.WorkflowResponse{}, err
	}
	return s.buildResponse(ctx, workflow)
}

func (s *workflowService) Cancel(ctx context.Context, submissionUUID, cancelledBy, reason string) (dto.WorkflowResponse, error) {
	current, err := s.workflows.GetBySubmission(ctx, submissionUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.WorkflowResponse{}, newError(ErrNotFound, "workflow not found")
		}
		return dto.WorkflowResponse{}, err
	}

	workflow, err := s.workflows.Cancel(ctx, submissionUUID, cancelledBy, reason, s.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return dto.WorkflowResponse{}, newError(ErrNotFound, "workflow not found")
		case errors.Is(err, repository.ErrWorkflowTerminal):
			return dto.WorkflowResponse{}, validationError("workflow can no longer be cancelled", map[string]string{
				"status": "workflow is already done or cancelled",
			})
		}
		return dto.WorkflowResponse{}, err
	}

	observability.WorkflowTransitions().WithLabelValues(string(current.Status), string(models.WorkflowStatusCancelled)).Inc()
	s.scores.Invalidate(ctx, submissionUUID)
	s.logger.Info().
		Str("submission_uuid", submissionUUID).
		Str("cancelled_by", cancelledBy).
		Str("from", string(current.Status)).
		Msg("workflow cancelled")

	return s.buildResponse(ctx, workflow)
}

func (s *workflowService) buildResponse(ctx context.Context, workflow models.Workflow) (dto.WorkflowResponse, error) {
	response := dto.WorkflowResponse{
		SubmissionUUID: workflow.SubmissionUUID,
		Status:         string(workflow.Status),
		ActiveStep:     string(workflow.Status),
		IsDone:         workflow.IsDone(),
		IsCancelled:    workflow.IsCancelled(),
		StatusDetails:  make([]dto.StepStatus, 0, len(workflow.Steps)),
		CancelledAt:    workflow.CancelledAt,
		CancelledBy:    workflow.CancelledBy,
		CancelReason:   workflow.CancelReason,
	}
	if workflow.Status == models.WorkflowStatusWaiting {
		response.ActiveStep = models.StepPeer
	}

	steps := append([]models.WorkflowStep(nil), workflow.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].OrderNum < steps[j].OrderNum })
	for _, step := range steps {
		response.StatusDetails = append(response.StatusDetails, dto.StepStatus{
			Name:        step.Name,
			Complete:    step.Complete(),
			CompletedAt: step.CompletedAt,
		})
	}

	if _, ok := workflow.Step(models.StepPeer); ok {
		info, err := s.peer.PeerStepInfo(ctx, workflow.SubmissionUUID)
		if err != nil {
			return dto.WorkflowResponse{}, err
		}
		response.Peer = &info
	}

	if _, ok := workflow.Step(models.StepTraining); ok {
		cfg, err := s.items.Get(ctx, workflow.CourseID, workflow.ItemID)
		if err != nil {
			return dto.WorkflowResponse{}, err
		}
		examples, err := s.assessments.ListTrainingExamples(ctx, workflow.SubmissionUUID)
		if err != nil {
			return dto.WorkflowResponse{}, err
		}
		response.Training = &dto.TrainingStatus{
			NumCompleted: len(examples),
			NumAvailable: len(cfg.TrainingExamples),
			NumRequired:  cfg.TrainingRequired(),
		}
	}

	if workflow.IsDone() {
		grades, err := s.scores.ReceivedGrades(ctx, workflow.SubmissionUUID)
		if err != nil {
			return dto.WorkflowResponse{}, err
		}
		response.Grades = grades
	}

	return response, nil
}
