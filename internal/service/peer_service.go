package service

import (
	"context"
	"errors"
	"sort"
	"time"

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

// PeerService hands submissions to peer graders.
type PeerService interface {
	GetSubmissionToAssess(ctx context.Context, item models.StudentItem, mustBeGradedBy int) (dto.PeerAllocationResponse, error)
	PeerStepInfo(ctx context.Context, submissionUUID string) (dto.PeerStepInfo, error)
}

// AllocationSettings tunes slot reservation and conflict retries.
type AllocationSettings struct {
	AssignmentTimeout time.Duration
	Retry             RetryPolicy
}

type peerService struct {
	submissions repository.SubmissionRepository
	workflows   repository.WorkflowRepository
	assessments repository.AssessmentRepository
	peers       repository.PeerRepository
	items       ItemConfigService
	locker      AllocationLocker
	settings    AllocationSettings
	retry       *retryer
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewPeerService constructs the peer allocation engine.
func NewPeerService(submissions repository.SubmissionRepository, workflows repository.WorkflowRepository, assessments repository.AssessmentRepository, peers repository.PeerRepository, items ItemConfigService, locker AllocationLocker, settings AllocationSettings, logger zerolog.Logger) PeerService {
	if locker == nil {
		locker = noopLocker{}
	}

	component := logger.With().Str("component", "peer_service").Logger()
	retry := newRetryer(settings.Retry, func(err error) bool {
		return errors.Is(err, ErrLockNotAcquired) || repository.IsContention(err)
	}, component)
	retry.onRetry = func(int, error) {
		observability.AllocationRetries().Inc()
	}

	return &peerService{
		submissions: submissions,
		workflows:   workflows,
		assessments: assessments,
		peers:       peers,
		items:       items,
		locker:      locker,
		settings:    settings,
		retry:       retry,
		logger:      component,
		tracer:      otel.Tracer("github.com/noah-isme/gema-peer-api/internal/service/peer"),
		now:         time.Now,
	}
}

func (s *peerService) GetSubmissionToAssess(ctx context.Context, item models.StudentItem, mustBeGradedBy int) (dto.PeerAllocationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "peer.allocate", trace.WithAttributes(
		attribute.String("peer.course_id", item.CourseID),
		attribute.String("peer.item_id", item.ItemID),
		attribute.Int("peer.must_be_graded_by", mustBeGradedBy),
		observability.CorrelationAttribute(ctx),
	))
	defer span.End()
	logger := observability.ContextLogger(ctx, s.logger)

	if mustBeGradedBy <= 0 {
		return dto.PeerAllocationResponse{}, newError(ErrPeerWorkflow, "must_be_graded_by must be positive")
	}

	own, err := s.submissions.Latest(ctx, item)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.PeerAllocationResponse{}, newError(ErrPeerWorkflow, "a submission is required before assessing peers")
		}
		span.RecordError(err)
		return dto.PeerAllocationResponse{}, err
	}

	workflow, err := s.workflows.GetBySubmission(ctx, own.UUID)
	if err != nil {
		span.RecordError(err)
		return dto.PeerAllocationResponse{}, err
	}
	if workflow.IsCancelled() {
		return dto.PeerAllocationResponse{}, newError(ErrPeerWorkflow, "the learner's workflow has been cancelled")
	}

	cfg, err := s.items.Get(ctx, item.CourseID, item.ItemID)
	if err != nil {
		span.RecordError(err)
		return dto.PeerAllocationResponse{}, err
	}
	if !cfg.HasStep(models.StepPeer) {
		return dto.PeerAllocationResponse{}, newError(ErrPeerWorkflow, "peer assessment is not enabled for this item")
	}
	if field, open := cfg.PeerOpen(s.now().UTC()); !open {
		span.SetAttributes(attribute.String("peer.window", field))
		return dto.PeerAllocationResponse{}, newError(ErrPeerWorkflow, "peer assessment "+windowMessage(field))
	}

	var selection peerSelection
	var found bool
	err = s.retry.Do(ctx, func() error {
		release, lockErr := s.locker.Acquire(ctx, item.CourseID, item.ItemID)
		if lockErr != nil {
			if errors.Is(lockErr, ErrLockNotAcquired) {
				return lockErr
			}
			// The pool row lock alone keeps allocation correct on a single database.
			logger.Warn().Err(lockErr).Msg("allocation lock unavailable, relying on database lock")
			release = func(context.Context) error { return nil }
		}
		defer func() {
			if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
				logger.Warn().Err(releaseErr).Msg("failed to release allocation lock")
			}
		}()

		return s.peers.WithPoolLock(ctx, item.CourseID, item.ItemID, func(store repository.PeerStore) error {
			var allocErr error
			selection, found, allocErr = s.allocate(store, item, own, cfg, mustBeGradedBy)
			return allocErr
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocation_failed")
		observability.Allocations().WithLabelValues("failed").Inc()
		if errors.Is(err, errRetriesExhausted) {
			return dto.PeerAllocationResponse{}, wrapError(ErrAllocation, "", err)
		}
		if errors.Is(err, ErrIntegrity) {
			logger.Error().Err(err).Str("grader_id", item.StudentID).Msg("peer allocation integrity violation")
		}
		return dto.PeerAllocationResponse{}, err
	}

	if !found {
		observability.Allocations().WithLabelValues("empty").Inc()
		span.SetAttributes(attribute.String("peer.outcome", "empty"))
		return dto.PeerAllocationResponse{}, nil
	}

	outcome := "assigned"
	switch {
	case selection.resumed:
		outcome = "resumed"
	case selection.overGrade:
		outcome = "over_grade"
	}
	observability.Allocations().WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.String("peer.outcome", outcome),
		attribute.String("peer.submission_uuid", selection.candidate.Submission.UUID),
	)

	logger.Info().
		Str("grader_id", item.StudentID).
		Str("submission_uuid", selection.candidate.Submission.UUID).
		Str("outcome", outcome).
		Msg("peer submission allocated")

	submission := dto.NewSubmissionResponse(selection.candidate.Submission)
	assignedAt := selection.assignedAt
	return dto.PeerAllocationResponse{
		Submission: &submission,
		OverGrade:  selection.overGrade,
		Resumed:    selection.resumed,
		AssignedAt: &assignedAt,
	}, nil
}

// allocate runs under the pool lock so counting slots and reserving one cannot interleave.
func (s *peerService) allocate(store repository.PeerStore, item models.StudentItem, own models.Submission, cfg models.ItemConfig, mustBeGradedBy int) (peerSelection, bool, error) {
	candidates, err := store.Candidates(item)
	if err != nil {
		return peerSelection{}, false, err
	}
	mine, err := store.AssignmentsByGrader(item.StudentID, item.CourseID, item.ItemID)
	if err != nil {
		return peerSelection{}, false, err
	}

	now := s.now().UTC()
	selection, ok := selectCandidate(selectionInput{
		graderID:             item.StudentID,
		graderSubmissionUUID: own.UUID,
		candidates:           candidates,
		mine:                 mine,
		mustGrade:            cfg.MustGrade,
		mustBeGradedBy:       mustBeGradedBy,
		policy:               cfg.OverGradePolicy,
		now:                  now,
		timeout:              s.settings.AssignmentTimeout,
	})
	if !ok {
		return peerSelection{}, false, nil
	}

	if selection.candidate.AuthorID() == item.StudentID {
		return peerSelection{}, false, newError(ErrIntegrity, "allocation selected the grader's own submission")
	}
	if selection.resumed {
		return selection, true, nil
	}

	assignment := models.GradingAssignment{
		SubmissionUUID:       selection.candidate.Submission.UUID,
		GraderStudentID:      item.StudentID,
		GraderSubmissionUUID: own.UUID,
		CourseID:             item.CourseID,
		ItemID:               item.ItemID,
		OverGrade:            selection.overGrade,
		AssignedAt:           now,
	}
	if err := store.CreateAssignment(&assignment); err != nil {
		return peerSelection{}, false, err
	}
	selection.assignedAt = now
	return selection, true, nil
}

func (s *peerService) PeerStepInfo(ctx context.Context, submissionUUID string) (dto.PeerStepInfo, error) {
	submission, err := s.submissions.GetByUUID(ctx, submissionUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.PeerStepInfo{}, newError(ErrNotFound, "submission not found")
		}
		return dto.PeerStepInfo{}, err
	}

	cfg, err := s.items.Get(ctx, submission.StudentItem.CourseID, submission.StudentItem.ItemID)
	if err != nil {
		return dto.PeerStepInfo{}, err
	}

	given, err := s.peers.CountGiven(ctx, submissionUUID)
	if err != nil {
		return dto.PeerStepInfo{}, err
	}
	received, err := s.assessments.CountBySubmission(ctx, submissionUUID, models.AssessmentTypePeer)
	if err != nil {
		return dto.PeerStepInfo{}, err
	}

	store := s.peers.Reader(ctx)
	candidates, err := store.Candidates(submission.StudentItem)
	if err != nil {
		return dto.PeerStepInfo{}, err
	}
	mine, err := store.AssignmentsByGrader(submission.StudentItem.StudentID, submission.StudentItem.CourseID, submission.StudentItem.ItemID)
	if err != nil {
		return dto.PeerStepInfo{}, err
	}

	_, available := selectCandidate(selectionInput{
		graderID:             submission.StudentItem.StudentID,
		graderSubmissionUUID: submissionUUID,
		candidates:           candidates,
		mine:                 mine,
		mustGrade:            cfg.MustGrade,
		mustBeGradedBy:       cfg.MustBeGradedBy,
		policy:               cfg.OverGradePolicy,
		now:                  s.now().UTC(),
		timeout:              s.settings.AssignmentTimeout,
	})

	return dto.PeerStepInfo{
		NumCompleted:                  int(given),
		NumReceived:                   int(received),
		MustGrade:                     cfg.MustGrade,
		MustBeGradedBy:                cfg.MustBeGradedBy,
		WaitingForSubmissionsToAssess: !available,
	}, nil
}

type selectionInput struct {
	graderID             string
	graderSubmissionUUID string
	candidates           []repository.PeerCandidate
	mine                 []models.GradingAssignment
	mustGrade            int
	mustBeGradedBy       int
	policy               string
	now                  time.Time
	timeout              time.Duration
}

type peerSelection struct {
	candidate  repository.PeerCandidate
	overGrade  bool
	resumed    bool
	assignedAt time.Time
}

// selectCandidate picks the submission a grader should assess next. An outstanding assignment
// is returned again. Otherwise the fresh pool (reserved slots below mustBeGradedBy) is preferred,
// ordered by fewest completed assessments, oldest submission, then uuid. The over-grading pool
// holds submissions that already completed their mustBeGradedBy grades and is used only when the
// fresh pool is empty and the policy allows it.
func selectCandidate(in selectionInput) (peerSelection, bool) {
	byUUID := make(map[string]repository.PeerCandidate, len(in.candidates))
	for _, candidate := range in.candidates {
		byUUID[candidate.Submission.UUID] = candidate
	}

	given := 0
	for _, assignment := range in.mine {
		if assignment.GraderSubmissionUUID != in.graderSubmissionUUID {
			continue
		}
		if assignment.Completed() {
			given++
			continue
		}
		if !assignment.Outstanding(in.now, in.timeout) {
			continue
		}
		if candidate, ok := byUUID[assignment.SubmissionUUID]; ok {
			return peerSelection{
				candidate:  candidate,
				overGrade:  assignment.OverGrade,
				resumed:    true,
				assignedAt: assignment.AssignedAt,
			}, true
		}
	}

	eligible := make([]repository.PeerCandidate, 0, len(in.candidates))
	for _, candidate := range in.candidates {
		if candidate.AuthorID() == in.graderID || candidate.AssignedTo(in.graderID) {
			continue
		}
		eligible = append(eligible, candidate)
	}
	sortCandidates(eligible)

	for _, candidate := range eligible {
		if candidate.ReservedSlots(in.now, in.timeout) < in.mustBeGradedBy {
			return peerSelection{candidate: candidate}, true
		}
	}

	switch in.policy {
	case models.OverGradeNever:
		return peerSelection{}, false
	case models.OverGradeUntilQuota:
		if given >= in.mustGrade {
			return peerSelection{}, false
		}
	}

	// Slots held by outstanding reservations are not spare: the grader waits until they are
	// completed or expire.
	for _, candidate := range eligible {
		if candidate.GradedCount() >= in.mustBeGradedBy {
			return peerSelection{candidate: candidate, overGrade: true}, true
		}
	}
	return peerSelection{}, false
}

func sortCandidates(candidates []repository.PeerCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		left, right := candidates[i], candidates[j]
		if left.CompletedCount() != right.CompletedCount() {
			return left.CompletedCount() < right.CompletedCount()
		}
		if !left.Submission.CreatedAt.Equal(right.Submission.CreatedAt) {
			return left.Submission.CreatedAt.Before(right.Submission.CreatedAt)
		}
		return left.Submission.UUID < right.Submission.UUID
	})
}
