package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-peer-api/internal/dto"
	"github.com/noah-isme/gema-peer-api/internal/models"
	"github.com/noah-isme/gema-peer-api/internal/repository"
)

// ScoreService turns recorded assessments into final grades.
type ScoreService interface {
	// Aggregate computes the score from the current assessments regardless of workflow state.
	Aggregate(ctx context.Context, submissionUUID string) (*models.Score, error)
	// GetScore returns the final score, or nil while the workflow is not done.
	GetScore(ctx context.Context, submissionUUID string) (*dto.ScoreResponse, error)
	// Invalidate drops the cached score of a submission.
	Invalidate(ctx context.Context, submissionUUID string)
	// Refresh recomputes and stores the final score of a done workflow.
	Refresh(ctx context.Context, submissionUUID string) error
	// ReceivedGrades returns the per-step grades of a done workflow.
	ReceivedGrades(ctx context.Context, submissionUUID string) (*dto.ReceivedGrades, error)
}

type scoreService struct {
	assessments repository.AssessmentRepository
	workflows   repository.WorkflowRepository
	scores      repository.ScoreRepository
	items       ItemConfigService
	cache       *redis.Client
	cacheTTL    time.Duration
	group       singleflight.Group
	logger      zerolog.Logger
}

// NewScoreService constructs the score aggregator.
func NewScoreService(assessments repository.AssessmentRepository, workflows repository.WorkflowRepository, scores repository.ScoreRepository, items ItemConfigService, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) ScoreService {
	return &scoreService{
		assessments: assessments,
		workflows:   workflows,
		scores:      scores,
		items:       items,
		cache:       cache,
		cacheTTL:    ttl,
		logger:      logger.With().Str("component", "score_service").Logger(),
	}
}

func scoreCacheKey(submissionUUID string) string {
	return fmt.Sprintf("score:submission:%s", submissionUUID)
}

func (s *scoreService) Aggregate(ctx context.Context, submissionUUID string) (*models.Score, error) {
	workflow, err := s.workflows.GetBySubmission(ctx, submissionUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrNotFound, "submission not found")
		}
		return nil, err
	}

	cfg, err := s.items.Get(ctx, workflow.CourseID, workflow.ItemID)
	if err != nil {
		return nil, err
	}

	assessments, err := s.assessments.ListBySubmission(ctx, submissionUUID, nil)
	if err != nil {
		return nil, err
	}

	return aggregateScore(submissionUUID, assessments, cfg.Aggregation), nil
}

func (s *scoreService) GetScore(ctx context.Context, submissionUUID string) (*dto.ScoreResponse, error) {
	cacheKey := scoreCacheKey(submissionUUID)

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var response dto.ScoreResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				s.logger.Debug().Str("submission_uuid", submissionUUID).Msg("score cache hit")
				return &response, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn().Err(err).Msg("failed to read score cache")
		}
	}

	value, err, _ := s.group.Do(cacheKey, func() (interface{}, error) {
		return s.loadScore(ctx, submissionUUID)
	})
	if err != nil {
		return nil, err
	}

	response, _ := value.(*dto.ScoreResponse)
	if response == nil {
		return nil, nil
	}

	if s.cache != nil {
		payload, err := json.Marshal(response)
		if err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store score cache")
			}
		}
	}

	copied := *response
	return &copied, nil
}

func (s *scoreService) loadScore(ctx context.Context, submissionUUID string) (*dto.ScoreResponse, error) {
	workflow, err := s.workflows.GetBySubmission(ctx, submissionUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrNotFound, "submission not found")
		}
		return nil, err
	}
	if !workflow.IsDone() {
		return nil, nil
	}

	stored, err := s.scores.Get(ctx, submissionUUID)
	if err == nil {
		response := dto.NewScoreResponse(stored)
		return &response, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Done before a score was written; compute it from the assessments.
	score, err := s.Aggregate(ctx, submissionUUID)
	if err != nil || score == nil {
		return nil, err
	}
	response := dto.NewScoreResponse(*score)
	return &response, nil
}

func (s *scoreService) Invalidate(ctx context.Context, submissionUUID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, scoreCacheKey(submissionUUID)).Err(); err != nil {
		s.logger.Warn().Err(err).Str("submission_uuid", submissionUUID).Msg("failed to invalidate score cache")
	}
}

func (s *scoreService) Refresh(ctx context.Context, submissionUUID string) error {
	score, err := s.Aggregate(ctx, submissionUUID)
	if err != nil {
		return err
	}
	if score != nil {
		if err := s.scores.Upsert(ctx, score); err != nil {
			return err
		}
	}
	s.Invalidate(ctx, submissionUUID)
	return nil
}

func (s *scoreService) ReceivedGrades(ctx context.Context, submissionUUID string) (*dto.ReceivedGrades, error) {
	workflow, err := s.workflows.GetBySubmission(ctx, submissionUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrNotFound, "submission not found")
		}
		return nil, err
	}
	if !workflow.IsDone() {
		return nil, nil
	}

	cfg, err := s.items.Get(ctx, workflow.CourseID, workflow.ItemID)
	if err != nil {
		return nil, err
	}
	assessments, err := s.assessments.ListBySubmission(ctx, submissionUUID, nil)
	if err != nil {
		return nil, err
	}

	byType := splitByType(assessments)
	grades := &dto.ReceivedGrades{}
	if self := byType[models.AssessmentTypeSelf]; len(self) > 0 {
		latest := self[len(self)-1]
		grades.Self = &dto.StepGrade{PointsEarned: latest.PointsEarned, PointsPossible: latest.PointsPossible}
	}
	if peer := byType[models.AssessmentTypePeer]; len(peer) > 0 {
		earned, possible := peerScore(peer, cfg.Aggregation)
		grades.Peer = &dto.StepGrade{PointsEarned: earned, PointsPossible: possible}
	}
	if staff := byType[models.AssessmentTypeStaff]; len(staff) > 0 {
		latest := staff[len(staff)-1]
		grades.Staff = &dto.StepGrade{PointsEarned: latest.PointsEarned, PointsPossible: latest.PointsPossible}
	}
	return grades, nil
}

// aggregateScore applies the scoring policy: the latest staff assessment wins, then the peer
// aggregate, then the latest self assessment when nothing else exists. Returns nil when the
// submission has no scoring assessments.
func aggregateScore(submissionUUID string, assessments []models.Assessment, aggregation string) *models.Score {
	byType := splitByType(assessments)

	if staff := byType[models.AssessmentTypeStaff]; len(staff) > 0 {
		latest := staff[len(staff)-1]
		return &models.Score{
			SubmissionUUID: submissionUUID,
			PointsEarned:   latest.PointsEarned,
			PointsPossible: latest.PointsPossible,
			Source:         models.ScoreSourceStaff,
		}
	}

	if peer := byType[models.AssessmentTypePeer]; len(peer) > 0 {
		earned, possible := peerScore(peer, aggregation)
		return &models.Score{
			SubmissionUUID: submissionUUID,
			PointsEarned:   earned,
			PointsPossible: possible,
			Source:         models.ScoreSourcePeer,
		}
	}

	if self := byType[models.AssessmentTypeSelf]; len(self) > 0 {
		latest := self[len(self)-1]
		return &models.Score{
			SubmissionUUID: submissionUUID,
			PointsEarned:   latest.PointsEarned,
			PointsPossible: latest.PointsPossible,
			Source:         models.ScoreSourceSelf,
		}
	}

	return nil
}

func splitByType(assessments []models.Assessment) map[models.AssessmentType][]models.Assessment {
	sorted := append([]models.Assessment(nil), assessments...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ScoredAt.Equal(sorted[j].ScoredAt) {
			return sorted[i].ScoredAt.Before(sorted[j].ScoredAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	byType := make(map[models.AssessmentType][]models.Assessment)
	for _, assessment := range sorted {
		byType[assessment.Type] = append(byType[assessment.Type], assessment)
	}
	return byType
}

// peerScore aggregates option points per criterion across peer assessments. Points possible
// come from the rubric version of the latest peer assessment.
func peerScore(peer []models.Assessment, aggregation string) (int, int) {
	latest := peer[len(peer)-1]

	pointsByCriterion := make(map[string][]int)
	for _, assessment := range peer {
		if assessment.RubricHash != latest.RubricHash {
			continue
		}
		for _, part := range assessment.Parts {
			pointsByCriterion[part.Criterion] = append(pointsByCriterion[part.Criterion], part.Points)
		}
	}

	criteria := make([]string, 0, len(pointsByCriterion))
	for criterion := range pointsByCriterion {
		criteria = append(criteria, criterion)
	}
	sort.Strings(criteria)

	earned := 0
	for _, criterion := range criteria {
		points := pointsByCriterion[criterion]
		switch aggregation {
		case models.AggregationMean:
			earned += roundHalfUp(mean(points))
		default:
			earned += roundHalfUp(median(points))
		}
	}
	return earned, latest.PointsPossible
}

func median(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2
}

func mean(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0
	for _, value := range values {
		total += value
	}
	return float64(total) / float64(len(values))
}

func roundHalfUp(value float64) int {
	return int(math.Floor(value + 0.5))
}
