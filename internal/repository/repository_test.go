package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-peer-api/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func essayItem(student string) models.StudentItem {
	return models.StudentItem{StudentID: student, CourseID: "course-1", ItemID: "essay", ItemType: "openassessment"}
}

func submit(t *testing.T, repo SubmissionRepository, student, answer string, at time.Time) models.Submission {
	t.Helper()
	submission, err := repo.CreateAttempt(context.Background(), NewAttempt{
		Item:   essayItem(student),
		Answer: answer,
		Steps:  []string{models.StepPeer, models.StepSelf},
		Status: models.WorkflowStatusPeer,
		At:     at,
	}, nil)
	require.NoError(t, err)
	return submission
}

func TestSubmissionRepositoryNumbersAttempts(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	now := time.Now().UTC()

	first := submit(t, repo, "alice", "first", now)
	second := submit(t, repo, "alice", "second", now.Add(time.Minute))
	other := submit(t, repo, "bob", "bob's", now)

	require.Equal(t, 1, first.AttemptNumber)
	require.Equal(t, 2, second.AttemptNumber)
	require.Equal(t, 1, other.AttemptNumber)
	require.NotEqual(t, first.UUID, second.UUID)

	list, err := repo.ListByStudentItem(context.Background(), essayItem("alice"))
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "first", list[0].Answer)
	require.Equal(t, "alice", list[1].StudentItem.StudentID)

	latest, err := repo.Latest(context.Background(), essayItem("alice"))
	require.NoError(t, err)
	require.Equal(t, second.UUID, latest.UUID)

	var workflow models.Workflow
	require.NoError(t, db.Preload("Steps").Where("submission_uuid = ?", second.UUID).First(&workflow).Error)
	require.Equal(t, models.WorkflowStatusPeer, workflow.Status)
	require.Len(t, workflow.Steps, 2)

	_, err = repo.GetByUUID(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestSubmissionRepositoryGuardRejectsAttempt(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	now := time.Now().UTC()
	first := submit(t, repo, "alice", "same", now)

	errBlocked := errors.New("blocked")
	var seenStatus models.WorkflowStatus
	_, err := repo.CreateAttempt(context.Background(), NewAttempt{
		Item:   essayItem("alice"),
		Answer: "same",
		Steps:  []string{models.StepPeer},
		Status: models.WorkflowStatusPeer,
		At:     now,
	}, func(latest *models.Submission, status models.WorkflowStatus) error {
		require.NotNil(t, latest)
		require.Equal(t, first.UUID, latest.UUID)
		seenStatus = status
		return errBlocked
	})
	require.ErrorIs(t, err, errBlocked)
	require.Equal(t, models.WorkflowStatusPeer, seenStatus)

	list, err := repo.ListByStudentItem(context.Background(), essayItem("alice"))
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSubmissionRepositoryConcurrentAttemptsAreUnique(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)

	var wg sync.WaitGroup
	numbers := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			submission, err := repo.CreateAttempt(context.Background(), NewAttempt{
				Item: essayItem("alice"), Answer: uuid.NewString(), Steps: []string{models.StepSelf},
				Status: models.WorkflowStatusSelf, At: time.Now().UTC(),
			}, nil)
			if err == nil {
				numbers <- submission.AttemptNumber
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[int]bool{}
	for number := range numbers {
		require.False(t, seen[number], "attempt %d assigned twice", number)
		seen[number] = true
	}
	require.Len(t, seen, 8)
}

func TestAssessmentRepositoryEnforcesUniqueness(t *testing.T) {
	db := setupTestDB(t)
	submissions := NewSubmissionRepository(db)
	repo := NewAssessmentRepository(db)
	now := time.Now().UTC()
	target := submit(t, submissions, "alice", "essay", now)

	self := &models.Assessment{
		SubmissionUUID: target.UUID, ScorerID: "alice", Type: models.AssessmentTypeSelf,
		PointsEarned: 3, PointsPossible: 5, RubricHash: "h", ScoredAt: now,
		Parts: []models.AssessmentPart{{Criterion: "Form", Option: "Good", Points: 3}},
	}
	require.NoError(t, repo.Create(context.Background(), self, AssessmentWrite{UniquePerType: true}))

	again := *self
	again.ID = 0
	again.Parts = nil
	require.ErrorIs(t, repo.Create(context.Background(), &again, AssessmentWrite{UniquePerType: true}), ErrDuplicate)

	peer := &models.Assessment{
		SubmissionUUID: target.UUID, ScorerID: "bob", Type: models.AssessmentTypePeer,
		PointsEarned: 4, PointsPossible: 5, RubricHash: "h", ScoredAt: now,
	}
	err := repo.Create(context.Background(), peer, AssessmentWrite{UniquePerScorer: true, CompleteAssignment: true})
	require.ErrorIs(t, err, ErrNoAssignment)

	require.NoError(t, db.Create(&models.GradingAssignment{
		SubmissionUUID: target.UUID, GraderStudentID: "bob", GraderSubmissionUUID: uuid.NewString(),
		CourseID: "course-1", ItemID: "essay", AssignedAt: now,
	}).Error)
	require.NoError(t, repo.Create(context.Background(), peer, AssessmentWrite{UniquePerScorer: true, CompleteAssignment: true}))

	second := &models.Assessment{
		SubmissionUUID: target.UUID, ScorerID: "bob", Type: models.AssessmentTypePeer,
		PointsEarned: 1, PointsPossible: 5, RubricHash: "h", ScoredAt: now,
	}
	require.ErrorIs(t, repo.Create(context.Background(), second, AssessmentWrite{UniquePerScorer: true, CompleteAssignment: true}), ErrDuplicate)

	peerType := models.AssessmentTypePeer
	peers, err := repo.ListBySubmission(context.Background(), target.UUID, &peerType)
	require.NoError(t, err)
	require.Len(t, peers, 1)

	all, err := repo.ListBySubmission(context.Background(), target.UUID, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "Good", all[0].Selections()["Form"])

	assignment, err := NewPeerRepository(db).GetAssignment(context.Background(), target.UUID, "bob")
	require.NoError(t, err)
	require.True(t, assignment.Completed())
}

func TestAssessmentRepositoryTracksTrainingExamples(t *testing.T) {
	db := setupTestDB(t)
	target := submit(t, NewSubmissionRepository(db), "alice", "essay", time.Now().UTC())
	repo := NewAssessmentRepository(db)

	for _, example := range []int{1, 0} {
		index := example
		require.NoError(t, repo.Create(context.Background(), &models.Assessment{
			SubmissionUUID: target.UUID, ScorerID: "alice", Type: models.AssessmentTypeTraining,
			RubricHash: "h", ScoredAt: time.Now().UTC(), TrainingExample: &index,
		}, AssessmentWrite{UniquePerScorer: true}))
	}

	index := 1
	err := repo.Create(context.Background(), &models.Assessment{
		SubmissionUUID: target.UUID, ScorerID: "alice", Type: models.AssessmentTypeTraining,
		RubricHash: "h", ScoredAt: time.Now().UTC(), TrainingExample: &index,
	}, AssessmentWrite{UniquePerScorer: true})
	require.ErrorIs(t, err, ErrDuplicate)

	examples, err := repo.ListTrainingExamples(context.Background(), target.UUID)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, examples)

	total, err := repo.CountBySubmission(context.Background(), target.UUID, models.AssessmentTypeTraining)
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
}

func TestPeerRepositoryCandidatesUseLatestAttemptOfOthers(t *testing.T) {
	db := setupTestDB(t)
	submissions := NewSubmissionRepository(db)
	workflows := NewWorkflowRepository(db)
	now := time.Now().UTC()

	submit(t, submissions, "alice", "alice v1", now)
	submit(t, submissions, "bob", "bob v1", now.Add(time.Second))
	bobLatest := submit(t, submissions, "bob", "bob v2", now.Add(2*time.Second))
	carol := submit(t, submissions, "carol", "carol", now.Add(3*time.Second))
	dave := submit(t, submissions, "dave", "dave", now.Add(4*time.Second))

	_, err := workflows.Cancel(context.Background(), dave.UUID, "staff", "plagiarism", now)
	require.NoError(t, err)

	repo := NewPeerRepository(db)
	candidates, err := repo.Reader(context.Background()).Candidates(essayItem("alice"))
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, bobLatest.UUID, candidates[0].Submission.UUID)
	require.Equal(t, "bob", candidates[0].AuthorID())
	require.Equal(t, carol.UUID, candidates[1].Submission.UUID)
}

func TestPeerRepositoryPoolLockCreatesAssignments(t *testing.T) {
	db := setupTestDB(t)
	submissions := NewSubmissionRepository(db)
	now := time.Now().UTC()
	grader := submit(t, submissions, "alice", "alice", now)
	target := submit(t, submissions, "bob", "bob", now)

	repo := NewPeerRepository(db)
	err := repo.WithPoolLock(context.Background(), "course-1", "essay", func(store PeerStore) error {
		return store.CreateAssignment(&models.GradingAssignment{
			SubmissionUUID: target.UUID, GraderStudentID: "alice", GraderSubmissionUUID: grader.UUID,
			CourseID: "course-1", ItemID: "essay", AssignedAt: now,
		})
	})
	require.NoError(t, err)

	err = repo.WithPoolLock(context.Background(), "course-1", "essay", func(store PeerStore) error {
		return store.CreateAssignment(&models.GradingAssignment{
			SubmissionUUID: target.UUID, GraderStudentID: "alice", GraderSubmissionUUID: grader.UUID,
			CourseID: "course-1", ItemID: "essay", AssignedAt: now,
		})
	})
	require.Error(t, err)
	require.True(t, IsContention(err))

	var pool models.PeerPool
	require.NoError(t, db.First(&pool, "course_id = ? AND item_id = ?", "course-1", "essay").Error)
	require.Equal(t, int64(1), pool.Allocations)

	assignments, err := repo.Reader(context.Background()).AssignmentsByGrader("alice", "course-1", "essay")
	require.NoError(t, err)
	require.Len(t, assignments, 1)

	candidates, err := repo.Reader(context.Background()).Candidates(essayItem("alice"))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.True(t, candidates[0].AssignedTo("alice"))
	require.Equal(t, 1, candidates[0].ReservedSlots(now, time.Hour))
	require.Equal(t, 0, candidates[0].ReservedSlots(now.Add(2*time.Hour), time.Hour))
	require.Equal(t, 0, candidates[0].CompletedCount())

	given, err := repo.CountGiven(context.Background(), grader.UUID)
	require.NoError(t, err)
	require.Zero(t, given)
}

func TestWorkflowRepositoryAdvanceIsCompareAndSet(t *testing.T) {
	db := setupTestDB(t)
	submission := submit(t, NewSubmissionRepository(db), "alice", "essay", time.Now().UTC())
	repo := NewWorkflowRepository(db)

	workflow, err := repo.GetBySubmission(context.Background(), submission.UUID)
	require.NoError(t, err)
	require.Equal(t, models.StepPeer, workflow.Steps[0].Name)

	now := time.Now().UTC()
	advanced, err := repo.Advance(context.Background(), workflow.ID, WorkflowProgress{
		From: models.WorkflowStatusPeer, To: models.WorkflowStatusSelf,
		CompletedSteps: []string{models.StepPeer}, At: now,
	})
	require.NoError(t, err)
	require.True(t, advanced)

	stale, err := repo.Advance(context.Background(), workflow.ID, WorkflowProgress{
		From: models.WorkflowStatusPeer, To: models.WorkflowStatusWaiting, At: now,
	})
	require.NoError(t, err)
	require.False(t, stale)

	workflow, err = repo.GetBySubmission(context.Background(), submission.UUID)
	require.NoError(t, err)
	require.Equal(t, models.WorkflowStatusSelf, workflow.Status)
	step, ok := workflow.Step(models.StepPeer)
	require.True(t, ok)
	require.True(t, step.Complete())
}

func TestWorkflowRepositoryCancel(t *testing.T) {
	db := setupTestDB(t)
	submission := submit(t, NewSubmissionRepository(db), "alice", "essay", time.Now().UTC())
	repo := NewWorkflowRepository(db)

	cancelled, err := repo.Cancel(context.Background(), submission.UUID, "staff-1", "off topic", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, cancelled.IsCancelled())
	require.Equal(t, "staff-1", cancelled.CancelledBy)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = repo.Cancel(context.Background(), submission.UUID, "staff-1", "again", time.Now().UTC())
	require.ErrorIs(t, err, ErrWorkflowTerminal)

	_, err = repo.Cancel(context.Background(), uuid.NewString(), "staff-1", "missing", time.Now().UTC())
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRubricItemConfigAndScoreRepositories(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rubric := models.Rubric{Criteria: []models.Criterion{{
		Name:    "Form",
		Options: []models.Option{{Name: "Poor", Points: 0}, {Name: "Good", Points: 3}},
	}}}
	rubrics := NewRubricRepository(db)
	hash, err := rubrics.Ensure(ctx, rubric)
	require.NoError(t, err)
	again, err := rubrics.Ensure(ctx, rubric)
	require.NoError(t, err)
	require.Equal(t, hash, again)
	stored, err := rubrics.GetByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, rubric, stored)

	configs := NewItemConfigRepository(db)
	_, err = configs.Get(ctx, "course-1", "essay")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	cfg := models.ItemConfig{CourseID: "course-1", ItemID: "essay", Steps: []string{"peer"}, MustGrade: 2, Rubric: rubric}
	require.NoError(t, configs.Upsert(ctx, cfg))
	cfg.MustGrade = 4
	require.NoError(t, configs.Upsert(ctx, cfg))
	loaded, err := configs.Get(ctx, "course-1", "essay")
	require.NoError(t, err)
	require.Equal(t, 4, loaded.MustGrade)

	scores := NewScoreRepository(db)
	submissionUUID := uuid.NewString()
	require.NoError(t, scores.Upsert(ctx, &models.Score{SubmissionUUID: submissionUUID, PointsEarned: 3, PointsPossible: 5, Source: models.ScoreSourcePeer}))
	require.NoError(t, scores.Upsert(ctx, &models.Score{SubmissionUUID: submissionUUID, PointsEarned: 5, PointsPossible: 5, Source: models.ScoreSourceStaff}))
	score, err := scores.Get(ctx, submissionUUID)
	require.NoError(t, err)
	require.Equal(t, 5, score.PointsEarned)
	require.Equal(t, models.ScoreSourceStaff, score.Source)
}

func TestIsContention(t *testing.T) {
	require.False(t, IsContention(nil))
	require.True(t, IsContention(gorm.ErrDuplicatedKey))
	require.True(t, IsContention(errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")))
	require.True(t, IsContention(errors.New("database is locked")))
	require.False(t, IsContention(gorm.ErrRecordNotFound))
}
