package service

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-peer-api/internal/dto"
	"github.com/noah-isme/gema-peer-api/internal/models"
	"github.com/noah-isme/gema-peer-api/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

const (
	testCourse = "course-1"
	testItem   = "essay"
	testType   = "openassessment"
)

func learner(student string) models.StudentItem {
	return models.StudentItem{StudentID: student, CourseID: testCourse, ItemID: testItem, ItemType: testType}
}

func conciseFormRubric() models.Rubric {
	return models.Rubric{
		Prompt: "Write a short essay.",
		Criteria: []models.Criterion{
			{Name: "Concise", Options: []models.Option{
				{Name: "Wordy", Points: 0},
				{Name: "Fair", Points: 1},
				{Name: "Tight", Points: 3},
			}},
			{Name: "Form", Options: []models.Option{
				{Name: "F0", Points: 0},
				{Name: "F1", Points: 1},
				{Name: "F2", Points: 2},
				{Name: "F3", Points: 3},
				{Name: "F4", Points: 4},
				{Name: "F5", Points: 5},
			}},
		},
	}
}

// stepClock hands out strictly increasing timestamps.
type stepClock struct {
	mu      sync.Mutex
	current time.Time
}

func newStepClock(start time.Time) *stepClock {
	return &stepClock{current: start}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type testEnv struct {
	db    *gorm.DB
	redis *redis.Client
	mini  *miniredis.Miniredis

	submissionRepo repository.SubmissionRepository
	assessmentRepo repository.AssessmentRepository
	peerRepo       repository.PeerRepository
	workflowRepo   repository.WorkflowRepository
	scoreRepo      repository.ScoreRepository

	items       ItemConfigService
	scores      ScoreService
	peer        PeerService
	workflows   WorkflowService
	assessments AssessmentService
	submissions SubmissionService
	training    TrainingService

	close func()
}

type envOptions struct {
	defaults PeerSettings
	retry    RetryPolicy
	timeout  time.Duration
	logs     io.Writer
}

func defaultEnvOptions() envOptions {
	return envOptions{
		defaults: PeerSettings{Steps: []string{models.StepPeer, models.StepSelf}, MustGrade: 1, MustBeGradedBy: 1},
		retry:    RetryPolicy{MaxRetries: 50, InitialDelay: 2 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2, Jitter: true},
		timeout:  8 * time.Hour,
	}
}

func newTestEnv(t require.TestingT, opts envOptions) *testEnv {
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	mini, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})

	logger := testLogger()
	if opts.logs != nil {
		logger = zerolog.New(opts.logs)
	}
	validate := NewValidator()

	env := &testEnv{
		db:             db,
		redis:          client,
		mini:           mini,
		submissionRepo: repository.NewSubmissionRepository(db),
		assessmentRepo: repository.NewAssessmentRepository(db),
		peerRepo:       repository.NewPeerRepository(db),
		workflowRepo:   repository.NewWorkflowRepository(db),
		scoreRepo:      repository.NewScoreRepository(db),
	}
	rubricRepo := repository.NewRubricRepository(db)

	env.items = NewItemConfigService(repository.NewItemConfigRepository(db), rubricRepo, validate, opts.defaults, logger)
	env.scores = NewScoreService(env.assessmentRepo, env.workflowRepo, env.scoreRepo, env.items, client, time.Minute, logger)
	env.peer = NewPeerService(env.submissionRepo, env.workflowRepo, env.assessmentRepo, env.peerRepo, env.items,
		NewAllocationLocker(client, time.Second), AllocationSettings{AssignmentTimeout: opts.timeout, Retry: opts.retry}, logger)
	env.workflows = NewWorkflowService(env.workflowRepo, env.submissionRepo, env.assessmentRepo, env.peer, env.scores, env.items, logger)
	env.assessments = NewAssessmentService(AssessmentDeps{
		Submissions:       env.submissionRepo,
		WorkflowStore:     env.workflowRepo,
		Assessments:       env.assessmentRepo,
		Peers:             env.peerRepo,
		Rubrics:           rubricRepo,
		Items:             env.items,
		Scores:            env.scores,
		Workflows:         env.workflows,
		Validator:         validate,
		AssignmentTimeout: opts.timeout,
	}, logger)
	env.submissions = NewSubmissionService(env.submissionRepo, env.items, env.workflows, validate, SubmissionSettings{MaxAnswerLength: 2000}, logger)
	env.training = NewTrainingService(env.submissionRepo, env.assessmentRepo, rubricRepo, env.items, env.workflows, validate, logger)

	// Submissions are ordered by creation time; keep it strictly increasing.
	env.submissions.(*submissionService).now = newStepClock(time.Now().UTC().Add(-time.Hour)).Now

	env.close = func() {
		_ = client.Close()
		mini.Close()
		_ = sqlDB.Close()
	}
	return env
}

func (e *testEnv) configure(t require.TestingT, cfg models.ItemConfig) models.ItemConfig {
	if cfg.CourseID == "" {
		cfg.CourseID = testCourse
	}
	if cfg.ItemID == "" {
		cfg.ItemID = testItem
	}
	document, err := json.Marshal(cfg)
	require.NoError(t, err)
	stored, err := e.items.Put(context.Background(), document)
	require.NoError(t, err)
	return stored
}

func (e *testEnv) submit(t require.TestingT, student, answer string) dto.SubmissionResponse {
	response, err := e.submissions.Create(context.Background(), student, dto.SubmissionCreateRequest{
		CourseID: testCourse,
		ItemID:   testItem,
		ItemType: testType,
		Answer:   answer,
	})
	require.NoError(t, err)
	return response
}

func (e *testEnv) nextPeer(t require.TestingT, grader string, mustBeGradedBy int) dto.PeerAllocationResponse {
	response, err := e.peer.GetSubmissionToAssess(context.Background(), learner(grader), mustBeGradedBy)
	require.NoError(t, err)
	return response
}

func (e *testEnv) assess(t require.TestingT, scorer, submissionUUID string, kind models.AssessmentType, selected map[string]string) dto.AssessmentResponse {
	response, err := e.assessments.Create(context.Background(), scorer, dto.AssessmentCreateRequest{
		SubmissionUUID:  submissionUUID,
		Type:            string(kind),
		OptionsSelected: selected,
		Feedback:        "Looks good.",
	})
	require.NoError(t, err)
	return response
}

func (e *testEnv) status(t require.TestingT, submissionUUID string) models.WorkflowStatus {
	workflow, err := e.workflows.Recompute(context.Background(), submissionUUID)
	require.NoError(t, err)
	return workflow.Status
}
