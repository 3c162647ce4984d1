package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-peer-api/internal/config"
	"github.com/noah-isme/gema-peer-api/internal/database"
	"github.com/noah-isme/gema-peer-api/internal/handler"
	"github.com/noah-isme/gema-peer-api/internal/middleware"
	"github.com/noah-isme/gema-peer-api/internal/repository"
	"github.com/noah-isme/gema-peer-api/internal/router"
	"github.com/noah-isme/gema-peer-api/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	if redisClient == nil {
		logger.Warn().Msg("redis disabled; allocation relies on database locking and scores are not cached")
	} else {
		defer redisClient.Close()
	}

	validate := service.NewValidator()

	submissionRepo := repository.NewSubmissionRepository(db)
	assessmentRepo := repository.NewAssessmentRepository(db)
	peerRepo := repository.NewPeerRepository(db)
	workflowRepo := repository.NewWorkflowRepository(db)
	rubricRepo := repository.NewRubricRepository(db)
	itemConfigRepo := repository.NewItemConfigRepository(db)
	scoreRepo := repository.NewScoreRepository(db)

	itemConfigService := service.NewItemConfigService(itemConfigRepo, rubricRepo, validate, service.PeerSettings{
		Steps:           cfg.Peer.Steps,
		MustGrade:       cfg.Peer.MustGrade,
		MustBeGradedBy:  cfg.Peer.MustBeGradedBy,
		OverGradePolicy: cfg.Peer.OverGradePolicy,
		Aggregation:     cfg.Peer.Aggregation,
	}, logger)
	scoreService := service.NewScoreService(assessmentRepo, workflowRepo, scoreRepo, itemConfigService, redisClient, cfg.ScoreCacheTTL, logger)
	peerService := service.NewPeerService(submissionRepo, workflowRepo, assessmentRepo, peerRepo, itemConfigService,
		service.NewAllocationLocker(redisClient, cfg.Peer.LockTTL),
		service.AllocationSettings{
			AssignmentTimeout: cfg.Peer.AssignmentTimeout,
			Retry: service.RetryPolicy{
				MaxRetries:   cfg.Peer.AllocationRetries,
				InitialDelay: cfg.Peer.RetryBaseDelay,
				MaxDelay:     cfg.Peer.RetryMaxDelay,
				Multiplier:   2,
				Jitter:       true,
			},
		}, logger)
	workflowService := service.NewWorkflowService(workflowRepo, submissionRepo, assessmentRepo, peerService, scoreService, itemConfigService, logger)
	assessmentService := service.NewAssessmentService(service.AssessmentDeps{
		Submissions:       submissionRepo,
		WorkflowStore:     workflowRepo,
		Assessments:       assessmentRepo,
		Peers:             peerRepo,
		Rubrics:           rubricRepo,
		Items:             itemConfigService,
		Scores:            scoreService,
		Workflows:         workflowService,
		Validator:         validate,
		FeedbackMaxLength: cfg.FeedbackMaxLength,
		AssignmentTimeout: cfg.Peer.AssignmentTimeout,
	}, logger)
	submissionService := service.NewSubmissionService(submissionRepo, itemConfigService, workflowService, validate, service.SubmissionSettings{
		DuplicatePolicy: cfg.Submission.DuplicatePolicy,
		MaxAnswerLength: cfg.Submission.MaxAnswerLength,
	}, logger)
	trainingService := service.NewTrainingService(submissionRepo, assessmentRepo, rubricRepo, itemConfigService, workflowService, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.AppEnv == "development"})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: handler.NewSubmissionHandler(submissionService, validate, logger),
		PeerHandler:       handler.NewPeerHandler(peerService, itemConfigService, validate, logger),
		AssessmentHandler: handler.NewAssessmentHandler(assessmentService, validate, logger),
		WorkflowHandler:   handler.NewWorkflowHandler(workflowService, validate, logger),
		ScoreHandler:      handler.NewScoreHandler(scoreService, logger),
		TrainingHandler:   handler.NewTrainingHandler(trainingService, logger),
		ItemConfigHandler: handler.NewItemConfigHandler(itemConfigService, validate, logger),
		HealthProbes:      healthProbes(db, redisClient),
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
		Logger:            &logger,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, logger)
}

func healthProbes(db *gorm.DB, redisClient *redis.Client) []handler.HealthProbe {
	probes := []handler.HealthProbe{{
		Name: "database",
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}
	if redisClient != nil {
		probes = append(probes, handler.HealthProbe{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	return probes
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
