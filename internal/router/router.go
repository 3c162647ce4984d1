package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-peer-api/internal/config"
	"github.com/noah-isme/gema-peer-api/internal/handler"
	"github.com/noah-isme/gema-peer-api/internal/middleware"
	"github.com/noah-isme/gema-peer-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SubmissionHandler *handler.SubmissionHandler
	PeerHandler       *handler.PeerHandler
	AssessmentHandler *handler.AssessmentHandler
	WorkflowHandler   *handler.WorkflowHandler
	ScoreHandler      *handler.ScoreHandler
	TrainingHandler   *handler.TrainingHandler
	ItemConfigHandler *handler.ItemConfigHandler
	HealthProbes      []handler.HealthProbe
	JWTMiddleware     fiber.Handler
	// Logger receives metrics scrape errors; nil discards them.
	Logger *zerolog.Logger
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	scrapeLogger := zerolog.Nop()
	if deps.Logger != nil {
		scrapeLogger = *deps.Logger
	}
	app.Get("/metrics", observability.MetricsHandler(scrapeLogger))

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	ora := app.Group(middleware.APIPrefix, jwtMiddleware)

	if deps.SubmissionHandler != nil {
		deps.SubmissionHandler.Register(ora)
	}
	if deps.PeerHandler != nil {
		deps.PeerHandler.Register(ora, middleware.RateLimit("peer_next", cfg.PeerRateLimit, cfg.PeerRateWindow))
	}
	if deps.AssessmentHandler != nil {
		deps.AssessmentHandler.Register(ora)
	}
	if deps.WorkflowHandler != nil {
		deps.WorkflowHandler.Register(ora)
	}
	if deps.ScoreHandler != nil {
		deps.ScoreHandler.Register(ora)
	}
	if deps.TrainingHandler != nil {
		deps.TrainingHandler.Register(ora)
	}
	if deps.ItemConfigHandler != nil {
		deps.ItemConfigHandler.Register(ora)
	}
}
