package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-peer-api/internal/middleware"
	"github.com/noah-isme/gema-peer-api/internal/service"
	"github.com/noah-isme/gema-peer-api/internal/utils"
)

// ScoreHandler exposes final grades.
type ScoreHandler struct {
	service service.ScoreService
	logger  zerolog.Logger
}

// NewScoreHandler constructs a score handler.
func NewScoreHandler(service service.ScoreService, logger zerolog.Logger) *ScoreHandler {
	return &ScoreHandler{
		service: service,
		logger:  logger.With().Str("component", "score_handler").Logger(),
	}
}

// Register wires score routes.
func (h *ScoreHandler) Register(router fiber.Router) {
	router.Get("/submissions/:uuid/score", middleware.WithAuth(h.get, middleware.AuthOptions{RequireUser: true}))
}

func (h *ScoreHandler) get(c *fiber.Ctx) error {
	score, err := h.service.GetScore(c.UserContext(), c.Params("uuid"))
	if err != nil {
		return respondError(c, h.logger, err)
	}

	if score == nil {
		return utils.SendSuccess(c, "submission has not been scored yet", nil)
	}
	return utils.SendSuccess(c, "score retrieved", score)
}
