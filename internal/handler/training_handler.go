package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-peer-api/internal/dto"
	"github.com/noah-isme/gema-peer-api/internal/middleware"
	"github.com/noah-isme/gema-peer-api/internal/service"
	"github.com/noah-isme/gema-peer-api/internal/utils"
)

// TrainingHandler walks learners through the training examples of their submission.
type TrainingHandler struct {
	service service.TrainingService
	logger  zerolog.Logger
}

// NewTrainingHandler constructs a training handler.
func NewTrainingHandler(service service.TrainingService, logger zerolog.Logger) *TrainingHandler {
	return &TrainingHandler{
		service: service,
		logger:  logger.With().Str("component", "training_handler").Logger(),
	}
}

// Register wires training routes.
func (h *TrainingHandler) Register(router fiber.Router) {
	learner := middleware.AuthOptions{RequireUser: true}
	router.Get("/training/:uuid/example", middleware.WithAuth(h.example, learner))
	router.Post("/training/:uuid/assess", middleware.WithAuth(h.assess, learner))
}

func (h *TrainingHandler) example(c *fiber.Ctx) error {
	example, err := h.service.GetExample(c.UserContext(), c.Params("uuid"), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "training example retrieved", example)
}

func (h *TrainingHandler) assess(c *fiber.Ctx) error {
	var payload dto.TrainingAssessRequest
	if err := c.BodyParser(&payload); err != nil {
		return badRequest(c, "invalid request body")
	}

	result, err := h.service.Assess(c.UserContext(), c.Params("uuid"), userIDFromContext(c), payload)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	message := "training assessment accepted"
	if !result.Correct {
		message = "training assessment does not match the expected selections"
	}
	return utils.SendSuccess(c, message, result)
}
