package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-peer-api/internal/dto"
	"github.com/noah-isme/gema-peer-api/internal/middleware"
	"github.com/noah-isme/gema-peer-api/internal/service"
	"github.com/noah-isme/gema-peer-api/internal/utils"
)

// ItemConfigHandler manages per-item step configuration.
type ItemConfigHandler struct {
	service   service.ItemConfigService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewItemConfigHandler constructs an item configuration handler.
func NewItemConfigHandler(service service.ItemConfigService, validator *validator.Validate, logger zerolog.Logger) *ItemConfigHandler {
	return &ItemConfigHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "item_config_handler").Logger(),
	}
}

// Register wires item configuration routes.
func (h *ItemConfigHandler) Register(router fiber.Router) {
	router.Get("/items/config", middleware.WithAuth(h.get, middleware.AuthOptions{RequireUser: true}))
	router.Put("/items/config", middleware.WithAuth(h.put, middleware.AuthOptions{Role: middleware.AuthRoleStaff}))
}

func (h *ItemConfigHandler) get(c *fiber.Ctx) error {
	var query dto.ItemConfigQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid query")
	}
	if err := h.validator.Struct(query); err != nil {
		return respondError(c, h.logger, service.AsValidation(err, "invalid course item"))
	}

	cfg, err := h.service.Get(c.UserContext(), query.CourseID, query.ItemID)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "item configuration retrieved", cfg)
}

func (h *ItemConfigHandler) put(c *fiber.Ctx) error {
	cfg, err := h.service.Put(c.UserContext(), c.Body())
	if err != nil {
		return respondError(c, h.logger, err)
	}

	requestLogger(h.logger, c).Info().
		Str("course_id", cfg.CourseID).
		Str("item_id", cfg.ItemID).
		Str("updated_by", userIDFromContext(c)).
		Msg("item configuration updated")

	return utils.SendSuccess(c, "item configuration saved", cfg)
}
