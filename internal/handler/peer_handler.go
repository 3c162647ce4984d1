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

// PeerHandler hands out submissions for peer assessment.
type PeerHandler struct {
	service   service.PeerService
	items     service.ItemConfigService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewPeerHandler constructs a peer handler.
func NewPeerHandler(service service.PeerService, items service.ItemConfigService, validator *validator.Validate, logger zerolog.Logger) *PeerHandler {
	return &PeerHandler{
		service:   service,
		items:     items,
		validator: validator,
		logger:    logger.With().Str("component", "peer_handler").Logger(),
	}
}

// Register wires peer routes. Guards run before the allocation handler, typically a rate limiter.
func (h *PeerHandler) Register(router fiber.Router, guards ...fiber.Handler) {
	handlers := append(append([]fiber.Handler{}, guards...), middleware.WithAuth(h.next, middleware.AuthOptions{RequireUser: true}))
	router.Post("/peer/next", handlers...)
}

func (h *PeerHandler) next(c *fiber.Ctx) error {
	var payload dto.PeerRequest
	if err := c.BodyParser(&payload); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return respondError(c, h.logger, service.AsValidation(err, "invalid peer request"))
	}

	// Without an explicit threshold the item's configured one applies.
	var mustBeGradedBy int
	if payload.MustBeGradedBy != nil {
		mustBeGradedBy = *payload.MustBeGradedBy
	} else {
		cfg, err := h.items.Get(c.UserContext(), payload.CourseID, payload.ItemID)
		if err != nil {
			return respondError(c, h.logger, err)
		}
		mustBeGradedBy = cfg.MustBeGradedBy
	}

	item := dto.StudentItemQuery{CourseID: payload.CourseID, ItemID: payload.ItemID, ItemType: payload.ItemType}.StudentItem(userIDFromContext(c))
	allocation, err := h.service.GetSubmissionToAssess(c.UserContext(), item, mustBeGradedBy)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	message := "submission allocated"
	if allocation.Submission == nil {
		message = "no submission available to assess"
	}
	return utils.SendSuccess(c, message, allocation)
}
