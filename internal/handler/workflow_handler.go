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

// WorkflowHandler reports workflow progress and lets staff cancel a workflow.
type WorkflowHandler struct {
	service   service.WorkflowService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewWorkflowHandler constructs a workflow handler.
func NewWorkflowHandler(service service.WorkflowService, validator *validator.Validate, logger zerolog.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "workflow_handler").Logger(),
	}
}

// Register wires workflow routes.
func (h *WorkflowHandler) Register(router fiber.Router) {
	router.Get("/workflow", middleware.WithAuth(h.info, middleware.AuthOptions{RequireUser: true}))
	router.Post("/workflow/:uuid/cancel", middleware.WithAuth(h.cancel, middleware.AuthOptions{Role: middleware.AuthRoleStaff}))
}

func (h *WorkflowHandler) info(c *fiber.Ctx) error {
	item, err := bindStudentItem(c, h.validator)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	info, err := h.service.GetWorkflowInfo(c.UserContext(), item)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "workflow retrieved", info)
}

func (h *WorkflowHandler) cancel(c *fiber.Ctx) error {
	var payload dto.WorkflowCancelRequest
	if err := c.BodyParser(&payload); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return respondError(c, h.logger, service.AsValidation(err, "invalid cancellation"))
	}

	staffID := userIDFromContext(c)
	workflow, err := h.service.Cancel(c.UserContext(), c.Params("uuid"), staffID, payload.Reason)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	requestLogger(h.logger, c).Info().
		Str("submission_uuid", c.Params("uuid")).
		Str("cancelled_by", staffID).
		Msg("workflow cancelled")

	return utils.SendSuccess(c, "workflow cancelled", workflow)
}
