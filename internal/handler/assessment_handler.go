package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-peer-api/internal/dto"
	"github.com/noah-isme/gema-peer-api/internal/middleware"
	"github.com/noah-isme/gema-peer-api/internal/models"
	"github.com/noah-isme/gema-peer-api/internal/service"
	"github.com/noah-isme/gema-peer-api/internal/utils"
)

// AssessmentHandler records and lists assessments.
type AssessmentHandler struct {
	service   service.AssessmentService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAssessmentHandler constructs an assessment handler.
func NewAssessmentHandler(service service.AssessmentService, validator *validator.Validate, logger zerolog.Logger) *AssessmentHandler {
	return &AssessmentHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "assessment_handler").Logger(),
	}
}

// Register wires assessment routes.
func (h *AssessmentHandler) Register(router fiber.Router) {
	learner := middleware.AuthOptions{RequireUser: true}
	router.Post("/assessments", middleware.WithAuth(h.create, learner))
	router.Get("/submissions/:uuid/assessments", middleware.WithAuth(h.list, learner))
}

func (h *AssessmentHandler) create(c *fiber.Ctx) error {
	var payload dto.AssessmentCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return badRequest(c, "invalid request body")
	}

	if models.AssessmentType(payload.Type) == models.AssessmentTypeStaff && !middleware.IsStaff(userRoleFromContext(c)) {
		return utils.Fail(c, fiber.StatusForbidden, "staff assessments require a staff role", nil)
	}

	assessment, err := h.service.Create(c.UserContext(), userIDFromContext(c), payload)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "assessment recorded", assessment)
}

func (h *AssessmentHandler) list(c *fiber.Ctx) error {
	var query dto.AssessmentQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid query")
	}
	if err := h.validator.Struct(query); err != nil {
		return respondError(c, h.logger, service.AsValidation(err, "invalid assessment filter"))
	}

	var filter *models.AssessmentType
	if query.Type != "" {
		kind := models.AssessmentType(query.Type)
		filter = &kind
	}

	assessments, err := h.service.List(c.UserContext(), c.Params("uuid"), filter)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.OK(c, assessments, "assessments retrieved", fiber.Map{"count": len(assessments)})
}
