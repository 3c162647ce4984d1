package handler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-peer-api/internal/dto"
	"github.com/noah-isme/gema-peer-api/internal/middleware"
	"github.com/noah-isme/gema-peer-api/internal/models"
	"github.com/noah-isme/gema-peer-api/internal/service"
	"github.com/noah-isme/gema-peer-api/internal/utils"
)

func userIDFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_id"); v != nil {
		switch id := v.(type) {
		case string:
			return strings.TrimSpace(id)
		case fmt.Stringer:
			return strings.TrimSpace(id.String())
		default:
			return strings.TrimSpace(fmt.Sprintf("%v", id))
		}
	}
	return ""
}

func userRoleFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_role"); v != nil {
		if role, ok := v.(string); ok {
			return strings.ToLower(strings.TrimSpace(role))
		}
	}
	return ""
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

// statusForError maps a service error kind onto the HTTP status returned to clients.
func statusForError(err error) int {
	switch service.KindOf(err) {
	case service.ErrValidation:
		return fiber.StatusBadRequest
	case service.ErrDuplicateAssessment, service.ErrDuplicateSubmission:
		return fiber.StatusConflict
	case service.ErrPeerWorkflow:
		return fiber.StatusUnprocessableEntity
	case service.ErrNotFound:
		return fiber.StatusNotFound
	case service.ErrAllocation:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError writes err using the standard envelope. Server-side failures are logged and
// their message hidden from the caller.
func respondError(c *fiber.Ctx, base zerolog.Logger, err error) error {
	status := statusForError(err)
	logger := requestLogger(base, c)

	if status >= fiber.StatusInternalServerError {
		event := logger.Error()
		if errors.Is(err, service.ErrAllocation) {
			event = logger.Warn()
		}
		event.Err(err).Str("path", c.Path()).Msg("request failed")
		if kind := service.KindOf(err); kind != nil {
			return utils.Fail(c, status, service.Message(kind), nil)
		}
		return utils.Fail(c, status, "internal server error", nil)
	}

	var serviceErr *service.Error
	if errors.As(err, &serviceErr) {
		var details interface{}
		if len(serviceErr.Fields) > 0 {
			details = serviceErr.Fields
		}
		return utils.Fail(c, status, serviceErr.Message, details)
	}

	return utils.Fail(c, status, err.Error(), nil)
}

func badRequest(c *fiber.Ctx, message string) error {
	return utils.Fail(c, fiber.StatusBadRequest, message, nil)
}

// bindStudentItem reads the course item from the query string and scopes it to the caller.
func bindStudentItem(c *fiber.Ctx, validate *validator.Validate) (models.StudentItem, error) {
	var query dto.StudentItemQuery
	if err := c.QueryParser(&query); err != nil {
		return models.StudentItem{}, &service.Error{Kind: service.ErrValidation, Message: "invalid query", Err: err}
	}
	if err := validate.Struct(query); err != nil {
		return models.StudentItem{}, service.AsValidation(err, "invalid course item")
	}
	return query.StudentItem(userIDFromContext(c)), nil
}
