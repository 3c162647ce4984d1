package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/gema-peer-api/internal/models"
)

// Error kinds exposed to callers. Match them with errors.Is.
var (
	ErrValidation          = errors.New("validation_error")
	ErrDuplicateAssessment = errors.New("duplicate_assessment")
	ErrDuplicateSubmission = errors.New("duplicate_submission")
	ErrPeerWorkflow        = errors.New("peer_evaluation_workflow_error")
	ErrNotFound            = errors.New("not_found")
	ErrAllocation          = errors.New("allocation_error")
	ErrIntegrity           = errors.New("integrity_error")
)

// Error carries a kind, a caller-facing message and optional field-level detail.
type Error struct {
	Kind    error
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for key := range e.Fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, key+"="+e.Fields[key])
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the error kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns the default caller-facing message for an error kind.
func Message(kind error) string {
	switch kind {
	case ErrValidation:
		return "the request is invalid"
	case ErrDuplicateAssessment:
		return "an assessment of this type already exists for the submission"
	case ErrDuplicateSubmission:
		return "an identical submission is already being assessed"
	case ErrPeerWorkflow:
		return "peer assessment is not available for this learner"
	case ErrNotFound:
		return "the requested resource was not found"
	case ErrAllocation:
		return "could not reserve a submission to assess, please retry"
	case ErrIntegrity:
		return "an internal consistency check failed"
	default:
		return "unexpected error"
	}
}

// KindOf returns the kind of err, or nil for errors outside the service taxonomy.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrDuplicateAssessment,
		ErrDuplicateSubmission,
		ErrPeerWorkflow,
		ErrNotFound,
		ErrAllocation,
		ErrIntegrity,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// FieldErrors returns the field-level detail attached to err, if any.
func FieldErrors(err error) map[string]string {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Fields
	}
	return nil
}

func newError(kind error, message string) *Error {
	if message == "" {
		message = Message(kind)
	}
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind error, message string, cause error) *Error {
	e := newError(kind, message)
	e.Err = cause
	return e
}

func validationError(message string, fields map[string]string) *Error {
	e := newError(ErrValidation, message)
	e.Fields = fields
	return e
}

// fromValidation converts validator and rubric selection failures into a ValidationError.
// Other errors are returned unchanged.
func fromValidation(err error, message string) error {
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string, len(validationErrors))
		for _, fieldErr := range validationErrors {
			fields[fieldPath(fieldErr)] = describeFieldError(fieldErr)
		}
		return validationError(message, fields)
	}

	var selection *models.InvalidSelection
	if errors.As(err, &selection) {
		return validationError(message, selection.Fields)
	}

	return err
}

func fieldPath(fieldErr validator.FieldError) string {
	namespace := fieldErr.Namespace()
	if idx := strings.Index(namespace, "."); idx >= 0 {
		return namespace[idx+1:]
	}
	return fieldErr.Field()
}

func describeFieldError(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", fieldErr.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fieldErr.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fieldErr.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fieldErr.Param())
	case "unique":
		return "must not contain duplicates"
	case "uuid4", "uuid":
		return "must be a valid uuid"
	default:
		return fmt.Sprintf("failed %s validation", fieldErr.Tag())
	}
}

// AsValidation converts validator failures raised outside a service, such as query binding in
// the HTTP layer, into a ValidationError.
func AsValidation(err error, message string) error {
	return fromValidation(err, message)
}
