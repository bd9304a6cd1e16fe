package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/suwandre/arbiter/internal/apperr"
)

// ErrorResponse is the wire shape for every non-2xx response (§7
// "Cross-boundary leakage of internal error messages ... is forbidden").
type ErrorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

// writeAppError maps an apperr.Kind to its HTTP status and an opaque
// correlation ID, never leaking the wrapped cause to the client.
func writeAppError(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := string(apperr.KindFatal)
	message := "internal error"

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		code = string(appErr.Kind)
		message = appErr.Message
		switch appErr.Kind {
		case apperr.KindUpstreamUnavailable:
			status = fiber.StatusServiceUnavailable
		case apperr.KindUpstreamRateLimited:
			status = fiber.StatusTooManyRequests
		case apperr.KindValidationFailed:
			status = fiber.StatusBadRequest
		case apperr.KindAdmissionDenied:
			status = fiber.StatusTooManyRequests
		case apperr.KindTransientCache:
			status = fiber.StatusServiceUnavailable
		case apperr.KindFatal:
			status = fiber.StatusInternalServerError
		}
	}

	return c.Status(status).JSON(ErrorResponse{
		Code:          code,
		Message:       message,
		CorrelationID: uuid.New().String(),
	})
}
