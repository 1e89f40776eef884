package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/samcharles93/qwenrt/internal/errs"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrModelNotFound  = errors.New("model_not_found")
	ErrNoModel        = errors.New("no_model")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusFor maps an error from the registry or an engine to an HTTP status
// and an error type for the response body.
func statusFor(err error) (int, string) {
	if code := echo.StatusCode(err); code != 0 {
		switch {
		case code == http.StatusTooManyRequests:
			return code, "rate_limit_exceeded"
		case code == http.StatusRequestEntityTooLarge:
			return code, "request_too_large"
		case code == http.StatusServiceUnavailable && errors.Is(err, context.DeadlineExceeded):
			return code, "timeout_error"
		case code == http.StatusServiceUnavailable:
			return code, "overloaded"
		case code == http.StatusNotFound:
			return code, "not_found_error"
		case code < http.StatusInternalServerError:
			return code, "invalid_request_error"
		default:
			return code, "server_error"
		}
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, ErrNoModel):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled"
	case errors.Is(err, errs.ErrInvalidArgument), errors.Is(err, errs.ErrOutOfBounds):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, errs.ErrCapacityExceeded):
		return http.StatusBadRequest, "context_length_exceeded"
	case errors.Is(err, errs.ErrFormatInvalid), errors.Is(err, errs.ErrIncompatibleConfig):
		return http.StatusUnprocessableEntity, "model_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return writeJSON(c, status, ErrorResponse{Error: ErrorDetail{
		Message: msg,
		Type:    errType,
		Code:    http.StatusText(status),
	}})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeErr(c *echo.Context, err error) error {
	status, errType := statusFor(err)
	return writeError(c, status, errType, err.Error())
}
