package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound    = errors.New("resource not found")
	ErrBadRequest  = errors.New("bad request")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("subsystem unavailable")
	ErrInternal    = errors.New("internal error")
	ErrServerFull  = errors.New("server full")
)

type AppError struct {
	Status  int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(status int, message string, err error) *AppError {
	return &AppError{Status: status, Message: message, Err: err}
}

func NotFound(message string) *AppError {
	return &AppError{Status: http.StatusNotFound, Message: message, Err: ErrNotFound}
}

func BadRequest(message string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Message: message, Err: ErrBadRequest}
}

func Conflict(message string) *AppError {
	return &AppError{Status: http.StatusConflict, Message: message, Err: ErrConflict}
}

func Unavailable(message string) *AppError {
	return &AppError{Status: http.StatusServiceUnavailable, Message: message, Err: ErrUnavailable}
}

func Internal(message string, err error) *AppError {
	return &AppError{Status: http.StatusInternalServerError, Message: message, Err: err}
}

// HTTPStatus maps any error to the status code an HTTP handler should return.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status == http.StatusNotFound
	}
	return errors.Is(err, ErrNotFound)
}
