package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"brokerdesk/api/internal/auth"
	"brokerdesk/api/internal/mirror"
	"brokerdesk/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *store.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest, "VALIDATION_ERROR", validation.Error(), map[string]any{"field": validation.Field}
	}
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrDuplicateKey):
		return http.StatusConflict, "DUPLICATE_KEY", "A record with this business key already exists", nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, mirror.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Record store did not answer in time", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// errorCode is the stable code reported for a failed batch item.
func errorCode(err error) string {
	_, code, _, _ := mapError(err)
	return code
}
