package app

import (
	"fmt"
	"net/http"
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

func errUnauthenticated(message string) *DomainError {
	return &DomainError{Status: http.StatusUnauthorized, Code: "UNAUTHENTICATED", Message: message}
}

func errUnauthorized(message string) *DomainError {
	return &DomainError{Status: http.StatusForbidden, Code: "UNAUTHORIZED", Message: message}
}

func errNotFound(message string) *DomainError {
	return &DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: message}
}

func errConflict(message string) *DomainError {
	return &DomainError{Status: http.StatusConflict, Code: "CONFLICT", Message: message}
}

func errInvalidState(message string) *DomainError {
	return &DomainError{Status: http.StatusUnprocessableEntity, Code: "INVALID_STATE", Message: message}
}

// errPartialFailure names the last node a cascade processed successfully so a
// retry can resume from there instead of restarting.
func errPartialFailure(message, lastProcessed string) *DomainError {
	return &DomainError{
		Status:  http.StatusInternalServerError,
		Code:    "PARTIAL_FAILURE",
		Message: message,
		Details: map[string]any{"lastProcessed": lastProcessed},
	}
}
