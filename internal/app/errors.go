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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errInvalidTransition(action, status string) *DomainError {
	return domainError(http.StatusConflict, "INVALID_TRANSITION",
		fmt.Sprintf("Action %q is not allowed while the request is %s", action, status),
		map[string]any{"action": action, "status": status})
}

func errOpenRequestExists(topicRecordID string) *DomainError {
	return domainError(http.StatusBadRequest, "OPEN_REQUEST_EXISTS",
		"An open curation request already exists for this record",
		map[string]any{"recordId": topicRecordID})
}

func errRoleNotFound(name string) *DomainError {
	return domainError(http.StatusNotFound, "ROLE_NOT_FOUND",
		fmt.Sprintf("Role %q does not exist", name), nil)
}

func errCurationNotAccepted() *DomainError {
	return domainError(http.StatusBadRequest, "CURATION_NOT_ACCEPTED",
		"The record cannot be published before its curation request is accepted",
		map[string]any{"field": "curation"})
}

func errConcurrentModification() *DomainError {
	return domainError(http.StatusConflict, "CONCURRENT_MODIFICATION",
		"The request was modified concurrently, retry with fresh state", nil)
}
