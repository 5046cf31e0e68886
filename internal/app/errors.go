package app

import (
	"fmt"
	"net/http"
)

// Error codes returned by the terms routes and the gate.
const (
	codeTermsRequired      = "TERMS_ACCEPTANCE_REQUIRED"
	codeTermsUnavailable   = "TERMS_UNAVAILABLE"
	codeTermsNotConfigured = "TERMS_NOT_CONFIGURED"
	codeValidation         = "VALIDATION_ERROR"
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

func termsNotConfigured(message string) *DomainError {
	return domainError(http.StatusNotFound, codeTermsNotConfigured, message, nil)
}
