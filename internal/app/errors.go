package app

import "fmt"

// DomainError is a failure the client is meant to see: an HTTP status, a
// stable machine code (FORBIDDEN, NOT_FOUND, VALIDATION_ERROR, ...) and a
// human message. Details carries structured context, like the
// required-versus-actual roles on an authorization denial. Anything else
// escaping the service layer surfaces as a 500.
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
