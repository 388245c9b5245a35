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

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

var (
	errForbidden     = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errBoardNotFound = domainError(http.StatusNotFound, "BOARD_NOT_FOUND", "Board not found", nil)
	errCardNotFound  = domainError(http.StatusNotFound, "CARD_NOT_FOUND", "Card not found", nil)
	errColumnMissing = domainError(http.StatusNotFound, "COLUMN_NOT_FOUND", "Column not found", nil)
)
