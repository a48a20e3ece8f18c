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

func validationError(code, message string) *DomainError {
	return domainError(http.StatusBadRequest, code, message, nil)
}

// conflictError covers uniqueness and in-use failures. Clients of the original
// API expect 400 for these, not 409.
func conflictError(code, message string) *DomainError {
	return domainError(http.StatusBadRequest, code, message, nil)
}

func notFoundError(code, message string) *DomainError {
	return domainError(http.StatusNotFound, code, message, nil)
}

var (
	errUnauthenticated = domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
	errInvalidToken    = domainError(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token", nil)
	errAccountDisabled = domainError(http.StatusUnauthorized, "ACCOUNT_DISABLED", "Account is disabled", nil)
	errForbidden       = domainError(http.StatusForbidden, "FORBIDDEN", "You do not have permission to perform this action", nil)
	errRateLimited     = domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, try again later", nil)
	errInternal        = domainError(http.StatusInternalServerError, "SERVER_ERROR", "Internal server error", nil)

	errDocumentNotFound    = notFoundError("DOCUMENT_NOT_FOUND", "Document not found")
	errCategoryNotFound    = notFoundError("CATEGORY_NOT_FOUND", "Category not found")
	errSubcategoryNotFound = notFoundError("SUBCATEGORY_NOT_FOUND", "Subcategory not found")
	errRevisionNotFound    = notFoundError("REVISION_NOT_FOUND", "Revision not found")
	errBlobNotFound        = notFoundError("FILE_NOT_FOUND", "File is missing from storage")
	errUserNotFound        = notFoundError("USER_NOT_FOUND", "User not found")
	errNotificationMissing = notFoundError("NOTIFICATION_NOT_FOUND", "Notification not found")
	errRouteNotFound       = notFoundError("NOT_FOUND", "Not found")
)
