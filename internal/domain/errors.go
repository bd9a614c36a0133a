package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated indicates no stored provider credential exists for the identity.
	ErrUnauthenticated = errors.New("user not authenticated with provider")
	// ErrTokenExpired indicates the stored provider credential is past its expiry.
	ErrTokenExpired = errors.New("provider token expired")
	// ErrStoreUnavailable wraps transient document store failures. Callers may retry the whole request.
	ErrStoreUnavailable = errors.New("activity store unavailable")
	// ErrDuplicateExternalID is returned by a store when an activity with the same external id already exists.
	ErrDuplicateExternalID = errors.New("activity already exists for external id")
	// ErrUnknownActivityType is a programming error: a type that bypassed normalization.
	ErrUnknownActivityType = errors.New("unknown activity type")
	// ErrUnknownProvider is returned when no sync adapter is registered for a provider.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrActivityNotFound is returned when an activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
)

// ValidationError reports a payload that failed normalization.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// ProviderAPIError carries a non-success response from an external provider API.
type ProviderAPIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderAPIError) Error() string {
	return fmt.Sprintf("%s api error (status=%d): %s", e.Provider, e.StatusCode, e.Body)
}
