package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and services use these constants instead of
// hardcoded strings so the HTTP mapping stays in one place.
const (
	// Validation (400)
	ErrCodeValidationInvalidWeekKey ErrorCode = "validation_invalid_week_key"
	ErrCodeValidationInvalidLimit   ErrorCode = "validation_invalid_limit"
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"

	// Auth (401/403)
	ErrCodeAuthKeyMissing ErrorCode = "auth_trigger_key_missing"
	ErrCodeAuthKeyInvalid ErrorCode = "auth_trigger_key_invalid"

	// Missing prerequisite (422) -- non-retryable without external intervention.
	ErrCodePrereqNoCustomer      ErrorCode = "prereq_no_processor_customer"
	ErrCodePrereqNoPaymentMethod ErrorCode = "prereq_no_payment_method"
	ErrCodePrereqNoChargeRef     ErrorCode = "prereq_no_charge_reference"

	// Not Found (404)
	ErrCodeNotFoundUser       ErrorCode = "not_found_user"
	ErrCodeNotFoundCommitment ErrorCode = "not_found_commitment"
	ErrCodeNotFoundPenalty    ErrorCode = "not_found_penalty_row"

	// Conflict (409)
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_settlement"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB           ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected   ErrorCode = "internal_unexpected_error"
	ErrCodeInternalLedger       ErrorCode = "internal_ledger_mismatch"
	ErrCodeUpstreamStripe       ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamUnavailable  ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited  ErrorCode = "upstream_rate_limited"
	ErrCodeConfigCredentials    ErrorCode = "internal_missing_credentials"

	// Payment-specific
	ErrCodePaymentDeclined    ErrorCode = "payment_declined"
	ErrCodePaymentBelowMinimum ErrorCode = "payment_below_minimum"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "prereq_"):
		return http.StatusUnprocessableEntity // 422
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodePaymentDeclined), s == string(ErrCodePaymentBelowMinimum):
		return http.StatusPaymentRequired // 402
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the engine.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
