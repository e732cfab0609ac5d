// Package errors defines unified error types for gateway operations.
// Upstream, billing, and configuration failures are all mapped to these
// standard error types before they reach a caller.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// GatewayError represents a standardized error raised while serving a request.
// It carries everything needed for error handling, logging, and the client response.
type GatewayError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeAuthentication      = "authentication_error"
	TypeRateLimit           = "rate_limit_error"
	TypeInvalidRequest      = "invalid_request_error"
	TypeTimeout             = "timeout_error"
	TypeServiceUnavailable  = "service_unavailable_error"
	TypeInternalError       = "internal_error"
	TypeConfiguration       = "configuration_error"
	TypeUpstreamExhausted   = "upstream_exhausted_error"
	TypeInsufficientBalance = "insufficient_balance"
	TypeDailyQuotaExceeded  = "daily_quota_exceeded"
	TypeMonthlyQuota        = "monthly_quota_exceeded"
)

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeServiceUnavailable,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Provider:   provider,
		Model:      model,
	}
}

// NewConfigurationError creates a configuration error (500).
// Configuration errors are fatal at startup and never recovered at request time.
func NewConfigurationError(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeConfiguration,
		Provider:   "gateway",
	}
}

// NewUpstreamExhaustedError is returned when every candidate, primary and
// backups included, has failed for a request (502).
func NewUpstreamExhaustedError(model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Type:       TypeUpstreamExhausted,
		Provider:   "gateway",
		Model:      model,
	}
}

// NewInsufficientBalanceError creates a billing rejection (402).
func NewInsufficientBalanceError(tenantID, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusPaymentRequired,
		Message:    message,
		Type:       TypeInsufficientBalance,
		Provider:   "ledger",
		Model:      tenantID,
	}
}

// NewDailyQuotaError creates a billing rejection for an exceeded daily cap (402).
func NewDailyQuotaError(tenantID, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusPaymentRequired,
		Message:    message,
		Type:       TypeDailyQuotaExceeded,
		Provider:   "ledger",
		Model:      tenantID,
	}
}

// NewMonthlyQuotaError creates a billing rejection for an exceeded monthly cap (402).
func NewMonthlyQuotaError(tenantID, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusPaymentRequired,
		Message:    message,
		Type:       TypeMonthlyQuota,
		Provider:   "ledger",
		Model:      tenantID,
	}
}

// IsBillingRejection reports whether err is a deterministic billing rejection.
// Billing rejections are business errors: they are never retried and map to a
// fixed payment-required response.
func IsBillingRejection(err error) bool {
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		return false
	}
	switch gwErr.Type {
	case TypeInsufficientBalance, TypeDailyQuotaExceeded, TypeMonthlyQuota:
		return true
	}
	return false
}

// IsRetryable reports whether err may be retried against another candidate.
func IsRetryable(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	// Unknown transport errors are treated as transient.
	return true
}

// IsCooldownRequired determines if a candidate should be cooled down based on
// the upstream status code. Rate limits, auth errors, timeouts, and not found
// errors trigger cooldown; other 4xx codes are client errors and do not.
func IsCooldownRequired(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case http.StatusTooManyRequests,
			http.StatusUnauthorized,
			http.StatusRequestTimeout,
			http.StatusNotFound:
			return true
		default:
			return false
		}
	}
	return statusCode >= 500
}
