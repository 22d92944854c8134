// Package errors provides structured error handling for claim verification.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request errors
	CodeBadRequest   Code = "BAD_REQUEST"
	CodeNotFound     Code = "NOT_FOUND"
	CodeUnauthorized Code = "UNAUTHORIZED"

	// Admission errors
	CodeRateLimited Code = "RATE_LIMITED"
	CodeCooldown    Code = "COOLDOWN"

	// Upstream errors
	CodeCircuitOpen   Code = "CIRCUIT_OPEN"
	CodeUpstreamError Code = "UPSTREAM_ERROR"

	// Storage errors
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	// Cooldown is reported like a rate limit: the caller must wait RetryAfter.
	case CodeRateLimited, CodeCooldown:
		return http.StatusTooManyRequests
	case CodeCircuitOpen, CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Wire returns the lower-case identifier exposed to API callers.
func (c Code) Wire() string {
	switch c {
	case CodeBadRequest:
		return "bad_request"
	case CodeNotFound:
		return "not_found"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeRateLimited:
		return "rate_limited"
	case CodeCooldown:
		return "cooldown"
	case CodeCircuitOpen:
		return "circuit_open"
	case CodeUpstreamError:
		return "upstream_error"
	case CodeStoreUnavailable:
		return "store_unavailable"
	default:
		return "internal"
	}
}
