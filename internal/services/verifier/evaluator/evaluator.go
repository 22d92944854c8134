// Package evaluator answers "has this account completed this quest?" against
// the quest's source of truth: a partner REST API, a contract read, or an
// external verify service.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Verdict is the outcome of one successful check.
type Verdict struct {
	Completed bool           `json:"completed"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Evaluator checks one claim. Upstream identifies the dependency for circuit
// breaking; claims that share an upstream share a breaker.
type Evaluator interface {
	Upstream() string
	Check(ctx context.Context, account, questID string) (Verdict, error)
}

// StatusError is an HTTP-classified upstream failure.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Status)
}

// MalformedError reports a response that could not be interpreted.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed upstream response: " + e.Reason
}

// RejectedError reports a call the upstream refused deterministically, such
// as a reverted contract call.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "upstream rejected call: " + e.Reason
}

// Retryable reports whether err is worth another attempt. Rate limiting,
// server errors, timeouts and transport failures are; other 4xx statuses,
// malformed responses and rejected calls are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == http.StatusTooManyRequests || statusErr.Status >= 500
	}
	var malformed *MalformedError
	if errors.As(err, &malformed) {
		return false
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return 0
}

func classifyHTTPStatus(status int) error {
	if status >= 200 && status < 400 {
		return nil
	}
	return &StatusError{Status: status}
}
