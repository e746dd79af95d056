package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNoSession       = errors.New("no session selected")
	ErrUnauthenticated = errors.New("no authenticated user")
	ErrNoWebhook       = errors.New("no webhook configured")
	ErrBusy            = errors.New("webhook operation already in progress")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
)

// HTTPError is a non-2xx response, or a 2xx response whose envelope reports
// success=false.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Retryable reports whether the same request may succeed later.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable reports true for transport failures and retryable HTTP errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return false
	}
	return !errors.Is(err, ErrInvalidInput)
}

// ValidationError lists request problems found before any network call.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid webhook request: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}
